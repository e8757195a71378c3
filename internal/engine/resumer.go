package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/roach88/entityevents/internal/event"
	"github.com/roach88/entityevents/internal/state"
)

// Resumption defaults.
const (
	DefaultMaxAttempts = 5
	DefaultStaleAfter  = 10 * time.Minute
	DefaultResumeRate  = rate.Limit(50)
)

// Resumption outcomes, as reported to metrics.
const (
	resumeResumed  = "resumed"
	resumeFailed   = "failed"
	resumeStuck    = "stuck"
	resumeVanished = "vanished"
)

// PendingStore is the pending-work persistence a Resumer needs.
// *state.Store implements it.
type PendingStore interface {
	Find(ctx context.Context, f state.Filter) ([]state.Record, error)
	Claim(ctx context.Context, id string) (state.Record, error)
	Release(ctx context.Context, id string, cause error) error
	Complete(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	ReclaimStale(ctx context.Context, before time.Time) (int64, error)
}

// ResumeFunc rebuilds a fresh envelope from a pending-work record's stored
// parameters. The returned envelope is published as an independent root.
type ResumeFunc func(ctx context.Context, rec state.Record) (*event.Envelope, error)

// PassReport summarizes one resumption pass for a result code.
type PassReport struct {
	ResultCode string `json:"result_code"`

	// Reclaimed counts stale RUNNING records returned to BLOCKED.
	Reclaimed int64 `json:"reclaimed"`

	Examined int `json:"examined"`
	Resumed  int `json:"resumed"`
	Failed   int `json:"failed"`

	// Stuck counts records skipped at MaxAttempts.
	Stuck int `json:"stuck"`

	// Vanished counts records deleted or claimed by someone else between
	// listing and claiming.
	Vanished int `json:"vanished"`
}

// Resumer drives the resumption protocol: list BLOCKED records of a result
// code, claim each one, rebuild and publish its envelope, then complete and
// delete the record on success or release it (attempts+1) on failure.
//
// A concurrent cancel that deletes a record makes its claim fail; that is
// treated as "handled elsewhere", never as an error.
type Resumer struct {
	mu          sync.RWMutex
	funcs       map[string]ResumeFunc
	store       PendingStore
	dispatcher  *Dispatcher
	limiter     *rate.Limiter
	maxAttempts int
	staleAfter  time.Duration
	now         func() time.Time
	metrics     *Metrics
	logger      *slog.Logger
}

// ResumerOption configures a Resumer.
type ResumerOption func(*Resumer)

// WithMaxAttempts sets the attempt count at which a record is reported
// stuck instead of retried. Zero or negative means unlimited.
func WithMaxAttempts(n int) ResumerOption {
	return func(r *Resumer) { r.maxAttempts = n }
}

// WithStaleAfter sets how long a RUNNING record may sit before a pass
// reclaims it. Zero disables reclaim.
func WithStaleAfter(d time.Duration) ResumerOption {
	return func(r *Resumer) { r.staleAfter = d }
}

// WithResumeRate throttles publishes to r per second with the given burst.
func WithResumeRate(r rate.Limit, burst int) ResumerOption {
	return func(res *Resumer) { res.limiter = rate.NewLimiter(r, burst) }
}

// WithResumerNow sets the wall clock used for stale reclaim.
func WithResumerNow(now func() time.Time) ResumerOption {
	return func(r *Resumer) { r.now = now }
}

// WithResumerMetrics records resumption outcomes.
func WithResumerMetrics(m *Metrics) ResumerOption {
	return func(r *Resumer) { r.metrics = m }
}

// WithResumerLogger sets the logger (default slog.Default()).
func WithResumerLogger(l *slog.Logger) ResumerOption {
	return func(r *Resumer) { r.logger = l }
}

// NewResumer creates a resumer publishing through d.
func NewResumer(store PendingStore, d *Dispatcher, opts ...ResumerOption) *Resumer {
	r := &Resumer{
		funcs:       make(map[string]ResumeFunc),
		store:       store,
		dispatcher:  d,
		limiter:     rate.NewLimiter(DefaultResumeRate, 1),
		maxAttempts: DefaultMaxAttempts,
		staleAfter:  DefaultStaleAfter,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Register binds a resume function to a result code.
func (r *Resumer) Register(resultCode string, fn ResumeFunc) error {
	if resultCode == "" {
		return fmt.Errorf("register resumer: result code is required")
	}
	if fn == nil {
		return fmt.Errorf("register resumer %s: function is required", resultCode)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.funcs[resultCode]; exists {
		return fmt.Errorf("register resumer %s: already registered", resultCode)
	}
	r.funcs[resultCode] = fn
	return nil
}

// ResultCodes returns the registered result codes, sorted.
func (r *Resumer) ResultCodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	codes := make([]string, 0, len(r.funcs))
	for code := range r.funcs {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// Pass runs one resumption pass for resultCode.
func (r *Resumer) Pass(ctx context.Context, resultCode string) (PassReport, error) {
	report := PassReport{ResultCode: resultCode}

	r.mu.RLock()
	fn, ok := r.funcs[resultCode]
	r.mu.RUnlock()
	if !ok {
		return report, fmt.Errorf("resume %s: no resumer registered", resultCode)
	}

	if r.staleAfter > 0 {
		n, err := r.store.ReclaimStale(ctx, r.now().Add(-r.staleAfter))
		if err != nil {
			return report, err
		}
		report.Reclaimed = n
	}

	records, err := r.store.Find(ctx, state.Filter{
		ResultCode: resultCode,
		States:     []state.State{state.Blocked},
	})
	if err != nil {
		return report, err
	}

	for _, rec := range records {
		report.Examined++

		if r.maxAttempts > 0 && rec.Attempts >= r.maxAttempts {
			report.Stuck++
			r.metrics.recordResume(ctx, resultCode, resumeStuck)
			r.logger.Warn("pending work stuck",
				"state_id", rec.ID,
				"result_code", resultCode,
				"owner_id", rec.OwnerID,
				"attempts", rec.Attempts,
				"last_error", rec.LastError,
			)
			continue
		}

		if err := r.limiter.Wait(ctx); err != nil {
			return report, err
		}

		outcome, err := r.resumeOne(ctx, fn, rec)
		if err != nil {
			return report, err
		}
		switch outcome {
		case resumeResumed:
			report.Resumed++
		case resumeFailed:
			report.Failed++
		case resumeVanished:
			report.Vanished++
		}
		r.metrics.recordResume(ctx, resultCode, outcome)
	}

	r.logger.Info("resumption pass finished",
		"result_code", resultCode,
		"examined", report.Examined,
		"resumed", report.Resumed,
		"failed", report.Failed,
		"stuck", report.Stuck,
		"vanished", report.Vanished,
		"reclaimed", report.Reclaimed,
	)
	return report, nil
}

// resumeOne claims, publishes and settles one record. Only store failures
// are returned as errors.
func (r *Resumer) resumeOne(ctx context.Context, fn ResumeFunc, rec state.Record) (string, error) {
	claimed, err := r.store.Claim(ctx, rec.ID)
	if errors.Is(err, state.ErrNotFound) || errors.Is(err, state.ErrNotClaimable) {
		r.logger.Debug("pending work handled elsewhere", "state_id", rec.ID)
		return resumeVanished, nil
	}
	if err != nil {
		return "", err
	}

	cause := r.publish(ctx, fn, claimed)
	if cause != nil {
		r.logger.Warn("resumption failed",
			"state_id", claimed.ID,
			"result_code", claimed.ResultCode,
			"owner_id", claimed.OwnerID,
			"attempts", claimed.Attempts+1,
			"error", cause,
		)
		if err := r.store.Release(ctx, claimed.ID, cause); err != nil && !errors.Is(err, state.ErrNotFound) {
			return "", err
		}
		return resumeFailed, nil
	}

	if err := r.store.Complete(ctx, claimed.ID); err != nil && !errors.Is(err, state.ErrNotFound) {
		return "", err
	}
	if err := r.store.Delete(ctx, claimed.ID); err != nil {
		return "", err
	}
	r.logger.Debug("pending work resumed",
		"state_id", claimed.ID,
		"result_code", claimed.ResultCode,
		"owner_id", claimed.OwnerID,
	)
	return resumeResumed, nil
}

func (r *Resumer) publish(ctx context.Context, fn ResumeFunc, rec state.Record) error {
	env, err := fn(ctx, rec)
	if err != nil {
		return err
	}
	if env == nil {
		return nil
	}
	_, err = r.dispatcher.Publish(ctx, env)
	return err
}

// PassAll runs a pass for every registered result code in sorted order and
// stops at the first store failure.
func (r *Resumer) PassAll(ctx context.Context) ([]PassReport, error) {
	codes := r.ResultCodes()
	reports := make([]PassReport, 0, len(codes))
	for _, code := range codes {
		report, err := r.Pass(ctx, code)
		reports = append(reports, report)
		if err != nil {
			return reports, err
		}
	}
	return reports, nil
}

// Run calls PassAll every interval until ctx is cancelled. Pass failures
// are logged and retried on the next tick.
func (r *Resumer) Run(ctx context.Context, interval time.Duration) error {
	r.logger.Info("resumer starting",
		"interval", interval,
		"result_codes", r.ResultCodes(),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := r.PassAll(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Error("resumption pass failed", "error", err)
		}

		select {
		case <-ctx.Done():
			r.logger.Info("resumer stopping: context cancelled")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
