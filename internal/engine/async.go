package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/entityevents/internal/event"
	"github.com/roach88/entityevents/internal/state"
)

// Defaults for the async worker.
const (
	DefaultAsyncBatch      = 16
	DefaultPollInterval    = 5 * time.Second
	DefaultEventStaleAfter = 10 * time.Minute
)

// EventQueue is the persistence the async executor needs.
// *state.Store implements it.
type EventQueue interface {
	EnqueueEvent(ctx context.Context, rec state.EventRecord) (bool, error)
	NextEvents(ctx context.Context, limit int) ([]state.EventRecord, error)
	ClaimEvent(ctx context.Context, id string) (state.EventRecord, error)
	FinishEvent(ctx context.Context, id string, status state.EventStatus, cause error) error
	ReclaimEvents(ctx context.Context, before time.Time) (int64, error)

	// HasOutstanding reports BLOCKED or RUNNING pending work grouped under
	// a super-owner.
	HasOutstanding(ctx context.Context, superOwnerID string) (bool, error)
}

// AsyncExecutor runs persisted envelopes on a single worker goroutine.
//
// An envelope with a super-owner only starts when no pending work grouped
// under that super-owner is outstanding and no other envelope of the same super-owner
// is running, so the chains of one super-owner never interleave. Envelopes
// are picked HIGH priority first, then in creation order.
//
// Thread-safety model:
//   - Publish(): safe from any goroutine
//   - RunOnce(), Run(): one goroutine at a time
type AsyncExecutor struct {
	dispatcher *Dispatcher
	queue      EventQueue
	codec      *event.Codec
	wake       *wakeup
	batch      int
	poll       time.Duration
	staleAfter time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// AsyncOption configures an AsyncExecutor.
type AsyncOption func(*AsyncExecutor)

// WithBatchSize sets how many candidates RunOnce examines.
func WithBatchSize(n int) AsyncOption {
	return func(a *AsyncExecutor) { a.batch = n }
}

// WithPollInterval sets how long Run sleeps without a publish signal.
func WithPollInterval(d time.Duration) AsyncOption {
	return func(a *AsyncExecutor) { a.poll = d }
}

// WithEventStaleAfter sets when a RUNNING envelope is considered abandoned
// and requeued by Run.
func WithEventStaleAfter(d time.Duration) AsyncOption {
	return func(a *AsyncExecutor) { a.staleAfter = d }
}

// WithAsyncNow sets the wall clock used for stale reclaim.
func WithAsyncNow(now func() time.Time) AsyncOption {
	return func(a *AsyncExecutor) { a.now = now }
}

// WithAsyncLogger sets the logger (default slog.Default()).
func WithAsyncLogger(l *slog.Logger) AsyncOption {
	return func(a *AsyncExecutor) { a.logger = l }
}

// NewAsyncExecutor creates an executor dispatching through d.
func NewAsyncExecutor(d *Dispatcher, queue EventQueue, codec *event.Codec, opts ...AsyncOption) *AsyncExecutor {
	a := &AsyncExecutor{
		dispatcher: d,
		queue:      queue,
		codec:      codec,
		wake:       newWakeup(),
		batch:      DefaultAsyncBatch,
		poll:       DefaultPollInterval,
		staleAfter: DefaultEventStaleAfter,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	return a
}

// Publish persists env for later execution and wakes the worker.
// Publishing the same envelope twice is a no-op.
func (a *AsyncExecutor) Publish(ctx context.Context, env *event.Envelope) error {
	if err := env.Validate(); err != nil {
		return &RuntimeError{Code: ErrCodeInvalidEnvelope, Message: err.Error(), EventID: env.ID()}
	}
	current, err := a.codec.Encode(env.Current())
	if err != nil {
		return fmt.Errorf("publish async %s: %w", env.ID(), err)
	}
	original, err := a.codec.Encode(env.Original())
	if err != nil {
		return fmt.Errorf("publish async %s: %w", env.ID(), err)
	}

	inserted, err := a.queue.EnqueueEvent(ctx, state.EventRecord{
		ID:           env.ID(),
		RootID:       env.RootID(),
		ParentID:     env.ParentID(),
		EntityType:   env.EntityType(),
		EntityID:     env.EntityID(),
		EventType:    env.EventType(),
		Priority:     env.Priority(),
		SuperOwnerID: env.SuperOwnerID(),
		Depth:        env.Depth(),
		Current:      current,
		Original:     original,
		Properties:   env.Properties().Object(),
		PropertyKeys: env.Properties().Keys(),
	})
	if err != nil {
		return fmt.Errorf("publish async %s: %w", env.ID(), err)
	}
	if inserted {
		a.logger.Debug("event queued",
			"event_id", env.ID(),
			"root_id", env.RootID(),
			"entity_type", env.EntityType(),
			"event_type", env.EventType(),
			"super_owner_id", env.SuperOwnerID(),
			"priority", env.Priority().String(),
		)
	}
	a.wake.Notify()
	return nil
}

// RunOnce dispatches the envelopes that may start now and returns how many
// were dispatched. Handler failures mark the envelope EXCEPTION and do not
// stop the pass; store failures are returned.
func (a *AsyncExecutor) RunOnce(ctx context.Context) (int, error) {
	candidates, err := a.queue.NextEvents(ctx, a.batch)
	if err != nil {
		return 0, err
	}

	ran := 0
	for _, rec := range candidates {
		if err := ctx.Err(); err != nil {
			return ran, err
		}

		if rec.SuperOwnerID != "" {
			blocked, err := a.queue.HasOutstanding(ctx, rec.SuperOwnerID)
			if err != nil {
				return ran, err
			}
			if blocked {
				a.logger.Debug("event held for super-owner",
					"event_id", rec.ID,
					"super_owner_id", rec.SuperOwnerID,
				)
				continue
			}
		}

		claimed, err := a.queue.ClaimEvent(ctx, rec.ID)
		if errors.Is(err, state.ErrNotFound) || errors.Is(err, state.ErrNotClaimable) {
			continue
		}
		if err != nil {
			return ran, err
		}

		if err := a.execute(ctx, claimed); err != nil {
			return ran, err
		}
		ran++
	}
	return ran, nil
}

// execute dispatches one claimed record and stores its final status. Only
// store failures are returned.
func (a *AsyncExecutor) execute(ctx context.Context, rec state.EventRecord) error {
	env, err := a.restore(rec)
	if err != nil {
		a.logger.Error("async event undecodable",
			"event_id", rec.ID,
			"entity_type", rec.EntityType,
			"error", err,
		)
		return a.queue.FinishEvent(ctx, rec.ID, state.EventException, err)
	}

	var outcome Outcome
	if gerr := a.dispatcher.guard(env); gerr != nil {
		err = gerr
	} else {
		outcome, err = a.dispatcher.Publish(ctx, env)
	}

	status := state.EventExecuted
	switch {
	case err != nil:
		status = state.EventException
		a.logger.Warn("async event failed",
			"event_id", rec.ID,
			"root_id", rec.RootID,
			"entity_type", rec.EntityType,
			"event_type", rec.EventType,
			"error", err,
		)
	case outcome.State == StateDeferred:
		status = state.EventDeferred
	}

	// A cancelled context must not leave the record RUNNING forever; the
	// final status is written with a detached context.
	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}
	return a.queue.FinishEvent(ctx, rec.ID, status, err)
}

func (a *AsyncExecutor) restore(rec state.EventRecord) (*event.Envelope, error) {
	current, err := a.codec.Decode(rec.EntityType, rec.Current)
	if err != nil {
		return nil, err
	}
	original, err := a.codec.Decode(rec.EntityType, rec.Original)
	if err != nil {
		return nil, err
	}
	return event.Restore(rec.Header(), current, original, event.PropertiesFrom(rec.Properties, rec.PropertyKeys...)), nil
}

// Run is the worker loop. It requeues abandoned RUNNING envelopes once,
// then dispatches until ctx is cancelled or Stop is called, waking on
// publishes and every poll interval.
func (a *AsyncExecutor) Run(ctx context.Context) error {
	a.logger.Info("async executor starting", "poll_interval", a.poll)

	if n, err := a.queue.ReclaimEvents(ctx, a.now().Add(-a.staleAfter)); err != nil {
		return err
	} else if n > 0 {
		a.logger.Info("requeued abandoned events", "count", n)
	}

	ticker := time.NewTicker(a.poll)
	defer ticker.Stop()

	for {
		n, err := a.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				a.logger.Info("async executor stopping: context cancelled")
				return ctx.Err()
			}
			a.logger.Error("async pass failed", "error", err)
		}
		if n > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			a.logger.Info("async executor stopping: context cancelled")
			return ctx.Err()
		case <-ticker.C:
		case <-a.wake.Wait():
			if a.wake.Closed() {
				a.logger.Info("async executor stopping: closed")
				return nil
			}
		}
	}
}

// Stop makes Run return after its current pass.
func (a *AsyncExecutor) Stop() {
	a.wake.Close()
}
