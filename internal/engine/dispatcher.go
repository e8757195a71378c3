package engine

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/roach88/entityevents/internal/event"
	"github.com/roach88/entityevents/internal/state"
)

// DefaultMaxDepth is the default maximum nesting of chained envelopes.
const DefaultMaxDepth = 32

// Step records one handler's part in a chain.
type Step struct {
	Handler string `json:"handler"`
	Order   int    `json:"order"`
	State   State  `json:"state"`
	Reason  string `json:"reason,omitempty"`
}

// Outcome is the result of dispatching one envelope.
type Outcome struct {
	Envelope *event.Envelope

	// State is StateCompleted, StateDeferred (accepted, not yet finished)
	// or StateFailed.
	State State

	// Steps lists every resolved handler that was reached, in order.
	Steps []Step

	// Deferred lists the pending-work record ids reported by handlers,
	// including those of a chain that still completed.
	Deferred []string
}

// Finished reports whether the chain ran to completion.
func (o Outcome) Finished() bool {
	return o.State == StateCompleted
}

// ChainLog persists every dispatched envelope for failure correlation.
// *state.Store implements it.
type ChainLog interface {
	RecordEvent(ctx context.Context, rec state.EventRecord) error
}

// Observer is notified of handler transitions. Calls happen on the
// dispatching goroutine.
type Observer interface {
	StepStarted(env *event.Envelope, h Handler)
	StepFinished(env *event.Envelope, step Step)
}

// Dispatcher runs envelopes through their resolved handler chains.
//
// A chain runs on the caller's goroutine, top to bottom, with no
// parallelism: handlers may depend on mutations of current made by
// earlier handlers. The dispatcher opens no transactions; atomicity is the
// caller's persistence boundary.
//
// Thread-safety: a Dispatcher may be shared by goroutines; each Publish
// call owns its envelope.
type Dispatcher struct {
	registry *Registry
	maxDepth int
	chainLog ChainLog
	observer Observer
	metrics  *Metrics
	logger   *slog.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithMaxDepth sets the maximum chain depth (default DefaultMaxDepth).
func WithMaxDepth(depth int) DispatcherOption {
	return func(d *Dispatcher) { d.maxDepth = depth }
}

// WithChainLog records every dispatched envelope in log.
func WithChainLog(log ChainLog) DispatcherOption {
	return func(d *Dispatcher) { d.chainLog = log }
}

// WithObserver registers a step observer.
func WithObserver(o Observer) DispatcherOption {
	return func(d *Dispatcher) { d.observer = o }
}

// WithMetrics records dispatch metrics.
func WithMetrics(m *Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithLogger sets the logger (default slog.Default()).
func WithLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// NewDispatcher creates a dispatcher over registry.
func NewDispatcher(registry *Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		maxDepth: DefaultMaxDepth,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	return d
}

// Registry returns the dispatcher's registry.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Publish dispatches env as an independent unit.
//
// Errors from handlers are returned unchanged; engine failures are
// *RuntimeError. The Outcome is valid even when err is non-nil and lists
// the steps reached.
func (d *Dispatcher) Publish(ctx context.Context, env *event.Envelope) (Outcome, error) {
	if err := env.Validate(); err != nil {
		return Outcome{Envelope: env, State: StateFailed}, &RuntimeError{
			Code:    ErrCodeInvalidEnvelope,
			Message: err.Error(),
			EventID: env.ID(),
		}
	}
	return d.dispatch(ctx, env)
}

// PublishChained dispatches env as a child of parent: env takes the more
// urgent priority of the two, the parent's super-owner if it has none, and
// is logged under the parent's root.
func (d *Dispatcher) PublishChained(ctx context.Context, env, parent *event.Envelope) (Outcome, error) {
	env.Link(parent, true)
	return d.publishLinked(ctx, env)
}

// publishLinked validates and guards an envelope already linked to its
// parent, then dispatches it.
func (d *Dispatcher) publishLinked(ctx context.Context, env *event.Envelope) (Outcome, error) {
	if err := env.Validate(); err != nil {
		return Outcome{Envelope: env, State: StateFailed}, &RuntimeError{
			Code:    ErrCodeInvalidEnvelope,
			Message: err.Error(),
			EventID: env.ID(),
		}
	}
	if err := d.guard(env); err != nil {
		d.logger.Error("chained event rejected",
			"event_id", env.ID(),
			"root_id", env.RootID(),
			"parent_id", env.ParentID(),
			"key", env.Key().String(),
			"error", err,
		)
		d.record(ctx, env, state.EventException, err)
		return Outcome{Envelope: env, State: StateFailed}, err
	}
	return d.dispatch(ctx, env)
}

// guard enforces the depth limit and rejects an envelope whose key is
// already on its ancestor path. Entities without an id yet (nested
// creates) carry no identity to repeat, so only the depth limit applies.
func (d *Dispatcher) guard(env *event.Envelope) error {
	if d.maxDepth > 0 && env.Depth() > d.maxDepth {
		return NewDepthError(env.ID(), env.Depth(), d.maxDepth)
	}
	key := env.Key()
	if key.EntityID != "" && slices.Contains(env.Path(), key) {
		return NewCycleError(env.ID(), key.String())
	}
	return nil
}

func (d *Dispatcher) dispatch(ctx context.Context, env *event.Envelope) (Outcome, error) {
	start := time.Now()
	outcome, err := d.runChain(ctx, env)
	d.metrics.recordChain(ctx, env, time.Since(start), err)

	switch {
	case err != nil:
		d.record(ctx, env, state.EventException, err)
	case outcome.State == StateDeferred:
		d.record(ctx, env, state.EventDeferred, nil)
	default:
		d.record(ctx, env, state.EventExecuted, nil)
	}
	return outcome, err
}

func (d *Dispatcher) runChain(ctx context.Context, env *event.Envelope) (Outcome, error) {
	handlers := d.registry.Resolve(env.EntityType(), env.EventType())
	outcome := Outcome{
		Envelope: env,
		State:    StateCompleted,
		Steps:    make([]Step, 0, len(handlers)),
	}

	d.logger.Debug("dispatching event",
		"event_id", env.ID(),
		"root_id", env.RootID(),
		"entity_type", env.EntityType(),
		"event_type", env.EventType(),
		"entity_id", env.EntityID(),
		"priority", env.Priority().String(),
		"handlers", len(handlers),
	)
	d.record(ctx, env, state.EventRunning, nil)

	for _, h := range handlers {
		if err := ctx.Err(); err != nil {
			outcome.State = StateFailed
			return outcome, err
		}

		step := Step{Handler: h.Name(), Order: h.Order(), State: StatePending}

		en := d.registry.IsEnabled(h)
		switch en.Decision {
		case Fail:
			step.State = StateFailed
			step.Reason = en.Reason
			d.finishStep(ctx, env, &outcome, step)
			outcome.State = StateFailed
			err := &RuntimeError{
				Code:    ErrCodeMisconfigured,
				Message: en.Reason,
				EventID: env.ID(),
				Handler: h.Name(),
			}
			d.logger.Error("handler enablement misconfigured",
				"event_id", env.ID(),
				"handler", h.Name(),
				"reason", en.Reason,
			)
			return outcome, err
		case SkipSilently:
			step.State = StateSkipped
			step.Reason = en.Reason
			d.finishStep(ctx, env, &outcome, step)
			continue
		}

		if !h.Conditional(env) {
			step.State = StateSkipped
			step.Reason = "condition not met"
			d.finishStep(ctx, env, &outcome, step)
			continue
		}

		step.State = StateRunning
		if d.observer != nil {
			d.observer.StepStarted(env, h)
		}

		result, err := h.Process(ctx, env)
		if err != nil {
			step.State = StateFailed
			step.Reason = err.Error()
			d.finishStep(ctx, env, &outcome, step)
			outcome.State = StateFailed

			var re *RuntimeError
			if errors.As(err, &re) && re.Code == ErrCodeChainStopped {
				if re.EventID == "" {
					re.EventID = env.ID()
				}
				if re.Handler == "" {
					re.Handler = h.Name()
				}
			}
			d.logger.Error("handler failed",
				"event_id", env.ID(),
				"root_id", env.RootID(),
				"handler", h.Name(),
				"entity_type", env.EntityType(),
				"event_type", env.EventType(),
				"error", err,
			)
			return outcome, err
		}

		if result.Current != nil {
			env.SetCurrent(result.Current)
		}

		if result.State == StateDeferred {
			step.State = StateDeferred
			d.finishStep(ctx, env, &outcome, step)
			outcome.State = StateDeferred
			outcome.Deferred = append(outcome.Deferred, result.Deferred...)
			d.logger.Info("event deferred",
				"event_id", env.ID(),
				"handler", h.Name(),
				"records", len(result.Deferred),
			)
			return outcome, nil
		}

		if len(result.Deferred) > 0 {
			outcome.Deferred = append(outcome.Deferred, result.Deferred...)
			d.logger.Info("pending work recorded",
				"event_id", env.ID(),
				"handler", h.Name(),
				"records", result.Deferred,
			)
		}
		step.State = StateCompleted
		d.finishStep(ctx, env, &outcome, step)
	}

	return outcome, nil
}

func (d *Dispatcher) finishStep(ctx context.Context, env *event.Envelope, outcome *Outcome, step Step) {
	outcome.Steps = append(outcome.Steps, step)
	d.metrics.recordStep(ctx, env, step)
	if d.observer != nil {
		d.observer.StepFinished(env, step)
	}
	if step.State == StateSkipped {
		d.logger.Debug("handler skipped",
			"event_id", env.ID(),
			"handler", step.Handler,
			"reason", step.Reason,
		)
	}
}

// record writes a chain-log entry. Chain-log failures are logged, never
// returned: the log is diagnostic and must not change dispatch results.
func (d *Dispatcher) record(ctx context.Context, env *event.Envelope, status state.EventStatus, cause error) {
	if d.chainLog == nil {
		return
	}
	rec := state.EventRecord{
		ID:           env.ID(),
		RootID:       env.RootID(),
		ParentID:     env.ParentID(),
		EntityType:   env.EntityType(),
		EntityID:     env.EntityID(),
		EventType:    env.EventType(),
		Priority:     env.Priority(),
		SuperOwnerID: env.SuperOwnerID(),
		Depth:        env.Depth(),
		Properties:   env.Properties().Object(),
		PropertyKeys: env.Properties().Keys(),
		Status:       status,
	}
	if cause != nil {
		rec.Error = cause.Error()
	}
	if err := d.chainLog.RecordEvent(ctx, rec); err != nil {
		d.logger.Warn("chain log write failed",
			"event_id", env.ID(),
			"status", status,
			"error", err,
		)
	}
}
