package engine

import (
	"context"
	"fmt"

	"github.com/roach88/entityevents/internal/event"
)

// ChainPropagator publishes chained events from inside a handler: a
// contract delete cascading to its guarantees, a save triggering a
// dependent recalculation.
type ChainPropagator struct {
	dispatcher *Dispatcher
	async      *AsyncExecutor
	ids        event.IDGenerator
}

// PropagatorOption configures a ChainPropagator.
type PropagatorOption func(*ChainPropagator)

// WithAsyncExecutor enables Async() propagation through exec.
func WithAsyncExecutor(exec *AsyncExecutor) PropagatorOption {
	return func(p *ChainPropagator) { p.async = exec }
}

// WithPropagatorIDs sets the id generator for child envelopes
// (default event.DefaultIDs).
func WithPropagatorIDs(gen event.IDGenerator) PropagatorOption {
	return func(p *ChainPropagator) { p.ids = gen }
}

// NewChainPropagator creates a propagator publishing through d.
func NewChainPropagator(d *Dispatcher, opts ...PropagatorOption) *ChainPropagator {
	p := &ChainPropagator{dispatcher: d, ids: event.DefaultIDs}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type propagation struct {
	original    event.Entity
	exclude     []string
	fresh       bool
	independent bool
	async       bool
	priority    event.Priority
}

// PropagateOption configures one Propagate call.
type PropagateOption func(*propagation)

// WithoutProperties drops keys from the copied parent properties.
func WithoutProperties(keys ...string) PropagateOption {
	return func(p *propagation) { p.exclude = append(p.exclude, keys...) }
}

// WithFreshProperties starts the child with an empty property bag.
func WithFreshProperties() PropagateOption {
	return func(p *propagation) { p.fresh = true }
}

// WithOriginal sets the child's original snapshot.
func WithOriginal(original event.Entity) PropagateOption {
	return func(p *propagation) { p.original = original }
}

// WithPriority raises the child's own priority. The effective priority
// is still the maximum of child and parent.
func WithPriority(pr event.Priority) PropagateOption {
	return func(p *propagation) { p.priority = pr }
}

// Independent keeps the child out of the parent's super-owner group.
func Independent() PropagateOption {
	return func(p *propagation) { p.independent = true }
}

// Async queues the child for the async executor instead of running it
// inline. The child keeps its parent and root linkage and inherited
// priority.
func Async() PropagateOption {
	return func(p *propagation) { p.async = true }
}

// Propagate publishes eventType for entity as a child of parent.
//
// Parent properties are shallow-copied into the child unless filtered or
// replaced. An inline child returns its Outcome; an async child returns an
// Outcome in StatePending once it is queued.
func (p *ChainPropagator) Propagate(
	ctx context.Context,
	parent *event.Envelope,
	eventType event.EventType,
	entity event.Entity,
	opts ...PropagateOption,
) (Outcome, error) {
	var cfg propagation
	for _, opt := range opts {
		opt(&cfg)
	}

	props := event.NewProperties()
	if !cfg.fresh {
		props = parent.Properties().Copy(cfg.exclude...)
	}

	child := event.New(eventType, entity,
		event.WithOriginal(cfg.original),
		event.WithPriority(cfg.priority),
		event.WithProperties(props),
		event.WithIDGenerator(p.ids),
	)
	child.Link(parent, !cfg.independent)

	if !cfg.async {
		return p.dispatcher.publishLinked(ctx, child)
	}

	if p.async == nil {
		return Outcome{Envelope: child, State: StateFailed},
			fmt.Errorf("propagate %s %s: no async executor configured", child.EntityType(), eventType)
	}
	if err := child.Validate(); err != nil {
		return Outcome{Envelope: child, State: StateFailed}, &RuntimeError{
			Code:    ErrCodeInvalidEnvelope,
			Message: err.Error(),
			EventID: child.ID(),
		}
	}
	if err := p.dispatcher.guard(child); err != nil {
		return Outcome{Envelope: child, State: StateFailed}, err
	}
	if err := p.async.Publish(ctx, child); err != nil {
		return Outcome{Envelope: child, State: StateFailed}, err
	}
	return Outcome{Envelope: child, State: StatePending, Steps: []Step{}}, nil
}
