package engine

import (
	"context"
	"slices"

	"github.com/roach88/entityevents/internal/event"
)

// Order conventions. The engine only sorts by Order; it is the handlers'
// agreement on these offsets that puts "save" before "cascade" before
// "cache evict" before "notify".
const (
	// DefaultOrder is the order of ordinary handlers (validation, save).
	DefaultOrder = 0

	// AfterSaveOrder is for handlers that need the entity persisted first:
	// cascades, cache eviction, dependent recalculation.
	AfterSaveOrder = DefaultOrder + 100

	// NotifyOrder is for change notification, which runs after everything.
	NotifyOrder = DefaultOrder + 1000
)

// Handler is a business processor subscribed to events of one entity type.
type Handler interface {
	// Name is unique per entity type and forms the enablement property key.
	Name() string

	// Module is the module that owns the handler; the module gate applies.
	Module() string

	EntityType() event.EntityType

	// SupportedTypes is the non-empty subscription set.
	SupportedTypes() []event.EventType

	// Order positions the handler in the chain (ascending).
	Order() int

	// Disableable is false for handlers enforcing invariants; such handlers
	// ignore the module and property gates.
	Disableable() bool

	// Conditional is a pure predicate. False skips the handler for this
	// envelope only.
	Conditional(env *event.Envelope) bool

	// Process does the work. It is the only place allowed to call external
	// collaborators, create pending-work records or publish chained events.
	Process(ctx context.Context, env *event.Envelope) (Result, error)
}

// Emitter is implemented by handlers that publish chained events. Static
// cycle analysis reads the declared keys; EntityID is ignored.
type Emitter interface {
	Emits() []event.Key
}

// Supports reports whether h subscribes to t.
func Supports(h Handler, t event.EventType) bool {
	return slices.Contains(h.SupportedTypes(), t)
}

// Base provides defaults for embedding:
// Conditional true, Disableable true, Order DefaultOrder.
//
//	type saveContract struct {
//		engine.Base
//		repo Repository
//	}
type Base struct{}

func (Base) Order() int {
	return DefaultOrder
}

func (Base) Disableable() bool {
	return true
}

func (Base) Conditional(*event.Envelope) bool {
	return true
}

// State is the position of one handler invocation:
// PENDING -> RUNNING -> {COMPLETED | DEFERRED | FAILED}, or SKIPPED when a
// gate or the predicate turned the handler away.
type State string

const (
	StatePending   State = "PENDING"
	StateRunning   State = "RUNNING"
	StateCompleted State = "COMPLETED"
	StateDeferred  State = "DEFERRED"
	StateFailed    State = "FAILED"
	StateSkipped   State = "SKIPPED"
)

// Result is what Process returns.
type Result struct {
	// Current replaces the envelope's current payload when non-nil.
	Current event.Entity

	// State is StateCompleted (zero value treated the same) or
	// StateDeferred. Deferred stops the chain and reports the envelope as
	// accepted but not finished.
	State State

	// Deferred lists the ids of pending-work records created, whether or
	// not the chain stops.
	Deferred []string
}

// Continue is the plain result: keep current, carry on.
func Continue() Result {
	return Result{State: StateCompleted}
}

// Replace continues the chain with a new current payload.
func Replace(current event.Entity) Result {
	return Result{Current: current, State: StateCompleted}
}

// ContinueWith carries on like Continue, reporting pending-work records
// the handler created for later resumption.
func ContinueWith(recordIDs ...string) Result {
	return Result{State: StateCompleted, Deferred: recordIDs}
}

// Defer ends the chain as accepted-but-unfinished, naming the pending-work
// records that will resume it.
func Defer(recordIDs ...string) Result {
	return Result{State: StateDeferred, Deferred: recordIDs}
}
