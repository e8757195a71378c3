// Package engine dispatches entity events through ordered handler chains.
//
// ARCHITECTURE:
//
// Registry:
// Handlers are registered from a compiled-in list at startup. For an
// (entity type, event type) the registry resolves the subscribed handlers
// sorted by Order, ties broken by registration sequence from the logical
// Clock. Resolution is memoized and side-effect-free.
//
// Dispatch:
// Dispatcher.Publish runs a chain top to bottom on the caller's goroutine:
//  1. Enablement: module gate and property gate (Run, SkipSilently, Fail)
//  2. Predicate: Conditional false skips the handler for this envelope
//  3. Process: may replace current, defer, stop or fail the chain
//
// A deferring handler ends the chain as "accepted, not yet finished"; the
// pending-work records it created are picked up later by the Resumer.
//
// Chaining:
// ChainPropagator publishes a child envelope from inside a handler. The
// child shares the parent's root id, inherits the more urgent priority and
// the parent's super-owner. A depth limit and an ancestor-path check stop
// runaway chains at runtime; AnalyzeCycles reports potential cycles
// statically from Emitter declarations.
//
// Asynchronous execution:
// AsyncExecutor persists envelopes and runs them on one worker goroutine.
// Envelopes of the same super-owner never run concurrently and wait while
// the owner has outstanding pending work.
//
// CRITICAL PATTERNS:
//
// Deterministic ordering:
// Handler order depends only on Order and registration sequence, never on
// map iteration or timing. Store queries use ORDER BY seq, id.
//
// No hidden transactions:
// The engine opens no transactions. Each handler's durable writes are its
// own; the caller owns the persistence boundary.
package engine
