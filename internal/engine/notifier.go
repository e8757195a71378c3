package engine

import "sync"

// wakeup coalesces "work may be available" signals for a single worker.
//
// The channel is buffered with size 1: any number of Notify calls between
// two waits wake the worker once. Close wakes every waiter for good.
type wakeup struct {
	mu     sync.Mutex
	closed bool
	signal chan struct{}
}

func newWakeup() *wakeup {
	return &wakeup{signal: make(chan struct{}, 1)}
}

// Notify signals availability. Safe from any goroutine; a no-op after Close.
func (w *wakeup) Notify() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

// Wait returns the channel to select on.
func (w *wakeup) Wait() <-chan struct{} {
	return w.signal
}

// Close releases waiters. Idempotent.
func (w *wakeup) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	w.closed = true
	close(w.signal)
}

// Closed reports whether Close was called.
func (w *wakeup) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}
