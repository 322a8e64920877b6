// Package asyncmutex provides a FIFO critical-section guard for async
// bodies. Unlike sync.Mutex it guarantees that bodies run in the order
// RunExclusive was called, and a failing body never breaks the chain.
package asyncmutex

import (
	"context"
	"sync"
)

// Mutex serializes bodies passed to RunExclusive. The zero value is ready
// to use.
//
// Caller contract: a body must not call RunExclusive on the same Mutex it
// is running under; that deadlocks by construction and there is no runtime
// detection.
type Mutex struct {
	mu   sync.Mutex
	tail chan struct{}
}

// acquire swaps in a fresh tail slot and returns the previous one plus the
// release for the new slot. Ordering falls out of the swap: whoever swapped
// earlier waits on an earlier slot.
func (m *Mutex) acquire() (prev <-chan struct{}, release func()) {
	done := make(chan struct{})
	m.mu.Lock()
	prevTail := m.tail
	m.tail = done
	m.mu.Unlock()

	if prevTail == nil {
		closed := make(chan struct{})
		close(closed)
		prevTail = closed
	}
	var once sync.Once
	return prevTail, func() { once.Do(func() { close(done) }) }
}

// RunExclusive runs fn once every earlier caller's body has finished.
// fn's error is returned unchanged; the slot is released regardless, so a
// failing body does not block later callers. If ctx is cancelled while
// waiting, fn never runs and the slot is released after the predecessor
// completes, preserving chain integrity.
func (m *Mutex) RunExclusive(ctx context.Context, fn func(ctx context.Context) error) error {
	prev, release := m.acquire()
	select {
	case <-prev:
	case <-ctx.Done():
		go func() {
			<-prev
			release()
		}()
		return ctx.Err()
	}
	defer release()
	return fn(ctx)
}

// RunExclusiveResult is RunExclusive for bodies that produce a value.
func RunExclusiveResult[T any](m *Mutex, ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := m.RunExclusive(ctx, func(ctx context.Context) error {
		var innerErr error
		out, innerErr = fn(ctx)
		return innerErr
	})
	return out, err
}
