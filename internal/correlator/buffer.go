package correlator

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Buffer is an ordered queue of envelopes for one channel with a single read
// cursor. It is safe for concurrent use.
//
// Unread envelopes accumulate until they are taken; nothing is dropped. Pending
// waiters are woken in registration order, one envelope each.
type Buffer[E any] struct {
	name string

	mu      sync.Mutex
	unread  []E
	waiters []*waiter[E]
}

type waiter[E any] struct {
	// ch has capacity 1 and receives at most one envelope, always under mu.
	ch chan E
}

// NewBuffer creates an empty buffer identified by name in diagnostics.
func NewBuffer[E any](name string) *Buffer[E] {
	return &Buffer[E]{name: name}
}

// Name returns the channel identity of the buffer.
func (b *Buffer[E]) Name() string {
	return b.name
}

// Append adds e to the buffer. If a consumer is waiting, the earliest waiter
// receives e directly.
func (b *Buffer[E]) Append(e E) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deliverLocked(e)
}

// Len returns the number of unread envelopes.
func (b *Buffer[E]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.unread)
}

// Waiting returns the number of consumers blocked in TakeNext.
func (b *Buffer[E]) Waiting() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.waiters)
}

// TakeNext returns the oldest unread envelope, waiting up to timeout for one
// to arrive. expected describes what the caller is waiting for and is used
// only in the returned *TimeoutError. A non-positive timeout waits until ctx
// is done.
//
// A wait that times out or is cancelled leaves the buffer unchanged: an
// envelope racing with the deadline is put back at the head of the queue for
// the next caller.
func (b *Buffer[E]) TakeNext(ctx context.Context, expected string, timeout time.Duration) (E, error) {
	var zero E

	b.mu.Lock()
	if len(b.unread) > 0 {
		e := b.popLocked()
		b.mu.Unlock()
		return e, nil
	}
	w := &waiter[E]{ch: make(chan E, 1)}
	b.waiters = append(b.waiters, w)
	b.mu.Unlock()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case e := <-w.ch:
		return e, nil
	case <-deadline:
		b.detach(w)
		return zero, &TimeoutError{Channel: b.name, Expected: expected, After: timeout}
	case <-ctx.Done():
		b.detach(w)
		return zero, fmt.Errorf("wait for %s on %s: %w", expected, b.name, ctx.Err())
	}
}

// detach removes w from the waiter queue. If an envelope was already handed
// to w, it is redelivered as if it had just arrived at the front.
func (b *Buffer[E]) detach(w *waiter[E]) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, cand := range b.waiters {
		if cand == w {
			b.waiters = append(b.waiters[:i], b.waiters[i+1:]...)
			return
		}
	}

	// Not queued any more, so Append already sent to w.ch under mu.
	e := <-w.ch
	if len(b.waiters) > 0 {
		b.wakeLocked(e)
		return
	}
	b.unread = append([]E{e}, b.unread...)
}

func (b *Buffer[E]) deliverLocked(e E) {
	if len(b.waiters) > 0 {
		b.wakeLocked(e)
		return
	}
	b.unread = append(b.unread, e)
}

func (b *Buffer[E]) wakeLocked(e E) {
	w := b.waiters[0]
	b.waiters[0] = nil
	b.waiters = b.waiters[1:]
	w.ch <- e
}

func (b *Buffer[E]) popLocked() E {
	var zero E
	e := b.unread[0]
	b.unread[0] = zero
	b.unread = b.unread[1:]
	return e
}
