package bridge

import "sync"

// tapBufferSize is the channel buffer for each live subscriber.
// Entries are dropped if a subscriber falls this far behind.
const tapBufferSize = 64

// tap fans delivered entries out to live subscribers. Subscribing after the
// tap is closed yields an already closed channel.
type tap struct {
	mu     sync.Mutex
	subs   map[int]chan Entry
	nextID int
	closed bool
}

func newTap() *tap {
	return &tap{subs: make(map[int]chan Entry)}
}

func (t *tap) subscribe() (<-chan Entry, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch := make(chan Entry, tapBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if c, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(c)
		}
	}
}

func (t *tap) publish(e Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	for _, ch := range t.subs {
		select {
		case ch <- e:
		default:
			// Slow subscriber; the transcript still has the entry.
		}
	}
}

func (t *tap) close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
