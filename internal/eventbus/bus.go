// Package eventbus is an in-memory fanout used to deliver incoming platform
// messages to per-job subscriptions.
package eventbus

import (
	"sync"
	"sync/atomic"
)

// Bus fans events of type T out to filtered subscribers.
//
// Contract:
//   - Publish never blocks.
//   - Subscribers get buffered channels; a full subscriber drops events.
//   - Unsubscribe closes the channel exactly once.
type Bus[T any] struct {
	mu   sync.RWMutex
	subs map[uint64]*sub[T]
	seq  atomic.Uint64

	dropped atomic.Uint64
}

type sub[T any] struct {
	ch     chan T
	filter func(T) bool
	closed bool
}

func New[T any]() *Bus[T] {
	return &Bus[T]{subs: map[uint64]*sub[T]{}}
}

// Publish delivers e to every subscriber whose filter accepts it and
// returns how many subscribers received it.
func (b *Bus[T]) Publish(e T) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, s := range b.subs {
		if s.closed || (s.filter != nil && !s.filter(e)) {
			continue
		}
		select {
		case s.ch <- e:
			n++
		default:
			b.dropped.Add(1)
		}
	}
	return n
}

// Subscribe registers a subscriber. filter may be nil to receive everything.
func (b *Bus[T]) Subscribe(buffer int, filter func(T) bool) (id uint64, ch <-chan T) {
	if buffer <= 0 {
		buffer = 16
	}
	s := &sub[T]{ch: make(chan T, buffer), filter: filter}
	id = b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()
	return id, s.ch
}

// Unsubscribe removes a subscriber and closes its channel. Unknown ids are
// ignored, so repeated calls are safe.
func (b *Bus[T]) Unsubscribe(id uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.subs[id]
	if !ok {
		return false
	}
	delete(b.subs, id)
	s.closed = true
	close(s.ch)
	return true
}

// Len returns the number of live subscribers.
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were dropped on full subscribers.
func (b *Bus[T]) Dropped() uint64 { return b.dropped.Load() }

// Close unsubscribes everyone.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, s := range b.subs {
		delete(b.subs, id)
		s.closed = true
		close(s.ch)
	}
}
