// Package state publishes immutable session snapshots to many readers.
//
// A Store has exactly one writer, the owning session's event loop. Readers
// either Load the latest value or Subscribe to a drop-oldest stream of every
// published value. Published values must not be mutated afterwards.
package state

import (
	"sync"
	"sync/atomic"

	"github.com/srg/blehealth/internal/ringchan"
)

// DefaultSubscriberBuffer is the per-subscriber backlog kept before the
// oldest snapshot is dropped.
const DefaultSubscriberBuffer = 16

type Store[T any] struct {
	cur atomic.Pointer[T]

	mu     sync.Mutex
	subs   map[*ringchan.RingChannel[T]]struct{}
	closed bool
}

func NewStore[T any](initial T) *Store[T] {
	s := &Store[T]{subs: make(map[*ringchan.RingChannel[T]]struct{})}
	s.cur.Store(&initial)
	return s
}

// Load returns the latest published snapshot.
func (s *Store[T]) Load() T {
	return *s.cur.Load()
}

// Publish replaces the current snapshot and fans it out to subscribers.
func (s *Store[T]) Publish(v T) {
	s.cur.Store(&v)

	s.mu.Lock()
	defer s.mu.Unlock()
	for rc := range s.subs {
		rc.Send(v)
	}
}

// Subscribe returns a channel that first yields the current snapshot and then
// every subsequent one. Slow readers lose the oldest snapshots, never the
// newest. cancel releases the subscription and closes the channel.
func (s *Store[T]) Subscribe(buffer int) (<-chan T, func()) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	rc := ringchan.New[T](buffer)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		rc.Send(s.Load())
		rc.Close()
		return rc.C(), func() {}
	}
	rc.Send(s.Load())
	s.subs[rc] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return rc.C(), func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, rc)
			s.mu.Unlock()
			rc.Close()
		})
	}
}

// Close ends every subscription. The last snapshot stays loadable.
func (s *Store[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for rc := range s.subs {
		rc.Close()
	}
	s.subs = nil
}
