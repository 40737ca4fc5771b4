package broadcast

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/mpepping/rxcache/internal/event"
	"github.com/mpepping/rxcache/pkg/limits"
)

// Subscription is a channel-backed subscriber
type Subscription[K comparable, V any] struct {
	ID uuid.UUID

	mu     sync.Mutex
	ch     chan event.ChangeEvent[K, V]
	closed bool
	err    error

	dropped atomic.Uint64

	broadcaster *Broadcaster[K, V]
	stop        func() bool
}

// NewSubscription creates a new subscription with a buffered channel. A
// non-positive buffer uses limits.SubscriptionBufferSize.
func NewSubscription[K comparable, V any](buffer int) *Subscription[K, V] {
	if buffer <= 0 {
		buffer = limits.SubscriptionBufferSize
	}

	return &Subscription[K, V]{
		ID: uuid.New(),
		ch: make(chan event.ChangeEvent[K, V], buffer),
	}
}

// Ch returns the event channel. It is closed once the subscription ends.
func (s *Subscription[K, V]) Ch() <-chan event.ChangeEvent[K, V] {
	return s.ch
}

// Send sends an event to the subscriber
// Returns false if the channel is full or closed
func (s *Subscription[K, V]) Send(evt event.ChangeEvent[K, V]) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	select {
	case s.ch <- evt:
		return true
	default:
		// Channel is full, skip this event
		return false
	}
}

// OnNext implements Subscriber. Events that do not fit in the buffer are
// dropped and counted.
func (s *Subscription[K, V]) OnNext(evt event.ChangeEvent[K, V]) {
	if !s.Send(evt) {
		s.dropped.Add(1)
	}
}

// OnCompleted implements Subscriber
func (s *Subscription[K, V]) OnCompleted() {
	s.finish(nil)
}

// OnError implements Subscriber
func (s *Subscription[K, V]) OnError(err error) {
	s.finish(err)
}

// Close closes the subscription without detaching it from a broadcaster
func (s *Subscription[K, V]) Close() {
	s.finish(nil)
}

// Unsubscribe detaches the subscription from its broadcaster and closes it
func (s *Subscription[K, V]) Unsubscribe() {
	if s.broadcaster != nil {
		s.broadcaster.Unsubscribe(s)
	}
	s.finish(nil)
}

func (s *Subscription[K, V]) finish(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = err
	close(s.ch)
	stop := s.stop
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
}

// Err returns the cause the subscription ended with, if any
func (s *Subscription[K, V]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Dropped returns how many events did not fit in the buffer
func (s *Subscription[K, V]) Dropped() uint64 {
	return s.dropped.Load()
}

// Observe subscribes a new channel subscription to b. The subscription is
// unsubscribed when ctx is done, and Err then reports ctx.Err().
func (b *Broadcaster[K, V]) Observe(ctx context.Context, buffer int) *Subscription[K, V] {
	sub := NewSubscription[K, V](buffer)
	sub.broadcaster = b

	// The handle is registered before ctx can end it, so the detach below
	// always finds it
	b.Subscribe(sub)

	stop := context.AfterFunc(ctx, func() {
		b.Unsubscribe(sub)
		sub.finish(ctx.Err())
	})

	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		stop()
		return sub
	}
	sub.stop = stop
	sub.mu.Unlock()

	return sub
}
