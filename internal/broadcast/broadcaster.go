// Package broadcast fans change events from one upstream source out to a
// dynamic set of subscribers.
//
// The active set is copy-on-write: Subscribe and Unsubscribe replace an
// immutable slice under a writer lock, and OnChange iterates whatever slice
// it loaded when delivery began. No lock is held across a delivery pass, so
// handles may subscribe or unsubscribe (themselves or others) from inside a
// callback.
package broadcast

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/mpepping/rxcache/internal/event"
	"go.uber.org/zap"
)

// ErrClosed is returned by operations on a broadcaster whose upstream
// registration has been withdrawn
var ErrClosed = errors.New("broadcaster closed")

// Subscriber receives a sequence of values followed by at most one of
// OnCompleted or OnError
type Subscriber[T any] interface {
	OnNext(T)
	OnCompleted()
	OnError(error)
}

// Funcs builds a Subscriber from optional callbacks. Always pass it by pointer
// so that the handle is comparable.
type Funcs[T any] struct {
	Next      func(T)
	Completed func()
	Error     func(error)
}

func (f *Funcs[T]) OnNext(v T) {
	if f.Next != nil {
		f.Next(v)
	}
}

func (f *Funcs[T]) OnCompleted() {
	if f.Completed != nil {
		f.Completed()
	}
}

func (f *Funcs[T]) OnError(err error) {
	if f.Error != nil {
		f.Error(err)
	}
}

// DeliveryError wraps a panic raised by a subscriber's OnNext
type DeliveryError struct {
	Value any
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("subscriber panicked during delivery: %v", e.Value)
}

// Unwrap returns the panic value when it is an error
func (e *DeliveryError) Unwrap() error {
	err, _ := e.Value.(error)
	return err
}

type handle[K comparable, V any] struct {
	sub Subscriber[event.ChangeEvent[K, V]]

	// mu serializes callbacks into sub
	mu     sync.Mutex
	active atomic.Bool
}

// Stats is a point-in-time view of a broadcaster's counters
type Stats struct {
	Subscribers int
	Subscribed  uint64
	Delivered   uint64
	Failed      uint64
}

// Broadcaster delivers every ChangeEvent it receives to the subscribers that
// are active when delivery begins.
//
// Handles are compared with ==. A handle whose dynamic type is not
// comparable, such as a func type, is never matched: it is registered on
// every Subscribe and cannot be unsubscribed, so pass pointers.
//
// Neither Close nor OnChange may be called from within a callback of the same
// broadcaster while the calling handle is still subscribed: callbacks into
// one handle are serialized, and re-entering delivery to it blocks forever.
type Broadcaster[K comparable, V any] struct {
	name   string
	logger *zap.Logger

	mu     sync.Mutex
	subs   atomic.Pointer[[]*handle[K, V]]
	closed bool
	err    error

	subscribed atomic.Uint64
	delivered  atomic.Uint64
	failed     atomic.Uint64
}

var _ event.Listener[string, string] = (*Broadcaster[string, string])(nil)

// New creates a broadcaster. The name only appears in logs.
func New[K comparable, V any](name string, logger *zap.Logger) *Broadcaster[K, V] {
	b := &Broadcaster[K, V]{
		name:   name,
		logger: logger,
	}
	b.subs.Store(&[]*handle[K, V]{})
	return b
}

// Name returns the name the broadcaster was created with
func (b *Broadcaster[K, V]) Name() string {
	return b.name
}

func sameSubscriber[T any](a, b Subscriber[T]) bool {
	ta := reflect.TypeOf(a)
	if ta == nil || ta != reflect.TypeOf(b) || !ta.Comparable() {
		return false
	}
	return a == b
}

func (b *Broadcaster[K, V]) snapshot() []*handle[K, V] {
	return *b.subs.Load()
}

// Subscribe registers sub. It returns false when sub is already registered,
// or when the broadcaster is closed, in which case sub is immediately sent
// the terminal signal.
func (b *Broadcaster[K, V]) Subscribe(sub Subscriber[event.ChangeEvent[K, V]]) bool {
	b.mu.Lock()
	if b.closed {
		err := b.err
		b.mu.Unlock()

		h := &handle[K, V]{sub: sub}
		b.terminate(h, err)
		return false
	}

	cur := b.snapshot()
	for _, h := range cur {
		if sameSubscriber(h.sub, sub) {
			b.mu.Unlock()
			return false
		}
	}

	h := &handle[K, V]{sub: sub}
	h.active.Store(true)

	next := make([]*handle[K, V], len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, h)
	b.subs.Store(&next)
	b.mu.Unlock()

	b.subscribed.Add(1)
	b.logger.Debug("subscriber registered",
		zap.String("broadcaster", b.name),
		zap.Int("subscriber_count", len(next)),
	)

	return true
}

// Unsubscribe deactivates sub and removes it from the active set. Once it
// returns, no later OnChange delivers to sub. It reports whether sub was
// registered.
func (b *Broadcaster[K, V]) Unsubscribe(sub Subscriber[event.ChangeEvent[K, V]]) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	cur := b.snapshot()
	for i, h := range cur {
		if !sameSubscriber(h.sub, sub) {
			continue
		}

		h.active.Store(false)
		b.removeLocked(cur, i)

		b.logger.Debug("subscriber removed",
			zap.String("broadcaster", b.name),
			zap.Int("subscriber_count", len(cur)-1),
		)
		return true
	}

	return false
}

func (b *Broadcaster[K, V]) removeLocked(cur []*handle[K, V], i int) {
	next := make([]*handle[K, V], 0, len(cur)-1)
	next = append(next, cur[:i]...)
	next = append(next, cur[i+1:]...)
	b.subs.Store(&next)
}

func (b *Broadcaster[K, V]) remove(target *handle[K, V]) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cur := b.snapshot()
	for i, h := range cur {
		if h == target {
			b.removeLocked(cur, i)
			return
		}
	}
}

// OnChange delivers evt to every active subscriber, in registration order.
// A subscriber that panics is removed and sent OnError with a
// *DeliveryError; the remaining subscribers still receive evt.
func (b *Broadcaster[K, V]) OnChange(evt event.ChangeEvent[K, V]) {
	for _, h := range b.snapshot() {
		if !h.active.Load() {
			continue
		}

		if err := b.deliver(h, evt); err != nil {
			b.failed.Add(1)
			b.logger.Warn("subscriber failed during delivery",
				zap.String("broadcaster", b.name),
				zap.Stringer("kind", evt.Kind),
				zap.Error(err),
			)

			if h.active.CompareAndSwap(true, false) {
				b.remove(h)
				b.terminate(h, err)
			}
		}
	}
}

func (b *Broadcaster[K, V]) deliver(h *handle[K, V], evt event.ChangeEvent[K, V]) (err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// a self-unsubscribe or a close may have landed while waiting on h.mu
	if !h.active.Load() {
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = &DeliveryError{Value: r}
		}
	}()

	h.sub.OnNext(evt)
	b.delivered.Add(1)

	return nil
}

func (b *Broadcaster[K, V]) terminate(h *handle[K, V], err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("subscriber panicked on terminal signal",
				zap.String("broadcaster", b.name),
				zap.Any("panic", r),
			)
		}
	}()

	if err != nil {
		h.sub.OnError(err)
		return
	}
	h.sub.OnCompleted()
}

// Close withdraws the upstream registration. Every active subscriber
// receives OnCompleted exactly once and the active set is emptied. Later
// Subscribe calls complete the handle immediately.
func (b *Broadcaster[K, V]) Close() {
	b.close(nil)
}

// CloseWithError is like Close but sends OnError(err) instead
func (b *Broadcaster[K, V]) CloseWithError(err error) {
	if err == nil {
		err = ErrClosed
	}
	b.close(err)
}

func (b *Broadcaster[K, V]) close(err error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.err = err
	cur := b.snapshot()
	b.subs.Store(&[]*handle[K, V]{})
	b.mu.Unlock()

	b.logger.Debug("broadcaster closed",
		zap.String("broadcaster", b.name),
		zap.Int("subscriber_count", len(cur)),
		zap.Error(err),
	)

	for _, h := range cur {
		if h.active.CompareAndSwap(true, false) {
			b.terminate(h, err)
		}
	}
}

// Closed reports whether Close or CloseWithError has been called
func (b *Broadcaster[K, V]) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Len returns the number of active subscribers
func (b *Broadcaster[K, V]) Len() int {
	return len(b.snapshot())
}

// Stats returns the broadcaster's counters
func (b *Broadcaster[K, V]) Stats() Stats {
	return Stats{
		Subscribers: b.Len(),
		Subscribed:  b.subscribed.Load(),
		Delivered:   b.delivered.Load(),
		Failed:      b.failed.Load(),
	}
}
