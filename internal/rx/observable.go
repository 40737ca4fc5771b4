// Package rx exposes push-based streams over asynchronous cache operations
// and change broadcasters.
package rx

import (
	"context"
	"sync"

	"github.com/mpepping/rxcache/internal/async"
	"github.com/mpepping/rxcache/internal/broadcast"
)

// Observer receives the values of an Observable followed by at most one
// terminal signal
type Observer[T any] = broadcast.Subscriber[T]

// Funcs builds an Observer from callbacks
type Funcs[T any] = broadcast.Funcs[T]

// Subscription is the link between an Observable and one Observer
type Subscription struct {
	ctx    context.Context
	cancel context.CancelFunc

	once sync.Once
	done chan struct{}
}

func newSubscription(ctx context.Context) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	return &Subscription{
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Unsubscribe stops delivery to the observer. No signal, terminal or
// otherwise, reaches it afterwards.
func (s *Subscription) Unsubscribe() {
	s.cancel()
	s.finish()
}

// IsUnsubscribed reports whether Unsubscribe was called or the subscribing
// context ended
func (s *Subscription) IsUnsubscribed() bool {
	return s.ctx.Err() != nil
}

// Done is closed once the observer has received its terminal signal or the
// subscription was cancelled
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) finish() {
	s.once.Do(func() {
		close(s.done)
	})
}

// Emitter forwards signals to an observer, enforcing the stream contract:
// no values after a terminal signal, exactly one terminal signal, nothing
// at all once unsubscribed.
type Emitter[T any] struct {
	mu       sync.Mutex
	observer Observer[T]
	sub      *Subscription
	done     bool
}

// Next emits v. It reports false when the stream has ended or the observer
// unsubscribed.
func (e *Emitter[T]) Next(v T) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.done || e.sub.IsUnsubscribed() {
		return false
	}
	e.observer.OnNext(v)
	return true
}

// Complete ends the stream successfully
func (e *Emitter[T]) Complete() {
	e.terminate(func() { e.observer.OnCompleted() })
}

// Error ends the stream with err
func (e *Emitter[T]) Error(err error) {
	e.terminate(func() { e.observer.OnError(err) })
}

func (e *Emitter[T]) terminate(signal func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.done {
		return
	}
	e.done = true

	if !e.sub.IsUnsubscribed() {
		signal()
	}
	e.sub.cancel()
	e.sub.finish()
}

// forward returns an observer that relays every signal into e
func (e *Emitter[T]) forward() Observer[T] {
	return &Funcs[T]{
		Next:      func(v T) { e.Next(v) },
		Completed: e.Complete,
		Error:     e.Error,
	}
}

// Unsubscribed reports whether the observer has gone away
func (e *Emitter[T]) Unsubscribed() bool {
	return e.sub.IsUnsubscribed()
}

// Observable is a stream that starts producing when subscribed to. Each
// subscription runs the producer again.
type Observable[T any] struct {
	onSubscribe func(ctx context.Context, e *Emitter[T])
}

// Create returns an Observable backed by fn. fn may emit synchronously or
// hand the emitter to another goroutine; ctx is cancelled when the observer
// unsubscribes or the stream ends.
func Create[T any](fn func(ctx context.Context, e *Emitter[T])) Observable[T] {
	return Observable[T]{onSubscribe: fn}
}

// Subscribe starts the stream for observer. Cancelling ctx has the same
// effect as calling Unsubscribe on the returned subscription.
func (o Observable[T]) Subscribe(ctx context.Context, observer Observer[T]) *Subscription {
	sub := newSubscription(ctx)
	context.AfterFunc(sub.ctx, sub.finish)

	e := &Emitter[T]{observer: observer, sub: sub}
	o.onSubscribe(sub.ctx, e)

	return sub
}

// Filter emits only the values for which pred returns true
func (o Observable[T]) Filter(pred func(T) bool) Observable[T] {
	return Create(func(ctx context.Context, e *Emitter[T]) {
		o.Subscribe(ctx, &Funcs[T]{
			Next: func(v T) {
				if pred(v) {
					e.Next(v)
				}
			},
			Completed: e.Complete,
			Error:     e.Error,
		})
	})
}

// IgnoreElements drops every value and keeps only the terminal signal
func (o Observable[T]) IgnoreElements() Observable[T] {
	return o.Filter(func(T) bool { return false })
}

// Map transforms every value of o with fn
func Map[T any, R any](o Observable[T], fn func(T) R) Observable[R] {
	return Create(func(ctx context.Context, e *Emitter[R]) {
		o.Subscribe(ctx, &Funcs[T]{
			Next: func(v T) {
				e.Next(fn(v))
			},
			Completed: e.Complete,
			Error:     e.Error,
		})
	})
}

// Just emits values then completes
func Just[T any](values ...T) Observable[T] {
	return Create(func(_ context.Context, e *Emitter[T]) {
		for _, v := range values {
			if !e.Next(v) {
				return
			}
		}
		e.Complete()
	})
}

// Empty completes without emitting
func Empty[T any]() Observable[T] {
	return Just[T]()
}

// Fail ends immediately with err
func Fail[T any](err error) Observable[T] {
	return Create(func(_ context.Context, e *Emitter[T]) {
		e.Error(err)
	})
}

// FromFuture emits the future's value and completes, or fails with its error
func FromFuture[T any](f *async.Future[T]) Observable[T] {
	return Create(func(_ context.Context, e *Emitter[T]) {
		f.Handle(func(v T, err error) {
			if err != nil {
				e.Error(err)
				return
			}
			e.Next(v)
			e.Complete()
		})
	})
}

// Collect subscribes to o and blocks until it ends, returning every value
func Collect[T any](ctx context.Context, o Observable[T]) ([]T, error) {
	var (
		mu     sync.Mutex
		values []T
		err    error
	)

	sub := o.Subscribe(ctx, &Funcs[T]{
		Next: func(v T) {
			mu.Lock()
			values = append(values, v)
			mu.Unlock()
		},
		Error: func(e error) {
			mu.Lock()
			err = e
			mu.Unlock()
		},
	})

	select {
	case <-sub.Done():
	case <-ctx.Done():
	}

	mu.Lock()
	defer mu.Unlock()

	if err == nil && ctx.Err() != nil {
		return values, ctx.Err()
	}
	return values, err
}

// First subscribes to o and returns its first value. found is false when
// the stream completed without emitting.
func First[T any](ctx context.Context, o Observable[T]) (value T, found bool, err error) {
	var mu sync.Mutex
	ready := make(chan struct{})

	sub := o.Subscribe(ctx, &Funcs[T]{
		Next: func(v T) {
			mu.Lock()
			defer mu.Unlock()
			if found {
				return
			}
			value, found = v, true
			close(ready)
		},
		Error: func(e error) {
			mu.Lock()
			defer mu.Unlock()
			err = e
		},
	})

	select {
	case <-ready:
	case <-sub.Done():
	case <-ctx.Done():
	}
	sub.Unsubscribe()

	mu.Lock()
	defer mu.Unlock()

	if !found && err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return value, found, err
}
