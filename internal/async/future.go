// Package async runs cache operations off the caller's goroutine and reports
// their outcome through completion handles.
package async

import (
	"context"
	"fmt"
	"sync"
)

// Future is the eventual result of an asynchronous operation. It is
// completed exactly once, with either a value or an error.
type Future[T any] struct {
	mu        sync.Mutex
	done      chan struct{}
	completed bool
	value     T
	err       error
	callbacks []func(T, error)
}

// NewFuture returns an incomplete future
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Completed returns a future already completed with value
func Completed[T any](value T) *Future[T] {
	f := NewFuture[T]()
	f.Complete(value)
	return f
}

// Failed returns a future already failed with err
func Failed[T any](err error) *Future[T] {
	f := NewFuture[T]()
	f.Fail(err)
	return f
}

// Go runs fn on a new goroutine and completes the returned future with its
// result. A panic in fn fails the future.
func Go[T any](fn func() (T, error)) *Future[T] {
	f := NewFuture[T]()
	go f.run(fn)
	return f
}

func (f *Future[T]) run(fn func() (T, error)) {
	defer func() {
		if r := recover(); r != nil {
			f.Fail(fmt.Errorf("async operation panicked: %v", r))
		}
	}()

	value, err := fn()
	if err != nil {
		f.Fail(err)
		return
	}
	f.Complete(value)
}

// Complete completes the future with value. It reports false if the future
// was already completed.
func (f *Future[T]) Complete(value T) bool {
	return f.resolve(value, nil)
}

// Fail completes the future with err. It reports false if the future was
// already completed.
func (f *Future[T]) Fail(err error) bool {
	var zero T
	return f.resolve(zero, err)
}

func (f *Future[T]) resolve(value T, err error) bool {
	f.mu.Lock()
	if f.completed {
		f.mu.Unlock()
		return false
	}
	f.completed = true
	f.value = value
	f.err = err
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, cb := range callbacks {
		cb(value, err)
	}
	return true
}

// Handle registers fn to run once the future completes. If it already has,
// fn runs immediately on the calling goroutine.
func (f *Future[T]) Handle(fn func(T, error)) {
	f.mu.Lock()
	if !f.completed {
		f.callbacks = append(f.callbacks, fn)
		f.mu.Unlock()
		return
	}
	value, err := f.value, f.err
	f.mu.Unlock()

	fn(value, err)
}

// Done is closed when the future completes
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future completes or ctx is done
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
