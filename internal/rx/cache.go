package rx

import (
	"context"
	"time"

	"github.com/mpepping/rxcache/internal/async"
	"github.com/mpepping/rxcache/internal/broadcast"
	"github.com/mpepping/rxcache/internal/event"
	"github.com/mpepping/rxcache/internal/state"
)

// Entry is a key/value pair emitted by multi-entry operations
type Entry[K comparable, V any] struct {
	Key   K
	Value V
}

// lookup is the result of a read-style processor
type lookup[V any] struct {
	value   V
	present bool
}

// Cache is the reactive view of a cache. Every operation returns a cold
// Observable: nothing runs until it is subscribed to, and each subscription
// runs the operation again.
type Cache[K comparable, V any] struct {
	async *async.Cache[K, V]
}

// NewCache wraps an asynchronous cache
func NewCache[K comparable, V any](c *async.Cache[K, V]) *Cache[K, V] {
	return &Cache[K, V]{async: c}
}

// Async returns the wrapped asynchronous cache
func (c *Cache[K, V]) Async() *async.Cache[K, V] {
	return c.async
}

// Invoke runs p against the entry for key and emits its result
func Invoke[K comparable, V any, R any](c *Cache[K, V], key K, p state.Processor[K, V, R]) Observable[R] {
	return Create(func(_ context.Context, e *Emitter[R]) {
		async.Invoke(c.async, key, p).Handle(func(r R, err error) {
			if err != nil {
				e.Error(err)
				return
			}
			e.Next(r)
			e.Complete()
		})
	})
}

// InvokeAll runs p against each key and emits one Entry per key
func InvokeAll[K comparable, V any, R any](c *Cache[K, V], keys []K, p state.Processor[K, V, R]) Observable[Entry[K, R]] {
	return Create(func(_ context.Context, e *Emitter[Entry[K, R]]) {
		async.InvokeAll(c.async, keys, p, func(k K, r R) {
			e.Next(Entry[K, R]{Key: k, Value: r})
		}).Handle(completion[Entry[K, R]](e))
	})
}

// InvokeFilter runs p against each entry matching filter and emits one Entry
// per processed entry
func InvokeFilter[K comparable, V any, R any](c *Cache[K, V], filter state.Filter[K, V], p state.Processor[K, V, R]) Observable[Entry[K, R]] {
	return Create(func(_ context.Context, e *Emitter[Entry[K, R]]) {
		async.InvokeFilter(c.async, filter, p, func(k K, r R) {
			e.Next(Entry[K, R]{Key: k, Value: r})
		}).Handle(completion[Entry[K, R]](e))
	})
}

// Aggregate emits the result of agg over the entries matching filter
func Aggregate[K comparable, V any, R any](c *Cache[K, V], filter state.Filter[K, V], agg state.Aggregator[K, V, R]) Observable[R] {
	return Create(func(_ context.Context, e *Emitter[R]) {
		async.Aggregate(c.async, filter, agg).Handle(func(r R, err error) {
			if err != nil {
				e.Error(err)
				return
			}
			e.Next(r)
			e.Complete()
		})
	})
}

func completion[T any](e *Emitter[T]) func(struct{}, error) {
	return func(_ struct{}, err error) {
		if err != nil {
			e.Error(err)
			return
		}
		e.Complete()
	}
}

// present unwraps lookups, emitting only the values that exist
func present[V any](o Observable[lookup[V]]) Observable[V] {
	return Map(o.Filter(func(l lookup[V]) bool { return l.present }), func(l lookup[V]) V {
		return l.value
	})
}

func getProcessor[K comparable, V any](e *state.MutableEntry[K, V]) (lookup[V], error) {
	v, ok := e.Value()
	return lookup[V]{value: v, present: ok}, nil
}

// Get emits the value stored under key, or completes empty when absent
func (c *Cache[K, V]) Get(key K) Observable[V] {
	return present(Invoke(c, key, getProcessor[K, V]))
}

// GetAll emits an Entry for each of keys that has a value
func (c *Cache[K, V]) GetAll(keys []K) Observable[Entry[K, V]] {
	o := InvokeAll(c, keys, getProcessor[K, V]).Filter(func(e Entry[K, lookup[V]]) bool {
		return e.Value.present
	})
	return Map(o, func(e Entry[K, lookup[V]]) Entry[K, V] {
		return Entry[K, V]{Key: e.Key, Value: e.Value.value}
	})
}

// GetOrDefault emits the value stored under key, or def when absent
func (c *Cache[K, V]) GetOrDefault(key K, def V) Observable[V] {
	return Map(Invoke(c, key, getProcessor[K, V]), func(l lookup[V]) V {
		if l.present {
			return l.value
		}
		return def
	})
}

// ContainsKey emits whether key has a value
func (c *Cache[K, V]) ContainsKey(key K) Observable[bool] {
	return Invoke(c, key, func(e *state.MutableEntry[K, V]) (bool, error) {
		return e.IsPresent(), nil
	})
}

// Put stores value under key with the cache's default TTL and completes
func (c *Cache[K, V]) Put(key K, value V) Observable[struct{}] {
	return c.PutTTL(key, value, state.TTLDefault)
}

// PutTTL stores value under key expiring after ttl and completes
func (c *Cache[K, V]) PutTTL(key K, value V, ttl time.Duration) Observable[struct{}] {
	return Invoke(c, key, func(e *state.MutableEntry[K, V]) (struct{}, error) {
		e.SetValueTTL(value, ttl)
		return struct{}{}, nil
	}).IgnoreElements()
}

// PutAll stores every entry of m and completes
func (c *Cache[K, V]) PutAll(m map[K]V) Observable[struct{}] {
	return Create(func(_ context.Context, e *Emitter[struct{}]) {
		c.async.PutAll(m).Handle(completion[struct{}](e))
	})
}

// PutIfAbsent stores value when key has none. It emits the existing value
// when one was present, and completes empty otherwise.
func (c *Cache[K, V]) PutIfAbsent(key K, value V) Observable[V] {
	return present(Invoke(c, key, func(e *state.MutableEntry[K, V]) (lookup[V], error) {
		if v, ok := e.Value(); ok {
			return lookup[V]{value: v, present: true}, nil
		}
		e.SetValue(value)
		return lookup[V]{}, nil
	}))
}

// Remove deletes key and emits the value it held, if any
func (c *Cache[K, V]) Remove(key K) Observable[V] {
	return present(Invoke(c, key, func(e *state.MutableEntry[K, V]) (lookup[V], error) {
		v, ok := e.Value()
		if ok {
			e.Remove()
		}
		return lookup[V]{value: v, present: ok}, nil
	}))
}

// RemoveValue deletes key only if it maps to value, emitting whether it did
func (c *Cache[K, V]) RemoveValue(key K, value V) Observable[bool] {
	return Create(func(ctx context.Context, e *Emitter[bool]) {
		FromFuture(c.async.RemoveValue(key, value)).Subscribe(ctx, e.forward())
	})
}

func removeProcessor[K comparable, V any](e *state.MutableEntry[K, V]) (struct{}, error) {
	e.Remove()
	return struct{}{}, nil
}

// RemoveAll deletes keys and completes
func (c *Cache[K, V]) RemoveAll(keys []K) Observable[struct{}] {
	return Map(InvokeAll(c, keys, removeProcessor[K, V]), func(Entry[K, struct{}]) struct{} {
		return struct{}{}
	}).IgnoreElements()
}

// RemoveIf deletes every entry matching filter and completes
func (c *Cache[K, V]) RemoveIf(filter state.Filter[K, V]) Observable[struct{}] {
	return Map(InvokeFilter(c, filter, removeProcessor[K, V]), func(Entry[K, struct{}]) struct{} {
		return struct{}{}
	}).IgnoreElements()
}

// Clear deletes every entry and completes
func (c *Cache[K, V]) Clear() Observable[struct{}] {
	return c.RemoveIf(nil)
}

func nopProcessor[K comparable, V any](*state.MutableEntry[K, V]) (struct{}, error) {
	return struct{}{}, nil
}

// Keys emits the key of every entry matching filter
func (c *Cache[K, V]) Keys(filter state.Filter[K, V]) Observable[K] {
	return Map(InvokeFilter(c, filter, nopProcessor[K, V]), func(e Entry[K, struct{}]) K {
		return e.Key
	})
}

func valueProcessor[K comparable, V any](e *state.MutableEntry[K, V]) (V, error) {
	v, _ := e.Value()
	return v, nil
}

// Entries emits every entry matching filter
func (c *Cache[K, V]) Entries(filter state.Filter[K, V]) Observable[Entry[K, V]] {
	return InvokeFilter(c, filter, valueProcessor[K, V])
}

// Values emits the value of every entry matching filter
func (c *Cache[K, V]) Values(filter state.Filter[K, V]) Observable[V] {
	return Map(c.Entries(filter), func(e Entry[K, V]) V {
		return e.Value
	})
}

// Size emits the number of entries
func (c *Cache[K, V]) Size() Observable[int] {
	return Aggregate(c, nil, state.Count[K, V]())
}

// IsEmpty emits whether the cache has no entries
func (c *Cache[K, V]) IsEmpty() Observable[bool] {
	return Map(c.Size(), func(n int) bool { return n == 0 })
}

// Replace stores value only when key has one, emitting the previous value
func (c *Cache[K, V]) Replace(key K, value V) Observable[V] {
	return present(Invoke(c, key, func(e *state.MutableEntry[K, V]) (lookup[V], error) {
		v, ok := e.Value()
		if ok {
			e.SetValue(value)
		}
		return lookup[V]{value: v, present: ok}, nil
	}))
}

// ReplaceValue stores newValue only when key maps to oldValue, emitting
// whether it did
func (c *Cache[K, V]) ReplaceValue(key K, oldValue, newValue V) Observable[bool] {
	return Create(func(ctx context.Context, e *Emitter[bool]) {
		FromFuture(c.async.ReplaceValue(key, oldValue, newValue)).Subscribe(ctx, e.forward())
	})
}

// ComputeIfAbsent stores fn(key) when key has no value and emits the value
// now associated with key
func (c *Cache[K, V]) ComputeIfAbsent(key K, fn func(K) V) Observable[V] {
	return Invoke(c, key, func(e *state.MutableEntry[K, V]) (V, error) {
		if v, ok := e.Value(); ok {
			return v, nil
		}
		v := fn(key)
		e.SetValue(v)
		return v, nil
	})
}

// ComputeIfPresent replaces the value of key with fn(key, value). When fn
// reports false the entry is removed. Emits the new value, if any.
func (c *Cache[K, V]) ComputeIfPresent(key K, fn func(K, V) (V, bool)) Observable[V] {
	return present(Invoke(c, key, func(e *state.MutableEntry[K, V]) (lookup[V], error) {
		v, ok := e.Value()
		if !ok {
			return lookup[V]{}, nil
		}
		next, keep := fn(key, v)
		if !keep {
			e.Remove()
			return lookup[V]{}, nil
		}
		e.SetValue(next)
		return lookup[V]{value: next, present: true}, nil
	}))
}

// Merge stores value when key is absent, otherwise fn(old, value). When fn
// reports false the entry is removed. Emits the resulting value, if any.
func (c *Cache[K, V]) Merge(key K, value V, fn func(old, value V) (V, bool)) Observable[V] {
	return present(Invoke(c, key, func(e *state.MutableEntry[K, V]) (lookup[V], error) {
		old, ok := e.Value()
		if !ok {
			e.SetValue(value)
			return lookup[V]{value: value, present: true}, nil
		}
		next, keep := fn(old, value)
		if !keep {
			e.Remove()
			return lookup[V]{}, nil
		}
		e.SetValue(next)
		return lookup[V]{value: next, present: true}, nil
	}))
}

// Events returns a hot Observable of the changes b broadcasts. Observers see
// only events published after they subscribe, and complete when b closes.
func Events[K comparable, V any](b *broadcast.Broadcaster[K, V]) Observable[event.ChangeEvent[K, V]] {
	return Create(func(ctx context.Context, e *Emitter[event.ChangeEvent[K, V]]) {
		if e.Unsubscribed() {
			return
		}

		fwd := e.forward()
		b.Subscribe(fwd)
		context.AfterFunc(ctx, func() {
			b.Unsubscribe(fwd)
		})
	})
}
