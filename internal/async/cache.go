package async

import (
	"fmt"

	"github.com/mpepping/rxcache/internal/state"
	"go.uber.org/zap"
)

// Pool bounds how many cache operations run at once across every Cache it
// hands out.
type Pool[K comparable, V any] struct {
	slots  chan struct{}
	logger *zap.Logger
}

// NewPool creates a pool of workers slots. With workers <= 0 operations are
// not bounded.
func NewPool[K comparable, V any](workers int, logger *zap.Logger) *Pool[K, V] {
	p := &Pool[K, V]{logger: logger}
	if workers > 0 {
		p.slots = make(chan struct{}, workers)
	}
	return p
}

// Cache wraps cache with operations drawing on the pool's slots
func (p *Pool[K, V]) Cache(cache *state.Cache[K, V]) *Cache[K, V] {
	return &Cache[K, V]{
		cache:  cache,
		slots:  p.slots,
		logger: p.logger,
	}
}

// Cache exposes a state.Cache through futures. At most `workers` operations
// run at once; further operations queue for a free slot on their own
// goroutine.
type Cache[K comparable, V any] struct {
	cache  *state.Cache[K, V]
	slots  chan struct{}
	logger *zap.Logger
}

// NewCache wraps cache with a pool of its own. With workers <= 0 operations
// are not bounded.
func NewCache[K comparable, V any](cache *state.Cache[K, V], workers int, logger *zap.Logger) *Cache[K, V] {
	return NewPool[K, V](workers, logger).Cache(cache)
}

// Sync returns the wrapped cache
func (c *Cache[K, V]) Sync() *state.Cache[K, V] {
	return c.cache
}

func submit[K comparable, V any, T any](c *Cache[K, V], op string, fn func() (T, error)) *Future[T] {
	return Go(func() (T, error) {
		if c.slots != nil {
			c.slots <- struct{}{}
			defer func() { <-c.slots }()
		}

		value, err := fn()
		if err != nil {
			c.logger.Debug("async cache operation failed",
				zap.String("cache", c.cache.Name),
				zap.String("op", op),
				zap.Error(err),
			)
			return value, fmt.Errorf("%s: %w", op, err)
		}
		return value, nil
	})
}

// Invoke runs p against the entry for key
func Invoke[K comparable, V any, R any](c *Cache[K, V], key K, p state.Processor[K, V, R]) *Future[R] {
	return submit(c, "invoke", func() (R, error) {
		return state.Invoke(c.cache, key, p)
	})
}

// InvokeAll runs p against every key, passing each result to each before the
// returned future completes
func InvokeAll[K comparable, V any, R any](c *Cache[K, V], keys []K, p state.Processor[K, V, R], each func(K, R)) *Future[struct{}] {
	return submit(c, "invoke all", func() (struct{}, error) {
		results, err := state.InvokeAll(c.cache, keys, p)
		if err != nil {
			return struct{}{}, err
		}
		// keep the caller's key order
		for _, key := range keys {
			if r, ok := results[key]; ok {
				each(key, r)
			}
		}
		return struct{}{}, nil
	})
}

// InvokeFilter runs p against every entry matching filter, passing each
// result to each before the returned future completes
func InvokeFilter[K comparable, V any, R any](c *Cache[K, V], filter state.Filter[K, V], p state.Processor[K, V, R], each func(K, R)) *Future[struct{}] {
	return submit(c, "invoke filter", func() (struct{}, error) {
		results, err := state.InvokeFilter(c.cache, filter, p)
		if err != nil {
			return struct{}{}, err
		}
		for key, r := range results {
			each(key, r)
		}
		return struct{}{}, nil
	})
}

// Aggregate runs agg over the entries matching filter
func Aggregate[K comparable, V any, R any](c *Cache[K, V], filter state.Filter[K, V], agg state.Aggregator[K, V, R]) *Future[R] {
	return submit(c, "aggregate", func() (R, error) {
		return state.Aggregate(c.cache, filter, agg)
	})
}

// PutAll stores every entry of m
func (c *Cache[K, V]) PutAll(m map[K]V) *Future[struct{}] {
	return submit(c, "put all", func() (struct{}, error) {
		return struct{}{}, c.cache.PutAll(m)
	})
}

// RemoveValue deletes key only if it maps to value
func (c *Cache[K, V]) RemoveValue(key K, value V) *Future[bool] {
	return submit(c, "remove value", func() (bool, error) {
		return c.cache.RemoveValue(key, value), nil
	})
}

// ReplaceValue stores newValue only if key maps to oldValue
func (c *Cache[K, V]) ReplaceValue(key K, oldValue, newValue V) *Future[bool] {
	return submit(c, "replace value", func() (bool, error) {
		return c.cache.ReplaceValue(key, oldValue, newValue), nil
	})
}
