package state

import (
	"time"
)

// MutableEntry is the view of one cache entry handed to a Processor.
// Changes are applied to the cache only if the processor returns no error.
type MutableEntry[K comparable, V any] struct {
	key     K
	value   V
	present bool
	ttl     time.Duration

	// set or removed since the processor started
	dirty bool
}

// Key returns the entry key
func (e *MutableEntry[K, V]) Key() K {
	return e.key
}

// Value returns the current value and whether it is present
func (e *MutableEntry[K, V]) Value() (V, bool) {
	return e.value, e.present
}

// IsPresent reports whether the entry has a value
func (e *MutableEntry[K, V]) IsPresent() bool {
	return e.present
}

// SetValue stores value with the cache's default TTL
func (e *MutableEntry[K, V]) SetValue(value V) {
	e.SetValueTTL(value, TTLDefault)
}

// SetValueTTL stores value expiring after ttl
func (e *MutableEntry[K, V]) SetValueTTL(value V, ttl time.Duration) {
	e.value = value
	e.present = true
	e.ttl = ttl
	e.dirty = true
}

// Remove deletes the entry
func (e *MutableEntry[K, V]) Remove() {
	var zero V
	e.value = zero
	e.present = false
	e.dirty = true
}

// Processor runs against a single entry while the cache is locked
type Processor[K comparable, V any, R any] func(entry *MutableEntry[K, V]) (R, error)

// Aggregator reduces a snapshot of entries to a single result
type Aggregator[K comparable, V any, R any] func(entries map[K]V) (R, error)

func (t *txn[K, V]) entry(key K) *MutableEntry[K, V] {
	me := &MutableEntry[K, V]{key: key}
	if e, ok := t.get(key); ok {
		me.value = e.Value
		me.present = true
	}
	return me
}

func (t *txn[K, V]) apply(me *MutableEntry[K, V]) error {
	if !me.dirty {
		return nil
	}
	if me.present {
		return t.set(me.key, me.value, me.ttl)
	}
	t.remove(me.key)
	return nil
}

func (t *txn[K, V]) process(key K, p func(*MutableEntry[K, V]) error) error {
	me := t.entry(key)
	if err := p(me); err != nil {
		return err
	}
	return t.apply(me)
}

// Invoke runs p against the entry for key atomically
func Invoke[K comparable, V any, R any](c *Cache[K, V], key K, p Processor[K, V, R]) (R, error) {
	var result R
	err := c.do(func(t *txn[K, V]) error {
		return t.process(key, func(me *MutableEntry[K, V]) error {
			r, err := p(me)
			result = r
			return err
		})
	})
	return result, err
}

// InvokeAll runs p against the entry of every key in keys, including keys
// without a value. Processing stops at the first error; entries processed
// before it stay applied.
func InvokeAll[K comparable, V any, R any](c *Cache[K, V], keys []K, p Processor[K, V, R]) (map[K]R, error) {
	results := make(map[K]R, len(keys))
	err := c.do(func(t *txn[K, V]) error {
		return invokeKeys(t, keys, p, results)
	})
	return results, err
}

// InvokeFilter runs p against every present entry matching filter
func InvokeFilter[K comparable, V any, R any](c *Cache[K, V], filter Filter[K, V], p Processor[K, V, R]) (map[K]R, error) {
	results := make(map[K]R)
	err := c.do(func(t *txn[K, V]) error {
		return invokeKeys(t, t.live(filter), p, results)
	})
	return results, err
}

func invokeKeys[K comparable, V any, R any](t *txn[K, V], keys []K, p Processor[K, V, R], results map[K]R) error {
	for _, key := range keys {
		err := t.process(key, func(me *MutableEntry[K, V]) error {
			r, err := p(me)
			if err == nil {
				results[key] = r
			}
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Aggregate runs agg over a snapshot of the entries matching filter. The
// aggregator runs without holding the cache lock.
func Aggregate[K comparable, V any, R any](c *Cache[K, V], filter Filter[K, V], agg Aggregator[K, V, R]) (R, error) {
	return agg(c.Entries(filter))
}

// Count is an aggregator returning the number of entries
func Count[K comparable, V any]() Aggregator[K, V, int] {
	return func(entries map[K]V) (int, error) {
		return len(entries), nil
	}
}
