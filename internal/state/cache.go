package state

import (
	"errors"
	"reflect"
	"sync"
	"time"

	"github.com/mpepping/rxcache/internal/event"
	"github.com/mpepping/rxcache/pkg/limits"
	"go.uber.org/zap"
)

var (
	// ErrEntryLimit is returned when the cache entry limit is reached
	ErrEntryLimit = errors.New("cache entry limit reached")
)

// Filter selects entries. A nil Filter matches every entry.
type Filter[K comparable, V any] func(key K, value V) bool

func (f Filter[K, V]) match(key K, value V) bool {
	return f == nil || f(key, value)
}

type options struct {
	defaultTTL time.Duration
	maxEntries int
	now        func() time.Time
	equal      func(a, b any) bool
}

// Option configures a Cache
type Option func(*options)

// WithDefaultTTL sets the TTL applied to puts that pass TTLDefault.
// Zero or negative means entries never expire by default.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(o *options) {
		o.defaultTTL = ttl
	}
}

// WithMaxEntries overrides limits.CacheEntriesMax
func WithMaxEntries(n int) Option {
	return func(o *options) {
		o.maxEntries = n
	}
}

// WithClock overrides time.Now for expiration handling
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithEqual overrides the value comparison used by RemoveValue and ReplaceValue
func WithEqual(equal func(a, b any) bool) Option {
	return func(o *options) {
		o.equal = equal
	}
}

// Cache is a named keyed store that reports every mutation to its listeners.
//
// Listeners are called synchronously, after the mutation is applied and in
// the order mutations were applied. A listener may read the cache but must
// not mutate it from within its callback.
//
// A cache retired by State forwards every operation to the cache currently
// registered under its name.
type Cache[K comparable, V any] struct {
	Name string

	mu        sync.Mutex
	entries   map[K]*Entry[V]
	successor func() *Cache[K, V]

	// dispatchMu is taken before mu is released so events leave in
	// mutation order
	dispatchMu sync.Mutex

	listenersMu    sync.Mutex
	listeners      []registeredListener[K, V]
	nextListenerID uint64

	opts   options
	logger *zap.Logger
}

// NewCache creates a new cache
func NewCache[K comparable, V any](name string, logger *zap.Logger, opts ...Option) *Cache[K, V] {
	o := options{
		maxEntries: limits.CacheEntriesMax,
		now:        time.Now,
		equal:      reflect.DeepEqual,
	}
	for _, opt := range opts {
		opt(&o)
	}

	return &Cache[K, V]{
		Name:      name,
		entries:   make(map[K]*Entry[V]),
		listeners: make([]registeredListener[K, V], 0),
		opts:      o,
		logger:    logger,
	}
}

// txn is a single locked operation against the entries map. It records the
// events its mutations produce.
type txn[K comparable, V any] struct {
	c      *Cache[K, V]
	now    time.Time
	events []event.ChangeEvent[K, V]
}

// get returns the live entry for key, evicting it first if it has expired
func (t *txn[K, V]) get(key K) (*Entry[V], bool) {
	e, ok := t.c.entries[key]
	if !ok {
		return nil, false
	}
	if e.Expired(t.now) {
		delete(t.c.entries, key)
		t.events = append(t.events, event.Delete(key, e.Value))
		return nil, false
	}
	return e, true
}

func (t *txn[K, V]) set(key K, value V, ttl time.Duration) error {
	exp := expiration(t.now, ttl, t.c.opts.defaultTTL)

	if e, ok := t.get(key); ok {
		old := e.Value
		e.Update(value, exp)
		t.events = append(t.events, event.Update(key, old, value))
		return nil
	}

	if len(t.c.entries) >= t.c.opts.maxEntries {
		t.c.logger.Warn("cache entry limit reached",
			zap.String("cache", t.c.Name),
			zap.Int("current_count", len(t.c.entries)),
			zap.Int("max", t.c.opts.maxEntries),
		)
		return ErrEntryLimit
	}

	t.c.entries[key] = &Entry[V]{Value: value, Expiration: exp}
	t.events = append(t.events, event.Insert(key, value))
	return nil
}

func (t *txn[K, V]) remove(key K) (V, bool) {
	e, ok := t.get(key)
	if !ok {
		var zero V
		return zero, false
	}
	delete(t.c.entries, key)
	t.events = append(t.events, event.Delete(key, e.Value))
	return e.Value, true
}

// live returns the keys of every unexpired entry, evicting the rest
func (t *txn[K, V]) live(filter Filter[K, V]) []K {
	keys := make([]K, 0, len(t.c.entries))
	for key := range t.c.entries {
		e, ok := t.get(key)
		if ok && filter.match(key, e.Value) {
			keys = append(keys, key)
		}
	}
	return keys
}

// do runs fn under the cache lock and then hands the resulting events to the
// listeners before any later operation can dispatch its own
func (c *Cache[K, V]) do(fn func(t *txn[K, V]) error) error {
	c.mu.Lock()
	if c.successor != nil {
		next := c.successor
		c.mu.Unlock()
		return next().do(fn)
	}
	t := &txn[K, V]{c: c, now: c.opts.now()}
	err := fn(t)

	if len(t.events) == 0 {
		c.mu.Unlock()
		return err
	}

	c.dispatchMu.Lock()
	c.mu.Unlock()
	defer c.dispatchMu.Unlock()

	c.notify(t.events)
	return err
}

func (c *Cache[K, V]) notify(events []event.ChangeEvent[K, V]) {
	c.listenersMu.Lock()
	// Clone listeners to avoid holding lock during delivery
	listeners := make([]registeredListener[K, V], len(c.listeners))
	copy(listeners, c.listeners)
	c.listenersMu.Unlock()

	for _, evt := range events {
		for _, r := range listeners {
			r.listener.OnChange(evt)
		}
	}
}

type registeredListener[K comparable, V any] struct {
	id       uint64
	listener event.Listener[K, V]
}

// sameListener reports whether a and b are the same listener. Listeners whose
// dynamic type cannot be compared, such as event.ListenerFunc, never match.
func sameListener[K comparable, V any](a, b event.Listener[K, V]) bool {
	ta := reflect.TypeOf(a)
	if ta == nil || ta != reflect.TypeOf(b) || !ta.Comparable() {
		return false
	}
	return a == b
}

// AddListener registers l for change events and returns a function that
// unregisters it. Registering the same comparable listener twice has no
// effect; listeners that cannot be compared are registered on every call.
func (c *Cache[K, V]) AddListener(l event.Listener[K, V]) (remove func()) {
	if l == nil {
		return func() {}
	}

	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	for _, r := range c.listeners {
		if sameListener(r.listener, l) {
			return c.listenerRemover(r.id)
		}
	}

	c.nextListenerID++
	id := c.nextListenerID
	c.listeners = append(c.listeners, registeredListener[K, V]{id: id, listener: l})

	c.logger.Debug("listener added",
		zap.String("cache", c.Name),
		zap.Int("listener_count", len(c.listeners)),
	)

	return c.listenerRemover(id)
}

func (c *Cache[K, V]) listenerRemover(id uint64) func() {
	return func() {
		c.listenersMu.Lock()
		defer c.listenersMu.Unlock()
		c.removeListenerLocked(func(r registeredListener[K, V]) bool { return r.id == id })
	}
}

func (c *Cache[K, V]) removeListenerLocked(match func(registeredListener[K, V]) bool) bool {
	for i, r := range c.listeners {
		if match(r) {
			c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// RemoveListener removes l and reports whether it was registered. Listeners
// that cannot be compared are only removed through the function AddListener
// returned.
func (c *Cache[K, V]) RemoveListener(l event.Listener[K, V]) bool {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	return c.removeListenerLocked(func(r registeredListener[K, V]) bool {
		return sameListener(r.listener, l)
	})
}

// ListenerCount returns the number of registered listeners
func (c *Cache[K, V]) ListenerCount() int {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	return len(c.listeners)
}

// Get returns the value stored under key
func (c *Cache[K, V]) Get(key K) (V, bool) {
	var (
		value V
		found bool
	)
	c.do(func(t *txn[K, V]) error {
		if e, ok := t.get(key); ok {
			value, found = e.Value, true
		}
		return nil
	})
	return value, found
}

// GetAll returns the values present for keys
func (c *Cache[K, V]) GetAll(keys []K) map[K]V {
	result := make(map[K]V, len(keys))
	c.do(func(t *txn[K, V]) error {
		for _, key := range keys {
			if e, ok := t.get(key); ok {
				result[key] = e.Value
			}
		}
		return nil
	})
	return result
}

// ContainsKey reports whether key has a value
func (c *Cache[K, V]) ContainsKey(key K) bool {
	_, ok := c.Get(key)
	return ok
}

// Put stores value under key with the default TTL
func (c *Cache[K, V]) Put(key K, value V) error {
	return c.PutTTL(key, value, TTLDefault)
}

// PutTTL stores value under key, expiring after ttl
func (c *Cache[K, V]) PutTTL(key K, value V, ttl time.Duration) error {
	return c.do(func(t *txn[K, V]) error {
		return t.set(key, value, ttl)
	})
}

// PutAll stores every entry of m. Entries are applied until the entry limit
// is hit, in which case ErrEntryLimit is returned.
func (c *Cache[K, V]) PutAll(m map[K]V) error {
	return c.do(func(t *txn[K, V]) error {
		for key, value := range m {
			if err := t.set(key, value, TTLDefault); err != nil {
				return err
			}
		}
		return nil
	})
}

// PutIfAbsent stores value only when key has no value. It returns the
// existing value and true when one was present.
func (c *Cache[K, V]) PutIfAbsent(key K, value V) (V, bool, error) {
	var (
		existing V
		present  bool
	)
	err := c.do(func(t *txn[K, V]) error {
		if e, ok := t.get(key); ok {
			existing, present = e.Value, true
			return nil
		}
		return t.set(key, value, TTLDefault)
	})
	return existing, present, err
}

// Remove deletes key, returning the value it held
func (c *Cache[K, V]) Remove(key K) (V, bool) {
	var (
		old     V
		removed bool
	)
	c.do(func(t *txn[K, V]) error {
		old, removed = t.remove(key)
		return nil
	})
	return old, removed
}

// RemoveValue deletes key only if it currently maps to value
func (c *Cache[K, V]) RemoveValue(key K, value V) bool {
	removed := false
	c.do(func(t *txn[K, V]) error {
		if e, ok := t.get(key); ok && c.opts.equal(e.Value, value) {
			t.remove(key)
			removed = true
		}
		return nil
	})
	return removed
}

// RemoveAll deletes keys and returns how many were present
func (c *Cache[K, V]) RemoveAll(keys []K) int {
	n := 0
	c.do(func(t *txn[K, V]) error {
		for _, key := range keys {
			if _, ok := t.remove(key); ok {
				n++
			}
		}
		return nil
	})
	return n
}

// RemoveIf deletes every entry matching filter
func (c *Cache[K, V]) RemoveIf(filter Filter[K, V]) int {
	n := 0
	c.do(func(t *txn[K, V]) error {
		for _, key := range t.live(filter) {
			t.remove(key)
			n++
		}
		return nil
	})
	return n
}

// Clear deletes every entry
func (c *Cache[K, V]) Clear() int {
	return c.RemoveIf(nil)
}

// Replace stores value only when key already has one, returning the
// previous value
func (c *Cache[K, V]) Replace(key K, value V) (V, bool) {
	var (
		old      V
		replaced bool
	)
	c.do(func(t *txn[K, V]) error {
		e, ok := t.get(key)
		if !ok {
			return nil
		}
		old, replaced = e.Value, true
		return t.set(key, value, TTLDefault)
	})
	return old, replaced
}

// ReplaceValue stores newValue only when key currently maps to oldValue
func (c *Cache[K, V]) ReplaceValue(key K, oldValue, newValue V) bool {
	replaced := false
	c.do(func(t *txn[K, V]) error {
		e, ok := t.get(key)
		if !ok || !c.opts.equal(e.Value, oldValue) {
			return nil
		}
		replaced = true
		return t.set(key, newValue, TTLDefault)
	})
	return replaced
}

// Size returns the number of live entries
func (c *Cache[K, V]) Size() int {
	n := 0
	c.do(func(t *txn[K, V]) error {
		n = len(t.live(nil))
		return nil
	})
	return n
}

// Len returns the number of unexpired entries. Unlike Size it neither
// evicts expired entries nor notifies listeners.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.opts.now()
	n := 0
	for _, e := range c.entries {
		if !e.Expired(now) {
			n++
		}
	}
	return n
}

// retireIfEmpty retires c when it holds no entries at all. Later operations
// on c run against the cache resolve returns.
func (c *Cache[K, V]) retireIfEmpty(resolve func() *Cache[K, V]) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) != 0 || c.successor != nil {
		return false
	}
	c.successor = resolve
	return true
}

// Keys returns the keys of entries matching filter
func (c *Cache[K, V]) Keys(filter Filter[K, V]) []K {
	var keys []K
	c.do(func(t *txn[K, V]) error {
		keys = t.live(filter)
		return nil
	})
	return keys
}

// Entries returns a snapshot of entries matching filter
func (c *Cache[K, V]) Entries(filter Filter[K, V]) map[K]V {
	result := make(map[K]V)
	c.do(func(t *txn[K, V]) error {
		for _, key := range t.live(filter) {
			result[key] = t.c.entries[key].Value
		}
		return nil
	})
	return result
}

// GarbageCollect removes expired entries, emitting a Deleted event for each,
// and returns how many were removed
func (c *Cache[K, V]) GarbageCollect(now time.Time) int {
	n := 0
	c.do(func(t *txn[K, V]) error {
		t.now = now
		before := len(t.c.entries)
		t.live(nil)
		n = before - len(t.c.entries)
		return nil
	})

	if n > 0 {
		c.logger.Debug("expired entries collected",
			zap.String("cache", c.Name),
			zap.Int("count", n),
		)
	}
	return n
}
