package state

import (
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/mpepping/rxcache/internal/event"
	"go.uber.org/zap"
)

type eventLog struct {
	mu     sync.Mutex
	events []event.ChangeEvent[int, string]
}

func (l *eventLog) OnChange(evt event.ChangeEvent[int, string]) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, evt)
}

func (l *eventLog) all() []event.ChangeEvent[int, string] {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]event.ChangeEvent[int, string], len(l.events))
	copy(out, l.events)
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCache(opts ...Option) (*Cache[int, string], *eventLog) {
	cache := NewCache[int, string]("test", zap.NewNop(), opts...)
	log := &eventLog{}
	cache.AddListener(log)
	return cache, log
}

func TestNewCache(t *testing.T) {
	cache := NewCache[int, string]("test-cache", zap.NewNop())

	if cache == nil {
		t.Fatal("NewCache returned nil")
	}

	if cache.Name != "test-cache" {
		t.Errorf("expected name %q, got %q", "test-cache", cache.Name)
	}

	if cache.entries == nil {
		t.Error("entries map not initialized")
	}

	if cache.ListenerCount() != 0 {
		t.Error("listeners should be empty initially")
	}
}

func TestCacheEvents(t *testing.T) {
	cache, log := newTestCache()

	cache.Put(1, "one")
	cache.Put(2, "two")
	cache.Put(3, "three")
	cache.Put(2, "TWO")
	cache.Remove(3)

	want := []event.ChangeEvent[int, string]{
		event.Insert(1, "one"),
		event.Insert(2, "two"),
		event.Insert(3, "three"),
		event.Update(2, "two", "TWO"),
		event.Delete(3, "three"),
	}

	got := log.all()
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: expected %v, got %v", i, want[i], got[i])
		}
	}
}

func TestCacheGet(t *testing.T) {
	cache, log := newTestCache()

	if _, ok := cache.Get(1); ok {
		t.Error("expected miss on empty cache")
	}

	cache.Put(1, "one")

	value, ok := cache.Get(1)
	if !ok || value != "one" {
		t.Errorf("expected 'one', got %q (found=%v)", value, ok)
	}

	if !cache.ContainsKey(1) {
		t.Error("ContainsKey returned false for present key")
	}

	// reads do not emit events
	if n := len(log.all()); n != 1 {
		t.Errorf("expected 1 event, got %d", n)
	}
}

func TestCacheGetAll(t *testing.T) {
	cache, _ := newTestCache()
	cache.PutAll(map[int]string{1: "one", 2: "two", 3: "three"})

	got := cache.GetAll([]int{1, 3, 5})
	if len(got) != 2 || got[1] != "one" || got[3] != "three" {
		t.Errorf("unexpected GetAll result: %v", got)
	}
}

func TestCachePutIfAbsent(t *testing.T) {
	cache, log := newTestCache()

	_, present, err := cache.PutIfAbsent(1, "one")
	if err != nil || present {
		t.Fatalf("expected insert, got present=%v err=%v", present, err)
	}

	existing, present, err := cache.PutIfAbsent(1, "uno")
	if err != nil || !present || existing != "one" {
		t.Errorf("expected existing 'one', got %q present=%v err=%v", existing, present, err)
	}

	if n := len(log.all()); n != 1 {
		t.Errorf("expected 1 event, got %d", n)
	}
}

func TestCacheRemoveValue(t *testing.T) {
	cache, _ := newTestCache()
	cache.Put(1, "one")

	if cache.RemoveValue(1, "uno") {
		t.Error("RemoveValue should not remove on mismatch")
	}
	if !cache.RemoveValue(1, "one") {
		t.Error("RemoveValue should remove on match")
	}
	if cache.ContainsKey(1) {
		t.Error("key still present after RemoveValue")
	}
}

func TestCacheReplace(t *testing.T) {
	cache, log := newTestCache()

	if _, ok := cache.Replace(1, "one"); ok {
		t.Error("Replace should not insert a missing key")
	}

	cache.Put(1, "one")

	old, ok := cache.Replace(1, "ONE")
	if !ok || old != "one" {
		t.Errorf("expected replaced old value 'one', got %q (ok=%v)", old, ok)
	}

	if cache.ReplaceValue(1, "one", "uno") {
		t.Error("ReplaceValue should fail on mismatch")
	}
	if !cache.ReplaceValue(1, "ONE", "uno") {
		t.Error("ReplaceValue should succeed on match")
	}

	value, _ := cache.Get(1)
	if value != "uno" {
		t.Errorf("expected 'uno', got %q", value)
	}

	// insert + two updates
	if n := len(log.all()); n != 3 {
		t.Errorf("expected 3 events, got %d", n)
	}
}

func TestCacheRemoveAllAndFilter(t *testing.T) {
	cache, _ := newTestCache()
	for i := 0; i < 10; i++ {
		cache.Put(i, "v")
	}

	if n := cache.RemoveAll([]int{0, 1, 42}); n != 2 {
		t.Errorf("expected 2 removed, got %d", n)
	}

	even := Filter[int, string](func(k int, _ string) bool { return k%2 == 0 })

	keys := cache.Keys(even)
	sort.Ints(keys)
	if len(keys) != 4 || keys[0] != 2 {
		t.Errorf("unexpected even keys: %v", keys)
	}

	if n := cache.RemoveIf(even); n != 4 {
		t.Errorf("expected 4 removed, got %d", n)
	}

	if size := cache.Size(); size != 4 {
		t.Errorf("expected 4 entries left, got %d", size)
	}

	if n := cache.Clear(); n != 4 {
		t.Errorf("expected Clear to remove 4, got %d", n)
	}
	if size := cache.Size(); size != 0 {
		t.Errorf("expected empty cache, got %d", size)
	}
}

func TestCacheEntryLimit(t *testing.T) {
	cache, _ := newTestCache(WithMaxEntries(3))

	for i := 0; i < 3; i++ {
		if err := cache.Put(i, "v"); err != nil {
			t.Fatalf("Put failed at %d: %v", i, err)
		}
	}

	if err := cache.Put(99, "v"); !errors.Is(err, ErrEntryLimit) {
		t.Errorf("expected ErrEntryLimit, got %v", err)
	}

	// updates are still allowed at the limit
	if err := cache.Put(1, "w"); err != nil {
		t.Errorf("update at limit failed: %v", err)
	}
}

func TestCacheExpiration(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	cache, log := newTestCache(WithClock(clock.Now), WithDefaultTTL(time.Minute))

	cache.Put(1, "one")
	cache.PutTTL(2, "two", TTLNever)
	cache.PutTTL(3, "three", 10*time.Second)

	clock.Advance(30 * time.Second)

	if _, ok := cache.Get(3); ok {
		t.Error("expected key 3 to have expired")
	}
	if _, ok := cache.Get(1); !ok {
		t.Error("expected key 1 to still be live")
	}

	clock.Advance(time.Hour)

	if n := cache.GarbageCollect(clock.Now()); n != 1 {
		t.Errorf("expected 1 entry collected, got %d", n)
	}
	if _, ok := cache.Get(2); !ok {
		t.Error("entry stored with TTLNever expired")
	}

	got := log.all()
	last := got[len(got)-1]
	if last.Kind != event.Deleted || last.Key != 1 || last.OldValue != "one" {
		t.Errorf("expected deletion of key 1, got %v", last)
	}
}

func TestCacheExpiredPutIsInsert(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	cache, log := newTestCache(WithClock(clock.Now))

	cache.PutTTL(1, "one", time.Second)
	clock.Advance(2 * time.Second)
	cache.Put(1, "uno")

	got := log.all()
	kinds := []event.Kind{event.Inserted, event.Deleted, event.Inserted}
	if len(got) != len(kinds) {
		t.Fatalf("expected %d events, got %v", len(kinds), got)
	}
	for i, k := range kinds {
		if got[i].Kind != k {
			t.Errorf("event %d: expected %s, got %s", i, k, got[i].Kind)
		}
	}
}

func TestCacheListeners(t *testing.T) {
	cache := NewCache[int, string]("test", zap.NewNop())
	log := &eventLog{}

	cache.AddListener(log)
	cache.AddListener(log)
	if cache.ListenerCount() != 1 {
		t.Errorf("expected 1 listener, got %d", cache.ListenerCount())
	}

	cache.Put(1, "one")

	if !cache.RemoveListener(log) {
		t.Error("RemoveListener returned false")
	}
	if cache.RemoveListener(log) {
		t.Error("second RemoveListener should return false")
	}

	cache.Put(2, "two")

	if n := len(log.all()); n != 1 {
		t.Errorf("expected 1 event, got %d", n)
	}
}

func TestCacheListenerCanRead(t *testing.T) {
	cache := NewCache[int, string]("test", zap.NewNop())

	var seen string
	fn := event.ListenerFunc[int, string](func(evt event.ChangeEvent[int, string]) {
		seen, _ = cache.Get(evt.Key)
	})
	cache.AddListener(&fn)

	cache.Put(1, "one")

	if seen != "one" {
		t.Errorf("expected listener to read 'one', got %q", seen)
	}
}

func TestCacheConcurrentOrdering(t *testing.T) {
	cache, log := newTestCache()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				cache.Put(w, "v")
				cache.Remove(w)
			}
		}()
	}
	wg.Wait()

	// per key, events must alternate insert/delete
	last := make(map[int]event.Kind)
	for _, evt := range log.all() {
		prev, seen := last[evt.Key]
		switch {
		case !seen && evt.Kind != event.Inserted:
			t.Fatalf("first event for key %d is %s", evt.Key, evt.Kind)
		case seen && prev == evt.Kind:
			t.Fatalf("key %d saw %s twice in a row", evt.Key, evt.Kind)
		}
		last[evt.Key] = evt.Kind
	}

	if n := len(log.all()); n != 800 {
		t.Errorf("expected 800 events, got %d", n)
	}
}

func TestCacheListenerFuncs(t *testing.T) {
	cache := NewCache[int, string]("test", zap.NewNop())

	var first, second int
	removeFirst := cache.AddListener(event.ListenerFunc[int, string](func(event.ChangeEvent[int, string]) {
		first++
	}))
	cache.AddListener(event.ListenerFunc[int, string](func(event.ChangeEvent[int, string]) {
		second++
	}))

	if cache.ListenerCount() != 2 {
		t.Fatalf("expected 2 listeners, got %d", cache.ListenerCount())
	}

	cache.Put(1, "one")

	if cache.RemoveListener(event.ListenerFunc[int, string](func(event.ChangeEvent[int, string]) {})) {
		t.Error("RemoveListener matched a func listener")
	}

	removeFirst()
	removeFirst()
	cache.Put(2, "two")

	if first != 1 || second != 2 {
		t.Errorf("expected first=1 second=2, got first=%d second=%d", first, second)
	}
	if cache.ListenerCount() != 1 {
		t.Errorf("expected 1 listener, got %d", cache.ListenerCount())
	}
}

func TestCacheAddListenerRemover(t *testing.T) {
	cache, log := newTestCache()

	remove := cache.AddListener(log)
	cache.Put(1, "one")
	remove()
	cache.Put(2, "two")

	if n := len(log.all()); n != 1 {
		t.Errorf("expected 1 event, got %d", n)
	}
	if cache.ListenerCount() != 0 {
		t.Errorf("expected no listeners, got %d", cache.ListenerCount())
	}
}

func TestCacheLenDoesNotEvict(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	cache, log := newTestCache(WithClock(clock.Now))

	cache.PutTTL(1, "one", time.Second)
	cache.PutTTL(2, "two", time.Hour)
	clock.Advance(time.Minute)

	if n := cache.Len(); n != 1 {
		t.Errorf("expected 1 live entry, got %d", n)
	}
	if n := len(log.all()); n != 2 {
		t.Fatalf("Len notified listeners, got %d events", n)
	}

	if n := cache.Size(); n != 1 {
		t.Errorf("expected Size 1, got %d", n)
	}
	if got := log.all(); len(got) != 3 || got[2].Kind != event.Deleted {
		t.Errorf("expected Size to evict with a Deleted event, got %v", got)
	}
}
