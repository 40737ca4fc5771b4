package state

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/mpepping/rxcache/internal/broadcast"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// NamedCache is the cache type served by State
type NamedCache = Cache[string, string]

// Broadcaster is the broadcaster type State attaches to its caches
type Broadcaster = broadcast.Broadcaster[string, string]

// State manages all named caches and their change broadcasters
type State struct {
	mu           sync.RWMutex
	caches       map[string]*NamedCache
	broadcasters map[string]*Broadcaster

	cacheOpts []Option
	logger    *zap.Logger

	// Metrics
	gcRuns             prometheus.Counter
	gcCollectedCaches  prometheus.Counter
	gcCollectedEntries prometheus.Counter

	// Descriptors for values computed at collection time
	cachesDesc      *prometheus.Desc
	entriesDesc     *prometheus.Desc
	subscribersDesc *prometheus.Desc
	deliveredDesc   *prometheus.Desc
	failedDesc      *prometheus.Desc
}

// NewState creates a new state manager. opts apply to every cache it creates.
func NewState(logger *zap.Logger, opts ...Option) *State {
	return &State{
		caches:       make(map[string]*NamedCache),
		broadcasters: make(map[string]*Broadcaster),
		cacheOpts:    opts,
		logger:       logger,
		gcRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rxcache_gc_runs_total",
			Help: "Total number of garbage collection runs",
		}),
		gcCollectedCaches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rxcache_gc_collected_caches_total",
			Help: "Total number of caches collected by GC",
		}),
		gcCollectedEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rxcache_gc_collected_entries_total",
			Help: "Total number of expired entries collected by GC",
		}),
		cachesDesc: prometheus.NewDesc(
			"rxcache_caches_total",
			"Total number of named caches",
			nil, nil,
		),
		entriesDesc: prometheus.NewDesc(
			"rxcache_entries_total",
			"Total number of entries across all caches",
			nil, nil,
		),
		subscribersDesc: prometheus.NewDesc(
			"rxcache_subscribers_total",
			"Total number of active change subscribers",
			nil, nil,
		),
		deliveredDesc: prometheus.NewDesc(
			"rxcache_events_delivered_total",
			"Total number of change events delivered to subscribers",
			nil, nil,
		),
		failedDesc: prometheus.NewDesc(
			"rxcache_events_failed_total",
			"Total number of change event deliveries that failed",
			nil, nil,
		),
	}
}

// GetCache returns a cache by name, creating it if it doesn't exist
func (s *State) GetCache(name string) *NamedCache {
	s.mu.RLock()
	cache, exists := s.caches[name]
	s.mu.RUnlock()

	if exists {
		return cache
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.getCacheLocked(name)
}

func (s *State) getCacheLocked(name string) *NamedCache {
	// Double-check after acquiring write lock
	if cache, exists := s.caches[name]; exists {
		return cache
	}

	cache := NewCache[string, string](name, s.logger, s.cacheOpts...)
	s.caches[name] = cache

	s.logger.Debug("created new cache",
		zap.String("cache", name),
	)

	return cache
}

// LookupCache returns an existing cache without creating it
func (s *State) LookupCache(name string) (*NamedCache, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cache, exists := s.caches[name]
	return cache, exists
}

// Subscribers returns how many subscribers watch the named cache
func (s *State) Subscribers(name string) int {
	s.mu.RLock()
	b, exists := s.broadcasters[name]
	s.mu.RUnlock()

	if !exists {
		return 0
	}
	return b.Len()
}

// ListCaches returns the names of all caches, sorted
func (s *State) ListCaches() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.caches))
	for name := range s.caches {
		names = append(names, name)
	}
	slices.Sort(names)

	return names
}

// Broadcaster returns the change broadcaster for the named cache, creating
// the cache and registering the broadcaster as its listener on first use
func (s *State) Broadcaster(name string) *Broadcaster {
	s.mu.RLock()
	b, exists := s.broadcasters[name]
	s.mu.RUnlock()

	if exists {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.broadcasterLocked(name)
}

func (s *State) broadcasterLocked(name string) *Broadcaster {
	if b, exists := s.broadcasters[name]; exists {
		return b
	}

	cache := s.getCacheLocked(name)
	b := broadcast.New[string, string](name, s.logger)
	cache.AddListener(b)
	s.broadcasters[name] = b

	s.logger.Debug("registered cache broadcaster",
		zap.String("cache", name),
	)

	return b
}

// Subscribe returns a snapshot of the named cache together with a channel
// subscription to its changes. Events racing with the snapshot may appear
// in both.
func (s *State) Subscribe(ctx context.Context, name string) (map[string]string, *broadcast.Subscription[string, string]) {
	// GC cannot retire the broadcaster while s.mu is held
	s.mu.Lock()
	cache := s.getCacheLocked(name)
	sub := s.broadcasterLocked(name).Observe(ctx, 0)
	s.mu.Unlock()

	snapshot := cache.Entries(nil)

	return snapshot, sub
}

// GarbageCollect removes expired entries and empty caches nobody watches.
// A collected cache is retired: handles to it keep working against the cache
// GetCache returns for the same name.
func (s *State) GarbageCollect(now time.Time) {
	s.gcRuns.Inc()

	s.mu.RLock()
	caches := make(map[string]*NamedCache, len(s.caches))
	for name, cache := range s.caches {
		caches[name] = cache
	}
	s.mu.RUnlock()

	// Expiry notifies subscribers, so it runs without holding s.mu
	entriesCollected := 0
	candidates := make([]string, 0)
	for name, cache := range caches {
		entriesCollected += cache.GarbageCollect(now)
		if cache.Len() == 0 {
			candidates = append(candidates, name)
		}
	}

	closed := make([]*Broadcaster, 0)
	cachesCollected := 0

	s.mu.Lock()
	for _, name := range candidates {
		cache, ok := s.caches[name]
		if !ok {
			continue
		}

		b := s.broadcasters[name]
		if b != nil && b.Len() > 0 {
			continue
		}

		if !cache.retireIfEmpty(s.resolver(name)) {
			continue
		}

		delete(s.caches, name)
		if b != nil {
			cache.RemoveListener(b)
			delete(s.broadcasters, name)
			closed = append(closed, b)
		}
		cachesCollected++
	}
	remaining := len(s.caches)
	s.mu.Unlock()

	for _, b := range closed {
		b.Close()
	}

	if cachesCollected > 0 || entriesCollected > 0 {
		s.logger.Info("garbage collection completed",
			zap.Int("caches_collected", cachesCollected),
			zap.Int("entries_collected", entriesCollected),
			zap.Int("caches_remaining", remaining),
		)
	}

	s.gcCollectedCaches.Add(float64(cachesCollected))
	s.gcCollectedEntries.Add(float64(entriesCollected))
}

func (s *State) resolver(name string) func() *NamedCache {
	return func() *NamedCache {
		return s.GetCache(name)
	}
}

// RunGC runs garbage collection periodically
func (s *State) RunGC(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.GarbageCollect(now)
		}
	}
}

// Close withdraws every broadcaster, completing all subscribers
func (s *State) Close() {
	s.mu.Lock()
	broadcasters := s.broadcasters
	s.broadcasters = make(map[string]*Broadcaster)
	for name, b := range broadcasters {
		if cache, ok := s.caches[name]; ok {
			cache.RemoveListener(b)
		}
	}
	s.mu.Unlock()

	for _, b := range broadcasters {
		b.Close()
	}
}

// Describe implements prometheus.Collector
func (s *State) Describe(ch chan<- *prometheus.Desc) {
	s.gcRuns.Describe(ch)
	s.gcCollectedCaches.Describe(ch)
	s.gcCollectedEntries.Describe(ch)

	ch <- s.cachesDesc
	ch <- s.entriesDesc
	ch <- s.subscribersDesc
	ch <- s.deliveredDesc
	ch <- s.failedDesc
}

// Collect implements prometheus.Collector
func (s *State) Collect(ch chan<- prometheus.Metric) {
	s.gcRuns.Collect(ch)
	s.gcCollectedCaches.Collect(ch)
	s.gcCollectedEntries.Collect(ch)

	// Collect current stats
	s.mu.RLock()
	cacheCount := len(s.caches)
	caches := make([]*NamedCache, 0, len(s.caches))
	for _, cache := range s.caches {
		caches = append(caches, cache)
	}
	var subscribers int
	var delivered, failed uint64
	for _, b := range s.broadcasters {
		stats := b.Stats()
		subscribers += stats.Subscribers
		delivered += stats.Delivered
		failed += stats.Failed
	}
	s.mu.RUnlock()

	entryCount := 0
	for _, cache := range caches {
		entryCount += cache.Len()
	}

	ch <- prometheus.MustNewConstMetric(s.cachesDesc, prometheus.GaugeValue, float64(cacheCount))
	ch <- prometheus.MustNewConstMetric(s.entriesDesc, prometheus.GaugeValue, float64(entryCount))
	ch <- prometheus.MustNewConstMetric(s.subscribersDesc, prometheus.GaugeValue, float64(subscribers))
	ch <- prometheus.MustNewConstMetric(s.deliveredDesc, prometheus.CounterValue, float64(delivered))
	ch <- prometheus.MustNewConstMetric(s.failedDesc, prometheus.CounterValue, float64(failed))
}
