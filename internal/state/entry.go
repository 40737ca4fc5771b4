package state

import (
	"time"
)

const (
	// TTLDefault asks the cache to apply its configured default TTL
	TTLDefault time.Duration = 0

	// TTLNever stores an entry without expiration
	TTLNever time.Duration = -1
)

// Entry is a cached value with an optional expiration
type Entry[V any] struct {
	Value      V
	Expiration time.Time
}

// Update replaces the value and expiration
func (e *Entry[V]) Update(value V, expiration time.Time) {
	e.Value = value
	e.Expiration = expiration
}

// Expired reports whether the entry should no longer be visible at now.
// Entries with a zero expiration never expire.
func (e *Entry[V]) Expired(now time.Time) bool {
	if e.Expiration.IsZero() {
		return false
	}
	return !now.Before(e.Expiration)
}

func expiration(now time.Time, ttl, defaultTTL time.Duration) time.Time {
	if ttl == TTLDefault {
		ttl = defaultTTL
	}
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}
