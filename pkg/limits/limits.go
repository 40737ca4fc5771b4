package limits

import "time"

const (
	// CacheEntriesMax is the maximum number of entries per named cache
	CacheEntriesMax = 10000

	// CacheNameLengthMax is the maximum length of a cache name
	CacheNameLengthMax = 256

	// EntryTTLDefault is the TTL applied when a put does not specify one
	EntryTTLDefault = 30 * time.Minute

	// EntryTTLMax is the longest TTL a put may request
	EntryTTLMax = 24 * time.Hour

	// CacheWorkersMax is how many cache operations the server runs at once
	CacheWorkersMax = 64

	// SubscriptionBufferSize is the default buffer of a channel subscription
	SubscriptionBufferSize = 32

	// IPRateRequestsPerSecondMax is the maximum requests per second per IP
	IPRateRequestsPerSecondMax = 15

	// IPRateBurstSizeMax is the maximum burst size per IP
	IPRateBurstSizeMax = 60

	// IPRateGarbageCollectionPeriod is how often to clean up rate limiters
	IPRateGarbageCollectionPeriod = time.Minute
)
