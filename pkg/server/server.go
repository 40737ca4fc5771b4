// Package server implements the rxcache gRPC service.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mpepping/rxcache/internal/async"
	"github.com/mpepping/rxcache/internal/event"
	"github.com/mpepping/rxcache/internal/limiter"
	"github.com/mpepping/rxcache/internal/rx"
	"github.com/mpepping/rxcache/internal/state"
	"github.com/mpepping/rxcache/pkg/limits"
)

// CacheServer implements the Cache gRPC service on top of State. Unary
// calls run as reactive cache operations on a shared worker pool.
type CacheServer struct {
	state   *state.State
	limiter *limiter.IPLimiter
	logger  *zap.Logger
	pool    *async.Pool[string, string]

	// Metrics
	requests      *prometheus.CounterVec
	watchesActive prometheus.Gauge
}

var _ CacheService = (*CacheServer)(nil)

// Option configures a CacheServer
type Option func(*CacheServer)

// WithWorkers bounds how many cache operations run at once. The default is
// limits.CacheWorkersMax.
func WithWorkers(n int) Option {
	return func(s *CacheServer) {
		s.pool = async.NewPool[string, string](n, s.logger)
	}
}

// NewCacheServer creates a new cache server
func NewCacheServer(st *state.State, lim *limiter.IPLimiter, logger *zap.Logger, opts ...Option) *CacheServer {
	s := &CacheServer{
		state:   st,
		limiter: lim,
		logger:  logger,
		pool:    async.NewPool[string, string](limits.CacheWorkersMax, logger),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rxcache_requests_total",
				Help: "Total number of cache requests by method and status code",
			},
			[]string{"method", "code"},
		),
		watchesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rxcache_watches_active",
			Help: "Number of open Watch streams",
		}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// cache returns the reactive view of the named cache
func (s *CacheServer) cache(name string) *rx.Cache[string, string] {
	return rx.NewCache(s.pool.Cache(s.state.GetCache(name)))
}

// failure converts a cache operation error into a gRPC status
func (s *CacheServer) failure(op, name, key string, err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	case errors.Is(err, state.ErrEntryLimit):
		s.logger.Warn("entry limit reached",
			zap.String("cache", name),
			zap.String("key", key),
		)
		return status.Error(codes.ResourceExhausted, "entry limit reached for cache")
	}

	s.logger.Error("cache operation failed",
		zap.String("op", op),
		zap.String("cache", name),
		zap.String("key", key),
		zap.Error(err),
	)
	return status.Error(codes.Internal, fmt.Sprintf("failed to %s entry: %v", op, err))
}

func clientIP(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok {
		if addr, ok := p.Addr.(*net.TCPAddr); ok {
			return addr.IP.String()
		}
	}
	return ""
}

// admit applies rate limiting and validates the cache name
func (s *CacheServer) admit(ctx context.Context, req *structpb.Struct) (string, error) {
	ip := clientIP(ctx)
	if ip != "" && !s.limiter.Allow(ip) {
		s.logger.Warn("rate limit exceeded",
			zap.String("client_ip", ip),
		)
		return "", status.Error(codes.ResourceExhausted, "rate limit exceeded")
	}

	name := stringField(req, FieldCache)
	if name == "" {
		return "", status.Error(codes.InvalidArgument, "cache is required")
	}
	if len(name) > limits.CacheNameLengthMax {
		return "", status.Errorf(codes.InvalidArgument, "cache name exceeds %d bytes", limits.CacheNameLengthMax)
	}
	return name, nil
}

func requireKey(req *structpb.Struct) (string, error) {
	key := stringField(req, FieldKey)
	if key == "" {
		return "", status.Error(codes.InvalidArgument, "key is required")
	}
	return key, nil
}

func (s *CacheServer) record(method string, err error) {
	s.requests.WithLabelValues(method, status.Code(err).String()).Inc()
}

// Get returns the value stored under key
func (s *CacheServer) Get(ctx context.Context, req *structpb.Struct) (resp *structpb.Struct, err error) {
	defer func() { s.record("Get", err) }()

	name, err := s.admit(ctx, req)
	if err != nil {
		return nil, err
	}
	key, err := requireKey(req)
	if err != nil {
		return nil, err
	}

	value, ok, err := rx.First(ctx, s.cache(name).Get(key))
	if err != nil {
		return nil, s.failure("get", name, key, err)
	}
	if !ok {
		return nil, status.Errorf(codes.NotFound, "key %q not found in cache %q", key, name)
	}

	return newStruct(map[string]*structpb.Value{
		FieldKey:   structpb.NewStringValue(key),
		FieldValue: structpb.NewStringValue(value),
	}), nil
}

// Put stores value under key. The optional ttl overrides the cache default.
func (s *CacheServer) Put(ctx context.Context, req *structpb.Struct) (resp *structpb.Struct, err error) {
	defer func() { s.record("Put", err) }()

	name, err := s.admit(ctx, req)
	if err != nil {
		return nil, err
	}
	key, err := requireKey(req)
	if err != nil {
		return nil, err
	}

	v, ok := req.GetFields()[FieldValue]
	if !ok {
		return nil, status.Error(codes.InvalidArgument, "value is required")
	}
	if _, isString := v.GetKind().(*structpb.Value_StringValue); !isString {
		return nil, status.Error(codes.InvalidArgument, "value must be a string")
	}

	ttl, hasTTL, err := ttlField(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if hasTTL && ttl <= 0 {
		return nil, status.Error(codes.InvalidArgument, "ttl must be positive")
	}
	if ttl > limits.EntryTTLMax {
		return nil, status.Errorf(codes.InvalidArgument, "ttl exceeds %s", limits.EntryTTLMax)
	}
	if !hasTTL {
		ttl = state.TTLDefault
	}

	_, _, err = rx.First(ctx, s.cache(name).PutTTL(key, v.GetStringValue(), ttl))
	if err != nil {
		return nil, s.failure("put", name, key, err)
	}

	return newStruct(nil), nil
}

// Delete removes key and reports the value it held
func (s *CacheServer) Delete(ctx context.Context, req *structpb.Struct) (resp *structpb.Struct, err error) {
	defer func() { s.record("Delete", err) }()

	name, err := s.admit(ctx, req)
	if err != nil {
		return nil, err
	}
	key, err := requireKey(req)
	if err != nil {
		return nil, err
	}

	old, found, err := rx.First(ctx, s.cache(name).Remove(key))
	if err != nil {
		return nil, s.failure("delete", name, key, err)
	}

	fields := map[string]*structpb.Value{
		FieldFound: structpb.NewBoolValue(found),
	}
	if found {
		fields[FieldValue] = structpb.NewStringValue(old)
	}
	return newStruct(fields), nil
}

// List returns every live entry of the cache
func (s *CacheServer) List(ctx context.Context, req *structpb.Struct) (resp *structpb.Struct, err error) {
	defer func() { s.record("List", err) }()

	name, err := s.admit(ctx, req)
	if err != nil {
		return nil, err
	}

	entries, err := rx.Collect(ctx, s.cache(name).Entries(nil))
	if err != nil {
		return nil, s.failure("list", name, "", err)
	}

	s.logger.Debug("listing entries",
		zap.String("cache", name),
		zap.Int("count", len(entries)),
		zap.String("client_ip", clientIP(ctx)),
	)

	values := make(map[string]*structpb.Value, len(entries))
	for _, e := range entries {
		values[e.Key] = structpb.NewStringValue(e.Value)
	}

	return newStruct(map[string]*structpb.Value{
		FieldEntries: structpb.NewStructValue(newStruct(values)),
	}), nil
}

// Watch streams the current entries as snapshot events, a synced marker, and
// then every change to the cache until the client goes away
func (s *CacheServer) Watch(req *structpb.Struct, stream WatchStream) (err error) {
	defer func() { s.record("Watch", err) }()

	ctx := stream.Context()
	name, err := s.admit(ctx, req)
	if err != nil {
		return err
	}

	snapshot, subscription := s.state.Subscribe(ctx, name)
	defer subscription.Unsubscribe()

	s.watchesActive.Inc()
	defer s.watchesActive.Dec()

	s.logger.Debug("watch started",
		zap.String("cache", name),
		zap.Stringer("subscription_id", subscription.ID),
		zap.Int("snapshot_count", len(snapshot)),
	)

	keys := make([]string, 0, len(snapshot))
	for k := range snapshot {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, k := range keys {
		if err := stream.Send(EncodeEvent(event.Insert(k, snapshot[k]), true)); err != nil {
			s.logger.Debug("watch stream error during snapshot",
				zap.String("cache", name),
				zap.Error(err),
			)
			return err
		}
	}

	if err := stream.Send(newStruct(map[string]*structpb.Value{
		FieldSynced: structpb.NewBoolValue(true),
	})); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("watch ended",
				zap.String("cache", name),
			)
			return ctx.Err()

		case evt, ok := <-subscription.Ch():
			if !ok {
				if cause := subscription.Err(); cause != nil && ctx.Err() == nil {
					return status.Errorf(codes.Unavailable, "cache %q closed: %v", name, cause)
				}
				s.logger.Debug("watch subscription closed",
					zap.String("cache", name),
				)
				return nil
			}

			if dropped := subscription.Dropped(); dropped > 0 {
				s.logger.Warn("watcher fell behind",
					zap.String("cache", name),
					zap.Uint64("dropped", dropped),
				)
				return status.Errorf(codes.DataLoss, "watcher fell behind, %d events dropped", dropped)
			}

			s.logger.Debug("sending watch update",
				zap.String("cache", name),
				zap.Stringer("event", evt),
			)

			if err := stream.Send(EncodeEvent(evt, false)); err != nil {
				s.logger.Debug("watch stream error",
					zap.String("cache", name),
					zap.Error(err),
				)
				return err
			}
		}
	}
}

// Describe implements prometheus.Collector
func (s *CacheServer) Describe(ch chan<- *prometheus.Desc) {
	s.requests.Describe(ch)
	s.watchesActive.Describe(ch)
}

// Collect implements prometheus.Collector
func (s *CacheServer) Collect(ch chan<- prometheus.Metric) {
	s.requests.Collect(ch)
	s.watchesActive.Collect(ch)
}
