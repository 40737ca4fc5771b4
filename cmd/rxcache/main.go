package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/mpepping/rxcache/internal/landing"
	"github.com/mpepping/rxcache/internal/limiter"
	"github.com/mpepping/rxcache/internal/relay"
	"github.com/mpepping/rxcache/internal/state"
	"github.com/mpepping/rxcache/pkg/limits"
	"github.com/mpepping/rxcache/pkg/server"
)

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}

	logger := createLogger(cfg.Debug)
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting rxcache",
		zap.String("listen_addr", cfg.ListenAddr),
		zap.String("landing_addr", cfg.LandingAddr),
		zap.String("metrics_addr", cfg.MetricsAddr),
		zap.Duration("gc_interval", cfg.GCInterval),
		zap.Duration("default_ttl", cfg.DefaultTTL),
		zap.Int("max_entries", cfg.MaxEntries),
		zap.Int("workers", cfg.Workers),
	)

	st := state.NewState(logger,
		state.WithDefaultTTL(cfg.DefaultTTL),
		state.WithMaxEntries(cfg.MaxEntries),
	)
	defer st.Close()

	lim := limiter.NewIPLimiter(limiter.WithRate(cfg.RateLimit, cfg.RateBurst))

	// gRPC server with logging interceptors
	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(server.UnaryRequestLogger(logger)),
		grpc.ChainStreamInterceptor(server.StreamRequestLogger(logger)),
	)
	cacheServer := server.NewCacheServer(st, lim, logger, server.WithWorkers(cfg.Workers))
	server.RegisterCacheServer(grpcServer, cacheServer)

	reflection.Register(grpcServer)

	prometheus.MustRegister(st)
	prometheus.MustRegister(cacheServer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go st.RunGC(ctx, cfg.GCInterval)
	go lim.RunGC(ctx, limits.IPRateGarbageCollectionPeriod, 10*time.Minute)

	if cfg.RedisURL != "" {
		client, err := connectRedis(ctx, cfg)
		if err != nil {
			logger.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer client.Close() //nolint:errcheck

		startRelay(ctx, relay.New(client, cfg.RelayPrefix, logger), st, cfg.RelayCaches, logger)
	}

	landingHandler, err := landing.NewHandler(st, logger)
	if err != nil {
		logger.Fatal("failed to create landing handler", zap.Error(err))
	}

	// Route gRPC and HTTP traffic arriving on the same port
	mux := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ProtoMajor == 2 && strings.HasPrefix(r.Header.Get("Content-Type"), "application/grpc") {
			grpcServer.ServeHTTP(w, r)
		} else {
			landingHandler.ServeHTTP(w, r)
		}
	})

	mainServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           h2c.NewHandler(mux, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serve(logger, mainServer, "server listening (gRPC + HTTP)", true)
	defer shutdown(logger, mainServer)

	if cfg.LandingAddr != "" && cfg.LandingAddr != cfg.ListenAddr {
		landingServer := &http.Server{
			Addr:              cfg.LandingAddr,
			Handler:           landingHandler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		serve(logger, landingServer, "HTTP landing page listening", false)
		defer shutdown(logger, landingServer)
	}

	if cfg.MetricsAddr != "" {
		metricsServer := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		serve(logger, metricsServer, "Prometheus metrics listening", false)
		defer shutdown(logger, metricsServer)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down gracefully...")
	cancel()

	grpcServer.GracefulStop()

	logger.Info("shutdown complete")
}

func serve(logger *zap.Logger, srv *http.Server, msg string, fatal bool) {
	go func() {
		logger.Info(msg, zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if fatal {
				logger.Fatal("server error", zap.String("addr", srv.Addr), zap.Error(err))
			}
			logger.Error("server error", zap.String("addr", srv.Addr), zap.Error(err))
		}
	}()
}

func shutdown(logger *zap.Logger, srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("server shutdown failed", zap.String("addr", srv.Addr), zap.Error(err))
	}
}

func connectRedis(ctx context.Context, cfg Config) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.RedisTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close() //nolint:errcheck
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// startRelay publishes local changes of every relayed cache and applies the
// changes other instances publish
func startRelay(ctx context.Context, r *relay.Relay, st *state.State, caches []string, logger *zap.Logger) {
	logger.Info("starting change relay",
		zap.Stringer("origin", r.Origin()),
		zap.Strings("caches", caches),
	)

	for _, name := range caches {
		r.Publish(st.Broadcaster(name))

		go func(name string) {
			err := r.Listen(ctx, name, relay.Mirror(st.GetCache(name)))
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("relay listener stopped", zap.String("cache", name), zap.Error(err))
			}
		}(name)
	}
}

func createLogger(debug bool) *zap.Logger {
	config := zap.NewProductionConfig()

	if debug {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	// Check if running in development mode
	if os.Getenv("MODE") == "development" {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	logger, err := config.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}

	return logger
}
