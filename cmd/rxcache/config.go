package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/mpepping/rxcache/pkg/limits"
)

// Config holds the service settings. Environment variables (and a .env file,
// when present) provide defaults; command line flags override them.
type Config struct {
	// Servers
	ListenAddr  string `env:"RXCACHE_LISTEN_ADDR" envDefault:":3000"`
	LandingAddr string `env:"RXCACHE_LANDING_ADDR" envDefault:":3001"`
	MetricsAddr string `env:"RXCACHE_METRICS_ADDR" envDefault:":2122"`

	// Caches
	GCInterval time.Duration `env:"RXCACHE_GC_INTERVAL" envDefault:"1m"`
	DefaultTTL time.Duration `env:"RXCACHE_DEFAULT_TTL"`
	MaxEntries int           `env:"RXCACHE_MAX_ENTRIES"`
	Workers    int           `env:"RXCACHE_WORKERS"`

	// Rate limiting
	RateLimit float64 `env:"RXCACHE_RATE_LIMIT"`
	RateBurst int     `env:"RXCACHE_RATE_BURST"`

	// Redis relay, disabled when RedisURL is empty
	RedisURL     string        `env:"REDIS_URL"`
	RedisTimeout time.Duration `env:"REDIS_CONNECT_TIMEOUT" envDefault:"10s"`
	RelayPrefix  string        `env:"RXCACHE_RELAY_PREFIX" envDefault:"rxcache"`
	RelayCaches  []string      `env:"RXCACHE_RELAY_CACHES" envSeparator:","`

	// Logging
	Debug bool `env:"RXCACHE_DEBUG"`
}

// listFlag is a comma separated flag.Value
type listFlag struct {
	values *[]string
}

func (l listFlag) String() string {
	if l.values == nil {
		return ""
	}
	return strings.Join(*l.values, ",")
}

func (l listFlag) Set(s string) error {
	*l.values = nil
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			*l.values = append(*l.values, v)
		}
	}
	return nil
}

func loadConfig(args []string, envFiles ...string) (Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Config{
		DefaultTTL: limits.EntryTTLDefault,
		MaxEntries: limits.CacheEntriesMax,
		Workers:    limits.CacheWorkersMax,
		RateLimit:  limits.IPRateRequestsPerSecondMax,
		RateBurst:  limits.IPRateBurstSizeMax,
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	fset := flag.NewFlagSet("rxcache", flag.ContinueOnError)

	// Server flags
	fset.StringVar(&cfg.ListenAddr, "listen-addr", cfg.ListenAddr, "gRPC and HTTP listen address")
	fset.StringVar(&cfg.LandingAddr, "landing-addr", cfg.LandingAddr, "HTTP landing page listen address")
	fset.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Prometheus metrics listen address")

	// Cache flags
	fset.DurationVar(&cfg.GCInterval, "gc-interval", cfg.GCInterval, "Garbage collection interval")
	fset.DurationVar(&cfg.DefaultTTL, "default-ttl", cfg.DefaultTTL, "TTL of entries stored without one")
	fset.IntVar(&cfg.MaxEntries, "max-entries", cfg.MaxEntries, "Maximum entries per cache")
	fset.IntVar(&cfg.Workers, "workers", cfg.Workers, "Cache operations run at once")

	// Rate limit flags
	fset.Float64Var(&cfg.RateLimit, "rate-limit", cfg.RateLimit, "Requests per second allowed per client IP")
	fset.IntVar(&cfg.RateBurst, "rate-burst", cfg.RateBurst, "Request burst allowed per client IP")

	// Relay flags
	fset.StringVar(&cfg.RedisURL, "redis-url", cfg.RedisURL, "Redis URL for the change relay, empty to disable")
	fset.StringVar(&cfg.RelayPrefix, "relay-prefix", cfg.RelayPrefix, "Redis channel prefix for the change relay")
	fset.Var(listFlag{&cfg.RelayCaches}, "relay-caches", "Comma separated caches mirrored through Redis")

	// Logging flags
	fset.BoolVar(&cfg.Debug, "debug", cfg.Debug, "Enable debug logging")

	if err := fset.Parse(args); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen address is required")
	}
	if c.GCInterval <= 0 {
		return errors.New("gc interval must be positive")
	}
	if c.DefaultTTL < 0 || c.DefaultTTL > limits.EntryTTLMax {
		return fmt.Errorf("default ttl must be between 0 and %s", limits.EntryTTLMax)
	}
	if c.MaxEntries <= 0 {
		return errors.New("max entries must be positive")
	}
	if c.Workers <= 0 {
		return errors.New("workers must be positive")
	}
	if len(c.RelayCaches) > 0 && c.RedisURL == "" {
		return errors.New("relay caches require a redis url")
	}
	return nil
}
