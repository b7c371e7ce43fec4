// Package config loads squirrelstore settings from the environment and turns
// them into a backend, its middleware chain and Store options.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	squirrelstore "github.com/Keksclan/squirrelstore"
	"github.com/Keksclan/squirrelstore/backend"
	"github.com/Keksclan/squirrelstore/backend/redisstore"
	"github.com/Keksclan/squirrelstore/backend/sqlitestore"
	"github.com/Keksclan/squirrelstore/cache"
	"github.com/Keksclan/squirrelstore/kv"
	"github.com/Keksclan/squirrelstore/logging"
	"github.com/Keksclan/squirrelstore/metrics"
	"github.com/Keksclan/squirrelstore/ratelimit"
	"github.com/Keksclan/squirrelstore/retry"
	"github.com/Keksclan/squirrelstore/tracing"
	"github.com/caarlos0/env/v11"
	"github.com/sirupsen/logrus"
)

// Backend kinds accepted by SQUIRREL_BACKEND.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
	BackendKV     = "kv"
)

// Config is the environment configuration of a squirrelstore process.
type Config struct {
	Backend string `env:"SQUIRREL_BACKEND" envDefault:"memory"`

	RedisAddr     string `env:"SQUIRREL_REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"SQUIRREL_REDIS_PASSWORD"`
	RedisDB       int    `env:"SQUIRREL_REDIS_DB" envDefault:"0"`
	RedisPrefix   string `env:"SQUIRREL_REDIS_PREFIX" envDefault:"squirrel:"`

	SQLitePath string `env:"SQUIRREL_SQLITE_PATH" envDefault:"squirrel.db"`

	KVTarget string `env:"SQUIRREL_KV_TARGET" envDefault:"localhost:7070"`

	// CacheMaxCost is the L1 budget in bytes; zero disables the read cache.
	CacheMaxCost int64         `env:"SQUIRREL_CACHE_MAX_COST" envDefault:"0"`
	CacheTTL     time.Duration `env:"SQUIRREL_CACHE_TTL" envDefault:"30s"`

	// Zero RPS leaves that direction unthrottled.
	ReadRPS    float64 `env:"SQUIRREL_READ_RPS" envDefault:"0"`
	ReadBurst  int     `env:"SQUIRREL_READ_BURST" envDefault:"1"`
	WriteRPS   float64 `env:"SQUIRREL_WRITE_RPS" envDefault:"0"`
	WriteBurst int     `env:"SQUIRREL_WRITE_BURST" envDefault:"1"`

	Tracing bool `env:"SQUIRREL_TRACING" envDefault:"false"`

	AutoSaveInterval    time.Duration `env:"SQUIRREL_AUTOSAVE_INTERVAL" envDefault:"1m"`
	AutoSaveConcurrency int           `env:"SQUIRREL_AUTOSAVE_CONCURRENCY" envDefault:"8"`
	SavingMethod        string        `env:"SQUIRREL_SAVING_METHOD" envDefault:"standard"`

	ShutdownAttempts  int           `env:"SQUIRREL_SHUTDOWN_ATTEMPTS" envDefault:"3"`
	ShutdownBaseDelay time.Duration `env:"SQUIRREL_SHUTDOWN_BASE_DELAY" envDefault:"500ms"`
	ShutdownMaxDelay  time.Duration `env:"SQUIRREL_SHUTDOWN_MAX_DELAY" envDefault:"5s"`

	LogLevel      string `env:"SQUIRREL_LOG_LEVEL" envDefault:"info"`
	LogFile       string `env:"SQUIRREL_LOG_FILE"`
	LogMaxSizeMB  int    `env:"SQUIRREL_LOG_MAX_SIZE_MB" envDefault:"100"`
	LogMaxBackups int    `env:"SQUIRREL_LOG_MAX_BACKUPS" envDefault:"10"`
	LogCompress   bool   `env:"SQUIRREL_LOG_COMPRESS" envDefault:"false"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.Backend) {
	case BackendMemory, BackendRedis, BackendKV:
	case BackendSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("SQUIRREL_SQLITE_PATH is required for the sqlite backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}
	switch strings.ToLower(c.SavingMethod) {
	case "standard", "versioned":
	default:
		errs = append(errs, fmt.Errorf("unknown saving method %q", c.SavingMethod))
	}
	if c.CacheMaxCost < 0 {
		errs = append(errs, errors.New("cache max cost must not be negative"))
	}
	if c.AutoSaveConcurrency <= 0 {
		errs = append(errs, errors.New("autosave concurrency must be positive"))
	}
	if c.ShutdownAttempts <= 0 {
		errs = append(errs, errors.New("shutdown attempts must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Logging returns the logger settings.
func (c Config) Logging() logging.Config {
	return logging.Config{
		Level:      c.LogLevel,
		File:       c.LogFile,
		MaxSizeMB:  c.LogMaxSizeMB,
		MaxBackups: c.LogMaxBackups,
		Compress:   c.LogCompress,
	}
}

// ShutdownRetry returns the retry policy for final saves.
func (c Config) ShutdownRetry() retry.Config {
	cfg := retry.Default()
	cfg.MaxAttempts = c.ShutdownAttempts
	cfg.BaseDelay = c.ShutdownBaseDelay
	cfg.MaxDelay = c.ShutdownMaxDelay
	return cfg
}

// Saving returns the configured saving method.
func (c Config) Saving() squirrelstore.SavingMethod {
	if strings.EqualFold(c.SavingMethod, "versioned") {
		return squirrelstore.Versioned()
	}
	return squirrelstore.Standard()
}

// Stack is an opened backend with the middleware configured for it.
type Stack struct {
	// Backend is the undecorated store.
	Backend backend.Backend
	// Middlewares run outermost first: tracing, read cache, throttle.
	Middlewares []backend.Middleware

	closers []func() error
}

// Open connects the configured backend and builds its middleware.
func (c Config) Open() (*Stack, error) {
	st := &Stack{}
	switch strings.ToLower(c.Backend) {
	case BackendMemory:
		st.Backend = backend.NewMemory()
	case BackendRedis:
		rs := redisstore.New(redisstore.Options{
			Addr:     c.RedisAddr,
			Password: c.RedisPassword,
			DB:       c.RedisDB,
			Prefix:   c.RedisPrefix,
		})
		st.Backend = rs
		st.closers = append(st.closers, rs.Close)
	case BackendSQLite:
		ss, err := sqlitestore.Open(c.SQLitePath)
		if err != nil {
			return nil, err
		}
		st.Backend = ss
		st.closers = append(st.closers, ss.Close)
	case BackendKV:
		client, err := kv.Dial(c.KVTarget)
		if err != nil {
			return nil, err
		}
		st.Backend = client
		st.closers = append(st.closers, client.Close)
	default:
		return nil, fmt.Errorf("config: unknown backend %q", c.Backend)
	}

	if c.Tracing {
		st.Middlewares = append(st.Middlewares, tracing.Middleware(&tracing.TracingConfig{System: strings.ToLower(c.Backend)}))
	}
	if c.CacheMaxCost > 0 {
		l1, err := cache.NewL1(c.CacheMaxCost)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		st.Middlewares = append(st.Middlewares, cache.Middleware(l1, c.CacheTTL))
		st.closers = append(st.closers, func() error { l1.Close(); return nil })
	}
	if c.ReadRPS > 0 || c.WriteRPS > 0 {
		st.Middlewares = append(st.Middlewares, ratelimit.Middleware(
			ratelimit.NewLimiter(c.ReadRPS, c.ReadBurst),
			ratelimit.NewLimiter(c.WriteRPS, c.WriteBurst),
		))
	}
	return st, nil
}

// Close releases the backend connection and the read cache.
func (s *Stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// StoreOptions returns the Store options for this configuration. m may be
// nil.
func (c Config) StoreOptions(st *Stack, log logrus.FieldLogger, m *metrics.Collector) []squirrelstore.Option {
	opts := []squirrelstore.Option{
		squirrelstore.WithLogger(log),
		squirrelstore.WithSavingMethod(c.Saving()),
		squirrelstore.WithAutoSaveInterval(c.AutoSaveInterval),
		squirrelstore.WithAutoSaveConcurrency(c.AutoSaveConcurrency),
		squirrelstore.WithShutdownRetry(c.ShutdownRetry()),
	}
	if m != nil {
		opts = append(opts, squirrelstore.WithMetrics(m))
	}
	if st != nil && len(st.Middlewares) > 0 {
		opts = append(opts, squirrelstore.WithMiddleware(st.Middlewares...))
	}
	return opts
}

// NewStore opens the backend and builds a Store over it. The returned Stack
// must be closed after the Store.
func (c Config) NewStore(log logrus.FieldLogger, m *metrics.Collector) (*squirrelstore.Store, *Stack, error) {
	st, err := c.Open()
	if err != nil {
		return nil, nil, err
	}
	return squirrelstore.New(st.Backend, c.StoreOptions(st, log, m)...), st, nil
}
