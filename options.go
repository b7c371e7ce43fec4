package squirrelstore

import (
	"time"

	"github.com/Keksclan/squirrelstore/backend"
	"github.com/Keksclan/squirrelstore/metrics"
	"github.com/Keksclan/squirrelstore/retry"
	"github.com/sirupsen/logrus"
)

// Option configures a Store.
type Option func(*config)

// WithLogger sets the logger. The default is logrus.StandardLogger().
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics records reads, writes, backups and data loss in m.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *config) {
		c.metrics = m
	}
}

// WithSavingMethod selects how payloads are laid out in the backend.
// The default is [Standard].
func WithSavingMethod(m SavingMethod) Option {
	return func(c *config) {
		if m != nil {
			c.saving = m
		}
	}
}

// WithMiddleware appends backend middleware. Middleware wraps the backend
// in the order given, the first one being the outermost.
func WithMiddleware(mw ...backend.Middleware) Option {
	return func(c *config) {
		c.middlewares = append(c.middlewares, mw...)
	}
}

// WithAutoSaveInterval sets how often [Store.Run] saves live handles.
// A value <= 0 disables autosave.
func WithAutoSaveInterval(d time.Duration) Option {
	return func(c *config) {
		c.autoSaveInterval = d
	}
}

// WithAutoSaveConcurrency caps the number of handles saved at once by one
// autosave tick.
func WithAutoSaveConcurrency(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.autoSaveConcurrency = n
		}
	}
}

// WithShutdownRetry sets the retry policy of end-of-session flushes.
// Its Retryable field is ignored: only transient write failures are retried.
func WithShutdownRetry(cfg retry.Config) Option {
	return func(c *config) {
		c.shutdownRetry = cfg
	}
}
