package squirrelstore

import (
	"time"

	"github.com/Keksclan/squirrelstore/backend"
	"github.com/Keksclan/squirrelstore/metrics"
	"github.com/Keksclan/squirrelstore/retry"
	"github.com/sirupsen/logrus"
)

// config holds the internal configuration assembled via functional options.
type config struct {
	logger  logrus.FieldLogger
	metrics *metrics.Collector
	saving  SavingMethod

	middlewares []backend.Middleware

	autoSaveInterval    time.Duration
	autoSaveConcurrency int

	shutdownRetry retry.Config
}

func newConfig(opts []Option) config {
	cfg := config{
		logger:              logrus.StandardLogger(),
		saving:              Standard(),
		autoSaveInterval:    DefaultAutoSaveInterval,
		autoSaveConcurrency: DefaultAutoSaveConcurrency,
		shutdownRetry:       retry.Default(),
	}
	for _, o := range opts {
		o(&cfg)
	}
	return cfg
}
