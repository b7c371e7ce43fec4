// Package metrics exposes Prometheus instrumentation for squirrelstore.
//
// A nil *Collector is valid and records nothing, so the store can call it
// unconditionally.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector groups the store's metric vectors. Every vector is labelled by
// namespace; namespaces are bounded by the application's key set, never by
// entity.
type Collector struct {
	reads          *prometheus.CounterVec
	writes         *prometheus.CounterVec
	saveDuration   *prometheus.HistogramVec
	backupsEntered *prometheus.CounterVec
	dataLoss       *prometheus.CounterVec
	liveHandles    prometheus.Gauge
}

// New creates a Collector and registers it with reg. A nil reg uses
// prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		reads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "squirrelstore_reads_total",
			Help: "Initial loads from the backing store by outcome (hit, miss, error).",
		}, []string{"namespace", "outcome"}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "squirrelstore_writes_total",
			Help: "Saves sent to the backing store by outcome (ok, error).",
		}, []string{"namespace", "outcome"}),
		saveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "squirrelstore_save_duration_seconds",
			Help:    "Time spent writing one handle to the backing store.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"namespace"}),
		backupsEntered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "squirrelstore_backups_entered_total",
			Help: "Handles that switched to backup mode after repeated read failures.",
		}, []string{"namespace"}),
		dataLoss: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "squirrelstore_data_loss_total",
			Help: "End-of-session flushes that exhausted their retries.",
		}, []string{"namespace"}),
		liveHandles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "squirrelstore_live_handles",
			Help: "Handles currently held in memory.",
		}),
	}
	for _, col := range []prometheus.Collector{
		c.reads, c.writes, c.saveDuration, c.backupsEntered, c.dataLoss, c.liveHandles,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// ReadHit records a load that found a stored value.
func (c *Collector) ReadHit(namespace string) { c.read(namespace, "hit") }

// ReadMiss records a load that found nothing.
func (c *Collector) ReadMiss(namespace string) { c.read(namespace, "miss") }

// ReadError records a failed load.
func (c *Collector) ReadError(namespace string) { c.read(namespace, "error") }

func (c *Collector) read(namespace, outcome string) {
	if c == nil {
		return
	}
	c.reads.WithLabelValues(namespace, outcome).Inc()
}

// Write records one save attempt and its duration in seconds.
func (c *Collector) Write(namespace string, seconds float64, err error) {
	if c == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.writes.WithLabelValues(namespace, outcome).Inc()
	c.saveDuration.WithLabelValues(namespace).Observe(seconds)
}

// BackupEntered records a handle switching to backup mode.
func (c *Collector) BackupEntered(namespace string) {
	if c == nil {
		return
	}
	c.backupsEntered.WithLabelValues(namespace).Inc()
}

// DataLoss records a flush that gave up.
func (c *Collector) DataLoss(namespace string) {
	if c == nil {
		return
	}
	c.dataLoss.WithLabelValues(namespace).Inc()
}

// SetLiveHandles reports the size of the live set.
func (c *Collector) SetLiveHandles(n int) {
	if c == nil {
		return
	}
	c.liveHandles.Set(float64(n))
}

// Handler returns an http.Handler that serves metrics from the default
// Prometheus gatherer.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns an http.Handler that serves metrics from g.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
