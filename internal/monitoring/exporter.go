// Package monitoring exposes the optimizer's counters as prometheus
// metrics. The exporter owns its registry so tests and embedders never
// collide with the global default registry.
package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kyotosystems/quell/internal/analyzer"
	"github.com/kyotosystems/quell/internal/optimizer"
)

const namespace = "quell"

// Exporter bridges the optimizer to prometheus. It implements
// optimizer.Observer for per-query observations and snapshots the
// component stats through collector functions at scrape time.
type Exporter struct {
	logger   *zap.Logger
	registry *prometheus.Registry

	queryDuration *prometheus.HistogramVec
	queryTotal    *prometheus.CounterVec
}

// NewExporter registers all collectors against a fresh registry
func NewExporter(logger *zap.Logger, opt *optimizer.Optimizer) *Exporter {
	registry := prometheus.NewRegistry()

	e := &Exporter{
		logger:   logger,
		registry: registry,
		queryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "Query latency by statement shape; cache hits report zero duration",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"shape", "cached"}),
		queryTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Queries executed through the optimizer",
		}, []string{"shape", "cached"}),
	}

	registry.MustRegister(e.queryDuration, e.queryTotal)

	gauge := func(name, help string, fn func() float64) {
		registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, fn))
	}

	gauge("cache_entries", "Current result cache entry count", func() float64 {
		return float64(opt.Cache().Stats().Size)
	})
	gauge("cache_hit_rate", "Result cache hit rate since start", func() float64 {
		return opt.Cache().Stats().HitRate()
	})
	gauge("cache_evictions_total", "Result cache evictions since start", func() float64 {
		return float64(opt.Cache().Stats().Evictions)
	})
	gauge("pool_active_connections", "Connections currently checked out", func() float64 {
		return float64(opt.Pool().Stats().ActiveCount)
	})
	gauge("pool_idle_connections", "Connections parked in the pool", func() float64 {
		return float64(opt.Pool().Stats().IdleCount)
	})
	gauge("pool_utilization", "Active connections over max size", func() float64 {
		return opt.Pool().Stats().Utilization
	})
	gauge("warnings_total", "Performance warnings recorded", func() float64 {
		return float64(opt.Metrics().WarningCount())
	})

	return e
}

// ObserveQuery implements optimizer.Observer
func (e *Exporter) ObserveQuery(shape analyzer.Shape, cached bool, duration time.Duration) {
	labels := prometheus.Labels{
		"shape":  string(shape),
		"cached": strconv.FormatBool(cached),
	}
	e.queryTotal.With(labels).Inc()
	e.queryDuration.With(labels).Observe(duration.Seconds())
}

// Handler serves the scrape endpoint for this exporter's registry
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}
