// Package optimizer orchestrates the optimization layer: every query is
// analyzed, served from the result cache when possible, and otherwise
// executed on a pooled connection while the metrics collector watches
// for pathologies.
package optimizer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kyotosystems/quell/internal/analyzer"
	"github.com/kyotosystems/quell/internal/cache"
	"github.com/kyotosystems/quell/internal/clock"
	"github.com/kyotosystems/quell/internal/config"
	"github.com/kyotosystems/quell/internal/dbopen"
	"github.com/kyotosystems/quell/internal/metrics"
	"github.com/kyotosystems/quell/internal/pool"
)

// Observer receives a callback per executed query. Used by the
// monitoring exporter; the optimizer works fine with none registered.
type Observer interface {
	ObserveQuery(shape analyzer.Shape, cached bool, duration time.Duration)
}

// Result carries the rows plus how they were obtained
type Result struct {
	Rows     dbopen.Rows
	Shape    analyzer.Shape
	Cached   bool
	Duration time.Duration
}

// OptimizationReport is the combined health snapshot across all
// components, rendered by the report API and the CLI.
type OptimizationReport struct {
	GeneratedAt     time.Time      `json:"generated_at"`
	Cache           cache.Stats    `json:"cache"`
	Pool            pool.Stats     `json:"pool"`
	Metrics         metrics.Report `json:"metrics"`
	Recommendations []string       `json:"recommendations"`
}

// Optimizer wires the analyzer, result cache, connection pool and
// metrics collector behind one Execute entry point.
type Optimizer struct {
	logger *zap.Logger
	cfg    config.OptimizerConfig
	clk    clock.Clock

	cache     *cache.ResultCache
	pool      *pool.Pool
	collector *metrics.Collector
	group     singleflight.Group

	mu        sync.Mutex
	observers []Observer

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New builds the full optimization stack from configuration. The opener
// is whatever produces raw database connections, usually dbopen.SQLOpener.
func New(logger *zap.Logger, cfg config.Config, opener dbopen.Opener, clk clock.Clock) (*Optimizer, error) {
	rc, err := cache.NewResultCache(logger.Named("cache"), cfg.Cache, clk)
	if err != nil {
		return nil, err
	}

	p, err := pool.New(logger.Named("pool"), cfg.Pool, opener, clk)
	if err != nil {
		rc.Close()
		return nil, err
	}

	o := &Optimizer{
		logger:    logger,
		cfg:       cfg.Optimizer,
		clk:       clk,
		cache:     rc,
		pool:      p,
		collector: metrics.NewCollector(logger.Named("metrics"), cfg.Metrics, clk),
		done:      make(chan struct{}),
	}

	if o.cfg.CleanupInterval > 0 {
		o.wg.Add(1)
		go o.cleanupLoop()
	}

	logger.Info("Query optimizer started",
		zap.Bool("cache_enabled", o.cfg.CacheEnabled),
		zap.Bool("single_flight", o.cfg.SingleFlight))
	return o, nil
}

// AddObserver registers a per-query callback
func (o *Optimizer) AddObserver(obs Observer) {
	o.mu.Lock()
	o.observers = append(o.observers, obs)
	o.mu.Unlock()
}

// Execute runs a query through the optimization pipeline. Read queries
// are served from the cache when a fresh entry exists; cache hits never
// touch the connection pool. Write queries always execute and never
// populate the cache. Execution errors are returned verbatim-wrapped
// and are never cached.
func (o *Optimizer) Execute(ctx context.Context, sqlText string, params ...any) (Result, error) {
	shape := analyzer.Classify(sqlText)
	cacheable := o.cfg.CacheEnabled && isRead(shape)

	var key string
	if cacheable {
		key = o.cache.Key(sqlText, params)
		if rows, ok := o.cache.Get(key); ok {
			res := Result{Rows: rows, Shape: shape, Cached: true}
			o.notify(res)
			return res, nil
		}
	}

	if cacheable && o.cfg.SingleFlight {
		v, err, _ := o.group.Do(key, func() (any, error) {
			return o.executeUncached(ctx, sqlText, params, shape, key)
		})
		if err != nil {
			return Result{Shape: shape}, err
		}
		res := v.(Result)
		o.notify(res)
		return res, nil
	}

	res, err := o.executeUncached(ctx, sqlText, params, shape, key)
	if err != nil {
		return Result{Shape: shape}, err
	}
	o.notify(res)
	return res, nil
}

// executeUncached acquires a connection, runs the query, records the
// sample and populates the cache on success. key is empty for
// non-cacheable queries.
func (o *Optimizer) executeUncached(ctx context.Context, sqlText string, params []any, shape analyzer.Shape, key string) (Result, error) {
	conn, err := o.pool.Acquire(ctx)
	if err != nil {
		return Result{}, err
	}
	defer o.pool.Release(conn)

	start := o.clk.Now()
	rows, err := conn.Run(ctx, sqlText, params)
	elapsed := o.clk.Since(start)

	o.collector.Track(sqlText, elapsed, params)
	if err != nil {
		return Result{}, err
	}

	if key != "" {
		o.cache.Set(key, rows)
	}
	return Result{Rows: rows, Shape: shape, Duration: elapsed}, nil
}

func isRead(shape analyzer.Shape) bool {
	switch shape {
	case analyzer.ShapeSelect, analyzer.ShapeJoin, analyzer.ShapeAggregate:
		return true
	}
	return false
}

func (o *Optimizer) notify(res Result) {
	o.mu.Lock()
	observers := o.observers
	o.mu.Unlock()
	for _, obs := range observers {
		obs.ObserveQuery(res.Shape, res.Cached, res.Duration)
	}
}

// ApplyTunables applies the runtime-adjustable settings from a reloaded
// configuration: the slow-query threshold and the cache TTL. Structural
// settings (pool sizes, shard counts, the L2 layer) take effect only on
// restart.
func (o *Optimizer) ApplyTunables(cfg config.Config) {
	o.collector.SetSlowQueryThreshold(cfg.Metrics.SlowQueryThreshold)
	o.cache.SetTTL(cfg.Cache.TTL)
	o.logger.Info("Applied runtime tunables",
		zap.Duration("slow_query_threshold", cfg.Metrics.SlowQueryThreshold),
		zap.Duration("cache_ttl", cfg.Cache.TTL))
}

// Invalidate drops the cached result for one statement and parameter set
func (o *Optimizer) Invalidate(sqlText string, params ...any) {
	o.cache.Invalidate(o.cache.Key(sqlText, params))
}

// Report assembles the combined snapshot with cross-component advice
func (o *Optimizer) Report() OptimizationReport {
	cacheStats := o.cache.Stats()
	poolStats := o.pool.Stats()
	metricsReport := o.collector.Report()

	r := OptimizationReport{
		GeneratedAt: o.clk.Now(),
		Cache:       cacheStats,
		Pool:        poolStats,
		Metrics:     metricsReport,
	}

	lookups := cacheStats.Hits + cacheStats.Misses
	if o.cfg.CacheEnabled && lookups >= 100 && cacheStats.HitRate() < 0.5 {
		r.Recommendations = append(r.Recommendations,
			"cache hit rate is below 50%; consider raising the cache TTL or max entries for read-heavy queries")
	}
	if poolStats.Utilization > 0.8 {
		r.Recommendations = append(r.Recommendations,
			"connection pool utilization is above 80%; consider raising pool.max_size")
	}
	if !o.cfg.CacheEnabled && metricsReport.WindowSamples > 0 {
		r.Recommendations = append(r.Recommendations,
			"result caching is disabled; repeated read queries always reach the database")
	}
	return r
}

// Cache exposes the result cache for monitoring
func (o *Optimizer) Cache() *cache.ResultCache { return o.cache }

// Pool exposes the connection pool for monitoring
func (o *Optimizer) Pool() *pool.Pool { return o.pool }

// Metrics exposes the collector for monitoring
func (o *Optimizer) Metrics() *metrics.Collector { return o.collector }

func (o *Optimizer) cleanupLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.done:
			return
		case <-ticker.C:
			if n := o.cache.Cleanup(); n > 0 {
				o.logger.Debug("Swept expired cache entries", zap.Int("removed", n))
			}
		}
	}
}

// Shutdown stops the janitor, drains the pool and releases the cache.
// Safe to call more than once.
func (o *Optimizer) Shutdown() error {
	var err error
	o.closeOnce.Do(func() {
		close(o.done)
		o.wg.Wait()
		err = multierr.Append(o.pool.Shutdown(), o.cache.Close())
		o.logger.Info("Query optimizer stopped")
	})
	return err
}
