// Package metrics collects per-query timing samples and derives the
// slow-query and N+1 warnings plus the aggregate performance report.
package metrics

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/kyotosystems/quell/internal/analyzer"
	"github.com/kyotosystems/quell/internal/clock"
)

// Config tunes the collector
type Config struct {
	SlowQueryThreshold time.Duration `yaml:"slow_query_threshold"`
	RetainedSamples    int           `yaml:"retained_samples"`
	N1WindowSize       int           `yaml:"n1_window_size"`
	N1MinRepeats       int           `yaml:"n1_min_repeats"`
	MaxWarnings        int           `yaml:"max_warnings"`
	TopSlowCount       int           `yaml:"top_slow_count"`
}

// DefaultConfig returns the baseline metrics tuning
func DefaultConfig() Config {
	return Config{
		SlowQueryThreshold: time.Second,
		RetainedSamples:    1024,
		N1WindowSize:       50,
		N1MinRepeats:       5,
		MaxWarnings:        256,
		TopSlowCount:       5,
	}
}

// QueryMetric is a single timing sample. Samples live in a bounded ring
// buffer; old samples are dropped, never archived.
type QueryMetric struct {
	NormalizedSQL string        `json:"normalized_sql"`
	Fingerprint   string        `json:"fingerprint"`
	Duration      time.Duration `json:"duration"`
	Timestamp     time.Time     `json:"timestamp"`
	Params        []any         `json:"params,omitempty"`
}

// WarningKind tags a performance warning
type WarningKind string

const (
	WarnSlowQuery WarningKind = "slow_query"
	WarnNPlusOne  WarningKind = "n_plus_one"
)

// Warning is an advisory appended when a pathology is observed. Warnings
// are never edited after the fact.
type Warning struct {
	Kind       WarningKind `json:"kind"`
	Message    string      `json:"message"`
	RelatedSQL string      `json:"related_sql"`
	Suggestion string      `json:"suggestion"`
	Timestamp  time.Time   `json:"timestamp"`
}

// SlowQuery aggregates the worst observed duration per statement shape
type SlowQuery struct {
	NormalizedSQL string        `json:"normalized_sql"`
	Count         int           `json:"count"`
	MaxDuration   time.Duration `json:"max_duration"`
	AvgDuration   time.Duration `json:"avg_duration"`
}

// Report summarizes the retained sample window. Percentiles use the
// nearest-rank method over the ring buffer only, not process lifetime:
// with N retained samples the figures describe the last N queries.
type Report struct {
	TotalQueries   uint64        `json:"total_queries"`
	WindowSamples  int           `json:"window_samples"`
	AvgDuration    time.Duration `json:"avg_duration"`
	StdDevDuration time.Duration `json:"stddev_duration"`
	P95Duration    time.Duration `json:"p95_duration"`
	TopSlowQueries []SlowQuery   `json:"top_slow_queries"`
	Warnings       []Warning     `json:"warnings"`
	Recommendations []string     `json:"recommendations"`
}

// Collector records samples and derives warnings. Safe for concurrent use.
type Collector struct {
	logger *zap.Logger
	cfg    Config
	clk    clock.Clock

	mu           sync.Mutex
	samples      []QueryMetric // ring buffer
	next         int
	filled       bool
	totalQueries uint64
	warnings     []Warning
	shapeWindow  []string // trailing fingerprints for N+1 detection
}

// NewCollector creates a collector with the given tuning
func NewCollector(logger *zap.Logger, cfg Config, clk clock.Clock) *Collector {
	def := DefaultConfig()
	if cfg.SlowQueryThreshold <= 0 {
		cfg.SlowQueryThreshold = def.SlowQueryThreshold
	}
	if cfg.RetainedSamples <= 0 {
		cfg.RetainedSamples = def.RetainedSamples
	}
	if cfg.N1WindowSize <= 0 {
		cfg.N1WindowSize = def.N1WindowSize
	}
	if cfg.N1MinRepeats <= 0 {
		cfg.N1MinRepeats = def.N1MinRepeats
	}
	if cfg.MaxWarnings <= 0 {
		cfg.MaxWarnings = def.MaxWarnings
	}
	if cfg.TopSlowCount <= 0 {
		cfg.TopSlowCount = def.TopSlowCount
	}

	return &Collector{
		logger:  logger,
		cfg:     cfg,
		clk:     clk,
		samples: make([]QueryMetric, cfg.RetainedSamples),
	}
}

// Track appends a timing sample. A duration over the slow-query threshold
// appends exactly one slow_query warning. The trailing fingerprint window
// is then evaluated for a repeating shape; crossing the repeat threshold
// appends exactly one n_plus_one warning.
func (c *Collector) Track(sqlText string, duration time.Duration, params []any) {
	norm := analyzer.Normalize(sqlText)
	fp := analyzer.Fingerprint(sqlText)
	now := c.clk.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.samples[c.next] = QueryMetric{
		NormalizedSQL: norm,
		Fingerprint:   fp,
		Duration:      duration,
		Timestamp:     now,
		// copied so a caller reusing its argument slice cannot mutate
		// retained samples
		Params: append([]any(nil), params...),
	}
	c.next++
	if c.next == len(c.samples) {
		c.next = 0
		c.filled = true
	}
	c.totalQueries++

	if duration > c.cfg.SlowQueryThreshold {
		c.appendWarning(Warning{
			Kind:       WarnSlowQuery,
			Message:    fmt.Sprintf("query took %s, over the %s threshold", duration, c.cfg.SlowQueryThreshold),
			RelatedSQL: norm,
			Suggestion: suggestForSlowQuery(sqlText),
			Timestamp:  now,
		})
	}

	c.shapeWindow = append(c.shapeWindow, fp)
	if over := len(c.shapeWindow) - c.cfg.N1WindowSize; over > 0 {
		c.shapeWindow = c.shapeWindow[over:]
	}
	if c.repeatCount(fp) == c.cfg.N1MinRepeats &&
		analyzer.DetectRepeatingShape(c.shapeWindow, c.cfg.N1WindowSize, c.cfg.N1MinRepeats) {
		c.appendWarning(Warning{
			Kind: WarnNPlusOne,
			Message: fmt.Sprintf("statement shape repeated %d times in the last %d queries",
				c.cfg.N1MinRepeats, len(c.shapeWindow)),
			RelatedSQL: norm,
			Suggestion: "batch the per-row lookups into a single query with IN or a JOIN",
			Timestamp:  now,
		})
	}
}

// repeatCount counts how often fp occurs in the current window. The N+1
// warning fires only when the count lands exactly on the threshold, so a
// sustained pattern does not warn on every subsequent call.
func (c *Collector) repeatCount(fp string) int {
	n := 0
	for _, w := range c.shapeWindow {
		if w == fp {
			n++
		}
	}
	return n
}

func (c *Collector) appendWarning(w Warning) {
	if len(c.warnings) >= c.cfg.MaxWarnings {
		// bounded list: drop the oldest half rather than one at a time
		keep := c.cfg.MaxWarnings / 2
		c.warnings = append(c.warnings[:0], c.warnings[len(c.warnings)-keep:]...)
	}
	c.warnings = append(c.warnings, w)
	c.logger.Warn("Performance warning",
		zap.String("kind", string(w.Kind)),
		zap.String("sql", w.RelatedSQL),
		zap.String("suggestion", w.Suggestion))
}

func suggestForSlowQuery(sqlText string) string {
	if cols := analyzer.ExtractClauseColumns(sqlText, analyzer.ClauseWhere); len(cols) > 0 {
		return fmt.Sprintf("add an index on the filtered column(s): %v", cols)
	}
	if cols := analyzer.ExtractClauseColumns(sqlText, analyzer.ClauseOrderBy); len(cols) > 0 {
		return fmt.Sprintf("add an index covering the sort column(s): %v", cols)
	}
	return "inspect the query plan; consider narrowing the selected columns"
}

// Report summarizes the retained window
func (c *Collector) Report() Report {
	c.mu.Lock()
	defer c.mu.Unlock()

	window := c.window()
	r := Report{
		TotalQueries:  c.totalQueries,
		WindowSamples: len(window),
		Warnings:      append([]Warning(nil), c.warnings...),
	}

	if len(window) == 0 {
		return r
	}

	durations := make([]float64, len(window))
	for i, m := range window {
		durations[i] = float64(m.Duration)
	}
	r.AvgDuration = time.Duration(stat.Mean(durations, nil))
	r.StdDevDuration = time.Duration(stat.StdDev(durations, nil))
	r.P95Duration = nearestRank(durations, 95)
	r.TopSlowQueries = c.topSlow(window)
	r.Recommendations = c.recommend(r)

	return r
}

// window returns the retained samples in insertion order
func (c *Collector) window() []QueryMetric {
	if !c.filled {
		return c.samples[:c.next]
	}
	out := make([]QueryMetric, 0, len(c.samples))
	out = append(out, c.samples[c.next:]...)
	out = append(out, c.samples[:c.next]...)
	return out
}

// nearestRank computes the pct-th percentile by the nearest-rank method:
// the ceil(pct/100*n)-th smallest sample, an exact order statistic of the
// window. Integer arithmetic keeps the rank stable across platforms.
func nearestRank(durations []float64, pct int) time.Duration {
	sorted := append([]float64(nil), durations...)
	sort.Float64s(sorted)

	rank := (len(sorted)*pct + 99) / 100
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return time.Duration(sorted[rank-1])
}

func (c *Collector) topSlow(window []QueryMetric) []SlowQuery {
	type agg struct {
		sql   string
		count int
		max   time.Duration
		total time.Duration
	}
	byShape := make(map[string]*agg)
	for _, m := range window {
		a, ok := byShape[m.Fingerprint]
		if !ok {
			a = &agg{sql: m.NormalizedSQL}
			byShape[m.Fingerprint] = a
		}
		a.count++
		a.total += m.Duration
		if m.Duration > a.max {
			a.max = m.Duration
		}
	}

	out := make([]SlowQuery, 0, len(byShape))
	for _, a := range byShape {
		out = append(out, SlowQuery{
			NormalizedSQL: a.sql,
			Count:         a.count,
			MaxDuration:   a.max,
			AvgDuration:   a.total / time.Duration(a.count),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MaxDuration != out[j].MaxDuration {
			return out[i].MaxDuration > out[j].MaxDuration
		}
		return out[i].NormalizedSQL < out[j].NormalizedSQL
	})
	if len(out) > c.cfg.TopSlowCount {
		out = out[:c.cfg.TopSlowCount]
	}
	return out
}

// recommend derives advisory text from the report. These are suggestions
// for a human, not actions the layer takes itself.
func (c *Collector) recommend(r Report) []string {
	var recs []string
	if r.P95Duration > c.cfg.SlowQueryThreshold {
		recs = append(recs, fmt.Sprintf(
			"p95 latency %s exceeds the slow-query threshold %s: review the top slow queries",
			r.P95Duration, c.cfg.SlowQueryThreshold))
	}
	for _, w := range r.Warnings {
		if w.Kind == WarnNPlusOne {
			recs = append(recs, "N+1 access patterns detected: batch per-row follow-up queries")
			break
		}
	}
	return recs
}

// SetSlowQueryThreshold replaces the slow-query threshold at runtime.
// Applies to every Track call after it returns; non-positive values are
// ignored.
func (c *Collector) SetSlowQueryThreshold(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.cfg.SlowQueryThreshold = d
	c.mu.Unlock()
}

// WarningCount reports how many warnings are currently retained
func (c *Collector) WarningCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.warnings)
}
