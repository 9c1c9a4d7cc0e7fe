package metrics

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kyotosystems/quell/internal/clock"
)

func newTestCollector(cfg Config) *Collector {
	return NewCollector(zap.NewNop(), cfg, clock.NewFake(time.Unix(1700000000, 0)))
}

func TestCollector_SlowQueryWarning(t *testing.T) {
	c := newTestCollector(Config{SlowQueryThreshold: 100 * time.Millisecond, N1MinRepeats: 100})

	c.Track("SELECT * FROM users WHERE id = 1", 50*time.Millisecond, nil)
	assert.Equal(t, 0, c.WarningCount(), "fast query warns nothing")

	c.Track("SELECT * FROM users WHERE id = 2", 200*time.Millisecond, nil)
	assert.Equal(t, 1, c.WarningCount(), "exactly one warning per slow call")

	r := c.Report()
	require.Len(t, r.Warnings, 1)
	w := r.Warnings[0]
	assert.Equal(t, WarnSlowQuery, w.Kind)
	assert.Contains(t, w.Suggestion, "id", "suggestion names the filtered column")
}

func TestCollector_SlowQueryThresholdBoundary(t *testing.T) {
	c := newTestCollector(Config{SlowQueryThreshold: 100 * time.Millisecond, N1MinRepeats: 100})

	// exactly at the threshold is not over it
	c.Track("SELECT 1", 100*time.Millisecond, nil)
	assert.Equal(t, 0, c.WarningCount())
}

func TestCollector_SetSlowQueryThresholdAtRuntime(t *testing.T) {
	c := newTestCollector(Config{SlowQueryThreshold: time.Second, N1MinRepeats: 100})

	c.Track("SELECT 1", 200*time.Millisecond, nil)
	assert.Equal(t, 0, c.WarningCount(), "under the original threshold")

	c.SetSlowQueryThreshold(100 * time.Millisecond)
	c.Track("SELECT 1", 200*time.Millisecond, nil)
	assert.Equal(t, 1, c.WarningCount(), "lowered threshold applies to later calls")

	// non-positive values are ignored
	c.SetSlowQueryThreshold(0)
	c.Track("SELECT 1", 200*time.Millisecond, nil)
	assert.Equal(t, 2, c.WarningCount())
}

func TestCollector_TrackCopiesParams(t *testing.T) {
	c := newTestCollector(Config{SlowQueryThreshold: time.Hour, N1MinRepeats: 100})

	params := []any{"open", 7}
	c.Track("SELECT * FROM orders WHERE status = ? AND org = ?", time.Millisecond, params)
	params[0] = "mutated"

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Equal(t, []any{"open", 7}, c.samples[0].Params,
		"retained sample is unaffected by caller mutation")
}

func TestCollector_NPlusOneDetection(t *testing.T) {
	c := newTestCollector(Config{
		SlowQueryThreshold: time.Hour,
		N1WindowSize:       20,
		N1MinRepeats:       3,
	})

	// minRepeats-1 occurrences: silent
	c.Track("SELECT * FROM orders WHERE user_id = 1", time.Millisecond, nil)
	c.Track("SELECT * FROM orders WHERE user_id = 2", time.Millisecond, nil)
	assert.Equal(t, 0, c.WarningCount())

	// the minRepeats-th occurrence fires exactly one warning
	c.Track("SELECT * FROM orders WHERE user_id = 3", time.Millisecond, nil)
	assert.Equal(t, 1, c.WarningCount())

	r := c.Report()
	assert.Equal(t, WarnNPlusOne, r.Warnings[0].Kind)

	// staying above the threshold does not re-warn every call
	c.Track("SELECT * FROM orders WHERE user_id = 4", time.Millisecond, nil)
	assert.Equal(t, 1, c.WarningCount())
}

func TestCollector_NPlusOneWindowSlide(t *testing.T) {
	c := newTestCollector(Config{
		SlowQueryThreshold: time.Hour,
		N1WindowSize:       3,
		N1MinRepeats:       3,
	})

	c.Track("SELECT * FROM orders WHERE user_id = 1", time.Millisecond, nil)
	c.Track("SELECT * FROM users WHERE id = 9", time.Millisecond, nil)
	c.Track("SELECT * FROM orders WHERE user_id = 2", time.Millisecond, nil)
	c.Track("SELECT * FROM orders WHERE user_id = 3", time.Millisecond, nil)
	// window is the trailing 3: [orders, orders, orders] only after the
	// unrelated query slid out
	assert.Equal(t, 0, c.WarningCount())

	c.Track("SELECT * FROM orders WHERE user_id = 4", time.Millisecond, nil)
	assert.Equal(t, 1, c.WarningCount())
}

func TestCollector_RingBufferBound(t *testing.T) {
	c := newTestCollector(Config{RetainedSamples: 8, SlowQueryThreshold: time.Hour, N1MinRepeats: 1000, N1WindowSize: 4})

	for i := 0; i < 50; i++ {
		c.Track(fmt.Sprintf("SELECT %d", i), time.Duration(i)*time.Millisecond, nil)
	}

	r := c.Report()
	assert.Equal(t, uint64(50), r.TotalQueries)
	assert.Equal(t, 8, r.WindowSamples, "only the retained window is kept")
}

func TestCollector_PercentileNearestRank(t *testing.T) {
	c := newTestCollector(Config{RetainedSamples: 100, SlowQueryThreshold: time.Hour, N1MinRepeats: 1000})

	// 1ms..20ms: nearest-rank p95 over 20 samples is the 19th smallest
	for i := 1; i <= 20; i++ {
		c.Track(fmt.Sprintf("SELECT col%d FROM t", i), time.Duration(i)*time.Millisecond, nil)
	}

	r := c.Report()
	assert.Equal(t, 19*time.Millisecond, r.P95Duration)
	assert.Equal(t, time.Duration(10500)*time.Microsecond, r.AvgDuration)
}

func TestCollector_TopSlowQueries(t *testing.T) {
	c := newTestCollector(Config{RetainedSamples: 100, SlowQueryThreshold: time.Hour, N1MinRepeats: 1000, TopSlowCount: 2})

	c.Track("SELECT * FROM a WHERE x = 1", 10*time.Millisecond, nil)
	c.Track("SELECT * FROM a WHERE x = 2", 30*time.Millisecond, nil)
	c.Track("SELECT * FROM b", 20*time.Millisecond, nil)
	c.Track("SELECT * FROM c", 5*time.Millisecond, nil)

	r := c.Report()
	require.Len(t, r.TopSlowQueries, 2)
	assert.Equal(t, "select * from a where x = 1", r.TopSlowQueries[0].NormalizedSQL)
	assert.Equal(t, 2, r.TopSlowQueries[0].Count)
	assert.Equal(t, 30*time.Millisecond, r.TopSlowQueries[0].MaxDuration)
	assert.Equal(t, 20*time.Millisecond, r.TopSlowQueries[0].AvgDuration)
	assert.Equal(t, "select * from b", r.TopSlowQueries[1].NormalizedSQL)
}

func TestCollector_EmptyReport(t *testing.T) {
	c := newTestCollector(Config{})

	r := c.Report()
	assert.Zero(t, r.TotalQueries)
	assert.Zero(t, r.P95Duration)
	assert.Empty(t, r.TopSlowQueries)
	assert.Empty(t, r.Warnings)
}

func TestCollector_WarningListBounded(t *testing.T) {
	c := newTestCollector(Config{SlowQueryThreshold: time.Millisecond, MaxWarnings: 10, N1MinRepeats: 1000})

	for i := 0; i < 100; i++ {
		c.Track(fmt.Sprintf("SELECT %d FROM t", i), time.Second, nil)
	}
	assert.LessOrEqual(t, c.WarningCount(), 10)
}
