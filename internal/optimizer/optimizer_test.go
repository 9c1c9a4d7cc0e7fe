package optimizer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kyotosystems/quell/internal/analyzer"
	"github.com/kyotosystems/quell/internal/clock"
	"github.com/kyotosystems/quell/internal/config"
	"github.com/kyotosystems/quell/internal/dbopen"
	"github.com/kyotosystems/quell/internal/qerrors"
)

// stubBackend stands in for the database. All connections opened by
// stubOpener run against the same backend so call counts are global.
type stubBackend struct {
	mu     sync.Mutex
	runs   int
	rows   dbopen.Rows
	runErr error
	gate   chan struct{} // when set, Run blocks until closed
}

func (b *stubBackend) run() (dbopen.Rows, error) {
	b.mu.Lock()
	gate := b.gate
	b.mu.Unlock()
	if gate != nil {
		<-gate
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.runs++
	if b.runErr != nil {
		return nil, b.runErr
	}
	return b.rows, nil
}

func (b *stubBackend) runCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.runs
}

type stubConn struct{ backend *stubBackend }

func (c *stubConn) Run(ctx context.Context, query string, params []any) (dbopen.Rows, error) {
	return c.backend.run()
}
func (c *stubConn) Ping(ctx context.Context) error { return nil }
func (c *stubConn) Close() error                   { return nil }

type stubOpener struct{ backend *stubBackend }

func (o *stubOpener) Open(ctx context.Context) (dbopen.Conn, error) {
	return &stubConn{backend: o.backend}, nil
}
func (o *stubOpener) Close() error { return nil }

func newTestOptimizer(t *testing.T, mutate func(*config.Config)) (*Optimizer, *stubBackend) {
	t.Helper()

	cfg := config.Default()
	cfg.Pool.MinSize = 0
	cfg.Pool.MaxSize = 4
	cfg.Pool.AcquireTimeout = 2 * time.Second
	cfg.Optimizer.CleanupInterval = 0
	if mutate != nil {
		mutate(&cfg)
	}

	backend := &stubBackend{rows: dbopen.Rows{{"id": int64(1)}}}
	o, err := New(zap.NewNop(), cfg, &stubOpener{backend: backend}, clock.System())
	require.NoError(t, err)
	t.Cleanup(func() { o.Shutdown() })
	return o, backend
}

func TestExecute_RepeatedReadHitsCache(t *testing.T) {
	o, backend := newTestOptimizer(t, nil)
	ctx := context.Background()

	first, err := o.Execute(ctx, "SELECT * FROM users WHERE id = ?", 7)
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, analyzer.ShapeSelect, first.Shape)
	assert.Equal(t, backend.rows, first.Rows)

	for i := 0; i < 9; i++ {
		res, err := o.Execute(ctx, "select  *  from users where id = ?", 7)
		require.NoError(t, err)
		assert.True(t, res.Cached)
		assert.Equal(t, backend.rows, res.Rows)
	}

	assert.Equal(t, 1, backend.runCount(), "normalized duplicates share one database call")
}

func TestExecute_DistinctParamsMissSeparately(t *testing.T) {
	o, backend := newTestOptimizer(t, nil)
	ctx := context.Background()

	_, err := o.Execute(ctx, "SELECT * FROM users WHERE id = ?", 1)
	require.NoError(t, err)
	_, err = o.Execute(ctx, "SELECT * FROM users WHERE id = ?", 2)
	require.NoError(t, err)

	assert.Equal(t, 2, backend.runCount())
}

func TestExecute_WritesBypassCache(t *testing.T) {
	o, backend := newTestOptimizer(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := o.Execute(ctx, "UPDATE users SET name = ? WHERE id = ?", "a", 1)
		require.NoError(t, err)
		assert.False(t, res.Cached)
		assert.Equal(t, analyzer.ShapeUpdate, res.Shape)
	}
	assert.Equal(t, 3, backend.runCount(), "writes are never served from cache")
	assert.Equal(t, 0, o.Cache().Stats().Size)
}

func TestExecute_CacheDisabled(t *testing.T) {
	o, backend := newTestOptimizer(t, func(c *config.Config) {
		c.Optimizer.CacheEnabled = false
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := o.Execute(ctx, "SELECT * FROM users")
		require.NoError(t, err)
		assert.False(t, res.Cached)
	}
	assert.Equal(t, 3, backend.runCount())
}

func TestExecute_ErrorPropagatesUncachedAndReleases(t *testing.T) {
	o, backend := newTestOptimizer(t, nil)
	backend.runErr = qerrors.New(qerrors.TypeExecution, "syntax error near FROM")
	ctx := context.Background()

	_, err := o.Execute(ctx, "SELECT * FROM users")
	require.Error(t, err)
	assert.True(t, qerrors.IsType(err, qerrors.TypeExecution))
	assert.Equal(t, 0, o.Cache().Stats().Size, "failed results are not cached")
	assert.Equal(t, 0, o.Pool().Stats().ActiveCount, "connection returned on error")

	// A later retry reaches the database again
	backend.mu.Lock()
	backend.runErr = nil
	backend.mu.Unlock()

	res, err := o.Execute(ctx, "SELECT * FROM users")
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Equal(t, 2, backend.runCount())
}

func TestExecute_SingleFlightCollapsesConcurrentMisses(t *testing.T) {
	o, backend := newTestOptimizer(t, nil)
	gate := make(chan struct{})
	backend.gate = gate
	ctx := context.Background()

	const callers = 8
	var wg sync.WaitGroup
	results := make(chan Result, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := o.Execute(ctx, "SELECT * FROM orders WHERE status = ?", "open")
			if assert.NoError(t, err) {
				results <- res
			}
		}()
	}

	time.Sleep(100 * time.Millisecond)
	close(gate)
	wg.Wait()
	close(results)

	for res := range results {
		assert.Equal(t, backend.rows, res.Rows)
	}
	assert.Equal(t, 1, backend.runCount(), "concurrent misses collapse to one call")
}

func TestInvalidate(t *testing.T) {
	o, backend := newTestOptimizer(t, nil)
	ctx := context.Background()

	_, err := o.Execute(ctx, "SELECT * FROM users WHERE id = ?", 1)
	require.NoError(t, err)

	o.Invalidate("SELECT * FROM users WHERE id = ?", 1)

	res, err := o.Execute(ctx, "SELECT * FROM users WHERE id = ?", 1)
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Equal(t, 2, backend.runCount())
}

func TestApplyTunables_CacheTTL(t *testing.T) {
	cfg := config.Default()
	cfg.Pool.MinSize = 0
	cfg.Pool.MaxSize = 4
	cfg.Optimizer.CleanupInterval = 0
	cfg.Cache.TTL = time.Minute
	cfg.Cache.L2Enabled = false

	backend := &stubBackend{rows: dbopen.Rows{{"id": int64(1)}}}
	clk := clock.NewFake(time.Unix(1700000000, 0))
	o, err := New(zap.NewNop(), cfg, &stubOpener{backend: backend}, clk)
	require.NoError(t, err)
	t.Cleanup(func() { o.Shutdown() })
	ctx := context.Background()

	_, err = o.Execute(ctx, "SELECT * FROM a")
	require.NoError(t, err)

	next := cfg
	next.Cache.TTL = time.Second
	o.ApplyTunables(next)

	_, err = o.Execute(ctx, "SELECT * FROM b")
	require.NoError(t, err)

	clk.Advance(5 * time.Second)

	res, err := o.Execute(ctx, "SELECT * FROM a")
	require.NoError(t, err)
	assert.True(t, res.Cached, "entry stored before the change keeps its expiry")

	res, err = o.Execute(ctx, "SELECT * FROM b")
	require.NoError(t, err)
	assert.False(t, res.Cached, "entry stored after the change expired under the new TTL")
	assert.Equal(t, 3, backend.runCount())
}

type recordingObserver struct {
	mu     sync.Mutex
	shapes []analyzer.Shape
	cached []bool
}

func (r *recordingObserver) ObserveQuery(shape analyzer.Shape, cached bool, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shapes = append(r.shapes, shape)
	r.cached = append(r.cached, cached)
}

func TestObserverSeesEveryQuery(t *testing.T) {
	o, _ := newTestOptimizer(t, nil)
	obs := &recordingObserver{}
	o.AddObserver(obs)
	ctx := context.Background()

	_, err := o.Execute(ctx, "SELECT * FROM users")
	require.NoError(t, err)
	_, err = o.Execute(ctx, "SELECT * FROM users")
	require.NoError(t, err)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.Len(t, obs.shapes, 2)
	assert.Equal(t, []bool{false, true}, obs.cached)
}

func TestReport(t *testing.T) {
	o, _ := newTestOptimizer(t, nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := o.Execute(ctx, "SELECT * FROM users WHERE id = ?", i)
		require.NoError(t, err)
	}

	r := o.Report()
	assert.False(t, r.GeneratedAt.IsZero())
	assert.Equal(t, uint64(4), r.Metrics.TotalQueries)
	assert.Equal(t, 4, r.Cache.Size)
	assert.Equal(t, 0, r.Pool.ActiveCount)
}

func TestReport_DisabledCacheRecommendation(t *testing.T) {
	o, _ := newTestOptimizer(t, func(c *config.Config) {
		c.Optimizer.CacheEnabled = false
	})
	_, err := o.Execute(context.Background(), "SELECT 1")
	require.NoError(t, err)

	r := o.Report()
	require.NotEmpty(t, r.Recommendations)
	assert.Contains(t, r.Recommendations[0], "caching is disabled")
}

func TestShutdownIdempotent(t *testing.T) {
	o, _ := newTestOptimizer(t, nil)
	require.NoError(t, o.Shutdown())
	require.NoError(t, o.Shutdown())

	_, err := o.Execute(context.Background(), "SELECT 1")
	assert.ErrorIs(t, err, qerrors.ErrPoolClosed)
}
