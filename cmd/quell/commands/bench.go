package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kyotosystems/quell/internal/clock"
	"github.com/kyotosystems/quell/internal/config"
	"github.com/kyotosystems/quell/internal/dbopen"
	"github.com/kyotosystems/quell/internal/optimizer"
)

var (
	benchQueries int
	benchKeys    int
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Run a caching workload against an in-memory database",
	Long: `Run a read-heavy workload through the full optimization pipeline
against an in-memory SQLite database and print the resulting report.
Useful for sanity-checking cache and pool tuning before deploying.`,
	RunE: runBench,
}

func init() {
	rootCmd.AddCommand(benchCmd)
	benchCmd.Flags().IntVar(&benchQueries, "queries", 10000, "total queries to issue")
	benchCmd.Flags().IntVar(&benchKeys, "keys", 100, "distinct parameter values, lower means more cache hits")
}

func runBench(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	cfg.Database = dbopen.SQLConfig{Driver: "sqlite3", DSN: ":memory:", ConnectTimeout: 5 * time.Second}
	// In-memory SQLite is a single database per connection, keep one
	cfg.Pool.MinSize = 1
	cfg.Pool.MaxSize = 1

	logger := zap.NewNop()
	ctx := context.Background()

	opener, err := dbopen.NewSQLOpener(logger, cfg.Database)
	if err != nil {
		return err
	}
	defer opener.Close()

	opt, err := optimizer.New(logger, cfg, opener, clock.System())
	if err != nil {
		return err
	}
	defer opt.Shutdown()

	if err := seedBenchSchema(ctx, opt); err != nil {
		return err
	}

	fmt.Printf("Running %s queries over %d distinct keys\n",
		humanize.Comma(int64(benchQueries)), benchKeys)

	start := time.Now()
	for i := 0; i < benchQueries; i++ {
		id := i % benchKeys
		if _, err := opt.Execute(ctx, "SELECT id, name FROM items WHERE id = ?", id); err != nil {
			return fmt.Errorf("query %d: %w", i, err)
		}
	}
	elapsed := time.Since(start)

	report := opt.Report()
	qps := float64(benchQueries) / elapsed.Seconds()

	fmt.Printf("\nCompleted in %s (%s queries/sec)\n",
		elapsed.Round(time.Millisecond), humanize.CommafWithDigits(qps, 0))
	fmt.Printf("Cache: %s hits, %s misses (%.1f%% hit rate), %d entries\n",
		humanize.Comma(int64(report.Cache.Hits)),
		humanize.Comma(int64(report.Cache.Misses)),
		report.Cache.HitRate()*100,
		report.Cache.Size)
	fmt.Printf("Pool: %s created, %s reused\n",
		humanize.Comma(int64(report.Pool.Created)),
		humanize.Comma(int64(report.Pool.Reused)))
	fmt.Printf("Latency: avg %s, p95 %s over the last %d samples\n",
		report.Metrics.AvgDuration, report.Metrics.P95Duration, report.Metrics.WindowSamples)

	for _, w := range report.Metrics.Warnings {
		fmt.Printf("Warning [%s]: %s\n", w.Kind, w.Message)
	}
	for _, r := range report.Recommendations {
		fmt.Printf("Recommendation: %s\n", r)
	}
	return nil
}

func seedBenchSchema(ctx context.Context, opt *optimizer.Optimizer) error {
	if _, err := opt.Execute(ctx, "CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT)"); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	for i := 0; i < benchKeys; i++ {
		if _, err := opt.Execute(ctx, "INSERT INTO items (id, name) VALUES (?, ?)", i, fmt.Sprintf("item-%d", i)); err != nil {
			return fmt.Errorf("seed row %d: %w", i, err)
		}
	}
	return nil
}
