// Package dbopen defines the connection-opening capability consumed by the
// pool and optimizer, plus its production implementation on database/sql.
package dbopen

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kyotosystems/quell/internal/analyzer"
	"github.com/kyotosystems/quell/internal/qerrors"
)

// Rows is the generic result shape handed back to callers: one map per row,
// keyed by column name.
type Rows []map[string]any

// Conn is a single live database connection handle
type Conn interface {
	// Run executes a statement with ordered bind parameters
	Run(ctx context.Context, query string, params []any) (Rows, error)
	// Ping is the lightweight liveness probe used by the pool
	Ping(ctx context.Context) error
	Close() error
}

// Opener produces connections. Implementations are injected into the pool
// so tests can substitute in-memory fakes.
type Opener interface {
	Open(ctx context.Context) (Conn, error)
	Close() error
}

// SQLConfig configures the database/sql-backed opener
type SQLConfig struct {
	Driver         string        `yaml:"driver"`
	DSN            string        `yaml:"dsn"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// StmtCacheSize bounds the prepared statements cached per connection
	StmtCacheSize int `yaml:"stmt_cache_size"`
}

// DefaultSQLConfig returns an in-memory sqlite setup, matching what the
// test and bench tooling use.
func DefaultSQLConfig() SQLConfig {
	return SQLConfig{
		Driver:         "sqlite3",
		DSN:            ":memory:",
		ConnectTimeout: 10 * time.Second,
		StmtCacheSize:  128,
	}
}

// SQLOpener opens connections from a database/sql handle. The handle's own
// pooling is left unbounded: lifecycle and bounding live in the pool
// package, which owns every Conn this opener returns.
type SQLOpener struct {
	logger *zap.Logger
	cfg    SQLConfig
	db     *sql.DB
}

// NewSQLOpener opens and verifies the underlying database handle
func NewSQLOpener(logger *zap.Logger, cfg SQLConfig) (*SQLOpener, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, qerrors.Wrap(qerrors.TypeConnection, "open database", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, qerrors.Wrap(qerrors.TypeConnection, "ping database", err)
	}

	logger.Info("Database handle opened",
		zap.String("driver", cfg.Driver))

	return &SQLOpener{logger: logger, cfg: cfg, db: db}, nil
}

// Open checks a dedicated connection out of the database handle
func (o *SQLOpener) Open(ctx context.Context) (Conn, error) {
	conn, err := o.db.Conn(ctx)
	if err != nil {
		return nil, qerrors.Wrap(qerrors.TypeConnection, "checkout connection", err)
	}
	return &sqlConn{conn: conn, stmts: newStmtCache(o.cfg.StmtCacheSize)}, nil
}

// Close releases the underlying database handle
func (o *SQLOpener) Close() error {
	return o.db.Close()
}

type sqlConn struct {
	conn  *sql.Conn
	stmts *stmtCache
}

func (c *sqlConn) Run(ctx context.Context, query string, params []any) (Rows, error) {
	stmt, err := c.stmts.prepare(ctx, c.conn, query)
	if err != nil {
		return nil, qerrors.Wrap(qerrors.TypeExecution, "prepare statement", err)
	}

	switch analyzer.Classify(query) {
	case analyzer.ShapeInsert, analyzer.ShapeUpdate, analyzer.ShapeDelete, analyzer.ShapeUnknown:
		res, err := stmt.ExecContext(ctx, params...)
		if err != nil {
			return nil, qerrors.Wrap(qerrors.TypeExecution, "execute statement", err)
		}
		affected, _ := res.RowsAffected()
		return Rows{{"rows_affected": affected}}, nil
	default:
		rows, err := stmt.QueryContext(ctx, params...)
		if err != nil {
			return nil, qerrors.Wrap(qerrors.TypeExecution, "execute query", err)
		}
		defer rows.Close()
		return scanRows(rows)
	}
}

func (c *sqlConn) Ping(ctx context.Context) error {
	return c.conn.PingContext(ctx)
}

func (c *sqlConn) Close() error {
	c.stmts.close()
	return c.conn.Close()
}

// stmtCache holds the prepared statements of a single connection, keyed
// by normalized SQL. A *sql.Stmt prepared on a sql.Conn is bound to that
// connection, so the cache lives and dies with it. Bounded; when full
// the least recently used statement is closed and evicted.
type stmtCache struct {
	mu      sync.Mutex
	stmts   map[string]*preparedStmt
	maxSize int

	hits    atomic.Uint64
	misses  atomic.Uint64
	evicted atomic.Uint64
}

type preparedStmt struct {
	stmt     *sql.Stmt
	lastUsed int64 // unix nanos, guarded by stmtCache.mu
}

func newStmtCache(maxSize int) *stmtCache {
	if maxSize <= 0 {
		maxSize = DefaultSQLConfig().StmtCacheSize
	}
	return &stmtCache{
		stmts:   make(map[string]*preparedStmt, maxSize),
		maxSize: maxSize,
	}
}

// prepare returns the cached statement for query, preparing and caching
// it on first use. Whitespace and case variants of one statement share
// an entry through normalization.
func (sc *stmtCache) prepare(ctx context.Context, conn *sql.Conn, query string) (*sql.Stmt, error) {
	key := analyzer.Normalize(query)
	now := time.Now().UnixNano()

	sc.mu.Lock()
	if ps, ok := sc.stmts[key]; ok {
		ps.lastUsed = now
		sc.mu.Unlock()
		sc.hits.Add(1)
		return ps.stmt, nil
	}
	sc.mu.Unlock()
	sc.misses.Add(1)

	stmt, err := conn.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}

	sc.mu.Lock()
	if ps, ok := sc.stmts[key]; ok {
		// lost a race with another prepare of the same statement
		ps.lastUsed = now
		sc.mu.Unlock()
		stmt.Close()
		return ps.stmt, nil
	}
	if len(sc.stmts) >= sc.maxSize {
		sc.evictOldestLocked()
	}
	sc.stmts[key] = &preparedStmt{stmt: stmt, lastUsed: now}
	sc.mu.Unlock()

	return stmt, nil
}

// evictOldestLocked closes and removes the least recently used statement.
// Caller holds sc.mu.
func (sc *stmtCache) evictOldestLocked() {
	var victimKey string
	var victimAge int64
	for key, ps := range sc.stmts {
		if victimKey == "" || ps.lastUsed < victimAge {
			victimKey = key
			victimAge = ps.lastUsed
		}
	}
	if victimKey == "" {
		return
	}
	sc.stmts[victimKey].stmt.Close()
	delete(sc.stmts, victimKey)
	sc.evicted.Add(1)
}

func (sc *stmtCache) len() int {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return len(sc.stmts)
}

func (sc *stmtCache) close() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	for _, ps := range sc.stmts {
		ps.stmt.Close()
	}
	sc.stmts = make(map[string]*preparedStmt)
}

// scanRows materializes a result set into generic row maps
func scanRows(rows *sql.Rows) (Rows, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, qerrors.Wrap(qerrors.TypeExecution, "read columns", err)
	}

	var out Rows
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, qerrors.Wrap(qerrors.TypeExecution, "scan row", err)
		}

		row := make(map[string]any, len(cols))
		for i, col := range cols {
			v := vals[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[col] = v
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, qerrors.Wrap(qerrors.TypeExecution, "iterate rows", err)
	}
	return out, nil
}
