// Package pool manages a bounded set of reusable database connections with
// health probing and lifecycle tracking. Acquisition blocks when the pool
// is exhausted and fails after a configurable wait; the active connection
// count can never exceed the configured maximum.
package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/kyotosystems/quell/internal/clock"
	"github.com/kyotosystems/quell/internal/dbopen"
	"github.com/kyotosystems/quell/internal/qerrors"
)

// State is the lifecycle position of a pooled connection. A connection is
// in exactly one state at any instant; transitions belong to the pool.
type State int32

const (
	StateIdle State = iota
	StateActive
	StateBroken
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateBroken:
		return "broken"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Config tunes the pool
type Config struct {
	MinSize             int           `yaml:"min_size"`
	MaxSize             int           `yaml:"max_size"`
	AcquireTimeout      time.Duration `yaml:"acquire_timeout"`
	IdleTimeout         time.Duration `yaml:"idle_timeout"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	ProbeTimeout        time.Duration `yaml:"probe_timeout"`
}

// DefaultConfig returns the baseline pool tuning
func DefaultConfig() Config {
	return Config{
		MinSize:             2,
		MaxSize:             10,
		AcquireTimeout:      5 * time.Second,
		IdleTimeout:         5 * time.Minute,
		HealthCheckInterval: 30 * time.Second,
		ProbeTimeout:        2 * time.Second,
	}
}

// Stats is a snapshot of pool counters. Utilization is active/maxSize.
type Stats struct {
	Created     uint64  `json:"created"`
	Reused      uint64  `json:"reused"`
	Errors      uint64  `json:"errors"`
	ActiveCount int     `json:"active_count"`
	IdleCount   int     `json:"idle_count"`
	Utilization float64 `json:"utilization"`
}

// Conn is a tracked pooled connection handle
type Conn struct {
	ID        string
	raw       dbopen.Conn
	state     atomic.Int32
	createdAt time.Time
	lastUsed  atomic.Int64 // unix nanos
	useCount  atomic.Uint64
}

// State reports the connection's current lifecycle state
func (c *Conn) State() State {
	return State(c.state.Load())
}

// Run executes a statement on the underlying connection
func (c *Conn) Run(ctx context.Context, query string, params []any) (dbopen.Rows, error) {
	c.useCount.Add(1)
	return c.raw.Run(ctx, query, params)
}

// Pool is the bounded connection factory. Capacity is enforced with a
// token channel: every live connection holds exactly one slot token, so no
// interleaving of Acquire/Release can push the live count past MaxSize.
type Pool struct {
	logger *zap.Logger
	cfg    Config
	opener dbopen.Opener
	clk    clock.Clock

	idlec chan *Conn
	slots chan struct{}

	mu    sync.Mutex
	conns map[string]*Conn

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	active  atomic.Int32
	idle    atomic.Int32
	created atomic.Uint64
	reused  atomic.Uint64
	errs    atomic.Uint64
}

// New builds the pool, pre-opens MinSize connections and starts the health
// check loop.
func New(logger *zap.Logger, cfg Config, opener dbopen.Opener, clk clock.Clock) (*Pool, error) {
	def := DefaultConfig()
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.MinSize < 0 {
		cfg.MinSize = 0
	}
	if cfg.MinSize > cfg.MaxSize {
		cfg.MinSize = cfg.MaxSize
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = def.AcquireTimeout
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}

	p := &Pool{
		logger: logger,
		cfg:    cfg,
		opener: opener,
		clk:    clk,
		idlec:  make(chan *Conn, cfg.MaxSize),
		slots:  make(chan struct{}, cfg.MaxSize),
		conns:  make(map[string]*Conn),
		closed: make(chan struct{}),
	}
	for i := 0; i < cfg.MaxSize; i++ {
		p.slots <- struct{}{}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.AcquireTimeout)
	defer cancel()
	for i := 0; i < cfg.MinSize; i++ {
		<-p.slots
		c, err := p.open(ctx)
		if err != nil {
			p.returnSlot()
			p.Shutdown()
			return nil, err
		}
		p.idlec <- c
		p.idle.Add(1)
	}

	if cfg.HealthCheckInterval > 0 {
		p.wg.Add(1)
		go p.healthLoop()
	}

	logger.Info("Connection pool started",
		zap.Int("min_size", cfg.MinSize),
		zap.Int("max_size", cfg.MaxSize))

	return p, nil
}

// open creates and tracks a connection. The caller must already hold a
// slot token.
func (p *Pool) open(ctx context.Context) (*Conn, error) {
	raw, err := p.opener.Open(ctx)
	if err != nil {
		p.errs.Add(1)
		return nil, qerrors.Wrap(qerrors.TypeConnection, "open pooled connection", err)
	}
	c := &Conn{
		ID:        uuid.NewString(),
		raw:       raw,
		createdAt: p.clk.Now(),
	}
	c.state.Store(int32(StateIdle))
	c.lastUsed.Store(p.clk.Now().UnixNano())

	p.mu.Lock()
	p.conns[c.ID] = c
	p.mu.Unlock()
	p.created.Add(1)

	return c, nil
}

// Acquire returns a healthy connection, creating one when the pool has
// headroom, or blocking until a release frees one. It fails with
// ErrPoolTimeout after the configured wait, with the caller's context
// error on cancellation, and with ErrPoolClosed after shutdown.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	for {
		select {
		case <-p.closed:
			return nil, qerrors.ErrPoolClosed
		default:
		}

		// Fast path: an idle connection is waiting
		select {
		case c := <-p.idlec:
			p.idle.Add(-1)
			if got := p.takeIdle(c); got != nil {
				return got, nil
			}
			continue
		default:
		}

		// Headroom: open a fresh connection
		select {
		case <-p.slots:
			c, err := p.open(ctx)
			if err != nil {
				p.returnSlot()
				return nil, err
			}
			p.activate(c)
			return c, nil
		default:
		}

		// Exhausted: wait for a release, headroom, timeout or cancellation
		select {
		case c := <-p.idlec:
			p.idle.Add(-1)
			if got := p.takeIdle(c); got != nil {
				return got, nil
			}
		case <-p.slots:
			c, err := p.open(ctx)
			if err != nil {
				p.returnSlot()
				return nil, err
			}
			p.activate(c)
			return c, nil
		case <-timer.C:
			return nil, qerrors.ErrPoolTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.closed:
			return nil, qerrors.ErrPoolClosed
		}
	}
}

// takeIdle validates an idle connection pulled off the channel. Stale or
// already-destroyed connections are discarded and nil is returned so the
// caller retries.
func (p *Pool) takeIdle(c *Conn) *Conn {
	if c.State() != StateIdle {
		// destroyed underneath us during shutdown
		return nil
	}
	if p.cfg.IdleTimeout > 0 &&
		p.clk.Since(time.Unix(0, c.lastUsed.Load())) > p.cfg.IdleTimeout {
		p.destroy(c)
		return nil
	}
	p.activate(c)
	p.reused.Add(1)
	return c
}

func (p *Pool) activate(c *Conn) {
	c.state.Store(int32(StateActive))
	c.lastUsed.Store(p.clk.Now().UnixNano())
	p.active.Add(1)
}

// Release returns a connection after a lightweight health probe. A probe
// failure destroys the connection instead of pooling it; the replacement
// is created lazily by the next Acquire.
func (p *Pool) Release(c *Conn) {
	if c == nil || c.State() != StateActive {
		return
	}
	p.active.Add(-1)

	probeCtx, cancel := context.WithTimeout(context.Background(), p.cfg.ProbeTimeout)
	err := c.raw.Ping(probeCtx)
	cancel()
	if err != nil {
		c.state.Store(int32(StateBroken))
		p.errs.Add(1)
		p.logger.Warn("Connection failed release probe, destroying",
			zap.String("id", c.ID),
			zap.Error(err))
		p.destroy(c)
		return
	}

	c.state.Store(int32(StateIdle))
	c.lastUsed.Store(p.clk.Now().UnixNano())

	select {
	case <-p.closed:
		p.destroy(c)
	case p.idlec <- c:
		p.idle.Add(1)
	}
}

// destroy closes a connection, removes it from tracking and frees its
// capacity slot.
func (p *Pool) destroy(c *Conn) {
	c.state.Store(int32(StateDestroyed))
	if err := c.raw.Close(); err != nil {
		p.logger.Debug("Close on destroyed connection", zap.String("id", c.ID), zap.Error(err))
	}

	p.mu.Lock()
	delete(p.conns, c.ID)
	p.mu.Unlock()

	p.returnSlot()
}

func (p *Pool) returnSlot() {
	select {
	case p.slots <- struct{}{}:
	default:
	}
}

func (p *Pool) healthLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.closed:
			return
		case <-ticker.C:
			p.checkIdleConnections()
		}
	}
}

// checkIdleConnections probes every currently idle connection, destroying
// the broken and the idle-expired, then replenishes to MinSize.
func (p *Pool) checkIdleConnections() {
	var held []*Conn
	for {
		select {
		case c := <-p.idlec:
			p.idle.Add(-1)
			held = append(held, c)
			continue
		default:
		}
		break
	}

	for _, c := range held {
		if c.State() != StateIdle {
			continue
		}
		if p.cfg.IdleTimeout > 0 &&
			p.clk.Since(time.Unix(0, c.lastUsed.Load())) > p.cfg.IdleTimeout {
			p.destroy(c)
			continue
		}
		probeCtx, cancel := context.WithTimeout(context.Background(), p.cfg.ProbeTimeout)
		err := c.raw.Ping(probeCtx)
		cancel()
		if err != nil {
			c.state.Store(int32(StateBroken))
			p.errs.Add(1)
			p.destroy(c)
			continue
		}
		select {
		case p.idlec <- c:
			p.idle.Add(1)
		case <-p.closed:
			p.destroy(c)
		}
	}

	p.replenish()
}

// replenish opens connections until MinSize live connections exist
func (p *Pool) replenish() {
	for {
		p.mu.Lock()
		total := len(p.conns)
		p.mu.Unlock()
		if total >= p.cfg.MinSize {
			return
		}

		select {
		case <-p.slots:
		default:
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.AcquireTimeout)
		c, err := p.open(ctx)
		cancel()
		if err != nil {
			p.returnSlot()
			p.logger.Warn("Replenish failed", zap.Error(err))
			return
		}
		select {
		case p.idlec <- c:
			p.idle.Add(1)
		case <-p.closed:
			p.destroy(c)
			return
		}
	}
}

// Stats returns a snapshot of the pool counters
func (p *Pool) Stats() Stats {
	active := int(p.active.Load())
	return Stats{
		Created:     p.created.Load(),
		Reused:      p.reused.Load(),
		Errors:      p.errs.Load(),
		ActiveCount: active,
		IdleCount:   int(p.idle.Load()),
		Utilization: float64(active) / float64(p.cfg.MaxSize),
	}
}

// Shutdown drains the pool, destroys every tracked connection and makes
// pending and future Acquire calls fail immediately.
func (p *Pool) Shutdown() error {
	var errs error

	p.closeOnce.Do(func() {
		close(p.closed)
		p.wg.Wait()

		for {
			select {
			case c := <-p.idlec:
				p.idle.Add(-1)
				p.destroy(c)
				continue
			default:
			}
			break
		}

		// Connections still checked out are closed in place; their later
		// Release sees a non-active state and becomes a no-op.
		p.mu.Lock()
		remaining := make([]*Conn, 0, len(p.conns))
		for _, c := range p.conns {
			remaining = append(remaining, c)
		}
		p.conns = make(map[string]*Conn)
		p.mu.Unlock()

		for _, c := range remaining {
			c.state.Store(int32(StateDestroyed))
			if err := c.raw.Close(); err != nil {
				errs = multierr.Append(errs, err)
			}
		}

		p.logger.Info("Connection pool shut down",
			zap.Int("destroyed", len(remaining)))
	})

	return errs
}
