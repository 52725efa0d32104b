package client

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// PoolStats is a point-in-time snapshot of a ConnectionPool.
type PoolStats struct {
	Open  int
	Idle  int
	InUse int

	Waits    int64
	WaitTime time.Duration
	Reused   int64
	Created  int64

	Timeouts  int64
	Errors    int64
	Discarded int64
	Dropped   int64
	Reaped    int64
}

// Map renders the snapshot for debug output.
func (s PoolStats) Map() map[string]interface{} {
	return map[string]interface{}{
		"open":      s.Open,
		"idle":      s.Idle,
		"inUse":     s.InUse,
		"waits":     s.Waits,
		"waitTime":  s.WaitTime.String(),
		"hits":      s.Reused,
		"misses":    s.Created,
		"timeouts":  s.Timeouts,
		"errors":    s.Errors,
		"discarded": s.Discarded,
		"dropped":   s.Dropped,
		"reaped":    s.Reaped,
	}
}

type poolCounters struct {
	waits     atomic.Int64
	waitNanos atomic.Int64
	reused    atomic.Int64
	created   atomic.Int64
	timeouts  atomic.Int64
	errors    atomic.Int64
	discarded atomic.Int64
	dropped   atomic.Int64
	reaped    atomic.Int64
}

// ConnectionPool is a Pool over any ManagedConn factory. Drivers that ship
// their own pool (pgxpool) implement Pool directly instead.
//
// Every checked-out connection holds one of maxOpen slots, and a new
// connection is only dialed when no idle one is left, so the number of open
// connections never exceeds maxOpen. Idle connections are reused most
// recently returned first; the oldest ones are reaped once they sit unused
// for longer than idleTimeout, down to minIdle.
type ConnectionPool struct {
	connect     func(ctx context.Context) (ManagedConn, error)
	minIdle     int
	maxOpen     int
	idleTimeout time.Duration
	healthEvery time.Duration
	logger      Logger

	slots *semaphore.Weighted

	mu     sync.Mutex
	idle   []ManagedConn
	inUse  int
	closed bool

	counters poolCounters

	stop     context.Context
	shutdown context.CancelFunc
	done     chan struct{}
	started  atomic.Bool
}

// NewConnectionPool creates a pool of at most maxOpen connections dialed by
// connect. Initialize must be called before the first Checkout.
func NewConnectionPool(
	connect func(ctx context.Context) (ManagedConn, error),
	minIdle, maxOpen int,
	idleTimeout, healthCheckInterval time.Duration,
	logger Logger,
) *ConnectionPool {
	maxOpen = max(maxOpen, 1)
	minIdle = min(max(minIdle, 0), maxOpen)
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Second
	}
	if healthCheckInterval <= 0 {
		healthCheckInterval = 30 * time.Second
	}
	if logger == nil {
		logger = NewNoopLogger()
	}

	stop, shutdown := context.WithCancel(context.Background())
	return &ConnectionPool{
		connect:     connect,
		minIdle:     minIdle,
		maxOpen:     maxOpen,
		idleTimeout: idleTimeout,
		healthEvery: healthCheckInterval,
		logger:      logger,
		slots:       semaphore.NewWeighted(int64(maxOpen)),
		stop:        stop,
		shutdown:    shutdown,
		done:        make(chan struct{}),
	}
}

// NewConnectionPoolFromOptions creates a pool sized by the pool fields of opts.
func NewConnectionPoolFromOptions(connect func(ctx context.Context) (ManagedConn, error), opts ClientOptions) *ConnectionPool {
	opts = opts.normalize()
	return NewConnectionPool(connect, opts.PoolMinSize, opts.PoolMaxSize,
		opts.PoolIdleTimeout, opts.HealthCheckInterval, opts.Logger)
}

// Initialize dials minIdle connections and starts background maintenance.
func (p *ConnectionPool) Initialize(ctx context.Context) error {
	if p.stop.Err() != nil {
		return ErrPoolClosed()
	}

	fresh := make([]ManagedConn, 0, p.minIdle)
	for i := 0; i < p.minIdle; i++ {
		conn, err := p.connect(ctx)
		if err != nil {
			closeAll(fresh)
			return &ConnectionError{
				Code:      "E_CONNECT_FAILED",
				Type:      "CONNECTION_ERROR",
				Message:   "failed to create initial connection",
				Cause:     err,
				Details:   map[string]interface{}{"created": i, "min_idle": p.minIdle},
				Timestamp: time.Now(),
			}
		}
		fresh = append(fresh, conn)
		p.counters.created.Add(1)
	}

	p.mu.Lock()
	p.idle = append(p.idle, fresh...)
	p.mu.Unlock()

	if p.started.CompareAndSwap(false, true) {
		go p.maintain()
	}
	return nil
}

// Checkout takes an idle connection or dials a new one, waiting in FIFO
// order while all maxOpen connections are in use.
func (p *ConnectionPool) Checkout(ctx context.Context) (Conn, error) {
	if p.stop.Err() != nil {
		return nil, ErrPoolClosed()
	}

	start := time.Now()
	p.counters.waits.Add(1)

	waitCtx, cancel := context.WithCancel(ctx)
	stopWatch := context.AfterFunc(p.stop, cancel)
	err := p.slots.Acquire(waitCtx, 1)
	stopWatch()
	cancel()
	p.counters.waitNanos.Add(int64(time.Since(start)))

	if err != nil {
		if p.stop.Err() != nil && ctx.Err() == nil {
			return nil, ErrPoolClosed()
		}
		p.counters.timeouts.Add(1)
		return nil, ctx.Err()
	}

	conn, err := p.claim(ctx)
	if err != nil {
		p.slots.Release(1)
		return nil, err
	}
	return conn, nil
}

// claim hands out a connection for a slot the caller already holds.
func (p *ConnectionPool) claim(ctx context.Context) (ManagedConn, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed()
		}
		n := len(p.idle)
		if n == 0 {
			p.inUse++
			p.mu.Unlock()
			break
		}
		conn := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.inUse++
		p.mu.Unlock()

		if conn.IsAlive() {
			p.counters.reused.Add(1)
			return conn, nil
		}
		p.logger.Debug("skipping dead idle connection")
		conn.Close()
		p.release()
	}

	conn, err := p.connect(ctx)
	if err != nil {
		p.release()
		p.counters.errors.Add(1)
		return nil, fmt.Errorf("failed to create new connection: %w", err)
	}
	p.counters.created.Add(1)
	return conn, nil
}

func (p *ConnectionPool) release() {
	p.mu.Lock()
	p.inUse--
	p.mu.Unlock()
}

// Checkin returns a connection to the pool. A connection whose session
// ended in failure is closed instead of being reused.
func (p *ConnectionPool) Checkin(c Conn, err error) {
	conn, ok := c.(ManagedConn)
	if !ok || conn == nil {
		return
	}
	defer p.slots.Release(1)

	reusable := err == nil && conn.IsAlive()

	p.mu.Lock()
	p.inUse--
	closed := p.closed
	if reusable && !closed {
		p.idle = append(p.idle, conn)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	if !closed {
		p.counters.discarded.Add(1)
		if IsConnectionDrop(err) {
			p.counters.dropped.Add(1)
			p.logger.Warn("connection dropped", Error("error", err))
		} else {
			p.logger.Debug("discarding connection", Error("error", err), Bool("alive", conn.IsAlive()))
		}
	}
	conn.Close()
}

// Stats returns a snapshot of pool statistics.
func (p *ConnectionPool) Stats() PoolStats {
	p.mu.Lock()
	idle, inUse := len(p.idle), p.inUse
	p.mu.Unlock()

	return PoolStats{
		Open:      idle + inUse,
		Idle:      idle,
		InUse:     inUse,
		Waits:     p.counters.waits.Load(),
		WaitTime:  time.Duration(p.counters.waitNanos.Load()),
		Reused:    p.counters.reused.Load(),
		Created:   p.counters.created.Load(),
		Timeouts:  p.counters.timeouts.Load(),
		Errors:    p.counters.errors.Load(),
		Discarded: p.counters.discarded.Load(),
		Dropped:   p.counters.dropped.Load(),
		Reaped:    p.counters.reaped.Load(),
	}
}

// Close closes all idle connections and stops maintenance. Connections
// checked out at the time are closed when checked in, and callers waiting
// in Checkout fail with a closed-pool error.
func (p *ConnectionPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	p.shutdown()
	if p.started.Load() {
		<-p.done
	}
	closeAll(idle)
	return nil
}

// maintain reaps stale idle connections and pings the rest until Close.
func (p *ConnectionPool) maintain() {
	defer close(p.done)

	reap := time.NewTicker(p.idleTimeout / 4)
	defer reap.Stop()
	health := time.NewTicker(p.healthEvery)
	defer health.Stop()

	for {
		select {
		case <-p.stop.Done():
			return
		case <-reap.C:
			p.reapIdle(time.Now())
		case <-health.C:
			p.checkIdle()
		}
	}
}

// reapIdle closes idle connections unused since before now-idleTimeout,
// oldest first, keeping at least minIdle.
func (p *ConnectionPool) reapIdle(now time.Time) {
	p.mu.Lock()
	n := 0
	for len(p.idle)-n > p.minIdle && now.Sub(p.idle[n].LastActivity()) > p.idleTimeout {
		n++
	}
	stale := append([]ManagedConn(nil), p.idle[:n]...)
	p.idle = p.idle[n:]
	p.mu.Unlock()

	if len(stale) > 0 {
		p.counters.reaped.Add(int64(len(stale)))
		p.logger.Debug("reaped idle connections", Int("count", len(stale)))
	}
	closeAll(stale)
}

// checkIdle pings idle connections one at a time. Each ping borrows a slot
// like a regular checkout and is skipped when none is free.
func (p *ConnectionPool) checkIdle() {
	p.mu.Lock()
	rounds := len(p.idle)
	p.mu.Unlock()

	for i := 0; i < rounds; i++ {
		if !p.slots.TryAcquire(1) {
			return
		}

		p.mu.Lock()
		if p.closed || len(p.idle) == 0 {
			p.mu.Unlock()
			p.slots.Release(1)
			return
		}
		conn := p.idle[0]
		p.idle = p.idle[1:]
		p.inUse++
		p.mu.Unlock()

		ctx, cancel := context.WithTimeout(p.stop, 5*time.Second)
		err := conn.Ping(ctx)
		cancel()
		if err != nil {
			p.logger.Warn("removing unhealthy connection", Error("error", err))
		}
		p.Checkin(conn, err)
	}
}

func closeAll(conns []ManagedConn) {
	for _, conn := range conns {
		conn.Close()
	}
}
