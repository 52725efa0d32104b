package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// mockConnection implements ManagedConn for testing.
type mockConnection struct {
	id           int
	alive        bool
	lastActivity time.Time
	queryErr     error
	pingErr      error
	mu           sync.RWMutex
}

func newMockConnection(id int) *mockConnection {
	return &mockConnection{
		id:           id,
		alive:        true,
		lastActivity: time.Now(),
	}
}

func (m *mockConnection) Query(ctx context.Context, q Query) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queryErr != nil {
		return nil, m.queryErr
	}
	m.lastActivity = time.Now()
	return &Result{Columns: []string{"id"}, Rows: []Row{NewRow("id", m.id)}, RowCount: 1}, nil
}

func (m *mockConnection) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pingErr
}

func (m *mockConnection) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alive = false
	return nil
}

func (m *mockConnection) IsAlive() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.alive
}

func (m *mockConnection) LastActivity() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastActivity
}

func newMockFactory() (func(ctx context.Context) (ManagedConn, error), *atomic.Int32) {
	connID := &atomic.Int32{}
	return func(ctx context.Context) (ManagedConn, error) {
		id := int(connID.Add(1))
		return newMockConnection(id), nil
	}, connID
}

// TestPoolInitialization verifies pool creation and initialization.
func TestPoolInitialization(t *testing.T) {
	factory, _ := newMockFactory()

	pool := NewConnectionPool(factory, 2, 5, 30*time.Second, 10*time.Second, nil)
	if pool == nil {
		t.Fatal("NewConnectionPool returned nil")
	}

	ctx := context.Background()
	if err := pool.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	// Verify minimum idle connections were created
	stats := pool.Stats()
	if stats.Idle < 2 {
		t.Errorf("Expected at least 2 idle connections, got %d", stats.Idle)
	}

	if err := pool.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

// TestPoolCheckoutCheckin verifies basic connection acquisition and release.
func TestPoolCheckoutCheckin(t *testing.T) {
	factory, _ := newMockFactory()

	pool := NewConnectionPool(factory, 1, 3, 30*time.Second, 10*time.Second, nil)
	ctx := context.Background()
	if err := pool.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer pool.Close()

	conn1, err := pool.Checkout(ctx)
	if err != nil {
		t.Fatalf("Checkout failed: %v", err)
	}
	if conn1 == nil {
		t.Fatal("Checkout returned nil connection")
	}

	stats := pool.Stats()
	if stats.Reused != 1 {
		t.Errorf("Expected 1 hit, got reused=%d created=%d", stats.Reused, stats.Created)
	}

	pool.Checkin(conn1, nil)

	stats = pool.Stats()
	if stats.Idle != 1 {
		t.Errorf("Expected 1 idle connection after Checkin, got %d", stats.Idle)
	}

	// The same session is handed out again.
	conn2, err := pool.Checkout(ctx)
	if err != nil {
		t.Fatalf("Checkout failed: %v", err)
	}
	if conn2 != conn1 {
		t.Error("Expected the idle connection to be reused")
	}
	pool.Checkin(conn2, nil)
}

// TestPoolCheckinWithErrorDiscards verifies a failed session is never reused.
func TestPoolCheckinWithErrorDiscards(t *testing.T) {
	factory, created := newMockFactory()

	pool := NewConnectionPool(factory, 1, 3, 30*time.Second, 10*time.Second, nil)
	ctx := context.Background()
	if err := pool.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer pool.Close()

	conn, err := pool.Checkout(ctx)
	if err != nil {
		t.Fatalf("Checkout failed: %v", err)
	}
	pool.Checkin(conn, errors.New("rollback failed"))

	if conn.(*mockConnection).IsAlive() {
		t.Error("Expected discarded connection to be closed")
	}

	stats := pool.Stats()
	if stats.Discarded != 1 {
		t.Errorf("Expected 1 discarded connection, got %d", stats.Discarded)
	}
	if stats.Open != 0 {
		t.Errorf("Expected 0 total connections, got %d", stats.Open)
	}

	next, err := pool.Checkout(ctx)
	if err != nil {
		t.Fatalf("Checkout failed: %v", err)
	}
	if next == conn {
		t.Error("Expected a fresh connection")
	}
	if created.Load() != 2 {
		t.Errorf("Expected 2 connections created, got %d", created.Load())
	}
	pool.Checkin(next, nil)
}

// TestPoolConcurrentAccess verifies pool handles concurrent requests correctly.
func TestPoolConcurrentAccess(t *testing.T) {
	factory, _ := newMockFactory()

	pool := NewConnectionPool(factory, 2, 10, 30*time.Second, 10*time.Second, nil)
	ctx := context.Background()
	if err := pool.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer pool.Close()

	const numGoroutines = 20
	var wg sync.WaitGroup
	successCount := atomic.Int32{}
	errorCount := atomic.Int32{}

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			conn, err := pool.Checkout(ctx)
			if err != nil {
				errorCount.Add(1)
				t.Logf("Goroutine %d: Checkout failed: %v", id, err)
				return
			}

			time.Sleep(10 * time.Millisecond)

			pool.Checkin(conn, nil)
			successCount.Add(1)
		}(i)
	}

	wg.Wait()

	if successCount.Load() != numGoroutines {
		t.Errorf("Expected %d successful operations, got %d (errors: %d)",
			numGoroutines, successCount.Load(), errorCount.Load())
	}

	stats := pool.Stats()
	if stats.InUse != 0 {
		t.Errorf("Expected 0 active connections after all Checkin, got %d", stats.InUse)
	}
}

// TestPoolMaxLimit verifies pool enforces maximum connection limit.
func TestPoolMaxLimit(t *testing.T) {
	factory, _ := newMockFactory()

	const maxOpen = 3
	pool := NewConnectionPool(factory, 1, maxOpen, 30*time.Second, 10*time.Second, nil)
	ctx := context.Background()
	if err := pool.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer pool.Close()

	conns := make([]Conn, maxOpen)
	for i := 0; i < maxOpen; i++ {
		conn, err := pool.Checkout(ctx)
		if err != nil {
			t.Fatalf("Checkout %d failed: %v", i, err)
		}
		conns[i] = conn
	}

	stats := pool.Stats()
	if stats.InUse != maxOpen {
		t.Errorf("Expected %d active connections, got %d", maxOpen, stats.InUse)
	}

	ctxTimeout, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()

	_, err := pool.Checkout(ctxTimeout)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got: %v", err)
	}

	stats = pool.Stats()
	if stats.Timeouts == 0 {
		t.Error("Expected timeout to be recorded in stats")
	}

	for _, conn := range conns {
		pool.Checkin(conn, nil)
	}
}

// TestPoolClose verifies graceful pool shutdown.
func TestPoolClose(t *testing.T) {
	factory, _ := newMockFactory()

	pool := NewConnectionPool(factory, 2, 5, 30*time.Second, 10*time.Second, nil)
	ctx := context.Background()
	if err := pool.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	conn, _ := pool.Checkout(ctx)

	if err := pool.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}

	// Checked out at close time, closed on checkin.
	pool.Checkin(conn, nil)
	if conn.(*mockConnection).IsAlive() {
		t.Error("Expected connection checked in after close to be closed")
	}

	_, err := pool.Checkout(ctx)
	if KindOf(err) != KindClosed {
		t.Errorf("Expected closed pool error, got %v", err)
	}

	if err := pool.Close(); err != nil {
		t.Errorf("Second Close should be safe, got error: %v", err)
	}
}

// TestPoolFactoryError verifies pool handles connection creation failures.
func TestPoolFactoryError(t *testing.T) {
	factoryErr := errors.New("connection creation failed")
	factory := func(ctx context.Context) (ManagedConn, error) {
		return nil, factoryErr
	}

	pool := NewConnectionPool(factory, 0, 3, 30*time.Second, 10*time.Second, nil)
	ctx := context.Background()

	if err := pool.Initialize(ctx); err != nil {
		t.Fatalf("Initialize with no minimum should succeed: %v", err)
	}
	defer pool.Close()

	_, err := pool.Checkout(ctx)
	if !errors.Is(err, factoryErr) {
		t.Errorf("Expected factory error, got: %v", err)
	}

	stats := pool.Stats()
	if stats.Errors == 0 {
		t.Error("Expected error to be recorded in stats")
	}
}

// TestPoolInitializeFailure verifies a failing minimum fill reports the cause.
func TestPoolInitializeFailure(t *testing.T) {
	factoryErr := errors.New("refused")
	factory := func(ctx context.Context) (ManagedConn, error) {
		return nil, factoryErr
	}

	pool := NewConnectionPool(factory, 1, 3, 0, 0, nil)
	err := pool.Initialize(context.Background())

	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("Expected *ConnectionError, got %T", err)
	}
	if connErr.Code != "E_CONNECT_FAILED" {
		t.Errorf("Expected E_CONNECT_FAILED, got %s", connErr.Code)
	}
	if !errors.Is(err, factoryErr) {
		t.Error("Expected cause to be preserved")
	}
}

// TestPoolCloseWakesWaiters verifies a Checkout blocked on a full pool
// fails once the pool is closed.
func TestPoolCloseWakesWaiters(t *testing.T) {
	factory, _ := newMockFactory()

	pool := NewConnectionPool(factory, 0, 1, 30*time.Second, 10*time.Second, nil)
	ctx := context.Background()
	if err := pool.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	held, err := pool.Checkout(ctx)
	if err != nil {
		t.Fatalf("Checkout failed: %v", err)
	}

	result := make(chan error, 1)
	go func() {
		_, err := pool.Checkout(ctx)
		result <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if err := pool.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	select {
	case err := <-result:
		if KindOf(err) != KindClosed {
			t.Errorf("Expected closed pool error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter was not released by Close")
	}
	pool.Checkin(held, nil)
}

// TestPoolNeverExceedsMaxOpen verifies contended checkouts dial at most
// maxOpen connections.
func TestPoolNeverExceedsMaxOpen(t *testing.T) {
	factory, created := newMockFactory()

	pool := NewConnectionPool(factory, 0, 2, 30*time.Second, 10*time.Second, nil)
	ctx := context.Background()
	if err := pool.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer pool.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := pool.Checkout(ctx)
			if err != nil {
				t.Errorf("Checkout failed: %v", err)
				return
			}
			if open := pool.Stats().Open; open > 2 {
				t.Errorf("Expected at most 2 open connections, got %d", open)
			}
			time.Sleep(2 * time.Millisecond)
			pool.Checkin(conn, nil)
		}()
	}
	wg.Wait()

	if created.Load() > 2 {
		t.Errorf("Expected at most 2 connections dialed, got %d", created.Load())
	}
}

// TestPoolReapIdle verifies stale idle connections are closed down to minIdle.
func TestPoolReapIdle(t *testing.T) {
	factory, _ := newMockFactory()

	pool := NewConnectionPool(factory, 1, 3, time.Minute, time.Minute, nil)
	ctx := context.Background()
	if err := pool.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer pool.Close()

	conns := make([]Conn, 3)
	for i := range conns {
		c, err := pool.Checkout(ctx)
		if err != nil {
			t.Fatalf("Checkout failed: %v", err)
		}
		conns[i] = c
	}
	for _, c := range conns {
		pool.Checkin(c, nil)
	}

	pool.reapIdle(time.Now().Add(2 * time.Minute))

	stats := pool.Stats()
	if stats.Idle != 1 {
		t.Errorf("Expected minIdle connection to survive, got %d idle", stats.Idle)
	}
	if stats.Reaped != 2 {
		t.Errorf("Expected 2 reaped connections, got %d", stats.Reaped)
	}
	if conns[0].(*mockConnection).IsAlive() || conns[1].(*mockConnection).IsAlive() {
		t.Error("Expected the oldest idle connections to be closed")
	}
	if !conns[2].(*mockConnection).IsAlive() {
		t.Error("Expected the most recently returned connection to be kept")
	}
}

// TestPoolHealthCheck verifies idle connections failing a ping are removed.
func TestPoolHealthCheck(t *testing.T) {
	factory, _ := newMockFactory()

	pool := NewConnectionPool(factory, 2, 3, time.Minute, time.Minute, nil)
	ctx := context.Background()
	if err := pool.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer pool.Close()

	pool.mu.Lock()
	sick := pool.idle[0].(*mockConnection)
	pool.mu.Unlock()
	sick.mu.Lock()
	sick.pingErr = errors.New("server closed the connection unexpectedly")
	sick.mu.Unlock()

	pool.checkIdle()

	stats := pool.Stats()
	if stats.Idle != 1 || stats.InUse != 0 {
		t.Errorf("Expected 1 idle and 0 in use, got idle=%d inUse=%d", stats.Idle, stats.InUse)
	}
	if stats.Dropped != 1 {
		t.Errorf("Expected the failed ping to count as a drop, got %d", stats.Dropped)
	}
	if sick.IsAlive() {
		t.Error("Expected unhealthy connection to be closed")
	}
}
