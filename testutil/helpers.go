package testutil

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cookielab/pgclient/client"
	"github.com/cookielab/pgclient/driver/sqliteconn"
)

var testTableCounter uint64

// NewTestClient creates a client over pool with quiet logging and a
// private metrics registry. Options may adjust the defaults.
//
// Example:
//
//	conn := testutil.NewFakeConn()
//	c := testutil.NewTestClient(t, testutil.NewFakePool(conn))
func NewTestClient(t *testing.T, pool client.Pool, options ...func(*client.ClientOptions)) *client.Client {
	t.Helper()

	opts := client.DefaultOptions()
	opts.Logger = client.NewNoopLogger()
	opts.LockWaitWarning = time.Second
	for _, o := range options {
		o(&opts)
	}

	c, err := client.NewClient(pool, &opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// NewFakeClient creates a client over a fresh FakeConn.
func NewFakeClient(t *testing.T, options ...func(*client.ClientOptions)) (*client.Client, *FakeConn, *FakePool) {
	t.Helper()

	conn := NewFakeConn()
	pool := NewFakePool(conn)
	return NewTestClient(t, pool, options...), conn, pool
}

// NewSQLiteClient creates a client over a SQLite database in a temporary
// directory that is removed when the test ends.
func NewSQLiteClient(t *testing.T, options ...func(*client.ClientOptions)) *client.Client {
	t.Helper()

	ctx, cancel := WithTimeout(t)
	defer cancel()

	opts := client.DefaultOptions()
	opts.Dialect = client.DialectSQLite
	opts.Logger = client.NewNoopLogger()
	for _, o := range options {
		o(&opts)
	}

	pool, err := sqliteconn.NewPool(ctx, filepath.Join(t.TempDir(), "test.db"), opts)
	require.NoError(t, err)

	c, err := client.NewClient(pool, &opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// TestTableName generates a unique table name for testing.
// Format: <prefix>_<counter>
func TestTableName(prefix string) string {
	if prefix == "" {
		prefix = "test"
	}
	n := atomic.AddUint64(&testTableCounter, 1)
	return fmt.Sprintf("%s_%d", prefix, n)
}

// WithTimeout creates a context with timeout for tests.
// Default timeout is 10 seconds.
func WithTimeout(t *testing.T, timeout ...time.Duration) (context.Context, context.CancelFunc) {
	t.Helper()

	duration := 10 * time.Second
	if len(timeout) > 0 {
		duration = timeout[0]
	}

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	t.Cleanup(cancel)

	return ctx, cancel
}

// Eventually retries the condition until it returns true or timeout.
func Eventually(t *testing.T, condition func() bool, timeout time.Duration, msgAndArgs ...interface{}) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	if len(msgAndArgs) > 0 {
		t.Fatalf("Condition not met within %v - %v", timeout, msgAndArgs)
	} else {
		t.Fatalf("Condition not met within %v", timeout)
	}
}
