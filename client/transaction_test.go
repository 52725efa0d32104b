package client_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/cookielab/pgclient/client"
	"github.com/cookielab/pgclient/testutil"
)

func TestTransaction_CommitSequence(t *testing.T) {
	c, conn, pool := testutil.NewFakeClient(t)
	ctx, _ := testutil.WithTimeout(t)

	err := c.Transaction(ctx, func(ctx context.Context, tx *client.Transaction) error {
		_, err := tx.Exec(ctx, "SELECT 1")
		return err
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"BEGIN", "SELECT 1", "COMMIT"}, conn.Statements())

	checkins := pool.Checkins()
	require.Len(t, checkins, 1)
	assert.NoError(t, checkins[0].Err)
}

func TestTransaction_RollbackOnError(t *testing.T) {
	c, conn, pool := testutil.NewFakeClient(t)
	ctx, _ := testutil.WithTimeout(t)
	failure := errors.New("application failure")

	err := c.Transaction(ctx, func(ctx context.Context, tx *client.Transaction) error {
		if _, err := tx.Exec(ctx, "SELECT 1"); err != nil {
			return err
		}
		return failure
	})
	require.ErrorIs(t, err, failure)

	assert.Equal(t, []string{"BEGIN", "SELECT 1", "ROLLBACK"}, conn.Statements())
	require.Len(t, pool.Checkins(), 1)
	assert.ErrorIs(t, pool.Checkins()[0].Err, failure)
}

func TestTransaction_NestedSavepoints(t *testing.T) {
	c, conn, _ := testutil.NewFakeClient(t)
	ctx, _ := testutil.WithTimeout(t)

	var labels []string
	err := c.Transaction(ctx, func(ctx context.Context, tx *client.Transaction) error {
		labels = append(labels, tx.Label())
		return tx.Transaction(ctx, func(ctx context.Context, child *client.Transaction) error {
			labels = append(labels, child.Label())
			assert.Equal(t, tx.ID(), child.ID())
			assert.Equal(t, 1, child.Depth())

			return child.Transaction(ctx, func(ctx context.Context, grandchild *client.Transaction) error {
				labels = append(labels, grandchild.Label())
				_, err := grandchild.Exec(ctx, "SELECT 1")
				return err
			})
		})
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"savepoint0", "savepoint1", "savepoint2"}, labels)
	assert.Equal(t, []string{
		"BEGIN",
		"SAVEPOINT savepoint1",
		"SAVEPOINT savepoint2",
		"SELECT 1",
		"RELEASE SAVEPOINT savepoint2",
		"RELEASE SAVEPOINT savepoint1",
		"COMMIT",
	}, conn.Statements())
}

func TestTransaction_NestedRollbackKeepsParent(t *testing.T) {
	c, conn, _ := testutil.NewFakeClient(t)
	ctx, _ := testutil.WithTimeout(t)
	failure := errors.New("child failure")

	err := c.Transaction(ctx, func(ctx context.Context, tx *client.Transaction) error {
		childErr := tx.Transaction(ctx, func(ctx context.Context, child *client.Transaction) error {
			if _, err := child.Exec(ctx, "SELECT 1"); err != nil {
				return err
			}
			return failure
		})
		assert.ErrorIs(t, childErr, failure)

		_, err := tx.Exec(ctx, "SELECT 2")
		return err
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"BEGIN",
		"SAVEPOINT savepoint1",
		"SELECT 1",
		"ROLLBACK TO SAVEPOINT savepoint1",
		"SELECT 2",
		"COMMIT",
	}, conn.Statements())
}

func TestTransaction_PanicRollsBackAndRepanics(t *testing.T) {
	c, conn, pool := testutil.NewFakeClient(t)
	ctx, _ := testutil.WithTimeout(t)

	assert.PanicsWithValue(t, "boom", func() {
		_ = c.Transaction(ctx, func(ctx context.Context, tx *client.Transaction) error {
			if _, err := tx.Exec(ctx, "SELECT 1"); err != nil {
				return err
			}
			panic("boom")
		})
	})

	assert.Equal(t, []string{"BEGIN", "SELECT 1", "ROLLBACK"}, conn.Statements())
	require.Len(t, pool.Checkins(), 1)
	assert.Error(t, pool.Checkins()[0].Err)
}

func TestTransaction_NestedPanicRollsBackBothLevels(t *testing.T) {
	c, conn, _ := testutil.NewFakeClient(t)
	ctx, _ := testutil.WithTimeout(t)

	assert.PanicsWithValue(t, "nested boom", func() {
		_ = c.Transaction(ctx, func(ctx context.Context, tx *client.Transaction) error {
			return tx.Transaction(ctx, func(ctx context.Context, child *client.Transaction) error {
				panic("nested boom")
			})
		})
	})

	assert.Equal(t, []string{
		"BEGIN",
		"SAVEPOINT savepoint1",
		"ROLLBACK TO SAVEPOINT savepoint1",
		"ROLLBACK",
	}, conn.Statements())
}

func TestTransaction_RollbackFailureSupersedes(t *testing.T) {
	c, conn, pool := testutil.NewFakeClient(t)
	ctx, _ := testutil.WithTimeout(t)
	failure := errors.New("application failure")
	rollbackErr := errors.New("connection reset")

	conn.ExpectQuery("ROLLBACK").WillReturnError(rollbackErr)

	err := c.Transaction(ctx, func(ctx context.Context, tx *client.Transaction) error {
		return failure
	})

	var txErr *client.TransactionError
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, "E_ROLLBACK_FAILED", txErr.Code)
	assert.ErrorIs(t, err, rollbackErr)

	require.Len(t, pool.Checkins(), 1)
	assert.Error(t, pool.Checkins()[0].Err)
	conn.VerifyExpectations(t)
}

func TestTransaction_SavepointRollbackFailureSupersedes(t *testing.T) {
	c, conn, _ := testutil.NewFakeClient(t)
	ctx, _ := testutil.WithTimeout(t)
	rollbackErr := errors.New("savepoint does not exist")

	conn.ExpectPrefix("ROLLBACK TO SAVEPOINT").WillReturnError(rollbackErr)

	err := c.Transaction(ctx, func(ctx context.Context, tx *client.Transaction) error {
		return tx.Transaction(ctx, func(ctx context.Context, child *client.Transaction) error {
			return errors.New("child failure")
		})
	})

	var txErr *client.TransactionError
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, "E_ROLLBACK_FAILED", txErr.Code)
	assert.ErrorIs(t, err, rollbackErr)
	assert.Equal(t, []string{
		"BEGIN",
		"SAVEPOINT savepoint1",
		"ROLLBACK TO SAVEPOINT savepoint1",
		"ROLLBACK",
	}, conn.Statements())
}

func TestTransaction_CommitFailure(t *testing.T) {
	c, conn, _ := testutil.NewFakeClient(t)
	ctx, _ := testutil.WithTimeout(t)
	commitErr := errors.New("serialization failure")

	conn.ExpectQuery("COMMIT").WillReturnError(commitErr)

	err := c.Transaction(ctx, func(ctx context.Context, tx *client.Transaction) error {
		return nil
	})

	var txErr *client.TransactionError
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, "E_COMMIT_FAILED", txErr.Code)
	assert.ErrorIs(t, err, commitErr)
}

func TestTransaction_BeginFailure(t *testing.T) {
	c, conn, _ := testutil.NewFakeClient(t)
	ctx, _ := testutil.WithTimeout(t)

	conn.ExpectQuery("BEGIN").WillReturnError(errors.New("too many connections"))

	called := false
	err := c.Transaction(ctx, func(ctx context.Context, tx *client.Transaction) error {
		called = true
		return nil
	})

	var txErr *client.TransactionError
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, "E_BEGIN_FAILED", txErr.Code)
	assert.False(t, called)
	assert.Equal(t, []string{"BEGIN"}, conn.Statements())
}

func TestTransaction_SavepointFailure(t *testing.T) {
	c, conn, _ := testutil.NewFakeClient(t)
	ctx, _ := testutil.WithTimeout(t)

	conn.ExpectPrefix("SAVEPOINT").WillReturnError(errors.New("out of shared memory"))

	err := c.Transaction(ctx, func(ctx context.Context, tx *client.Transaction) error {
		return tx.Transaction(ctx, func(ctx context.Context, child *client.Transaction) error {
			t.Fatal("child must not run")
			return nil
		})
	})

	var txErr *client.TransactionError
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, "E_SAVEPOINT_FAILED", txErr.Code)
	assert.Equal(t, []string{"BEGIN", "SAVEPOINT savepoint1", "ROLLBACK"}, conn.Statements())
}

func TestTransaction_SiblingQueriesAreSerialized(t *testing.T) {
	c, conn, _ := testutil.NewFakeClient(t)
	conn.WithDelay(5 * time.Millisecond)
	ctx, _ := testutil.WithTimeout(t)

	err := c.Transaction(ctx, func(ctx context.Context, tx *client.Transaction) error {
		g, ctx := errgroup.WithContext(ctx)
		for i := 0; i < 5; i++ {
			i := i
			g.Go(func() error {
				_, err := tx.Exec(ctx, fmt.Sprintf("SELECT %d", i))
				return err
			})
		}
		return g.Wait()
	})
	require.NoError(t, err)

	assert.Equal(t, 1, conn.MaxInFlight())
	assert.Len(t, conn.Statements(), 7)
}

func TestTransaction_SiblingSubTransactionsDoNotInterleave(t *testing.T) {
	c, conn, _ := testutil.NewFakeClient(t)
	conn.WithDelay(2 * time.Millisecond)
	ctx, _ := testutil.WithTimeout(t)

	err := c.Transaction(ctx, func(ctx context.Context, tx *client.Transaction) error {
		g, ctx := errgroup.WithContext(ctx)
		for i := 0; i < 4; i++ {
			i := i
			g.Go(func() error {
				return tx.Transaction(ctx, func(ctx context.Context, child *client.Transaction) error {
					if _, err := child.Exec(ctx, fmt.Sprintf("SELECT %d", i)); err != nil {
						return err
					}
					_, err := child.Exec(ctx, fmt.Sprintf("SELECT %d", i))
					return err
				})
			})
		}
		return g.Wait()
	})
	require.NoError(t, err)

	stmts := conn.Statements()
	require.Len(t, stmts, 2+4*4)
	for i := 1; i < len(stmts)-1; i += 4 {
		assert.Equal(t, "SAVEPOINT savepoint1", stmts[i])
		assert.Equal(t, stmts[i+1], stmts[i+2], "both statements of one child run back to back")
		assert.Equal(t, "RELEASE SAVEPOINT savepoint1", stmts[i+3])
	}
	assert.Equal(t, 1, conn.MaxInFlight())
}

func TestTransaction_ClosedAfterSettle(t *testing.T) {
	c, conn, _ := testutil.NewFakeClient(t)
	ctx, _ := testutil.WithTimeout(t)

	var leaked *client.Transaction
	err := c.Transaction(ctx, func(ctx context.Context, tx *client.Transaction) error {
		leaked = tx
		return nil
	})
	require.NoError(t, err)

	assert.True(t, leaked.Closed())
	assert.Equal(t, client.TxCommitted, leaked.State())

	_, err = leaked.Exec(ctx, "SELECT 1")
	assert.Equal(t, client.KindClosed, client.KindOf(err))
	assert.Equal(t, []string{"BEGIN", "COMMIT"}, conn.Statements())
}

func TestTransaction_LockWaitHonorsContext(t *testing.T) {
	c, _, _ := testutil.NewFakeClient(t)
	ctx, _ := testutil.WithTimeout(t)

	err := c.Transaction(ctx, func(ctx context.Context, tx *client.Transaction) error {
		s, err := tx.InsertStream(ctx, "items", client.InsertOptions{})
		require.NoError(t, err)

		short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		_, qErr := tx.Exec(short, "SELECT 1")

		var txErr *client.TransactionError
		require.ErrorAs(t, qErr, &txErr)
		assert.Equal(t, "E_LOCK_WAIT", txErr.Code)
		assert.ErrorIs(t, qErr, context.DeadlineExceeded)

		_, err = s.Close(ctx)
		return err
	})
	require.NoError(t, err)
}

func TestTransaction_StateTransitions(t *testing.T) {
	var mu sync.Mutex
	var states []client.TxState
	c, _, _ := testutil.NewFakeClient(t, func(o *client.ClientOptions) {
		o.OnStateChange = func(tr client.StateTransition) {
			mu.Lock()
			defer mu.Unlock()
			states = append(states, tr.To)
		}
	})
	ctx, _ := testutil.WithTimeout(t)

	err := c.Transaction(ctx, func(ctx context.Context, tx *client.Transaction) error {
		if _, err := tx.Exec(ctx, "SELECT 1"); err != nil {
			return err
		}
		return tx.Transaction(ctx, func(ctx context.Context, child *client.Transaction) error {
			return nil
		})
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []client.TxState{
		client.TxQuerying, client.TxIdle, // BEGIN
		client.TxQuerying, client.TxIdle, // SELECT 1
		client.TxOpeningSavepoint, client.TxChildRunning, client.TxClosingSavepoint, client.TxIdle,
		client.TxCommitted,
	}, states)
}

func TestInTransaction_ReturnsValue(t *testing.T) {
	c, conn, _ := testutil.NewFakeClient(t)
	ctx, _ := testutil.WithTimeout(t)

	conn.ExpectQuery("SELECT count(*) FROM items").
		WillReturn(&client.Result{Columns: []string{"count"}, Rows: []client.Row{client.NewRow("count", int64(3))}, RowCount: 1})

	n, err := client.InTransaction(ctx, c, func(ctx context.Context, tx *client.Transaction) (int64, error) {
		return client.Nested(ctx, tx, func(ctx context.Context, child *client.Transaction) (int64, error) {
			v, err := client.GetOne(ctx, child, client.NewQuery("SELECT count(*) FROM items"))
			if err != nil {
				return 0, err
			}
			return v.(int64), nil
		})
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestInTransaction_ErrorReturnsZero(t *testing.T) {
	c, _, _ := testutil.NewFakeClient(t)
	ctx, _ := testutil.WithTimeout(t)

	v, err := client.InTransaction(ctx, c, func(ctx context.Context, tx *client.Transaction) (string, error) {
		return "partial", errors.New("failed")
	})
	require.Error(t, err)
	assert.Equal(t, "", v)
}

func TestTransaction_DebugModeQueryError(t *testing.T) {
	c, conn, _ := testutil.NewFakeClient(t, func(o *client.ClientOptions) {
		o.DebugMode = true
	})
	ctx, _ := testutil.WithTimeout(t)
	dbErr := errors.New(`relation "missing" does not exist`)

	conn.ExpectQuery("SELECT * FROM missing WHERE id = $1").WillReturnError(dbErr)

	err := c.Transaction(ctx, func(ctx context.Context, tx *client.Transaction) error {
		_, err := tx.Exec(ctx, "SELECT * FROM missing WHERE id = $1", 7)
		return err
	})

	var qErr *client.QueryError
	require.ErrorAs(t, err, &qErr)
	assert.ErrorIs(t, err, dbErr)
	assert.Equal(t, "SELECT * FROM missing WHERE id = $1", qErr.Query)
	assert.Equal(t, []interface{}{7}, qErr.Params)
	assert.NotEmpty(t, qErr.StackTrace)
	assert.Contains(t, qErr.Details, "fingerprint")
	assert.Contains(t, qErr.Details, "trace_id")
	assert.Equal(t, client.KindQuery, client.KindOf(err))
}

func TestTransaction_WithoutDebugModeErrorIsUnwrapped(t *testing.T) {
	c, conn, _ := testutil.NewFakeClient(t)
	ctx, _ := testutil.WithTimeout(t)
	dbErr := errors.New("syntax error")

	conn.ExpectQuery("SELEC 1").WillReturnError(dbErr)

	_, err := c.Exec(ctx, "SELEC 1")
	assert.Same(t, dbErr, err)
}

func TestClient_QueryChecksIn(t *testing.T) {
	c, conn, pool := testutil.NewFakeClient(t)
	ctx, _ := testutil.WithTimeout(t)

	_, err := c.Exec(ctx, "SELECT 1")
	require.NoError(t, err)

	assert.Equal(t, []string{"SELECT 1"}, conn.Statements())
	assert.Equal(t, 1, pool.Checkouts())
	require.Len(t, pool.Checkins(), 1)
	assert.NoError(t, pool.Checkins()[0].Err)
}

func TestClient_Closed(t *testing.T) {
	c, _, _ := testutil.NewFakeClient(t)
	ctx, _ := testutil.WithTimeout(t)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err := c.Exec(ctx, "SELECT 1")
	assert.Equal(t, client.KindClosed, client.KindOf(err))

	err = c.Transaction(ctx, func(ctx context.Context, tx *client.Transaction) error { return nil })
	assert.Equal(t, client.KindClosed, client.KindOf(err))
}

func TestClient_CheckoutFailure(t *testing.T) {
	c, conn, pool := testutil.NewFakeClient(t)
	ctx, _ := testutil.WithTimeout(t)
	exhausted := errors.New("pool exhausted")
	pool.FailCheckout(exhausted)

	err := c.Transaction(ctx, func(ctx context.Context, tx *client.Transaction) error { return nil })
	assert.ErrorIs(t, err, exhausted)
	assert.Empty(t, conn.Statements())
}

func TestClient_Insert(t *testing.T) {
	c, conn, _ := testutil.NewFakeClient(t)
	ctx, _ := testutil.WithTimeout(t)

	err := c.Transaction(ctx, func(ctx context.Context, tx *client.Transaction) error {
		_, err := tx.Insert(ctx, "public.users", client.NewRow("id", 1, "name", "Ada"))
		return err
	})
	require.NoError(t, err)

	calls := conn.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, `INSERT INTO "public"."users" ("id", "name") VALUES ($1, $2)`, calls[1].Text)
	assert.Equal(t, []interface{}{1, "Ada"}, calls[1].Values)
}

func TestTransaction_ConnectionReturnedAfterStrayStatement(t *testing.T) {
	c, conn, pool := testutil.NewFakeClient(t)
	ctx, _ := testutil.WithTimeout(t)

	started := make(chan struct{})
	unblock := make(chan struct{})
	conn.ExpectQuery("SELECT slow()").WillRespond(func(client.Query) (*client.Result, error) {
		close(started)
		<-unblock
		return &client.Result{}, nil
	})

	stray := make(chan error, 1)
	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()

	err := c.Transaction(short, func(ctx context.Context, tx *client.Transaction) error {
		go func() {
			_, err := tx.Exec(context.Background(), "SELECT slow()")
			stray <- err
		}()
		<-started
		return nil
	})

	var txErr *client.TransactionError
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, "E_LOCK_WAIT", txErr.Code)
	assert.Empty(t, pool.Checkins(), "connection must stay out of the pool while a statement runs on it")

	close(unblock)
	require.NoError(t, <-stray)

	testutil.Eventually(t, func() bool { return len(pool.Checkins()) == 1 }, time.Second)
	assert.Error(t, pool.Checkins()[0].Err)
	assert.Equal(t, 1, conn.MaxInFlight())
}

// warnRecorder keeps the message of every warning.
type warnRecorder struct {
	mu       sync.Mutex
	messages []string
}

func (r *warnRecorder) Debug(string, ...client.Field) {}
func (r *warnRecorder) Info(string, ...client.Field)  {}
func (r *warnRecorder) Error(string, ...client.Field) {}

func (r *warnRecorder) Warn(msg string, _ ...client.Field) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
}

func (r *warnRecorder) WithFields(...client.Field) client.Logger { return r }

func (r *warnRecorder) has(msg string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.messages {
		if m == msg {
			return true
		}
	}
	return false
}

func TestTransaction_ParentQueryFromChildIsLogged(t *testing.T) {
	logs := &warnRecorder{}
	c, _, _ := testutil.NewFakeClient(t, func(o *client.ClientOptions) {
		o.Logger = logs
		o.LockWaitWarning = 10 * time.Millisecond
	})
	ctx, _ := testutil.WithTimeout(t)

	err := c.Transaction(ctx, func(ctx context.Context, tx *client.Transaction) error {
		return tx.Transaction(ctx, func(ctx context.Context, child *client.Transaction) error {
			short, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
			defer cancel()
			_, err := tx.Exec(short, "SELECT 1")
			return err
		})
	})

	var txErr *client.TransactionError
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, "E_LOCK_WAIT", txErr.Code)
	assert.True(t, logs.has("waiting for transaction lock"))
}
