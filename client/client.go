package client

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// Client checks connections out of a Pool and runs transactions on them.
type Client struct {
	pool               Pool
	opts               ClientOptions
	logger             Logger
	hooks              *hookChain
	metrics            *Metrics
	serializer         *Serializer
	builder            *Builder
	debugMode          atomic.Bool
	closed             atomic.Bool
	activeTransactions sync.Map // map[string]*transactionContext

	stateMu       sync.RWMutex
	stateHandlers []StateChangeHandler
}

// transactionContext holds root transaction metadata for monitoring.
type transactionContext struct {
	tx        *Transaction
	startedAt time.Time
}

// NewClient creates a client over pool with the given options.
// If opts is nil, default options are used.
func NewClient(pool Pool, opts *ClientOptions) (*Client, error) {
	if pool == nil {
		return nil, fmt.Errorf("client: pool is required")
	}
	if opts == nil {
		defaultOpts := DefaultOptions()
		opts = &defaultOpts
	}
	o := opts.normalize()

	logger := o.Logger
	if logger == nil {
		logger = NewLogger(o.LogLevel, nil)
	}
	o.Logger = logger

	serializer, err := NewSerializer(o.Converters...)
	if err != nil {
		return nil, err
	}

	c := &Client{
		pool:       pool,
		opts:       o,
		logger:     logger,
		hooks:      newHookChain(logger, o.Hooks),
		metrics:    NewMetrics(o.MetricsRegisterer),
		serializer: serializer,
		builder:    NewBuilder(BuilderConfig{ColumnMapper: o.ColumnMapper, Dialect: o.Dialect}),
	}
	c.debugMode.Store(o.DebugMode)

	if o.OnStateChange != nil {
		c.stateHandlers = append(c.stateHandlers, o.OnStateChange)
	}

	return c, nil
}

// Options returns the effective options after defaults were applied.
func (c *Client) Options() ClientOptions {
	return c.opts
}

// Builder returns the statement builder configured for this client.
func (c *Client) Builder() *Builder {
	return c.builder
}

// OnStateChange registers a handler for state transitions of every root
// transaction started after the call.
func (c *Client) OnStateChange(handler StateChangeHandler) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.stateHandlers = append(c.stateHandlers, handler)
}

// GetVersion returns the client version.
func (c *Client) GetVersion() string {
	return Version
}

// Transaction checks out a connection, runs fn between BEGIN and COMMIT
// and checks the connection back in. Any error from fn, or a panic, rolls
// the transaction back; a panic is re-raised afterwards.
func (c *Client) Transaction(ctx context.Context, fn func(ctx context.Context, tx *Transaction) error) (err error) {
	if c.closed.Load() {
		return ErrPoolClosed()
	}

	conn, err := c.pool.Checkout(ctx)
	if err != nil {
		return err
	}

	tx := c.newRoot(conn)
	started := time.Now()
	c.activeTransactions.Store(tx.id, &transactionContext{tx: tx, startedAt: started})
	defer c.activeTransactions.Delete(tx.id)

	var recovered interface{}
	var draining bool
	defer func() {
		if draining {
			// Statements that outlived the callback may still be on the
			// connection. It goes back to the pool once they finish.
			failed := err
			tx.whenDrained(func() { c.pool.Checkin(conn, failed) })
		} else {
			c.pool.Checkin(conn, err)
		}
		if recovered != nil {
			c.logger.Warn("transaction rolled back due to panic",
				String("transaction_id", tx.id),
				Duration("duration", time.Since(started)),
				Error("panic", fmt.Errorf("%v", recovered)),
				Error("rollback_error", err),
				String("stack", string(debug.Stack())))
			panic(recovered)
		}
	}()

	if _, beginErr := tx.Query(ctx, NewQuery("BEGIN")); beginErr != nil {
		return newSettleError("E_BEGIN_FAILED", "failed to begin transaction", tx.id, beginErr)
	}

	recovered, err = tx.run(ctx, fn)
	hold, settleErr := tx.settle(ctx)
	if err == nil {
		err = settleErr
	}
	if hold == nil {
		// The connection is still owned by resources that outlived fn. It is
		// returned with the error so the pool does not reuse the session.
		draining = true
		c.metrics.observeTransaction(false)
		return err
	}
	defer hold.release()

	if err == nil {
		if _, commitErr := tx.execLocked(ctx, NewQuery("COMMIT")); commitErr != nil {
			tx.setState(TxRolledBack, commitErr, nil)
			c.metrics.observeTransaction(false)
			return newSettleError("E_COMMIT_FAILED", "failed to commit transaction", tx.id, commitErr)
		}
		tx.setState(TxCommitted, nil, nil)
		c.metrics.observeTransaction(true)
		return nil
	}

	if _, rbErr := tx.execLocked(ctx, NewQuery("ROLLBACK")); rbErr != nil {
		c.logger.Error("failed to rollback transaction after error",
			String("transaction_id", tx.id),
			Error("original_error", err),
			Error("rollback_error", rbErr))
		err = newSettleError("E_ROLLBACK_FAILED", "failed to roll back transaction", tx.id, rbErr)
	}
	tx.setState(TxRolledBack, err, nil)
	c.metrics.observeTransaction(false)
	return err
}

// InTransaction runs fn in a root transaction and returns its value.
func InTransaction[T any](ctx context.Context, c *Client, fn func(ctx context.Context, tx *Transaction) (T, error)) (T, error) {
	var out T
	err := c.Transaction(ctx, func(ctx context.Context, tx *Transaction) error {
		v, err := fn(ctx, tx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// Query runs q outside an explicit transaction on a connection checked out
// for this call only.
func (c *Client) Query(ctx context.Context, q Query) (*Result, error) {
	if c.closed.Load() {
		return nil, ErrPoolClosed()
	}

	conn, err := c.pool.Checkout(ctx)
	if err != nil {
		return nil, err
	}

	tx := c.newRoot(conn)
	res, err := tx.Query(ctx, q)
	c.pool.Checkin(conn, err)
	return res, err
}

// Exec runs text with positional values outside an explicit transaction.
func (c *Client) Exec(ctx context.Context, text string, values ...interface{}) (*Result, error) {
	return c.Query(ctx, NewQuery(text, values...))
}

// StreamQuery opens a cursor over q's rows on a dedicated connection. The
// connection is checked back in when the stream ends.
func (c *Client) StreamQuery(ctx context.Context, q Query) (*ReadStream, error) {
	if c.closed.Load() {
		return nil, ErrPoolClosed()
	}

	conn, err := c.pool.Checkout(ctx)
	if err != nil {
		return nil, err
	}

	tx := c.newRoot(conn)
	s, err := tx.StreamQuery(ctx, q)
	if err != nil {
		c.pool.Checkin(conn, err)
		return nil, err
	}

	go func() {
		<-s.Done()
		c.pool.Checkin(conn, s.Result().Err)
	}()
	return s, nil
}

// Close closes the pool. Transactions still running keep their
// connections until they settle.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.logger.Info("closing client")
	return c.pool.Close()
}

func (c *Client) newRoot(conn Conn) *Transaction {
	tx := newTransaction(c, conn, nil)

	c.stateMu.RLock()
	for _, h := range c.stateHandlers {
		tx.OnStateChange(h)
	}
	c.stateMu.RUnlock()

	return tx
}
