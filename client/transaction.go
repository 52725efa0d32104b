package client

import (
	"context"
	"fmt"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Transaction serializes every use of one connection across a tree of
// nested transactions. Each Transaction owns a FIFO lock; holding it is
// required to run a statement, open a nested transaction or open a stream.
// A nested transaction keeps its parent's lock for its whole lifetime, so
// at most one unit of the tree uses the connection at any instant.
//
// Settlement is fail-fast: when a callback returns while a stream or
// nested transaction it opened is still open, those resources are aborted
// and the transaction fails with E_UNFINISHED_RESOURCES.
type Transaction struct {
	id     string
	conn   Conn
	depth  int
	label  string
	parent *Transaction
	client *Client
	logger Logger

	lock   *txLock
	state  *StateManager
	closed atomic.Bool

	resMu     sync.Mutex
	resources map[int]resource
	nextRes   int
}

func newTransaction(c *Client, conn Conn, parent *Transaction) *Transaction {
	depth := 0
	id := uuid.New().String()
	if parent != nil {
		depth = parent.depth + 1
		id = parent.id
	}

	t := &Transaction{
		id:        id,
		conn:      conn,
		depth:     depth,
		label:     "savepoint" + strconv.Itoa(depth),
		parent:    parent,
		client:    c,
		lock:      newTxLock(),
		state:     NewStateManager(),
		resources: make(map[int]resource),
	}
	t.logger = c.logger.WithFields(String("transaction_id", id), Int("depth", depth))
	return t
}

// ID returns the id shared by every transaction of the tree.
func (t *Transaction) ID() string {
	return t.id
}

// Depth returns the savepoint depth, 0 for the root.
func (t *Transaction) Depth() int {
	return t.depth
}

// Label returns the savepoint name this transaction runs under.
func (t *Transaction) Label() string {
	return t.label
}

// State returns what the transaction is currently doing.
func (t *Transaction) State() TxState {
	return t.state.GetState()
}

// OnStateChange registers a handler for this transaction's state transitions.
func (t *Transaction) OnStateChange(handler StateChangeHandler) {
	t.state.OnStateChange(handler)
}

// Closed reports whether the transaction has settled.
func (t *Transaction) Closed() bool {
	return t.closed.Load()
}

// Query runs q once every earlier caller has released the lock.
func (t *Transaction) Query(ctx context.Context, q Query) (*Result, error) {
	h, err := t.acquire(ctx, "query")
	if err != nil {
		return nil, err
	}
	defer h.release()

	t.setState(TxQuerying, nil, nil)
	res, err := t.execLocked(ctx, q)
	t.setState(TxIdle, err, nil)
	return res, err
}

// Exec runs text with positional values.
func (t *Transaction) Exec(ctx context.Context, text string, values ...interface{}) (*Result, error) {
	return t.Query(ctx, NewQuery(text, values...))
}

// Insert inserts a single row into table.
func (t *Transaction) Insert(ctx context.Context, table string, row Row) (*Result, error) {
	q, err := t.client.builder.Insert(table, row)
	if err != nil {
		return nil, err
	}
	return t.Query(ctx, q)
}

// Transaction runs fn in a nested transaction under a savepoint. The
// savepoint is released when fn succeeds and rolled back when fn fails or
// panics; a panic is re-raised after the rollback.
func (t *Transaction) Transaction(ctx context.Context, fn func(ctx context.Context, tx *Transaction) error) error {
	h, err := t.acquire(ctx, "open nested transaction")
	if err != nil {
		return err
	}
	release := h.release
	defer func() { release() }()

	child := newTransaction(t.client, t.conn, t)
	meta := map[string]interface{}{"label": child.label}

	t.setState(TxOpeningSavepoint, nil, meta)
	if _, err := t.execLocked(ctx, NewQuery("SAVEPOINT "+child.label)); err != nil {
		t.setState(TxIdle, err, meta)
		return newSettleError("E_SAVEPOINT_FAILED", "failed to create "+child.label, t.id, err)
	}

	id := t.track(child)
	defer t.untrack(id)
	t.setState(TxChildRunning, nil, meta)

	recovered, err := child.run(ctx, fn)
	hold, settleErr := child.settle(ctx)
	if err == nil {
		err = settleErr
	}

	if hold == nil {
		// The child's resources still own the connection. This transaction
		// keeps its own lock until they let go, so nothing else is sent.
		child.whenDrained(h.release)
		release = func() {}
		t.closeWith(err)
		t.setState(TxClosingSavepoint, err, meta)
		t.setState(TxIdle, err, meta)
		if recovered != nil {
			panic(recovered)
		}
		return err
	}
	hold.release()

	t.setState(TxClosingSavepoint, err, meta)
	if err == nil {
		if _, relErr := t.execLocked(ctx, NewQuery("RELEASE SAVEPOINT "+child.label)); relErr != nil {
			err = newSettleError("E_SAVEPOINT_FAILED", "failed to release "+child.label, t.id, relErr)
		}
	} else {
		if _, rbErr := t.execLocked(ctx, NewQuery("ROLLBACK TO SAVEPOINT "+child.label)); rbErr != nil {
			t.logger.Error("failed to roll back to savepoint",
				String("label", child.label),
				Error("original_error", err),
				Error("rollback_error", rbErr))
			err = newSettleError("E_ROLLBACK_FAILED", "failed to roll back to "+child.label, t.id, rbErr)
		}
	}
	t.setState(TxIdle, err, meta)

	if recovered != nil {
		panic(recovered)
	}
	return err
}

// StreamQuery opens a cursor over q's rows. The transaction stays locked
// until the stream is exhausted, fails or is closed.
func (t *Transaction) StreamQuery(ctx context.Context, q Query) (*ReadStream, error) {
	h, err := t.acquire(ctx, "open read stream")
	if err != nil {
		return nil, err
	}

	meta := map[string]interface{}{"stream": "read"}
	t.setState(TxOpeningStream, nil, meta)

	rows, err := t.openCursor(ctx, q)
	if err != nil {
		t.setState(TxIdle, err, meta)
		h.release()
		return nil, err
	}

	s := newReadStream(rows)
	t.attach(s, s.completion, h, meta)
	return s, nil
}

// InsertStream opens a stream that inserts rows into table in batches.
func (t *Transaction) InsertStream(ctx context.Context, table string, opts InsertOptions) (*InsertStream, error) {
	h, err := t.acquire(ctx, "open insert stream")
	if err != nil {
		return nil, err
	}

	meta := map[string]interface{}{"stream": "insert", "table": table}
	t.setState(TxOpeningStream, nil, meta)

	suffix := opts.QuerySuffix
	if suffix == "" {
		suffix = t.client.opts.QuerySuffix
	}
	builder := t.client.builder
	build := func(rows []Row) (Query, error) {
		return builder.MultiInsert(table, rows, suffix)
	}

	ws := newWriteStream[Row](t, "insert", table, opts.BatchSize, build, func(affected int64) {
		t.logger.Info("insert stream finished", String("table", table), Int64("inserted_row_count", affected))
		if opts.OnFinish != nil {
			opts.OnFinish(InsertFinished{Table: table, InsertedRowCount: affected})
		}
	})
	t.attach(ws, ws.completion, h, meta)
	return &InsertStream{writeStream: ws}, nil
}

// DeleteStream opens a stream that deletes rows of table by key in batches.
func (t *Transaction) DeleteStream(ctx context.Context, table string, opts DeleteOptions) (*DeleteStream, error) {
	h, err := t.acquire(ctx, "open delete stream")
	if err != nil {
		return nil, err
	}

	meta := map[string]interface{}{"stream": "delete", "table": table}
	t.setState(TxOpeningStream, nil, meta)

	keyColumn := opts.KeyColumn
	if keyColumn == "" {
		keyColumn = t.client.opts.KeyColumn
	}
	builder := t.client.builder
	build := func(keys []interface{}) (Query, error) {
		return builder.DeleteIn(table, keyColumn, keys)
	}

	ws := newWriteStream[interface{}](t, "delete", table, opts.BatchSize, build, func(affected int64) {
		t.logger.Info("delete stream finished", String("table", table), Int64("deleted_row_count", affected))
		if opts.OnFinish != nil {
			opts.OnFinish(DeleteFinished{Table: table, DeletedRowCount: affected})
		}
	})
	t.attach(ws, ws.completion, h, meta)
	return &DeleteStream{writeStream: ws}, nil
}

func newWriteStream[T any](t *Transaction, kind, table string, batchSize int, build func([]T) (Query, error), finished func(int64)) *writeStream[T] {
	if batchSize == 0 {
		batchSize = t.client.opts.BatchSize
	}

	collector := NewBatchCollector[T](lockedExec{t}, build, batchSize)
	metrics := t.client.metrics
	collector.onFlush = func(items int, err error) {
		metrics.observeFlush(err)
		if err != nil {
			t.logger.Warn("batch flush failed",
				String("stream", kind),
				String("table", table),
				Int("items", items),
				Error("error", err))
		}
	}

	return &writeStream[T]{
		kind:       kind,
		table:      table,
		txID:       t.id,
		collector:  collector,
		completion: newCompletion(),
		onFinish: func(affected int64) {
			metrics.observeStreamFinished(kind, affected)
			finished(affected)
		},
	}
}

// attach ties the lock to the resource's completion. h is released exactly
// once, when the resource resolves.
func (t *Transaction) attach(r resource, comp *completion, h *lockHandle, meta map[string]interface{}) {
	t.setState(TxStreamOpen, nil, meta)
	id := t.track(r)
	comp.observer = func(res StreamResult) {
		t.untrack(id)
		t.setState(TxIdle, res.Err, meta)
		h.release()
	}
}

// lockedExec sends statements on behalf of a resource that already holds
// the transaction lock.
type lockedExec struct {
	t *Transaction
}

func (e lockedExec) Query(ctx context.Context, q Query) (*Result, error) {
	return e.t.execLocked(ctx, q)
}

// acquire waits for the lock. Callers still queued when the transaction
// settles get E_TX_CLOSED without touching the connection.
func (t *Transaction) acquire(ctx context.Context, operation string) (*lockHandle, error) {
	if t.closed.Load() {
		return nil, ErrTransactionClosed(t.id, operation)
	}

	start := time.Now()
	h, ok := t.lock.tryAcquire()
	if !ok {
		var err error
		h, err = t.lock.acquireWatched(ctx, t.client.opts.LockWaitWarning, func(waited time.Duration) {
			t.logger.Warn("waiting for transaction lock",
				String("operation", operation),
				String("label", t.label),
				String("state", t.State().String()),
				Int("pending", t.lock.pending()),
				Duration("waited", waited))
		})
		if err != nil {
			return nil, errLockWait(t.id, operation, t.lock.pending(), err)
		}
	}
	t.client.metrics.observeLockWait(time.Since(start))

	if t.closed.Load() {
		h.release()
		return nil, ErrTransactionClosed(t.id, operation)
	}
	return h, nil
}

// execLocked sends q on the connection. The caller must hold the lock.
func (t *Transaction) execLocked(ctx context.Context, q Query) (*Result, error) {
	c := t.client
	debugMode := c.IsDebugMode()

	// Captured before the statement is sent so the trace points at the caller.
	var diag *QueryError
	if debugMode {
		diag = newQueryError(q)
	}

	q, err := c.serializer.SerializeQuery(q)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	hookCtx := &HookContext{
		Command:       q.Text,
		CommandType:   statementKind(q.Text),
		Params:        q.Values,
		TransactionID: t.id,
		Depth:         t.depth,
		StartTime:     start,
		Metadata:      make(map[string]interface{}),
		TraceID:       uuid.New().String(),
	}

	if err := c.hooks.before(ctx, hookCtx); err != nil {
		return nil, err
	}
	q = Query{Text: hookCtx.Command, Values: hookCtx.Params}

	if debugMode {
		c.logStatement(t, hookCtx)
	}

	res, err := t.conn.Query(ctx, q)
	duration := time.Since(start)

	hookCtx.Result = res
	hookCtx.Error = err
	hookCtx.Duration = duration
	if hookErr := c.hooks.after(ctx, hookCtx); hookErr != nil {
		err = hookErr
	}
	c.metrics.observeStatement(hookCtx.CommandType, duration, err)

	if err != nil {
		if debugMode {
			diag.Query = q.Text
			diag.Params = q.Values
			diag.Details = map[string]interface{}{
				"trace_id":       hookCtx.TraceID,
				"transaction_id": t.id,
				"depth":          t.depth,
				"fingerprint":    fingerprint(q.Text),
			}
			t.logger.Debug("statement failed",
				String("trace_id", hookCtx.TraceID),
				Duration("duration", duration),
				Error("error", err))
			return nil, diag.withCause(err)
		}
		return nil, err
	}
	return res, nil
}

// openCursor starts q as a cursor. Connections that cannot stream run the
// query and serve the collected rows.
func (t *Transaction) openCursor(ctx context.Context, q Query) (Rows, error) {
	streamer, ok := t.conn.(Streamer)
	if !ok {
		res, err := t.execLocked(ctx, q)
		if err != nil {
			return nil, err
		}
		return newResultRows(res), nil
	}

	c := t.client
	var diag *QueryError
	if c.IsDebugMode() {
		diag = newQueryError(q)
	}

	sq, err := c.serializer.SerializeQuery(q)
	if err != nil {
		return nil, err
	}

	hookCtx := &HookContext{
		Command:       sq.Text,
		CommandType:   statementKind(sq.Text),
		Params:        sq.Values,
		TransactionID: t.id,
		Depth:         t.depth,
		StartTime:     time.Now(),
		Metadata:      map[string]interface{}{"stream": true},
		TraceID:       uuid.New().String(),
	}
	if err := c.hooks.before(ctx, hookCtx); err != nil {
		return nil, err
	}
	sq = Query{Text: hookCtx.Command, Values: hookCtx.Params}
	if diag != nil {
		c.logStatement(t, hookCtx)
	}

	rows, err := streamer.Stream(ctx, sq)
	hookCtx.Error = err
	hookCtx.Duration = time.Since(hookCtx.StartTime)
	if hookErr := c.hooks.after(ctx, hookCtx); hookErr != nil && err == nil {
		rows.Close()
		err = hookErr
	}
	c.metrics.observeStatement(hookCtx.CommandType, hookCtx.Duration, err)

	if err != nil {
		if diag != nil {
			return nil, diag.withCause(err)
		}
		return nil, err
	}
	return rows, nil
}

// run invokes fn, converting a panic into an error. The recovered value is
// returned so the caller can re-raise it after rolling back.
func (t *Transaction) run(ctx context.Context, fn func(ctx context.Context, tx *Transaction) error) (recovered interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			recovered = r
			err = ErrTransactionPanic(t.id, r)
			t.logger.Warn("transaction callback panicked",
				String("label", t.label),
				Error("panic", fmt.Errorf("%v", r)),
				String("stack", string(debug.Stack())))
		}
	}()
	return nil, fn(ctx, t)
}

// settle closes the transaction to new work and takes its lock. If the
// lock is not immediately free, everything still open is aborted and the
// returned error is E_UNFINISHED_RESOURCES; the lock is still taken once
// the aborted resources let go of it. A nil handle means ctx ended first.
func (t *Transaction) settle(ctx context.Context) (*lockHandle, error) {
	if h, ok := t.lock.tryAcquire(); ok {
		t.closed.Store(true)
		return h, nil
	}

	open := t.lock.pending()
	leakErr := ErrUnfinishedResources(t.id, open)
	t.logger.Warn("transaction settled with unfinished resources",
		String("label", t.label),
		String("state", t.State().String()),
		Int("open_resources", open))
	t.closeWith(leakErr)

	h, err := t.lock.acquireWatched(ctx, t.client.opts.LockWaitWarning, func(waited time.Duration) {
		t.logger.Warn("still waiting for unfinished resources to release the connection",
			String("label", t.label),
			String("state", t.State().String()),
			Duration("waited", waited))
	})
	if err != nil {
		return nil, errLockWait(t.id, "settle", t.lock.pending(), err)
	}
	return h, leakErr
}

// whenDrained calls done once every holder of the lock has released it,
// without blocking the caller.
func (t *Transaction) whenDrained(done func()) {
	go func() {
		defer done()
		h, err := t.lock.acquireWatched(context.Background(), t.client.opts.LockWaitWarning, func(waited time.Duration) {
			t.logger.Warn("connection still in use after the transaction ended",
				String("label", t.label),
				Int("pending", t.lock.pending()),
				Duration("waited", waited))
		})
		if err == nil {
			h.release()
		}
	}()
}

// closeWith rejects new work and aborts every open resource with err.
func (t *Transaction) closeWith(err error) {
	t.closed.Store(true)

	t.resMu.Lock()
	open := make([]resource, 0, len(t.resources))
	for _, r := range t.resources {
		open = append(open, r)
	}
	t.resMu.Unlock()

	for _, r := range open {
		r.abort(err)
	}
}

// abort lets a parent close this transaction when it settles early.
func (t *Transaction) abort(err error) {
	t.closeWith(err)
}

func (t *Transaction) track(r resource) int {
	t.resMu.Lock()
	defer t.resMu.Unlock()
	t.nextRes++
	t.resources[t.nextRes] = r
	return t.nextRes
}

func (t *Transaction) untrack(id int) {
	t.resMu.Lock()
	defer t.resMu.Unlock()
	delete(t.resources, id)
}

func (t *Transaction) setState(to TxState, cause error, meta map[string]interface{}) {
	md := make(map[string]interface{}, len(meta)+2)
	for k, v := range meta {
		md[k] = v
	}
	md["transaction_id"] = t.id
	md["depth"] = t.depth

	if err := t.state.TransitionTo(to, cause, md); err != nil {
		t.logger.Warn("unexpected transaction state change", Error("error", err))
	}
}

// Nested runs fn in a nested transaction of tx and returns its value.
func Nested[T any](ctx context.Context, tx *Transaction, fn func(ctx context.Context, tx *Transaction) (T, error)) (T, error) {
	var out T
	err := tx.Transaction(ctx, func(ctx context.Context, child *Transaction) error {
		v, err := fn(ctx, child)
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
