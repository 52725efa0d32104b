package client

import (
	"context"
	"sync"
)

// StreamResult is the single outcome of a stream: the server-confirmed
// row count on success, or the error that ended it.
type StreamResult struct {
	Affected int64
	Err      error
}

// completion resolves exactly once. The observer runs before Done is
// closed, so whoever waits on Done sees the lock already released.
type completion struct {
	once     sync.Once
	done     chan struct{}
	result   StreamResult
	observer func(StreamResult)
}

func newCompletion() *completion {
	return &completion{done: make(chan struct{})}
}

// resolve records r if nothing was recorded yet and reports whether it did.
func (c *completion) resolve(r StreamResult) bool {
	first := false
	c.once.Do(func() {
		first = true
		c.result = r
		if c.observer != nil {
			c.observer(r)
		}
		close(c.done)
	})
	return first
}

func (c *completion) resolved() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *completion) wait(ctx context.Context) (StreamResult, error) {
	select {
	case <-c.done:
		return c.result, nil
	case <-ctx.Done():
		return StreamResult{}, ctx.Err()
	}
}

// resource is anything a transaction must abort when it settles early.
type resource interface {
	abort(err error)
}

// InsertFinished is delivered when an insert stream closes successfully.
type InsertFinished struct {
	Table            string
	InsertedRowCount int64
}

// DeleteFinished is delivered when a delete stream closes successfully.
type DeleteFinished struct {
	Table           string
	DeletedRowCount int64
}

// InsertOptions configures an insert stream. Zero values fall back to the
// client options.
type InsertOptions struct {
	BatchSize   int
	QuerySuffix string
	OnFinish    func(InsertFinished)
}

// DeleteOptions configures a delete stream. Zero values fall back to the
// client options.
type DeleteOptions struct {
	BatchSize int
	KeyColumn string
	OnFinish  func(DeleteFinished)
}

// writeStream adapts write-then-close producers onto a BatchCollector.
type writeStream[T any] struct {
	kind       string
	table      string
	txID       string
	collector  *BatchCollector[T]
	completion *completion
	onFinish   func(affected int64)

	mu      sync.Mutex
	closing bool
}

// Write adds one item. It blocks while a full batch is buffered or in
// flight, and returns the sticky error of a failed flush immediately.
func (s *writeStream[T]) Write(ctx context.Context, item T) error {
	if err := s.collector.WaitReady(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.completion.resolved() && s.completion.result.Err != nil {
		return s.completion.result.Err
	}
	if s.closing {
		return ErrStreamClosed(s.txID, s.kind)
	}
	return s.collector.Add(ctx, item)
}

// Close flushes what is buffered and ends the stream. It returns the
// server-confirmed row count of the whole stream. Later calls return the
// same outcome.
func (s *writeStream[T]) Close(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.completion.resolved() {
		r := s.completion.result
		return r.Affected, r.Err
	}
	s.closing = true

	err := s.collector.Flush(ctx)
	r := StreamResult{Affected: s.collector.AffectedCount(), Err: err}
	s.finish(r)

	r = s.completion.result
	return r.Affected, r.Err
}

// Abort ends the stream with err without flushing what is buffered.
// A nil err is replaced with a closed-stream error.
func (s *writeStream[T]) Abort(err error) {
	s.abort(err)
}

func (s *writeStream[T]) abort(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.completion.resolved() {
		return
	}
	if err == nil {
		err = ErrStreamClosed(s.txID, s.kind)
	}
	s.closing = true
	s.collector.poison(err)
	s.finish(StreamResult{Affected: s.collector.AffectedCount(), Err: err})
}

// finish waits for every flush to leave the connection, then resolves.
// s.mu must be held.
func (s *writeStream[T]) finish(r StreamResult) {
	_ = s.collector.Wait(context.Background())
	if s.completion.resolve(r) && r.Err == nil && s.onFinish != nil {
		s.onFinish(r.Affected)
	}
}

// Done is closed once the stream has finished, failed or been aborted.
func (s *writeStream[T]) Done() <-chan struct{} {
	return s.completion.done
}

// Result returns the stream outcome. It is the zero value until Done is closed.
func (s *writeStream[T]) Result() StreamResult {
	if !s.completion.resolved() {
		return StreamResult{}
	}
	return s.completion.result
}

// Wait blocks until the stream ends and returns its outcome.
func (s *writeStream[T]) Wait(ctx context.Context) (int64, error) {
	r, err := s.completion.wait(ctx)
	if err != nil {
		return 0, err
	}
	return r.Affected, r.Err
}

// Ready reports whether Write would proceed without blocking.
func (s *writeStream[T]) Ready() bool {
	return s.collector.Ready()
}

// Outstanding returns the number of items buffered or being sent.
func (s *writeStream[T]) Outstanding() int {
	return s.collector.Outstanding()
}

// BatchSize returns the number of items sent per statement.
func (s *writeStream[T]) BatchSize() int {
	return s.collector.BatchSize()
}

// Table returns the target table.
func (s *writeStream[T]) Table() string {
	return s.table
}

// InsertStream batches rows into multi-row INSERT statements.
type InsertStream struct {
	*writeStream[Row]
}

// DeleteStream batches keys into DELETE ... WHERE key IN (...) statements.
type DeleteStream struct {
	*writeStream[interface{}]
}

// ReadStream iterates a query's rows through a cursor that holds the
// transaction lock until the rows are exhausted, fail or Close is called.
type ReadStream struct {
	mu         sync.Mutex
	rows       Rows
	columns    []string
	row        Row
	count      int64
	err        error
	closeErr   error
	completion *completion
}

func newReadStream(rows Rows) *ReadStream {
	return &ReadStream{
		rows:       rows,
		columns:    rows.Columns(),
		completion: newCompletion(),
	}
}

// Next advances to the next row.
func (s *ReadStream) Next(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.completion.resolved() {
		return false
	}
	if err := ctx.Err(); err != nil {
		s.finishLocked(err)
		return false
	}

	if !s.rows.Next() {
		s.finishLocked(s.rows.Err())
		return false
	}

	values, err := s.rows.Values()
	if err != nil {
		s.finishLocked(err)
		return false
	}
	s.row = RowFromColumns(s.columns, values)
	s.count++
	return true
}

// Row returns the current row.
func (s *ReadStream) Row() Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.row
}

// Columns returns the result column names.
func (s *ReadStream) Columns() []string {
	return s.columns
}

// Err returns the error that ended iteration, if any.
func (s *ReadStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close releases the cursor. It is safe to call more than once.
func (s *ReadStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.completion.resolved() {
		s.finishLocked(nil)
	}
	return s.closeErr
}

// Done is closed once the cursor has been released.
func (s *ReadStream) Done() <-chan struct{} {
	return s.completion.done
}

// Result returns the number of rows read and the error that ended the
// stream. It is the zero value until Done is closed.
func (s *ReadStream) Result() StreamResult {
	if !s.completion.resolved() {
		return StreamResult{}
	}
	return s.completion.result
}

func (s *ReadStream) abort(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.completion.resolved() {
		s.finishLocked(err)
	}
}

// finishLocked closes the cursor before resolving. s.mu must be held.
func (s *ReadStream) finishLocked(err error) {
	s.closeErr = s.rows.Close()
	s.err = err
	s.completion.resolve(StreamResult{Affected: s.count, Err: err})
}

// resultRows serves an already collected Result through the Rows interface,
// for connections that cannot stream.
type resultRows struct {
	res *Result
	pos int
}

func newResultRows(res *Result) *resultRows {
	return &resultRows{res: res, pos: -1}
}

func (r *resultRows) Next() bool {
	if r.pos+1 >= len(r.res.Rows) {
		r.pos = len(r.res.Rows)
		return false
	}
	r.pos++
	return true
}

func (r *resultRows) Values() ([]interface{}, error) {
	return r.res.Rows[r.pos].Values(), nil
}

func (r *resultRows) Columns() []string { return r.res.Columns }
func (r *resultRows) Err() error        { return nil }
func (r *resultRows) Close() error      { return nil }
