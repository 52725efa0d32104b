package client

import (
	"context"
	"sync"
)

// Querier runs one statement. Connections, transactions and the unlocked
// executor streams flush through all satisfy it.
type Querier interface {
	// Query runs q and returns its rows and server-reported row count.
	Query(ctx context.Context, q Query) (*Result, error)
}

// BatchCollector buffers items and sends them as one batched statement
// whenever batchSize items are pending or Flush is called.
//
// Flushes run in the order they were scheduled. Once a flush fails the
// collector is poisoned: every later Add and Flush returns that error.
type BatchCollector[T any] struct {
	exec      Querier
	build     func(items []T) (Query, error)
	batchSize int

	mu       sync.Mutex
	pending  []T
	inFlight int
	last     chan struct{} // done channel of the most recently scheduled flush
	affected int64
	err      error

	onFlush func(items int, err error)
}

// NewBatchCollector creates a collector that sends statements built by
// build through exec. A batchSize <= 0 or above MaxBatchSize is replaced
// with MaxBatchSize.
func NewBatchCollector[T any](exec Querier, build func(items []T) (Query, error), batchSize int) *BatchCollector[T] {
	return &BatchCollector[T]{
		exec:      exec,
		build:     build,
		batchSize: effectiveBatchSize(batchSize),
	}
}

// BatchSize returns the effective capacity.
func (c *BatchCollector[T]) BatchSize() int {
	return c.batchSize
}

// Add appends item. When the buffer reaches capacity a flush is scheduled
// in the background; its failure is returned by the next Add or Flush.
func (c *BatchCollector[T]) Add(ctx context.Context, item T) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err != nil {
		return c.err
	}

	c.pending = append(c.pending, item)
	if len(c.pending) >= c.batchSize {
		items := c.pending
		c.pending = nil
		c.scheduleLocked(context.WithoutCancel(ctx), items)
	}
	return nil
}

// Flush sends everything buffered since the previous flush as one
// statement, after every previously scheduled flush has finished.
// With nothing buffered it only waits and reports the sticky error.
func (c *BatchCollector[T]) Flush(ctx context.Context) error {
	c.mu.Lock()
	items := c.pending
	c.pending = nil

	if len(items) == 0 {
		prev := c.last
		c.mu.Unlock()
		if err := waitDone(ctx, prev); err != nil {
			return err
		}
		return c.Err()
	}

	done, result := c.scheduleLocked(ctx, items)
	c.mu.Unlock()

	if err := waitDone(ctx, done); err != nil {
		return err
	}
	return *result
}

// scheduleLocked chains a flush of items behind the previous one.
// c.mu must be held.
func (c *BatchCollector[T]) scheduleLocked(ctx context.Context, items []T) (chan struct{}, *error) {
	prev := c.last
	done := make(chan struct{})
	result := new(error)

	c.last = done
	c.inFlight += len(items)

	go func() {
		defer close(done)
		if prev != nil {
			<-prev
		}
		*result = c.send(ctx, items)
	}()

	return done, result
}

func (c *BatchCollector[T]) send(ctx context.Context, items []T) error {
	c.mu.Lock()
	sticky := c.err
	c.mu.Unlock()

	var err error
	if sticky != nil {
		err = sticky
	} else {
		var q Query
		q, err = c.build(items)
		if err == nil {
			var res *Result
			res, err = c.exec.Query(ctx, q)
			if err == nil {
				c.mu.Lock()
				c.affected += res.RowCount
				c.mu.Unlock()
			}
		}
		if c.onFlush != nil {
			c.onFlush(len(items), err)
		}
	}

	c.mu.Lock()
	if err != nil && c.err == nil {
		c.err = err
	}
	c.inFlight -= len(items)
	c.mu.Unlock()

	return err
}

// AffectedCount returns the sum of server-reported row counts of every
// successful flush.
func (c *BatchCollector[T]) AffectedCount() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.affected
}

// Err returns the sticky error, if any.
func (c *BatchCollector[T]) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Outstanding returns the number of items buffered or being sent.
func (c *BatchCollector[T]) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending) + c.inFlight
}

// Ready reports whether another item can be added without exceeding one
// batch of buffered plus in-flight items.
func (c *BatchCollector[T]) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readyLocked()
}

func (c *BatchCollector[T]) readyLocked() bool {
	return c.err != nil || len(c.pending)+c.inFlight < c.batchSize
}

// WaitReady blocks until Ready would return true or ctx is done.
// A poisoned collector is always ready so that Add can report its error.
func (c *BatchCollector[T]) WaitReady(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.readyLocked() {
			c.mu.Unlock()
			return nil
		}
		last := c.last
		c.mu.Unlock()

		if err := waitDone(ctx, last); err != nil {
			return err
		}
	}
}

// Wait blocks until every scheduled flush has finished, without sending
// anything still buffered.
func (c *BatchCollector[T]) Wait(ctx context.Context) error {
	c.mu.Lock()
	last := c.last
	c.mu.Unlock()
	return waitDone(ctx, last)
}

// poison latches err unless a flush failure is already latched and drops
// anything buffered. Flushes still queued are skipped.
func (c *BatchCollector[T]) poison(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
	c.pending = nil
}

func waitDone(ctx context.Context, done <-chan struct{}) error {
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
