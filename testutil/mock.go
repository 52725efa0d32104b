package testutil

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cookielab/pgclient/client"
)

// FakeConn is an in-memory client.ManagedConn that records every statement.
// It also records how many statements were in flight at once, so tests can
// assert that a connection was never used concurrently.
//
// Example usage:
//
//	conn := NewFakeConn()
//	conn.ExpectQuery("SELECT 1").WillReturn(&client.Result{RowCount: 1})
//	conn.ExpectPrefix("INSERT").WillReturnError(errDuplicate)
type FakeConn struct {
	expectations []*Expectation
	calls        []client.Query
	delay        time.Duration
	inFlight     int
	maxInFlight  int
	closed       bool
	mu           sync.Mutex
}

// Expectation matches statements and scripts their outcome.
type Expectation struct {
	exact       string
	prefix      string
	pattern     *regexp.Regexp
	result      *client.Result
	respond     func(client.Query) (*client.Result, error)
	err         error
	times       int // Expected number of calls (-1 = any)
	actualCalls int
}

// NewFakeConn creates a fake connection. Unmatched statements succeed with
// the result of DefaultResult.
func NewFakeConn() *FakeConn {
	return &FakeConn{}
}

// WithDelay makes every statement take d.
func (c *FakeConn) WithDelay(d time.Duration) *FakeConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delay = d
	return c
}

// ExpectQuery scripts the statement whose text equals text.
func (c *FakeConn) ExpectQuery(text string) *Expectation {
	return c.expect(&Expectation{exact: text, times: 1})
}

// ExpectPrefix scripts statements whose text starts with prefix.
func (c *FakeConn) ExpectPrefix(prefix string) *Expectation {
	return c.expect(&Expectation{prefix: prefix, times: 1})
}

// ExpectMatch scripts statements matching the regular expression.
func (c *FakeConn) ExpectMatch(pattern string) *Expectation {
	return c.expect(&Expectation{pattern: regexp.MustCompile(pattern), times: 1})
}

func (c *FakeConn) expect(e *Expectation) *Expectation {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expectations = append(c.expectations, e)
	return e
}

// WillReturn sets the result for this expectation.
func (e *Expectation) WillReturn(res *client.Result) *Expectation {
	e.result = res
	return e
}

// WillRespond computes the result from the statement.
func (e *Expectation) WillRespond(fn func(client.Query) (*client.Result, error)) *Expectation {
	e.respond = fn
	return e
}

// WillReturnError sets the error to return for this expectation.
func (e *Expectation) WillReturnError(err error) *Expectation {
	e.err = err
	return e
}

// Times sets the expected number of times this call should occur.
// Use -1 for "any number of times".
func (e *Expectation) Times(n int) *Expectation {
	e.times = n
	return e
}

// Once is a shorthand for Times(1).
func (e *Expectation) Once() *Expectation {
	return e.Times(1)
}

// AnyTimes allows this expectation to match any number of times.
func (e *Expectation) AnyTimes() *Expectation {
	return e.Times(-1)
}

func (e *Expectation) matches(text string) bool {
	switch {
	case e.pattern != nil:
		return e.pattern.MatchString(text)
	case e.prefix != "":
		return strings.HasPrefix(text, e.prefix)
	default:
		return e.exact == text
	}
}

// Query implements client.Conn.
func (c *FakeConn) Query(ctx context.Context, q client.Query) (*client.Result, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("fake connection is closed")
	}
	c.calls = append(c.calls, q)
	c.inFlight++
	if c.inFlight > c.maxInFlight {
		c.maxInFlight = c.inFlight
	}
	delay := c.delay

	var matched *Expectation
	for _, exp := range c.expectations {
		if exp.matches(q.Text) && (exp.times == -1 || exp.actualCalls < exp.times) {
			exp.actualCalls++
			matched = exp
			break
		}
	}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.inFlight--
		c.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if matched == nil {
		return DefaultResult(q), nil
	}
	if matched.err != nil {
		return nil, matched.err
	}
	if matched.respond != nil {
		return matched.respond(q)
	}
	if matched.result != nil {
		return matched.result, nil
	}
	return DefaultResult(q), nil
}

var valuesTuple = regexp.MustCompile(`\([^()]*\)`)

// DefaultResult reports every bound value of a DELETE ... IN (...) and
// every tuple of an INSERT ... VALUES as one affected row.
func DefaultResult(q client.Query) *client.Result {
	text := strings.ToUpper(q.Text)
	switch {
	case strings.HasPrefix(text, "INSERT"):
		if i := strings.Index(text, " VALUES "); i >= 0 {
			return &client.Result{RowCount: int64(len(valuesTuple.FindAllString(text[i:], -1)))}
		}
	case strings.HasPrefix(text, "DELETE"):
		return &client.Result{RowCount: int64(len(q.Values))}
	}
	return &client.Result{}
}

// Ping implements client.ManagedConn.
func (c *FakeConn) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("fake connection is closed")
	}
	return nil
}

// Close implements client.ManagedConn.
func (c *FakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// IsAlive implements client.ManagedConn.
func (c *FakeConn) IsAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// LastActivity implements client.ManagedConn.
func (c *FakeConn) LastActivity() time.Time {
	return time.Now()
}

// Statements returns the text of every statement received, in order.
func (c *FakeConn) Statements() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.calls))
	for i, q := range c.calls {
		out[i] = q.Text
	}
	return out
}

// Calls returns every statement received, with its values.
func (c *FakeConn) Calls() []client.Query {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]client.Query{}, c.calls...)
}

// MaxInFlight returns the largest number of statements observed running
// at the same time.
func (c *FakeConn) MaxInFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxInFlight
}

// VerifyExpectations checks that all expectations were met.
func (c *FakeConn) VerifyExpectations(t *testing.T) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, exp := range c.expectations {
		if exp.times != -1 && exp.actualCalls != exp.times {
			t.Errorf("expectation %d (%q%q): expected %d calls, got %d",
				i, exp.exact, exp.prefix, exp.times, exp.actualCalls)
		}
	}
}

// Reset clears all expectations and recorded calls.
func (c *FakeConn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expectations = nil
	c.calls = nil
	c.maxInFlight = 0
}

// Checkin records one connection returned to a FakePool.
type Checkin struct {
	Conn client.Conn
	Err  error
}

// FakePool hands out a single FakeConn and records every checkin.
type FakePool struct {
	Conn *FakeConn

	mu        sync.Mutex
	checkouts int
	checkins  []Checkin
	closed    bool
	err       error
}

// NewFakePool creates a pool around conn.
func NewFakePool(conn *FakeConn) *FakePool {
	return &FakePool{Conn: conn}
}

// FailCheckout makes every later Checkout return err.
func (p *FakePool) FailCheckout(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Checkout implements client.Pool.
func (p *FakePool) Checkout(ctx context.Context) (client.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	if p.closed {
		return nil, client.ErrPoolClosed()
	}
	p.checkouts++
	return p.Conn, nil
}

// Checkin implements client.Pool.
func (p *FakePool) Checkin(conn client.Conn, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checkins = append(p.checkins, Checkin{Conn: conn, Err: err})
}

// Close implements client.Pool.
func (p *FakePool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Checkouts returns the number of successful checkouts.
func (p *FakePool) Checkouts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.checkouts
}

// Checkins returns every checkin in order.
func (p *FakePool) Checkins() []Checkin {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Checkin{}, p.checkins...)
}
