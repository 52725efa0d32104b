// Package sqliteconn connects the client to SQLite databases through
// modernc.org/sqlite, pooled by client.ConnectionPool.
package sqliteconn

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cookielab/pgclient/client"
)

// Connector opens physical connections to one SQLite database file.
type Connector struct {
	db   *sql.DB
	path string
}

// Open prepares a connector for the database at path. Connections wait up
// to five seconds for a competing writer before failing with SQLITE_BUSY.
func Open(path string) (*Connector, error) {
	dsn := "file:" + path + "?" + url.Values{
		"_pragma": []string{"busy_timeout(5000)", "foreign_keys(1)"},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %s: %w", path, err)
	}
	return &Connector{db: db, path: path}, nil
}

// Connect opens one dedicated connection.
func (c *Connector) Connect(ctx context.Context) (client.ManagedConn, error) {
	sc, err := c.db.Conn(ctx)
	if err != nil {
		return nil, &client.ConnectionError{
			Code:      "E_CONNECT_FAILED",
			Type:      "CONNECTION_ERROR",
			Message:   "failed to open sqlite connection",
			Cause:     err,
			Details:   map[string]interface{}{"path": c.path},
			Timestamp: time.Now(),
		}
	}

	conn := &Conn{conn: sc}
	conn.alive.Store(true)
	conn.touch()
	return conn, nil
}

// Close closes the underlying database handle.
func (c *Connector) Close() error {
	return c.db.Close()
}

// Pool is a client.ConnectionPool of SQLite connections.
type Pool struct {
	*client.ConnectionPool
	connector *Connector
}

// NewPool opens the database at path and fills the pool up to
// opts.PoolMinSize connections.
func NewPool(ctx context.Context, path string, opts client.ClientOptions) (*Pool, error) {
	connector, err := Open(path)
	if err != nil {
		return nil, err
	}

	cp := client.NewConnectionPoolFromOptions(connector.Connect, opts)
	if err := cp.Initialize(ctx); err != nil {
		connector.Close()
		return nil, err
	}
	return &Pool{ConnectionPool: cp, connector: connector}, nil
}

// Close closes every pooled connection and the database handle.
func (p *Pool) Close() error {
	if err := p.ConnectionPool.Close(); err != nil {
		return err
	}
	return p.connector.Close()
}

// Conn is one dedicated SQLite connection.
type Conn struct {
	conn         *sql.Conn
	alive        atomic.Bool
	lastActivity atomic.Int64
}

func (c *Conn) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// Query runs q. Statements that return rows are collected and counted;
// others report the number of rows they changed.
func (c *Conn) Query(ctx context.Context, q client.Query) (*client.Result, error) {
	if client.ReturnsRows(q.Text) {
		rows, err := c.Stream(ctx, q)
		if err != nil {
			return nil, err
		}
		res, err := client.CollectRows(rows)
		if err != nil {
			return nil, err
		}
		c.touch()
		return res, nil
	}

	r, err := c.conn.ExecContext(ctx, q.Text, q.Values...)
	if err != nil {
		return nil, err
	}
	n, err := r.RowsAffected()
	if err != nil {
		return nil, err
	}
	c.touch()
	return &client.Result{RowCount: n}, nil
}

// Stream starts q and returns a cursor over its rows.
func (c *Conn) Stream(ctx context.Context, q client.Query) (client.Rows, error) {
	rows, err := c.conn.QueryContext(ctx, q.Text, q.Values...)
	if err != nil {
		return nil, err
	}
	columns, err := rows.Columns()
	if err != nil {
		rows.Close()
		return nil, err
	}
	return &cursor{rows: rows, columns: columns}, nil
}

// Ping verifies the connection is usable.
func (c *Conn) Ping(ctx context.Context) error {
	if err := c.conn.PingContext(ctx); err != nil {
		c.alive.Store(false)
		return err
	}
	c.touch()
	return nil
}

// Close discards the physical connection instead of returning it to
// database/sql, so a session that failed mid-transaction is never reused.
func (c *Conn) Close() error {
	c.alive.Store(false)
	_ = c.conn.Raw(func(interface{}) error { return driver.ErrBadConn })
	return nil
}

// IsAlive reports whether the connection has not been closed or failed a ping.
func (c *Conn) IsAlive() bool {
	return c.alive.Load()
}

// LastActivity returns the time of the last successful statement.
func (c *Conn) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// cursor adapts *sql.Rows to client.Rows.
type cursor struct {
	rows    *sql.Rows
	columns []string
}

func (c *cursor) Next() bool        { return c.rows.Next() }
func (c *cursor) Columns() []string { return c.columns }
func (c *cursor) Err() error        { return c.rows.Err() }
func (c *cursor) Close() error      { return c.rows.Close() }

func (c *cursor) Values() ([]interface{}, error) {
	values := make([]interface{}, len(c.columns))
	dest := make([]interface{}, len(c.columns))
	for i := range values {
		dest[i] = &values[i]
	}
	if err := c.rows.Scan(dest...); err != nil {
		return nil, err
	}
	return values, nil
}
