// Package pgxconn connects the client to PostgreSQL through pgx and pgxpool.
package pgxconn

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cookielab/pgclient/client"
)

// txStatusIdle is the ReadyForQuery status of a session outside a transaction.
const txStatusIdle = 'I'

// Pool adapts a pgxpool.Pool to client.Pool.
type Pool struct {
	pool   *pgxpool.Pool
	logger client.Logger
}

// Options configures New.
type Options struct {
	// MaxConns caps the pool size. Zero keeps the pgxpool default.
	MaxConns int32
	// TLS overrides the TLS settings of the connection string when enabled.
	TLS    TLSOptions
	Logger client.Logger
}

// New parses dsn, connects and verifies the server is reachable.
func New(ctx context.Context, dsn string, opts Options) (*Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, &client.ConnectionError{
			Code:      "E_INVALID_DSN",
			Type:      "CONNECTION_ERROR",
			Message:   "failed to parse connection string",
			Cause:     err,
			Timestamp: time.Now(),
		}
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.TLS.Enabled() {
		tlsConfig, err := buildTLSConfig(opts.TLS, cfg.ConnConfig.Host)
		if err != nil {
			return nil, err
		}
		cfg.ConnConfig.TLSConfig = tlsConfig
		cfg.ConnConfig.Fallbacks = nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		code, message := "E_CONNECT_FAILED", "failed to reach server"
		if c, m, ok := tlsFailure(err); ok {
			code, message = c, m
		}
		return nil, &client.ConnectionError{
			Code:    code,
			Type:    "CONNECTION_ERROR",
			Message: message,
			Cause:   err,
			Details: map[string]interface{}{
				"host": cfg.ConnConfig.Host,
				"port": cfg.ConnConfig.Port,
			},
			Timestamp: time.Now(),
		}
	}

	return Wrap(pool, opts.Logger), nil
}

// Wrap adapts an existing pgxpool.Pool.
func Wrap(pool *pgxpool.Pool, logger client.Logger) *Pool {
	if logger == nil {
		logger = client.NewNoopLogger()
	}
	return &Pool{pool: pool, logger: logger}
}

// Checkout acquires a connection from pgxpool.
func (p *Pool) Checkout(ctx context.Context) (client.Conn, error) {
	c, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &Conn{conn: c}, nil
}

// Checkin releases the connection. A connection returned with an error
// while still inside a transaction is closed rather than reused.
func (p *Pool) Checkin(conn client.Conn, err error) {
	c, ok := conn.(*Conn)
	if !ok || c == nil {
		return
	}

	if err != nil && c.conn.Conn().PgConn().TxStatus() != txStatusIdle {
		p.logger.Warn("closing connection left inside a transaction", client.Error("error", err))
		raw := c.conn.Hijack()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if closeErr := raw.Close(ctx); closeErr != nil {
			p.logger.Debug("failed to close hijacked connection", client.Error("error", closeErr))
		}
		return
	}
	c.conn.Release()
}

// Close closes every pooled connection.
func (p *Pool) Close() error {
	p.pool.Close()
	return nil
}

// Stat exposes pgxpool statistics.
func (p *Pool) Stat() *pgxpool.Stat {
	return p.pool.Stat()
}

// Conn is one acquired pgx connection.
type Conn struct {
	conn *pgxpool.Conn
}

// Query runs q and collects its rows. RowCount is the command tag's count.
func (c *Conn) Query(ctx context.Context, q client.Query) (*client.Result, error) {
	rows, err := c.conn.Query(ctx, q.Text, q.Values...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns := columnNames(rows)
	res := &client.Result{Columns: columns}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		res.Rows = append(res.Rows, client.RowFromColumns(columns, values))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	res.RowCount = rows.CommandTag().RowsAffected()
	return res, nil
}

// Stream starts q and returns a cursor over its rows.
func (c *Conn) Stream(ctx context.Context, q client.Query) (client.Rows, error) {
	rows, err := c.conn.Query(ctx, q.Text, q.Values...)
	if err != nil {
		return nil, err
	}
	return &cursor{rows: rows, columns: columnNames(rows)}, nil
}

func columnNames(rows pgx.Rows) []string {
	fields := rows.FieldDescriptions()
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	return names
}

// cursor adapts pgx.Rows to client.Rows.
type cursor struct {
	rows    pgx.Rows
	columns []string
}

func (c *cursor) Next() bool                     { return c.rows.Next() }
func (c *cursor) Values() ([]interface{}, error) { return c.rows.Values() }
func (c *cursor) Columns() []string              { return c.columns }
func (c *cursor) Err() error                     { return c.rows.Err() }

func (c *cursor) Close() error {
	c.rows.Close()
	return nil
}
