package client

import (
	"context"
	"time"
)

// Conn is one physical database session.
// A Conn can run a single statement at a time; BEGIN, COMMIT, ROLLBACK and
// the savepoint commands are issued through Query like any other statement.
type Conn interface {
	Querier
}

// Streamer is implemented by connections that can open a server-side
// cursor over a query's rows.
type Streamer interface {
	// Stream starts q and returns a cursor over its rows.
	// The connection stays busy until the cursor is closed.
	Stream(ctx context.Context, q Query) (Rows, error)
}

// ManagedConn is a connection the generic ConnectionPool can keep alive.
type ManagedConn interface {
	Conn

	// Ping sends a minimal statement to verify the session is healthy.
	Ping(ctx context.Context) error

	// Close closes the session.
	Close() error

	// IsAlive reports whether the session is still usable.
	IsAlive() bool

	// LastActivity returns the time of the last successful statement.
	LastActivity() time.Time
}

// Pool hands out connections for exclusive use.
type Pool interface {
	// Checkout returns a connection, waiting until one is available.
	Checkout(ctx context.Context) (Conn, error)

	// Checkin returns a connection. A non-nil err tells the pool the
	// session ended in failure and must not be reused as-is.
	Checkin(conn Conn, err error)

	// Close closes every pooled connection.
	Close() error
}

// CollectRows drains a cursor into a Result whose RowCount is the number
// of rows read. Drivers use it to implement Query on top of a cursor.
func CollectRows(rows Rows) (*Result, error) {
	defer rows.Close()

	res := &Result{Columns: rows.Columns()}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		res.Rows = append(res.Rows, RowFromColumns(res.Columns, values))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	res.RowCount = int64(len(res.Rows))
	return res, nil
}
