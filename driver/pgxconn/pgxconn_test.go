package pgxconn_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cookielab/pgclient/client"
	"github.com/cookielab/pgclient/driver/pgxconn"
	"github.com/cookielab/pgclient/testutil"
)

// newPostgresClient connects to PGCLIENT_TEST_DSN or skips the test.
func newPostgresClient(t *testing.T) *client.Client {
	t.Helper()

	dsn := os.Getenv("PGCLIENT_TEST_DSN")
	if dsn == "" {
		t.Skip("PGCLIENT_TEST_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxconn.New(ctx, dsn, pgxconn.Options{MaxConns: 4, Logger: client.NewNoopLogger()})
	require.NoError(t, err)
	return testutil.NewTestClient(t, pool)
}

func TestNewInvalidDSN(t *testing.T) {
	ctx, _ := testutil.WithTimeout(t)

	_, err := pgxconn.New(ctx, "host=localhost port=notaport", pgxconn.Options{})
	var connErr *client.ConnectionError
	require.True(t, errors.As(err, &connErr))
	assert.Equal(t, "E_INVALID_DSN", connErr.Code)
}

func TestInsertAndStream(t *testing.T) {
	c := newPostgresClient(t)
	ctx, _ := testutil.WithTimeout(t)
	table := testutil.TestTableName("pgclient_items")

	_, err := c.Exec(ctx, "CREATE TABLE IF NOT EXISTS "+table+" (id bigint PRIMARY KEY, name text)")
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = c.Exec(context.Background(), "DROP TABLE IF EXISTS "+table) })

	var affected int64
	err = c.Transaction(ctx, func(ctx context.Context, tx *client.Transaction) error {
		s, err := tx.InsertStream(ctx, table, client.InsertOptions{
			BatchSize:   2,
			QuerySuffix: "ON CONFLICT DO NOTHING",
		})
		if err != nil {
			return err
		}
		for _, id := range []int64{1, 2, 3, 3, 4, 5, 6} {
			if err := s.Write(ctx, client.NewRow("id", id, "name", "item")); err != nil {
				return err
			}
		}
		affected, err = s.Close(ctx)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, int64(6), affected)

	err = c.Transaction(ctx, func(ctx context.Context, tx *client.Transaction) error {
		rs, err := tx.StreamQuery(ctx, client.NewQuery("SELECT id FROM "+table+" ORDER BY id"))
		if err != nil {
			return err
		}
		n := 0
		for rs.Next(ctx) {
			n++
		}
		assert.Equal(t, 6, n)
		return rs.Err()
	})
	require.NoError(t, err)
}

func TestUniqueViolation(t *testing.T) {
	c := newPostgresClient(t)
	ctx, _ := testutil.WithTimeout(t)
	table := testutil.TestTableName("pgclient_unique")

	err := c.Transaction(ctx, func(ctx context.Context, tx *client.Transaction) error {
		if _, err := tx.Exec(ctx, "CREATE TEMP TABLE "+table+" (id bigint PRIMARY KEY)"); err != nil {
			return err
		}
		for i := 0; i < 2; i++ {
			if _, err := tx.Insert(ctx, table, client.NewRow("id", int64(1))); err != nil {
				return err
			}
		}
		return nil
	})
	assert.Equal(t, client.KindUniqueViolation, client.KindOf(err))
}
