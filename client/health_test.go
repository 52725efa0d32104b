package client

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"
)

func TestIsConnectionDrop(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"eof", io.EOF, true},
		{"wrapped reset", fmt.Errorf("read: %w", syscall.ECONNRESET), true},
		{"net op error", &net.OpError{Op: "read", Err: errors.New("timeout")}, true},
		{"broken pipe message", errors.New("write tcp: broken pipe"), true},
		{"pgx closed conn", errors.New("conn closed"), true},
		{"closed listener", fmt.Errorf("accept: %w", net.ErrClosed), true},
		{"libpq message", errors.New("FATAL: server closed the connection unexpectedly"), true},
		{"syntax error", errors.New(`syntax error at or near "SELEC"`), false},
		{"unique violation", &pgError{code: "23505"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsConnectionDrop(tt.err); got != tt.want {
				t.Errorf("IsConnectionDrop(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestCheckinCountsDroppedConnections(t *testing.T) {
	factory, _ := newMockFactory()
	pool := NewConnectionPool(factory, 0, 2, 0, 0, NewNoopLogger())
	defer pool.Close()

	conn, err := pool.Checkout(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	pool.Checkin(conn, io.ErrUnexpectedEOF)

	conn, err = pool.Checkout(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	pool.Checkin(conn, errors.New("relation does not exist"))

	stats := pool.Stats()
	if stats.Discarded != 2 {
		t.Errorf("expected 2 discarded connections, got %d", stats.Discarded)
	}
	if stats.Dropped != 1 {
		t.Errorf("expected 1 dropped connection, got %d", stats.Dropped)
	}
}
