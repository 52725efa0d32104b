package client

import (
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
)

// dropErrors are sentinel causes of a session ending underneath a statement.
var dropErrors = []error{
	io.EOF,
	io.ErrUnexpectedEOF,
	net.ErrClosed,
	syscall.ECONNRESET,
	syscall.ECONNABORTED,
	syscall.EPIPE,
}

// dropMessages match drivers that flatten the cause into text.
var dropMessages = []string{
	"connection reset",
	"broken pipe",
	"conn closed",
	"connection closed",
	"server closed the connection",
	"unexpected eof",
}

// IsConnectionDrop reports whether err means the physical connection is
// gone, as opposed to a statement the server rejected.
func IsConnectionDrop(err error) bool {
	if err == nil {
		return false
	}
	for _, target := range dropErrors {
		if errors.Is(err, target) {
			return true
		}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, m := range dropMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
