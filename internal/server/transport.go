package server

import (
	"errors"
	"io"
	"net"
	"os"
	"syscall"
	"time"
)

// Transport is the slice of net.Conn the serving loop actually
// depends upon. Tests substitute implementations that inject OS-level
// failures without needing a real socket to misbehave.
type Transport interface {
	io.Reader
	io.Writer
	io.Closer
	SetReadDeadline(t time.Time) error
	RemoteAddr() net.Addr
}

// isExpectedSocketError reports whether the error is one of the
// socket-teardown conditions that routinely occur when a client
// disappears mid-conversation. These are swallowed; anything else is
// treated as a genuine bug and surfaced.
func isExpectedSocketError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}

	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ENOTCONN) ||
		errors.Is(err, syscall.ESHUTDOWN)
}

// isTimeoutError reports whether the error came from an expired read
// deadline.
func isTimeoutError(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
