// Package transport abstracts the socket under a channel so the
// connection manager can be driven by WebSocket in production and by
// in-memory fakes in tests.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gastownhall/sessionlink/internal/wire"
)

// Conn is one established socket. Read and Write may be called from
// different goroutines; Ping needs a concurrent Read to observe the pong.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Ping(ctx context.Context) error
	Close(reason string) error
}

// Dialer opens the socket for a channel.
type Dialer interface {
	Dial(ctx context.Context, ch wire.Channel) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, ch wire.Channel) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, ch wire.Channel) (Conn, error) { return f(ctx, ch) }

// ErrFatal marks failures that reconnecting cannot fix, such as a rejected
// token. A channel that sees one stays disconnected.
var ErrFatal = errors.New("fatal channel error")

// FatalError carries the HTTP status or close code behind a fatal failure.
type FatalError struct {
	StatusCode int
	Err        error
}

func (e *FatalError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fatal channel error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fatal channel error: %v", e.Err)
}

func (e *FatalError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrFatal}
	}
	return []error{ErrFatal, e.Err}
}

// IsFatalStatus reports whether an HTTP handshake status means the
// credentials or the request itself were refused.
func IsFatalStatus(code int) bool {
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}
