// Package transport defines the full-duplex, message-framed channel the
// connection manager talks to, independent of the websocket library behind it.
package transport

import (
	"context"
	"fmt"
)

// Conn abstracts one open websocket connection.
// This interface isolates library details from the connection manager.
type Conn interface {
	// Read reads a single message frame.
	// Returns an error once the connection is closed.
	Read(ctx context.Context) ([]byte, error)

	// Write sends a single message frame.
	Write(ctx context.Context, data []byte) error

	// Close closes the connection.
	Close() error

	// RemoteAddr returns the remote address for logging.
	RemoteAddr() string
}

// Dialer opens a Conn to a websocket endpoint. A returned Conn is open.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// DialFunc adapts a function to the Dialer interface.
type DialFunc func(ctx context.Context, url string) (Conn, error)

// Dial calls f.
func (f DialFunc) Dial(ctx context.Context, url string) (Conn, error) {
	return f(ctx, url)
}

// Options are shared by every Dialer implementation.
type Options struct {
	// Binary sends frames as binary websocket messages instead of text.
	Binary bool
	// ReadLimit caps the size of a single inbound frame. Zero keeps the
	// library default.
	ReadLimit int64
}

// Factory builds a Dialer for the given options.
type Factory func(opts Options) Dialer

var factories = map[string]Factory{}

// Register makes a Dialer implementation available by name.
func Register(name string, f Factory) {
	factories[name] = f
}

// NewDialer returns the Dialer registered under name.
func NewDialer(name string, opts Options) (Dialer, error) {
	f, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown transport %q", name)
	}
	return f(opts), nil
}
