// Package ws provides the default websocket transport, built on
// nhooyr.io/websocket.
package ws

import (
	"context"
	"fmt"

	"github.com/omochice/tiny-chat/internal/transport"
	"nhooyr.io/websocket"
)

// Name is the transport name used in configuration.
const Name = "nhooyr"

func init() {
	transport.Register(Name, func(opts transport.Options) transport.Dialer {
		return NewDialer(opts)
	})
}

// Conn adapts nhooyr.io/websocket to transport.Conn interface.
type Conn struct {
	conn       *websocket.Conn
	msgType    websocket.MessageType
	remoteAddr string
}

// NewConn wraps a websocket.Conn sending text frames.
func NewConn(conn *websocket.Conn) *Conn {
	return &Conn{conn: conn, msgType: websocket.MessageText}
}

// NewConnWithAddr wraps a websocket.Conn with the specified remote address.
func NewConnWithAddr(conn *websocket.Conn, addr string, binary bool) *Conn {
	c := NewConn(conn)
	c.remoteAddr = addr
	if binary {
		c.msgType = websocket.MessageBinary
	}
	return c
}

// Read implements transport.Conn.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

// Write implements transport.Conn.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, c.msgType, data)
}

// Close implements transport.Conn.
func (c *Conn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

// RemoteAddr implements transport.Conn.
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}

// Dialer opens nhooyr websocket connections.
type Dialer struct {
	opts transport.Options
}

// NewDialer creates a Dialer.
func NewDialer(opts transport.Options) *Dialer {
	return &Dialer{opts: opts}
}

// Dial implements transport.Dialer.
func (d *Dialer) Dial(ctx context.Context, url string) (transport.Conn, error) {
	conn, resp, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}
	if d.opts.ReadLimit > 0 {
		conn.SetReadLimit(d.opts.ReadLimit)
	}

	addr := url
	if resp != nil && resp.Request != nil {
		addr = resp.Request.URL.Host
	}
	return NewConnWithAddr(conn, addr, d.opts.Binary), nil
}
