// Package gorilla provides a websocket transport built on
// github.com/gorilla/websocket.
package gorilla

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/omochice/tiny-chat/internal/transport"
)

// Name is the transport name used in configuration.
const Name = "gorilla"

func init() {
	transport.Register(Name, func(opts transport.Options) transport.Dialer {
		return NewDialer(opts)
	})
}

// Conn adapts a gorilla websocket connection to transport.Conn.
// Writes must not be issued concurrently.
type Conn struct {
	conn    *websocket.Conn
	msgType int
}

// NewConn wraps conn. Frames are written as binary messages when binary is
// set, text messages otherwise.
func NewConn(conn *websocket.Conn, binary bool) *Conn {
	msgType := websocket.TextMessage
	if binary {
		msgType = websocket.BinaryMessage
	}
	return &Conn{conn: conn, msgType: msgType}
}

// Read implements transport.Conn. Only the context deadline is honoured;
// closing the connection unblocks a pending read.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(deadline)
	}
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType == websocket.TextMessage || messageType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// Write implements transport.Conn.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	} else {
		_ = c.conn.SetWriteDeadline(time.Time{})
	}
	return c.conn.WriteMessage(c.msgType, data)
}

// Close implements transport.Conn.
func (c *Conn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.conn.Close()
}

// RemoteAddr implements transport.Conn.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Dialer opens gorilla websocket connections.
type Dialer struct {
	opts   transport.Options
	dialer *websocket.Dialer
}

// NewDialer creates a Dialer on top of websocket.DefaultDialer settings.
func NewDialer(opts transport.Options) *Dialer {
	d := *websocket.DefaultDialer
	return &Dialer{opts: opts, dialer: &d}
}

// Dial implements transport.Dialer.
func (d *Dialer) Dial(ctx context.Context, url string) (transport.Conn, error) {
	conn, _, err := d.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}
	if d.opts.ReadLimit > 0 {
		conn.SetReadLimit(d.opts.ReadLimit)
	}
	return NewConn(conn, d.opts.Binary), nil
}
