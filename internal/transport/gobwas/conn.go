// Package gobwas provides a low-allocation websocket transport built on
// github.com/gobwas/ws.
package gobwas

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/omochice/tiny-chat/internal/transport"
)

// Name is the transport name used in configuration.
const Name = "gobwas"

func init() {
	transport.Register(Name, func(opts transport.Options) transport.Dialer {
		return NewDialer(opts)
	})
}

// Conn wraps net.Conn for WebSocket connections using gobwas/ws
type Conn struct {
	conn net.Conn
	rw   io.ReadWriter
	op   ws.OpCode
	mu   sync.Mutex

	limit int64
}

// ErrReadLimit is returned by Read when a message exceeds the read limit.
var ErrReadLimit = errors.New("gobwas: read limited")

type readWriter struct {
	io.Reader
	io.Writer
}

// lockedWriter serialises control replies written by the reader with
// frames written by Write.
type lockedWriter struct {
	c *Conn
}

func (w lockedWriter) Write(p []byte) (int, error) {
	w.c.mu.Lock()
	defer w.c.mu.Unlock()
	return w.c.conn.Write(p)
}

// NewConn wraps an upgraded client connection. br holds any bytes the server
// sent right after the handshake and may be nil.
func NewConn(conn net.Conn, br *bufio.Reader, binary bool) *Conn {
	c := &Conn{conn: conn, op: ws.OpText}
	if binary {
		c.op = ws.OpBinary
	}

	var r io.Reader = conn
	if br != nil && br.Buffered() > 0 {
		r = io.MultiReader(br, conn)
	} else if br != nil {
		ws.PutReader(br)
	}
	c.rw = readWriter{Reader: r, Writer: lockedWriter{c: c}}
	return c
}

// SetReadLimit caps the size of a single inbound message. Zero or less
// removes the cap.
func (c *Conn) SetReadLimit(limit int64) {
	c.limit = limit
}

// Read implements transport.Conn. Control frames are answered
// transparently; closing the connection unblocks a pending read.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(deadline)
	}
	if c.limit <= 0 {
		data, _, err := wsutil.ReadServerData(c.rw)
		if err != nil {
			return nil, err
		}
		return data, nil
	}
	return c.readLimited()
}

func (c *Conn) readLimited() ([]byte, error) {
	control := wsutil.ControlFrameHandler(c.rw, ws.StateClientSide)
	rd := wsutil.Reader{
		Source:         c.rw,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		MaxFrameSize:   c.limit,
		OnIntermediate: control,
	}
	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			if errors.Is(err, wsutil.ErrFrameTooLarge) {
				return nil, fmt.Errorf("%w: frame of %d bytes exceeds %d", ErrReadLimit, hdr.Length, c.limit)
			}
			return nil, err
		}
		if hdr.OpCode.IsControl() {
			if err := control(hdr, &rd); err != nil {
				return nil, err
			}
			continue
		}
		if hdr.OpCode&(ws.OpText|ws.OpBinary) == 0 {
			if err := rd.Discard(); err != nil {
				return nil, err
			}
			continue
		}

		// Fragmented messages can exceed the limit across frames.
		data, err := io.ReadAll(io.LimitReader(&rd, c.limit+1))
		if err != nil {
			return nil, err
		}
		if int64(len(data)) > c.limit {
			return nil, fmt.Errorf("%w: message exceeds %d bytes", ErrReadLimit, c.limit)
		}
		return data, nil
	}
}

// Write implements transport.Conn.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	} else {
		_ = c.conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteClientMessage(c.conn, c.op, data)
}

// Close implements transport.Conn.
func (c *Conn) Close() error {
	c.mu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = wsutil.WriteClientMessage(c.conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
	c.mu.Unlock()
	return c.conn.Close()
}

// RemoteAddr implements transport.Conn.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Dialer opens gobwas websocket connections.
type Dialer struct {
	opts transport.Options
}

// NewDialer creates a Dialer.
func NewDialer(opts transport.Options) *Dialer {
	return &Dialer{opts: opts}
}

// Dial implements transport.Dialer.
func (d *Dialer) Dial(ctx context.Context, url string) (transport.Conn, error) {
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}
	c := NewConn(conn, br, d.opts.Binary)
	c.SetReadLimit(d.opts.ReadLimit)
	return c, nil
}
