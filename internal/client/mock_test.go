package client

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/omochice/tiny-chat/internal/transport"
)

// mockConn is a transport.Conn driven by the test. Frames pushed with
// deliver are returned by Read; hangUp simulates the server closing.
type mockConn struct {
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	hangOnce  sync.Once

	mu      sync.Mutex
	written [][]byte
}

func newMockConn() *mockConn {
	return &mockConn{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (c *mockConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data, ok := <-c.inbound:
		if !ok {
			return nil, io.EOF
		}
		return data, nil
	case <-c.closed:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *mockConn) Write(_ context.Context, data []byte) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *mockConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *mockConn) RemoteAddr() string {
	return "127.0.0.1:1234"
}

func (c *mockConn) deliver(data string) {
	c.inbound <- []byte(data)
}

func (c *mockConn) hangUp() {
	c.hangOnce.Do(func() { close(c.inbound) })
}

func (c *mockConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *mockConn) frames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.written))
	for i, data := range c.written {
		out[i] = string(data)
	}
	return out
}

// mockDialer fails the next `failures` dials and hands out mockConns after.
// A handshake takes `delay`, and while `gate` is set dials wait for it to
// close.
type mockDialer struct {
	mu       sync.Mutex
	failures int
	attempts int
	delay    time.Duration
	gate     chan struct{}
	conns    []*mockConn
}

var errRefused = errors.New("connection refused")

func (d *mockDialer) Dial(ctx context.Context, _ string) (transport.Conn, error) {
	d.mu.Lock()
	d.attempts++
	if d.failures > 0 {
		d.failures--
		d.mu.Unlock()
		return nil, errRefused
	}
	delay, gate := d.delay, d.gate
	d.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	conn := newMockConn()
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	return conn, nil
}

func (d *mockDialer) slowHandshake(delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delay = delay
}

// hold makes dials wait until the returned function is called.
func (d *mockDialer) hold() (release func()) {
	gate := make(chan struct{})
	d.mu.Lock()
	d.gate = gate
	d.mu.Unlock()
	return func() { close(gate) }
}

func (d *mockDialer) failNext(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = n
}

func (d *mockDialer) attemptCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

func (d *mockDialer) connCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *mockDialer) lastConn() *mockConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}
