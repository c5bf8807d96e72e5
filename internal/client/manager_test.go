package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/tiny-chat/internal/metrics"
	"github.com/omochice/tiny-chat/internal/status"
	"github.com/omochice/tiny-chat/pkg/protocol"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type statusRecorder struct {
	mu      sync.Mutex
	changes []status.Status
}

func (r *statusRecorder) record(s status.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, s)
}

func (r *statusRecorder) snapshot() []status.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]status.Status(nil), r.changes...)
}

func newTestManager(t *testing.T, cfg Config, dialer *mockDialer, opts ...Option) (*Manager, *statusRecorder) {
	t.Helper()

	cfg.URL = "ws://chat.test/ws"
	pub := status.NewPublisher()
	rec := &statusRecorder{}
	pub.Subscribe(rec.record)

	m := New(cfg, dialer, append([]Option{WithStatus(pub)}, opts...)...)
	t.Cleanup(m.Close)
	return m, rec
}

func waitConnected(t *testing.T, m *Manager) {
	t.Helper()
	require.Eventually(t, m.IsConnected, waitFor, tick)
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateIdle:         "idle",
		StateConnecting:   "connecting",
		StateConnected:    "connected",
		StateDisconnected: "disconnected",
		State(42):         "unknown",
	}
	for state, want := range tests {
		assert.Equal(t, want, state.String())
	}
}

func TestNew_Defaults(t *testing.T) {
	m := New(Config{}, &mockDialer{})
	defer m.Close()

	assert.Equal(t, 25*time.Second, m.cfg.HeartbeatInterval)
	assert.Equal(t, 5*time.Second, m.cfg.ReconnectInterval)
	assert.Equal(t, m.cfg.ReconnectInterval, m.cfg.DialTimeout)
	assert.Equal(t, StateIdle, m.State())
	assert.NotNil(t, m.Status())
	assert.Equal(t, status.Disconnected, m.Status().Status())
}

func TestManager_Connect(t *testing.T) {
	dialer := &mockDialer{}
	m, rec := newTestManager(t, Config{}, dialer)

	assert.False(t, m.IsConnected())
	m.Connect()
	waitConnected(t, m)

	assert.Equal(t, []status.Status{status.Connected}, rec.snapshot())
	reconnect, heartbeat := m.timers()
	assert.False(t, reconnect)
	assert.True(t, heartbeat)
	assert.Equal(t, 1, dialer.attemptCount())
}

func TestManager_SendWhileDisconnected(t *testing.T) {
	dialer := &mockDialer{}
	mt := metrics.New(nil)
	m, _ := newTestManager(t, Config{}, dialer, WithMetrics(mt))

	err := m.Send(context.Background(), &protocol.Text{Header: protocol.Header{ID: "1", From: protocol.RoleUser}, Content: "hi"})

	assert.True(t, errors.Is(err, ErrNotConnected))
	assert.Equal(t, 0, dialer.attemptCount())
	assert.Equal(t, float64(1), testutil.ToFloat64(mt.SendFailures.WithLabelValues("not_connected")))
}

func TestManager_Send(t *testing.T) {
	dialer := &mockDialer{}
	m, _ := newTestManager(t, Config{}, dialer)

	m.Connect()
	waitConnected(t, m)

	err := m.Send(context.Background(), &protocol.Text{
		Header:  protocol.Header{ID: "m1", From: protocol.RoleUser},
		Content: "hello",
	})
	require.NoError(t, err)

	frames := dialer.lastConn().frames()
	require.Len(t, frames, 1)
	assert.JSONEq(t, `{"type":"text","id":"m1","sender":"user","content":"hello"}`, frames[0])
}

func TestManager_ReconnectsAfterFailures(t *testing.T) {
	const failures = 3

	dialer := &mockDialer{}
	dialer.failNext(failures)
	m, rec := newTestManager(t, Config{ReconnectInterval: 20 * time.Millisecond}, dialer)

	m.Connect()

	require.Eventually(t, func() bool {
		reconnect, _ := m.timers()
		return reconnect && m.State() != StateConnected
	}, waitFor, tick)

	waitConnected(t, m)

	assert.Equal(t, []status.Status{status.Connected}, rec.snapshot(),
		"failed attempts must not publish extra transitions")
	assert.GreaterOrEqual(t, dialer.attemptCount(), failures+1)

	reconnect, heartbeat := m.timers()
	assert.False(t, reconnect, "reconnect ticker must stop once open")
	assert.True(t, heartbeat)

	attempts := dialer.attemptCount()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, attempts, dialer.attemptCount(), "no dials after the transport opened")
}

func TestManager_HeartbeatOnlyWhileConnected(t *testing.T) {
	dialer := &mockDialer{}
	mt := metrics.New(nil)
	m, _ := newTestManager(t, Config{
		HeartbeatInterval: 10 * time.Millisecond,
		ReconnectInterval: time.Hour,
	}, dialer, WithMetrics(mt))

	m.Connect()
	waitConnected(t, m)
	conn := dialer.lastConn()

	require.Eventually(t, func() bool {
		return len(conn.frames()) >= 2
	}, waitFor, tick)
	for _, frame := range conn.frames() {
		assert.JSONEq(t, `{"type":"ping"}`, frame)
	}

	conn.hangUp()
	require.Eventually(t, func() bool {
		return m.State() == StateDisconnected
	}, waitFor, tick)

	reconnect, heartbeat := m.timers()
	assert.True(t, reconnect)
	assert.False(t, heartbeat)

	sent := testutil.ToFloat64(mt.HeartbeatsSent) + testutil.ToFloat64(mt.HeartbeatFailure)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, sent, testutil.ToFloat64(mt.HeartbeatsSent)+testutil.ToFloat64(mt.HeartbeatFailure),
		"no heartbeat while disconnected")
}

func TestManager_ReconnectsAfterServerDrop(t *testing.T) {
	dialer := &mockDialer{}
	m, rec := newTestManager(t, Config{ReconnectInterval: 10 * time.Millisecond}, dialer)

	m.Connect()
	waitConnected(t, m)
	first := dialer.lastConn()

	first.hangUp()

	require.Eventually(t, func() bool {
		return dialer.connCount() == 2 && m.IsConnected()
	}, waitFor, tick)

	assert.True(t, first.isClosed())
	assert.Equal(t, []status.Status{status.Connected, status.Disconnected, status.Connected}, rec.snapshot())
}

func TestManager_DeliversInOrder(t *testing.T) {
	dialer := &mockDialer{}
	m, _ := newTestManager(t, Config{}, dialer)

	var (
		mu  sync.Mutex
		got []string
	)
	for _, name := range []string{"a", "b"} {
		name := name
		m.OnMessage(func(msg protocol.Message) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, name+":"+msg.MessageID())
		})
	}

	m.Connect()
	waitConnected(t, m)
	conn := dialer.lastConn()

	conn.deliver(`{"type":"text","id":"1","sender":"agent","content":"one"}`)
	conn.deliver(`{"type":"text","id":"2","sender":"agent","content":"two"}`)
	conn.deliver(`{"type":"text","id":"3","sender":"agent","content":"three"}`)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 6
	}, waitFor, tick)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a:1", "b:1", "a:2", "b:2", "a:3", "b:3"}, got)
}

func TestManager_DropsUndecodableFrames(t *testing.T) {
	dialer := &mockDialer{}
	mt := metrics.New(nil)
	m, rec := newTestManager(t, Config{}, dialer, WithMetrics(mt))

	received := make(chan protocol.Message, 4)
	m.OnMessage(func(msg protocol.Message) { received <- msg })

	m.Connect()
	waitConnected(t, m)
	conn := dialer.lastConn()

	conn.deliver(`not json`)
	conn.deliver(`{"type":"reasoning","id":"r1","content":"orphan without parent"}`)
	conn.deliver(`{"type":"text","id":"ok","sender":"agent","content":"fine"}`)

	select {
	case msg := <-received:
		assert.Equal(t, "ok", msg.MessageID())
	case <-time.After(waitFor):
		t.Fatal("valid frame after garbage was not delivered")
	}

	assert.Empty(t, received)
	assert.True(t, m.IsConnected())
	assert.Equal(t, []status.Status{status.Connected}, rec.snapshot())
	assert.Equal(t, float64(2), testutil.ToFloat64(mt.DecodeFailures))
	assert.Equal(t, float64(3), testutil.ToFloat64(mt.FramesReceived))
}

func TestManager_ConnectAbandonsPreviousTransport(t *testing.T) {
	dialer := &mockDialer{}
	m, rec := newTestManager(t, Config{}, dialer)

	m.Connect()
	waitConnected(t, m)
	first := dialer.lastConn()

	m.Connect()
	require.Eventually(t, func() bool {
		return dialer.connCount() == 2 && m.IsConnected()
	}, waitFor, tick)

	assert.True(t, first.isClosed())
	// The close of the abandoned transport is stale and must not surface again.
	time.Sleep(20 * time.Millisecond)
	assert.True(t, m.IsConnected())
	assert.Equal(t, []status.Status{status.Connected, status.Disconnected, status.Connected}, rec.snapshot())
	reconnect, _ := m.timers()
	assert.False(t, reconnect)
}

func TestManager_ConnectWhileConnectedPublishesDisconnected(t *testing.T) {
	dialer := &mockDialer{}
	mt := metrics.New(nil)
	m, rec := newTestManager(t, Config{}, dialer, WithMetrics(mt))

	m.Connect()
	waitConnected(t, m)

	release := dialer.hold()
	m.Connect()

	require.Eventually(t, func() bool {
		return m.State() == StateConnecting && m.Status().Status() == status.Disconnected
	}, waitFor, tick)
	assert.Equal(t, float64(0), testutil.ToFloat64(mt.Connected))
	assert.ErrorIs(t, m.Send(context.Background(), &protocol.Ping{}), ErrNotConnected)

	release()
	waitConnected(t, m)
	assert.Equal(t, []status.Status{status.Connected, status.Disconnected, status.Connected}, rec.snapshot())
	assert.Equal(t, float64(1), testutil.ToFloat64(mt.Connected))
}

func TestManager_SlowHandshakeOutlastsReconnectInterval(t *testing.T) {
	dialer := &mockDialer{}
	dialer.failNext(1)
	dialer.slowHandshake(40 * time.Millisecond)
	m, rec := newTestManager(t, Config{
		ReconnectInterval: 15 * time.Millisecond,
		DialTimeout:       time.Second,
	}, dialer)

	m.Connect()
	waitConnected(t, m)

	assert.Equal(t, []status.Status{status.Connected}, rec.snapshot())
	assert.Equal(t, 2, dialer.attemptCount(), "ticks during a live dial must not restart it")
}

func TestManager_ReconnectTickReplacesExpiredDial(t *testing.T) {
	dialer := &mockDialer{}
	release := dialer.hold()
	defer release()
	m, _ := newTestManager(t, Config{
		ReconnectInterval: 10 * time.Millisecond,
		DialTimeout:       20 * time.Millisecond,
	}, dialer)

	m.Connect()

	require.Eventually(t, func() bool { return dialer.attemptCount() >= 3 }, waitFor, tick)
	assert.False(t, m.IsConnected())
}

func TestManager_Close(t *testing.T) {
	dialer := &mockDialer{}
	m, rec := newTestManager(t, Config{HeartbeatInterval: 10 * time.Millisecond}, dialer)

	m.Connect()
	waitConnected(t, m)
	conn := dialer.lastConn()

	m.Close()

	assert.Equal(t, StateIdle, m.State())
	assert.True(t, conn.isClosed())
	reconnect, heartbeat := m.timers()
	assert.False(t, reconnect)
	assert.False(t, heartbeat)
	assert.Equal(t, []status.Status{status.Connected, status.Disconnected}, rec.snapshot())

	err := m.Send(context.Background(), &protocol.Ping{})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestManager_CloseWithoutConnect(t *testing.T) {
	m := New(Config{}, &mockDialer{})
	done := make(chan struct{})
	go func() {
		m.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("Close blocked without a running loop")
	}
}

func TestManager_CloseDuringFailingDial(t *testing.T) {
	dialer := &mockDialer{}
	dialer.failNext(1000)
	m, _ := newTestManager(t, Config{ReconnectInterval: 5 * time.Millisecond}, dialer)

	m.Connect()
	require.Eventually(t, func() bool { return dialer.attemptCount() >= 3 }, waitFor, tick)

	m.Close()
	attempts := dialer.attemptCount()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, attempts, dialer.attemptCount())
	assert.Equal(t, StateIdle, m.State())
}
