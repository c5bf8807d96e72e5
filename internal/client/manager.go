// Package client provides the connection manager: it owns the websocket
// lifecycle, reconnects after drops, keeps the link alive with heartbeats
// and fans decoded inbound records out to listeners.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/omochice/tiny-chat/internal/metrics"
	"github.com/omochice/tiny-chat/internal/status"
	"github.com/omochice/tiny-chat/internal/transport"
	"github.com/omochice/tiny-chat/pkg/protocol"
)

// ErrNotConnected is returned by Send when the transport is not open.
var ErrNotConnected = errors.New("websocket is not connected")

// State is the connection manager lifecycle state.
type State int

const (
	// StateIdle indicates the manager has never connected or was closed.
	StateIdle State = iota
	// StateConnecting indicates a transport is being opened.
	StateConnecting
	// StateConnected indicates the transport is open.
	StateConnected
	// StateDisconnected indicates the transport dropped and a reconnect is scheduled.
	StateDisconnected
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Config holds the manager timing and endpoint settings.
type Config struct {
	// URL is the resolved websocket endpoint.
	URL string
	// HeartbeatInterval is the period of keepalive pings while connected.
	HeartbeatInterval time.Duration
	// ReconnectInterval is the fixed period of reconnect attempts.
	ReconnectInterval time.Duration
	// DialTimeout bounds a single connection attempt. Zero means
	// ReconnectInterval.
	DialTimeout time.Duration
	// WriteTimeout bounds a single frame write when the caller's context
	// has no deadline.
	WriteTimeout time.Duration
}

// DefaultConfig returns the default timings.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 25 * time.Second,
		ReconnectInterval: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

// Listener receives every successfully decoded inbound record.
type Listener func(msg protocol.Message)

// Option configures a Manager.
type Option func(*Manager)

// WithCodec sets the wire codec. The default is protocol.JSONCodec.
func WithCodec(codec protocol.Codec) Option {
	return func(m *Manager) { m.codec = codec }
}

// WithStatus sets the publisher the manager reports connectivity to.
func WithStatus(p *status.Publisher) Option {
	return func(m *Manager) { m.status = p }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithMetrics sets the collectors the manager records to.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

type eventKind int

const (
	eventConnect eventKind = iota
	eventOpened
	eventDialFailed
	eventFrame
	eventClosed
)

// event is a transport callback delivered to the loop. gen ties it to the
// transport generation that produced it.
type event struct {
	kind eventKind
	gen  uint64
	conn transport.Conn
	data []byte
	err  error
}

// Manager owns one logical connection to the chat server.
//
// All lifecycle transitions run on a single loop goroutine; transport
// callbacks and timer fires are delivered to it as events, so no two
// transitions run concurrently and inbound frames reach listeners in the
// order the transport delivered them.
type Manager struct {
	cfg     Config
	dialer  transport.Dialer
	codec   protocol.Codec
	status  *status.Publisher
	logger  zerolog.Logger
	metrics *metrics.Metrics

	// dialWarn throttles dial failure warnings during long outages.
	dialWarn rate.Sometimes

	mu        sync.RWMutex
	state     State
	conn      transport.Conn
	listeners []Listener
	reconnect *time.Ticker
	heartbeat *time.Ticker

	writeMu sync.Mutex

	events    chan event
	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	wg        sync.WaitGroup

	// Owned by the loop goroutine.
	gen         uint64
	dialStarted time.Time
	dialCancel  context.CancelFunc
	readCancel  context.CancelFunc
}

// New creates a Manager. Nothing is dialled until Connect is called.
func New(cfg Config, dialer transport.Dialer, opts ...Option) *Manager {
	defaults := DefaultConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = defaults.ReconnectInterval
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = cfg.ReconnectInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:      cfg,
		dialer:   dialer,
		codec:    protocol.JSONCodec{},
		logger:   zerolog.Nop(),
		dialWarn: rate.Sometimes{First: 1, Interval: time.Minute},
		events:   make(chan event, 64),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.status == nil {
		m.status = status.NewPublisher()
	}
	return m
}

// Connect opens a new transport to the configured endpoint. A pending
// reconnect attempt and a running heartbeat are cancelled first, and any
// previous transport is abandoned. Connect does not wait for the transport
// to open.
func (m *Manager) Connect() {
	m.startOnce.Do(func() {
		m.wg.Add(1)
		go m.run()
	})
	m.post(event{kind: eventConnect})
}

// Close tears the manager down: timers are stopped, the transport is
// closed and all goroutines have exited when it returns.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

// OnMessage registers a listener for every decoded inbound record.
// Listeners run on the manager loop, in registration order.
func (m *Manager) OnMessage(listener Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, listener)
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsConnected returns whether the transport is open.
func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

// Status returns the publisher the manager reports to.
func (m *Manager) Status() *status.Publisher {
	return m.status
}

// Send encodes msg and writes it to the open transport. It never queues:
// when the transport is not open the failure is logged and ErrNotConnected
// is returned.
func (m *Manager) Send(ctx context.Context, msg protocol.Message) error {
	m.mu.RLock()
	conn, state := m.conn, m.state
	m.mu.RUnlock()

	if state != StateConnected || conn == nil {
		m.logger.Error().
			Str("type", msg.Kind().String()).
			Str("state", state.String()).
			Msg("WebSocket is not connected")
		m.metrics.IncSendFailure("not_connected")
		return ErrNotConnected
	}

	data, err := m.codec.Encode(msg)
	if err != nil {
		m.metrics.IncSendFailure("encode")
		return err
	}

	if err := m.write(ctx, conn, data); err != nil {
		m.logger.Error().Err(err).Str("type", msg.Kind().String()).Msg("Failed to send message")
		m.metrics.IncSendFailure("write")
		return fmt.Errorf("failed to send message: %w", err)
	}
	m.metrics.IncMessageSent()
	return nil
}

func (m *Manager) write(ctx context.Context, conn transport.Conn, data []byte) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.WriteTimeout)
		defer cancel()
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.Write(ctx, data)
}

// post delivers ev to the loop unless the manager is closed. A transport
// that can no longer be handed over is closed.
func (m *Manager) post(ev event) {
	select {
	case m.events <- ev:
	case <-m.ctx.Done():
		if ev.conn != nil {
			_ = ev.conn.Close()
		}
	}
}

func (m *Manager) run() {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			m.teardown()
			return
		case ev := <-m.events:
			m.handle(ev)
		case <-tickerC(m.reconnect):
			m.onReconnectTick()
		case <-tickerC(m.heartbeat):
			m.onHeartbeatTick()
		}
	}
}

func tickerC(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func (m *Manager) handle(ev event) {
	if ev.kind == eventConnect {
		m.stopReconnect()
		m.dial()
		return
	}

	if ev.gen != m.gen {
		// Left over from an abandoned transport.
		if ev.conn != nil {
			_ = ev.conn.Close()
		}
		return
	}

	switch ev.kind {
	case eventOpened:
		m.onOpen(ev.conn)
	case eventDialFailed:
		m.metrics.IncDialFailure()
		m.logDialFailure(ev.err)
		m.onDown()
	case eventClosed:
		m.metrics.IncDisconnect()
		m.logger.Info().Err(ev.err).Msg("WebSocket connection closed")
		m.onDown()
	case eventFrame:
		m.onFrame(ev.data)
	}
}

// dial abandons the current transport and opens a new one in the
// background. The result comes back as an eventOpened or eventDialFailed.
func (m *Manager) dial() {
	wasConnected := m.State() == StateConnected
	m.stopHeartbeat()
	m.dropTransport()

	m.gen++
	gen := m.gen
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.DialTimeout)
	m.dialCancel = cancel
	m.dialStarted = time.Now()
	m.setState(StateConnecting)
	if wasConnected {
		// The dropped transport's close is stale and will not report this.
		m.status.Set(status.Disconnected)
		m.metrics.SetConnected(false)
	}
	m.metrics.IncDialAttempt()

	m.logger.Debug().Str("url", m.cfg.URL).Uint64("attempt", gen).Msg("Connecting")

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()

		conn, err := m.dialer.Dial(ctx, m.cfg.URL)
		if err != nil {
			m.post(event{kind: eventDialFailed, gen: gen, err: err})
			return
		}
		m.post(event{kind: eventOpened, gen: gen, conn: conn})
	}()
}

func (m *Manager) onOpen(conn transport.Conn) {
	m.dialCancel = nil

	readCtx, cancel := context.WithCancel(m.ctx)
	m.readCancel = cancel

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
	m.setState(StateConnected)
	m.status.Set(status.Connected)
	m.metrics.SetConnected(true)

	m.logger.Info().Str("remote", conn.RemoteAddr()).Msg("WebSocket connection established")

	m.stopReconnect()
	m.startHeartbeat()

	m.wg.Add(1)
	go m.readLoop(readCtx, m.gen, conn)
}

// onDown handles a failed dial, a close or an error on the transport.
func (m *Manager) onDown() {
	m.dropTransport()
	m.setState(StateDisconnected)
	m.status.Set(status.Disconnected)
	m.metrics.SetConnected(false)
	m.stopHeartbeat()
	m.scheduleReconnect()
}

func (m *Manager) onFrame(data []byte) {
	m.metrics.IncFrameReceived()

	msg, err := m.codec.Decode(data)
	if err != nil {
		m.metrics.IncDecodeFailure()
		m.logger.Error().Err(err).Int("bytes", len(data)).Msg("Error parsing WebSocket message")
		return
	}

	m.mu.RLock()
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.RUnlock()

	for _, listener := range listeners {
		listener(msg)
	}
}

// onReconnectTick dials again unless the transport is open or the
// current attempt is still within its dial timeout.
func (m *Manager) onReconnectTick() {
	switch m.State() {
	case StateConnected:
		return
	case StateConnecting:
		if time.Since(m.dialStarted) < m.cfg.DialTimeout {
			return
		}
	}
	m.dial()
}

func (m *Manager) onHeartbeatTick() {
	m.mu.RLock()
	conn, state := m.conn, m.state
	m.mu.RUnlock()
	if state != StateConnected || conn == nil {
		return
	}

	data, err := m.codec.Encode(&protocol.Ping{})
	if err == nil {
		err = m.write(m.ctx, conn, data)
	}
	m.metrics.IncHeartbeat(err)
	if err != nil {
		m.logger.Debug().Err(err).Msg("Heartbeat failed")
	}
}

func (m *Manager) readLoop(ctx context.Context, gen uint64, conn transport.Conn) {
	defer m.wg.Done()

	for {
		data, err := conn.Read(ctx)
		if err != nil {
			m.post(event{kind: eventClosed, gen: gen, err: err})
			return
		}
		m.post(event{kind: eventFrame, gen: gen, data: data})
	}
}

// dropTransport cancels an in-flight dial and closes the open transport.
func (m *Manager) dropTransport() {
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	if m.readCancel != nil {
		m.readCancel()
		m.readCancel = nil
	}

	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

func (m *Manager) teardown() {
	m.stopReconnect()
	m.stopHeartbeat()
	m.dropTransport()
	m.setState(StateIdle)
	m.status.Set(status.Disconnected)
	m.metrics.SetConnected(false)
}

func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reconnect != nil {
		return
	}
	m.reconnect = time.NewTicker(m.cfg.ReconnectInterval)
	m.logger.Debug().Dur("interval", m.cfg.ReconnectInterval).Msg("Reconnect scheduled")
}

func (m *Manager) stopReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
}

func (m *Manager) startHeartbeat() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.heartbeat != nil {
		m.heartbeat.Stop()
	}
	m.heartbeat = time.NewTicker(m.cfg.HeartbeatInterval)
}

func (m *Manager) stopHeartbeat() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.heartbeat != nil {
		m.heartbeat.Stop()
		m.heartbeat = nil
	}
}

// timers reports which timers are live.
func (m *Manager) timers() (reconnect, heartbeat bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reconnect != nil, m.heartbeat != nil
}

// setState updates the state and logs the transition.
func (m *Manager) setState(newState State) {
	m.mu.Lock()
	oldState := m.state
	m.state = newState
	m.mu.Unlock()

	if oldState != newState {
		m.logger.Debug().
			Str("old_state", oldState.String()).
			Str("new_state", newState.String()).
			Msg("Connection state changed")
	}
}

func (m *Manager) logDialFailure(err error) {
	warned := false
	m.dialWarn.Do(func() {
		warned = true
		m.logger.Warn().Err(err).Str("url", m.cfg.URL).Msg("Failed to connect to server, retrying")
	})
	if !warned {
		m.logger.Debug().Err(err).Str("url", m.cfg.URL).Msg("Failed to connect to server")
	}
}
