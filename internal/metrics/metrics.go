// Package metrics exposes Prometheus collectors for the connection manager.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tinychat"

// Metrics groups the connection manager collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	Connected        prometheus.Gauge
	DialAttempts     prometheus.Counter
	DialFailures     prometheus.Counter
	Disconnects      prometheus.Counter
	FramesReceived   prometheus.Counter
	DecodeFailures   prometheus.Counter
	MessagesSent     prometheus.Counter
	SendFailures     *prometheus.CounterVec
	HeartbeatsSent   prometheus.Counter
	HeartbeatFailure prometheus.Counter
}

// New creates the collectors and registers them on reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected",
			Help:      "1 while the websocket transport is open.",
		}),
		DialAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dial_attempts_total",
			Help:      "Connection attempts, including reconnects.",
		}),
		DialFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dial_failures_total",
			Help:      "Connection attempts that failed.",
		}),
		Disconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Open transports that were closed or errored.",
		}),
		FramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Inbound frames read from the transport.",
		}),
		DecodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_failures_total",
			Help:      "Inbound frames dropped because they could not be decoded.",
		}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Outbound records written to the transport.",
		}),
		SendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Outbound records that could not be sent, by reason.",
		}, []string{"reason"}),
		HeartbeatsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_sent_total",
			Help:      "Heartbeat pings written to the transport.",
		}),
		HeartbeatFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_failures_total",
			Help:      "Heartbeat pings that failed to send.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Connected,
			m.DialAttempts,
			m.DialFailures,
			m.Disconnects,
			m.FramesReceived,
			m.DecodeFailures,
			m.MessagesSent,
			m.SendFailures,
			m.HeartbeatsSent,
			m.HeartbeatFailure,
		)
	}
	return m
}

func (m *Metrics) SetConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.Connected.Set(1)
	} else {
		m.Connected.Set(0)
	}
}

func (m *Metrics) IncDialAttempt() {
	if m != nil {
		m.DialAttempts.Inc()
	}
}

func (m *Metrics) IncDialFailure() {
	if m != nil {
		m.DialFailures.Inc()
	}
}

func (m *Metrics) IncDisconnect() {
	if m != nil {
		m.Disconnects.Inc()
	}
}

func (m *Metrics) IncFrameReceived() {
	if m != nil {
		m.FramesReceived.Inc()
	}
}

func (m *Metrics) IncDecodeFailure() {
	if m != nil {
		m.DecodeFailures.Inc()
	}
}

func (m *Metrics) IncMessageSent() {
	if m != nil {
		m.MessagesSent.Inc()
	}
}

func (m *Metrics) IncSendFailure(reason string) {
	if m != nil {
		m.SendFailures.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) IncHeartbeat(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.HeartbeatFailure.Inc()
		return
	}
	m.HeartbeatsSent.Inc()
}
