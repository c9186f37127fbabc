package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/aeolun/relaychat/pkg/protocol"
)

// Metrics holds the server's prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	activeSessions   prometheus.Gauge
	channels         prometheus.Gauge
	framesReceived   *prometheus.CounterVec
	framesSent       *prometheus.CounterVec
	commandDuration  *prometheus.HistogramVec
	evictions        prometheus.Counter
	deliveryFailures prometheus.Counter
	connections      *prometheus.CounterVec
}

// NewMetrics registers every collector on a fresh registry, so several
// servers can coexist in one process.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relaychat_active_sessions",
			Help: "Number of sessions holding a nickname",
		}),
		channels: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relaychat_channels",
			Help: "Number of channels",
		}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaychat_frames_received_total",
			Help: "Client frames received by command",
		}, []string{"command"}),
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaychat_frames_sent_total",
			Help: "Server frames written by type",
		}, []string{"type"}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relaychat_command_duration_seconds",
			Help:    "Time to handle each client command",
			Buckets: prometheus.DefBuckets,
		}, []string{"command"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaychat_idle_evictions_total",
			Help: "Sessions disconnected by the idle reaper",
		}),
		deliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaychat_delivery_failures_total",
			Help: "Peers dropped after a failed write",
		}),
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaychat_connections_total",
			Help: "Accepted connections by transport",
		}, []string{"transport"}),
	}

	m.registry.MustRegister(
		m.activeSessions,
		m.channels,
		m.framesReceived,
		m.framesSent,
		m.commandDuration,
		m.evictions,
		m.deliveryFailures,
		m.connections,
		collectors.NewGoCollector(),
	)
	return m
}

// Registry exposes the registry for the /metrics handler
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

func (m *Metrics) SetChannels(n int) {
	if m == nil {
		return
	}
	m.channels.Set(float64(n))
}

// RecordFrameReceived counts a client frame. Verbs outside the command set
// share one series.
func (m *Metrics) RecordFrameReceived(command string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(protocol.KnownVerb(command)).Inc()
}

func (m *Metrics) RecordFrameSent(frameType string) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(frameType).Inc()
}

func (m *Metrics) ObserveCommand(command string, d time.Duration) {
	if m == nil {
		return
	}
	m.commandDuration.WithLabelValues(protocol.KnownVerb(command)).Observe(d.Seconds())
}

func (m *Metrics) RecordEviction() {
	if m == nil {
		return
	}
	m.evictions.Inc()
}

func (m *Metrics) RecordDeliveryFailure() {
	if m == nil {
		return
	}
	m.deliveryFailures.Inc()
}

func (m *Metrics) RecordConnection(transport string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(transport).Inc()
}
