// Package metrics exposes client health as Prometheus collectors.
//
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "wattpilot"
	subsystem = "client"
)

// Metrics holds Prometheus metrics for one client.
type Metrics struct {
	state           *prometheus.GaugeVec
	connectAttempts prometheus.Counter
	connections     prometheus.Counter
	authFailures    prometheus.Counter
	framesReceived  *prometheus.CounterVec
	framesMalformed prometheus.Counter
	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	eventsDropped   prometheus.Counter
	properties      prometheus.Gauge

	mu        sync.Mutex
	lastState string
}

// New creates the collectors. constLabels are attached to every metric, for
// example the charger serial.
func New(constLabels prometheus.Labels) *Metrics {
	return &Metrics{
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "connection_state",
			Help:        "1 for the current connection state, 0 otherwise",
			ConstLabels: constLabels,
		}, []string{"state"}),

		connectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "connect_attempts_total",
			Help:        "Total dial attempts",
			ConstLabels: constLabels,
		}),

		connections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "connections_ready_total",
			Help:        "Total connections that reached the ready state",
			ConstLabels: constLabels,
		}),

		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "auth_failures_total",
			Help:        "Total failed handshakes",
			ConstLabels: constLabels,
		}),

		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "frames_received_total",
			Help:        "Total frames received by kind",
			ConstLabels: constLabels,
		}, []string{"kind"}),

		framesMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "frames_malformed_total",
			Help:        "Total frames dropped as malformed",
			ConstLabels: constLabels,
		}),

		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "commands_total",
			Help:        "Total commands by outcome",
			ConstLabels: constLabels,
		}, []string{"outcome"}),

		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "command_duration_seconds",
			Help:        "Time from submission to resolution",
			Buckets:     []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			ConstLabels: constLabels,
		}, []string{"outcome"}),

		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "events_dropped_total",
			Help:        "Total property changes dropped because a subscriber was slow",
			ConstLabels: constLabels,
		}),

		properties: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "properties",
			Help:        "Number of properties held in the store",
			ConstLabels: constLabels,
		}),
	}
}

// Register adds all collectors to r.
func (m *Metrics) Register(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.state, m.connectAttempts, m.connections, m.authFailures,
		m.framesReceived, m.framesMalformed, m.commands, m.commandDuration,
		m.eventsDropped, m.properties,
	} {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// SetState marks state as current.
func (m *Metrics) SetState(state string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastState != "" && m.lastState != state {
		m.state.WithLabelValues(m.lastState).Set(0)
	}
	m.state.WithLabelValues(state).Set(1)
	m.lastState = state
}

func (m *Metrics) ConnectAttempt() {
	if m != nil {
		m.connectAttempts.Inc()
	}
}

func (m *Metrics) Ready() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) AuthFailure() {
	if m != nil {
		m.authFailures.Inc()
	}
}

// Frame counts a received frame by kind.
func (m *Metrics) Frame(kind string) {
	if m != nil {
		m.framesReceived.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Malformed() {
	if m != nil {
		m.framesMalformed.Inc()
	}
}

// Command records a resolved command.
func (m *Metrics) Command(outcome string, latency time.Duration) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(outcome).Inc()
	m.commandDuration.WithLabelValues(outcome).Observe(latency.Seconds())
}

func (m *Metrics) EventDropped() {
	if m != nil {
		m.eventsDropped.Inc()
	}
}

func (m *Metrics) Properties(n int) {
	if m != nil {
		m.properties.Set(float64(n))
	}
}
