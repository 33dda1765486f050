package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the hub's Prometheus instruments.
//
// All helper methods are nil-safe so tests can run without a registry.
type Metrics struct {
	ConnectionsActive prometheus.Gauge
	UsersOnline       prometheus.Gauge
	EventsRelayed     *prometheus.CounterVec
	EventsDropped     prometheus.Counter
	EventsMalformed   prometheus.Counter
}

// NewMetrics registers the realtime instruments on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		ConnectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "pitchroom",
			Subsystem: "realtime",
			Name:      "connections_active",
			Help:      "Currently open websocket sessions.",
		}),
		UsersOnline: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "pitchroom",
			Subsystem: "realtime",
			Name:      "users_online",
			Help:      "Users with at least one live session.",
		}),
		EventsRelayed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pitchroom",
			Subsystem: "realtime",
			Name:      "events_relayed_total",
			Help:      "Envelopes relayed to rooms, by event type.",
		}, []string{"type"}),
		EventsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "pitchroom",
			Subsystem: "realtime",
			Name:      "events_dropped_total",
			Help:      "Envelopes dropped under per-client backpressure.",
		}),
		EventsMalformed: f.NewCounter(prometheus.CounterOpts{
			Namespace: "pitchroom",
			Subsystem: "realtime",
			Name:      "events_malformed_total",
			Help:      "Inbound envelopes rejected for malformed payloads.",
		}),
	}
}

func (m *Metrics) connOpened() {
	if m != nil {
		m.ConnectionsActive.Inc()
	}
}

func (m *Metrics) connClosed() {
	if m != nil {
		m.ConnectionsActive.Dec()
	}
}

func (m *Metrics) userOnline() {
	if m != nil {
		m.UsersOnline.Inc()
	}
}

func (m *Metrics) userOffline() {
	if m != nil {
		m.UsersOnline.Dec()
	}
}

func (m *Metrics) relayedEvent(typ string) {
	if m != nil {
		m.EventsRelayed.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) droppedEvent() {
	if m != nil {
		m.EventsDropped.Inc()
	}
}

func (m *Metrics) malformedEvent() {
	if m != nil {
		m.EventsMalformed.Inc()
	}
}
