package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics mirrors the session statistics as Prometheus collectors.
type Metrics struct {
	packetsSent     prometheus.Counter
	packetsReceived prometheus.Counter
	packetsLost     prometheus.Counter
	lockTimes       prometheus.Counter
	online          prometheus.Gauge
	events          *prometheus.CounterVec
}

// NewMetrics registers the session collectors on reg. A nil reg uses the
// default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	const ns, sub = "ntclient", "session"

	return &Metrics{
		packetsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "packets_sent_total",
			Help:      "Outbound uni packets.",
		}),
		packetsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "packets_received_total",
			Help:      "Inbound frames.",
		}),
		packetsLost: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "packets_lost_total",
			Help:      "Requests that timed out.",
		}),
		lockTimes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "reregister_total",
			Help:      "Times the connection dropped while online and registration was retried.",
		}),
		online: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "online",
			Help:      "1 while the session is registered.",
		}),
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "events_total",
			Help:      "Lifecycle events by type.",
		}, []string{"type"}),
	}
}

// nil-safe helpers, metrics are optional

func (m *Metrics) sent() {
	if m != nil {
		m.packetsSent.Inc()
	}
}

func (m *Metrics) received() {
	if m != nil {
		m.packetsReceived.Inc()
	}
}

func (m *Metrics) lost() {
	if m != nil {
		m.packetsLost.Inc()
	}
}

func (m *Metrics) relock() {
	if m != nil {
		m.lockTimes.Inc()
	}
}

func (m *Metrics) setOnline(on bool) {
	if m == nil {
		return
	}
	if on {
		m.online.Set(1)
	} else {
		m.online.Set(0)
	}
}

func (m *Metrics) event(kind string) {
	if m != nil {
		m.events.WithLabelValues(kind).Inc()
	}
}
