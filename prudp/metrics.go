package prudp

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "prudp"

// Metrics holds the server's collectors on a registry of its own, so several
// servers can live in one process.
type Metrics struct {
	Registry *prometheus.Registry

	packetsReceived *prometheus.CounterVec
	packetsSent     *prometheus.CounterVec
	packetsDropped  *prometheus.CounterVec
	retransmits     prometheus.Counter
	kicks           *prometheus.CounterVec
	eventsDropped   *prometheus.CounterVec
}

func newMetrics(sessions *SessionTable) *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		packetsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "packets_received_total",
			Help:      "Valid PRUDP packets received, by variant and type.",
		}, []string{"variant", "type"}),
		packetsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "packets_sent_total",
			Help:      "Datagrams written, by variant.",
		}, []string{"variant"}),
		packetsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "packets_dropped_total",
			Help:      "Datagrams or packets discarded, by reason.",
		}, []string{"reason"}),
		retransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "retransmits_total",
			Help:      "Reliable packets sent again after their ACK timed out.",
		}),
		kicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_kicked_total",
			Help:      "Sessions torn down by the server, by reason.",
		}, []string{"reason"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_dropped_total",
			Help:      "Events discarded because the dispatch queue was full.",
		}, []string{"event"}),
	}

	m.Registry.MustRegister(
		m.packetsReceived,
		m.packetsSent,
		m.packetsDropped,
		m.retransmits,
		m.kicks,
		m.eventsDropped,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sessions",
			Help:      "Sessions currently in the session table.",
		}, func() float64 { return float64(sessions.Len()) }),
	)
	return m
}

// Drop reasons.
const (
	dropDecode    = "decode"
	dropIntegrity = "integrity"
	dropClosed    = "session_closed"
	dropRMC       = "rmc"
)

// Kick reasons.
const (
	kickIdle       = "idle"
	kickRetransmit = "retransmit"
	kickTicket     = "ticket"
	kickManual     = "manual"
)
