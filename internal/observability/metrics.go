package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects voice signaling metrics.
//
// The metrics system tracks:
//   - Envelopes sent, received and dropped by the signaling channel
//   - Peer link state transitions and the number of live links
//   - Stale negotiations (answers or candidates with no matching link)
//   - Session store errors by operation
//   - Relay websocket clients and published frames on the server
//
// Every recording method is safe to call on a nil *Metrics, so components
// can be built without metrics in tests.
type Metrics struct {
	// EnvelopesSent counts published envelopes.
	// Labels: type, status (ok|error)
	EnvelopesSent *prometheus.CounterVec

	// EnvelopesReceived counts envelopes delivered to the local subscriber.
	// Labels: type
	EnvelopesReceived *prometheus.CounterVec

	// EnvelopesDropped counts envelopes filtered before delivery.
	// Labels: reason (self|target|invalid|duplicate|backpressure)
	EnvelopesDropped *prometheus.CounterVec

	// LinkTransitions counts peer connection state changes.
	// Labels: state
	LinkTransitions *prometheus.CounterVec

	// LiveLinks is the number of open peer links.
	LiveLinks prometheus.Gauge

	// StaleNegotiations counts answers and candidates discarded for lack of a link.
	// Labels: kind (answer|ice-candidate|orphan)
	StaleNegotiations *prometheus.CounterVec

	// StoreErrors counts failed session store operations.
	// Labels: op
	StoreErrors *prometheus.CounterVec

	// RelayClients is the number of connected relay websocket clients.
	RelayClients prometheus.Gauge

	// RelayFrames counts frames handled by the relay server.
	// Labels: op (publish|subscribe|unsubscribe), status (ok|rejected|limited)
	RelayFrames *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg.
// A nil reg uses the default Prometheus registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		EnvelopesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicelink_envelopes_sent_total",
				Help: "Total number of signaling envelopes published by type and status",
			},
			[]string{"type", "status"},
		),
		EnvelopesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicelink_envelopes_received_total",
				Help: "Total number of signaling envelopes delivered by type",
			},
			[]string{"type"},
		),
		EnvelopesDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicelink_envelopes_dropped_total",
				Help: "Total number of signaling envelopes dropped by reason",
			},
			[]string{"reason"},
		),
		LinkTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicelink_link_transitions_total",
				Help: "Total number of peer connection state transitions by state",
			},
			[]string{"state"},
		),
		LiveLinks: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "voicelink_live_links",
				Help: "Number of open peer links",
			},
		),
		StaleNegotiations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicelink_stale_negotiations_total",
				Help: "Total number of negotiation messages discarded as stale",
			},
			[]string{"kind"},
		),
		StoreErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicelink_store_errors_total",
				Help: "Total number of failed session store operations",
			},
			[]string{"op"},
		),
		RelayClients: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "voicelink_relay_clients",
				Help: "Number of connected relay websocket clients",
			},
		),
		RelayFrames: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicelink_relay_frames_total",
				Help: "Total number of relay frames by operation and status",
			},
			[]string{"op", "status"},
		),
	}
}

func (m *Metrics) EnvelopeSent(typ string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.EnvelopesSent.WithLabelValues(typ, status).Inc()
}

func (m *Metrics) EnvelopeReceived(typ string) {
	if m == nil {
		return
	}
	m.EnvelopesReceived.WithLabelValues(typ).Inc()
}

func (m *Metrics) EnvelopeDropped(reason string) {
	if m == nil {
		return
	}
	m.EnvelopesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) LinkTransition(state string) {
	if m == nil {
		return
	}
	m.LinkTransitions.WithLabelValues(state).Inc()
}

// LinkOpened and LinkClosed keep LiveLinks in step with the peer manager.
func (m *Metrics) LinkOpened() {
	if m == nil {
		return
	}
	m.LiveLinks.Inc()
}

func (m *Metrics) LinkClosed() {
	if m == nil {
		return
	}
	m.LiveLinks.Dec()
}

func (m *Metrics) StaleNegotiation(kind string) {
	if m == nil {
		return
	}
	m.StaleNegotiations.WithLabelValues(kind).Inc()
}

func (m *Metrics) StoreError(op string) {
	if m == nil {
		return
	}
	m.StoreErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) RelayClientConnected() {
	if m == nil {
		return
	}
	m.RelayClients.Inc()
}

func (m *Metrics) RelayClientDisconnected() {
	if m == nil {
		return
	}
	m.RelayClients.Dec()
}

func (m *Metrics) RelayFrame(op, status string) {
	if m == nil {
		return
	}
	m.RelayFrames.WithLabelValues(op, status).Inc()
}
