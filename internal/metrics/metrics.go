package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "relay"

// Metrics holds the relay collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	connections       prometheus.Gauge
	identities        prometheus.Gauge
	messagesAccepted  prometheus.Counter
	messagesRejected  *prometheus.CounterVec
	readReceipts      prometheus.Counter
	droppedSends      *prometheus.CounterVec
	typingExpiries    prometheus.Counter
	presenceChanges   *prometheus.CounterVec
	presenceMirrorErr prometheus.Counter
	busEvents         *prometheus.CounterVec
	rateLimited       prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connections_open",
			Help: "Open websocket connections.",
		}),
		identities: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "identities_connected",
			Help: "Identities with at least one authenticated connection on this instance.",
		}),
		messagesAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_accepted_total",
			Help: "Messages accepted and persisted.",
		}),
		messagesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_rejected_total",
			Help: "Message submissions rejected, by reason.",
		}, []string{"reason"}),
		readReceipts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "read_receipts_total",
			Help: "Effective read transitions.",
		}),
		droppedSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sends_dropped_total",
			Help: "Outbound frames dropped by the overflow policy.",
		}, []string{"policy"}),
		typingExpiries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "typing_expiries_total",
			Help: "Typing indicators stopped by TTL expiry.",
		}),
		presenceChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "presence_transitions_total",
			Help: "Presence transitions, by direction.",
		}, []string{"state"}),
		presenceMirrorErr: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "presence_mirror_errors_total",
			Help: "Failed presence writes to the store.",
		}),
		busEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "bus_events_total",
			Help: "Cluster bus events, by direction.",
		}, []string{"direction"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "inbound_rate_limited_total",
			Help: "Inbound events dropped by the per-connection rate limit.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.connections, m.identities, m.messagesAccepted, m.messagesRejected,
			m.readReceipts, m.droppedSends, m.typingExpiries, m.presenceChanges,
			m.presenceMirrorErr, m.busEvents, m.rateLimited,
		)
	}
	return m
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) SetIdentities(n int) {
	if m != nil {
		m.identities.Set(float64(n))
	}
}

func (m *Metrics) MessageAccepted() {
	if m != nil {
		m.messagesAccepted.Inc()
	}
}

func (m *Metrics) MessageRejected(reason string) {
	if m != nil {
		m.messagesRejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) ReadReceipt() {
	if m != nil {
		m.readReceipts.Inc()
	}
}

func (m *Metrics) SendDropped(policy string) {
	if m != nil {
		m.droppedSends.WithLabelValues(policy).Inc()
	}
}

func (m *Metrics) TypingExpired() {
	if m != nil {
		m.typingExpiries.Inc()
	}
}

func (m *Metrics) PresenceTransition(online bool) {
	if m == nil {
		return
	}
	state := "offline"
	if online {
		state = "online"
	}
	m.presenceChanges.WithLabelValues(state).Inc()
}

func (m *Metrics) PresenceMirrorFailed() {
	if m != nil {
		m.presenceMirrorErr.Inc()
	}
}

func (m *Metrics) BusPublished() {
	if m != nil {
		m.busEvents.WithLabelValues("out").Inc()
	}
}

func (m *Metrics) BusReceived() {
	if m != nil {
		m.busEvents.WithLabelValues("in").Inc()
	}
}

func (m *Metrics) RateLimited() {
	if m != nil {
		m.rateLimited.Inc()
	}
}
