package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Dispatch outcomes recorded per event kind.
const (
	dispatchDelivered = "delivered"
	dispatchOffline   = "offline"
	dispatchDropped   = "dropped"
)

// Metrics holds the realtime collectors. A nil *Metrics records nothing.
type Metrics struct {
	activeSessions       prometheus.Gauge
	presenceTransitions  *prometheus.CounterVec
	messagesPersisted    prometheus.Counter
	dispatches           *prometheus.CounterVec
	storeErrors          *prometheus.CounterVec
	conversationsCreated prometheus.Counter
}

// NewMetrics creates the realtime collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "parley",
			Name:      "active_sessions",
			Help:      "Websocket sessions currently in the Active state.",
		}),
		presenceTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "parley",
			Name:      "presence_transitions_total",
			Help:      "Presence changes that were broadcast, by direction.",
		}, []string{"state"}),
		messagesPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "parley",
			Name:      "messages_persisted_total",
			Help:      "Messages appended to the message store.",
		}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "parley",
			Name:      "dispatch_total",
			Help:      "Dispatcher notifications by event kind and outcome.",
		}, []string{"kind", "outcome"}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "parley",
			Name:      "store_errors_total",
			Help:      "Failed store operations by operation.",
		}, []string{"op"}),
		conversationsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "parley",
			Name:      "conversations_created_total",
			Help:      "Conversations created by the registry.",
		}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.activeSessions,
			m.presenceTransitions,
			m.messagesPersisted,
			m.dispatches,
			m.storeErrors,
			m.conversationsCreated,
		} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) sessionOpened() {
	if m != nil {
		m.activeSessions.Inc()
	}
}

func (m *Metrics) sessionClosed() {
	if m != nil {
		m.activeSessions.Dec()
	}
}

func (m *Metrics) presenceChanged(online bool) {
	if m == nil {
		return
	}
	state := "offline"
	if online {
		state = "online"
	}
	m.presenceTransitions.WithLabelValues(state).Inc()
}

func (m *Metrics) messagePersisted() {
	if m != nil {
		m.messagesPersisted.Inc()
	}
}

func (m *Metrics) dispatched(kind, outcome string) {
	if m != nil {
		m.dispatches.WithLabelValues(kind, outcome).Inc()
	}
}

func (m *Metrics) storeError(op string) {
	if m != nil {
		m.storeErrors.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) conversationCreated() {
	if m != nil {
		m.conversationsCreated.Inc()
	}
}
