package bridge

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the bridge's Prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	sessionsActive   prometheus.Gauge
	sessionsOpened   prometheus.Counter
	messagesReceived *prometheus.CounterVec
	messagesRejected *prometheus.CounterVec
	messagesSent     prometheus.Counter
	sendsDropped     prometheus.Counter
	requestErrors    *prometheus.CounterVec
}

const metricsNamespace = "mcp_bridge"

// NewMetrics creates the collectors and registers them on reg. A nil reg leaves them
// unregistered, which is handy in tests.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Sessions currently registered.",
		}),
		sessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "sessions",
			Name:      "opened_total",
			Help:      "Sessions registered since start.",
		}),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "messages",
			Name:      "received_total",
			Help:      "Accepted client messages by JSON-RPC kind.",
		}, []string{"kind"}),
		messagesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "messages",
			Name:      "rejected_total",
			Help:      "Rejected client POSTs by HTTP status.",
		}, []string{"status"}),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "messages",
			Name:      "sent_total",
			Help:      "Messages queued on event streams.",
		}),
		sendsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "messages",
			Name:      "dropped_total",
			Help:      "Messages dropped because their session had closed.",
		}),
		requestErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "requests",
			Name:      "errors_total",
			Help:      "Requests answered with a JSON-RPC error, by code.",
		}, []string{"code"}),
	}

	if reg == nil {
		return m, nil
	}

	for _, c := range []prometheus.Collector{
		m.sessionsActive,
		m.sessionsOpened,
		m.messagesReceived,
		m.messagesRejected,
		m.messagesSent,
		m.sendsDropped,
		m.requestErrors,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Metrics) sessionOpened() {
	if m == nil {
		return
	}
	m.sessionsOpened.Inc()
	m.sessionsActive.Inc()
}

func (m *Metrics) sessionClosed() {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
}

func (m *Metrics) messageReceived(kind MessageKind) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) messageRejected(status int) {
	if m == nil {
		return
	}
	m.messagesRejected.WithLabelValues(strconv.Itoa(status)).Inc()
}

func (m *Metrics) messageSent() {
	if m == nil {
		return
	}
	m.messagesSent.Inc()
}

func (m *Metrics) sendDropped() {
	if m == nil {
		return
	}
	m.sendsDropped.Inc()
}

func (m *Metrics) requestFailed(code int) {
	if m == nil {
		return
	}
	m.requestErrors.WithLabelValues(strconv.Itoa(code)).Inc()
}
