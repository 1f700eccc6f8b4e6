package tailcursor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is shared by all sessions built with the same Options. A nil
// *Metrics records nothing.
type Metrics struct {
	delivered       *prometheus.CounterVec
	reopens         *prometheus.CounterVec
	transportErrors *prometheus.CounterVec
	open            *prometheus.GaugeVec
}

const (
	reopenDead      = "dead"
	reopenTransport = "transport"
	reopenCanceled  = "canceled"
	reopenDeadline  = "deadline"
)

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}
	factory := promauto.With(registerer)
	return &Metrics{
		delivered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tailcursor_records_delivered_total",
				Help: "Number of records returned by Pull.",
			},
			[]string{"source"},
		),
		reopens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tailcursor_reopens_total",
				Help: "Number of tail cursors reopened, by cause.",
			},
			[]string{"source", "reason"},
		),
		transportErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tailcursor_transport_errors_total",
				Help: "Number of retryable errors absorbed while opening or fetching.",
			},
			[]string{"source"},
		),
		open: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tailcursor_sessions_open",
				Help: "Number of tail sessions not yet closed.",
			},
			[]string{"source"},
		),
	}
}

func (m *Metrics) recordDelivered(source string) {
	if m != nil {
		m.delivered.WithLabelValues(source).Inc()
	}
}

func (m *Metrics) recordReopen(source, reason string) {
	if m != nil {
		m.reopens.WithLabelValues(source, reason).Inc()
	}
}

func (m *Metrics) recordTransportError(source string) {
	if m != nil {
		m.transportErrors.WithLabelValues(source).Inc()
	}
}

func (m *Metrics) sessionOpened(source string) {
	if m != nil {
		m.open.WithLabelValues(source).Inc()
	}
}

func (m *Metrics) sessionClosed(source string) {
	if m != nil {
		m.open.WithLabelValues(source).Dec()
	}
}
