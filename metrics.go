package chatrelay

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "chatrelay"

// Metrics holds the relay's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	messagesTotal          *prometheus.CounterVec
	gatewayRequestsTotal   *prometheus.CounterVec
	gatewayRequestDuration *prometheus.HistogramVec
	deliveriesTotal        *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on registerer. When
// conversations is not nil it backs the live conversation gauge.
func NewMetrics(registerer prometheus.Registerer, conversations func() int) *Metrics {
	m := &Metrics{
		messagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "messages_total",
				Help:      "Total number of inbound messages handled",
			},
			[]string{"kind"}, // kind: command, turn, ignored
		),
		gatewayRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "gateway_requests_total",
				Help:      "Total number of gateway requests",
			},
			[]string{"modality", "status"}, // status: success, error
		),
		gatewayRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "gateway_request_duration_seconds",
				Help:      "Duration of gateway requests in seconds",
				Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"modality"},
		),
		deliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "deliveries_total",
				Help:      "Total number of platform deliveries",
			},
			[]string{"kind", "status"},
		),
	}

	registerer.MustRegister(m.messagesTotal, m.gatewayRequestsTotal, m.gatewayRequestDuration, m.deliveriesTotal)

	if conversations != nil {
		registerer.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "conversations",
				Help:      "Number of conversations with a live history",
			},
			func() float64 { return float64(conversations()) },
		))
	}

	return m
}

// ObserveMessage counts one inbound message of the given kind.
func (m *Metrics) ObserveMessage(kind string) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(kind).Inc()
}

// ObserveGatewayRequest records the outcome and latency of one gateway call.
func (m *Metrics) ObserveGatewayRequest(op string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.gatewayRequestsTotal.WithLabelValues(op, statusLabel(err)).Inc()
	m.gatewayRequestDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// ObserveDelivery records the outcome of one platform call.
func (m *Metrics) ObserveDelivery(kind DeliveryKind, err error) {
	if m == nil {
		return
	}
	m.deliveriesTotal.WithLabelValues(string(kind), statusLabel(err)).Inc()
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
