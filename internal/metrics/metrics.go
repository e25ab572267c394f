package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of the relay. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	publishTotal         *prometheus.CounterVec
	gatewayConnections   prometheus.Gauge
	gatewaySubscriptions prometheus.Gauge
	authFailuresTotal    *prometheus.CounterVec
	httpRequestsTotal    *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		publishTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_publish_total",
				Help: "Realtime events handed to the broker, by event type and outcome",
			},
			[]string{"type", "outcome"},
		),
		gatewayConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_gateway_connections",
			Help: "Open websocket connections",
		}),
		gatewaySubscriptions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_gateway_subscriptions",
			Help: "Active channel subscriptions across all connections",
		}),
		authFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_auth_failures_total",
				Help: "Rejected requests by reason",
			},
			[]string{"reason"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_http_requests_total",
				Help: "HTTP requests by route and status",
			},
			[]string{"route", "status"},
		),
	}
}

func (m *Metrics) RecordPublish(eventType string, ok bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	m.publishTotal.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) SetGatewayStats(connections, subscriptions int) {
	if m == nil {
		return
	}
	m.gatewayConnections.Set(float64(connections))
	m.gatewaySubscriptions.Set(float64(subscriptions))
}

func (m *Metrics) RecordAuthFailure(reason string) {
	if m == nil {
		return
	}
	m.authFailuresTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordRequest(route string, status int) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
