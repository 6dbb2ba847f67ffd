package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
// Components treat a nil *Metrics as "don't record".
type Metrics struct {
	// Chain RPC Metrics
	rpcCallsTotal   *prometheus.CounterVec
	rpcCallDuration *prometheus.HistogramVec

	// Session Metrics
	sessionEventsTotal *prometheus.CounterVec
	refreshDuration    *prometheus.HistogramVec

	// Purchase Metrics
	purchasesTotal     *prometheus.CounterVec
	purchaseDuration   *prometheus.HistogramVec
	purchaseRejections *prometheus.CounterVec

	// HTTP Metrics
	httpRequestDuration *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec

	// NATS Metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   prometheus.Histogram
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		rpcCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chain_rpc_calls_total",
				Help: "Total number of chain RPC calls by method and status",
			},
			[]string{"method", "status"},
		),
		rpcCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chain_rpc_call_duration_seconds",
				Help:    "Duration of chain RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0},
			},
			[]string{"method"},
		),

		sessionEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wallet_session_events_total",
				Help: "Total number of wallet session operations by event and result",
			},
			[]string{"event", "result"},
		),
		refreshDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sale_refresh_duration_seconds",
				Help:    "Duration of sale snapshot refreshes in seconds",
				Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"result"},
		),

		purchasesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "purchases_total",
				Help: "Total number of settled purchase transactions by final status",
			},
			[]string{"status"},
		),
		purchaseDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "purchase_duration_seconds",
				Help:    "Time from submission to settlement of a purchase in seconds",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"status"},
		),
		purchaseRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "purchase_rejections_total",
				Help: "Total number of purchase submissions rejected before reaching the chain",
			},
			[]string{"reason"},
		),

		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),

		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published",
			},
			[]string{"status"},
		),
		natsPublishDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
		),
	}
}

// Chain RPC metric helpers

// RecordRPCCall records a chain RPC call with duration.
func (m *Metrics) RecordRPCCall(method, status string, duration float64) {
	m.rpcCallsTotal.WithLabelValues(method, status).Inc()
	m.rpcCallDuration.WithLabelValues(method).Observe(duration)
}

// Session metric helpers

// RecordSessionEvent records a connect, auto-connect or disconnect outcome.
func (m *Metrics) RecordSessionEvent(event, result string) {
	m.sessionEventsTotal.WithLabelValues(event, result).Inc()
}

// RecordRefresh records a snapshot refresh with duration.
func (m *Metrics) RecordRefresh(result string, duration float64) {
	m.sessionEventsTotal.WithLabelValues("refresh", result).Inc()
	m.refreshDuration.WithLabelValues(result).Observe(duration)
}

// Purchase metric helpers

// RecordPurchase records a settled purchase and how long it was pending.
func (m *Metrics) RecordPurchase(status string, duration float64) {
	m.purchasesTotal.WithLabelValues(status).Inc()
	m.purchaseDuration.WithLabelValues(status).Observe(duration)
}

// RecordPurchaseRejected records a submission refused before any chain call.
func (m *Metrics) RecordPurchaseRejected(reason string) {
	m.purchaseRejections.WithLabelValues(reason).Inc()
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(status string, duration float64) {
	m.natsMessagesPublished.WithLabelValues(status).Inc()
	m.natsPublishDuration.Observe(duration)
}

// Helper functions

func statusCodeToString(code int) string {
	// Group status codes by class
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
