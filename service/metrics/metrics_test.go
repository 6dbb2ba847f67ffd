package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordHelpers(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordRPCCall("tokensSold", "success", 0.2)
	m.RecordRPCCall("tokensSold", "success", 0.3)
	m.RecordRPCCall("buy", "error", 1)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.rpcCallsTotal.WithLabelValues("tokensSold", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rpcCallsTotal.WithLabelValues("buy", "error")))

	m.RecordSessionEvent("connect", "success")
	m.RecordRefresh("error", 0.5)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionEventsTotal.WithLabelValues("connect", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionEventsTotal.WithLabelValues("refresh", "error")))

	m.RecordPurchase("success", 12)
	m.RecordPurchaseRejected("insufficient_balance")
	m.RecordPurchaseRejected("insufficient_balance")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.purchasesTotal.WithLabelValues("success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.purchaseRejections.WithLabelValues("insufficient_balance")))

	m.RecordNATSPublish("error", 0.01)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.natsMessagesPublished.WithLabelValues("error")))
}

func TestStatusCodeToString(t *testing.T) {
	tests := map[int]string{
		200: "2xx",
		202: "2xx",
		304: "3xx",
		409: "4xx",
		502: "5xx",
		99:  "unknown",
	}
	for code, want := range tests {
		assert.Equal(t, want, statusCodeToString(code), "code %d", code)
	}
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	handler := HTTPMetricsMiddleware(m, "/api/v1/purchases")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/purchases", nil))
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("/api/v1/purchases", "POST", "4xx")))
}

func TestHTTPMetricsMiddleware_NilMetrics(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	handler := HTTPMetricsMiddleware(nil, "/x")(inner)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}
