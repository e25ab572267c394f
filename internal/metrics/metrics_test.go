package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_RecordPublish(t *testing.T) {
	m := New()
	m.RecordPublish("typing_start", true)
	m.RecordPublish("typing_start", true)
	m.RecordPublish("message_sent", false)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.publishTotal.WithLabelValues("typing_start", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.publishTotal.WithLabelValues("message_sent", "failed")))
}

func TestMetrics_GatewayStats(t *testing.T) {
	m := New()
	m.SetGatewayStats(3, 7)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.gatewayConnections))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.gatewaySubscriptions))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordPublish("x", true)
		m.SetGatewayStats(1, 1)
		m.RecordAuthFailure("expired")
		m.RecordRequest("/health", 200)
	})
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.RecordRequest("POST /api/realtime/typing", 403)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `relay_http_requests_total{route="POST /api/realtime/typing",status="403"} 1`)
}
