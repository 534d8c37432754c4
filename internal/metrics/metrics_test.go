// ABOUTME: Tests for the Prometheus metrics recorders
// ABOUTME: Uses isolated registries and testutil to read values back

package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	return New(prometheus.NewRegistry())
}

func TestRecordRequest(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordRequest("chat", true)
	m.RecordRequest("chat", true)
	m.RecordRequest("chat", false)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("chat", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("chat", "error")))
}

func TestRecordTokens_SkipsZero(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordTokens("chat-model", 120, 40, 0)

	assert.Equal(t, 120.0, testutil.ToFloat64(m.TokensTotal.WithLabelValues("input", "chat-model")))
	assert.Equal(t, 40.0, testutil.ToFloat64(m.TokensTotal.WithLabelValues("output", "chat-model")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.TokensTotal))
}

func TestObserveTool(t *testing.T) {
	m := newTestMetrics(t)
	m.ObserveTool("getWeather", false, 200*time.Millisecond)
	m.ObserveTool("getWeather", true, time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ToolExecutionsTotal.WithLabelValues("getWeather", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ToolExecutionsTotal.WithLabelValues("getWeather", "error")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.ToolDurationSeconds))
}

func TestTrackActiveStreams(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	active := 3
	m.TrackActiveStreams(func() int { return active })

	expected := `
# HELP coven_chat_streaming_active_streams Streams currently tracked by the broker
# TYPE coven_chat_streaming_active_streams gauge
coven_chat_streaming_active_streams 3
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "coven_chat_streaming_active_streams"))
}

func TestHandler(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordError("rate_limit:chat")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `coven_chat_http_errors_total{code="rate_limit:chat"} 1`)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordRequest("chat", true)
	m.RecordError("offline:chat")
	m.RecordTokens("x", 1, 1, 1)
	m.RecordFirstFrame("standard", time.Second)
	m.RecordStream("standard", true, time.Second)
	m.RecordClientDisconnect()
	m.RecordAdmission("authorized")
	m.ObserveTool("t", false, time.Second)
	m.TrackActiveStreams(func() int { return 1 })

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
