// ABOUTME: Tests for the Prometheus collectors
// ABOUTME: Checks counters, re-registration, and the exposition handler

package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_RecordsRuns(t *testing.T) {
	c, err := New(prometheus.NewRegistry())
	require.NoError(t, err)

	c.RunFinished("completed", 2*time.Second)
	c.RunFinished("completed", time.Second)
	c.RunFinished("timeout", 2*time.Minute)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.runs.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runs.WithLabelValues("timeout")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.runDuration))
}

func TestCollector_RecordsToolCallsAndCallbacks(t *testing.T) {
	c, err := New(prometheus.NewRegistry())
	require.NoError(t, err)

	c.ToolCall("book_event", "ok")
	c.ToolCall("book_event", "invalid")
	c.ToolCall("book_event", "ok")
	c.Callback("accepted")
	c.Callback("duplicate")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.toolCalls.WithLabelValues("book_event", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.toolCalls.WithLabelValues("book_event", "invalid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.callbacks.WithLabelValues("duplicate")))
}

func TestCollector_NilIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RunFinished("completed", time.Second)
		c.ToolCall("book_event", "ok")
		c.Callback("accepted")
	})
}

func TestNew_ReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := New(reg)
	require.NoError(t, err)
	second, err := New(reg)
	require.NoError(t, err)

	first.Callback("accepted")
	second.Callback("accepted")

	assert.Equal(t, 2.0, testutil.ToFloat64(first.callbacks.WithLabelValues("accepted")))
}

func TestHandler_ExposesMetrics(t *testing.T) {
	reg := NewRegistry()
	c, err := New(reg)
	require.NoError(t, err)
	c.RunFinished("failed", 3*time.Second)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), `booking_bridge_runs_total{status="failed"} 1`)
	assert.Contains(t, string(body), "booking_bridge_run_duration_seconds_bucket")
	assert.Contains(t, string(body), "go_goroutines")
}
