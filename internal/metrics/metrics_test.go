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

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry(reg, reg)

	m.ObserveOperation("upload", "appended", 40*time.Millisecond)
	m.ObserveOperation("upload", "appended", 60*time.Millisecond)
	m.UnitsAppended(3)
	m.UnitsAppended(0)
	m.TrackerCall("append_comment", "ok")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.operations.WithLabelValues("upload", "appended")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.units))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.trackerCalls.WithLabelValues("append_comment", "ok")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveOperation("create", "created", time.Second)
	m.UnitsAppended(1)
	m.TrackerCall("create_issue", "ok")
	assert.NotNil(t, m.Handler())
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.UnitsAppended(1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "threadlink_units_appended_total 1"))
}
