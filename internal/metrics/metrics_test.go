package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_RecordsOutcomes(t *testing.T) {
	t.Parallel()
	m := New()

	m.FileExtracted("rust", OutcomeOK, 2*time.Millisecond)
	m.FileExtracted("rust", OutcomeOK, time.Millisecond)
	m.FileExtracted("go", OutcomeFailed, 0)
	m.Committed(7, 120, 300, 5*time.Millisecond)
	m.Query("traverse", "", time.Millisecond)
	m.Query("similar", "unsupported", time.Millisecond)
	m.Quarantined(3)
	m.Quarantined(0)
	m.Superseded()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.filesExtracted.WithLabelValues("rust", OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.filesExtracted.WithLabelValues("go", OutcomeFailed)))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.generation))
	assert.Equal(t, 120.0, testutil.ToFloat64(m.nodes))
	assert.Equal(t, 300.0, testutil.ToFloat64(m.edges))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.queryErrors.WithLabelValues("similar", "unsupported")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.quarantined))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cancelled))
	assert.Equal(t, 1, testutil.CollectAndCount(m.commitSeconds))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	t.Parallel()
	var m *Metrics
	assert.NotPanics(t, func() {
		m.FileExtracted("rust", OutcomeOK, time.Millisecond)
		m.Committed(1, 1, 1, time.Millisecond)
		m.Query("traverse", "", time.Millisecond)
		m.Quarantined(1)
		m.Superseded()
	})
}

func TestMetrics_Handler(t *testing.T) {
	t.Parallel()
	m := New()
	m.Committed(3, 1, 0, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "isg_generation 3")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestMetrics_IndependentRegistries(t *testing.T) {
	t.Parallel()
	a, b := New(), New()
	a.Quarantined(1)
	assert.Equal(t, 0.0, testutil.ToFloat64(b.quarantined))
	assert.NotSame(t, a.Registry(), b.Registry())
}
