package metrics_test

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2lambda123/ComputationalRadiationPhysics-redGrapes/metrics"
)

func TestCollector_ObserveTaskIncrementsCounters(t *testing.T) {
	c := metrics.New("test")
	c.ObserveTask(5*time.Millisecond, 2)

	assert.Equal(t, float64(1), testutil.ToFloat64(c.TasksCompleted))
}

func TestCollector_ObserveFaultIncrementsCounter(t *testing.T) {
	c := metrics.New("test_fault")
	c.ObserveFault()
	c.ObserveFault()

	assert.Equal(t, float64(2), testutil.ToFloat64(c.TasksFailed))
}

func TestCollector_ObserveRetryIncrementsCounter(t *testing.T) {
	c := metrics.New("test_retry")
	c.ObserveRetry()

	assert.Equal(t, float64(1), testutil.ToFloat64(c.TasksRetried))
}

func TestCollector_HandlerServesExpositionFormat(t *testing.T) {
	c := metrics.New("test_exposition")
	c.ObserveFault()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	c.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "test_exposition_tasks_failed_total 1")
}
