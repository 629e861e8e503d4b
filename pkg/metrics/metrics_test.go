package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/entrhq/fleet/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollector(reg), reg
}

func TestNewCollector(t *testing.T) {
	collector, _ := newTestCollector(t)

	assert.NotNil(t, collector.rowsProcessed, "rowsProcessed counter should be initialized")
	assert.NotNil(t, collector.halts, "halts counter should be initialized")
	assert.NotNil(t, collector.stepDuration, "stepDuration histogram should be initialized")
	assert.NotNil(t, collector.active, "active gauge should be initialized")
	assert.NotNil(t, collector.pending, "pending gauge should be initialized")
}

func TestNewCollector_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewCollector(prometheus.NewRegistry())
		NewCollector(prometheus.NewRegistry())
	})
}

func TestRecordRow(t *testing.T) {
	collector, _ := newTestCollector(t)

	collector.RecordRow(1, types.StatusSuccess)
	collector.RecordRow(1, types.StatusSuccess)
	collector.RecordRow(1, types.StatusPrivate)
	collector.RecordRow(2, types.StatusSuccess)

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.rowsProcessed.WithLabelValues("1", "Success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.rowsProcessed.WithLabelValues("1", "Private")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.rowsProcessed.WithLabelValues("2", "Success")))
}

func TestRecordHalt(t *testing.T) {
	collector, _ := newTestCollector(t)

	collector.RecordHalt(3, "logged_out")
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.halts.WithLabelValues("3", "logged_out")))
}

func TestActiveGauge(t *testing.T) {
	collector, _ := newTestCollector(t)

	collector.WorkerStarted()
	collector.WorkerStarted()
	collector.WorkerStopped()

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.active))
}

func TestPendingGauge(t *testing.T) {
	collector, reg := newTestCollector(t)

	collector.SetPending(1, 12)
	collector.SetPending(1, 11)
	collector.SetPending(2, 4)
	assert.Equal(t, 11.0, testutil.ToFloat64(collector.pending.WithLabelValues("1")))

	collector.ForgetWorker(2)
	count, err := testutil.GatherAndCount(reg, "fleet_queue_pending")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestObserveStep(t *testing.T) {
	collector, reg := newTestCollector(t)

	collector.ObserveStep("locate group", 3*time.Second, "continue")
	collector.ObserveStep("confirm", 20*time.Second, "step_failed")

	count, err := testutil.GatherAndCount(reg, "fleet_step_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestWatchDropped(t *testing.T) {
	collector, reg := newTestCollector(t)

	var dropped uint64 = 7
	collector.WatchDropped(func() uint64 { return dropped })

	count, err := testutil.GatherAndCount(reg, "fleet_bus_dropped_events_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestWatchSubscribers(t *testing.T) {
	collector, reg := newTestCollector(t)

	open := 3
	collector.WatchSubscribers(func() int { return open })

	expected := `
# HELP fleet_bus_subscribers Number of open status bus subscriptions
# TYPE fleet_bus_subscribers gauge
fleet_bus_subscribers 3
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "fleet_bus_subscribers"))
}

func TestHandler(t *testing.T) {
	collector, reg := newTestCollector(t)
	collector.RecordRow(1, types.StatusSuccess)

	server := httptest.NewServer(Handler(reg))
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `fleet_rows_processed_total{label="Success",worker="1"} 1`)
}

func TestNewServer(t *testing.T) {
	_, reg := newTestCollector(t)

	server := NewServer(":0", reg)
	assert.Equal(t, ":0", server.Addr)

	rec := httptest.NewRecorder()
	server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
