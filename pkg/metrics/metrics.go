// Package metrics exposes fleet counters in the Prometheus format.
//
// Metrics:
//
//	fleet_rows_processed_total{worker,label}    rows stamped, by status label
//	fleet_worker_halts_total{worker,reason}     run loops that ended without draining
//	fleet_step_duration_seconds{step,result}    time spent per pipeline step
//	fleet_workers_active                        run loops currently alive
//	fleet_queue_pending{worker}                 pending rows after the last update
//	fleet_bus_dropped_events_total              events dropped for slow subscribers
package metrics

import (
	"net/http"
	"time"

	"github.com/entrhq/fleet/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the fleet metrics.
type Collector struct {
	rowsProcessed *prometheus.CounterVec
	halts         *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	active        prometheus.Gauge
	pending       *prometheus.GaugeVec

	reg prometheus.Registerer
}

// NewCollector creates the metrics and registers them with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		rowsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_rows_processed_total",
			Help: "Total number of queue rows stamped with a status label",
		}, []string{"worker", "label"}),
		halts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_worker_halts_total",
			Help: "Total number of run loops that ended before draining the queue",
		}, []string{"worker", "reason"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fleet_step_duration_seconds",
			Help:    "Time spent in each add-member step",
			Buckets: []float64{1, 5, 10, 15, 30, 60, 120, 300},
		}, []string{"step", "result"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleet_workers_active",
			Help: "Current number of running worker loops",
		}),
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleet_queue_pending",
			Help: "Pending queue rows per worker",
		}, []string{"worker"}),
		reg: reg,
	}

	reg.MustRegister(c.rowsProcessed, c.halts, c.stepDuration, c.active, c.pending)
	return c
}

// RecordRow counts a stamped row.
func (c *Collector) RecordRow(id types.WorkerID, label types.Status) {
	c.rowsProcessed.WithLabelValues(id.String(), string(label)).Inc()
}

// RecordHalt counts a run loop that stopped early.
func (c *Collector) RecordHalt(id types.WorkerID, reason string) {
	c.halts.WithLabelValues(id.String(), reason).Inc()
}

// ObserveStep records one pipeline step.
func (c *Collector) ObserveStep(step string, elapsed time.Duration, result string) {
	c.stepDuration.WithLabelValues(step, result).Observe(elapsed.Seconds())
}

// WorkerStarted increments the active gauge.
func (c *Collector) WorkerStarted() {
	c.active.Inc()
}

// WorkerStopped decrements the active gauge.
func (c *Collector) WorkerStopped() {
	c.active.Dec()
}

// SetPending records the pending row count of a worker.
func (c *Collector) SetPending(id types.WorkerID, pending int) {
	c.pending.WithLabelValues(id.String()).Set(float64(pending))
}

// ForgetWorker drops the per-worker gauges of a deleted profile.
func (c *Collector) ForgetWorker(id types.WorkerID) {
	c.pending.DeleteLabelValues(id.String())
}

// WatchDropped exposes a drop counter read from fn at scrape time.
func (c *Collector) WatchDropped(fn func() uint64) {
	c.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "fleet_bus_dropped_events_total",
		Help: "Total number of events dropped because a subscriber was full",
	}, func() float64 { return float64(fn()) }))
}

// WatchSubscribers exposes the number of open bus subscriptions read from fn
// at scrape time.
func (c *Collector) WatchSubscribers(fn func() int) {
	c.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "fleet_bus_subscribers",
		Help: "Number of open status bus subscriptions",
	}, func() float64 { return float64(fn()) }))
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// NewServer returns an HTTP server exposing /metrics on addr.
func NewServer(addr string, g prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
