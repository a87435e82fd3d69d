package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for the invocation engine.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Counters
	dispatchesTotal    *prometheus.CounterVec
	throttlesTotal     *prometheus.CounterVec
	slotsReleasedTotal *prometheus.CounterVec
	watchdogTimeouts   prometheus.Counter
	droppedCallsTotal  prometheus.Counter
	tokenOverflows     prometheus.Counter

	// Histograms
	dispatchDuration *prometheus.HistogramVec
	waitDuration     *prometheus.HistogramVec

	// Gauges
	tokensAvailable prometheus.Gauge
	callsInflight   prometheus.Gauge
	pendingChunks   prometheus.Gauge
	activeMonitors  prometheus.Gauge
}

// Default histogram buckets for dispatch latency (in milliseconds)
var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		dispatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatches_total",
				Help:      "Total chunk dispatches by backend and result",
			},
			[]string{"backend", "result"},
		),

		throttlesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "throttles_total",
				Help:      "Total dispatches rejected by backend admission control",
			},
			[]string{"backend"},
		),

		slotsReleasedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "slots_released_total",
				Help:      "Total worker slots returned to the token bucket",
			},
			[]string{"monitor"},
		),

		watchdogTimeouts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "watchdog_timeouts_total",
				Help:      "Total calls failed by the execution-timeout watchdog",
			},
		),

		droppedCallsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dropped_calls_total",
				Help:      "Total pending calls dropped by stop or job abort",
			},
		),

		tokenOverflows: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "token_overflows_total",
				Help:      "Tokens returned to a full bucket and discarded",
			},
		),

		dispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dispatch_duration_milliseconds",
				Help:      "Latency of ComputeBackend.Invoke in milliseconds",
				Buckets:   buckets,
			},
			[]string{"backend"},
		),

		waitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "wait_duration_milliseconds",
				Help:      "Duration of wait() calls in milliseconds",
				Buckets:   []float64{10, 50, 100, 500, 1000, 5000, 10000, 30000, 60000, 300000},
			},
			[]string{"return_when"},
		),

		tokensAvailable: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tokens_available",
				Help:      "Free worker slots in the token bucket",
			},
		),

		callsInflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "chunks_inflight",
				Help:      "Worker slots currently occupied by dispatched chunks",
			},
		),

		pendingChunks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_chunks",
				Help:      "Chunks waiting in the pending queue",
			},
		),

		activeMonitors: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_monitors",
				Help:      "Job watchers currently running",
			},
		),
	}

	registry.MustRegister(
		pm.dispatchesTotal,
		pm.throttlesTotal,
		pm.slotsReleasedTotal,
		pm.watchdogTimeouts,
		pm.droppedCallsTotal,
		pm.tokenOverflows,
		pm.dispatchDuration,
		pm.waitDuration,
		pm.tokensAvailable,
		pm.callsInflight,
		pm.pendingChunks,
		pm.activeMonitors,
	)

	promMetrics = pm
}

// RecordDispatch records one ComputeBackend.Invoke outcome.
// result is one of "ok", "throttled", "error".
func RecordDispatch(backend, result string, durationMs float64) {
	global.recordDispatch(result)
	if promMetrics == nil {
		return
	}
	promMetrics.dispatchesTotal.WithLabelValues(backend, result).Inc()
	promMetrics.dispatchDuration.WithLabelValues(backend).Observe(durationMs)
	if result == "throttled" {
		promMetrics.throttlesTotal.WithLabelValues(backend).Inc()
	}
}

// RecordSlotReleased records one token pushed back by a monitor.
func RecordSlotReleased(monitor string) {
	global.SlotsReleased.Add(1)
	if promMetrics == nil {
		return
	}
	promMetrics.slotsReleasedTotal.WithLabelValues(monitor).Inc()
}

// RecordWatchdogTimeout records a synthetic timeout failure.
func RecordWatchdogTimeout() {
	global.WatchdogTimeouts.Add(1)
	if promMetrics == nil {
		return
	}
	promMetrics.watchdogTimeouts.Inc()
}

// RecordDropped records pending chunks discarded by stop or abort.
func RecordDropped(n int) {
	global.Dropped.Add(int64(n))
	if promMetrics == nil {
		return
	}
	promMetrics.droppedCallsTotal.Add(float64(n))
}

// RecordTokenOverflow records a token returned to a full bucket. A nonzero
// rate means some slot was released twice.
func RecordTokenOverflow() {
	global.TokenOverflows.Add(1)
	if promMetrics == nil {
		return
	}
	promMetrics.tokenOverflows.Inc()
}

// RecordWait records the duration of one wait() call.
func RecordWait(returnWhen string, durationMs float64) {
	if promMetrics == nil {
		return
	}
	promMetrics.waitDuration.WithLabelValues(returnWhen).Observe(durationMs)
}

// SetTokens publishes the token bucket occupancy.
func SetTokens(available, inflight int) {
	if promMetrics == nil {
		return
	}
	promMetrics.tokensAvailable.Set(float64(available))
	promMetrics.callsInflight.Set(float64(inflight))
}

// SetPending publishes the pending queue depth.
func SetPending(n int) {
	if promMetrics == nil {
		return
	}
	promMetrics.pendingChunks.Set(float64(n))
}

// IncActiveMonitors increments the running watcher gauge
func IncActiveMonitors() {
	if promMetrics == nil {
		return
	}
	promMetrics.activeMonitors.Inc()
}

// DecActiveMonitors decrements the running watcher gauge
func DecActiveMonitors() {
	if promMetrics == nil {
		return
	}
	promMetrics.activeMonitors.Dec()
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics scraping
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the prometheus registry (for custom collectors)
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
