// Package metrics exposes Prometheus metrics for the HTTP surface, the
// Starlark engine and the asynchronous run processor.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"enclaverun/internal/engine"
	"enclaverun/internal/run"
	"enclaverun/pkg/starlarkrun"
)

const namespace = "enclaverun"

// Metrics 持有全部指标以及独立的注册表。
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpErrors   *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	runs          *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	phaseDuration *prometheus.HistogramVec
	lines         *prometheus.CounterVec
	runStatus     *prometheus.CounterVec
}

// New 创建指标集合并注册到新的注册表。
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_request_errors_total",
			Help:      "Total number of HTTP requests that resulted in a server error.",
		}, []string{"handler", "method"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "starlark_runs_total",
			Help:      "Starlark runs by kind and final phase.",
		}, []string{"kind", "phase"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "starlark_run_duration_seconds",
			Help:      "Wall time of Starlark runs.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 9),
		}, []string{"kind"}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "starlark_phase_duration_seconds",
			Help:      "Time spent in each run phase.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 9),
		}, []string{"kind", "phase"}),
		lines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "starlark_response_lines_total",
			Help:      "Response lines streamed by variant.",
		}, []string{"kind", "variant"}),
		runStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "async_run_status_total",
			Help:      "Status transitions of asynchronous runs.",
		}, []string{"status"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests, m.httpErrors, m.httpDuration,
		m.runs, m.runDuration, m.phaseDuration, m.lines, m.runStatus,
	)
	return m
}

// Registry 返回底层注册表，便于测试读取。
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler exposes the metrics in Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (m *Metrics) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	m.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		m.httpErrors.WithLabelValues(handler, method).Inc()
	}
	m.httpDuration.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObservePhase 实现 engine.Observer。
func (m *Metrics) ObservePhase(kind engine.RunKind, phase starlarkrun.Phase, elapsed time.Duration) {
	if elapsed <= 0 {
		return
	}
	m.phaseDuration.WithLabelValues(string(kind), string(phase)).Observe(elapsed.Seconds())
}

// ObserveLine 实现 engine.Observer。
func (m *Metrics) ObserveLine(kind engine.RunKind, line starlarkrun.ResponseLine) {
	if line == nil {
		return
	}
	m.lines.WithLabelValues(string(kind), string(line.Kind())).Inc()
}

// ObserveRun 实现 engine.Observer。
func (m *Metrics) ObserveRun(kind engine.RunKind, final starlarkrun.Phase, elapsed time.Duration) {
	m.runs.WithLabelValues(string(kind), string(final)).Inc()
	m.runDuration.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
}

// Publish 实现 run.Sink，统计异步运行的状态迁移。
func (m *Metrics) Publish(_ context.Context, event run.Event) error {
	if event.Type == run.EventStatus {
		m.runStatus.WithLabelValues(string(event.Status)).Inc()
	}
	return nil
}

// Close 实现 run.Sink。
func (m *Metrics) Close() error { return nil }

var (
	_ engine.Observer = (*Metrics)(nil)
	_ run.Sink        = (*Metrics)(nil)
)
