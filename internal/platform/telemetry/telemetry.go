// Package telemetry exposes the service's Prometheus metrics.
package telemetry

import (
	"errors"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "triage"

var defaultDurationBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// Metrics holds every collector on a private registry. A nil *Metrics is a
// valid no-op recorder.
type Metrics struct {
	registry *prometheus.Registry

	admissionsCreated *prometheus.CounterVec
	braceletRetries   prometheus.Counter
	braceletExhausted prometheus.Counter
	transitions       *prometheus.CounterVec

	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	activeRequests prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		admissionsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_created_total",
			Help:      "Admissions registered, by triage color.",
		}, []string{"color"}),
		braceletRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bracelet_retries_total",
			Help:      "Bracelet allocations retried after a collision.",
		}),
		braceletExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bracelet_exhausted_total",
			Help:      "Bracelet allocations that ran out of attempts.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Admission state transitions, by target state.",
		}, []string{"to"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route pattern and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds.",
			Buckets:   defaultDurationBuckets,
		}, []string{"method", "route"}),
		activeRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_active_requests",
			Help:      "Number of in-flight HTTP requests.",
		}),
	}

	m.registry.MustRegister(
		m.admissionsCreated,
		m.braceletRetries,
		m.braceletExhausted,
		m.transitions,
		m.httpRequests,
		m.httpDuration,
		m.activeRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// PoolStats reports connection pool occupancy at scrape time.
type PoolStats func() (total, idle, acquired int32)

// ObservePool exports the database pool gauges.
func (m *Metrics) ObservePool(stats PoolStats) {
	gauge := func(name, help string, pick func(total, idle, acquired int32) int32) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "db_pool",
			Name:      name,
			Help:      help,
		}, func() float64 {
			return float64(pick(stats()))
		})
	}
	m.registry.MustRegister(
		gauge("total_conns", "Open connections.", func(t, _, _ int32) int32 { return t }),
		gauge("idle_conns", "Idle connections.", func(_, i, _ int32) int32 { return i }),
		gauge("acquired_conns", "Connections in use.", func(_, _, a int32) int32 { return a }),
	)
}

func (m *Metrics) AdmissionCreated(color string) {
	if m == nil {
		return
	}
	m.admissionsCreated.WithLabelValues(color).Inc()
}

func (m *Metrics) BraceletRetry() {
	if m == nil {
		return
	}
	m.braceletRetries.Inc()
}

func (m *Metrics) BraceletExhausted() {
	if m == nil {
		return
	}
	m.braceletExhausted.Inc()
}

func (m *Metrics) StateTransition(to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(to).Inc()
}

// Middleware records request count and latency per route pattern. Errors are
// counted with the status the error handler will send.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.activeRequests.Inc()
			start := time.Now()

			err := next(c)

			m.activeRequests.Dec()
			req := c.Request()
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}

			status := c.Response().Status
			if err != nil {
				status = 500
				var he *echo.HTTPError
				if errors.As(err, &he) {
					status = he.Code
				}
			}

			m.httpRequests.WithLabelValues(req.Method, route, strconv.Itoa(status)).Inc()
			m.httpDuration.WithLabelValues(req.Method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}
