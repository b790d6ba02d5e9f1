// Package telemetry exposes Prometheus metrics for the portal: HTTP server
// metrics recorded by an Echo middleware, connection pool gauges, and the
// follow-up and consult queue counters the domain services report into.
package telemetry

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// TelemetryConfig holds all configuration for the telemetry provider.
type TelemetryConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	MetricsEnabled *bool // nil = use default (true)
}

// metricsOn returns whether metrics are enabled (defaults to true).
func (c *TelemetryConfig) metricsOn() bool {
	if c.MetricsEnabled == nil {
		return true
	}
	return *c.MetricsEnabled
}

func (c *TelemetryConfig) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "portal-server"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
}

// BoolPtr is a helper to create a *bool for TelemetryConfig fields.
func BoolPtr(b bool) *bool {
	return &b
}

// ---------------------------------------------------------------------------
// Provider
// ---------------------------------------------------------------------------

var durationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// TelemetryProvider owns a private Prometheus registry so tests can create
// as many providers as they like.
type TelemetryProvider struct {
	cfg      TelemetryConfig
	registry *prometheus.Registry

	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	httpInFlight   prometheus.Gauge
	httpRespSize   *prometheus.HistogramVec
	queueEnables   *prometheus.CounterVec
	queueRetries   *prometheus.CounterVec
	followupMoves  *prometheus.CounterVec
	autoClear      *prometheus.CounterVec
	attemptsLogged *prometheus.CounterVec

	poolMu    sync.Mutex
	poolStats func() (total, idle, acquired int32)

	shutdownOnce sync.Once
	done         chan struct{}
}

// NewTelemetryProvider creates and registers every collector.
func NewTelemetryProvider(cfg TelemetryConfig) *TelemetryProvider {
	cfg.applyDefaults()
	reg := prometheus.NewRegistry()

	tp := &TelemetryProvider{
		cfg:      cfg,
		registry: reg,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_server_requests_total",
			Help: "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_server_request_duration_seconds",
			Help:    "HTTP request latency by method and route.",
			Buckets: durationBuckets,
		}, []string{"method", "route"}),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_server_active_requests",
			Help: "Requests currently being served.",
		}),
		httpRespSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_server_response_size_bytes",
			Help:    "Response body size by route.",
			Buckets: prometheus.ExponentialBuckets(64, 4, 8),
		}, []string{"route"}),
		queueEnables: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "consult_queue_enable_total",
			Help: "Consult queue enable calls by branch and outcome.",
		}, []string{"branch", "outcome"}),
		queueRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "consult_queue_slot_retries_total",
			Help: "Queue number assignments retried after losing a slot race.",
		}, []string{"branch"}),
		followupMoves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "followup_transitions_total",
			Help: "Follow-up status transitions by target status and reason.",
		}, []string{"status", "reason"}),
		autoClear: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "followup_auto_clear_total",
			Help: "Auto-clear evaluations on consultation finish by result code.",
		}, []string{"code"}),
		attemptsLogged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "followup_attempts_total",
			Help: "Contact attempts logged by channel and outcome.",
		}, []string{"channel", "outcome"}),
		done: make(chan struct{}),
	}

	buildInfo := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "portal_build_info",
		Help: "Build and deployment information.",
		ConstLabels: prometheus.Labels{
			"service":     cfg.ServiceName,
			"version":     cfg.ServiceVersion,
			"environment": cfg.Environment,
		},
	})
	buildInfo.Set(1)

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		buildInfo,
		tp.httpRequests,
		tp.httpDuration,
		tp.httpInFlight,
		tp.httpRespSize,
		tp.queueEnables,
		tp.queueRetries,
		tp.followupMoves,
		tp.autoClear,
		tp.attemptsLogged,
		tp.poolGauge("db_pool_total_conns", "Open connections in the pool.", func(t, _, _ int32) int32 { return t }),
		tp.poolGauge("db_pool_idle_conns", "Idle connections in the pool.", func(_, i, _ int32) int32 { return i }),
		tp.poolGauge("db_pool_acquired_conns", "Connections checked out of the pool.", func(_, _, a int32) int32 { return a }),
	)

	return tp
}

func (tp *TelemetryProvider) poolGauge(name, help string, pick func(total, idle, acquired int32) int32) prometheus.GaugeFunc {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, func() float64 {
		tp.poolMu.Lock()
		stats := tp.poolStats
		tp.poolMu.Unlock()
		if stats == nil {
			return 0
		}
		return float64(pick(stats()))
	})
}

// ObservePool makes the pool gauges read from stats at scrape time.
func (tp *TelemetryProvider) ObservePool(stats func() (total, idle, acquired int32)) {
	tp.poolMu.Lock()
	tp.poolStats = stats
	tp.poolMu.Unlock()
}

// Registry exposes the underlying registry, mainly for tests.
func (tp *TelemetryProvider) Registry() *prometheus.Registry {
	return tp.registry
}

// Shutdown gracefully shuts down the telemetry provider.
func (tp *TelemetryProvider) Shutdown(_ context.Context) error {
	tp.shutdownOnce.Do(func() {
		close(tp.done)
	})
	return nil
}

// Resource returns the service attributes attached to build info.
func (tp *TelemetryProvider) Resource() map[string]string {
	return map[string]string{
		"service.name":           tp.cfg.ServiceName,
		"service.version":        tp.cfg.ServiceVersion,
		"deployment.environment": tp.cfg.Environment,
	}
}

// ---------------------------------------------------------------------------
// Domain recorders
// ---------------------------------------------------------------------------

// RecordQueueEnable counts one enable call. outcome is "assigned",
// "already_queued", "not_found", "exhausted" or "error".
func (tp *TelemetryProvider) RecordQueueEnable(branch, outcome string) {
	tp.queueEnables.WithLabelValues(branch, outcome).Inc()
}

// RecordQueueRetry counts one lost slot race.
func (tp *TelemetryProvider) RecordQueueRetry(branch string) {
	tp.queueRetries.WithLabelValues(branch).Inc()
}

// RecordFollowupTransition counts a scheduled row leaving (or entering) the
// scheduled state.
func (tp *TelemetryProvider) RecordFollowupTransition(status, reason string) {
	tp.followupMoves.WithLabelValues(status, reason).Inc()
}

// RecordAutoClear counts one auto-clear evaluation by result code.
func (tp *TelemetryProvider) RecordAutoClear(code string) {
	tp.autoClear.WithLabelValues(code).Inc()
}

// RecordAttempt counts a logged contact attempt.
func (tp *TelemetryProvider) RecordAttempt(channel, outcome string) {
	tp.attemptsLogged.WithLabelValues(channel, outcome).Inc()
}

// ---------------------------------------------------------------------------
// MetricsMiddleware
// ---------------------------------------------------------------------------

// MetricsMiddleware returns an Echo middleware that records HTTP server metrics.
func (tp *TelemetryProvider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !tp.cfg.metricsOn() {
				return next(c)
			}

			tp.httpInFlight.Inc()
			defer tp.httpInFlight.Dec()

			start := time.Now()
			err := next(c)
			if err != nil {
				// Render here so the recorded status is the one sent.
				c.Error(err)
			}

			// Route pattern, not the raw path, to bound label cardinality.
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := c.Request().Method
			status := strconv.Itoa(c.Response().Status)

			tp.httpRequests.WithLabelValues(method, route, status).Inc()
			tp.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			if size := c.Response().Size; size > 0 {
				tp.httpRespSize.WithLabelValues(route).Observe(float64(size))
			}
			return nil
		}
	}
}

// ---------------------------------------------------------------------------
// PrometheusHandler
// ---------------------------------------------------------------------------

// PrometheusHandler serves the registry in Prometheus text exposition format.
func (tp *TelemetryProvider) PrometheusHandler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(tp.registry, promhttp.HandlerOpts{}))
}
