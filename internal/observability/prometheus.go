package observability

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "delivery_sync"

var breakerStates = []string{"closed", "open", "half_open"}

// Prometheus exposes the Metrics surface on a private registry.
type Prometheus struct {
	registry *prometheus.Registry

	attemptsTotal     *prometheus.CounterVec
	attemptDuration   *prometheus.HistogramVec
	breakerState      *prometheus.GaugeVec
	syncRunsTotal     *prometheus.CounterVec
	syncNewOrders     prometheus.Counter
	syncDuration      prometheus.Histogram
	transitionsTotal  *prometheus.CounterVec
	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
	cacheTotal        *prometheus.CounterVec
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()

	m := &Prometheus{
		registry: registry,
		attemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "marketplace_attempts_total",
				Help:      "Marketplace call attempts by operation and outcome.",
			},
			[]string{"op", "outcome"},
		),
		attemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "marketplace_attempt_duration_seconds",
				Help:      "Marketplace call attempt duration in seconds.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"op"},
		),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "breaker_state",
				Help:      "1 for the current circuit breaker state, 0 otherwise.",
			},
			[]string{"state"},
		),
		syncRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sync_runs_total",
				Help:      "Order sync runs by result.",
			},
			[]string{"result"},
		),
		syncNewOrders: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sync_new_orders_total",
				Help:      "Orders first seen by the sync engine.",
			},
		),
		syncDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sync_duration_seconds",
				Help:      "Order sync run duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
		),
		transitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "delivery_transitions_total",
				Help:      "Delivery state transitions.",
			},
			[]string{"from", "to"},
		),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by method, route and status.",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		cacheTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "order_cache_lookups_total",
				Help:      "Order cache lookups by result.",
			},
			[]string{"result"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.attemptsTotal,
		m.attemptDuration,
		m.breakerState,
		m.syncRunsTotal,
		m.syncNewOrders,
		m.syncDuration,
		m.transitionsTotal,
		m.httpRequestsTotal,
		m.httpDuration,
		m.cacheTotal,
	)
	m.ObserveBreakerState("closed")

	return m
}

func (m *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Prometheus) ObserveAttempt(op, outcome string, durMs float64) {
	m.attemptsTotal.WithLabelValues(label(op), label(outcome)).Inc()
	m.attemptDuration.WithLabelValues(label(op)).Observe(seconds(durMs))
}

func (m *Prometheus) ObserveBreakerState(state string) {
	for _, s := range breakerStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.breakerState.WithLabelValues(s).Set(v)
	}
}

func (m *Prometheus) ObserveSync(newOrders int, ok bool, durMs float64) {
	result := "ok"
	if !ok {
		result = "partial"
	}
	m.syncRunsTotal.WithLabelValues(result).Inc()
	if newOrders > 0 {
		m.syncNewOrders.Add(float64(newOrders))
	}
	m.syncDuration.Observe(seconds(durMs))
}

func (m *Prometheus) ObserveTransition(from, to string) {
	m.transitionsTotal.WithLabelValues(label(from), label(to)).Inc()
}

func (m *Prometheus) ObserveHTTP(method, route string, status int, durMs float64) {
	method = strings.ToUpper(label(method))
	m.httpRequestsTotal.WithLabelValues(method, label(route), strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, label(route)).Observe(seconds(durMs))
}

func (m *Prometheus) IncCacheHit()  { m.cacheTotal.WithLabelValues("hit").Inc() }
func (m *Prometheus) IncCacheMiss() { m.cacheTotal.WithLabelValues("miss").Inc() }

func label(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "unknown"
	}
	return s
}

func seconds(ms float64) float64 {
	if ms < 0 {
		return 0
	}
	return ms / 1000
}
