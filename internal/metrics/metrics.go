// v1
// internal/metrics/metrics.go
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nrgchamp/meterchain/internal/publish"
)

// Metrics owns a private registry so several instances can coexist in one
// process (tests, or a meter agent and verifier side by side).
type Metrics struct {
	registry *prometheus.Registry

	publishTotal      *prometheus.CounterVec
	connectTotal      *prometheus.CounterVec
	verifyTotal       *prometheus.CounterVec
	ledgerRecords     prometheus.Counter
	loopState         prometheus.Gauge
	cbState           *prometheus.GaugeVec
	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		publishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meterchain_publish_total",
			Help: "Publish attempts by result (ok, failed).",
		}, []string{"result"}),
		connectTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meterchain_connect_total",
			Help: "Broker handshakes by result (ok, failed).",
		}, []string{"result"}),
		verifyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meterchain_verify_total",
			Help: "Received readings by verification outcome.",
		}, []string{"result"}),
		ledgerRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meterchain_ledger_records_total",
			Help: "Trades appended to the ledger.",
		}),
		loopState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meterchain_loop_state",
			Help: "Publish loop state (0 disconnected, 1 connecting, 2 connected, 3 publishing, 4 stopped).",
		}),
		cbState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meterchain_cb_state",
			Help: "Circuit breaker state gauge (0 closed, 1 open, 2 half-open).",
		}, []string{"target"}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meterchain_http_requests_total",
			Help: "Total count of HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "meterchain_http_request_duration_seconds",
			Help:    "Histogram of HTTP request durations by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.publishTotal,
		m.connectTotal,
		m.verifyTotal,
		m.ledgerRecords,
		m.loopState,
		m.cbState,
		m.httpRequestsTotal,
		m.httpDuration,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Observer converts publish loop events into counters and the state gauge.
func (m *Metrics) Observer() publish.Observer {
	return func(ev publish.Event) {
		if m == nil {
			return
		}
		switch ev.Kind {
		case publish.EventPublished:
			m.publishTotal.WithLabelValues("ok").Inc()
		case publish.EventPublishFailed:
			m.publishTotal.WithLabelValues("failed").Inc()
		case publish.EventStateChanged:
			m.loopState.Set(float64(ev.State))
			switch {
			case ev.Previous == publish.StateConnecting && ev.State == publish.StateConnected:
				m.connectTotal.WithLabelValues("ok").Inc()
			case ev.Previous == publish.StateConnecting && ev.State == publish.StateDisconnected:
				m.connectTotal.WithLabelValues("failed").Inc()
			}
		}
	}
}

// Verified counts one ingest outcome.
func (m *Metrics) Verified(outcome string) {
	if m == nil {
		return
	}
	m.verifyTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) LedgerRecorded() {
	if m == nil {
		return
	}
	m.ledgerRecords.Inc()
}

func (m *Metrics) SetCircuitBreakerState(target string, state float64) {
	if m == nil {
		return
	}
	m.cbState.WithLabelValues(target).Set(state)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// WrapHandler records request counts and latency for route.
func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		if m != nil {
			m.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
			m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
	})
}
