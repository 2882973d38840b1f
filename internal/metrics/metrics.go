// Package metrics exposes Prometheus collectors for request routing,
// signing, balance fetching, the approval queue and endpoint breakers.
package metrics

import (
	"net/http"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"

	apperrors "github.com/better-wallet/wallet-core/pkg/errors"
	"github.com/better-wallet/wallet-core/pkg/types"
)

const namespace = "wallet_core"

// Request outcomes
const (
	OutcomeAnswered  = "answered"
	OutcomeForwarded = "forwarded"
	OutcomeError     = "error"
)

// Metrics holds the collectors on a private registry
type Metrics struct {
	registry *prometheus.Registry

	requests      *prometheus.CounterVec
	signs         *prometheus.CounterVec
	signDuration  *prometheus.HistogramVec
	fetches       *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	queueDepth    prometheus.Gauge
	breakerState  *prometheus.GaugeVec
	unlocked      prometheus.Gauge
}

// New creates the collectors and registers them with the Go runtime
// collectors on a fresh registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Inbound requests by family, method and outcome.",
		}, []string{"family", "method", "outcome"}),
		signs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sign_total",
			Help:      "Signing operations by family, payload kind and result code.",
		}, []string{"family", "kind", "code"}),
		signDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sign_duration_seconds",
			Help:      "Duration of signing operations including preparation and broadcast.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"family", "kind"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_total",
			Help:      "Balance and staking fetches by family, kind and result.",
		}, []string{"family", "kind", "result"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Duration of balance and staking fetches.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"family", "kind"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "approval_queue_depth",
			Help:      "Requests waiting for an approval decision.",
		}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "endpoint_breaker_state",
			Help:      "Circuit breaker state per endpoint host: 0 closed, 1 half-open, 2 open.",
		}, []string{"host"}),
		unlocked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_unlocked",
			Help:      "1 while the session is unlocked.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests, m.signs, m.signDuration, m.fetches, m.fetchDuration,
		m.queueDepth, m.breakerState, m.unlocked,
	)
	return m
}

// Registry returns the registry the collectors live on
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRequest counts a dispatched request
func (m *Metrics) ObserveRequest(family types.ChainFamily, method, outcome string) {
	m.requests.WithLabelValues(string(family), method, outcome).Inc()
}

// ObserveSign records a signing operation. Failures are labelled with their
// error kind.
func (m *Metrics) ObserveSign(family types.ChainFamily, kind string, err error, took time.Duration) {
	m.signs.WithLabelValues(string(family), kind, codeOf(err)).Inc()
	m.signDuration.WithLabelValues(string(family), kind).Observe(took.Seconds())
}

// ObserveFetch records a balance or staking fetch
func (m *Metrics) ObserveFetch(family types.ChainFamily, kind string, err error, took time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.fetches.WithLabelValues(string(family), kind, result).Inc()
	m.fetchDuration.WithLabelValues(string(family), kind).Observe(took.Seconds())
}

// SetQueueDepth records the approval queue depth
func (m *Metrics) SetQueueDepth(depth int) {
	m.queueDepth.Set(float64(depth))
}

// SetUnlocked records the session state
func (m *Metrics) SetUnlocked(unlocked bool) {
	if unlocked {
		m.unlocked.Set(1)
		return
	}
	m.unlocked.Set(0)
}

// BreakerChanged records a breaker transition. Endpoints are labelled by
// host so credentials in paths or queries never reach the exporter.
func (m *Metrics) BreakerChanged(endpoint string, _, to gobreaker.State) {
	m.breakerState.WithLabelValues(hostOf(endpoint)).Set(float64(to))
}

func codeOf(err error) string {
	if err == nil {
		return "ok"
	}
	if appErr, ok := apperrors.IsAppError(err); ok {
		return appErr.Code
	}
	return apperrors.ErrCodeInternal
}

func hostOf(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return "unknown"
	}
	return u.Host
}
