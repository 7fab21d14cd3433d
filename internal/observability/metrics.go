package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the gateway. It also
// feeds the in-process latency window served at /api/perf/latency.
type Metrics struct {
	Attempts       *prometheus.CounterVec
	Fallbacks      *prometheus.CounterVec
	Degraded       *prometheus.CounterVec
	VendorRetries  *prometheus.CounterVec
	TokenRefreshes *prometheus.CounterVec
	CallLatency    *prometheus.HistogramVec
	ActiveStreams  prometheus.Gauge
	WSMessages     *prometheus.CounterVec

	latency *LatencyWindow
	gather  prometheus.Gatherer
}

// NewMetrics registers the instruments on reg. A nil reg uses a fresh
// private registry so repeated construction in tests does not collide.
func NewMetrics(namespace string, reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		Attempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "speech_attempts_total",
			Help:      "Speech calls by vendor, operation, path and outcome.",
		}, []string{"vendor", "operation", "path", "outcome"}),
		Fallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "speech_fallbacks_total",
			Help:      "Direct to proxy transitions by reason.",
		}, []string{"vendor", "operation", "reason"}),
		Degraded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "speech_degraded_total",
			Help:      "Calls where every vendor route failed.",
		}, []string{"operation"}),
		VendorRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vendor_rate_limit_retries_total",
			Help:      "Backoff retries after vendor rate-limit responses.",
		}, []string{"vendor", "operation"}),
		TokenRefreshes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refreshes_total",
			Help:      "Access token exchanges by vendor and result.",
		}, []string{"vendor", "result"}),
		CallLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "speech_call_latency_ms",
			Help:      "End-to-end speech call latency in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 4000, 8000, 15000, 30000},
		}, []string{"vendor", "operation"}),
		ActiveStreams: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_tts_streams",
			Help:      "Open TTS streaming sockets.",
		}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		latency: NewLatencyWindow(256),
		gather:  reg,
	}
}

func (m *Metrics) ObserveTokenRefresh(vendor string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	m.TokenRefreshes.WithLabelValues(vendor, result).Inc()
}

func (m *Metrics) ObserveVendorRetry(vendor, op string) {
	m.VendorRetries.WithLabelValues(vendor, op).Inc()
}

// ObserveAttempt records one direct or proxy attempt. Only successful
// attempts feed the latency window.
func (m *Metrics) ObserveAttempt(vendor, op, path, outcome string, d time.Duration) {
	m.Attempts.WithLabelValues(vendor, op, path, outcome).Inc()
	if outcome == "ok" {
		m.CallLatency.WithLabelValues(vendor, op).Observe(float64(d.Milliseconds()))
		m.latency.Observe(vendor+"/"+op+"/"+path, float64(d.Microseconds())/1000)
	}
}

func (m *Metrics) ObserveFallback(vendor, op, reason string) {
	m.Fallbacks.WithLabelValues(vendor, op, reason).Inc()
	m.latency.ObserveIndicator("fallback_" + reason)
}

func (m *Metrics) ObserveDegraded(op string) {
	m.Degraded.WithLabelValues(op).Inc()
	m.latency.ObserveIndicator("degraded_" + op)
}

func (m *Metrics) Latency() *LatencyWindow { return m.latency }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gather, promhttp.HandlerOpts{})
}
