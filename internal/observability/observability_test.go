package observability

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestLatencyWindowSnapshot(t *testing.T) {
	w := NewLatencyWindow(8)
	w.Observe("baidu/asr/direct", 500)
	w.Observe("baidu/asr/direct", 700)
	w.Observe("baidu/asr/direct", 900)
	w.ObserveIndicator("fallback_network")
	w.ObserveIndicator("fallback_network")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Calls) != 1 {
		t.Fatalf("len(Calls) = %d, want 1", len(snap.Calls))
	}
	s := snap.Calls[0]
	if s.Samples != 3 {
		t.Fatalf("Samples = %d, want 3", s.Samples)
	}
	if s.LastMS != 900 {
		t.Fatalf("LastMS = %.2f, want 900", s.LastMS)
	}
	if s.P50MS != 700 {
		t.Fatalf("P50MS = %.2f, want 700", s.P50MS)
	}
	if s.P95MS <= 700 || s.P95MS > 900 {
		t.Fatalf("P95MS = %.2f, want (700,900]", s.P95MS)
	}
	if s.TargetP95MS != 3000 {
		t.Fatalf("TargetP95MS = %.2f, want 3000", s.TargetP95MS)
	}
	if s.Vendor != "baidu" || s.Operation != "asr" || s.Path != "direct" || s.OverBudget {
		t.Fatalf("series = %+v, want baidu/asr/direct within budget", s)
	}
	if len(snap.Indicators) != 1 || snap.Indicators[0].Count != 2 {
		t.Fatalf("Indicators = %+v, want one entry with count 2", snap.Indicators)
	}
}

func TestLatencyWindowWrapsAround(t *testing.T) {
	w := NewLatencyWindow(2)
	for _, v := range []float64{10, 20, 30} {
		w.Observe("xunfei/tts/proxy", v)
	}
	s := w.Snapshot().Calls[0]
	if s.Samples != 2 {
		t.Fatalf("Samples = %d, want 2", s.Samples)
	}
	if s.AvgMS != 25 {
		t.Fatalf("AvgMS = %.2f, want 25 (oldest sample evicted)", s.AvgMS)
	}

	w.Reset()
	if got := len(w.Snapshot().Calls); got != 0 {
		t.Fatalf("len(Calls) after Reset = %d, want 0", got)
	}
}

func TestMetricsExposeCounters(t *testing.T) {
	m := NewMetrics("speechgw", nil)
	m.ObserveAttempt("baidu", "asr", "direct", "ok", 120*time.Millisecond)
	m.ObserveAttempt("baidu", "asr", "direct", "error", time.Second)
	m.ObserveFallback("baidu", "asr", "network")
	m.ObserveVendorRetry("baidu", "asr")
	m.ObserveTokenRefresh("baidu", true)
	m.ObserveDegraded("tts")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`speechgw_speech_attempts_total{operation="asr",outcome="ok",path="direct",vendor="baidu"} 1`,
		`speechgw_speech_fallbacks_total{operation="asr",reason="network",vendor="baidu"} 1`,
		`speechgw_vendor_rate_limit_retries_total{operation="asr",vendor="baidu"} 1`,
		`speechgw_token_refreshes_total{result="ok",vendor="baidu"} 1`,
		`speechgw_speech_degraded_total{operation="tts"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}

	snap := m.Latency().Snapshot()
	if len(snap.Calls) != 1 || snap.Calls[0].Key != "baidu/asr/direct" {
		t.Fatalf("latency calls = %+v, want only the successful direct attempt", snap.Calls)
	}
}
