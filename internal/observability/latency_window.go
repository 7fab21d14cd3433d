package observability

import (
	"maps"
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

// Per-operation p95 budgets. Recognition includes upload and vendor decoding,
// so it gets the larger share of the 30s cap.
var p95Budget = map[string]float64{
	"asr": 3000,
	"tts": 2000,
}

// LatencyStats summarizes one vendor/operation/path series.
type LatencyStats struct {
	Key         string  `json:"key"`
	Vendor      string  `json:"vendor"`
	Operation   string  `json:"operation"`
	Path        string  `json:"path,omitempty"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
	OverBudget  bool    `json:"over_budget,omitempty"`
}

// Indicator counts discrete events such as fallbacks and degraded answers.
type Indicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type LatencySnapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	WindowSize  int            `json:"window_size"`
	Calls       []LatencyStats `json:"calls"`
	Indicators  []Indicator    `json:"indicators,omitempty"`
}

// LatencyWindow keeps the most recent samples of each series in a fixed
// ring. It backs /api/perf/latency.
type LatencyWindow struct {
	mu         sync.RWMutex
	size       int
	series     map[string]*samples
	indicators map[string]int
}

type samples struct {
	buf  []float64
	pos  int
	full bool
	last float64
}

func (s *samples) add(ms float64) {
	s.buf[s.pos] = ms
	s.last = ms
	s.pos = (s.pos + 1) % len(s.buf)
	if s.pos == 0 {
		s.full = true
	}
}

// sorted returns a sorted copy of the live samples.
func (s *samples) sorted() []float64 {
	n := s.pos
	if s.full {
		n = len(s.buf)
	}
	out := slices.Clone(s.buf[:n])
	slices.Sort(out)
	return out
}

func NewLatencyWindow(size int) *LatencyWindow {
	if size <= 0 {
		size = 256
	}
	return &LatencyWindow{
		size:       size,
		series:     make(map[string]*samples),
		indicators: make(map[string]int),
	}
}

// Observe records ms under key, a "vendor/operation/path" triple.
func (w *LatencyWindow) Observe(key string, ms float64) {
	if key == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.series[key]
	if !ok {
		s = &samples{buf: make([]float64, w.size)}
		w.series[key] = s
	}
	s.add(ms)
}

func (w *LatencyWindow) ObserveIndicator(name string) {
	name = strings.TrimSpace(name)
	if w == nil || name == "" {
		return
	}
	w.mu.Lock()
	w.indicators[name]++
	w.mu.Unlock()
}

func (w *LatencyWindow) Snapshot() LatencySnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	snap := LatencySnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Calls:       make([]LatencyStats, 0, len(w.series)),
	}
	for _, key := range slices.Sorted(maps.Keys(w.series)) {
		s := w.series[key]
		values := s.sorted()
		if len(values) == 0 {
			continue
		}
		stats := seriesStats(key, values)
		stats.LastMS = round2(s.last)
		snap.Calls = append(snap.Calls, stats)
	}
	for _, name := range slices.Sorted(maps.Keys(w.indicators)) {
		snap.Indicators = append(snap.Indicators, Indicator{Name: name, Count: w.indicators[name]})
	}
	return snap
}

func (w *LatencyWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	clear(w.series)
	clear(w.indicators)
}

func seriesStats(key string, values []float64) LatencyStats {
	vendor, rest, _ := strings.Cut(key, "/")
	op, path, _ := strings.Cut(rest, "/")

	var sum float64
	for _, v := range values {
		sum += v
	}
	stats := LatencyStats{
		Key:         key,
		Vendor:      vendor,
		Operation:   op,
		Path:        path,
		Samples:     len(values),
		AvgMS:       round2(sum / float64(len(values))),
		P50MS:       round2(quantile(values, 0.50)),
		P95MS:       round2(quantile(values, 0.95)),
		P99MS:       round2(quantile(values, 0.99)),
		TargetP95MS: p95Budget[op],
	}
	stats.OverBudget = stats.TargetP95MS > 0 && stats.P95MS > stats.TargetP95MS
	return stats
}

// quantile interpolates linearly between the two nearest ranks.
func quantile(sorted []float64, q float64) float64 {
	switch {
	case len(sorted) == 0:
		return 0
	case q <= 0:
		return sorted[0]
	case q >= 1:
		return sorted[len(sorted)-1]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(pos)
	if lo+1 >= len(sorted) {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[lo+1]-sorted[lo])*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
