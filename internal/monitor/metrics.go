package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// SystemMetrics tracks overall monitor performance.
type SystemMetrics struct {
	// Latency histograms
	PollLatency *LatencyHistogram
	ExitLatency *LatencyHistogram
	RiskLatency *LatencyHistogram
	APILatency  *LatencyHistogram

	// Counters
	ticksProcessed  uint64
	controlMessages uint64
	reconnects      uint64
	promotions      uint64
	pollCycles      uint64
	exitsPlaced     uint64
	errorsCount     uint64
	apiRequests     uint64
	apiErrors       uint64
}

// LatencyHistogram tracks latency samples with a sliding window and lazily
// recomputed stats.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewSystemMetrics creates a new metrics instance.
func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{
		PollLatency: NewLatencyHistogram(1000),
		ExitLatency: NewLatencyHistogram(1000),
		RiskLatency: NewLatencyHistogram(1000),
		APILatency:  NewLatencyHistogram(1000),
	}
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99. Recomputes only when samples
// have changed.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	min, max := sorted[0], sorted[n-1]
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   min,
		Max:   max,
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false

	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// IncrementTicks counts one dispatched price tick.
func (m *SystemMetrics) IncrementTicks() {
	atomic.AddUint64(&m.ticksProcessed, 1)
}

// IncrementControlMessages counts one subscribe/unsubscribe frame sent.
func (m *SystemMetrics) IncrementControlMessages() {
	atomic.AddUint64(&m.controlMessages, 1)
}

// IncrementReconnects counts one reconnect attempt.
func (m *SystemMetrics) IncrementReconnects() {
	atomic.AddUint64(&m.reconnects, 1)
}

// IncrementPromotions counts one backup promotion.
func (m *SystemMetrics) IncrementPromotions() {
	atomic.AddUint64(&m.promotions, 1)
}

// IncrementPollCycles counts one completed poll cycle.
func (m *SystemMetrics) IncrementPollCycles() {
	atomic.AddUint64(&m.pollCycles, 1)
}

// IncrementExits counts one exit placement.
func (m *SystemMetrics) IncrementExits() {
	atomic.AddUint64(&m.exitsPlaced, 1)
}

// IncrementErrors increments the error counter.
func (m *SystemMetrics) IncrementErrors() {
	atomic.AddUint64(&m.errorsCount, 1)
}

// IncrementAPI counts one handled API request.
func (m *SystemMetrics) IncrementAPI() {
	atomic.AddUint64(&m.apiRequests, 1)
}

// IncrementAPIErrors counts one API request answered with a 4xx or 5xx.
func (m *SystemMetrics) IncrementAPIErrors() {
	atomic.AddUint64(&m.apiErrors, 1)
}

// MetricsSnapshot is a point-in-time view for the status API.
type MetricsSnapshot struct {
	PollLatency     LatencyStats `json:"poll_latency"`
	ExitLatency     LatencyStats `json:"exit_latency"`
	RiskLatency     LatencyStats `json:"risk_latency"`
	APILatency      LatencyStats `json:"api_latency"`
	TicksProcessed  uint64       `json:"ticks_processed"`
	ControlMessages uint64       `json:"control_messages"`
	Reconnects      uint64       `json:"reconnects"`
	Promotions      uint64       `json:"promotions"`
	PollCycles      uint64       `json:"poll_cycles"`
	ExitsPlaced     uint64       `json:"exits_placed"`
	ErrorsCount     uint64       `json:"errors_count"`
	APIRequests     uint64       `json:"api_requests"`
	APIErrors       uint64       `json:"api_errors"`
	GoroutineCount  int          `json:"goroutine_count"`
	HeapAlloc       uint64       `json:"heap_alloc_bytes"`
	Timestamp       time.Time    `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return MetricsSnapshot{
		PollLatency:     m.PollLatency.Stats(),
		ExitLatency:     m.ExitLatency.Stats(),
		RiskLatency:     m.RiskLatency.Stats(),
		APILatency:      m.APILatency.Stats(),
		TicksProcessed:  atomic.LoadUint64(&m.ticksProcessed),
		ControlMessages: atomic.LoadUint64(&m.controlMessages),
		Reconnects:      atomic.LoadUint64(&m.reconnects),
		Promotions:      atomic.LoadUint64(&m.promotions),
		PollCycles:      atomic.LoadUint64(&m.pollCycles),
		ExitsPlaced:     atomic.LoadUint64(&m.exitsPlaced),
		ErrorsCount:     atomic.LoadUint64(&m.errorsCount),
		APIRequests:     atomic.LoadUint64(&m.apiRequests),
		APIErrors:       atomic.LoadUint64(&m.apiErrors),
		GoroutineCount:  runtime.NumGoroutine(),
		HeapAlloc:       memStats.HeapAlloc,
		Timestamp:       time.Now(),
	}
}

// Timer helps measure operation duration.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

// NewTimer creates a timer that records to the given histogram.
func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{
		start:     time.Now(),
		histogram: h,
	}
}

// Stop records elapsed time to histogram.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}
