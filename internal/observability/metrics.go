package observability

import (
	"sync"
	"time"
)

type MethodSnapshot struct {
	Count         int64   `json:"count"`
	Errors        int64   `json:"errors"`
	InFlight      int64   `json:"in_flight"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	MaxLatencyMs  float64 `json:"max_latency_ms"`
	LastLatencyMs float64 `json:"last_latency_ms"`
}

type Snapshot struct {
	UptimeSec       int64                     `json:"uptime_sec"`
	TotalRequests   int64                     `json:"total_requests"`
	TotalErrors     int64                     `json:"total_errors"`
	InFlight        int64                     `json:"in_flight"`
	RateLimitWaits  int64                     `json:"rate_limit_waits"`
	RateLimitWaitMs int64                     `json:"rate_limit_wait_ms"`
	Lifecycle       *LifecycleSnapshot        `json:"lifecycle,omitempty"`
	Methods         map[string]MethodSnapshot `json:"methods"`
	Steps           map[string]MethodSnapshot `json:"saga_steps"`
	Outcomes        map[string]int64          `json:"saga_outcomes"`
	Degraded        int64                     `json:"saga_degraded"`
}

type methodStats struct {
	count        int64
	errors       int64
	inFlight     int64
	totalLatency time.Duration
	maxLatency   time.Duration
	lastLatency  time.Duration
}

// Metrics counts API calls and saga steps. It implements orders.SagaObserver.
type Metrics struct {
	mu             sync.Mutex
	start          time.Time
	methods        map[string]*methodStats
	steps          map[string]*methodStats
	outcomes       map[string]int64
	degraded       int64
	rateLimitWaits int64
	rateLimitWait  time.Duration
	lifecycle      lifecycleStats
}

type CallSpan struct {
	metrics *Metrics
	method  string
	start   time.Time
}

type lifecycleStats struct {
	shutdownAt time.Time
	inflight   int64
}

type LifecycleSnapshot struct {
	ShutdownAt         time.Time `json:"shutdown_at"`
	InFlightAtShutdown int64     `json:"inflight_at_shutdown"`
}

func NewMetrics() *Metrics {
	return &Metrics{
		start:    time.Now(),
		methods:  make(map[string]*methodStats),
		steps:    make(map[string]*methodStats),
		outcomes: make(map[string]int64),
	}
}

func (m *Metrics) Start(method string) *CallSpan {
	if m == nil {
		return &CallSpan{}
	}
	m.mu.Lock()
	stats := m.ensureMethod(method)
	stats.inFlight++
	m.mu.Unlock()
	return &CallSpan{
		metrics: m,
		method:  method,
		start:   time.Now(),
	}
}

func (s *CallSpan) End(err error) {
	if s == nil || s.metrics == nil {
		return
	}
	dur := time.Since(s.start)
	s.metrics.finish(s.method, dur, err != nil)
}

// Record counts one finished call whose name is only known after it ran.
func (m *Metrics) Record(method string, dur time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	record(m.ensureMethod(method), dur, failed)
	m.mu.Unlock()
}

func (m *Metrics) AddRateLimitWait(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.mu.Lock()
	m.rateLimitWaits++
	m.rateLimitWait += d
	m.mu.Unlock()
}

// ObserveStep records one finished saga step attempt sequence.
func (m *Metrics) ObserveStep(step string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.mu.Lock()
	stats, ok := m.steps[step]
	if !ok {
		stats = &methodStats{}
		m.steps[step] = stats
	}
	record(stats, elapsed, err != nil)
	m.mu.Unlock()
}

// ObserveOutcome counts a saga that stopped at status.
func (m *Metrics) ObserveOutcome(status string, degraded bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.outcomes[status]++
	if degraded {
		m.degraded++
	}
	m.mu.Unlock()
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	snap := Snapshot{
		UptimeSec:       int64(now.Sub(m.start).Seconds()),
		Methods:         make(map[string]MethodSnapshot),
		Steps:           make(map[string]MethodSnapshot, len(m.steps)),
		Outcomes:        make(map[string]int64, len(m.outcomes)),
		Degraded:        m.degraded,
		RateLimitWaits:  m.rateLimitWaits,
		RateLimitWaitMs: int64(m.rateLimitWait / time.Millisecond),
	}

	for method, stats := range m.methods {
		snap.Methods[method] = stats.snapshot()
		snap.TotalRequests += stats.count
		snap.TotalErrors += stats.errors
		snap.InFlight += stats.inFlight
	}

	for step, stats := range m.steps {
		snap.Steps[step] = stats.snapshot()
	}
	for status, n := range m.outcomes {
		snap.Outcomes[status] = n
	}

	if !m.lifecycle.shutdownAt.IsZero() {
		snap.Lifecycle = &LifecycleSnapshot{
			ShutdownAt:         m.lifecycle.shutdownAt,
			InFlightAtShutdown: m.lifecycle.inflight,
		}
	}

	return snap
}

func (m *Metrics) ensureMethod(method string) *methodStats {
	stats, ok := m.methods[method]
	if !ok {
		stats = &methodStats{}
		m.methods[method] = stats
	}
	return stats
}

func (m *Metrics) finish(method string, dur time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	stats := m.ensureMethod(method)
	stats.inFlight--
	record(stats, dur, failed)
	m.mu.Unlock()
}

func record(stats *methodStats, dur time.Duration, failed bool) {
	stats.count++
	if failed {
		stats.errors++
	}
	stats.totalLatency += dur
	if dur > stats.maxLatency {
		stats.maxLatency = dur
	}
	stats.lastLatency = dur
}

func (s *methodStats) snapshot() MethodSnapshot {
	avg := 0.0
	if s.count > 0 {
		avg = float64(s.totalLatency.Milliseconds()) / float64(s.count)
	}
	return MethodSnapshot{
		Count:         s.count,
		Errors:        s.errors,
		InFlight:      s.inFlight,
		AvgLatencyMs:  avg,
		MaxLatencyMs:  float64(s.maxLatency.Milliseconds()),
		LastLatencyMs: float64(s.lastLatency.Milliseconds()),
	}
}

func (m *Metrics) MarkShutdown(inflight int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.lifecycle.shutdownAt = time.Now()
	m.lifecycle.inflight = inflight
	m.mu.Unlock()
}
