// Package monitor tracks sliding-window latency percentiles per operation class.
package monitor

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/support-gateway/internal/metrics"
	"github.com/tributary-ai/support-gateway/internal/types"
)

// ErrUnknownRequest is returned when a completion has no matching start
var ErrUnknownRequest = errors.New("request id was never started or already completed")

// Config holds monitor configuration
type Config struct {
	WindowSize          int           `yaml:"window_size"`
	GenerationThreshold time.Duration `yaml:"generation_threshold"`
	CachedThreshold     time.Duration `yaml:"cached_threshold"`
	PendingTTL          time.Duration `yaml:"pending_ttl"`
}

// DefaultConfig returns the documented defaults
func DefaultConfig() Config {
	return Config{
		WindowSize:          100,
		GenerationThreshold: 1500 * time.Millisecond,
		CachedThreshold:     300 * time.Millisecond,
		PendingTTL:          5 * time.Minute,
	}
}

// Completion describes how a tracked request finished
type Completion struct {
	Provider string
	Model    string
	CacheHit bool
	Tokens   int
	Cost     float64
	Success  bool
}

// ClassStatus reports one class against its thresholds
type ClassStatus struct {
	Samples        int           `json:"samples"`
	P95            time.Duration `json:"p95"`
	Threshold      time.Duration `json:"threshold"`
	Breached       bool          `json:"breached"`
	CachedSamples  int           `json:"cached_samples"`
	CachedP95      time.Duration `json:"cached_p95"`
	CachedBreached bool          `json:"cached_breached"`
}

// PerformanceStatus is the monitor snapshot
type PerformanceStatus struct {
	Classes     map[types.OperationClass]ClassStatus `json:"classes"`
	Breached    bool                                 `json:"breached"`
	InFlight    int                                  `json:"in_flight"`
	GeneratedAt time.Time                            `json:"generated_at"`
}

type pendingEntry struct {
	class   types.OperationClass
	started time.Time
}

// Monitor is safe for concurrent use. Requests are tracked by id so
// completions may arrive in any order.
type Monitor struct {
	mu      sync.Mutex
	config  Config
	live    map[types.OperationClass]*window
	cached  map[types.OperationClass]*window
	pending map[string]pendingEntry

	sink   metrics.Sink
	logger *logrus.Logger
	now    func() time.Time
}

// New creates a monitor. A nil sink discards observations.
func New(config Config, sink metrics.Sink, logger *logrus.Logger) *Monitor {
	defaults := DefaultConfig()
	if config.WindowSize <= 0 {
		config.WindowSize = defaults.WindowSize
	}
	if config.GenerationThreshold <= 0 {
		config.GenerationThreshold = defaults.GenerationThreshold
	}
	if config.CachedThreshold <= 0 {
		config.CachedThreshold = defaults.CachedThreshold
	}
	if config.PendingTTL <= 0 {
		config.PendingTTL = defaults.PendingTTL
	}
	if sink == nil {
		sink = metrics.Nop{}
	}

	m := &Monitor{
		config:  config,
		live:    make(map[types.OperationClass]*window),
		cached:  make(map[types.OperationClass]*window),
		pending: make(map[string]pendingEntry),
		sink:    sink,
		logger:  logger,
		now:     time.Now,
	}
	for _, class := range types.AllOperationClasses {
		m.live[class] = newWindow(config.WindowSize)
		m.cached[class] = newWindow(config.WindowSize)
	}
	return m
}

// RecordRequestStart begins tracking a request
func (m *Monitor) RecordRequestStart(id string, class types.OperationClass) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[id] = pendingEntry{class: class, started: m.now()}
}

// RecordRequestComplete stops tracking a request and inserts its elapsed time
func (m *Monitor) RecordRequestComplete(id string, c Completion) (time.Duration, error) {
	m.mu.Lock()
	entry, ok := m.pending[id]
	if !ok {
		m.mu.Unlock()
		return 0, fmt.Errorf("complete %s: %w", id, ErrUnknownRequest)
	}
	delete(m.pending, id)
	elapsed := m.now().Sub(entry.started)
	p95 := m.insertLocked(entry.class, elapsed, c.CacheHit)
	m.mu.Unlock()

	m.sink.SetP95(entry.class, c.CacheHit, p95)
	m.sink.ObserveRequest(metrics.Observation{
		Class:    entry.class,
		Provider: c.Provider,
		Model:    c.Model,
		CacheHit: c.CacheHit,
		Success:  c.Success,
		Latency:  elapsed,
		Tokens:   c.Tokens,
		CostEuro: c.Cost,
	})
	return elapsed, nil
}

// Observe inserts a latency sample directly
func (m *Monitor) Observe(class types.OperationClass, latency time.Duration, cached bool) {
	m.mu.Lock()
	p95 := m.insertLocked(class, latency, cached)
	m.mu.Unlock()
	m.sink.SetP95(class, cached, p95)
}

// GetPerformanceStatus reports P95 per class against the thresholds
func (m *Monitor) GetPerformanceStatus() PerformanceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sweepLocked()

	status := PerformanceStatus{
		Classes:     make(map[types.OperationClass]ClassStatus, len(m.live)),
		InFlight:    len(m.pending),
		GeneratedAt: m.now(),
	}
	for _, class := range types.AllOperationClasses {
		live, cached := m.live[class], m.cached[class]
		cs := ClassStatus{
			Samples:       live.len(),
			P95:           live.p95(),
			Threshold:     m.config.GenerationThreshold,
			CachedSamples: cached.len(),
			CachedP95:     cached.p95(),
		}
		cs.Breached = cs.Samples > 0 && cs.P95 > m.config.GenerationThreshold
		cs.CachedBreached = cs.CachedSamples > 0 && cs.CachedP95 > m.config.CachedThreshold
		if cs.Breached || cs.CachedBreached {
			status.Breached = true
		}
		status.Classes[class] = cs
	}
	return status
}

// Sweep drops pending entries older than the pending TTL and returns how many were dropped
func (m *Monitor) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sweepLocked()
}

func (m *Monitor) sweepLocked() int {
	cutoff := m.now().Add(-m.config.PendingTTL)
	dropped := 0
	for id, entry := range m.pending {
		if entry.started.Before(cutoff) {
			delete(m.pending, id)
			dropped++
		}
	}
	if dropped > 0 {
		m.logger.WithField("dropped", dropped).Warn("Dropped stale in-flight latency entries")
	}
	return dropped
}

func (m *Monitor) insertLocked(class types.OperationClass, latency time.Duration, cached bool) time.Duration {
	windows := m.live
	if cached {
		windows = m.cached
	}
	w, ok := windows[class]
	if !ok {
		w = newWindow(m.config.WindowSize)
		windows[class] = w
	}
	w.add(latency)
	return w.p95()
}

// window is a fixed-size ring of the most recent samples
type window struct {
	samples []time.Duration
	next    int
	full    bool
}

func newWindow(size int) *window {
	return &window{samples: make([]time.Duration, size)}
}

func (w *window) add(d time.Duration) {
	w.samples[w.next] = d
	w.next = (w.next + 1) % len(w.samples)
	if w.next == 0 {
		w.full = true
	}
}

func (w *window) len() int {
	if w.full {
		return len(w.samples)
	}
	return w.next
}

func (w *window) p95() time.Duration {
	n := w.len()
	if n == 0 {
		return 0
	}
	sorted := make([]time.Duration, n)
	copy(sorted, w.samples[:n])
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return Percentile(sorted, 0.95)
}

// Percentile returns the nearest-rank percentile of an ascending slice
func Percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
