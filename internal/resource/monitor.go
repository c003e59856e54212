package resource

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"regionkv/internal/offheap"
)

// Oracle answers whether the member is under memory pressure.
type Oracle interface {
	IsCritical() bool
}

// Never is an Oracle that is never critical.
type Never struct{}

func (Never) IsCritical() bool { return false }

// Usage is one memory reading.
type Usage struct {
	HeapBytes    uint64
	OffHeapUsed  int64
	OffHeapTotal int64
}

// UsageFunc reads current memory usage.
type UsageFunc func() Usage

// Thresholds bound memory usage. A zero value disables that bound.
type Thresholds struct {
	CriticalHeapBytes uint64
	// CriticalOffHeapPercent is the share of the arena, 0 to 100.
	CriticalOffHeapPercent float64
}

// Exceeded reports whether u crosses either bound.
func (t Thresholds) Exceeded(u Usage) bool {
	if t.CriticalHeapBytes > 0 && u.HeapBytes >= t.CriticalHeapBytes {
		return true
	}
	if t.CriticalOffHeapPercent > 0 && u.OffHeapTotal > 0 {
		pct := float64(u.OffHeapUsed) * 100 / float64(u.OffHeapTotal)
		if pct >= t.CriticalOffHeapPercent {
			return true
		}
	}
	return false
}

// Monitor samples memory usage and tracks the critical state.
type Monitor struct {
	thresholds Thresholds
	usage      UsageFunc
	logger     zerolog.Logger

	critical atomic.Bool
	forced   atomic.Int32 // 0 none, 1 forced off, 2 forced on

	mu        sync.Mutex
	listeners []func(critical bool)
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithUsage replaces the usage source.
func WithUsage(f UsageFunc) Option {
	return func(m *Monitor) { m.usage = f }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// NewMonitor creates a monitor. By default usage is the Go heap plus the
// arena, if one is given.
func NewMonitor(t Thresholds, arena *offheap.Arena, opts ...Option) *Monitor {
	m := &Monitor{
		thresholds: t,
		usage:      RuntimeUsage(arena),
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RuntimeUsage reads the Go heap and the arena's usage.
func RuntimeUsage(arena *offheap.Arena) UsageFunc {
	return func() Usage {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		u := Usage{HeapBytes: ms.HeapAlloc}
		if arena != nil {
			u.OffHeapUsed = arena.Used()
			u.OffHeapTotal = arena.Capacity()
		}
		return u
	}
}

// IsCritical returns the state as of the last Check.
func (m *Monitor) IsCritical() bool {
	switch m.forced.Load() {
	case 1:
		return false
	case 2:
		return true
	}
	return m.critical.Load()
}

// Force pins the critical state regardless of usage.
func (m *Monitor) Force(critical bool) {
	before := m.IsCritical()
	if critical {
		m.forced.Store(2)
	} else {
		m.forced.Store(1)
	}
	m.notify(before)
}

// Unforce returns to usage-based decisions.
func (m *Monitor) Unforce() {
	before := m.IsCritical()
	m.forced.Store(0)
	m.notify(before)
}

// OnChange registers fn to run whenever the critical state flips.
func (m *Monitor) OnChange(fn func(critical bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Check samples usage once and returns the resulting state.
func (m *Monitor) Check() bool {
	before := m.IsCritical()
	u := m.usage()
	m.critical.Store(m.thresholds.Exceeded(u))
	if m.notify(before) {
		m.logger.Warn().
			Bool("critical", m.IsCritical()).
			Uint64("heap_bytes", u.HeapBytes).
			Int64("offheap_used", u.OffHeapUsed).
			Msg("memory state changed")
	}
	return m.IsCritical()
}

func (m *Monitor) notify(before bool) bool {
	now := m.IsCritical()
	if now == before {
		return false
	}
	m.mu.Lock()
	fns := append([]func(bool){}, m.listeners...)
	m.mu.Unlock()
	for _, fn := range fns {
		fn(now)
	}
	return true
}

// Run samples usage every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	m.Check()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check()
		}
	}
}
