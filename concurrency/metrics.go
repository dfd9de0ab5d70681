package concurrency

import (
	"sync"
	"sync/atomic"
	"time"
)

// Counter is a monotonically increasing metric.
type Counter struct {
	value atomic.Uint64
}

func (c *Counter) Inc() {
	c.value.Add(1)
}

func (c *Counter) Get() uint64 {
	return c.value.Load()
}

// Gauge tracks a value that goes up and down along with its high-water mark.
type Gauge struct {
	value atomic.Int64
	peak  atomic.Int64
}

func (g *Gauge) Inc() {
	v := g.value.Add(1)
	for {
		p := g.peak.Load()
		if v <= p || g.peak.CompareAndSwap(p, v) {
			return
		}
	}
}

func (g *Gauge) Dec() {
	g.value.Add(-1)
}

func (g *Gauge) Get() int64 {
	return g.value.Load()
}

// Peak returns the highest value the gauge has held.
func (g *Gauge) Peak() int64 {
	return g.peak.Load()
}

// Timer records durations.
type Timer struct {
	mu    sync.Mutex
	count uint64
	total time.Duration
	min   time.Duration
	max   time.Duration
}

func (t *Timer) Record(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.count == 0 || d < t.min {
		t.min = d
	}
	if d > t.max {
		t.max = d
	}
	t.count++
	t.total += d
}

func (t *Timer) Mean() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.count == 0 {
		return 0
	}
	return t.total / time.Duration(t.count)
}

// LifecycleMetrics counts what LifecycleManager did over its lifetime.
type LifecycleMetrics struct {
	Started       Counter
	Ready         Counter
	Completed     Counter
	Failed        Counter
	Stopped       Counter
	Restarts      Counter
	DroppedEvents Counter
	Running       Gauge
	RunTime       Timer
}

// MetricsSnapshot is a point-in-time copy of LifecycleMetrics.
type MetricsSnapshot struct {
	Started       uint64        `json:"started" yaml:"started"`
	Ready         uint64        `json:"ready" yaml:"ready"`
	Completed     uint64        `json:"completed" yaml:"completed"`
	Failed        uint64        `json:"failed" yaml:"failed"`
	Stopped       uint64        `json:"stopped" yaml:"stopped"`
	Restarts      uint64        `json:"restarts" yaml:"restarts"`
	DroppedEvents uint64        `json:"dropped_events" yaml:"dropped_events"`
	Running       int64         `json:"running" yaml:"running"`
	PeakRunning   int64         `json:"peak_running" yaml:"peak_running"`
	MeanRunTime   time.Duration `json:"mean_run_time" yaml:"mean_run_time"`
}

func (m *LifecycleMetrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Started:       m.Started.Get(),
		Ready:         m.Ready.Get(),
		Completed:     m.Completed.Get(),
		Failed:        m.Failed.Get(),
		Stopped:       m.Stopped.Get(),
		Restarts:      m.Restarts.Get(),
		DroppedEvents: m.DroppedEvents.Get(),
		Running:       m.Running.Get(),
		PeakRunning:   m.Running.Peak(),
		MeanRunTime:   m.RunTime.Mean(),
	}
}
