package concurrency

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRingBuffer(t *testing.T) {
	b := newRingBuffer(3)
	assert.Empty(t, b.snapshot())

	b.add("a")
	b.add("b")
	assert.Equal(t, []string{"a", "b"}, b.snapshot())

	b.add("c")
	b.add("d")
	b.add("e")
	assert.Equal(t, []string{"c", "d", "e"}, b.snapshot())

	b.reset()
	assert.Empty(t, b.snapshot())
	b.add("f")
	assert.Equal(t, []string{"f"}, b.snapshot())
}

func TestRingBufferMinimumCapacity(t *testing.T) {
	b := newRingBuffer(0)
	b.add("a")
	b.add("b")
	assert.Equal(t, []string{"b"}, b.snapshot())
}

func TestAgentState(t *testing.T) {
	tests := []struct {
		state    AgentState
		name     string
		active   bool
		terminal bool
	}{
		{StateIdle, "idle", false, false},
		{StateStarting, "starting", true, false},
		{StateRunning, "running", true, false},
		{StateStopping, "stopping", false, false},
		{StateStopped, "stopped", false, true},
		{StateCompleted, "completed", false, true},
		{StateFailed, "failed", false, true},
		{StateReady, "ready", false, true},
		{AgentState(99), "unknown", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.name, tt.state.String())
			assert.Equal(t, tt.active, tt.state.IsActive())
			assert.Equal(t, tt.terminal, tt.state.IsTerminal())
		})
	}
}

func TestGaugeTracksPeak(t *testing.T) {
	var g Gauge
	g.Inc()
	g.Inc()
	g.Dec()
	g.Inc()
	g.Inc()
	g.Dec()
	assert.Equal(t, int64(2), g.Get())
	assert.Equal(t, int64(3), g.Peak())
}
