package resourcemon

import (
	"testing"
	"time"
)

func TestMemoryPressureBeforeAnySample(t *testing.T) {
	m := &Monitor{maxMB: 1024}
	if m.MemoryPressure() {
		t.Fatalf("expected no pressure before any sample recorded")
	}
}

func TestMemoryPressureThreshold(t *testing.T) {
	m := &Monitor{maxMB: 1000}
	m.last = Snapshot{MemoryUsedMB: 950, SampledAt: time.Now()}
	if !m.MemoryPressure() {
		t.Fatalf("expected pressure at 95%% of ceiling")
	}

	m.last = Snapshot{MemoryUsedMB: 500, SampledAt: time.Now()}
	if m.MemoryPressure() {
		t.Fatalf("expected no pressure at 50%% of ceiling")
	}
}

func TestPeakMBDefaultsToZero(t *testing.T) {
	m := &Monitor{}
	if got := m.PeakMB(); got != 0 {
		t.Fatalf("expected 0 peak before any sample, got %v", got)
	}
}
