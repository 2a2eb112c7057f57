// Package resourcemon samples process RSS and CPU to drive adaptive WAL
// batch sizing and GC pacing under memory pressure (spec §5 "Memory
// governance").
//
// Grounded on the psutil-based resource_monitor_loop in
// original_source/high_volume_unified_wal.py.
package resourcemon

import (
	"context"
	"os"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/vectorha/proxy/internal/logging"
	"github.com/vectorha/proxy/internal/metrics"
)

// Snapshot is the most recent resource sample.
type Snapshot struct {
	MemoryUsedMB  float64
	MemoryPercent float64
	CPUPercent    float64
	SampledAt     time.Time
}

// Monitor periodically samples this process's RSS and CPU usage.
type Monitor struct {
	mu       sync.RWMutex
	last     Snapshot
	peakMB   atomic.Value // float64
	maxMB    float64
	logger   *logging.Logger
	proc     *process.Process
	interval time.Duration
	metrics  *metrics.Metrics

	pressureEvents atomic.Int64
}

// New creates a Monitor with a memory ceiling of maxMemoryMB.
func New(logger *logging.Logger, m *metrics.Metrics, maxMemoryMB int, interval time.Duration) (*Monitor, error) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	mon := &Monitor{
		logger:   logger,
		proc:     proc,
		maxMB:    float64(maxMemoryMB),
		interval: interval,
		metrics:  m,
	}
	mon.peakMB.Store(float64(0))
	return mon, nil
}

// Run samples resource usage until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sampleOnce()
		}
	}
}

func (m *Monitor) sampleOnce() {
	memInfo, err := m.proc.MemoryInfo()
	if err != nil {
		m.logger.WithFields(map[string]interface{}{"error": err}).Warn("resource sample failed")
		return
	}
	cpuPercent, _ := m.proc.CPUPercent()

	usedMB := float64(memInfo.RSS) / (1024 * 1024)
	percent := 0.0
	if m.maxMB > 0 {
		percent = (usedMB / m.maxMB) * 100
	}

	snap := Snapshot{MemoryUsedMB: usedMB, MemoryPercent: percent, CPUPercent: cpuPercent, SampledAt: time.Now()}

	m.mu.Lock()
	m.last = snap
	m.mu.Unlock()

	if peak, ok := m.peakMB.Load().(float64); !ok || usedMB > peak {
		m.peakMB.Store(usedMB)
	}

	if m.maxMB > 0 && usedMB > m.maxMB*0.9 {
		m.pressureEvents.Add(1)
		if m.metrics != nil {
			m.metrics.RecordMemoryPressureEvent()
		}
		m.logger.WithFields(map[string]interface{}{"used_mb": usedMB, "ceiling_mb": m.maxMB}).Warn("memory pressure detected, requesting GC")
		runtime.GC()
		debug.FreeOSMemory()
	}
}

// Snapshot returns the most recent sample.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// MemoryPressure reports whether the last sample exceeded the 90%
// ceiling threshold used to shrink WAL batch sizes.
func (m *Monitor) MemoryPressure() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.maxMB > 0 && m.last.MemoryUsedMB > m.maxMB*0.9
}

// PeakMB returns the highest RSS observed since startup.
func (m *Monitor) PeakMB() float64 {
	v, _ := m.peakMB.Load().(float64)
	return v
}

// PressureEvents reports how many samples crossed the pressure threshold.
func (m *Monitor) PressureEvents() int64 {
	return m.pressureEvents.Load()
}
