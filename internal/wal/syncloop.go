package wal

import (
	"context"
	"time"
)

// SyncLoopConfig tunes the adaptive cadence of the replay driver (§4.D
// "Adaptive cadence").
type SyncLoopConfig struct {
	BaseInterval time.Duration
	MinInterval  time.Duration
	MaxInterval  time.Duration
}

// DefaultSyncLoopConfig mirrors the documented sync_interval default.
func DefaultSyncLoopConfig() SyncLoopConfig {
	return SyncLoopConfig{
		BaseInterval: 10 * time.Second,
		MinInterval:  2 * time.Second,
		MaxInterval:  30 * time.Second,
	}
}

// ResourcePressure reports current memory pressure and per-target health
// signals driving adaptive batch sizing.
type ResourcePressure interface {
	MemoryPressure() bool
	SuccessRate(target string) float64
	ConsecutiveFailures(target string) int
}

// RunSyncLoop drives replay for both instances until ctx is cancelled,
// sleeping between passes for an interval that shortens when the backlog
// is large and lengthens when empty.
func (e *Engine) RunSyncLoop(ctx context.Context, cfg SyncLoopConfig, pressure ResourcePressure, targets []string) {
	interval := cfg.BaseInterval

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		e.RecordSyncCycle()

		backlog := 0
		for _, target := range targets {
			mem := pressure != nil && pressure.MemoryPressure()
			successRate := 100.0
			failures := 0
			if pressure != nil {
				successRate = pressure.SuccessRate(target)
				failures = pressure.ConsecutiveFailures(target)
			}

			entries, err := e.NextBatches(ctx, target, mem, successRate, failures)
			if err != nil {
				e.logger.WithFields(map[string]interface{}{"target": target, "error": err}).Error("wal batch selection failed")
				continue
			}
			backlog += len(entries)
			if e.metrics != nil {
				e.metrics.SetWALBacklog(target, backlog)
			}
			if len(entries) > 0 {
				e.ReplayBatch(ctx, target, entries)
			}
		}

		interval = nextInterval(cfg, interval, backlog)

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

func nextInterval(cfg SyncLoopConfig, current time.Duration, backlog int) time.Duration {
	switch {
	case backlog > 50:
		next := current / 2
		if next < cfg.MinInterval {
			next = cfg.MinInterval
		}
		return next
	case backlog == 0:
		next := current * 2
		if next > cfg.MaxInterval {
			next = cfg.MaxInterval
		}
		return next
	default:
		return cfg.BaseInterval
	}
}
