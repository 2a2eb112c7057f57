// Package retention sweeps terminal WAL and transaction-log rows past a
// configurable age horizon (spec §3 data model retention notes).
package retention

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vectorha/proxy/internal/logging"
	"github.com/vectorha/proxy/internal/store"
)

// Config tunes how far back each table's retention horizon reaches and
// how often the sweep runs.
type Config struct {
	WALRetention   time.Duration
	TxLogRetention time.Duration
	Schedule       string
}

// DefaultConfig sweeps daily at 03:17, retaining 72h of terminal rows in
// both tables.
func DefaultConfig() Config {
	return Config{
		WALRetention:   72 * time.Hour,
		TxLogRetention: 72 * time.Hour,
		Schedule:       "17 3 * * *",
	}
}

// Sweeper periodically deletes terminal WAL and transaction-log rows
// older than their configured retention horizon.
type Sweeper struct {
	store  *store.Store
	cfg    Config
	logger *logging.Logger
	cron   *cron.Cron
}

// New creates a Sweeper bound to s.
func New(s *store.Store, cfg Config, logger *logging.Logger) *Sweeper {
	if cfg.Schedule == "" {
		cfg = DefaultConfig()
	}
	return &Sweeper{store: s, cfg: cfg, logger: logger, cron: cron.New()}
}

// Start schedules the sweep and begins running it in the background.
func (s *Sweeper) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.cfg.Schedule, func() {
		s.SweepOnce(ctx)
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for any in-flight sweep to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// SweepOnce runs one retention pass immediately, useful for startup
// cleanup and tests.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	walHorizon := time.Now().Add(-s.cfg.WALRetention)
	walDeleted, err := s.store.WAL().DeleteRetentionEligible(ctx, walHorizon)
	if err != nil {
		s.logger.WithFields(map[string]interface{}{"error": err}).Error("wal retention sweep failed")
	} else if walDeleted > 0 {
		s.logger.WithFields(map[string]interface{}{"deleted": walDeleted}).Info("wal retention sweep completed")
	}

	txHorizon := time.Now().Add(-s.cfg.TxLogRetention)
	txDeleted, err := s.store.TxLog().DeleteRetentionEligible(ctx, txHorizon)
	if err != nil {
		s.logger.WithFields(map[string]interface{}{"error": err}).Error("transaction log retention sweep failed")
	} else if txDeleted > 0 {
		s.logger.WithFields(map[string]interface{}{"deleted": txDeleted}).Info("transaction log retention sweep completed")
	}
}
