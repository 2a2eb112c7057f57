package retention

import "testing"

func TestDefaultConfigHasNonZeroRetention(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.WALRetention <= 0 || cfg.TxLogRetention <= 0 {
		t.Fatalf("expected non-zero retention horizons, got %+v", cfg)
	}
	if cfg.Schedule == "" {
		t.Fatalf("expected a default cron schedule")
	}
}
