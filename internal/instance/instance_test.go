package instance

import (
	"testing"

	"github.com/vectorha/proxy/internal/resilience"
)

func TestSuccessRateWithNoRequests(t *testing.T) {
	d := NewDescriptor(Primary, "http://localhost:8000", 100, resilience.DefaultConfig())
	if rate := d.SuccessRate(); rate != 100.0 {
		t.Fatalf("expected 100.0 success rate with no requests, got %v", rate)
	}
}

func TestRecordOutcomeTracksRollingStats(t *testing.T) {
	d := NewDescriptor(Replica, "http://localhost:8001", 50, resilience.DefaultConfig())
	d.RecordOutcome(true)
	d.RecordOutcome(true)
	d.RecordOutcome(false)

	if rate := d.SuccessRate(); rate < 66.0 || rate > 67.0 {
		t.Fatalf("expected ~66.67%% success rate, got %v", rate)
	}
	if d.ConsecutiveFailures() != 1 {
		t.Fatalf("expected 1 consecutive failure, got %d", d.ConsecutiveFailures())
	}

	d.RecordOutcome(true)
	if d.ConsecutiveFailures() != 0 {
		t.Fatalf("expected consecutive failures reset after success, got %d", d.ConsecutiveFailures())
	}
}

func TestSetCachedHealthyReportsTransition(t *testing.T) {
	d := NewDescriptor(Primary, "http://localhost:8000", 100, resilience.DefaultConfig())
	if !d.CachedHealthy() {
		t.Fatalf("expected new descriptor to start healthy")
	}

	if changed := d.setCachedHealthy(true); changed {
		t.Fatalf("expected no transition when staying healthy")
	}
	if changed := d.setCachedHealthy(false); !changed {
		t.Fatalf("expected transition when going unhealthy")
	}
	if d.CachedHealthy() {
		t.Fatalf("expected CachedHealthy to reflect unhealthy state")
	}
}

func TestMustParseName(t *testing.T) {
	if _, err := MustParseName("primary"); err != nil {
		t.Fatalf("unexpected error for valid name: %v", err)
	}
	if _, err := MustParseName("tertiary"); err == nil {
		t.Fatalf("expected error for unrecognized name")
	}
}
