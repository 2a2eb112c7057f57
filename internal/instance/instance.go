// Package instance holds the per-backend instance descriptor and health
// monitor (spec §3, §4.C).
package instance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/vectorha/proxy/internal/logging"
	"github.com/vectorha/proxy/internal/metrics"
	"github.com/vectorha/proxy/internal/resilience"
)

// Name identifies a backend instance role.
type Name string

const (
	Primary Name = "primary"
	Replica Name = "replica"
)

// Descriptor is the mutable state the health monitor and request path
// maintain for one backend instance: rolling counters, last-probe time,
// and a cached healthy flag. It is never destroyed, only mutated.
//
// Grounded on ChromaInstance in original_source/high_volume_unified_wal.py.
type Descriptor struct {
	mu sync.RWMutex

	Name     Name
	BaseURL  string
	Priority int

	totalRequests      int64
	successfulRequests int64
	consecutiveFailures int
	lastProbe           time.Time
	cachedHealthy       bool

	breaker *resilience.CircuitBreaker
}

// NewDescriptor creates a Descriptor with an initially-healthy cached flag
// and a circuit breaker tuned by cbCfg.
func NewDescriptor(name Name, baseURL string, priority int, cbCfg resilience.Config) *Descriptor {
	return &Descriptor{
		Name:          name,
		BaseURL:       baseURL,
		Priority:      priority,
		cachedHealthy: true,
		breaker:       resilience.New(cbCfg),
	}
}

// RecordOutcome updates rolling counters after a real backend call.
func (d *Descriptor) RecordOutcome(success bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.totalRequests++
	if success {
		d.successfulRequests++
		d.consecutiveFailures = 0
	} else {
		d.consecutiveFailures++
	}
}

// SuccessRate returns the rolling success percentage, 100 when no requests
// have been recorded yet.
func (d *Descriptor) SuccessRate() float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.totalRequests == 0 {
		return 100.0
	}
	return (float64(d.successfulRequests) / float64(d.totalRequests)) * 100.0
}

// ConsecutiveFailures reports the current run of failures.
func (d *Descriptor) ConsecutiveFailures() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.consecutiveFailures
}

// CachedHealthy returns the last health-probe result; callers on the write
// path must not trust this alone (spec §4.E) and should use CheckRealtime.
func (d *Descriptor) CachedHealthy() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cachedHealthy
}

func (d *Descriptor) setCachedHealthy(healthy bool) (changed bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	changed = d.cachedHealthy != healthy
	d.cachedHealthy = healthy
	d.lastProbe = time.Now()
	return changed
}

// Breaker exposes the per-instance circuit breaker for the backend client.
func (d *Descriptor) Breaker() *resilience.CircuitBreaker { return d.breaker }

// Monitor runs periodic liveness probes against each registered instance
// and launches the coordinated recovery sequence on unhealthy→healthy
// transitions (§4.C).
type Monitor struct {
	logger        *logging.Logger
	metrics       *metrics.Metrics
	client        *http.Client
	checkInterval time.Duration
	probeTimeout  time.Duration

	descriptors map[Name]*Descriptor

	onRecovered func(ctx context.Context, name Name)

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewMonitor creates a health Monitor over descriptors.
func NewMonitor(logger *logging.Logger, m *metrics.Metrics, descriptors map[Name]*Descriptor, checkInterval, probeTimeout time.Duration) *Monitor {
	if checkInterval <= 0 {
		checkInterval = 3 * time.Second
	}
	if probeTimeout <= 0 || probeTimeout > 5*time.Second {
		probeTimeout = 5 * time.Second
	}
	return &Monitor{
		logger:        logger,
		metrics:       m,
		client:        &http.Client{Timeout: probeTimeout},
		checkInterval: checkInterval,
		probeTimeout:  probeTimeout,
		descriptors:   descriptors,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// OnRecovered registers the callback invoked when an instance transitions
// from unhealthy to healthy; the recovery coordinator is wired in here.
func (m *Monitor) OnRecovered(fn func(ctx context.Context, name Name)) {
	m.onRecovered = fn
}

// Descriptor returns the descriptor for name.
func (m *Monitor) Descriptor(name Name) *Descriptor {
	return m.descriptors[name]
}

// Run executes the probe loop until ctx is done or Stop is called.
func (m *Monitor) Run(ctx context.Context) {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.probeAll(ctx)
		}
	}
}

// Stop requests the probe loop to exit and waits for it to do so.
func (m *Monitor) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

func (m *Monitor) probeAll(ctx context.Context) {
	for name, d := range m.descriptors {
		healthy := m.probe(ctx, d)
		changed := d.setCachedHealthy(healthy)
		if m.metrics != nil {
			m.metrics.SetInstanceHealthy(string(name), string(name), healthy)
		}
		if changed {
			if healthy {
				m.logger.WithFields(map[string]interface{}{"instance": name}).Info("instance transitioned to healthy")
				if m.onRecovered != nil {
					go m.onRecovered(context.Background(), name)
				}
			} else {
				m.logger.WithFields(map[string]interface{}{"instance": name}).Warn("instance transitioned to unhealthy")
			}
		}
	}
}

func (m *Monitor) probe(ctx context.Context, d *Descriptor) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()
	return CheckRealtime(probeCtx, m.client, d.BaseURL)
}

// CheckRealtime probes baseURL's collection-listing endpoint directly,
// bypassing the cached flag; used by callers that cannot trust staleness
// up to check_interval seconds (critical writes, §4.E).
func CheckRealtime(ctx context.Context, client *http.Client, baseURL string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/v2/tenants/default_tenant/databases/default_database/collections", nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	var arr []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&arr); err != nil {
		return false
	}
	return true
}

// MustParseName validates that raw is a recognized instance name.
func MustParseName(raw string) (Name, error) {
	switch Name(raw) {
	case Primary, Replica:
		return Name(raw), nil
	default:
		return "", fmt.Errorf("unknown instance name %q", raw)
	}
}
