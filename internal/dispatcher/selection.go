package dispatcher

import (
	"context"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/vectorha/proxy/internal/instance"
)

// defaultReadReplicaRatio mirrors the documented sample rate favoring the
// replica for reads (spec §4.E "Instance selection").
const defaultReadReplicaRatio = 0.8

func isWriteMethod(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

func isReadOperation(method, path string) bool {
	if method == http.MethodGet {
		return true
	}
	if method == http.MethodPost {
		for _, suffix := range []string{"/get", "/query", "/count"} {
			if strings.HasSuffix(path, suffix) {
				return true
			}
		}
	}
	return false
}

// selectForWrite implements the never-trust-the-cache write routing rule:
// probe primary in real time; on failure probe replica as failover.
func (d *Dispatcher) selectForWrite(ctx context.Context) (instance.Name, bool) {
	if instance.CheckRealtime(ctx, d.probeClient, d.primary.BaseURL) {
		return instance.Primary, true
	}
	if instance.CheckRealtime(ctx, d.probeClient, d.replica.BaseURL) {
		return instance.Replica, true
	}
	return "", false
}

// selectForRead samples read_replica_ratio, verifies the preferred
// instance in real time, and falls back to the other instance on
// failure.
func (d *Dispatcher) selectForRead(ctx context.Context, ratio float64) (instance.Name, bool) {
	preferred, other := instance.Replica, instance.Primary
	if rand.Float64() >= ratio {
		preferred, other = instance.Primary, instance.Replica
	}

	preferredDesc := d.descriptor(preferred)
	if instance.CheckRealtime(ctx, d.probeClient, preferredDesc.BaseURL) {
		return preferred, true
	}

	otherDesc := d.descriptor(other)
	if instance.CheckRealtime(ctx, d.probeClient, otherDesc.BaseURL) {
		return other, true
	}
	return "", false
}

func (d *Dispatcher) descriptor(name instance.Name) *instance.Descriptor {
	if name == instance.Primary {
		return d.primary
	}
	return d.replica
}

// defaultConsistencyWindow defaults to 30s per spec §4.E.
const defaultConsistencyWindow = 30 * time.Second
