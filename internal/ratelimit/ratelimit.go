// Package ratelimit provides a token-bucket limiter and a rate-limited
// HTTP client. No other package of the proxy imports it; health probes
// are issued without rate limiting.
package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config configures a RateLimiter.
type Config struct {
	RequestsPerSecond float64
	Burst             int
}

// DefaultConfig bounds health probes to a modest steady rate with room for
// a burst of concurrent checks across instances.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 10,
		Burst:             20,
	}
}

// RateLimiter wraps golang.org/x/time/rate with a per-minute secondary
// bucket, so a probe loop can be throttled both per-second and overall.
type RateLimiter struct {
	mu        sync.RWMutex
	limiter   *rate.Limiter
	perMinute *rate.Limiter
	config    Config
}

// New creates a RateLimiter from cfg, filling in defaults for zero values.
func New(cfg Config) *RateLimiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = DefaultConfig().RequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RequestsPerSecond * 2)
	}
	return &RateLimiter{
		limiter:   rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		perMinute: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond*60), cfg.Burst*2),
		config:    cfg,
	}
}

// Allow reports whether a single call may proceed right now, consuming a
// token if so.
func (r *RateLimiter) Allow() bool {
	return r.limiter.Allow()
}

// AllowN reports whether n calls may proceed at the given time.
func (r *RateLimiter) AllowN(now time.Time, n int) bool {
	return r.limiter.AllowN(now, n)
}

// Wait blocks until a token is available or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// LimitExceeded reports whether the per-second bucket is currently
// exhausted, without blocking.
func (r *RateLimiter) LimitExceeded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.limiter.Allow()
}

// PerMinuteLimitExceeded reports whether the per-minute bucket is
// exhausted.
func (r *RateLimiter) PerMinuteLimitExceeded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.perMinute.Allow()
}

// Reset recreates both buckets at full capacity, used after a configuration
// reload.
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiter = rate.NewLimiter(rate.Limit(r.config.RequestsPerSecond), r.config.Burst)
	r.perMinute = rate.NewLimiter(rate.Limit(r.config.RequestsPerSecond*60), r.config.Burst*2)
}

// LimitedClient wraps an *http.Client with a RateLimiter, so every request
// it issues first waits for a token.
type LimitedClient struct {
	client  *http.Client
	limiter *RateLimiter
}

// NewLimitedClient builds a LimitedClient around client, creating its own
// limiter from cfg.
func NewLimitedClient(client *http.Client, cfg Config) *LimitedClient {
	return &LimitedClient{client: client, limiter: New(cfg)}
}

// Do waits for a token, then issues req.
func (c *LimitedClient) Do(req *http.Request) (*http.Response, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return c.client.Do(req)
}
