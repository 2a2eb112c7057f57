package resilience

import (
	"time"

	"github.com/vectorha/proxy/internal/logging"
)

// InstanceCircuitBreakerConfig configures the per-backend-instance breaker,
// with an optional logger to surface state transitions.
type InstanceCircuitBreakerConfig struct {
	MaxFailures    int
	TimeoutSeconds int
	HalfOpenMax    int
	Logger         *logging.Logger
}

// DefaultInstanceCBConfig trips after 5 consecutive failures and probes
// again after 30s.
func DefaultInstanceCBConfig(logger *logging.Logger) Config {
	return InstanceCBConfig(InstanceCircuitBreakerConfig{
		MaxFailures:    5,
		TimeoutSeconds: 30,
		HalfOpenMax:    1,
		Logger:         logger,
	})
}

// StrictInstanceCBConfig trips faster, for the primary instance whose
// failures affect write durability.
func StrictInstanceCBConfig(logger *logging.Logger) Config {
	return InstanceCBConfig(InstanceCircuitBreakerConfig{
		MaxFailures:    3,
		TimeoutSeconds: 15,
		HalfOpenMax:    1,
		Logger:         logger,
	})
}

// LenientInstanceCBConfig tolerates more failures before tripping, for a
// replica instance whose outage only narrows read routing.
func LenientInstanceCBConfig(logger *logging.Logger) Config {
	return InstanceCBConfig(InstanceCircuitBreakerConfig{
		MaxFailures:    10,
		TimeoutSeconds: 60,
		HalfOpenMax:    2,
		Logger:         logger,
	})
}

// InstanceCBConfig builds a resilience.Config from an
// InstanceCircuitBreakerConfig, wiring a logging callback on state change.
func InstanceCBConfig(cfg InstanceCircuitBreakerConfig) Config {
	cbConfig := Config{
		MaxFailures: cfg.MaxFailures,
		Timeout:     SecondsToDuration(cfg.TimeoutSeconds),
		HalfOpenMax: cfg.HalfOpenMax,
	}
	if cbConfig.MaxFailures <= 0 {
		cbConfig.MaxFailures = DefaultConfig().MaxFailures
	}
	if cbConfig.Timeout <= 0 {
		cbConfig.Timeout = DefaultConfig().Timeout
	}
	if cbConfig.HalfOpenMax <= 0 {
		cbConfig.HalfOpenMax = DefaultConfig().HalfOpenMax
	}

	if cfg.Logger != nil {
		logger := cfg.Logger
		cbConfig.OnStateChange = func(from, to State) {
			logger.WithFields(map[string]interface{}{
				"from_state": from.String(),
				"to_state":   to.String(),
			}).Warn("instance circuit breaker state changed")
		}
	}
	return cbConfig
}

// SecondsToDuration converts a whole-second config value to a time.Duration.
func SecondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
