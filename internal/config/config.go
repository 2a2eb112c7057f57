// Package config loads the proxy's immutable runtime configuration from
// defaults, a .env file, environment variables, and CLI flags, in that
// increasing order of precedence.
package config

import (
	"flag"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the fully-resolved, immutable configuration for one proxy
// process. Every field documented in the external configuration table is
// represented here; a zero-valued duration falls back to the listed
// default rather than failing startup.
type Config struct {
	PrimaryURL string
	ReplicaURL string

	CheckInterval    time.Duration
	RequestTimeout   time.Duration
	AdmissionTimeout time.Duration

	ReadReplicaRatio float64

	SyncInterval time.Duration

	MaxMemoryMB int
	MaxWorkers  int

	DefaultBatchSize int
	MaxBatchSize     int

	MaxConcurrentRequests int
	RequestQueueSize      int

	EnableConnectionPooling bool
	EnableGranularLocking   bool

	ConsistencyWindow time.Duration

	DatabaseURL string

	ListenAddr string

	LogLevel  string
	LogFormat string

	MetricsAddr string

	AdminTokens []string

	ShutdownTimeout time.Duration

	WALRetention   time.Duration
	TxLogRetention time.Duration
}

// Defaults returns the compiled-in baseline, matching the values named
// throughout the component design.
func Defaults() Config {
	return Config{
		CheckInterval:           3 * time.Second,
		RequestTimeout:          15 * time.Second,
		AdmissionTimeout:        120 * time.Second,
		ReadReplicaRatio:        0.8,
		SyncInterval:            10 * time.Second,
		MaxMemoryMB:             1024,
		MaxWorkers:              4,
		DefaultBatchSize:        50,
		MaxBatchSize:            200,
		MaxConcurrentRequests:   30,
		RequestQueueSize:        100,
		EnableConnectionPooling: true,
		EnableGranularLocking:   true,
		ConsistencyWindow:       30 * time.Second,
		ListenAddr:              ":8080",
		LogLevel:                "info",
		LogFormat:               "json",
		MetricsAddr:             ":9090",
		ShutdownTimeout:         30 * time.Second,
		WALRetention:            72 * time.Hour,
		TxLogRetention:          72 * time.Hour,
	}
}

// envSource is a lookup function, abstracted so tests can inject a fake
// environment instead of mutating process-global state.
type envSource func(key string) (string, bool)

// Load builds a Config from defaults, an optional .env file, the process
// environment, and command-line flags. envFile may be empty to skip
// loading a dotenv file. args is typically os.Args[1:].
func Load(envFile string, args []string) (Config, error) {
	if strings.TrimSpace(envFile) != "" {
		// Ignore a missing .env file; environment/flags still apply.
		_ = godotenv.Load(envFile)
	}

	cfg := Defaults()
	applyEnv(&cfg, os.LookupEnv)

	fs := flag.NewFlagSet("proxy", flag.ContinueOnError)
	primaryURL := fs.String("primary-url", cfg.PrimaryURL, "primary backend instance base URL")
	replicaURL := fs.String("replica-url", cfg.ReplicaURL, "replica backend instance base URL")
	databaseURL := fs.String("database-url", cfg.DatabaseURL, "persistence store DSN")
	listenAddr := fs.String("addr", cfg.ListenAddr, "HTTP listen address")
	logLevel := fs.String("log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	logFormat := fs.String("log-format", cfg.LogFormat, "log format (json, text)")
	metricsAddr := fs.String("metrics-addr", cfg.MetricsAddr, "metrics listen address")
	adminTokens := fs.String("admin-tokens", strings.Join(cfg.AdminTokens, ","), "comma-separated admin bearer tokens")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg.PrimaryURL = *primaryURL
	cfg.ReplicaURL = *replicaURL
	cfg.DatabaseURL = *databaseURL
	cfg.ListenAddr = *listenAddr
	cfg.LogLevel = *logLevel
	cfg.LogFormat = *logFormat
	cfg.MetricsAddr = *metricsAddr
	cfg.AdminTokens = splitTrim(*adminTokens)

	return cfg, nil
}

func applyEnv(cfg *Config, lookup envSource) {
	setString(lookup, "PRIMARY_URL", &cfg.PrimaryURL)
	setString(lookup, "REPLICA_URL", &cfg.ReplicaURL)
	setString(lookup, "DATABASE_URL", &cfg.DatabaseURL)
	setString(lookup, "ADDR", &cfg.ListenAddr)
	setString(lookup, "LOG_LEVEL", &cfg.LogLevel)
	setString(lookup, "LOG_FORMAT", &cfg.LogFormat)
	setString(lookup, "METRICS_ADDR", &cfg.MetricsAddr)

	setDuration(lookup, "CHECK_INTERVAL", &cfg.CheckInterval)
	setDuration(lookup, "REQUEST_TIMEOUT", &cfg.RequestTimeout)
	setDuration(lookup, "ADMISSION_TIMEOUT", &cfg.AdmissionTimeout)
	setDuration(lookup, "SYNC_INTERVAL", &cfg.SyncInterval)
	setDuration(lookup, "CONSISTENCY_WINDOW", &cfg.ConsistencyWindow)
	setDuration(lookup, "SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout)
	setDuration(lookup, "WAL_RETENTION", &cfg.WALRetention)
	setDuration(lookup, "TXLOG_RETENTION", &cfg.TxLogRetention)

	setFloat(lookup, "READ_REPLICA_RATIO", &cfg.ReadReplicaRatio)

	setInt(lookup, "MAX_MEMORY_MB", &cfg.MaxMemoryMB)
	setInt(lookup, "MAX_WORKERS", &cfg.MaxWorkers)
	setInt(lookup, "DEFAULT_BATCH_SIZE", &cfg.DefaultBatchSize)
	setInt(lookup, "MAX_BATCH_SIZE", &cfg.MaxBatchSize)
	setInt(lookup, "MAX_CONCURRENT_REQUESTS", &cfg.MaxConcurrentRequests)
	setInt(lookup, "REQUEST_QUEUE_SIZE", &cfg.RequestQueueSize)

	setBool(lookup, "ENABLE_CONNECTION_POOLING", &cfg.EnableConnectionPooling)
	setBool(lookup, "ENABLE_GRANULAR_LOCKING", &cfg.EnableGranularLocking)

	if raw, ok := lookup("ADMIN_TOKENS"); ok {
		cfg.AdminTokens = splitTrim(raw)
	}
}

func setString(lookup envSource, key string, dst *string) {
	if raw, ok := lookup(key); ok && strings.TrimSpace(raw) != "" {
		*dst = raw
	}
}

func setDuration(lookup envSource, key string, dst *time.Duration) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return
	}
	if d, err := time.ParseDuration(raw); err == nil {
		*dst = d
		return
	}
	// Accept bare seconds for the options the spec documents in seconds.
	if secs, err := strconv.Atoi(raw); err == nil {
		*dst = time.Duration(secs) * time.Second
	}
}

func setFloat(lookup envSource, key string, dst *float64) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		*dst = f
	}
}

func setInt(lookup envSource, key string, dst *int) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return
	}
	if n, err := strconv.Atoi(raw); err == nil {
		*dst = n
	}
}

func setBool(lookup envSource, key string, dst *bool) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		*dst = true
	case "0", "false", "no", "off":
		*dst = false
	}
}

func splitTrim(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
