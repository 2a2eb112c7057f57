// Package redaction scrubs secret-shaped strings and header/body fields
// before a WAL entry, transaction-log entry, or error message reaches a
// log line.
package redaction

import (
	"regexp"
	"strings"
)

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey)["']?\s*[:=]\s*["']?([^"'\s,}]+)["']?`),
	regexp.MustCompile(`(?i)(secret|token|auth)["']?\s*[:=]\s*["']?([^"'\s,}]+)["']?`),
	regexp.MustCompile(`(?i)Bearer\s+([a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+)`),
	regexp.MustCompile(`(?i)password["']?\s*[:=]\s*["']?([^"'\s,}]+)["']?`),
}

// Config controls which fields are treated as secret.
type Config struct {
	Enabled         bool
	RedactionText   string
	BlockedPatterns []string
}

// DefaultConfig returns the standard set of blocked field-name substrings.
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		RedactionText: "***REDACTED***",
		BlockedPatterns: []string{
			"password", "secret", "token", "apikey", "authorization", "cookie",
		},
	}
}

// Redactor applies Config to strings and header maps.
type Redactor struct {
	cfg Config
}

// New builds a Redactor from cfg, filling in defaults for zero values.
func New(cfg Config) *Redactor {
	if cfg.RedactionText == "" {
		cfg.RedactionText = "***REDACTED***"
	}
	return &Redactor{cfg: cfg}
}

// String redacts secret-shaped substrings within s (used for error messages
// and logged request bodies).
func (r *Redactor) String(s string) string {
	if !r.cfg.Enabled {
		return s
	}
	result := s
	for _, pattern := range secretPatterns {
		result = pattern.ReplaceAllString(result, "${1}: "+r.cfg.RedactionText)
	}
	return result
}

// Headers returns a copy of headers with values of blocked field names
// replaced, for safe inclusion in logs or the transaction safety log.
func (r *Redactor) Headers(headers map[string][]string) map[string][]string {
	if !r.cfg.Enabled || headers == nil {
		return headers
	}
	out := make(map[string][]string, len(headers))
	for k, v := range headers {
		if r.isBlocked(k) {
			out[k] = []string{r.cfg.RedactionText}
			continue
		}
		out[k] = v
	}
	return out
}

func (r *Redactor) isBlocked(fieldName string) bool {
	lower := strings.ToLower(fieldName)
	for _, blocked := range r.cfg.BlockedPatterns {
		if strings.Contains(lower, strings.ToLower(blocked)) {
			return true
		}
	}
	return false
}

// Default is a package-level Redactor used by call sites that don't need a
// custom configuration.
var Default = New(DefaultConfig())
