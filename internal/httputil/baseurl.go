package httputil

import (
	"fmt"
	"net/url"
	"strings"
)

// NormalizeBaseURL trims, validates, and returns the backend instance base
// URL used to build outbound requests. It rejects user-info, query strings,
// and non-HTTP(S) schemes.
func NormalizeBaseURL(raw string) (string, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(raw), "/")
	if baseURL == "" {
		return "", fmt.Errorf("base URL is required")
	}

	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("base URL must be a valid URL")
	}
	if parsed.User != nil {
		return "", fmt.Errorf("base URL must not include user info")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("base URL scheme must be http or https")
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return "", fmt.Errorf("base URL must not include query or fragment")
	}

	return baseURL, nil
}
