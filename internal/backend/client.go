// Package backend issues HTTP requests against a single ChromaDB-style
// backend instance, applying path normalization and retry (spec §4.A, §4.E).
package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/vectorha/proxy/internal/instance"
	"github.com/vectorha/proxy/internal/resilience"
)

const v2Base = "/api/v2/tenants/default_tenant/databases/default_database"

// Client issues requests against one backend instance, wrapping the call
// in the instance's circuit breaker and a bounded retry policy.
type Client struct {
	descriptor *instance.Descriptor
	http       *http.Client
	retryCfg   resilience.RetryConfig
}

// New creates a Client bound to descriptor.
func New(descriptor *instance.Descriptor, timeout time.Duration, retryCfg resilience.RetryConfig) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		descriptor: descriptor,
		http:       &http.Client{Timeout: timeout},
		retryCfg:   retryCfg,
	}
}

// Response captures the outcome of a backend call.
type Response struct {
	StatusCode int
	Body       []byte
	Header     http.Header
}

// Do issues method against path (already normalized) on the backend
// instance, retrying per the configured policy and recording the outcome
// on the instance's rolling stats.
func (c *Client) Do(ctx context.Context, method, path string, body []byte, headers http.Header) (*Response, error) {
	var result *Response

	err := c.descriptor.Breaker().Execute(ctx, func(ctx context.Context) error {
		return resilience.Retry(ctx, c.retryCfg, func() error {
			resp, err := c.doOnce(ctx, method, path, body, headers)
			if err != nil {
				return err
			}
			result = resp
			if resp.StatusCode >= 500 {
				return fmt.Errorf("backend %s returned status %d", c.descriptor.Name, resp.StatusCode)
			}
			return nil
		})
	})

	success := err == nil && result != nil && result.StatusCode < 500
	c.descriptor.RecordOutcome(success)

	if err != nil {
		return result, err
	}
	return result, nil
}

func (c *Client) doOnce(ctx context.Context, method, path string, body []byte, headers http.Header) (*Response, error) {
	url := c.descriptor.BaseURL + path
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	return &Response{StatusCode: resp.StatusCode, Body: respBody, Header: resp.Header}, nil
}

// NormalizePath rewrites a legacy /api/v1/* request path into the v2
// tenant/database-scoped form, leaving already-v2 and non-API paths
// untouched.
//
// Grounded on convert_api_path_for_v1 in
// original_source/chromadb_v1_compatible_load_balancer.py.
func NormalizePath(original string) string {
	const v1Prefix = "/api/v1/"
	collectionsEndpoint := v2Base + "/collections"

	if strings.HasPrefix(original, v1Prefix) {
		rest := original[len(v1Prefix):]

		if strings.HasPrefix(rest, "collections/") {
			parts := strings.Split(rest, "/")
			if len(parts) >= 2 {
				collectionID := parts[1]
				newPath := collectionsEndpoint + "/" + collectionID
				if len(parts) > 2 {
					newPath += "/" + strings.Join(parts[2:], "/")
				}
				return newPath
			}
		}

		return v2Base + "/" + rest
	}

	if strings.HasPrefix(original, v2Base) {
		return original
	}

	if !strings.HasPrefix(original, "/") {
		return collectionsEndpoint + "/" + original
	}

	return original
}

// ExtractCollectionID pulls the collection identifier segment out of an
// already-normalized v2 collections path, if present.
func ExtractCollectionID(path string) (string, bool) {
	marker := v2Base + "/collections/"
	idx := strings.Index(path, marker)
	if idx == -1 {
		return "", false
	}
	rest := path[idx+len(marker):]
	parts := strings.SplitN(rest, "/", 2)
	if parts[0] == "" {
		return "", false
	}
	return parts[0], true
}

// ResponseField extracts a top-level JSON field from a response body using
// gjson, returning ok=false when the body is not JSON or the field absent.
func ResponseField(body []byte, field string) (string, bool) {
	result := gjson.GetBytes(body, field)
	if !result.Exists() {
		return "", false
	}
	return result.String(), true
}
