// Package apptrust provides HTTP access to the AppTrust application-version
// registry. The registry owns version records; this client only reads them
// and patches tags/properties.
package apptrust

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrNotConfigured is returned by New when the base URL or access token is
// missing. Construction fails fast; there is no degraded mode.
var ErrNotConfigured = errors.New("apptrust: base URL and access token must be set")

// VersionRecord is a single application version as returned by the registry.
type VersionRecord struct {
	Version       string              `json:"version"`
	ReleaseStatus string              `json:"release_status"`
	CurrentStage  string              `json:"current_stage"`
	Tag           string              `json:"tag"`
	Properties    map[string][]string `json:"properties,omitempty"`
}

// Patch describes a partial update to a version record. A nil Tag leaves the
// tag untouched; SetProperties and DeleteProperties may both be present in
// one call. The registry applies each patch atomically.
type Patch struct {
	Tag              *string             `json:"tag,omitempty"`
	SetProperties    map[string][]string `json:"properties,omitempty"`
	DeleteProperties []string            `json:"delete_properties,omitempty"`
}

// Registry is the surface the tagging engine depends on. *Client implements
// it; tests substitute an in-memory fake.
type Registry interface {
	ListVersions(ctx context.Context, appKey string) ([]VersionRecord, error)
	PatchVersion(ctx context.Context, appKey, version string, p Patch) error
}

// Client talks to an AppTrust registry over its REST API.
type Client struct {
	baseURL    string
	token      string
	listLimit  int
	httpClient *http.Client
	log        *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout on the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithListLimit caps how many version records a single listing requests.
func WithListLimit(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.listLimit = n
		}
	}
}

// WithLogger sets the logger used for request-level debug output.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// New creates a registry client. baseURL and token are mandatory; a missing
// value is a configuration error surfaced synchronously to the caller.
func New(baseURL, token string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	token = strings.TrimSpace(token)
	if baseURL == "" || token == "" {
		return nil, ErrNotConfigured
	}

	c := &Client{
		baseURL:   baseURL,
		token:     token,
		listLimit: 1000,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type listResponse struct {
	Versions []VersionRecord `json:"versions"`
}

// ListVersions returns every version record for appKey, newest first as
// ordered by the registry.
func (c *Client) ListVersions(ctx context.Context, appKey string) ([]VersionRecord, error) {
	params := url.Values{
		"limit":     {strconv.Itoa(c.listLimit)},
		"order_by":  {"created"},
		"order_asc": {"false"},
	}
	apiURL := fmt.Sprintf("%s/applications/%s/versions?%s",
		c.baseURL, url.PathEscape(appKey), params.Encode())

	body, err := c.doRequest(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, fmt.Errorf("list versions for %s: %w", appKey, err)
	}

	var resp listResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse versions response for %s: %w", appKey, err)
	}
	return resp.Versions, nil
}

// PatchVersion applies p to one version record. The call is idempotent:
// resending the same patch converges on the same record state.
func (c *Client) PatchVersion(ctx context.Context, appKey, version string, p Patch) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal patch for %s@%s: %w", appKey, version, err)
	}

	apiURL := fmt.Sprintf("%s/applications/%s/versions/%s",
		c.baseURL, url.PathEscape(appKey), url.PathEscape(version))

	if _, err := c.doRequest(ctx, http.MethodPatch, apiURL, data); err != nil {
		return fmt.Errorf("patch %s@%s: %w", appKey, version, err)
	}
	return nil
}

// doRequest executes an authenticated request and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, apiURL string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, apiURL, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.log.Debug("apptrust request", "method", method, "url", apiURL)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("registry returned %d: %s", resp.StatusCode, truncate(respBody, 512))
	}
	return respBody, nil
}

func truncate(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
