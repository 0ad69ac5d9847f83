// Package remote is the narrow capability surface onto the pattern
// registry and event chronicle services.
//
// Nothing in here is load-bearing: every failure degrades to local-only
// operation. The sync phase records failures into its result and a
// pending queue instead of raising.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// LearnedItem is the hash-only projection of a workflow shared with the
// pattern registry.
type LearnedItem struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	PatternHash string  `json:"pattern_hash"`
	Confidence  float64 `json:"confidence"`
}

// CommunityPattern is a pattern fetched from the registry.
type CommunityPattern struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	PatternHash string  `json:"pattern_hash"`
	Confidence  float64 `json:"confidence"`
	Adopters    int     `json:"adopters"`
}

// ChronicleEntry is a hash-only event record for the event chronicle.
type ChronicleEntry struct {
	Timestamp   time.Time `json:"timestamp"`
	Event       string    `json:"event"`
	PatternHash string    `json:"pattern_hash,omitempty"`
}

// Tool is a remotely discoverable tool description.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Client is the remote collaborator contract consumed by the sync
// phase.
type Client interface {
	// Authenticate returns a bearer token, or "" with an error when the
	// identity service is unreachable.
	Authenticate(ctx context.Context) (string, error)

	// RegisterLearnedItems shares hash-only learned patterns.
	RegisterLearnedItems(ctx context.Context, items []LearnedItem) error

	// FetchCommunityPatterns pulls shared patterns from the registry.
	FetchCommunityPatterns(ctx context.Context) ([]CommunityPattern, error)

	// LogEvent appends a hash-only entry to the event chronicle.
	LogEvent(ctx context.Context, entry ChronicleEntry) error

	// DiscoverTools lists remotely available tools.
	DiscoverTools(ctx context.Context) ([]Tool, error)

	// HealthCheck reports whether the remote services respond at all.
	HealthCheck(ctx context.Context) bool
}

// Config configures the HTTP client.
type Config struct {
	// BaseURL of the remote services. Empty disables remote calls.
	BaseURL string

	// Timeout applies per call via context cancellation.
	Timeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{Timeout: 10 * time.Second}
}

// ErrDisabled is returned when no base URL is configured.
var ErrDisabled = errors.New("remote: no base URL configured")

// HTTPClient talks JSON over HTTP to the remote services.
type HTTPClient struct {
	config *Config
	http   *http.Client
	logger *zap.Logger

	token string
}

// NewHTTPClient creates a client. The config timeout bounds every call.
func NewHTTPClient(cfg *Config, logger *zap.Logger) (*HTTPClient, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("remote: timeout must be > 0")
	}
	if cfg.BaseURL != "" {
		if _, err := url.Parse(cfg.BaseURL); err != nil {
			return nil, fmt.Errorf("remote: invalid base URL: %w", err)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPClient{
		config: cfg,
		http:   &http.Client{},
		logger: logger,
	}, nil
}

// do performs one JSON request with the configured timeout.
func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	if c.config.BaseURL == "" {
		return ErrDisabled
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("remote: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("remote: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("remote: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("remote: %s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("remote: decode response: %w", err)
		}
	}
	return nil
}

func (c *HTTPClient) Authenticate(ctx context.Context) (string, error) {
	var result struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/auth/token", nil, &result); err != nil {
		return "", err
	}
	c.token = result.Token
	return result.Token, nil
}

func (c *HTTPClient) RegisterLearnedItems(ctx context.Context, items []LearnedItem) error {
	if len(items) == 0 {
		return nil
	}
	return c.do(ctx, http.MethodPost, "/v1/patterns/learned", items, nil)
}

func (c *HTTPClient) FetchCommunityPatterns(ctx context.Context) ([]CommunityPattern, error) {
	var patterns []CommunityPattern
	if err := c.do(ctx, http.MethodGet, "/v1/patterns/community", nil, &patterns); err != nil {
		return nil, err
	}
	return patterns, nil
}

func (c *HTTPClient) LogEvent(ctx context.Context, entry ChronicleEntry) error {
	return c.do(ctx, http.MethodPost, "/v1/chronicle/events", entry, nil)
}

func (c *HTTPClient) DiscoverTools(ctx context.Context) ([]Tool, error) {
	var tools []Tool
	if err := c.do(ctx, http.MethodGet, "/v1/tools", nil, &tools); err != nil {
		return nil, err
	}
	return tools, nil
}

func (c *HTTPClient) HealthCheck(ctx context.Context) bool {
	err := c.do(ctx, http.MethodGet, "/v1/health", nil, nil)
	return err == nil
}

var _ Client = (*HTTPClient)(nil)
