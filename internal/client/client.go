// Package client talks to a running daemon over its local HTTP API.
// The CLI goes through here because the daemon holds the badger directory lock.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ternarybob/whatsmytoken/internal/common"
	"github.com/ternarybob/whatsmytoken/internal/handlers"
	"github.com/ternarybob/whatsmytoken/internal/httpclient"
	"github.com/ternarybob/whatsmytoken/internal/models"
)

// APIError is a non-2xx response from the daemon
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("daemon returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the daemon
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// ListOptions mirrors the query parameters of GET /api/tokens
type ListOptions struct {
	Domain string
	Filter string
	Sort   string // "newest", "oldest" or empty for capture order
	Group  string // "domain", "token" or empty
}

// Health is the body of GET /api/health
type Health struct {
	Status     string         `json:"status"`
	Browser    bool           `json:"browser"`
	Tabs       int            `json:"tabs"`
	Targets    map[string]int `json:"targets,omitempty"`
	Goroutines int            `json:"goroutines"`
}

// Client is a thin JSON client for the token API
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client for the daemon at baseURL, e.g. http://localhost:8765
func New(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpclient.NewDefaultHTTPClient(10 * time.Second),
	}
}

// List returns the stored tokens
func (c *Client) List(ctx context.Context, opts ListOptions) (*handlers.TokenListResponse, error) {
	query := url.Values{}
	if opts.Domain != "" {
		query.Set("domain", opts.Domain)
	}
	if opts.Filter != "" {
		query.Set("filter", opts.Filter)
	}
	if opts.Sort != "" {
		query.Set("sort", opts.Sort)
	}
	if opts.Group != "" {
		query.Set("group", opts.Group)
	}

	path := "/api/tokens"
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}

	var resp handlers.TokenListResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Get returns one token by id
func (c *Client) Get(ctx context.Context, id string) (*models.CapturedToken, error) {
	var token models.CapturedToken
	if err := c.do(ctx, http.MethodGet, "/api/tokens/"+url.PathEscape(id), nil, &token); err != nil {
		return nil, err
	}
	return &token, nil
}

// Add stores a token manually
func (c *Client) Add(ctx context.Context, req handlers.AddTokenRequest) (*models.CapturedToken, error) {
	var token models.CapturedToken
	if err := c.do(ctx, http.MethodPost, "/api/tokens", req, &token); err != nil {
		return nil, err
	}
	return &token, nil
}

// Remove deletes one token; unknown ids succeed
func (c *Client) Remove(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/tokens/"+url.PathEscape(id), nil, nil)
}

// Clear deletes every token
func (c *Client) Clear(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/api/tokens", nil, nil)
}

// Version returns the daemon's build info
func (c *Client) Version(ctx context.Context) (*common.BuildInfo, error) {
	var version common.BuildInfo
	if err := c.do(ctx, http.MethodGet, "/api/version", nil, &version); err != nil {
		return nil, err
	}
	return &version, nil
}

// Health returns the daemon's health status
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var health Health
	if err := c.do(ctx, http.MethodGet, "/api/health", nil, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("daemon not reachable at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errBody struct {
			Error string `json:"error"`
		}
		message := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &errBody) == nil && errBody.Error != "" {
			message = errBody.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: message}
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
