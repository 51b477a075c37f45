package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"
)

// Sentinel errors for common HTTP error classes.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
)

// Client is an HTTP client for the remote authority.
type Client struct {
	BaseURL  string
	DeviceID string
	HTTP     *http.Client

	mu    sync.RWMutex
	token string
}

// New creates a new client. token may be empty until the user signs in.
func New(baseURL, token, deviceID string) *Client {
	return &Client{
		BaseURL:  baseURL,
		DeviceID: deviceID,
		HTTP:     &http.Client{Timeout: 30 * time.Second},
		token:    token,
	}
}

// SetToken replaces the bearer token used for authenticated calls.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// --- Sync types (mirrors the remote authority's wire format) ---

// Record is one entity row on the wire. Data holds the shared columns;
// device-local bookkeeping never travels.
type Record struct {
	Table     string          `json:"table"`
	ID        string          `json:"id"`
	SyncToken int64           `json:"sync_token,omitempty"`
	BaseToken int64           `json:"base_token,omitempty"`
	DeletedAt *time.Time      `json:"deleted_at,omitempty"`
	Data      json.RawMessage `json:"data"`
}

// PushRequest is the body for POST /v1/sync/push.
type PushRequest struct {
	DeviceID string   `json:"device_id"`
	Records  []Record `json:"records"`
}

// Push result statuses.
const (
	StatusOK       = "ok"
	StatusConflict = "conflict"
	StatusRejected = "rejected"
)

// PushResult is the outcome for one pushed record. Record carries the
// authoritative version on conflict.
type PushResult struct {
	Table     string  `json:"table"`
	ID        string  `json:"id"`
	SyncToken int64   `json:"sync_token"`
	Status    string  `json:"status"`
	Reason    string  `json:"reason,omitempty"`
	Record    *Record `json:"record,omitempty"`
}

// PushResponse is the response from a push request.
type PushResponse struct {
	Results []PushResult `json:"results"`
}

// PullResponse is the response from GET /v1/sync/pull.
type PullResponse struct {
	Records  []Record `json:"records"`
	MaxToken int64    `json:"max_token"`
	HasMore  bool     `json:"has_more"`
}

// SessionResponse is the response from POST /v1/auth/session.
type SessionResponse struct {
	Valid     bool   `json:"valid"`
	UserID    string `json:"user_id,omitempty"`
	Email     string `json:"email,omitempty"`
	ExpiresAt string `json:"expires_at,omitempty"`
}

// HealthResponse is the response from GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// HealthCheck hits the /healthz endpoint to verify server reachability.
func (c *Client) HealthCheck(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.doNoAuth(ctx, http.MethodGet, "/healthz", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// --- Auth methods ---

// ValidateSession asks the identity service whether the bearer token is
// still a live session. A rejected token is reported as ErrUnauthorized.
func (c *Client) ValidateSession(ctx context.Context) (*SessionResponse, error) {
	var resp SessionResponse
	if err := c.do(ctx, http.MethodPost, "/v1/auth/session", struct{}{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Logout ends the session on the server.
func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/auth/logout", nil, nil)
}

// --- Sync methods ---

// Push sends dirty records to the server.
func (c *Client) Push(ctx context.Context, req *PushRequest) (*PushResponse, error) {
	if req.DeviceID == "" {
		req.DeviceID = c.DeviceID
	}
	var resp PushResponse
	if err := c.do(ctx, http.MethodPost, "/v1/sync/push", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Pull fetches records with a sync token greater than after.
func (c *Client) Pull(ctx context.Context, after int64, limit int) (*PullResponse, error) {
	params := url.Values{}
	params.Set("after", strconv.FormatInt(after, 10))
	params.Set("limit", strconv.Itoa(limit))

	var resp PullResponse
	if err := c.do(ctx, http.MethodGet, "/v1/sync/pull?"+params.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// --- HTTP helpers ---

// apiError is the standard error body from the server.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	return c.doRequest(ctx, method, path, body, result, true)
}

func (c *Client) doNoAuth(ctx context.Context, method, path string, body, result any) error {
	return c.doRequest(ctx, method, path, body, result, false)
}

func (c *Client) doRequest(ctx context.Context, method, path string, body, result any, auth bool) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.DeviceID != "" {
		req.Header.Set("X-Device-ID", c.DeviceID)
	}
	if token := c.Token(); auth && token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		msg := string(bytes.TrimSpace(respBody))
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Code != "" {
			msg = apiErr.Message
		}
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			return fmt.Errorf("%w: %s", ErrUnauthorized, msg)
		case http.StatusForbidden:
			return fmt.Errorf("%w: %s", ErrForbidden, msg)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrNotFound, msg)
		}
		if apiErr.Code != "" {
			return &apiErr
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, msg)
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}
