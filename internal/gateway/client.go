package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type Config struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

type RawResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

func (r *RawResponse) Header(name string) string {
	if r == nil {
		return ""
	}
	return r.Headers.Get(name)
}

// Client is a thin HTTP client for the pod-lifecycle gateway. It reports
// transport failures as errors and leaves status-code interpretation to the
// caller: a 500 from the gateway is a response, not a client error.
type Client struct {
	baseURL   string
	userAgent string
	client    *http.Client
}

func NewClient(cfg Config) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "podverify"
	}
	return &Client{
		baseURL:   baseURL,
		userAgent: userAgent,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) ExecuteAction(ctx context.Context, sessionID string, req ExecuteRequest) (*RawResponse, error) {
	return c.Do(ctx, http.MethodPost, "/api/v1/session/"+sessionID+"/execute", req)
}

func (c *Client) SessionStatus(ctx context.Context, sessionID string) (*SessionStatusResponse, *RawResponse, error) {
	raw, err := c.Do(ctx, http.MethodGet, "/api/v1/session/"+sessionID+"/status", nil)
	if err != nil {
		return nil, raw, err
	}
	var resp SessionStatusResponse
	if err := json.Unmarshal(raw.Body, &resp); err != nil {
		return nil, raw, fmt.Errorf("decode session status: %w", err)
	}
	return &resp, raw, nil
}

func (c *Client) Health(ctx context.Context) (*HealthResponse, *RawResponse, error) {
	raw, err := c.Do(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return nil, raw, err
	}
	var resp HealthResponse
	if err := json.Unmarshal(raw.Body, &resp); err != nil {
		return nil, raw, fmt.Errorf("decode health response: %w", err)
	}
	return &resp, raw, nil
}

func (c *Client) CreateSession(ctx context.Context, sessionID string) (*RawResponse, error) {
	return c.Do(ctx, http.MethodPost, "/sessions", CreateSessionRequest{SessionID: sessionID})
}

func (c *Client) Do(ctx context.Context, method, path string, body any) (*RawResponse, error) {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		payload = b
	}
	return c.DoPayload(ctx, method, path, payload)
}

// DoPayload issues a request with an already-encoded body. The harness uses
// it after rendering session identifiers into the payload.
func (c *Client) DoPayload(ctx context.Context, method, path string, payload []byte) (*RawResponse, error) {
	fullURL := c.baseURL + path
	var reader io.Reader
	if len(payload) > 0 {
		reader = bytes.NewReader(payload)
	}

	request, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if len(payload) > 0 {
		request.Header.Set("Content-Type", "application/json")
	}
	request.Header.Set("User-Agent", c.userAgent)

	start := time.Now()
	response, err := c.client.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	bodyBytes, readErr := io.ReadAll(response.Body)
	raw := &RawResponse{
		StatusCode: response.StatusCode,
		Headers:    response.Header.Clone(),
		Body:       bodyBytes,
		Duration:   time.Since(start),
	}
	if readErr != nil {
		return raw, fmt.Errorf("read response body: %w", readErr)
	}
	return raw, nil
}
