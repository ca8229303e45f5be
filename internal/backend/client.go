// Package backend is the HTTP client for the dialer's backend API.
// Every request carries the user's bearer token; without one the call
// fails with ErrNoToken before touching the network.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sweeney/dialmate/internal/logger"
	"github.com/sweeney/dialmate/internal/metrics"
)

const (
	PathVoiceToken   = "/api/twilio-token/"
	PathMakeCall     = "/api/make-call/"
	PathUpdateStatus = "/api/update-call-status/"
	PathCallHistory  = "/api/call-history/"

	headerRequestID = "X-Request-Id"
)

var (
	ErrNoToken      = errors.New("backend: no authentication token")
	ErrUnauthorized = errors.New("backend: unauthorized")
)

// StatusError is returned for non-2xx responses other than 401.
type StatusError struct {
	Endpoint string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend: %s: http %d", e.Endpoint, e.Code)
	}
	return fmt.Sprintf("backend: %s: http %d: %s", e.Endpoint, e.Code, e.Body)
}

// Client talks to the backend API.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
	log     *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a Client.
type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http = &http.Client{Timeout: d} }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// New creates a Client for the backend rooted at baseURL.
func New(baseURL string, tokens TokenSource, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
		tokens:  tokens,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = logger.OrDefault(c.log)
	return c
}

// VoiceToken fetches a short-lived telephony credential.
func (c *Client) VoiceToken(ctx context.Context) (string, error) {
	var out tokenResponse
	if err := c.do(ctx, http.MethodGet, PathVoiceToken, nil, &out); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", fmt.Errorf("backend: %s: empty token", PathVoiceToken)
	}
	return out.Token, nil
}

// CreateCall creates a call record and returns its backend id.
func (c *Client) CreateCall(ctx context.Context, req CreateCallRequest) (CreateCallResponse, error) {
	var out CreateCallResponse
	if err := c.do(ctx, http.MethodPost, PathMakeCall, req, &out); err != nil {
		return CreateCallResponse{}, err
	}
	if out.CallID == "" {
		return CreateCallResponse{}, fmt.Errorf("backend: %s: response has no call_id", PathMakeCall)
	}
	return out, nil
}

// UpdateCallStatus records a status change on an existing call record.
func (c *Client) UpdateCallStatus(ctx context.Context, req UpdateCallStatusRequest) (UpdateCallStatusResponse, error) {
	var out UpdateCallStatusResponse
	if err := c.do(ctx, http.MethodPost, PathUpdateStatus, req, &out); err != nil {
		return UpdateCallStatusResponse{}, err
	}
	return out, nil
}

// CallHistory returns the user's call records, newest first.
func (c *Client) CallHistory(ctx context.Context) ([]HistoryRecord, error) {
	var out []HistoryRecord
	if err := c.do(ctx, http.MethodGet, PathCallHistory, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) (err error) {
	endpoint := strings.Trim(strings.TrimPrefix(path, "/api/"), "/")
	defer func() {
		result := "ok"
		if err != nil {
			result = classify(err)
		}
		c.metrics.BackendRequest(endpoint, result)
	}()

	if c.tokens == nil {
		return ErrNoToken
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	rid := uuid.NewString()
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(headerRequestID, rid)

	start := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	c.log.Debug("backend request",
		"method", method, "path", path, "status", res.StatusCode,
		"request_id", rid, "duration_ms", time.Since(start).Milliseconds())

	if res.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%s: %w", endpoint, ErrUnauthorized)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return &StatusError{Endpoint: endpoint, Code: res.StatusCode, Body: strings.TrimSpace(string(b))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func classify(err error) string {
	var se *StatusError
	switch {
	case errors.Is(err, ErrNoToken):
		return "no_token"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.As(err, &se):
		return "http_error"
	default:
		return "error"
	}
}
