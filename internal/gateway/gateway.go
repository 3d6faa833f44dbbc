package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nkkko/clubpulse/internal/metrics"
	"github.com/nkkko/clubpulse/internal/notification"
	"github.com/nkkko/clubpulse/internal/telemetry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

// Ensure Client implements notification.Gateway
var _ notification.Gateway = (*Client)(nil)

// ErrUnauthenticated is returned when the backend rejects the bearer token
var ErrUnauthenticated = errors.New("gateway: unauthenticated")

// APIError is a non-2xx backend response other than 401
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// TokenSource provides the current bearer token
type TokenSource interface {
	Token() string
}

// Config contains gateway configuration
type Config struct {
	// Backend base URL, e.g. https://api.example.org/api
	BaseURL string

	// Per-request timeout
	Timeout time.Duration

	// Client-side rate limit shared by all calls
	RequestsPerSecond float64
	Burst             int
}

// DefaultConfig returns a default gateway configuration
func DefaultConfig() Config {
	return Config{
		BaseURL:           "http://localhost:8080/api",
		Timeout:           10 * time.Second,
		RequestsPerSecond: 20,
		Burst:             10,
	}
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithUnauthenticatedHandler registers fn to run after every 401
func WithUnauthenticatedHandler(fn func()) Option {
	return func(c *Client) {
		c.onUnauthenticated = append(c.onUnauthenticated, fn)
	}
}

// Client calls the backend notification endpoints
type Client struct {
	config     Config
	baseURL    *url.URL
	httpClient *http.Client
	tokens     TokenSource
	limiter    *rate.Limiter
	logger     zerolog.Logger
	metrics    *metrics.Metrics

	onUnauthenticated []func()
}

// New creates a gateway client
func New(config Config, tokens TokenSource, options ...Option) (*Client, error) {
	defaults := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = defaults.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = defaults.Timeout
	}
	if config.RequestsPerSecond == 0 {
		config.RequestsPerSecond = defaults.RequestsPerSecond
	}
	if config.Burst == 0 {
		config.Burst = defaults.Burst
	}

	base, err := url.Parse(config.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid gateway base URL: %w", err)
	}

	limit := rate.Limit(config.RequestsPerSecond)
	if config.RequestsPerSecond < 0 {
		limit = rate.Inf
	}

	c := &Client{
		config:     config,
		baseURL:    base,
		httpClient: &http.Client{Timeout: config.Timeout},
		tokens:     tokens,
		limiter:    rate.NewLimiter(limit, config.Burst),
		logger:     log.With().Str("component", "gateway").Logger(),
		metrics:    metrics.GetMetrics(),
	}
	for _, option := range options {
		option(c)
	}
	return c, nil
}

// FetchPage retrieves one page of a user's notifications, newest first
func (c *Client) FetchPage(ctx context.Context, userID int64, page, size int) (*notification.Page, error) {
	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("size", strconv.Itoa(size))
	query.Set("sort", "createdAt,desc")

	var result notification.Page
	path := fmt.Sprintf("/notification/user/%d/paged", userID)
	if err := c.do(ctx, "fetch_page", http.MethodGet, path, query, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// MarkAsRead marks a notification as read
func (c *Client) MarkAsRead(ctx context.Context, id int64) error {
	return c.do(ctx, "mark_as_read", http.MethodPost, fmt.Sprintf("/notification/%d/mark-as-read", id), nil, nil)
}

// Delete deletes a notification
func (c *Client) Delete(ctx context.Context, id int64) error {
	return c.do(ctx, "delete", http.MethodDelete, fmt.Sprintf("/notification/%d", id), nil, nil)
}

// do makes an HTTP request and decodes a JSON response into out when non-nil
func (c *Client) do(ctx context.Context, operation, method, path string, query url.Values, out interface{}) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "gateway."+operation)
	defer func() {
		if err != nil {
			telemetry.MarkSpanError(ctx, err)
		}
		span.End()
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	u := *c.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.tokens != nil {
		if token := c.tokens.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	telemetry.InjectHTTPHeaders(ctx, req.Header)
	telemetry.AddSpanAttributes(ctx,
		attribute.String("http.method", method),
		attribute.String("http.url", u.String()),
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	c.metrics.GatewayRequestDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		c.metrics.GatewayRequestsTotal.WithLabelValues(operation, "error").Inc()
		return fmt.Errorf("%s request failed: %w", operation, err)
	}
	defer resp.Body.Close()

	c.metrics.GatewayRequestsTotal.WithLabelValues(operation, strconv.Itoa(resp.StatusCode)).Inc()
	telemetry.AddSpanAttributes(ctx, attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode == http.StatusUnauthorized {
		c.logger.Warn().Str("operation", operation).Msg("Backend rejected credentials")
		c.fireUnauthenticated()
		return ErrUnauthenticated
	}

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(body, resp.Status)}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) fireUnauthenticated() {
	for _, fn := range c.onUnauthenticated {
		fn()
	}
}

// errorMessage extracts a message from common error bodies
func errorMessage(body []byte, fallback string) string {
	var errResp struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err == nil {
		if errResp.Message != "" {
			return errResp.Message
		}
		if errResp.Error != "" {
			return errResp.Error
		}
	}
	if text := strings.TrimSpace(string(body)); text != "" && len(text) <= 200 {
		return text
	}
	return fallback
}
