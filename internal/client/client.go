package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/kjstillabower/forecast-viewer/internal/circuitbreaker"
	"github.com/kjstillabower/forecast-viewer/internal/observability"
	"github.com/kjstillabower/forecast-viewer/internal/validation"
)

// WeatherProvider fetches a fresh forecast payload for a normalized location key.
// Retry and backoff are the provider's concern; callers see one result.
type WeatherProvider interface {
	Fetch(ctx context.Context, locationKey string) (json.RawMessage, error)
}

var (
	// ErrFetchFailed wraps every error returned by Fetch.
	ErrFetchFailed = errors.New("forecast fetch failed")

	ErrInvalidAPIKey    = errors.New("invalid API key")
	ErrLocationNotFound = errors.New("location not found")
	ErrUpstreamFailure  = errors.New("upstream failure")
	ErrRateLimited      = errors.New("rate limited")
)

const maxResponseBytes = 4 << 20

// Config configures an OpenWeatherClient.
type Config struct {
	APIKey         string
	BaseURL        string // forecast endpoint, e.g. https://api.openweathermap.org/data/2.5/forecast
	Units          string // metric or imperial
	Language       string // provider language code (fr, en, ar, ...)
	Timeout        time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	HTTPClient     *http.Client // optional; built from Timeout when nil
}

// OpenWeatherClient implements WeatherProvider against the OpenWeatherMap 5-day forecast API.
type OpenWeatherClient struct {
	cfg     Config
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
}

// NewOpenWeatherClient validates cfg and fills defaults
// (metric, en, 3 attempts, 100ms..2s backoff).
func NewOpenWeatherClient(cfg Config) (*OpenWeatherClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: API key is required", ErrInvalidAPIKey)
	}
	if len(cfg.APIKey) < 10 {
		return nil, fmt.Errorf("%w: API key appears invalid (too short)", ErrInvalidAPIKey)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openweathermap.org/data/2.5/forecast"
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}
	if cfg.Units == "" {
		cfg.Units = "metric"
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 100 * time.Millisecond
	}
	if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		cfg.RetryMaxDelay = 2 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &OpenWeatherClient{cfg: cfg, client: httpClient}, nil
}

// SetCircuitBreaker guards provider calls with cb. While the circuit is open
// Fetch fails immediately and the caller falls back to the cache.
func (c *OpenWeatherClient) SetCircuitBreaker(cb *circuitbreaker.CircuitBreaker) {
	c.breaker = cb
}

// Fetch implements WeatherProvider. The returned payload is the provider's JSON
// document, unmodified. Every error wraps ErrFetchFailed.
func (c *OpenWeatherClient) Fetch(ctx context.Context, locationKey string) (json.RawMessage, error) {
	var payload json.RawMessage
	run := func() error {
		var err error
		payload, err = c.fetchWithRetry(ctx, locationKey)
		return err
	}
	var err error
	if c.breaker != nil {
		err = c.breaker.Call(ctx, run)
	} else {
		err = run()
	}
	if err != nil {
		observability.ProviderErrorsTotal.WithLabelValues(string(CategorizeError(err))).Inc()
		return nil, fmt.Errorf("%w: %s: %w", ErrFetchFailed, locationKey, err)
	}
	return payload, nil
}

func (c *OpenWeatherClient) fetchWithRetry(ctx context.Context, locationKey string) (json.RawMessage, error) {
	var lastErr error
	for attempt := 0; attempt < c.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			observability.ProviderRetriesTotal.Inc()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.calculateBackoff(attempt)):
			}
		}
		payload, err := c.callAPI(ctx, locationKey)
		if err == nil {
			return payload, nil
		}
		lastErr = err
		if ctx.Err() != nil || !isRetryable(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("exhausted retries: %w", lastErr)
}

func (c *OpenWeatherClient) callAPI(ctx context.Context, locationKey string) (json.RawMessage, error) {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := c.buildRequest(reqCtx, locationKey)
	if err != nil {
		observability.ProviderCallsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("build request: %w", err)
	}
	if corrID := CorrelationIDFromContext(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		observability.ProviderCallsTotal.WithLabelValues("error").Inc()
		observability.ProviderDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("request timeout: %w", err)
		}
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	status := statusLabel(resp.StatusCode)
	observability.ProviderCallsTotal.WithLabelValues(status).Inc()
	observability.ProviderDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())

	if err := handleErrorResponse(resp); err != nil {
		return nil, err
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if err := checkPayload(body); err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

// checkPayload rejects bodies that are not a successful forecast document.
// OpenWeatherMap reports errors in "cod" even on some 200 responses.
func checkPayload(body []byte) error {
	if !gjson.ValidBytes(body) {
		return fmt.Errorf("parse response: invalid JSON")
	}
	cod := gjson.GetBytes(body, "cod").String()
	switch cod {
	case "200":
		return nil
	case "404":
		return fmt.Errorf("%w: %s", ErrLocationNotFound, gjson.GetBytes(body, "message").String())
	case "401":
		return fmt.Errorf("%w: %s", ErrInvalidAPIKey, gjson.GetBytes(body, "message").String())
	case "":
		return fmt.Errorf("parse response: missing cod")
	default:
		return fmt.Errorf("%w: cod %s: %s", ErrUpstreamFailure, cod, gjson.GetBytes(body, "message").String())
	}
}

// isRetryable reports whether another attempt could succeed.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstreamFailure) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "timeout") || strings.Contains(errStr, "connection")
}

// calculateBackoff returns base*2^(attempt-1) capped at max, plus up to 10% jitter.
func (c *OpenWeatherClient) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.cfg.RetryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.cfg.RetryMaxDelay) {
		delay = float64(c.cfg.RetryMaxDelay)
	}
	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func (c *OpenWeatherClient) buildRequest(ctx context.Context, locationKey string) (*http.Request, error) {
	baseURL, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}
	params := url.Values{}
	if lat, lon, ok := validation.ParseCoordinates(locationKey); ok {
		params.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
		params.Set("lon", strconv.FormatFloat(lon, 'f', -1, 64))
	} else {
		params.Set("q", locationKey)
	}
	params.Set("appid", c.cfg.APIKey)
	params.Set("units", c.cfg.Units)
	params.Set("lang", c.cfg.Language)
	baseURL.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func handleErrorResponse(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: HTTP 401", ErrInvalidAPIKey)
	case http.StatusNotFound:
		return fmt.Errorf("%w", ErrLocationNotFound)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w", ErrRateLimited)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	}
	return nil
}

// ValidateAPIKey issues one forecast request for a known city. Used at startup
// to warn about a bad key early; failures never stop the service because cached
// forecasts can still be served.
func (c *OpenWeatherClient) ValidateAPIKey(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	req, err := c.buildRequest(ctx, "london")
	if err != nil {
		return fmt.Errorf("build validation request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("validation request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: API key is invalid or not activated", ErrInvalidAPIKey)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("validation failed: HTTP %d", resp.StatusCode)
	}
	return nil
}

type correlationIDKey struct{}

// WithCorrelationID returns a context carrying id for outbound requests.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, id)
}

// CorrelationIDFromContext returns the id stored by WithCorrelationID, or "".
func CorrelationIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return id
	}
	return ""
}

func statusLabel(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return "success"
	case statusCode == http.StatusTooManyRequests:
		return "rate_limited"
	case statusCode >= 400 && statusCode < 500:
		return "client_error"
	case statusCode >= 500:
		return "server_error"
	default:
		return "error"
	}
}
