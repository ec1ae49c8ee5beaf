// Package client provides the ChartMogul HTTP transport with shared rate
// limiting, status-code driven retries, and a typed error taxonomy.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/chartmogul-extractor/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for client operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chartmogul_requests_total",
		Help: "Total ChartMogul requests by endpoint and status",
	}, []string{"endpoint", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chartmogul_request_duration_seconds",
		Help:    "ChartMogul request duration in seconds by endpoint",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10},
	}, []string{"endpoint"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chartmogul_errors_total",
		Help: "Total ChartMogul errors by class",
	}, []string{"class"})
)

// ErrorClass represents a classification of request failures.
type ErrorClass string

const (
	// ErrorClassRetryable represents a status listed in the retry set.
	ErrorClassRetryable ErrorClass = "retryable_status"

	// ErrorClassStatus represents any other non-success status.
	ErrorClassStatus ErrorClass = "status"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassParse represents an undecodable response body.
	ErrorClassParse ErrorClass = "parse"
)

// DefaultBaseURL is the ChartMogul v1 API root.
const DefaultBaseURL = "https://api.chartmogul.com/v1/"

// Config holds the client configuration.
type Config struct {
	// BaseURL is the API root; request paths are resolved against it.
	BaseURL string

	// APIKey is sent as the Basic-Auth user name with an empty password.
	APIKey string

	// UserAgent header sent with every request.
	UserAgent string

	// MaxRequestsPerSecond is the shared admission ceiling.
	// Ignored when a gate is supplied to NewWithGate.
	MaxRequestsPerSecond int

	// Timeout per attempt. A timeout counts as one retryable attempt.
	Timeout time.Duration

	// Retry
	Retry            RetryConfig
	RetryStatusCodes []int

	// Transport allows injecting a custom round tripper (tests).
	Transport http.RoundTripper
}

// DefaultConfig returns the configuration used against the public API.
func DefaultConfig(apiKey string) Config {
	return Config{
		BaseURL:              DefaultBaseURL,
		APIKey:               apiKey,
		UserAgent:            "chartmogul-extractor/1.0",
		MaxRequestsPerSecond: ratelimit.DefaultMaxRequestsPerSecond,
		Timeout:              10 * time.Second,
		Retry:                DefaultRetryConfig(),
		RetryStatusCodes:     DefaultRetryStatusCodes,
	}
}

// Client sends requests to the ChartMogul API.
type Client struct {
	httpClient  *http.Client
	gate        *ratelimit.Gate
	baseURL     *url.URL
	retryStatus map[int]bool
	config      Config
	logger      zerolog.Logger
}

// New creates a client with its own admission gate.
func New(cfg Config) (*Client, error) {
	logger := log.With().Str("component", "chartmogul-client").Logger()

	gate, err := ratelimit.NewGate(cfg.MaxRequestsPerSecond, logger)
	if err != nil {
		return nil, err
	}
	return NewWithGate(cfg, gate)
}

// NewWithGate creates a client that shares gate with other clients.
func NewWithGate(cfg Config, gate *ratelimit.Gate) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if gate == nil {
		return nil, fmt.Errorf("rate limit gate is required")
	}
	if cfg.Retry.MaxAttempts < 1 {
		return nil, fmt.Errorf("max attempts must be >= 1 (got %d)", cfg.Retry.MaxAttempts)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(cfg.BaseURL, "/") {
		cfg.BaseURL += "/"
	}

	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	retryStatus := make(map[int]bool, len(cfg.RetryStatusCodes))
	for _, code := range cfg.RetryStatusCodes {
		retryStatus[code] = true
	}

	return &Client{
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: cfg.Transport,
		},
		gate:        gate,
		baseURL:     base,
		retryStatus: retryStatus,
		config:      cfg,
		logger:      log.With().Str("component", "chartmogul-client").Logger(),
	}, nil
}

// Gate returns the admission gate shared by this client.
func (c *Client) Gate() *ratelimit.Gate {
	return c.gate
}

// SetLogger replaces the component logger.
func (c *Client) SetLogger(logger zerolog.Logger) {
	c.logger = logger
}

// Send performs one logical request. Each attempt is admitted by the gate,
// so retries count against the same ceiling as first attempts.
func (c *Client) Send(ctx context.Context, method, path string, query url.Values) (Body, error) {
	endpoint := endpointLabel(path)

	ref, err := url.Parse(strings.TrimPrefix(path, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse path %q: %w", path, err)
	}
	target := c.baseURL.ResolveReference(ref)
	if len(query) > 0 {
		target.RawQuery = query.Encode()
	}

	var (
		body       Body
		lastStatus int
		lastMsg    string
		lastNetErr error
		attempts   int
	)

	retryErr := retryWithBackoff(ctx, c.config.Retry, c.logger, func(attempt int) error {
		attempts = attempt
		lastStatus, lastMsg, lastNetErr = 0, "", nil

		if err := c.gate.Wait(ctx); err != nil {
			return fmt.Errorf("%w: %w", ErrContextCancelled, err)
		}

		req, err := http.NewRequestWithContext(ctx, method, target.String(), nil)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.SetBasicAuth(c.config.APIKey, "")
		req.Header.Set("Accept", "application/json")
		if c.config.UserAgent != "" {
			req.Header.Set("User-Agent", c.config.UserAgent)
		}

		c.logger.Debug().
			Str("endpoint", path).
			Str("method", method).
			Str("query", target.RawQuery).
			Int("attempt", attempt).
			Msg("Executing ChartMogul request")

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		requestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())

		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %w", ErrContextCancelled, ctx.Err())
			}
			errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
			requestsTotal.WithLabelValues(endpoint, "network_error").Inc()
			lastNetErr = err
			return &retryError{class: ErrorClassNetwork, err: err}
		}

		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %w", ErrContextCancelled, ctx.Err())
			}
			errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
			lastNetErr = fmt.Errorf("read body: %w", err)
			return &retryError{class: ErrorClassNetwork, err: lastNetErr}
		}

		requestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			statusErr := &HTTPStatusError{
				StatusCode: resp.StatusCode,
				Path:       path,
				Attempts:   attempt,
				Message:    statusMessage(resp, data),
			}

			if c.retryStatus[resp.StatusCode] {
				errorsTotal.WithLabelValues(string(ErrorClassRetryable)).Inc()
				lastStatus, lastMsg = resp.StatusCode, statusErr.Message
				statusErr.Retryable = true
				return &retryError{class: ErrorClassRetryable, err: statusErr}
			}

			errorsTotal.WithLabelValues(string(ErrorClassStatus)).Inc()
			c.logger.Warn().
				Str("endpoint", path).
				Int("status", resp.StatusCode).
				Msg("ChartMogul request failed with non-retryable status")
			return statusErr
		}

		decoded, err := decodeBody(data)
		if err != nil {
			errorsTotal.WithLabelValues(string(ErrorClassParse)).Inc()
			return &ParseError{Path: path, Err: err}
		}
		body = decoded
		return nil
	})

	if retryErr == nil {
		return body, nil
	}

	if errors.Is(retryErr, ErrRetryExhausted) {
		c.logger.Error().
			Str("endpoint", path).
			Int("attempts", attempts).
			Int("last_status", lastStatus).
			Msg("ChartMogul request failed after retries")

		if lastStatus != 0 {
			return nil, &HTTPStatusError{
				StatusCode: lastStatus,
				Path:       path,
				Attempts:   attempts,
				Retryable:  true,
				Message:    lastMsg,
			}
		}
		return nil, &TransportError{Path: path, Attempts: attempts, Err: lastNetErr}
	}

	return nil, retryErr
}

// Get performs a GET request.
func (c *Client) Get(ctx context.Context, path string, query url.Values) (Body, error) {
	return c.Send(ctx, http.MethodGet, path, query)
}

// endpointLabel keeps metric cardinality bounded: parent identifiers embedded
// in child paths are collapsed.
func endpointLabel(path string) string {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) >= 3 {
		return segments[0] + "/:id/" + strings.Join(segments[2:], "/")
	}
	return strings.Join(segments, "/")
}

func statusMessage(resp *http.Response, data []byte) string {
	msg := strings.TrimSpace(string(data))
	if len(msg) > 256 {
		msg = msg[:256]
	}
	if msg == "" {
		return resp.Status
	}
	return msg
}
