// Package transport delivers submission payloads to the ingest endpoint on
// a best-effort basis.
//
// Send is a regular JSON POST authenticated with the X-API-Key header.
// SendFinal is used while the page is going away: it posts beacon style with
// the key in the query string and falls back to Send only for payloads small
// enough to ride a keepalive request.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/adtruth/server/internal/logging"
	"github.com/adtruth/server/internal/metrics"
)

// Defaults.
const (
	DefaultTimeout         = 5 * time.Second
	DefaultMaxPayloadBytes = 60 * 1024
	breakerName            = "ingest"
	breakerTripFailures    = 5
)

var (
	// ErrPayloadTooLarge is returned when a final payload cannot use the
	// keepalive fallback.
	ErrPayloadTooLarge = errors.New("payload exceeds keepalive limit")

	// ErrNoEndpoint is returned by New when no endpoint is configured.
	ErrNoEndpoint = errors.New("transport endpoint is required")
)

// Config configures a Client.
type Config struct {
	Endpoint        string
	APIKey          string
	Timeout         time.Duration
	MaxPayloadBytes int
}

// Client posts payloads to one endpoint through a circuit breaker.
type Client struct {
	endpoint  *url.URL
	beaconURL string
	apiKey    string
	timeout   time.Duration
	maxBytes  int
	http      *http.Client
	cb        *gobreaker.CircuitBreaker[interface{}]
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// New validates cfg and returns a Client.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, ErrNoEndpoint
	}
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("endpoint %q: unsupported scheme %q", cfg.Endpoint, u.Scheme)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = DefaultMaxPayloadBytes
	}

	beacon := *u
	q := beacon.Query()
	q.Set("apiKey", cfg.APIKey)
	beacon.RawQuery = q.Encode()

	c := &Client{
		endpoint:  u,
		beaconURL: beacon.String(),
		apiKey:    cfg.APIKey,
		timeout:   cfg.Timeout,
		maxBytes:  cfg.MaxPayloadBytes,
		http:      &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}

	metrics.CircuitBreakerState.WithLabelValues(breakerName).Set(0)
	c.cb = gobreaker.NewCircuitBreaker[interface{}](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerTripFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state transition")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
		},
	})
	return c, nil
}

// MaxPayloadBytes returns the keepalive payload limit.
func (c *Client) MaxPayloadBytes() int {
	return c.maxBytes
}

// Send posts payload as JSON with the X-API-Key header. Oversized payloads
// are logged and still attempted.
func (c *Client) Send(ctx context.Context, payload []byte) error {
	if len(payload) > c.maxBytes {
		logging.Warn().Int("bytes", len(payload)).Int("limit", c.maxBytes).Msg("payload exceeds keepalive limit, sending anyway")
	}
	return c.post(ctx, "post", c.endpoint.String(), payload, true)
}

// SendFinal posts payload beacon style. If that fails, it retries through
// Send when the payload fits under the keepalive limit; otherwise the beacon
// error is returned wrapped with ErrPayloadTooLarge.
func (c *Client) SendFinal(ctx context.Context, payload []byte) error {
	err := c.post(ctx, "beacon", c.beaconURL, payload, false)
	if err == nil {
		return nil
	}
	if len(payload) >= c.maxBytes {
		return fmt.Errorf("%w (%d bytes): %w", ErrPayloadTooLarge, len(payload), err)
	}
	logging.Debug().Err(err).Msg("beacon failed, falling back to post")
	return c.post(ctx, "post", c.endpoint.String(), payload, true)
}

func (c *Client) post(ctx context.Context, mode, target string, payload []byte, withKeyHeader bool) error {
	start := time.Now()
	defer func() {
		metrics.TransportRequestDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	}()

	_, err := c.cb.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if withKeyHeader {
			req.Header.Set("X-API-Key", c.apiKey)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", mode, c.endpoint.Host, err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, fmt.Errorf("%s %s: unexpected status %d", mode, c.endpoint.Host, resp.StatusCode)
		}
		return nil, nil
	})
	return err
}

func stateToFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
