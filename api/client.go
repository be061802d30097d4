package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kleeedolinux/courier.go/auth"
	"github.com/rs/zerolog"
)

var ErrNotFound = errors.New("not found")

// StatusError is a non-2xx answer from the backend.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("api: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("api: %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

func (e *StatusError) retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Client reads orders and addresses from the REST backend.
type Client struct {
	baseURL    string
	http       *http.Client
	tokens     auth.TokenSource
	maxRetries int
	backoff    time.Duration
	maxBackoff time.Duration
	logger     zerolog.Logger
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.http = c
	}
}

// WithTokenSource attaches a bearer token to every request.
func WithTokenSource(src auth.TokenSource) Option {
	return func(c *Client) {
		c.tokens = src
	}
}

// WithMaxRetries bounds retries after the first attempt.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		c.maxRetries = n
	}
}

func WithBackoff(initial, maxDelay time.Duration) Option {
	return func(c *Client) {
		c.backoff = initial
		c.maxBackoff = maxDelay
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		http:       &http.Client{Timeout: 10 * time.Second},
		maxRetries: 3,
		backoff:    500 * time.Millisecond,
		maxBackoff: 5 * time.Second,
		logger:     zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.logger = c.logger.With().Str("component", "api").Logger()
	return c
}

func (c *Client) Order(ctx context.Context, orderID string) (*Order, error) {
	var order Order
	if err := c.get(ctx, "/api/orders/"+url.PathEscape(orderID), &order); err != nil {
		return nil, fmt.Errorf("fetching order %s: %w", orderID, err)
	}
	return &order, nil
}

func (c *Client) UserOrders(ctx context.Context, userID string) ([]Order, error) {
	var orders []Order
	if err := c.get(ctx, "/api/orders/user/"+url.PathEscape(userID), &orders); err != nil {
		return nil, fmt.Errorf("fetching orders of user %s: %w", userID, err)
	}
	return orders, nil
}

func (c *Client) Address(ctx context.Context, addressID string) (*Address, error) {
	var addr Address
	if err := c.get(ctx, "/api/addresses/"+url.PathEscape(addressID), &addr); err != nil {
		return nil, fmt.Errorf("fetching address %s: %w", addressID, err)
	}
	return &addr, nil
}

// get retries network failures, 429 and 5xx answers with doubling backoff.
func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	delay := c.backoff
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Debug().Str("path", path).Int("attempt", attempt).Dur("delay", delay).Err(lastErr).Msg("Retrying request")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > c.maxBackoff {
				delay = c.maxBackoff
			}
		}

		retry, err := c.do(ctx, path, out)
		if err == nil {
			return nil
		}
		lastErr = err

		if !retry {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	return lastErr
}

func (c *Client) do(ctx context.Context, path string, out interface{}) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "application/json")

	if c.tokens != nil {
		token, err := c.tokens.Token()
		if err != nil {
			return false, fmt.Errorf("reading token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return true, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		return statusErr.retryable(), statusErr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("decoding response: %w", err)
	}
	return false, nil
}
