package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var ErrSessionGone = errors.New("long-polling session gone")

// LongPollingTransport is the HTTP fallback for networks that block
// websockets. Frames are fetched by a background poll loop and handed out by
// Receive in arrival order.
type LongPollingTransport struct {
	mu        sync.Mutex
	client    *http.Client
	baseURL   string
	sessionID string
	token     string
	headers   http.Header

	incoming chan []byte
	errs     chan error
	ctx      context.Context
	cancel   context.CancelFunc

	pollInterval time.Duration
	timeout      time.Duration
	maxFailures  int
	logger       zerolog.Logger
}

type LongPollingOption func(*LongPollingTransport)

func WithLongPollingHeaders(headers http.Header) LongPollingOption {
	return func(t *LongPollingTransport) {
		for k, v := range headers {
			t.headers[k] = v
		}
	}
}

// WithPollInterval is the pause between failed polls.
func WithPollInterval(interval time.Duration) LongPollingOption {
	return func(t *LongPollingTransport) {
		t.pollInterval = interval
	}
}

func WithTimeout(timeout time.Duration) LongPollingOption {
	return func(t *LongPollingTransport) {
		t.timeout = timeout
	}
}

// WithMaxPollFailures is how many consecutive failed polls are tolerated
// before Receive reports the connection as lost.
func WithMaxPollFailures(n int) LongPollingOption {
	return func(t *LongPollingTransport) {
		t.maxFailures = n
	}
}

func WithHTTPClient(c *http.Client) LongPollingOption {
	return func(t *LongPollingTransport) {
		t.client = c
	}
}

func WithLongPollingLogger(logger zerolog.Logger) LongPollingOption {
	return func(t *LongPollingTransport) {
		t.logger = logger
	}
}

func NewLongPollingTransport(baseURL string, opts ...LongPollingOption) *LongPollingTransport {
	t := &LongPollingTransport{
		client:       &http.Client{},
		baseURL:      baseURL,
		headers:      make(http.Header),
		pollInterval: 1 * time.Second,
		timeout:      35 * time.Second,
		maxFailures:  3,
		logger:       zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With().Str("component", "lp_transport").Logger()

	return t
}

func (t *LongPollingTransport) Connect(ctx context.Context, token string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sessionID != "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/connect", nil)
	if err != nil {
		return err
	}
	t.token = token
	t.decorate(req)

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("connect: %s", resp.Status)
	}

	var connectResp struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&connectResp); err != nil {
		return fmt.Errorf("decoding connect response: %w", err)
	}
	if connectResp.SessionID == "" {
		return errors.New("connect: empty session id")
	}

	// The poll loop outlives the dial context.
	pollCtx, cancel := context.WithCancel(context.Background())
	t.ctx, t.cancel = pollCtx, cancel
	t.sessionID = connectResp.SessionID
	t.incoming = make(chan []byte, 256)
	t.errs = make(chan error, 1)

	go t.poll(pollCtx, t.sessionID, t.incoming, t.errs)

	t.logger.Debug().Str("session", t.sessionID).Msg("Connected")
	return nil
}

func (t *LongPollingTransport) decorate(req *http.Request) {
	for k, values := range t.headers {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
}

func (t *LongPollingTransport) poll(ctx context.Context, sessionID string, incoming chan<- []byte, errs chan<- error) {
	failures := 0
	for {
		msgs, err := t.fetchMessages(ctx, sessionID)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			failures++
			if errors.Is(err, ErrSessionGone) || failures >= t.maxFailures {
				errs <- err
				return
			}
			t.logger.Debug().Err(err).Int("failures", failures).Msg("Poll failed")

			select {
			case <-ctx.Done():
				return
			case <-time.After(t.pollInterval):
			}
			continue
		}
		failures = 0

		for _, msg := range msgs {
			select {
			case incoming <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (t *LongPollingTransport) fetchMessages(ctx context.Context, sessionID string) ([][]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/poll?sessionId=%s", t.baseURL, url.QueryEscape(sessionID)), nil)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.decorate(req)
	t.mu.Unlock()

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusGone:
		return nil, ErrSessionGone
	default:
		return nil, fmt.Errorf("poll: %s", resp.Status)
	}

	var messages []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&messages); err != nil {
		return nil, fmt.Errorf("decoding poll response: %w", err)
	}

	result := make([][]byte, len(messages))
	for i, msg := range messages {
		result[i] = []byte(msg)
	}
	return result, nil
}

func (t *LongPollingTransport) Send(data []byte) error {
	t.mu.Lock()
	sessionID := t.sessionID
	ctx := t.ctx
	t.mu.Unlock()

	if sessionID == "" {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/send?sessionId=%s", t.baseURL, url.QueryEscape(sessionID)),
		bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	t.mu.Lock()
	t.decorate(req)
	t.mu.Unlock()

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("send: %s - %s", resp.Status, bytes.TrimSpace(body))
	}
	return nil
}

func (t *LongPollingTransport) Receive() ([]byte, error) {
	t.mu.Lock()
	ctx, incoming, errs := t.ctx, t.incoming, t.errs
	t.mu.Unlock()

	if incoming == nil {
		return nil, ErrNotConnected
	}

	select {
	case msg := <-incoming:
		return msg, nil
	case err := <-errs:
		return nil, err
	case <-ctx.Done():
		return nil, ErrClosed
	}
}

func (t *LongPollingTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sessionID == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/disconnect?sessionId=%s", t.baseURL, url.QueryEscape(t.sessionID)), nil)
	if err == nil {
		t.decorate(req)
		if resp, err := t.client.Do(req); err == nil {
			resp.Body.Close()
		}
	}

	t.cancel()
	t.sessionID = ""
	t.incoming = nil
	t.errs = nil

	return nil
}
