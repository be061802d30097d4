package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var (
	ErrNotConnected = errors.New("transport not connected")
	ErrClosed       = errors.New("transport closed")
)

// authFrame is sent right after the handshake for servers that do not read
// the Authorization header.
type authFrame struct {
	Action string `json:"action"`
	Token  string `json:"token"`
}

type WebSocketTransport struct {
	mu           sync.Mutex
	writeMu      sync.Mutex
	conn         *websocket.Conn
	stop         chan struct{}
	url          string
	dialer       *websocket.Dialer
	headers      http.Header
	readTimeout  time.Duration
	writeTimeout time.Duration
	pingInterval time.Duration
	compression  bool
	sendAuth     bool
	logger       zerolog.Logger
}

type WebSocketOption func(*WebSocketTransport)

func WithHeaders(headers http.Header) WebSocketOption {
	return func(t *WebSocketTransport) {
		for k, v := range headers {
			t.headers[k] = v
		}
	}
}

func WithReadTimeout(timeout time.Duration) WebSocketOption {
	return func(t *WebSocketTransport) {
		t.readTimeout = timeout
	}
}

func WithWriteTimeout(timeout time.Duration) WebSocketOption {
	return func(t *WebSocketTransport) {
		t.writeTimeout = timeout
	}
}

// WithPingInterval sets how often a ping is written. It must be shorter than
// the read timeout or idle connections are dropped.
func WithPingInterval(interval time.Duration) WebSocketOption {
	return func(t *WebSocketTransport) {
		t.pingInterval = interval
	}
}

func WithCompression(enabled bool) WebSocketOption {
	return func(t *WebSocketTransport) {
		t.compression = enabled
	}
}

// WithAuthFrame controls whether the auth frame follows the handshake.
func WithAuthFrame(enabled bool) WebSocketOption {
	return func(t *WebSocketTransport) {
		t.sendAuth = enabled
	}
}

func WithDialer(d *websocket.Dialer) WebSocketOption {
	return func(t *WebSocketTransport) {
		t.dialer = d
	}
}

func WithLogger(logger zerolog.Logger) WebSocketOption {
	return func(t *WebSocketTransport) {
		t.logger = logger
	}
}

func NewWebSocketTransport(url string, opts ...WebSocketOption) *WebSocketTransport {
	t := &WebSocketTransport{
		url:          url,
		dialer:       websocket.DefaultDialer,
		headers:      make(http.Header),
		readTimeout:  60 * time.Second,
		writeTimeout: 10 * time.Second,
		pingInterval: 25 * time.Second,
		sendAuth:     true,
		logger:       zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With().Str("component", "ws_transport").Logger()

	return t
}

func (t *WebSocketTransport) Connect(ctx context.Context, token string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		return nil
	}

	t.logger.Debug().Str("url", t.url).Msg("Connecting")

	dialer := *t.dialer
	if dialer.HandshakeTimeout == 0 {
		dialer.HandshakeTimeout = 10 * time.Second
	}
	if t.compression {
		dialer.EnableCompression = true
	}

	headers := t.headers.Clone()
	if token != "" {
		headers.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := dialer.DialContext(ctx, t.url, headers)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		t.logger.Debug().Err(err).Msg("Connection failed")
		return err
	}

	if t.sendAuth && token != "" {
		data, _ := json.Marshal(authFrame{Action: "auth", Token: token})
		if t.writeTimeout > 0 {
			conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			conn.Close()
			return fmt.Errorf("sending auth frame: %w", err)
		}
	}

	if t.readTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(t.readTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(t.readTimeout))
		})
	}

	t.conn = conn
	t.stop = make(chan struct{})
	if t.pingInterval > 0 {
		go t.keepalive(conn, t.stop)
	}

	t.logger.Debug().Msg("Connected")
	return nil
}

func (t *WebSocketTransport) keepalive(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(t.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.writeTimeout))
			t.writeMu.Unlock()
			if err != nil {
				t.logger.Debug().Err(err).Msg("Ping failed")
				return
			}
		}
	}
}

func (t *WebSocketTransport) current() *websocket.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

func (t *WebSocketTransport) Send(data []byte) error {
	conn := t.current()
	if conn == nil {
		return ErrNotConnected
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.writeTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
			return err
		}
	}

	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.logger.Debug().Err(err).Msg("Send failed")
		return err
	}
	return nil
}

// Receive blocks for the next text frame. Reads after the read timeout without
// any frame or pong fail, which the client treats as a dropped connection.
func (t *WebSocketTransport) Receive() ([]byte, error) {
	conn := t.current()
	if conn == nil {
		return nil, ErrNotConnected
	}

	for {
		msgType, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil, ErrClosed
			}
			return nil, err
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		if t.readTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(t.readTimeout))
		}
		return message, nil
	}
}

func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	stop := t.stop
	t.conn = nil
	t.stop = nil
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	close(stop)

	t.logger.Debug().Msg("Closing connection")

	t.writeMu.Lock()
	err := conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	t.writeMu.Unlock()
	if err != nil {
		t.logger.Debug().Err(err).Msg("Close frame not sent")
	}

	return conn.Close()
}
