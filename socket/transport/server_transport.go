package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var ErrSendBufferFull = errors.New("send buffer full")

// ServerTransport is the relay side of one client connection.
type ServerTransport interface {
	Read() ([]byte, error)

	Write([]byte) error

	Close() error

	ID() string
}

type WebSocketServerTransport struct {
	id           string
	conn         *websocket.Conn
	sendCh       chan []byte
	closeCh      chan struct{}
	writeWg      sync.WaitGroup
	writeTimeout time.Duration
	readTimeout  time.Duration
	pingInterval time.Duration
	mu           sync.Mutex
	closed       bool
	logger       zerolog.Logger
}

type WebSocketServerConfig struct {
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	PingInterval time.Duration
	BufferSize   int
	Logger       zerolog.Logger
}

func DefaultWebSocketServerConfig() WebSocketServerConfig {
	return WebSocketServerConfig{
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  60 * time.Second,
		PingInterval: 25 * time.Second,
		BufferSize:   256,
		Logger:       zerolog.Nop(),
	}
}

func NewWebSocketServerTransport(id string, conn *websocket.Conn, config WebSocketServerConfig) *WebSocketServerTransport {
	t := &WebSocketServerTransport{
		id:           id,
		conn:         conn,
		sendCh:       make(chan []byte, config.BufferSize),
		closeCh:      make(chan struct{}),
		writeTimeout: config.WriteTimeout,
		readTimeout:  config.ReadTimeout,
		pingInterval: config.PingInterval,
		logger:       config.Logger.With().Str("component", "ws_server_transport").Str("peer", id).Logger(),
	}

	if t.readTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(t.readTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(t.readTimeout))
		})
	}

	t.writeWg.Add(1)
	go t.writePump()

	return t
}

func (t *WebSocketServerTransport) writePump() {
	defer t.writeWg.Done()

	var ping <-chan time.Time
	if t.pingInterval > 0 {
		ticker := time.NewTicker(t.pingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-t.closeCh:
			return
		case <-ping:
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.writeTimeout)); err != nil {
				go t.Close()
				return
			}
		case message := <-t.sendCh:
			if t.writeTimeout > 0 {
				t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
			}
			if err := t.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				t.logger.Debug().Err(err).Msg("Write failed")
				go t.Close()
				return
			}
		}
	}
}

func (t *WebSocketServerTransport) Read() ([]byte, error) {
	for {
		msgType, message, err := t.conn.ReadMessage()
		if err != nil {
			t.Close()
			return nil, err
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		if t.readTimeout > 0 {
			t.conn.SetReadDeadline(time.Now().Add(t.readTimeout))
		}
		return message, nil
	}
}

// Write queues data for the write pump. A slow client that lets the buffer
// fill up is disconnected.
func (t *WebSocketServerTransport) Write(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}

	select {
	case t.sendCh <- data:
		return nil
	default:
		t.logger.Warn().Msg("Send buffer full, closing connection")
		go t.Close()
		return ErrSendBufferFull
	}
}

func (t *WebSocketServerTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}

	t.closed = true
	close(t.closeCh)
	t.mu.Unlock()

	t.writeWg.Wait()

	t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)

	return t.conn.Close()
}

func (t *WebSocketServerTransport) ID() string {
	return t.id
}

// LongPollingServerTransport buffers outbound frames until the client polls.
// A poll with nothing pending is held open until a frame arrives or the poll
// timeout passes.
type LongPollingServerTransport struct {
	id                string
	pendingMessages   []json.RawMessage
	incomingMessages  chan []byte
	notify            chan struct{}
	closeCh           chan struct{}
	mu                sync.Mutex
	lastActivity      time.Time
	closed            bool
	disconnectTimeout time.Duration
	pollTimeout       time.Duration
	bufferSize        int
}

type LongPollingServerConfig struct {
	DisconnectTimeout time.Duration
	PollTimeout       time.Duration
	BufferSize        int
}

func DefaultLongPollingServerConfig() LongPollingServerConfig {
	return LongPollingServerConfig{
		DisconnectTimeout: 60 * time.Second,
		PollTimeout:       25 * time.Second,
		BufferSize:        256,
	}
}

func NewLongPollingServerTransport(id string, config LongPollingServerConfig) *LongPollingServerTransport {
	return &LongPollingServerTransport{
		id:                id,
		incomingMessages:  make(chan []byte, config.BufferSize),
		notify:            make(chan struct{}, 1),
		closeCh:           make(chan struct{}),
		lastActivity:      time.Now(),
		disconnectTimeout: config.DisconnectTimeout,
		pollTimeout:       config.PollTimeout,
		bufferSize:        config.BufferSize,
	}
}

func (t *LongPollingServerTransport) Read() ([]byte, error) {
	select {
	case msg := <-t.incomingMessages:
		return msg, nil
	case <-t.closeCh:
		return nil, ErrClosed
	}
}

func (t *LongPollingServerTransport) Write(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	if t.bufferSize > 0 && len(t.pendingMessages) >= t.bufferSize {
		return ErrSendBufferFull
	}

	t.pendingMessages = append(t.pendingMessages, json.RawMessage(data))
	select {
	case t.notify <- struct{}{}:
	default:
	}
	return nil
}

func (t *LongPollingServerTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	close(t.closeCh)
	return nil
}

func (t *LongPollingServerTransport) ID() string {
	return t.id
}

func (t *LongPollingServerTransport) take() ([]json.RawMessage, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, false
	}
	t.lastActivity = time.Now()
	messages := t.pendingMessages
	t.pendingMessages = nil
	return messages, true
}

func (t *LongPollingServerTransport) HandlePoll(w http.ResponseWriter, r *http.Request) {
	messages, ok := t.take()
	if !ok {
		http.Error(w, "Session closed", http.StatusGone)
		return
	}

	if len(messages) == 0 && t.pollTimeout > 0 {
		timer := time.NewTimer(t.pollTimeout)
		select {
		case <-t.notify:
		case <-timer.C:
		case <-t.closeCh:
		case <-r.Context().Done():
		}
		timer.Stop()

		if messages, ok = t.take(); !ok {
			http.Error(w, "Session closed", http.StatusGone)
			return
		}
	}

	if messages == nil {
		messages = []json.RawMessage{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(messages)
}

func (t *LongPollingServerTransport) HandleSend(w http.ResponseWriter, r *http.Request) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		http.Error(w, "Session closed", http.StatusGone)
		return
	}
	t.lastActivity = time.Now()
	t.mu.Unlock()

	defer r.Body.Close()

	data, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	select {
	case t.incomingMessages <- data:
		w.WriteHeader(http.StatusOK)
	default:
		http.Error(w, "Message queue full", http.StatusServiceUnavailable)
	}
}

func (t *LongPollingServerTransport) IsExpired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return true
	}

	return time.Since(t.lastActivity) > t.disconnectTimeout
}

var Upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}
