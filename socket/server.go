package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kleeedolinux/courier.go/auth"
	"github.com/kleeedolinux/courier.go/socket/transport"
	"github.com/rs/zerolog"
)

// RoleAdmin may join any user's conversation and notification topics and
// publish over HTTP.
const RoleAdmin = "admin"

// CommandHandler observes client commands after the relay has processed them.
type CommandHandler func(p PeerInfo, data json.RawMessage)

// Server is the relay: clients connect over websocket or long polling, join
// topics, and receive every frame published to them stamped with a per-topic
// sequence number.
type Server struct {
	mu       sync.RWMutex
	peers    map[string]*peer
	handlers map[string][]CommandHandler
	sessions map[string]*LongPollingSession

	rooms    *RoomManager
	verifier *auth.Verifier
	logger   zerolog.Logger

	pingInterval       time.Duration
	sessionTimeout     time.Duration
	pollTimeout        time.Duration
	maxConcurrency     int
	slots              chan struct{}
	compressionEnabled bool
	bufferSize         int

	done     chan struct{}
	shutdown sync.Once
}

type LongPollingSession struct {
	ID        string
	Transport *transport.LongPollingServerTransport
	peer      *peer
}

type ServerOption func(*Server)

func WithPingInterval(d time.Duration) ServerOption {
	return func(s *Server) {
		s.pingInterval = d
	}
}

// WithSessionTimeout is how long a long-polling session may go without a poll.
func WithSessionTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.sessionTimeout = d
	}
}

func WithPollTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.pollTimeout = d
	}
}

// WithMaxConcurrency caps the number of live peers.
func WithMaxConcurrency(maxConcurrent int) ServerOption {
	return func(s *Server) {
		s.maxConcurrency = maxConcurrent
	}
}

func WithCompression(enabled bool) ServerOption {
	return func(s *Server) {
		s.compressionEnabled = enabled
	}
}

func WithBufferSize(size int) ServerOption {
	return func(s *Server) {
		s.bufferSize = size
	}
}

// WithVerifier makes the relay verify bearer tokens. Without one every token
// is accepted and its identity read unverified.
func WithVerifier(v *auth.Verifier) ServerOption {
	return func(s *Server) {
		s.verifier = v
	}
}

func WithServerLogger(logger zerolog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		peers:              make(map[string]*peer),
		handlers:           make(map[string][]CommandHandler),
		sessions:           make(map[string]*LongPollingSession),
		rooms:              NewRoomManager(),
		logger:             zerolog.Nop(),
		pingInterval:       25 * time.Second,
		sessionTimeout:     60 * time.Second,
		pollTimeout:        25 * time.Second,
		maxConcurrency:     1000,
		bufferSize:         256,
		compressionEnabled: false,
		done:               make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.logger = s.logger.With().Str("component", "relay").Logger()
	if s.sessionTimeout <= 0 {
		s.sessionTimeout = 60 * time.Second
	}
	if s.maxConcurrency > 0 {
		s.slots = make(chan struct{}, s.maxConcurrency)
	}

	go s.cleanupSessions()

	return s
}

func (s *Server) cleanupSessions() {
	ticker := time.NewTicker(s.sessionTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		var expired []*LongPollingSession
		for id, session := range s.sessions {
			if session.Transport.IsExpired() {
				delete(s.sessions, id)
				expired = append(expired, session)
			}
		}
		s.mu.Unlock()

		for _, session := range expired {
			s.logger.Debug().Str("session", session.ID).Msg("Long-polling session expired")
			s.dropPeer(session.peer)
		}
	}
}

// ServeHTTP routes websocket upgrades, the long-polling endpoints and
// POST .../publish.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		s.handleWebSocket(w, r)
		return
	}

	path := strings.TrimSuffix(r.URL.Path, "/")
	sessionID := r.URL.Query().Get("sessionId")

	switch {
	case strings.HasSuffix(path, "/connect"):
		s.handleLongPollingConnect(w, r)
	case strings.HasSuffix(path, "/poll"):
		s.handleLongPollingPoll(w, r, sessionID)
	case strings.HasSuffix(path, "/send"):
		s.handleLongPollingSend(w, r, sessionID)
	case strings.HasSuffix(path, "/disconnect"):
		s.handleLongPollingDisconnect(w, r, sessionID)
	case strings.HasSuffix(path, "/publish"):
		s.handlePublish(w, r)
	default:
		http.Error(w, "Unknown endpoint", http.StatusNotFound)
	}
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

// verify resolves token to claims. Without a verifier the identity is read
// unverified and a missing token is allowed.
func (s *Server) verify(token string) (auth.Claims, error) {
	if s.verifier == nil {
		claims := auth.Claims{Identity: auth.Identity(token)}
		return claims, nil
	}
	if token == "" {
		return auth.Claims{}, ErrUnauthorized
	}
	claims, err := s.verifier.Verify(token)
	if err != nil {
		return auth.Claims{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return claims, nil
}

func (s *Server) acquire() bool {
	if s.slots == nil {
		return true
	}
	select {
	case s.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Server) release() {
	if s.slots != nil {
		<-s.slots
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	var claims auth.Claims
	authenticated := false
	if token != "" || s.verifier == nil {
		c, err := s.verify(token)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		claims, authenticated = c, true
	}

	if !s.acquire() {
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}

	upgrader := transport.Upgrader
	upgrader.EnableCompression = s.compressionEnabled
	upgrader.ReadBufferSize = 4096
	upgrader.WriteBufferSize = 4096

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.release()
		s.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	id := generateID()
	cfg := transport.DefaultWebSocketServerConfig()
	cfg.BufferSize = s.bufferSize
	cfg.PingInterval = s.pingInterval
	cfg.Logger = s.logger

	p := newPeer(id, s, transport.NewWebSocketServerTransport(id, conn, cfg))
	if authenticated {
		p.authenticate(claims.Identity, claims.Role)
	}
	s.addPeer(p)

	go p.receiveLoop()
}

func (s *Server) handleLongPollingConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	claims, err := s.verify(bearerToken(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	if !s.acquire() {
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}

	sessionID := generateID()
	cfg := transport.DefaultLongPollingServerConfig()
	cfg.BufferSize = s.bufferSize
	cfg.DisconnectTimeout = s.sessionTimeout
	cfg.PollTimeout = s.pollTimeout
	lpTransport := transport.NewLongPollingServerTransport(sessionID, cfg)

	p := newPeer(sessionID, s, lpTransport)
	p.authenticate(claims.Identity, claims.Role)

	s.mu.Lock()
	s.sessions[sessionID] = &LongPollingSession{ID: sessionID, Transport: lpTransport, peer: p}
	s.mu.Unlock()
	s.addPeer(p)

	go p.receiveLoop()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"sessionId": sessionID})
}

func (s *Server) session(id string) (*LongPollingSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, exists := s.sessions[id]
	return session, exists
}

func (s *Server) handleLongPollingPoll(w http.ResponseWriter, r *http.Request, sessionID string) {
	session, exists := s.session(sessionID)
	if !exists {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	session.Transport.HandlePoll(w, r)
}

func (s *Server) handleLongPollingSend(w http.ResponseWriter, r *http.Request, sessionID string) {
	session, exists := s.session(sessionID)
	if !exists {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	session.Transport.HandleSend(w, r)
}

func (s *Server) handleLongPollingDisconnect(w http.ResponseWriter, _ *http.Request, sessionID string) {
	s.mu.Lock()
	session, exists := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()

	if exists {
		s.dropPeer(session.peer)
	}

	w.WriteHeader(http.StatusOK)
}

type publishRequest struct {
	Topic   string          `json:"topic"`
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type publishResponse struct {
	Seq       uint64 `json:"seq"`
	Delivered int    `json:"delivered"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.verifier != nil {
		claims, err := s.verify(bearerToken(r))
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		if claims.Role != RoleAdmin {
			http.Error(w, ErrForbidden.Error(), http.StatusForbidden)
			return
		}
	}

	var req publishRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	seq, delivered, err := s.PublishRaw(req.Topic, req.Type, req.Payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(publishResponse{Seq: seq, Delivered: delivered})
}

func (s *Server) addPeer(p *peer) {
	s.mu.Lock()
	s.peers[p.id] = p
	count := len(s.peers)
	s.mu.Unlock()

	s.logger.Debug().Str("peer", p.id).Str("identity", p.info().Identity).Int("peers", count).Msg("Peer connected")
}

func (s *Server) dropPeer(p *peer) {
	if p == nil {
		return
	}

	s.mu.Lock()
	_, exists := s.peers[p.id]
	delete(s.peers, p.id)
	delete(s.sessions, p.id)
	s.mu.Unlock()

	s.rooms.LeaveAllRooms(p.id)
	p.close()

	if exists {
		s.release()
		s.logger.Debug().Str("peer", p.id).Msg("Peer disconnected")
	}
}

// HandleFunc registers handler for client commands with action.
func (s *Server) HandleFunc(action string, handler CommandHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.handlers[action] = append(s.handlers[action], handler)
}

func (s *Server) handleCommand(p *peer, cmd inboundCommand) {
	if cmd.Action == "auth" {
		s.handleAuth(p, cmd)
		return
	}
	if !p.isAuthenticated() {
		s.logger.Warn().Str("peer", p.id).Str("action", cmd.Action).Msg("Command before auth, closing")
		s.dropPeer(p)
		return
	}

	var err error
	switch cmd.Action {
	case "join", "join-tracking", "join-conversation", "join-notifications":
		err = s.join(p, cmd.topic())
	case "leave", "leave-tracking", "leave-conversation", "leave-notifications":
		if topic := cmd.topic(); topic != "" {
			s.rooms.LeaveRoom(topic, p.id)
		}
	case "send-message":
		err = s.relayMessage(p, cmd)
	case "update-driver-location":
		err = s.relayDriverLocation(cmd)
	case "send-notification":
		err = s.relayNotification(p, cmd)
	default:
		s.mu.RLock()
		_, custom := s.handlers[cmd.Action]
		s.mu.RUnlock()
		if !custom {
			err = ErrUnknownCommand
		}
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("peer", p.id).Str("action", cmd.Action).Msg("Command rejected")
		return
	}

	s.mu.RLock()
	handlers := s.handlers[cmd.Action]
	s.mu.RUnlock()

	info := p.info()
	for _, handler := range handlers {
		handler(info, cmd.raw)
	}
}

func (s *Server) handleAuth(p *peer, cmd inboundCommand) {
	claims, err := s.verify(cmd.Token)
	if err != nil {
		s.logger.Warn().Err(err).Str("peer", p.id).Msg("Auth frame rejected")
		s.dropPeer(p)
		return
	}

	info := p.info()
	if p.isAuthenticated() && info.Identity != "" && claims.Identity != info.Identity {
		s.logger.Warn().Str("peer", p.id).Msg("Auth frame identity mismatch")
		s.dropPeer(p)
		return
	}
	p.authenticate(claims.Identity, claims.Role)
}

// join adds p to topic. Conversation and notification topics belong to one
// user; only that user or an admin may join them when tokens are verified.
func (s *Server) join(p *peer, topic string) error {
	ref, err := ParseTopic(topic)
	if err != nil {
		return err
	}

	if s.verifier != nil && (ref.Kind == TopicConversation || ref.Kind == TopicNotifications) {
		info := p.info()
		if info.Identity != ref.ID && info.Role != RoleAdmin {
			return fmt.Errorf("%w: %s", ErrForbidden, topic)
		}
	}

	if s.rooms.JoinRoom(ref.Name, p) {
		s.logger.Debug().Str("peer", p.id).Str("topic", ref.Name).Msg("Joined")
	}
	return nil
}

func (s *Server) relayMessage(p *peer, cmd inboundCommand) error {
	if cmd.UserID == "" || cmd.Text == "" {
		return errMissing("userId or text")
	}

	info := p.info()
	sender := cmd.SenderID
	if sender == "" {
		sender = info.Identity
	}
	if s.verifier != nil && info.Role != RoleAdmin {
		// Non-admins speak only as themselves, in their own conversation.
		if sender != info.Identity || cmd.UserID != info.Identity {
			return fmt.Errorf("%w: %s", ErrForbidden, ConversationTopic(cmd.UserID))
		}
	}
	msg := ChatMessage{
		ID:          cmd.ClientMessageID,
		SenderID:    sender,
		RecipientID: cmd.UserID,
		Text:        cmd.Text,
		SentAt:      time.Now().UTC(),
	}
	if msg.ID == "" {
		msg.ID = generateID()
	}

	topic := ConversationTopic(cmd.UserID)
	if info.Role == RoleAdmin {
		_, err := s.Publish(topic, EventAdminMessage, AdminMessage{ChatMessage: msg, AdminName: info.Identity})
		return err
	}
	_, err := s.Publish(topic, EventNewMessage, NewMessage{ChatMessage: msg})
	return err
}

func (s *Server) relayDriverLocation(cmd inboundCommand) error {
	if cmd.OrderID == "" || cmd.Location == nil {
		return errMissing("orderId or location")
	}
	_, err := s.Publish(OrderTopic(cmd.OrderID), EventDriverLocationUpdate, DriverLocationUpdate{
		OrderID:   cmd.OrderID,
		DriverID:  cmd.DriverID,
		Location:  *cmd.Location,
		Timestamp: time.Now().UTC(),
	})
	return err
}

func (s *Server) relayNotification(p *peer, cmd inboundCommand) error {
	if cmd.UserID == "" || cmd.Title == "" {
		return errMissing("userId or title")
	}
	if s.verifier != nil {
		info := p.info()
		if info.Role != RoleAdmin && info.Identity != cmd.UserID {
			return fmt.Errorf("%w: %s", ErrForbidden, NotificationsTopic(cmd.UserID))
		}
	}
	_, err := s.Publish(NotificationsTopic(cmd.UserID), EventNotification, GenericNotification{
		ID:    generateID(),
		Title: cmd.Title,
		Body:  cmd.Body,
		Kind:  cmd.Kind,
		Data:  cmd.Data,
	})
	return err
}

// Publish marshals payload and publishes it to topic. It returns the sequence
// number stamped on the frame.
func (s *Server) Publish(topic string, eventType EventType, payload interface{}) (uint64, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshaling %s payload: %w", eventType, err)
	}
	seq, _, err := s.PublishRaw(topic, eventType, raw)
	return seq, err
}

// PublishRaw publishes an already encoded payload. It returns the stamped
// sequence number and how many peers the frame was written to.
func (s *Server) PublishRaw(topic string, eventType EventType, payload json.RawMessage) (uint64, int, error) {
	f := Frame{Topic: topic, Type: eventType, Payload: payload}
	if err := f.validate(); err != nil {
		return 0, 0, &Error{Kind: MalformedFrame, Topic: topic, Action: string(eventType), Err: err}
	}

	seq, delivered := s.rooms.Publish(topic, f)
	s.logger.Debug().Str("topic", topic).Str("type", string(eventType)).Uint64("seq", seq).Int("delivered", delivered).Msg("Published")
	return seq, delivered, nil
}

func (s *Server) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.peers)
}

func (s *Server) Rooms() []string {
	return s.rooms.GetRooms()
}

func (s *Server) RoomsOf(peerID string) []string {
	return s.rooms.GetPeerRooms(peerID)
}

// Subscribers reports how many peers have joined topic.
func (s *Server) Subscribers(topic string) int {
	if !s.rooms.HasRoom(topic) {
		return 0
	}
	return s.rooms.GetRoom(topic).Count()
}

// Peers lists the connected peers.
func (s *Server) Peers() []PeerInfo {
	s.mu.RLock()
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.RUnlock()

	infos := make([]PeerInfo, len(peers))
	for i, p := range peers {
		infos[i] = p.info()
	}
	return infos
}

// Shutdown closes every peer and stops session cleanup.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() { close(s.done) })

	s.mu.RLock()
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.RUnlock()

	var errs []error
	for _, p := range peers {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		s.dropPeer(p)
	}

	return errors.Join(errs...)
}
