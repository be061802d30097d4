package socket

import (
	"encoding/json"
	"sync"

	"github.com/kleeedolinux/courier.go/socket/transport"
	"github.com/rs/zerolog"
)

// PeerInfo describes a relay connection to command handlers.
type PeerInfo struct {
	ID       string
	Identity string
	Role     string
}

// peer is the relay side of one client connection.
type peer struct {
	id        string
	server    *Server
	transport transport.ServerTransport
	logger    zerolog.Logger

	mu            sync.RWMutex
	identity      string
	role          string
	authenticated bool
	connected     bool
}

func newPeer(id string, s *Server, t transport.ServerTransport) *peer {
	return &peer{
		id:        id,
		server:    s,
		transport: t,
		connected: true,
		logger:    s.logger.With().Str("peer", id).Logger(),
	}
}

func (p *peer) receiveLoop() {
	for {
		data, err := p.transport.Read()
		if err != nil {
			p.logger.Debug().Err(err).Msg("Read ended")
			p.server.dropPeer(p)
			return
		}

		var cmd inboundCommand
		if err := json.Unmarshal(data, &cmd); err != nil || cmd.Action == "" {
			p.logger.Warn().Err(err).Msg("Dropping malformed command")
			continue
		}
		cmd.raw = data

		p.server.handleCommand(p, cmd)
	}
}

func (p *peer) info() PeerInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return PeerInfo{ID: p.id, Identity: p.identity, Role: p.role}
}

func (p *peer) authenticate(identity, role string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.identity = identity
	p.role = role
	p.authenticated = true
}

func (p *peer) isAuthenticated() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.authenticated
}

func (p *peer) send(f Frame) error {
	p.mu.RLock()
	connected := p.connected
	p.mu.RUnlock()

	if !connected {
		return ErrConnectionClosed
	}

	data, err := json.Marshal(f)
	if err != nil {
		return err
	}

	if err := p.transport.Write(data); err != nil {
		p.logger.Debug().Err(err).Str("topic", f.Topic).Msg("Write failed")
		return err
	}
	return nil
}

func (p *peer) close() error {
	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return nil
	}
	p.connected = false
	p.mu.Unlock()

	return p.transport.Close()
}

func (p *peer) isConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

// inboundCommand is every field a client command may carry.
type inboundCommand struct {
	Action          string                 `json:"action"`
	Topic           string                 `json:"topic,omitempty"`
	Token           string                 `json:"token,omitempty"`
	OrderID         string                 `json:"orderId,omitempty"`
	UserID          string                 `json:"userId,omitempty"`
	DriverID        string                 `json:"driverId,omitempty"`
	SenderID        string                 `json:"senderId,omitempty"`
	Text            string                 `json:"text,omitempty"`
	ClientMessageID string                 `json:"clientMessageId,omitempty"`
	Location        *Location              `json:"location,omitempty"`
	Title           string                 `json:"title,omitempty"`
	Body            string                 `json:"body,omitempty"`
	Kind            string                 `json:"kind,omitempty"`
	Data            map[string]interface{} `json:"data,omitempty"`

	raw []byte
}

// topic resolves the topic a join or leave refers to. Older clients send only
// the id field.
func (c inboundCommand) topic() string {
	if c.Topic != "" {
		return c.Topic
	}
	switch c.Action {
	case "join-tracking", "leave-tracking":
		if c.OrderID != "" {
			return OrderTopic(c.OrderID)
		}
	case "join-conversation", "leave-conversation":
		if c.UserID != "" {
			return ConversationTopic(c.UserID)
		}
	case "join-notifications", "leave-notifications":
		if c.UserID != "" {
			return NotificationsTopic(c.UserID)
		}
	}
	return ""
}
