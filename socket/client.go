package socket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/kleeedolinux/courier.go/auth"
	"github.com/rs/zerolog"
)

// Client is the connection manager. It owns one transport connection for one
// identity, the topic registry, the event router and the outbound queue. UI
// code only calls Subscribe, Release and Enqueue.
type Client struct {
	mu        sync.Mutex
	connectMu sync.Mutex
	linkMu    sync.Mutex
	subMu     sync.Mutex
	flushMu   sync.Mutex

	id        string
	transport Transport
	registry  *registry
	router    *router
	queue     *commandQueue

	state      State
	conn       *Connection
	gen        uint64
	epoch      uint64
	sessionCtx context.Context
	session    context.CancelFunc
	retries    int
	reconnects int
	lastErr    error

	foreground bool
	resumeCh   chan struct{}

	listeners     []*stateListener
	pendingStates []State
	emitting      bool

	flushCh chan struct{}

	reconnectDelay     time.Duration
	maxReconnectDelay  time.Duration
	reconnectAttempts  int
	connectTimeout     time.Duration
	queueCapacity      int
	maxCommandAttempts int
	identity           IdentityResolver
	onError            func(error)
	logger             zerolog.Logger
}

type Transport interface {
	Connect(ctx context.Context, token string) error
	Send(data []byte) error
	Receive() ([]byte, error)
	Close() error
}

// IdentityResolver maps a bearer token to the identity it authenticates.
type IdentityResolver func(token string) (string, error)

// Connection is the handle for one authenticated identity.
type Connection struct {
	id        string
	token     string
	identity  string
	createdAt time.Time
}

func (c *Connection) ID() string           { return c.id }
func (c *Connection) Identity() string     { return c.identity }
func (c *Connection) Token() string        { return c.token }
func (c *Connection) CreatedAt() time.Time { return c.createdAt }

type Stats struct {
	State      State
	Identity   string
	Retries    int
	Reconnects int
	LastError  error
	Queued     int
	Topics     int
}

type stateListener struct {
	fn func(State)
}

type ClientOption func(*Client)

func WithReconnectDelay(d time.Duration) ClientOption {
	return func(c *Client) {
		c.reconnectDelay = d
	}
}

func WithMaxReconnectDelay(d time.Duration) ClientOption {
	return func(c *Client) {
		c.maxReconnectDelay = d
	}
}

// WithReconnectAttempts bounds the reconnect loop. Zero or less retries for as
// long as the app is in the foreground.
func WithReconnectAttempts(attempts int) ClientOption {
	return func(c *Client) {
		c.reconnectAttempts = attempts
	}
}

func WithConnectTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.connectTimeout = d
	}
}

func WithQueueCapacity(n int) ClientOption {
	return func(c *Client) {
		c.queueCapacity = n
	}
}

func WithMaxCommandAttempts(n int) ClientOption {
	return func(c *Client) {
		c.maxCommandAttempts = n
	}
}

func WithIdentityResolver(r IdentityResolver) ClientOption {
	return func(c *Client) {
		c.identity = r
	}
}

// WithErrorHandler receives every reportable failure: ConnectionFailed on
// reconnect attempts, CommandAbandoned, MalformedFrame and HandlerError.
func WithErrorHandler(fn func(error)) ClientOption {
	return func(c *Client) {
		c.onError = fn
	}
}

func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

func NewClient(transport Transport, opts ...ClientOption) *Client {
	client := &Client{
		id:                 generateID(),
		transport:          transport,
		registry:           newRegistry(),
		state:              StateDisconnected,
		foreground:         true,
		resumeCh:           make(chan struct{}),
		flushCh:            make(chan struct{}, 1),
		reconnectDelay:     1 * time.Second,
		maxReconnectDelay:  30 * time.Second,
		reconnectAttempts:  0,
		connectTimeout:     10 * time.Second,
		queueCapacity:      256,
		maxCommandAttempts: 3,
		identity: func(token string) (string, error) {
			return auth.Identity(token), nil
		},
		logger: zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(client)
	}

	client.logger = client.logger.With().Str("component", "client").Str("client", client.id).Logger()
	client.queue = newCommandQueue(client.queueCapacity, client.maxCommandAttempts)
	client.router = newRouter(client.registry, client.logger, client.report)

	return client
}

func (c *Client) ID() string {
	return c.id
}

// Connect authenticates the transport with token. It is idempotent: while a
// connection for the same token exists (connecting, connected or
// reconnecting) the existing handle is returned. A different token tears the
// previous connection down first; its pending commands are rejected and its
// topics are re-joined under the new identity.
//
// A failed handshake returns an error of kind ConnectionFailed and leaves the
// client retrying in the background until Disconnect is called.
func (c *Client) Connect(ctx context.Context, token string) (*Connection, error) {
	if token == "" {
		return nil, &Error{Kind: ConnectionFailed, Err: errMissing("token")}
	}

	conn, err := c.connect(ctx, token)
	c.drainStates()
	return conn, err
}

func (c *Client) connect(ctx context.Context, token string) (*Connection, error) {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	if c.conn != nil && c.conn.token == token && c.state != StateDisconnected {
		conn := c.conn
		c.mu.Unlock()
		return conn, nil
	}
	replacing := c.conn != nil && c.conn.token != token
	c.mu.Unlock()

	identity, err := c.identity(token)
	if err != nil {
		return nil, &Error{Kind: ConnectionFailed, Err: err}
	}

	c.endSession()
	if replacing {
		c.logger.Info().Str("identity", identity).Msg("Identity changed, replacing connection")
		c.queue.rejectAll(fmt.Errorf("identity changed: %w", ErrNotConnected))
	}

	conn := &Connection{
		id:        generateID(),
		token:     token,
		identity:  identity,
		createdAt: time.Now(),
	}

	c.mu.Lock()
	c.gen++
	gen := c.gen
	sessionCtx, cancel := context.WithCancel(context.Background())
	c.sessionCtx, c.session = sessionCtx, cancel
	c.conn = conn
	c.retries = 0
	c.lastErr = nil
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	go c.sendLoop(sessionCtx)

	c.logger.Debug().Str("identity", identity).Msg("Connecting")

	dialCtx, dialCancel := context.WithTimeout(ctx, c.connectTimeout)
	defer dialCancel()
	stop := context.AfterFunc(sessionCtx, dialCancel)
	defer stop()

	c.linkMu.Lock()
	err = c.transport.Connect(dialCtx, token)
	if err == nil {
		c.connected(sessionCtx, gen)
	}
	c.linkMu.Unlock()

	if err != nil {
		cerr := &Error{Kind: ConnectionFailed, Err: err}
		c.logger.Warn().Err(err).Msg("Connection failed")

		c.mu.Lock()
		if gen == c.gen {
			c.lastErr = cerr
			c.setStateLocked(StateDisconnected)
		}
		c.mu.Unlock()

		if sessionCtx.Err() == nil {
			go c.reconnect(sessionCtx, gen)
		}
		return conn, cerr
	}

	return conn, nil
}

// Disconnect closes the transport, stops reconnecting, forgets every topic and
// rejects pending commands with ErrDisconnected.
func (c *Client) Disconnect() error {
	// Cancelling the session first aborts a handshake that holds connectMu.
	c.mu.Lock()
	if c.session != nil {
		c.session()
	}
	c.mu.Unlock()

	c.connectMu.Lock()
	err := c.endSession()

	c.subMu.Lock()
	c.registry.reset()
	c.subMu.Unlock()

	c.queue.rejectAll(ErrNotConnected)
	c.connectMu.Unlock()

	c.logger.Debug().Msg("Disconnected")
	c.drainStates()
	return err
}

func (c *Client) Close() error {
	return c.Disconnect()
}

func (c *Client) endSession() error {
	c.mu.Lock()
	c.gen++
	c.epoch++
	cancel := c.session
	c.session = nil
	c.sessionCtx = nil
	c.conn = nil
	c.retries = 0
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	c.linkMu.Lock()
	err := c.transport.Close()
	c.linkMu.Unlock()

	return err
}

// connected is called with linkMu held after a successful handshake. The
// caller drains state notifications once linkMu is released.
//
// subMu is held across the rejoin and the state change so a Subscribe racing
// the handshake either lands in the rejoin batch or queues its own join after
// it, never both.
func (c *Client) connected(ctx context.Context, gen uint64) {
	c.subMu.Lock()
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		c.subMu.Unlock()
		return
	}
	c.queue.rejoin(c.registry.topicNames())
	c.epoch++
	epoch := c.epoch
	c.retries = 0
	c.lastErr = nil
	c.setStateLocked(StateConnected)
	c.mu.Unlock()
	c.subMu.Unlock()

	c.logger.Info().Msg("Connected")

	go c.receiveLoop(ctx, gen, epoch)
	c.signalFlush()
}

func (c *Client) receiveLoop(ctx context.Context, gen, epoch uint64) {
	for {
		data, err := c.transport.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.handleDisconnect(gen, epoch, err)
			return
		}

		if !c.current(gen, epoch) {
			return
		}

		c.router.route(data)
	}
}

func (c *Client) sendLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.flushCh:
			c.flush()
		}
	}
}

func (c *Client) flush() {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	gen, epoch := c.gen, c.epoch
	c.mu.Unlock()

	for c.current(gen, epoch) {
		item := c.queue.next()
		if item == nil {
			return
		}

		data, err := json.Marshal(item.cmd)
		if err != nil {
			c.queue.drop(item)
			c.abandon(item, err)
			continue
		}

		if err := c.transport.Send(data); err != nil {
			if c.queue.fail(item) {
				c.abandon(item, err)
			}
			c.handleDisconnect(gen, epoch, err)
			return
		}

		c.queue.done(item)
		c.logger.Debug().Str("action", item.cmd.Action()).Str("topic", item.cmd.Topic()).Msg("Command sent")
	}
}

func (c *Client) abandon(item *queuedCommand, cause error) {
	err := &Error{Kind: CommandAbandoned, Topic: item.cmd.Topic(), Action: item.cmd.Action(), Err: cause}
	c.logger.Warn().Err(cause).Str("action", item.cmd.Action()).Int("attempts", item.attempts).Msg("Abandoning command")
	item.token.complete(err)
	c.report(err)
}

func (c *Client) handleDisconnect(gen, epoch uint64, cause error) {
	c.mu.Lock()
	if gen != c.gen || epoch != c.epoch || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	c.lastErr = cause
	c.setStateLocked(StateReconnecting)
	ctx := c.sessionCtx
	c.mu.Unlock()
	c.drainStates()

	c.logger.Warn().Err(cause).Msg("Connection lost")

	c.linkMu.Lock()
	c.transport.Close()
	c.linkMu.Unlock()

	go c.reconnect(ctx, gen)
}

func (c *Client) reconnect(ctx context.Context, gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(StateReconnecting)
	c.mu.Unlock()
	c.drainStates()

	delay := c.reconnectDelay
	attempts := 0

	for c.reconnectAttempts <= 0 || attempts < c.reconnectAttempts {
		if !c.waitForeground(ctx) {
			return
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		c.mu.Lock()
		if gen != c.gen || c.conn == nil {
			c.mu.Unlock()
			return
		}
		c.retries++
		token := c.conn.token
		c.mu.Unlock()

		dialCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
		c.linkMu.Lock()
		if !c.currentSession(gen) {
			c.linkMu.Unlock()
			cancel()
			return
		}
		err := c.transport.Connect(dialCtx, token)
		if err == nil {
			c.mu.Lock()
			c.reconnects++
			c.mu.Unlock()
			c.connected(ctx, gen)
		}
		c.linkMu.Unlock()
		cancel()

		if err == nil {
			c.drainStates()
			return
		}

		cerr := &Error{Kind: ConnectionFailed, Err: err}
		c.mu.Lock()
		c.lastErr = cerr
		c.mu.Unlock()
		c.logger.Debug().Err(err).Int("attempt", attempts+1).Dur("delay", delay).Msg("Reconnect failed")
		c.report(cerr)

		attempts++
		delay *= 2
		if delay > c.maxReconnectDelay {
			delay = c.maxReconnectDelay
		}
	}

	c.logger.Warn().Int("attempts", attempts).Msg("Giving up reconnecting")
	c.mu.Lock()
	if gen == c.gen {
		c.setStateLocked(StateDisconnected)
	}
	c.mu.Unlock()
	c.drainStates()
}

// SetForeground pauses reconnect attempts while the app is in the background
// and resumes them when it returns.
func (c *Client) SetForeground(active bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.foreground == active {
		return
	}
	c.foreground = active
	if active {
		close(c.resumeCh)
		c.resumeCh = make(chan struct{})
	}
}

func (c *Client) waitForeground(ctx context.Context) bool {
	for {
		c.mu.Lock()
		if c.foreground {
			c.mu.Unlock()
			return true
		}
		resume := c.resumeCh
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return false
		case <-resume:
		}
	}
}

// Subscribe registers handler for topic. The first subscriber of a topic
// causes a JoinTopic to be sent. Subscribing while disconnected is allowed:
// the topic is joined once a connection is up.
func (c *Client) Subscribe(topic string, handler Handler) (*Subscription, error) {
	if _, err := ParseTopic(topic); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, ErrNilHandler
	}

	sub := &Subscription{
		id:      generateID(),
		topic:   topic,
		handler: handler,
		client:  c,
	}

	c.subMu.Lock()
	first := c.registry.add(sub)
	if first {
		c.queue.push(JoinTopic{Name: topic})
	}
	c.subMu.Unlock()

	if first {
		c.logger.Debug().Str("topic", topic).Msg("Joining topic")
		c.signalFlush()
	}
	return sub, nil
}

// Unsubscribe releases sub. The last subscriber of a topic causes a LeaveTopic
// to be sent.
func (c *Client) Unsubscribe(sub *Subscription) {
	if sub == nil || sub.client != c {
		return
	}

	c.subMu.Lock()
	_, last := c.registry.remove(sub)
	if last {
		c.queue.push(LeaveTopic{Name: sub.topic})
	}
	c.subMu.Unlock()

	if last {
		c.logger.Debug().Str("topic", sub.topic).Msg("Leaving topic")
		c.signalFlush()
	}
}

// Enqueue submits cmd without blocking. The returned token completes when the
// command is written, abandoned, or rejected.
func (c *Client) Enqueue(cmd Command) Token {
	if cmd == nil {
		return completedToken(&Error{Kind: CommandAbandoned, Err: ErrUnknownCommand})
	}

	tok := c.queue.push(cmd)
	if err := tok.Error(); err != nil {
		c.logger.Warn().Err(err).Str("action", cmd.Action()).Msg("Command rejected")
		return tok
	}

	c.signalFlush()
	return tok
}

func (c *Client) signalFlush() {
	select {
	case c.flushCh <- struct{}{}:
	default:
	}
}

// OnStateChange registers fn for connection state changes. The returned func
// removes it.
func (c *Client) OnStateChange(fn func(State)) func() {
	l := &stateListener{fn: fn}

	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, existing := range c.listeners {
			if existing == l {
				c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
				return
			}
		}
	}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// Connection returns the current handle, or nil when disconnected.
func (c *Client) Connection() *Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) Topics() []string {
	return c.registry.topicNames()
}

func (c *Client) Stats() Stats {
	c.mu.Lock()
	s := Stats{
		State:      c.state,
		Retries:    c.retries,
		Reconnects: c.reconnects,
		LastError:  c.lastErr,
	}
	if c.conn != nil {
		s.Identity = c.conn.identity
	}
	c.mu.Unlock()

	s.Queued = c.queue.len()
	s.Topics = len(c.registry.topicNames())
	return s
}

func (c *Client) current(gen, epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.gen && epoch == c.epoch
}

func (c *Client) currentSession(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.gen
}

func (c *Client) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	c.pendingStates = append(c.pendingStates, s)
}

// drainStates delivers queued state changes in order. Only one goroutine emits
// at a time, so listeners may call back into the client.
func (c *Client) drainStates() {
	c.mu.Lock()
	if c.emitting {
		c.mu.Unlock()
		return
	}
	c.emitting = true
	for len(c.pendingStates) > 0 {
		s := c.pendingStates[0]
		c.pendingStates = c.pendingStates[1:]
		listeners := make([]*stateListener, len(c.listeners))
		copy(listeners, c.listeners)
		c.mu.Unlock()

		for _, l := range listeners {
			c.notify(l, s)
		}

		c.mu.Lock()
	}
	c.emitting = false
	c.mu.Unlock()
}

func (c *Client) notify(l *stateListener, s State) {
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error().Interface("panic", rec).Msg("State listener panicked")
		}
	}()
	l.fn(s)
}

func (c *Client) report(err error) {
	if c.onError == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error().Interface("panic", rec).Msg("Error handler panicked")
		}
	}()
	c.onError(err)
}
