// Package distributed feeds a relay from RabbitMQ so that backend services can
// publish realtime events without holding a relay connection.
package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kleeedolinux/courier.go/socket"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const (
	DefaultExchange  = "courier.events"
	defaultReconnect = 5 * time.Second
)

var ErrClosed = errors.New("amqp connection closed")

// Message is the body of every event on the exchange.
type Message struct {
	Topic   string           `json:"topic"`
	Type    socket.EventType `json:"type"`
	Payload json.RawMessage  `json:"payload"`
}

// RoutingKey maps a topic to an AMQP routing key: "order:42" becomes
// "order.42" so bindings such as "order.*" select a topic family.
func RoutingKey(topic string) string {
	return strings.ReplaceAll(topic, ":", ".")
}

// Sink receives decoded events. *socket.Server implements it.
type Sink interface {
	PublishRaw(topic string, eventType socket.EventType, payload json.RawMessage) (uint64, int, error)
}

func declareExchange(ch *amqp.Channel, name string) error {
	return ch.ExchangeDeclare(name, "topic", true, false, false, false, nil)
}

// Publisher writes events to the exchange with publisher confirms.
type Publisher struct {
	mu       sync.Mutex
	url      string
	exchange string
	conn     *amqp.Connection
	ch       *amqp.Channel
	logger   zerolog.Logger
}

func NewPublisher(url, exchange string, logger zerolog.Logger) (*Publisher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	p := &Publisher{
		url:      url,
		exchange: exchange,
		logger:   logger.With().Str("component", "amqp_publisher").Logger(),
	}
	if err := p.connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	return p, nil
}

func (p *Publisher) connect() error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return err
	}
	p.conn, p.ch = conn, nil
	if err := p.openChannel(); err != nil {
		conn.Close()
		p.conn = nil
		return err
	}
	return nil
}

// openChannel opens a confirming channel on the current connection.
func (p *Publisher) openChannel() error {
	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	if err := declareExchange(ch, p.exchange); err != nil {
		ch.Close()
		return fmt.Errorf("declaring exchange: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return err
	}
	p.ch = ch
	return nil
}

type closable interface {
	IsClosed() bool
}

type linkRepair int

const (
	repairNone linkRepair = iota
	repairChannel
	repairConnection
)

// checkLink reports what must be reopened before publishing. A channel can
// close on its own (a broker-side exception) while the connection stays up.
func checkLink(conn, ch closable) linkRepair {
	switch {
	case conn == nil || conn.IsClosed():
		return repairConnection
	case ch == nil || ch.IsClosed():
		return repairChannel
	}
	return repairNone
}

func (p *Publisher) health() linkRepair {
	var conn, ch closable
	if p.conn != nil {
		conn = p.conn
	}
	if p.ch != nil {
		ch = p.ch
	}
	return checkLink(conn, ch)
}

// Publish sends one event and waits for the broker to confirm it.
func (p *Publisher) Publish(ctx context.Context, topic string, eventType socket.EventType, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling payload: %w", err)
	}
	body, err := json.Marshal(Message{Topic: topic, Type: eventType, Payload: raw})
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.health() {
	case repairConnection:
		p.logger.Info().Msg("Reconnecting to rabbitmq")
		if err := p.connect(); err != nil {
			return fmt.Errorf("%w: %v", ErrClosed, err)
		}
	case repairChannel:
		p.logger.Info().Msg("Reopening rabbitmq channel")
		if err := p.openChannel(); err != nil {
			return fmt.Errorf("%w: %v", ErrClosed, err)
		}
	}

	confirm, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, p.exchange, RoutingKey(topic), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Type:         string(eventType),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publishing %s to %s: %w", eventType, topic, err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return fmt.Errorf("broker nacked %s to %s", eventType, topic)
	}
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch != nil && !p.ch.IsClosed() {
		if err := p.ch.Close(); err != nil {
			return fmt.Errorf("close rabbitmq channel: %w", err)
		}
	}
	if p.conn != nil && !p.conn.IsClosed() {
		if err := p.conn.Close(); err != nil {
			return fmt.Errorf("close rabbitmq connection: %w", err)
		}
	}
	return nil
}

// Source consumes the exchange into a Sink, reconnecting when the broker
// connection drops.
type Source struct {
	url       string
	exchange  string
	queue     string
	bindings  []string
	reconnect time.Duration
	sink      Sink
	logger    zerolog.Logger
}

type SourceOption func(*Source)

// WithQueue names a durable shared queue. Without one each relay gets its own
// exclusive queue and sees every event.
func WithQueue(name string) SourceOption {
	return func(s *Source) {
		s.queue = name
	}
}

func WithBindings(keys ...string) SourceOption {
	return func(s *Source) {
		s.bindings = keys
	}
}

func WithExchange(name string) SourceOption {
	return func(s *Source) {
		s.exchange = name
	}
}

func WithReconnectInterval(d time.Duration) SourceOption {
	return func(s *Source) {
		s.reconnect = d
	}
}

func WithLogger(logger zerolog.Logger) SourceOption {
	return func(s *Source) {
		s.logger = logger
	}
}

func NewSource(url string, sink Sink, opts ...SourceOption) *Source {
	s := &Source{
		url:       url,
		exchange:  DefaultExchange,
		bindings:  []string{"#"},
		reconnect: defaultReconnect,
		sink:      sink,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "amqp_source").Logger()
	return s
}

// Run consumes until ctx is done.
func (s *Source) Run(ctx context.Context) error {
	for {
		err := s.consume(ctx)
		if ctx.Err() != nil {
			return nil
		}
		s.logger.Warn().Err(err).Dur("retry_in", s.reconnect).Msg("Consumer stopped")

		t := time.NewTimer(s.reconnect)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func (s *Source) consume(ctx context.Context) error {
	conn, err := amqp.Dial(s.url)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := declareExchange(ch, s.exchange); err != nil {
		return fmt.Errorf("declaring exchange: %w", err)
	}

	durable, exclusive := s.queue != "", s.queue == ""
	q, err := ch.QueueDeclare(s.queue, durable, !durable, exclusive, false, nil)
	if err != nil {
		return fmt.Errorf("declaring queue: %w", err)
	}
	for _, key := range s.bindings {
		if err := ch.QueueBind(q.Name, key, s.exchange, false, nil); err != nil {
			return fmt.Errorf("binding %s: %w", key, err)
		}
	}
	if err := ch.Qos(64, 0, false); err != nil {
		return err
	}

	deliveries, err := ch.ConsumeWithContext(ctx, q.Name, "", false, exclusive, false, false, nil)
	if err != nil {
		return fmt.Errorf("consuming %s: %w", q.Name, err)
	}

	s.logger.Info().Str("queue", q.Name).Strs("bindings", s.bindings).Msg("Consuming events")

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	for {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr := <-closed:
			if amqpErr != nil {
				return amqpErr
			}
			return ErrClosed
		case d, ok := <-deliveries:
			if !ok {
				return ErrClosed
			}
			s.handle(d)
		}
	}
}

func (s *Source) handle(d amqp.Delivery) {
	var msg Message
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		s.logger.Warn().Err(err).Str("routing_key", d.RoutingKey).Msg("Dropping undecodable event")
		d.Nack(false, false)
		return
	}

	seq, delivered, err := s.sink.PublishRaw(msg.Topic, msg.Type, msg.Payload)
	if err != nil {
		s.logger.Warn().Err(err).Str("topic", msg.Topic).Msg("Dropping invalid event")
		d.Nack(false, false)
		return
	}

	s.logger.Debug().Str("topic", msg.Topic).Uint64("seq", seq).Int("delivered", delivered).Msg("Relayed event")
	d.Ack(false)
}
