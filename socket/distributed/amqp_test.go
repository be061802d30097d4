package distributed

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kleeedolinux/courier.go/socket"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockAcknowledger struct {
	mock.Mock
}

func (m *mockAcknowledger) Ack(tag uint64, multiple bool) error {
	return m.Called(tag, multiple).Error(0)
}

func (m *mockAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	return m.Called(tag, multiple, requeue).Error(0)
}

func (m *mockAcknowledger) Reject(tag uint64, requeue bool) error {
	return m.Called(tag, requeue).Error(0)
}

func delivery(ack amqp.Acknowledger, body string) amqp.Delivery {
	return amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: []byte(body)}
}

func TestRoutingKey(t *testing.T) {
	assert.Equal(t, "order.42", RoutingKey("order:42"))
	assert.Equal(t, "user.7.notifications", RoutingKey("user:7:notifications"))
	assert.Equal(t, "promotions", RoutingKey("promotions"))
}

func TestSource_HandleRelaysIntoServer(t *testing.T) {
	relay := socket.NewServer()
	defer relay.Shutdown(context.Background())

	src := NewSource("amqp://unused", relay, WithLogger(zerolog.Nop()))

	ack := &mockAcknowledger{}
	ack.On("Ack", uint64(1), false).Return(nil).Twice()

	body, err := json.Marshal(Message{Topic: "order:42", Type: socket.EventTrackingUpdate, Payload: json.RawMessage(`{"orderId":"42","status":"in_transit"}`)})
	require.NoError(t, err)

	src.handle(delivery(ack, string(body)))
	src.handle(delivery(ack, string(body)))

	ack.AssertExpectations(t)
	assert.Contains(t, relay.Rooms(), "order:42")

	seq, err := relay.Publish("order:42", socket.EventTrackingUpdate, map[string]string{"orderId": "42"})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), seq)
}

func TestSource_HandleDropsBadEvents(t *testing.T) {
	relay := socket.NewServer()
	defer relay.Shutdown(context.Background())

	src := NewSource("amqp://unused", relay)

	ack := &mockAcknowledger{}
	ack.On("Nack", uint64(1), false, false).Return(nil).Twice()

	src.handle(delivery(ack, "not json"))
	src.handle(delivery(ack, `{"topic":"order:1","type":"tracking-update","payload":[1]}`))

	ack.AssertExpectations(t)
	ack.AssertNotCalled(t, "Ack", mock.Anything, mock.Anything)
}

func TestSource_RunStopsWithContext(t *testing.T) {
	hs := httptest.NewServer(nil)
	addr := hs.Listener.Addr().String()
	hs.Close()

	src := NewSource("amqp://guest:guest@"+addr+"/", socket.NewServer(), WithReconnectInterval(10*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- src.Run(ctx) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNewPublisher_DialFailure(t *testing.T) {
	hs := httptest.NewServer(nil)
	addr := hs.Listener.Addr().String()
	hs.Close()

	_, err := NewPublisher("amqp://guest:guest@"+addr+"/", "", zerolog.Nop())
	assert.Error(t, err)
}

type fakeLink struct{ closed bool }

func (f fakeLink) IsClosed() bool { return f.closed }

func TestCheckLink(t *testing.T) {
	open, shut := fakeLink{}, fakeLink{closed: true}

	assert.Equal(t, repairNone, checkLink(open, open))
	assert.Equal(t, repairChannel, checkLink(open, shut))
	assert.Equal(t, repairChannel, checkLink(open, nil))
	assert.Equal(t, repairConnection, checkLink(shut, open))
	assert.Equal(t, repairConnection, checkLink(shut, shut))
	assert.Equal(t, repairConnection, checkLink(nil, nil))
}

func TestPublisher_HealthWithoutLink(t *testing.T) {
	p := &Publisher{}
	assert.Equal(t, repairConnection, p.health())
}
