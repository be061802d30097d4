package socket

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTopic(t *testing.T) {
	cases := []struct {
		topic string
		kind  TopicKind
		id    string
		join  string
		leave string
	}{
		{"order:42", TopicOrder, "42", "join-tracking", "leave-tracking"},
		{"conversation:7", TopicConversation, "7", "join-conversation", "leave-conversation"},
		{"user:7:notifications", TopicNotifications, "7", "join-notifications", "leave-notifications"},
		{"promotions", TopicGeneric, "", "join", "leave"},
		{"order:", TopicGeneric, "", "join", "leave"},
		{"order:1:extra", TopicGeneric, "", "join", "leave"},
	}

	for _, tc := range cases {
		t.Run(tc.topic, func(t *testing.T) {
			ref, err := ParseTopic(tc.topic)
			require.NoError(t, err)
			assert.Equal(t, tc.kind, ref.Kind)
			assert.Equal(t, tc.id, ref.ID)
			assert.Equal(t, tc.join, JoinTopic{Name: tc.topic}.Action())
			assert.Equal(t, tc.leave, LeaveTopic{Name: tc.topic}.Action())
		})
	}

	_, err := ParseTopic("")
	assert.ErrorIs(t, err, ErrInvalidTopic)
}

func TestCommands_WireShape(t *testing.T) {
	data, err := json.Marshal(JoinTopic{Name: OrderTopic("42")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"join-tracking","topic":"order:42","orderId":"42"}`, string(data))

	data, err = json.Marshal(LeaveTopic{Name: NotificationsTopic("7")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"leave-notifications","topic":"user:7:notifications","userId":"7"}`, string(data))

	data, err = json.Marshal(UpdateDriverLocation{OrderID: "42", DriverID: "d1", Location: Location{Latitude: 1, Longitude: 2}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"update-driver-location","orderId":"42","driverId":"d1","location":{"latitude":1,"longitude":2}}`, string(data))

	data, err = json.Marshal(SendMessage{UserID: "7", SenderID: "admin", Text: "hola"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"send-message","userId":"7","senderId":"admin","text":"hola"}`, string(data))

	_, err = json.Marshal(JoinTopic{})
	assert.Error(t, err)
}

func TestError_Is(t *testing.T) {
	cause := errors.New("socket hang up")
	err := error(&Error{Kind: ConnectionFailed, Err: cause})

	assert.ErrorIs(t, err, ErrConnectionFailed)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrDisconnected)
	assert.Equal(t, "connection failed: socket hang up", err.Error())

	err = &Error{Kind: CommandAbandoned, Topic: "order:1", Action: "update-driver-location", Err: cause}
	assert.Equal(t, "command abandoned (update-driver-location) on order:1: socket hang up", err.Error())
}

func TestToken(t *testing.T) {
	tok := newToken()
	assert.NoError(t, tok.Error())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, tok.Wait(ctx), context.DeadlineExceeded)

	tok.complete(ErrQueueFull)
	tok.complete(nil)
	assert.ErrorIs(t, tok.Wait(context.Background()), ErrQueueFull)
	assert.ErrorIs(t, tok.Error(), ErrQueueFull)
}
