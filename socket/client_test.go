package socket

import (
	"context"
	"errors"
	"runtime"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const trackingPayload = `{"orderId":"1","status":"picked_up"}`

func connectClient(t *testing.T, c *Client) {
	t.Helper()
	_, err := c.Connect(context.Background(), "token-a")
	require.NoError(t, err)
	require.True(t, c.IsConnected())
}

func waitSent(t *testing.T, ft *fakeTransport, want ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(want, ft.sentActions(t))
	}, waitFor, tick, "sent commands: %v", ft.sentActions(t))
}

func TestSubscribe_JoinsOncePerTopic(t *testing.T) {
	ft := newFakeTransport()
	c := newTestClient(t, ft)
	connectClient(t, c)

	rec := &recorder{}
	first, err := c.Subscribe(OrderTopic("1"), rec.handle)
	require.NoError(t, err)
	second, err := c.Subscribe(OrderTopic("1"), rec.handle)
	require.NoError(t, err)

	waitSent(t, ft, "join-tracking order:1")

	first.Release()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"join-tracking order:1"}, ft.sentActions(t), "leave must wait for the last subscriber")

	second.Release()
	waitSent(t, ft, "join-tracking order:1", "leave-tracking order:1")
	assert.Empty(t, c.Topics())
}

func TestSubscribe_JoinCarriesIDField(t *testing.T) {
	ft := newFakeTransport()
	c := newTestClient(t, ft)
	connectClient(t, c)

	_, err := c.Subscribe(ConversationTopic("7"), (&recorder{}).handle)
	require.NoError(t, err)

	waitSent(t, ft, "join-conversation conversation:7")
	cmds := ft.sentCommands(t)
	assert.Equal(t, "7", cmds[0].UserID)
}

func TestSubscribe_Validation(t *testing.T) {
	c := newTestClient(t, newFakeTransport())

	_, err := c.Subscribe("  ", (&recorder{}).handle)
	assert.ErrorIs(t, err, ErrInvalidTopic)

	_, err = c.Subscribe(OrderTopic("1"), nil)
	assert.ErrorIs(t, err, ErrNilHandler)
}

func TestRelease_IsIdempotent(t *testing.T) {
	ft := newFakeTransport()
	c := newTestClient(t, ft)
	connectClient(t, c)

	a, err := c.Subscribe(OrderTopic("1"), (&recorder{}).handle)
	require.NoError(t, err)
	b, err := c.Subscribe(OrderTopic("1"), (&recorder{}).handle)
	require.NoError(t, err)
	waitSent(t, ft, "join-tracking order:1")

	a.Release()
	a.Release()
	a.Release()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"join-tracking order:1"}, ft.sentActions(t))
	assert.True(t, b.Active())
	assert.False(t, a.Active())
	assert.Equal(t, 1, c.registry.count(OrderTopic("1")))
}

func TestRouting_OrderAndSequenceDedup(t *testing.T) {
	ft := newFakeTransport()
	c := newTestClient(t, ft)
	connectClient(t, c)

	rec := &recorder{}
	_, err := c.Subscribe(OrderTopic("1"), rec.handle)
	require.NoError(t, err)

	topic := OrderTopic("1")
	ft.push(t, frameJSON(topic, EventTrackingUpdate, trackingPayload, 1))
	ft.push(t, frameJSON(topic, EventTrackingUpdate, trackingPayload, 2))
	ft.push(t, frameJSON(topic, EventTrackingUpdate, trackingPayload, 2))
	ft.push(t, frameJSON(topic, EventTrackingUpdate, trackingPayload, 1))
	ft.push(t, frameJSON(topic, EventTrackingUpdate, trackingPayload, 3))
	ft.push(t, frameJSON(topic, EventTrackingUpdate, trackingPayload, -1))
	ft.push(t, frameJSON(topic, EventTrackingUpdate, trackingPayload, 4))

	require.Eventually(t, func() bool { return rec.len() == 5 }, waitFor, tick)

	var seqs []uint64
	for _, ev := range rec.snapshot() {
		if ev.HasSeq {
			seqs = append(seqs, ev.Seq)
		} else {
			seqs = append(seqs, 0)
		}
	}
	assert.Equal(t, []uint64{1, 2, 3, 0, 4}, seqs)

	ev := rec.snapshot()[0]
	update, ok := ev.Data.(*TrackingUpdate)
	require.True(t, ok)
	assert.Equal(t, "1", update.OrderID)
	assert.Equal(t, "picked_up", update.Status)
}

func TestRouting_OtherTopicsNotDelivered(t *testing.T) {
	ft := newFakeTransport()
	c := newTestClient(t, ft)
	connectClient(t, c)

	rec := &recorder{}
	_, err := c.Subscribe(OrderTopic("1"), rec.handle)
	require.NoError(t, err)

	ft.push(t, frameJSON(OrderTopic("2"), EventTrackingUpdate, `{"orderId":"2","status":"x"}`, 1))
	ft.push(t, frameJSON(OrderTopic("1"), EventTrackingUpdate, trackingPayload, 1))

	require.Eventually(t, func() bool { return rec.len() == 1 }, waitFor, tick)
	assert.Equal(t, OrderTopic("1"), rec.snapshot()[0].Topic)
}

func TestRouting_HandlerFailureIsolated(t *testing.T) {
	ft := newFakeTransport()
	sink := &errorSink{}
	c := newTestClient(t, ft, WithErrorHandler(sink.handle))
	connectClient(t, c)

	topic := OrderTopic("1")
	_, err := c.Subscribe(topic, func(Event) error { panic("boom") })
	require.NoError(t, err)
	_, err = c.Subscribe(topic, func(Event) error { return errors.New("bad payload") })
	require.NoError(t, err)
	rec := &recorder{}
	_, err = c.Subscribe(topic, rec.handle)
	require.NoError(t, err)

	ft.push(t, frameJSON(topic, EventTrackingUpdate, trackingPayload, 1))
	ft.push(t, frameJSON(topic, EventTrackingUpdate, trackingPayload, 2))

	require.Eventually(t, func() bool { return rec.len() == 2 }, waitFor, tick)
	assert.Equal(t, 4, sink.matching(ErrHandlerFailed))
	assert.True(t, c.IsConnected())
}

func TestRouting_MalformedFramesReported(t *testing.T) {
	ft := newFakeTransport()
	sink := &errorSink{}
	c := newTestClient(t, ft, WithErrorHandler(sink.handle))
	connectClient(t, c)

	rec := &recorder{}
	topic := OrderTopic("1")
	_, err := c.Subscribe(topic, rec.handle)
	require.NoError(t, err)

	ft.push(t, `not json`)
	ft.push(t, `{"topic":"order:1","payload":{}}`)
	ft.push(t, frameJSON(topic, EventTrackingUpdate, `[1,2]`, -1))
	ft.push(t, frameJSON(topic, EventTrackingUpdate, `{"orderId":42}`, -1))
	ft.push(t, frameJSON(topic, "mystery", `{}`, -1))
	ft.push(t, frameJSON(topic, EventTrackingUpdate, trackingPayload, -1))

	require.Eventually(t, func() bool { return rec.len() == 1 }, waitFor, tick)
	assert.Equal(t, 4, sink.matching(ErrMalformedFrame))
}

func TestRouting_ReleaseFromHandler(t *testing.T) {
	ft := newFakeTransport()
	c := newTestClient(t, ft)
	connectClient(t, c)

	topic := OrderTopic("1")
	var (
		mu    sync.Mutex
		calls int
		sub   *Subscription
	)
	sub, err := c.Subscribe(topic, func(Event) error {
		mu.Lock()
		calls++
		s := sub
		mu.Unlock()
		s.Release()
		return nil
	})
	require.NoError(t, err)
	rec := &recorder{}
	_, err = c.Subscribe(topic, rec.handle)
	require.NoError(t, err)

	ft.push(t, frameJSON(topic, EventTrackingUpdate, trackingPayload, 1))
	ft.push(t, frameJSON(topic, EventTrackingUpdate, trackingPayload, 2))

	require.Eventually(t, func() bool { return rec.len() == 2 }, waitFor, tick)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestReconnect_RejoinsLiveTopics(t *testing.T) {
	ft := newFakeTransport()
	c := newTestClient(t, ft)
	connectClient(t, c)

	_, err := c.Subscribe(OrderTopic("1"), (&recorder{}).handle)
	require.NoError(t, err)
	chat, err := c.Subscribe(ConversationTopic("7"), (&recorder{}).handle)
	require.NoError(t, err)
	waitSent(t, ft, "join-tracking order:1", "join-conversation conversation:7")

	chat.Release()
	waitSent(t, ft, "join-tracking order:1", "join-conversation conversation:7", "leave-conversation conversation:7")

	ft.drop()

	waitSent(t, ft,
		"join-tracking order:1",
		"join-conversation conversation:7",
		"leave-conversation conversation:7",
		"join-tracking order:1",
	)
	assert.Equal(t, 2, ft.connectCount())
	assert.True(t, c.IsConnected())
	assert.Equal(t, 1, c.Stats().Reconnects)
}

func TestReconnect_DeliveryResumesOnNewLink(t *testing.T) {
	ft := newFakeTransport()
	c := newTestClient(t, ft)
	connectClient(t, c)

	rec := &recorder{}
	topic := OrderTopic("1")
	_, err := c.Subscribe(topic, rec.handle)
	require.NoError(t, err)

	ft.push(t, frameJSON(topic, EventTrackingUpdate, trackingPayload, 1))
	require.Eventually(t, func() bool { return rec.len() == 1 }, waitFor, tick)

	ft.drop()
	require.Eventually(t, func() bool { return ft.isConnected() && c.IsConnected() }, waitFor, tick)

	// The high-water mark survives the reconnect.
	ft.push(t, frameJSON(topic, EventTrackingUpdate, trackingPayload, 1))
	ft.push(t, frameJSON(topic, EventTrackingUpdate, trackingPayload, 2))
	require.Eventually(t, func() bool { return rec.len() == 2 }, waitFor, tick)
	assert.Equal(t, uint64(2), rec.snapshot()[1].Seq)
}

func TestReconnect_FlushesQueuedCommandsInOrder(t *testing.T) {
	ft := newFakeTransport()
	c := newTestClient(t, ft)
	connectClient(t, c)

	_, err := c.Subscribe(OrderTopic("1"), (&recorder{}).handle)
	require.NoError(t, err)
	waitSent(t, ft, "join-tracking order:1")

	// Hold the client in Reconnecting while commands pile up.
	c.SetForeground(false)
	ft.drop()
	require.Eventually(t, func() bool { return c.State() == StateReconnecting }, waitFor, tick)

	var tokens []Token
	for _, text := range []string{"c1", "c2", "c3"} {
		tokens = append(tokens, c.Enqueue(SendMessage{UserID: "7", Text: text}))
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, ft.sentCount())

	c.SetForeground(true)
	waitSent(t, ft,
		"join-tracking order:1",
		"join-tracking order:1",
		"send-message ",
		"send-message ",
		"send-message ",
	)
	cmds := ft.sentCommands(t)
	assert.Equal(t, "c1", cmds[2].Text)
	assert.Equal(t, "c2", cmds[3].Text)
	assert.Equal(t, "c3", cmds[4].Text)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	for _, tok := range tokens {
		assert.NoError(t, tok.Wait(ctx))
	}

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 5, ft.sentCount())
	assert.Equal(t, 0, c.Stats().Queued)
}

func TestReconnect_SubscribeDuringHandshakeJoinsOnce(t *testing.T) {
	ft := newFakeTransport()
	c := newTestClient(t, ft)
	connectClient(t, c)

	for i := 0; i < 20; i++ {
		c.SetForeground(false)
		ft.drop()
		require.Eventually(t, func() bool { return c.State() == StateReconnecting }, waitFor, tick)

		topic := OrderTopic(strconv.Itoa(i))
		subscribed := make(chan struct{})
		go func() {
			defer close(subscribed)
			for !c.IsConnected() {
				runtime.Gosched()
			}
			_, err := c.Subscribe(topic, (&recorder{}).handle)
			assert.NoError(t, err)
		}()

		c.SetForeground(true)
		select {
		case <-subscribed:
		case <-time.After(waitFor):
			t.Fatal("client did not reconnect")
		}
		require.Eventually(t, func() bool {
			return assert.ObjectsAreEqual(1, ft.joinsByLink(t)[ft.connectCount()][topic])
		}, waitFor, tick)
	}

	time.Sleep(20 * time.Millisecond)
	for link, joins := range ft.joinsByLink(t) {
		for topic, n := range joins {
			assert.Equal(t, 1, n, "link %d joined %s %d times", link, topic, n)
		}
	}
}

func TestQueue_FlushOrderAfterConnect(t *testing.T) {
	ft := newFakeTransport()
	c := newTestClient(t, ft)

	_, err := c.Subscribe(OrderTopic("1"), (&recorder{}).handle)
	require.NoError(t, err)

	var tokens []Token
	for _, text := range []string{"one", "two", "three"} {
		tokens = append(tokens, c.Enqueue(SendMessage{UserID: "7", SenderID: "9", Text: text}))
	}
	tokens = append(tokens, c.Enqueue(UpdateDriverLocation{OrderID: "1", DriverID: "d1", Location: Location{Latitude: 1, Longitude: 2}}))
	assert.Equal(t, 5, c.Stats().Queued)

	connectClient(t, c)

	waitSent(t, ft,
		"join-tracking order:1",
		"send-message ",
		"send-message ",
		"send-message ",
		"update-driver-location ",
	)
	cmds := ft.sentCommands(t)
	assert.Equal(t, "one", cmds[1].Text)
	assert.Equal(t, "two", cmds[2].Text)
	assert.Equal(t, "three", cmds[3].Text)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	for _, tok := range tokens {
		assert.NoError(t, tok.Wait(ctx))
	}
}

func TestQueue_SubscribeBeforeConnectJoinsOnce(t *testing.T) {
	ft := newFakeTransport()
	c := newTestClient(t, ft)

	_, err := c.Subscribe(NotificationsTopic("7"), (&recorder{}).handle)
	require.NoError(t, err)
	_, err = c.Subscribe(NotificationsTopic("7"), (&recorder{}).handle)
	require.NoError(t, err)

	connectClient(t, c)

	waitSent(t, ft, "join-notifications user:7:notifications")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, ft.sentCount())
}

func TestQueue_SubscribeReleaseWhileDisconnectedSendsNothing(t *testing.T) {
	ft := newFakeTransport()
	c := newTestClient(t, ft)

	sub, err := c.Subscribe(OrderTopic("1"), (&recorder{}).handle)
	require.NoError(t, err)
	sub.Release()

	connectClient(t, c)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, ft.sentCount())
}

func TestQueue_AbandonAfterMaxAttempts(t *testing.T) {
	ft := newFakeTransport()
	sink := &errorSink{}
	c := newTestClient(t, ft, WithMaxCommandAttempts(2), WithErrorHandler(sink.handle))

	tok := c.Enqueue(SendMessage{UserID: "7", Text: "hi"})
	ft.setFailSends(100)
	_, err := c.Connect(context.Background(), "token-a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	err = tok.Wait(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCommandAbandoned)
	assert.ErrorIs(t, err, errWriteFailed)

	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "send-message", serr.Action)
	assert.Equal(t, ConversationTopic("7"), serr.Topic)
	assert.Equal(t, 1, sink.matching(ErrCommandAbandoned))
}

func TestQueue_FullQueueRejects(t *testing.T) {
	c := newTestClient(t, newFakeTransport(), WithQueueCapacity(2))

	c.Enqueue(SendMessage{UserID: "1", Text: "a"})
	c.Enqueue(SendMessage{UserID: "1", Text: "b"})
	tok := c.Enqueue(SendMessage{UserID: "1", Text: "c"})

	select {
	case <-tok.Done():
	default:
		t.Fatal("token for rejected command should be complete")
	}
	assert.ErrorIs(t, tok.Error(), ErrDisconnected)
	assert.ErrorIs(t, tok.Error(), ErrQueueFull)
}

func TestEnqueue_Nil(t *testing.T) {
	c := newTestClient(t, newFakeTransport())
	tok := c.Enqueue(nil)
	assert.ErrorIs(t, tok.Error(), ErrCommandAbandoned)
}

func TestDisconnect_RejectsPendingAndForgetsTopics(t *testing.T) {
	ft := newFakeTransport()
	c := newTestClient(t, ft)

	sub, err := c.Subscribe(OrderTopic("1"), (&recorder{}).handle)
	require.NoError(t, err)
	tok := c.Enqueue(SendMessage{UserID: "7", Text: "hi"})

	require.NoError(t, c.Disconnect())

	assert.ErrorIs(t, tok.Error(), ErrDisconnected)
	assert.ErrorIs(t, tok.Error(), ErrNotConnected)
	assert.False(t, sub.Active())
	assert.Empty(t, c.Topics())
	assert.Equal(t, StateDisconnected, c.State())
	assert.Nil(t, c.Connection())
}

func TestDisconnect_AbortsPendingDial(t *testing.T) {
	ft := newFakeTransport()
	release := ft.holdConnects()
	defer release()
	c := newTestClient(t, ft, WithConnectTimeout(time.Minute))

	result := make(chan error, 1)
	go func() {
		_, err := c.Connect(context.Background(), "token-a")
		result <- err
	}()
	require.Eventually(t, func() bool { return c.State() == StateConnecting }, waitFor, tick)

	done := make(chan error, 1)
	go func() { done <- c.Disconnect() }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Disconnect waited for the dial timeout")
	}
	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrConnectionFailed)
	case <-time.After(waitFor):
		t.Fatal("Connect did not return")
	}

	assert.Equal(t, StateDisconnected, c.State())
	assert.Nil(t, c.Connection())
	assert.Equal(t, 0, ft.connectCount())
}

func TestConnect_Idempotent(t *testing.T) {
	ft := newFakeTransport()
	c := newTestClient(t, ft)

	first, err := c.Connect(context.Background(), "token-a")
	require.NoError(t, err)
	second, err := c.Connect(context.Background(), "token-a")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, ft.connectCount())
}

func TestConnect_EmptyToken(t *testing.T) {
	c := newTestClient(t, newFakeTransport())
	_, err := c.Connect(context.Background(), "")
	assert.ErrorIs(t, err, ErrConnectionFailed)
}

func TestConnect_IdentityResolverError(t *testing.T) {
	ft := newFakeTransport()
	c := newTestClient(t, ft, WithIdentityResolver(func(string) (string, error) {
		return "", errors.New("expired")
	}))

	_, err := c.Connect(context.Background(), "token-a")
	assert.ErrorIs(t, err, ErrConnectionFailed)
	assert.Equal(t, 0, ft.connectCount())
}

func TestConnect_NewIdentityReplacesConnection(t *testing.T) {
	ft := newFakeTransport()
	ft.setFailConnects(1)
	c := newTestClient(t, ft,
		WithReconnectDelay(time.Hour),
		WithIdentityResolver(func(token string) (string, error) { return "user-" + token, nil }),
	)

	_, err := c.Subscribe(OrderTopic("1"), (&recorder{}).handle)
	require.NoError(t, err)

	_, err = c.Connect(context.Background(), "a")
	require.ErrorIs(t, err, ErrConnectionFailed)
	tok := c.Enqueue(SendMessage{UserID: "7", Text: "from a"})

	conn, err := c.Connect(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, "user-b", conn.Identity())
	assert.Equal(t, "b", conn.Token())

	assert.ErrorIs(t, tok.Error(), ErrDisconnected)
	waitSent(t, ft, "join-tracking order:1")

	ft.mu.Lock()
	assert.Equal(t, []string{"a", "b"}, ft.tokens)
	ft.mu.Unlock()
}

func TestConnect_InitialFailureRetriesInBackground(t *testing.T) {
	ft := newFakeTransport()
	ft.setFailConnects(2)
	sink := &errorSink{}
	c := newTestClient(t, ft, WithErrorHandler(sink.handle))

	_, err := c.Connect(context.Background(), "token-a")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectionFailed)
	assert.ErrorIs(t, err, errDialRefused)

	require.Eventually(t, c.IsConnected, waitFor, tick)
	assert.Equal(t, 1, sink.matching(ErrConnectionFailed))
	assert.Equal(t, 0, c.Stats().Retries)
}

func TestReconnect_GivesUpAfterAttempts(t *testing.T) {
	ft := newFakeTransport()
	c := newTestClient(t, ft, WithReconnectAttempts(2))
	connectClient(t, c)

	ft.setFailConnects(100)
	ft.drop()

	require.Eventually(t, func() bool { return c.State() == StateDisconnected }, waitFor, tick)
	assert.ErrorIs(t, c.Stats().LastError, ErrConnectionFailed)
}

func TestStateChanges_Sequence(t *testing.T) {
	ft := newFakeTransport()
	c := newTestClient(t, ft)

	var (
		mu     sync.Mutex
		states []State
	)
	c.OnStateChange(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})
	snapshot := func() []State {
		mu.Lock()
		defer mu.Unlock()
		return append([]State(nil), states...)
	}

	connectClient(t, c)
	ft.drop()
	require.Eventually(t, func() bool { return len(snapshot()) == 4 }, waitFor, tick)
	require.NoError(t, c.Disconnect())

	assert.Equal(t, []State{
		StateConnecting,
		StateConnected,
		StateReconnecting,
		StateConnected,
		StateDisconnected,
	}, snapshot())
}

func TestStateChanges_ListenerMayDisconnect(t *testing.T) {
	ft := newFakeTransport()
	c := newTestClient(t, ft)

	c.OnStateChange(func(s State) {
		if s == StateReconnecting {
			c.Disconnect()
		}
	})

	connectClient(t, c)
	ft.drop()

	require.Eventually(t, func() bool { return c.State() == StateDisconnected }, waitFor, tick)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, ft.connectCount())
}

func TestStateChanges_Unregister(t *testing.T) {
	ft := newFakeTransport()
	c := newTestClient(t, ft)

	calls := 0
	remove := c.OnStateChange(func(State) { calls++ })
	remove()

	connectClient(t, c)
	assert.Equal(t, 0, calls)
}

func TestSetForeground_PausesReconnect(t *testing.T) {
	ft := newFakeTransport()
	c := newTestClient(t, ft)
	connectClient(t, c)

	c.SetForeground(false)
	ft.drop()

	require.Eventually(t, func() bool { return c.State() == StateReconnecting }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, ft.connectCount())

	c.SetForeground(true)
	require.Eventually(t, c.IsConnected, waitFor, tick)
	assert.Equal(t, 2, ft.connectCount())
}

func TestStats(t *testing.T) {
	ft := newFakeTransport()
	c := newTestClient(t, ft, WithIdentityResolver(func(string) (string, error) { return "u1", nil }))
	connectClient(t, c)

	_, err := c.Subscribe(OrderTopic("1"), (&recorder{}).handle)
	require.NoError(t, err)

	s := c.Stats()
	assert.Equal(t, StateConnected, s.State)
	assert.Equal(t, "u1", s.Identity)
	assert.Equal(t, 1, s.Topics)
}
