package socket

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func queuedActions(q *commandQueue) []string {
	var out []string
	for _, cmd := range q.commands() {
		out = append(out, cmd.Action()+" "+cmd.Topic())
	}
	return out
}

func TestCommandQueue_JoinLeaveCancel(t *testing.T) {
	q := newCommandQueue(0, 3)

	join := q.push(JoinTopic{Name: "order:1"})
	leave := q.push(LeaveTopic{Name: "order:1"})

	assert.Equal(t, 0, q.len())
	assert.NoError(t, join.Error())
	assert.NoError(t, leave.Error())
	select {
	case <-join.Done():
	default:
		t.Fatal("cancelled join should complete")
	}
}

func TestCommandQueue_RepeatedJoinCoalesces(t *testing.T) {
	q := newCommandQueue(0, 3)

	first := q.push(JoinTopic{Name: "order:1"})
	second := q.push(JoinTopic{Name: "order:1"})

	assert.Same(t, first, second)
	assert.Equal(t, []string{"join-tracking order:1"}, queuedActions(q))
}

func TestCommandQueue_InflightNotCancelled(t *testing.T) {
	q := newCommandQueue(0, 3)

	q.push(JoinTopic{Name: "order:1"})
	head := q.next()
	require.NotNil(t, head)

	q.push(LeaveTopic{Name: "order:1"})
	assert.Equal(t, []string{"join-tracking order:1", "leave-tracking order:1"}, queuedActions(q))

	q.done(head)
	assert.Equal(t, []string{"leave-tracking order:1"}, queuedActions(q))
}

func TestCommandQueue_DataCommandsKeepOrder(t *testing.T) {
	q := newCommandQueue(0, 3)

	q.push(SendMessage{UserID: "1", Text: "a"})
	q.push(JoinTopic{Name: "order:1"})
	q.push(SendMessage{UserID: "1", Text: "b"})

	var texts []string
	for item := q.next(); item != nil; item = q.next() {
		if m, ok := item.cmd.(SendMessage); ok {
			texts = append(texts, m.Text)
		}
		q.done(item)
	}
	assert.Equal(t, []string{"a", "b"}, texts)
}

func TestCommandQueue_FailAndAbandon(t *testing.T) {
	q := newCommandQueue(0, 2)
	tok := q.push(SendMessage{UserID: "1", Text: "a"})

	item := q.next()
	assert.False(t, q.fail(item))
	assert.Equal(t, 1, q.len())
	assert.False(t, item.inflight)

	item = q.next()
	assert.True(t, q.fail(item))
	assert.Equal(t, 0, q.len())

	// Abandoning completes the token; the queue only removes it.
	assert.NoError(t, tok.Error())
}

func TestCommandQueue_Rejoin(t *testing.T) {
	q := newCommandQueue(0, 3)

	stale := q.push(LeaveTopic{Name: "order:9"})
	q.push(SendMessage{UserID: "1", Text: "a"})
	q.push(JoinTopic{Name: "conversation:1"})

	q.rejoin([]string{"order:1", "conversation:1"})

	assert.Equal(t, []string{
		"join-tracking order:1",
		"join-conversation conversation:1",
		"send-message conversation:1",
	}, queuedActions(q))
	assert.NoError(t, stale.Error())
}

func TestCommandQueue_RejectAll(t *testing.T) {
	q := newCommandQueue(0, 3)
	a := q.push(SendMessage{UserID: "1", Text: "a"})
	b := q.push(JoinTopic{Name: "order:1"})

	reason := errors.New("gone")
	q.rejectAll(reason)

	assert.Equal(t, 0, q.len())
	for _, tok := range []Token{a, b} {
		assert.ErrorIs(t, tok.Error(), ErrDisconnected)
		assert.ErrorIs(t, tok.Error(), reason)
	}
}

func TestCommandQueue_Capacity(t *testing.T) {
	q := newCommandQueue(1, 3)
	q.push(SendMessage{UserID: "1", Text: "a"})

	tok := q.push(SendMessage{UserID: "1", Text: "b"})
	assert.ErrorIs(t, tok.Error(), ErrQueueFull)

	// A leave that cancels a queued join needs no room.
	q2 := newCommandQueue(1, 3)
	q2.push(JoinTopic{Name: "order:1"})
	assert.NoError(t, q2.push(LeaveTopic{Name: "order:1"}).Error())
}
