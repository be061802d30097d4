package socket

import (
	"sync"
)

type queuedCommand struct {
	cmd      Command
	attempts int
	inflight bool
	token    *token
}

// commandQueue is the outbound FIFO. Items stay queued until they are written
// to a live transport, abandoned after maxAttempts failed writes, or rejected
// by an explicit disconnect.
type commandQueue struct {
	mu          sync.Mutex
	items       []*queuedCommand
	capacity    int
	maxAttempts int
}

func newCommandQueue(capacity, maxAttempts int) *commandQueue {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &commandQueue{
		capacity:    capacity,
		maxAttempts: maxAttempts,
	}
}

// push appends cmd. A JoinTopic cancels a queued LeaveTopic for the same topic
// and the other way round; a repeated Join or Leave coalesces with the queued
// one.
func (q *commandQueue) push(cmd Command) *token {
	q.mu.Lock()
	defer q.mu.Unlock()

	if isControl(cmd) {
		for i, item := range q.items {
			if item.inflight || !isControl(item.cmd) || item.cmd.Topic() != cmd.Topic() {
				continue
			}
			if sameKind(item.cmd, cmd) {
				return item.token
			}
			q.items = append(q.items[:i:i], q.items[i+1:]...)
			item.token.complete(nil)
			return completedToken(nil)
		}
	}

	if q.capacity > 0 && len(q.items) >= q.capacity {
		return completedToken(&Error{Kind: Disconnected, Topic: cmd.Topic(), Action: cmd.Action(), Err: ErrQueueFull})
	}

	tok := newToken()
	q.items = append(q.items, &queuedCommand{cmd: cmd, token: tok})
	return tok
}

// next marks the head command in flight and returns it.
func (q *commandQueue) next() *queuedCommand {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}
	head := q.items[0]
	head.inflight = true
	return head
}

func (q *commandQueue) done(item *queuedCommand) {
	q.mu.Lock()
	q.removeLocked(item)
	q.mu.Unlock()

	item.token.complete(nil)
}

// fail records a failed write. It returns true when the command ran out of
// attempts and was removed from the queue.
func (q *commandQueue) fail(item *queuedCommand) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	item.inflight = false
	item.attempts++
	if item.attempts < q.maxAttempts {
		return false
	}
	q.removeLocked(item)
	return true
}

func (q *commandQueue) drop(item *queuedCommand) {
	q.mu.Lock()
	q.removeLocked(item)
	q.mu.Unlock()
}

// rejoin replaces every queued JoinTopic/LeaveTopic with one JoinTopic per
// live topic, placed ahead of the data commands.
func (q *commandQueue) rejoin(topics []string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := make([]*queuedCommand, 0, len(topics)+len(q.items))
	for _, topic := range topics {
		kept = append(kept, &queuedCommand{cmd: JoinTopic{Name: topic}, token: newToken()})
	}
	for _, item := range q.items {
		if isControl(item.cmd) && !item.inflight {
			item.token.complete(nil)
			continue
		}
		kept = append(kept, item)
	}
	q.items = kept
}

func (q *commandQueue) rejectAll(reason error) {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()

	for _, item := range items {
		item.token.complete(&Error{Kind: Disconnected, Topic: item.cmd.Topic(), Action: item.cmd.Action(), Err: reason})
	}
}

func (q *commandQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *commandQueue) commands() []Command {
	q.mu.Lock()
	defer q.mu.Unlock()

	cmds := make([]Command, len(q.items))
	for i, item := range q.items {
		cmds[i] = item.cmd
	}
	return cmds
}

func (q *commandQueue) removeLocked(item *queuedCommand) {
	for i, it := range q.items {
		if it == item {
			q.items = append(q.items[:i:i], q.items[i+1:]...)
			return
		}
	}
}

func sameKind(a, b Command) bool {
	_, aJoin := a.(JoinTopic)
	_, bJoin := b.(JoinTopic)
	return aJoin == bJoin
}
