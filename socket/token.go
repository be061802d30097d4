package socket

import (
	"context"
	"sync"
)

// Token tracks the outcome of an enqueued command. It completes with nil once
// the command was written to the transport, or with an *Error of kind
// Disconnected or CommandAbandoned.
//
//	tok := client.Enqueue(socket.SendMessage{UserID: "42", Text: "hi"})
//	select {
//	case <-tok.Done():
//	    if err := tok.Error(); err != nil {
//	        // show a retry affordance
//	    }
//	case <-time.After(5 * time.Second):
//	}
type Token interface {
	Wait(ctx context.Context) error
	Done() <-chan struct{}
	Error() error
}

type token struct {
	done chan struct{}
	err  error
	once sync.Once
}

func newToken() *token {
	return &token{
		done: make(chan struct{}),
	}
}

func completedToken(err error) *token {
	t := newToken()
	t.complete(err)
	return t
}

func (t *token) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *token) Done() <-chan struct{} {
	return t.done
}

func (t *token) Error() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

func (t *token) complete(err error) {
	t.once.Do(func() {
		t.err = err
		close(t.done)
	})
}
