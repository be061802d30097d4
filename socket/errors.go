package socket

import (
	"errors"
	"fmt"
)

type ErrorKind int

const (
	ConnectionFailed ErrorKind = iota + 1
	Disconnected
	CommandAbandoned
	MalformedFrame
	HandlerError
)

func (k ErrorKind) String() string {
	switch k {
	case ConnectionFailed:
		return "connection failed"
	case Disconnected:
		return "disconnected"
	case CommandAbandoned:
		return "command abandoned"
	case MalformedFrame:
		return "malformed frame"
	case HandlerError:
		return "handler error"
	}
	return "unknown error"
}

var (
	ErrConnectionFailed = errors.New("connection failed")
	ErrDisconnected     = errors.New("disconnected")
	ErrCommandAbandoned = errors.New("command abandoned")
	ErrMalformedFrame   = errors.New("malformed frame")
	ErrHandlerFailed    = errors.New("handler failed")

	ErrInvalidTopic   = errors.New("invalid topic")
	ErrNilHandler     = errors.New("nil handler")
	ErrQueueFull      = errors.New("outbound queue full")
	ErrNotConnected   = errors.New("not connected")
	ErrUnknownCommand = errors.New("unknown command")

	ErrConnectionClosed = errors.New("connection closed")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrForbidden        = errors.New("forbidden")
)

// Error carries the kind of failure together with the topic or command it
// concerns. errors.Is matches both the kind sentinel and the wrapped cause.
type Error struct {
	Kind   ErrorKind
	Topic  string
	Action string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Action != "" {
		msg += " (" + e.Action + ")"
	}
	if e.Topic != "" {
		msg += " on " + e.Topic
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return target == e.Kind.sentinel()
}

func (k ErrorKind) sentinel() error {
	switch k {
	case ConnectionFailed:
		return ErrConnectionFailed
	case Disconnected:
		return ErrDisconnected
	case CommandAbandoned:
		return ErrCommandAbandoned
	case MalformedFrame:
		return ErrMalformedFrame
	case HandlerError:
		return ErrHandlerFailed
	}
	return nil
}

func errMissing(field string) error {
	return fmt.Errorf("missing %s", field)
}
