package socket

import (
	"bytes"
	"encoding/json"
)

type EventType string

const (
	EventTrackingUpdate       EventType = "tracking-update"
	EventDriverLocationUpdate EventType = "driver-location-update"
	EventNewMessage           EventType = "new-message"
	EventAdminMessage         EventType = "admin-new-message"
	EventNotification         EventType = "notification"
	EventOrderUpdate          EventType = "order_update"
	EventDeliveryUpdate       EventType = "delivery_update"
	EventPromotion            EventType = "promotion"
)

// Frame is the inbound wire shape pushed by the server.
type Frame struct {
	Topic   string          `json:"topic"`
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Seq     *uint64         `json:"seq,omitempty"`
}

func (f *Frame) validate() error {
	if f.Topic == "" {
		return errMissing("topic")
	}
	if f.Type == "" {
		return errMissing("type")
	}
	p := bytes.TrimSpace(f.Payload)
	if len(p) == 0 || p[0] != '{' {
		return errMissing("payload object")
	}
	return nil
}

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	}
	return "unknown"
}
