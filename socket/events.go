package socket

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event is an inbound frame after routing: the topic it arrived on, its type,
// the server sequence number when one was sent, and the decoded payload.
type Event struct {
	Topic  string
	Type   EventType
	Seq    uint64
	HasSeq bool
	Data   Payload
	Raw    json.RawMessage
}

// Payload is implemented by every typed inbound event body.
type Payload interface {
	EventType() EventType
}

type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Heading   float64 `json:"heading,omitempty"`
	SpeedKmh  float64 `json:"speed_kmh,omitempty"`
}

type TrackingUpdate struct {
	OrderID          string    `json:"orderId"`
	Status           string    `json:"status"`
	DriverLocation   *Location `json:"driverLocation,omitempty"`
	EstimatedArrival string    `json:"estimatedArrival,omitempty"`
	UpdatedAt        time.Time `json:"updatedAt,omitempty"`
}

type DriverLocationUpdate struct {
	OrderID   string    `json:"orderId"`
	DriverID  string    `json:"driverId"`
	Location  Location  `json:"location"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

type ChatMessage struct {
	ID          string    `json:"id,omitempty"`
	SenderID    string    `json:"senderId"`
	RecipientID string    `json:"recipientId,omitempty"`
	Text        string    `json:"text"`
	SentAt      time.Time `json:"sentAt,omitempty"`
}

type NewMessage struct {
	ChatMessage
}

type AdminMessage struct {
	ChatMessage
	AdminName string `json:"adminName,omitempty"`
}

type OrderStatusUpdate struct {
	OrderID string `json:"orderId"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type DeliveryUpdate struct {
	OrderID    string `json:"orderId"`
	DeliveryID string `json:"deliveryId,omitempty"`
	Status     string `json:"status"`
	ETAMinutes int    `json:"etaMinutes,omitempty"`
}

type Promotion struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body,omitempty"`
	Code      string    `json:"code,omitempty"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

type GenericNotification struct {
	ID    string                 `json:"id,omitempty"`
	Title string                 `json:"title"`
	Body  string                 `json:"body,omitempty"`
	Kind  string                 `json:"kind,omitempty"`
	Data  map[string]interface{} `json:"data,omitempty"`
}

func (*TrackingUpdate) EventType() EventType       { return EventTrackingUpdate }
func (*DriverLocationUpdate) EventType() EventType { return EventDriverLocationUpdate }
func (*NewMessage) EventType() EventType           { return EventNewMessage }
func (*AdminMessage) EventType() EventType         { return EventAdminMessage }
func (*OrderStatusUpdate) EventType() EventType    { return EventOrderUpdate }
func (*DeliveryUpdate) EventType() EventType       { return EventDeliveryUpdate }
func (*Promotion) EventType() EventType            { return EventPromotion }
func (*GenericNotification) EventType() EventType  { return EventNotification }

var payloadFactories = map[EventType]func() Payload{
	EventTrackingUpdate:       func() Payload { return &TrackingUpdate{} },
	EventDriverLocationUpdate: func() Payload { return &DriverLocationUpdate{} },
	EventNewMessage:           func() Payload { return &NewMessage{} },
	EventAdminMessage:         func() Payload { return &AdminMessage{} },
	EventOrderUpdate:          func() Payload { return &OrderStatusUpdate{} },
	EventDeliveryUpdate:       func() Payload { return &DeliveryUpdate{} },
	EventPromotion:            func() Payload { return &Promotion{} },
	EventNotification:         func() Payload { return &GenericNotification{} },
}

// KnownEventType reports whether t has a typed payload.
func KnownEventType(t EventType) bool {
	_, ok := payloadFactories[t]
	return ok
}

func decodePayload(t EventType, raw json.RawMessage) (Payload, error) {
	factory, ok := payloadFactories[t]
	if !ok {
		return nil, fmt.Errorf("unknown event type %q", t)
	}
	p := factory()
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", t, err)
	}
	return p, nil
}
