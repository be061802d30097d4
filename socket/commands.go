package socket

import (
	"encoding/json"
)

// Command is an outbound client-to-server instruction. Topic is the ordering
// key: commands sharing a topic are flushed in submission order.
type Command interface {
	Action() string
	Topic() string
	json.Marshaler
}

type JoinTopic struct {
	Name string
}

type LeaveTopic struct {
	Name string
}

// SendMessage posts a chat message into the conversation owned by UserID.
type SendMessage struct {
	UserID          string
	SenderID        string
	Text            string
	ClientMessageID string
}

type UpdateDriverLocation struct {
	OrderID  string
	DriverID string
	Location Location
}

type SendNotification struct {
	UserID string
	Title  string
	Body   string
	Kind   string
	Data   map[string]interface{}
}

type controlFrame struct {
	Action  string `json:"action"`
	Topic   string `json:"topic"`
	OrderID string `json:"orderId,omitempty"`
	UserID  string `json:"userId,omitempty"`
}

func (c JoinTopic) Action() string {
	ref, _ := ParseTopic(c.Name)
	return ref.joinAction()
}

func (c JoinTopic) Topic() string { return c.Name }

func (c JoinTopic) MarshalJSON() ([]byte, error) {
	ref, err := ParseTopic(c.Name)
	if err != nil {
		return nil, err
	}
	return json.Marshal(newControlFrame(ref.joinAction(), ref))
}

func (c LeaveTopic) Action() string {
	ref, _ := ParseTopic(c.Name)
	return ref.leaveAction()
}

func (c LeaveTopic) Topic() string { return c.Name }

func (c LeaveTopic) MarshalJSON() ([]byte, error) {
	ref, err := ParseTopic(c.Name)
	if err != nil {
		return nil, err
	}
	return json.Marshal(newControlFrame(ref.leaveAction(), ref))
}

func newControlFrame(action string, ref TopicRef) controlFrame {
	f := controlFrame{Action: action, Topic: ref.Name}
	switch ref.Kind {
	case TopicOrder:
		f.OrderID = ref.ID
	case TopicConversation, TopicNotifications:
		f.UserID = ref.ID
	}
	return f
}

func (SendMessage) Action() string { return "send-message" }

func (c SendMessage) Topic() string { return ConversationTopic(c.UserID) }

func (c SendMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Action          string `json:"action"`
		UserID          string `json:"userId"`
		SenderID        string `json:"senderId"`
		Text            string `json:"text"`
		ClientMessageID string `json:"clientMessageId,omitempty"`
	}{c.Action(), c.UserID, c.SenderID, c.Text, c.ClientMessageID})
}

func (UpdateDriverLocation) Action() string { return "update-driver-location" }

func (c UpdateDriverLocation) Topic() string { return OrderTopic(c.OrderID) }

func (c UpdateDriverLocation) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Action   string   `json:"action"`
		OrderID  string   `json:"orderId"`
		DriverID string   `json:"driverId"`
		Location Location `json:"location"`
	}{c.Action(), c.OrderID, c.DriverID, c.Location})
}

func (SendNotification) Action() string { return "send-notification" }

func (c SendNotification) Topic() string { return NotificationsTopic(c.UserID) }

func (c SendNotification) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Action string                 `json:"action"`
		UserID string                 `json:"userId"`
		Title  string                 `json:"title"`
		Body   string                 `json:"body,omitempty"`
		Kind   string                 `json:"kind,omitempty"`
		Data   map[string]interface{} `json:"data,omitempty"`
	}{c.Action(), c.UserID, c.Title, c.Body, c.Kind, c.Data})
}

func isControl(c Command) bool {
	switch c.(type) {
	case JoinTopic, LeaveTopic:
		return true
	}
	return false
}
