package socket

import (
	"strings"
)

type TopicKind int

const (
	TopicGeneric TopicKind = iota
	TopicOrder
	TopicNotifications
	TopicConversation
)

// TopicRef is a parsed topic key.
//
//	order:<id>               order tracking
//	user:<id>:notifications  a user's notification inbox
//	conversation:<userId>    the admin conversation with a user
type TopicRef struct {
	Kind TopicKind
	Name string
	ID   string
}

func OrderTopic(orderID string) string {
	return "order:" + orderID
}

func NotificationsTopic(userID string) string {
	return "user:" + userID + ":notifications"
}

func ConversationTopic(userID string) string {
	return "conversation:" + userID
}

// ParseTopic never fails for a non-empty string: anything that does not match a
// known shape is a generic topic.
func ParseTopic(topic string) (TopicRef, error) {
	if strings.TrimSpace(topic) == "" {
		return TopicRef{}, ErrInvalidTopic
	}

	ref := TopicRef{Kind: TopicGeneric, Name: topic}

	switch {
	case strings.HasPrefix(topic, "order:"):
		if id := strings.TrimPrefix(topic, "order:"); id != "" && !strings.Contains(id, ":") {
			ref.Kind, ref.ID = TopicOrder, id
		}
	case strings.HasPrefix(topic, "conversation:"):
		if id := strings.TrimPrefix(topic, "conversation:"); id != "" && !strings.Contains(id, ":") {
			ref.Kind, ref.ID = TopicConversation, id
		}
	case strings.HasPrefix(topic, "user:") && strings.HasSuffix(topic, ":notifications"):
		id := strings.TrimSuffix(strings.TrimPrefix(topic, "user:"), ":notifications")
		if id != "" && !strings.Contains(id, ":") {
			ref.Kind, ref.ID = TopicNotifications, id
		}
	}

	return ref, nil
}

func (r TopicRef) joinAction() string {
	switch r.Kind {
	case TopicOrder:
		return "join-tracking"
	case TopicConversation:
		return "join-conversation"
	case TopicNotifications:
		return "join-notifications"
	}
	return "join"
}

func (r TopicRef) leaveAction() string {
	switch r.Kind {
	case TopicOrder:
		return "leave-tracking"
	case TopicConversation:
		return "leave-conversation"
	case TopicNotifications:
		return "leave-notifications"
	}
	return "leave"
}
