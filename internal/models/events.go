package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

type EventType string

const (
	EventMessageSent         EventType = "message_sent"
	EventMessageRead         EventType = "message_read"
	EventTypingStart         EventType = "typing_start"
	EventTypingStop          EventType = "typing_stop"
	EventUserOnline          EventType = "user_online"
	EventUserOffline         EventType = "user_offline"
	EventConversationCreated EventType = "conversation_created"
	EventNotification        EventType = "notification"
)

// Category groups event types by the subscriber hook that consumes them.
type Category int

const (
	CategoryMessage Category = iota + 1
	CategoryTyping
	CategoryPresence
	CategoryNotification
)

// eventCategories must list every EventType; Event.Category treats a missing
// entry as an unknown type.
var eventCategories = map[EventType]Category{
	EventMessageSent:         CategoryMessage,
	EventMessageRead:         CategoryMessage,
	EventTypingStart:         CategoryTyping,
	EventTypingStop:          CategoryTyping,
	EventUserOnline:          CategoryPresence,
	EventUserOffline:         CategoryPresence,
	EventConversationCreated: CategoryNotification,
	EventNotification:        CategoryNotification,
}

var ErrUnknownEventType = errors.New("unknown event type")

// EventTypes returns every known event type.
func EventTypes() []EventType {
	return []EventType{
		EventMessageSent, EventMessageRead,
		EventTypingStart, EventTypingStop,
		EventUserOnline, EventUserOffline,
		EventConversationCreated, EventNotification,
	}
}

func (t EventType) Category() (Category, error) {
	c, ok := eventCategories[t]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownEventType, string(t))
	}
	return c, nil
}

// Event is the envelope around every realtime event. Type determines the
// shape of Data.
type Event struct {
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
	UserID    string          `json:"userId,omitempty"`
}

// NewEvent builds an envelope stamped with the current time in milliseconds.
func NewEvent(eventType EventType, userID string, data any) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Event{
		Type:      eventType,
		Data:      raw,
		Timestamp: time.Now().UnixMilli(),
		UserID:    userID,
	}, nil
}

// DecodeData unmarshals the payload into v. Callers dispatch on Type first.
func (e Event) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s event has no data", e.Type)
	}
	return json.Unmarshal(e.Data, v)
}

// Specific event data structures

type TypingData struct {
	UserID         string `json:"userId"`
	UserName       string `json:"userName"`
	ConversationID string `json:"conversationId"`
}

type PresenceData struct {
	UserID         string `json:"userId"`
	UserName       string `json:"userName,omitempty"`
	ConversationID string `json:"conversationId"`
}

type MessageReadData struct {
	ConversationID string    `json:"conversationId"`
	ReaderID       string    `json:"readerId"`
	Count          int64     `json:"count"`
	ReadAt         time.Time `json:"readAt"`
}

type NotificationData struct {
	Kind           string `json:"kind"`
	ConversationID string `json:"conversationId,omitempty"`
	MessageID      string `json:"messageId,omitempty"`
	Title          string `json:"title"`
	Body           string `json:"body,omitempty"`
}
