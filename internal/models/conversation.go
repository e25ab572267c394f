package models

import "time"

type ConversationType string

const (
	ConversationDirect  ConversationType = "DIRECT"
	ConversationGroup   ConversationType = "GROUP"
	ConversationService ConversationType = "SERVICE"
)

type MessageType string

const (
	MessageText                MessageType = "TEXT"
	MessageImage               MessageType = "IMAGE"
	MessageVideo               MessageType = "VIDEO"
	MessageAudio               MessageType = "AUDIO"
	MessageFile                MessageType = "FILE"
	MessageServiceNotification MessageType = "SERVICE_NOTIFICATION"
)

type Member struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	IsAdmin        bool      `json:"isAdmin"`
	JoinedAt       time.Time `json:"joinedAt"`
}

type Conversation struct {
	ID              string           `json:"id"`
	Name            string           `json:"name,omitempty"`
	Type            ConversationType `json:"type"`
	ServiceOrderID  string           `json:"serviceOrderId,omitempty"`
	LastMessageID   string           `json:"lastMessageId,omitempty"`
	LastMessageTime *time.Time       `json:"lastMessageTime,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
	Members         []Member         `json:"members"`
}

// MemberIDs returns the user ids of all members.
func (c *Conversation) MemberIDs() []string {
	ids := make([]string, 0, len(c.Members))
	for _, m := range c.Members {
		ids = append(ids, m.UserID)
	}
	return ids
}

// ConversationSummary is a conversation as listed for one user.
type ConversationSummary struct {
	Conversation
	LastMessage *Message `json:"lastMessage,omitempty"`
	UnreadCount int64    `json:"unreadCount"`
}

type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	Content        string      `json:"content,omitempty"`
	Type           MessageType `json:"type"`
	MediaID        string      `json:"mediaId,omitempty"`
	ReplyToID      string      `json:"replyToId,omitempty"`
	Read           bool        `json:"read"`
	ReadAt         *time.Time  `json:"readAt,omitempty"`
	ReadBy         string      `json:"readBy,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
}
