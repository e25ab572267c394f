// Package messaging orchestrates conversation and message operations:
// authorize, write to the store, then notify subscribers.
//
// Persistence is authoritative. A failed publish is logged and reported but
// never undoes a write, and a failed write never publishes.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"go-relay/internal/access"
	"go-relay/internal/auth"
	"go-relay/internal/channels"
	"go-relay/internal/models"
	"go-relay/internal/realtime"
	"go-relay/internal/store"
)

var ErrNotFound = errors.New("not found")

// PresenceSource lists users currently subscribed to a channel.
type PresenceSource interface {
	ChannelUsers(channel string) []string
}

type Service struct {
	store     store.Store
	gate      *access.Gate
	publisher realtime.EventPublisher
	presence  PresenceSource
	now       func() time.Time
}

func NewService(st store.Store, gate *access.Gate, publisher realtime.EventPublisher) *Service {
	return &Service{
		store:     st,
		gate:      gate,
		publisher: publisher,
		now:       time.Now,
	}
}

// SetPresenceSource wires the gateway hub once it exists.
func (s *Service) SetPresenceSource(p PresenceSource) {
	s.presence = p
}

type SendMessageInput struct {
	Content   string             `json:"content" validate:"required_without=MediaID"`
	Type      models.MessageType `json:"type" validate:"oneof=TEXT IMAGE VIDEO AUDIO FILE SERVICE_NOTIFICATION"`
	MediaID   string             `json:"mediaId"`
	ReplyToID string             `json:"replyToId"`
}

func (in *SendMessageInput) validate() error {
	if in.Type == "" {
		in.Type = models.MessageText
	}
	return Validate(in)
}

// SendMessage persists a message from a member and then publishes
// message_sent to the conversation channel plus a notification to every other
// member. The returned results describe the publishes; their failure does not
// make the send fail.
func (s *Service) SendMessage(ctx context.Context, id *auth.Identity, conversationID string, in SendMessageInput) (*models.Message, []realtime.PublishResult, error) {
	if _, err := s.gate.Authorize(ctx, id, conversationID); err != nil {
		return nil, nil, err
	}
	if err := in.validate(); err != nil {
		return nil, nil, err
	}

	msg, err := s.store.CreateMessage(ctx, store.NewMessage{
		ConversationID: conversationID,
		SenderID:       id.ID,
		Content:        in.Content,
		Type:           in.Type,
		MediaID:        in.MediaID,
		ReplyToID:      in.ReplyToID,
	})
	switch {
	case errors.Is(err, store.ErrReplyNotFound):
		return nil, nil, Invalid("replyToId", "message not found in this conversation")
	case errors.Is(err, store.ErrNotFound):
		return nil, nil, ErrNotFound
	case err != nil:
		return nil, nil, fmt.Errorf("create message: %w", err)
	}

	results := []realtime.PublishResult{
		s.publish(ctx, channels.Conversation(conversationID), models.EventMessageSent, id.ID, msg),
	}

	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		log.Warn().Err(err).Str("conversation", conversationID).Msg("[MESSAGING] Skipping member notifications")
		return msg, results, nil
	}

	note := models.NotificationData{
		Kind:           "new_message",
		ConversationID: conversationID,
		MessageID:      msg.ID,
		Title:          displayName(id),
		Body:           preview(msg),
	}
	for _, memberID := range conv.MemberIDs() {
		if memberID == id.ID {
			continue
		}
		results = append(results, s.publish(ctx, channels.User(memberID), models.EventNotification, id.ID, note))
	}
	return msg, results, nil
}

// SendTyping publishes typing_start or typing_stop to the conversation's
// typing channel. Typing events are ephemeral and never persisted.
func (s *Service) SendTyping(ctx context.Context, id *auth.Identity, conversationID string, isTyping bool) (realtime.PublishResult, error) {
	if _, err := s.gate.Authorize(ctx, id, conversationID); err != nil {
		return realtime.PublishResult{}, err
	}

	eventType := models.EventTypingStop
	if isTyping {
		eventType = models.EventTypingStart
	}
	return s.publish(ctx, channels.Typing(conversationID), eventType, id.ID, models.TypingData{
		UserID:         id.ID,
		UserName:       id.Name,
		ConversationID: conversationID,
	}), nil
}

type CreateConversationInput struct {
	ParticipantIDs []string                `json:"participantIds" validate:"min=1,dive,required"`
	Name           string                  `json:"name"`
	Type           models.ConversationType `json:"type" validate:"oneof=DIRECT GROUP SERVICE"`
	ServiceOrderID string                  `json:"serviceOrderId"`
}

func (in *CreateConversationInput) validate() error {
	if in.Type == "" {
		in.Type = models.ConversationDirect
	}
	return Validate(in)
}

// CreateConversation creates a conversation with the caller as admin, or
// returns the existing direct conversation between the two users. A new
// conversation is announced on every member's personal channel.
func (s *Service) CreateConversation(ctx context.Context, id *auth.Identity, in CreateConversationInput) (*models.Conversation, bool, error) {
	if id == nil || id.ID == "" {
		return nil, false, access.ErrUnauthorized
	}
	if err := in.validate(); err != nil {
		return nil, false, err
	}

	conv, created, err := s.store.CreateConversation(ctx, store.NewConversation{
		Name:           in.Name,
		Type:           in.Type,
		ServiceOrderID: in.ServiceOrderID,
		CreatorID:      id.ID,
		MemberIDs:      in.ParticipantIDs,
	})
	if err != nil {
		return nil, false, fmt.Errorf("create conversation: %w", err)
	}

	if created {
		event, err := models.NewEvent(models.EventConversationCreated, id.ID, conv)
		if err != nil {
			log.Error().Err(err).Msg("[MESSAGING] Failed to build conversation_created event")
			return conv, created, nil
		}
		userChannels := make([]string, 0, len(conv.Members))
		for _, memberID := range conv.MemberIDs() {
			userChannels = append(userChannels, channels.User(memberID))
		}
		logFailures(s.publisher.Broadcast(ctx, userChannels, event))
	}
	return conv, created, nil
}

func (s *Service) ListConversations(ctx context.Context, id *auth.Identity, filter store.ConversationFilter) ([]models.ConversationSummary, error) {
	if id == nil || id.ID == "" {
		return nil, access.ErrUnauthorized
	}
	switch filter {
	case store.FilterAll, store.FilterService, store.FilterRegular:
	default:
		return nil, Invalid("type", "must be service or regular")
	}
	return s.store.ListConversations(ctx, id.ID, filter)
}

// ListMessages returns a page of messages oldest first and marks every
// unread message not sent by the caller as read, announcing it with
// message_read when anything changed.
func (s *Service) ListMessages(ctx context.Context, id *auth.Identity, conversationID string, before time.Time, limit int) ([]models.Message, error) {
	if _, err := s.gate.Authorize(ctx, id, conversationID); err != nil {
		return nil, err
	}

	msgs, err := s.store.ListMessages(ctx, conversationID, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	readAt := s.now().UTC()
	n, err := s.store.MarkRead(ctx, conversationID, id.ID, readAt)
	if err != nil {
		return nil, fmt.Errorf("mark read: %w", err)
	}

	if n > 0 {
		s.publish(ctx, channels.Conversation(conversationID), models.EventMessageRead, id.ID, models.MessageReadData{
			ConversationID: conversationID,
			ReaderID:       id.ID,
			Count:          n,
			ReadAt:         readAt,
		})
	}
	return msgs, nil
}

// Presence lists users connected to the conversation's channels on this node.
func (s *Service) Presence(ctx context.Context, id *auth.Identity, conversationID string) ([]string, error) {
	if _, err := s.gate.Authorize(ctx, id, conversationID); err != nil {
		return nil, err
	}
	if s.presence == nil {
		return []string{}, nil
	}
	return s.presence.ChannelUsers(channels.Conversation(conversationID)), nil
}

// publish builds and publishes one event and logs a failed handoff.
func (s *Service) publish(ctx context.Context, channel string, eventType models.EventType, userID string, data any) realtime.PublishResult {
	event, err := models.NewEvent(eventType, userID, data)
	if err != nil {
		result := realtime.PublishResult{Channel: channel, Type: eventType, Err: err}
		logFailures([]realtime.PublishResult{result})
		return result
	}
	result := s.publisher.Publish(ctx, channel, event)
	logFailures([]realtime.PublishResult{result})
	return result
}

func logFailures(results []realtime.PublishResult) {
	for _, r := range results {
		if r.OK() {
			continue
		}
		log.Error().
			Err(r.Err).
			Str("channel", r.Channel).
			Str("type", string(r.Type)).
			Msg("[MESSAGING] Realtime publish failed")
	}
}

func displayName(id *auth.Identity) string {
	if id.Name != "" {
		return id.Name
	}
	if id.Username != "" {
		return id.Username
	}
	return id.ID
}

const previewLength = 80

func preview(msg *models.Message) string {
	if msg.Content == "" {
		return string(msg.Type)
	}
	r := []rune(msg.Content)
	if len(r) <= previewLength {
		return msg.Content
	}
	return string(r[:previewLength]) + "…"
}
