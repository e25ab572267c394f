// Package store is the system of record for conversations, memberships and
// messages. The realtime layer only reads memberships and writes through the
// Store interface; it never owns durable state.
package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"go-relay/internal/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrReplyNotFound = errors.New("reply target not found in conversation")
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// ConversationFilter narrows ListConversations by conversation type.
type ConversationFilter string

const (
	FilterAll     ConversationFilter = ""
	FilterService ConversationFilter = "service"
	FilterRegular ConversationFilter = "regular"
)

func (f ConversationFilter) Includes(t models.ConversationType) bool {
	switch f {
	case FilterService:
		return t == models.ConversationService
	case FilterRegular:
		return t == models.ConversationDirect || t == models.ConversationGroup
	default:
		return true
	}
}

type NewConversation struct {
	Name           string
	Type           models.ConversationType
	ServiceOrderID string
	CreatorID      string
	// MemberIDs includes the creator; duplicates are ignored.
	MemberIDs []string
}

type NewMessage struct {
	ConversationID string
	SenderID       string
	Content        string
	Type           models.MessageType
	MediaID        string
	ReplyToID      string
}

type Store interface {
	// CreateConversation creates a conversation with its members. For a direct
	// conversation between exactly two users an existing one is returned
	// instead, with created false.
	CreateConversation(ctx context.Context, nc NewConversation) (conv *models.Conversation, created bool, err error)
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	ListConversations(ctx context.Context, userID string, filter ConversationFilter) ([]models.ConversationSummary, error)

	// GetMembership returns ErrNotFound when userID is not a member.
	GetMembership(ctx context.Context, conversationID, userID string) (*models.Member, error)

	// CreateMessage persists a message and records it as the conversation's
	// last message.
	CreateMessage(ctx context.Context, nm NewMessage) (*models.Message, error)

	// ListMessages returns up to limit messages created strictly before the
	// cursor (zero cursor means newest), oldest first.
	ListMessages(ctx context.Context, conversationID string, before time.Time, limit int) ([]models.Message, error)

	// MarkRead flags every unread message not sent by readerID as read.
	MarkRead(ctx context.Context, conversationID, readerID string, at time.Time) (int64, error)

	Close() error
}

// UniqueMembers deduplicates ids, keeps order and drops empty ids.
func UniqueMembers(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// directKey identifies the pair of a direct conversation independent of order.
func directKey(memberIDs []string) string {
	ids := append([]string(nil), memberIDs...)
	sort.Strings(ids)
	return "direct:" + strings.Join(ids, ",")
}

func isDirectPair(nc NewConversation) bool {
	return nc.Type == models.ConversationDirect && len(nc.MemberIDs) == 2
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}
