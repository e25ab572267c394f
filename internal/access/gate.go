// Package access enforces conversation membership before any publish or
// subscribe action scoped to a conversation.
package access

import (
	"context"
	"errors"
	"fmt"

	"go-relay/internal/auth"
	"go-relay/internal/channels"
	"go-relay/internal/models"
	"go-relay/internal/store"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
)

// MembershipReader is the slice of the store the gate needs.
type MembershipReader interface {
	GetMembership(ctx context.Context, conversationID, userID string) (*models.Member, error)
}

type Gate struct {
	members MembershipReader
}

func NewGate(members MembershipReader) *Gate {
	return &Gate{members: members}
}

// Authorize returns the caller's membership of conversationID, ErrUnauthorized
// without an identity, or ErrForbidden when no membership record exists.
func (g *Gate) Authorize(ctx context.Context, id *auth.Identity, conversationID string) (*models.Member, error) {
	if id == nil || id.ID == "" {
		return nil, ErrUnauthorized
	}
	if conversationID == "" {
		return nil, ErrForbidden
	}

	member, err := g.members.GetMembership(ctx, conversationID, id.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrForbidden
	}
	if err != nil {
		return nil, fmt.Errorf("membership lookup: %w", err)
	}
	return member, nil
}

// AuthorizeChannel checks a subscription to a broker channel. Personal
// channels are reserved for their owner; conversation-scoped channels require
// membership; unknown channel classes are refused.
func (g *Gate) AuthorizeChannel(ctx context.Context, id *auth.Identity, channel string) error {
	if id == nil || id.ID == "" {
		return ErrUnauthorized
	}

	class, entityID, ok := channels.Parse(channel)
	switch {
	case !ok:
		return ErrForbidden
	case class == channels.ClassUser:
		if entityID != id.ID {
			return ErrForbidden
		}
		return nil
	case class.ConversationScoped():
		_, err := g.Authorize(ctx, id, entityID)
		return err
	default:
		return ErrForbidden
	}
}
