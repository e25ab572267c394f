package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-relay/internal/models"
)

// testStoreContract runs the behavior every Store implementation must share.
func testStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("creates conversation with creator as admin", func(t *testing.T) {
		s := newStore(t)

		conv, created, err := s.CreateConversation(ctx, NewConversation{
			Name:      "team",
			Type:      models.ConversationGroup,
			CreatorID: "alice",
			MemberIDs: []string{"bob", "carol", "bob"},
		})
		require.NoError(t, err)
		assert.True(t, created)
		assert.NotEmpty(t, conv.ID)
		assert.Equal(t, "team", conv.Name)
		assert.ElementsMatch(t, []string{"alice", "bob", "carol"}, conv.MemberIDs())

		for _, m := range conv.Members {
			assert.Equal(t, m.UserID == "alice", m.IsAdmin, "member %s", m.UserID)
		}
	})

	t.Run("returns existing direct conversation", func(t *testing.T) {
		s := newStore(t)

		first, created, err := s.CreateConversation(ctx, NewConversation{
			Type: models.ConversationDirect, CreatorID: "alice", MemberIDs: []string{"bob"},
		})
		require.NoError(t, err)
		require.True(t, created)

		second, created, err := s.CreateConversation(ctx, NewConversation{
			Type: models.ConversationDirect, CreatorID: "bob", MemberIDs: []string{"alice"},
		})
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, first.ID, second.ID)

		group, created, err := s.CreateConversation(ctx, NewConversation{
			Type: models.ConversationGroup, CreatorID: "bob", MemberIDs: []string{"alice"},
		})
		require.NoError(t, err)
		assert.True(t, created)
		assert.NotEqual(t, first.ID, group.ID)
	})

	t.Run("concurrent direct creation yields one conversation", func(t *testing.T) {
		s := newStore(t)

		ids := make([]string, 8)
		var wg sync.WaitGroup
		for i := range ids {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				conv, _, err := s.CreateConversation(ctx, NewConversation{
					Type: models.ConversationDirect, CreatorID: "dave", MemberIDs: []string{"erin"},
				})
				if assert.NoError(t, err) {
					ids[i] = conv.ID
				}
			}(i)
		}
		wg.Wait()

		for _, id := range ids {
			assert.Equal(t, ids[0], id)
		}
	})

	t.Run("membership lookup", func(t *testing.T) {
		s := newStore(t)
		conv, _, err := s.CreateConversation(ctx, NewConversation{
			Type: models.ConversationDirect, CreatorID: "alice", MemberIDs: []string{"bob"},
		})
		require.NoError(t, err)

		m, err := s.GetMembership(ctx, conv.ID, "bob")
		require.NoError(t, err)
		assert.Equal(t, "bob", m.UserID)
		assert.False(t, m.IsAdmin)

		_, err = s.GetMembership(ctx, conv.ID, "mallory")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("messages paginate oldest first", func(t *testing.T) {
		s := newStore(t)
		conv, _, err := s.CreateConversation(ctx, NewConversation{
			Type: models.ConversationDirect, CreatorID: "alice", MemberIDs: []string{"bob"},
		})
		require.NoError(t, err)

		var sent []*models.Message
		for _, content := range []string{"one", "two", "three", "four", "five"} {
			msg, err := s.CreateMessage(ctx, NewMessage{
				ConversationID: conv.ID, SenderID: "alice", Content: content, Type: models.MessageText,
			})
			require.NoError(t, err)
			sent = append(sent, msg)
		}

		page, err := s.ListMessages(ctx, conv.ID, time.Time{}, 2)
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, "four", page[0].Content)
		assert.Equal(t, "five", page[1].Content)

		page, err = s.ListMessages(ctx, conv.ID, page[0].CreatedAt, 2)
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, "two", page[0].Content)
		assert.Equal(t, "three", page[1].Content)

		got, err := s.GetConversation(ctx, conv.ID)
		require.NoError(t, err)
		assert.Equal(t, sent[4].ID, got.LastMessageID)
		require.NotNil(t, got.LastMessageTime)
	})

	t.Run("message to unknown conversation", func(t *testing.T) {
		s := newStore(t)
		_, err := s.CreateMessage(ctx, NewMessage{ConversationID: "00000000-0000-0000-0000-000000000000", SenderID: "alice", Type: models.MessageText})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("reply must target same conversation", func(t *testing.T) {
		s := newStore(t)
		a, _, err := s.CreateConversation(ctx, NewConversation{Type: models.ConversationGroup, CreatorID: "alice", MemberIDs: []string{"bob"}})
		require.NoError(t, err)
		b, _, err := s.CreateConversation(ctx, NewConversation{Type: models.ConversationGroup, CreatorID: "alice", MemberIDs: []string{"carol"}})
		require.NoError(t, err)

		original, err := s.CreateMessage(ctx, NewMessage{ConversationID: a.ID, SenderID: "alice", Content: "q", Type: models.MessageText})
		require.NoError(t, err)

		reply, err := s.CreateMessage(ctx, NewMessage{ConversationID: a.ID, SenderID: "bob", Content: "a", Type: models.MessageText, ReplyToID: original.ID})
		require.NoError(t, err)
		assert.Equal(t, original.ID, reply.ReplyToID)

		_, err = s.CreateMessage(ctx, NewMessage{ConversationID: b.ID, SenderID: "alice", Type: models.MessageText, ReplyToID: original.ID})
		assert.ErrorIs(t, err, ErrReplyNotFound)
	})

	t.Run("mark read skips own messages", func(t *testing.T) {
		s := newStore(t)
		conv, _, err := s.CreateConversation(ctx, NewConversation{Type: models.ConversationDirect, CreatorID: "alice", MemberIDs: []string{"bob"}})
		require.NoError(t, err)

		for _, sender := range []string{"alice", "bob", "alice"} {
			_, err := s.CreateMessage(ctx, NewMessage{ConversationID: conv.ID, SenderID: sender, Content: "x", Type: models.MessageText})
			require.NoError(t, err)
		}

		summaries, err := s.ListConversations(ctx, "bob", FilterAll)
		require.NoError(t, err)
		require.Len(t, summaries, 1)
		assert.EqualValues(t, 2, summaries[0].UnreadCount)
		require.NotNil(t, summaries[0].LastMessage)
		assert.Equal(t, "alice", summaries[0].LastMessage.SenderID)

		at := time.Now().UTC().Truncate(time.Millisecond)
		n, err := s.MarkRead(ctx, conv.ID, "bob", at)
		require.NoError(t, err)
		assert.EqualValues(t, 2, n)

		n, err = s.MarkRead(ctx, conv.ID, "bob", at)
		require.NoError(t, err)
		assert.Zero(t, n)

		msgs, err := s.ListMessages(ctx, conv.ID, time.Time{}, 0)
		require.NoError(t, err)
		for _, m := range msgs {
			if m.SenderID == "alice" {
				assert.True(t, m.Read)
				assert.Equal(t, "bob", m.ReadBy)
			} else {
				assert.False(t, m.Read)
			}
		}
	})

	t.Run("list filters by type and membership", func(t *testing.T) {
		s := newStore(t)
		_, _, err := s.CreateConversation(ctx, NewConversation{Type: models.ConversationDirect, CreatorID: "alice", MemberIDs: []string{"bob"}})
		require.NoError(t, err)
		_, _, err = s.CreateConversation(ctx, NewConversation{Type: models.ConversationService, CreatorID: "alice", MemberIDs: []string{"bob"}, ServiceOrderID: "order-1"})
		require.NoError(t, err)
		_, _, err = s.CreateConversation(ctx, NewConversation{Type: models.ConversationGroup, CreatorID: "carol", MemberIDs: []string{"dave"}})
		require.NoError(t, err)

		all, err := s.ListConversations(ctx, "alice", FilterAll)
		require.NoError(t, err)
		assert.Len(t, all, 2)

		service, err := s.ListConversations(ctx, "alice", FilterService)
		require.NoError(t, err)
		require.Len(t, service, 1)
		assert.Equal(t, "order-1", service[0].ServiceOrderID)

		regular, err := s.ListConversations(ctx, "alice", FilterRegular)
		require.NoError(t, err)
		require.Len(t, regular, 1)
		assert.Equal(t, models.ConversationDirect, regular[0].Type)
	})
}
