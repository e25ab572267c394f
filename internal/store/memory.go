package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"go-relay/internal/models"
)

// Memory is an in-process Store used when no database is configured and in
// tests.
type Memory struct {
	conversations map[string]*models.Conversation
	messages      map[string][]*models.Message // conversation id -> creation order
	lastCreated   time.Time
	now           func() time.Time
	mu            sync.RWMutex
}

func NewMemory() *Memory {
	return &Memory{
		conversations: make(map[string]*models.Conversation),
		messages:      make(map[string][]*models.Message),
		now:           time.Now,
	}
}

// tick returns a creation time strictly after the previous one so cursors
// never skip rows sharing a timestamp. Caller holds the write lock.
func (m *Memory) tick() time.Time {
	t := m.now().UTC()
	if !t.After(m.lastCreated) {
		t = m.lastCreated.Add(time.Microsecond)
	}
	m.lastCreated = t
	return t
}

func (m *Memory) CreateConversation(ctx context.Context, nc NewConversation) (*models.Conversation, bool, error) {
	nc.MemberIDs = UniqueMembers(append(nc.MemberIDs, nc.CreatorID))

	m.mu.Lock()
	defer m.mu.Unlock()

	if isDirectPair(nc) {
		key := directKey(nc.MemberIDs)
		for _, c := range m.conversations {
			if c.Type == models.ConversationDirect && len(c.Members) == 2 && directKey(c.MemberIDs()) == key {
				return copyConversation(c), false, nil
			}
		}
	}

	now := m.tick()
	conv := &models.Conversation{
		ID:             uuid.NewString(),
		Name:           nc.Name,
		Type:           nc.Type,
		ServiceOrderID: nc.ServiceOrderID,
		CreatedAt:      now,
	}
	for _, id := range nc.MemberIDs {
		conv.Members = append(conv.Members, models.Member{
			ConversationID: conv.ID,
			UserID:         id,
			IsAdmin:        id == nc.CreatorID,
			JoinedAt:       now,
		})
	}

	m.conversations[conv.ID] = conv
	return copyConversation(conv), true, nil
}

func (m *Memory) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyConversation(c), nil
}

func (m *Memory) ListConversations(ctx context.Context, userID string, filter ConversationFilter) ([]models.ConversationSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.ConversationSummary
	for _, c := range m.conversations {
		if !filter.Includes(c.Type) || memberIndex(c, userID) < 0 {
			continue
		}

		summary := models.ConversationSummary{Conversation: *copyConversation(c)}
		msgs := m.messages[c.ID]
		if n := len(msgs); n > 0 {
			last := *msgs[n-1]
			summary.LastMessage = &last
		}
		for _, msg := range msgs {
			if !msg.Read && msg.SenderID != userID {
				summary.UnreadCount++
			}
		}
		out = append(out, summary)
	}

	sort.Slice(out, func(i, j int) bool {
		return activity(&out[i].Conversation).After(activity(&out[j].Conversation))
	})
	return out, nil
}

func (m *Memory) GetMembership(ctx context.Context, conversationID, userID string) (*models.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	i := memberIndex(c, userID)
	if i < 0 {
		return nil, ErrNotFound
	}
	member := c.Members[i]
	return &member, nil
}

func (m *Memory) CreateMessage(ctx context.Context, nm NewMessage) (*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[nm.ConversationID]
	if !ok {
		return nil, ErrNotFound
	}

	if nm.ReplyToID != "" && !m.hasMessage(nm.ConversationID, nm.ReplyToID) {
		return nil, ErrReplyNotFound
	}

	msg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: nm.ConversationID,
		SenderID:       nm.SenderID,
		Content:        nm.Content,
		Type:           nm.Type,
		MediaID:        nm.MediaID,
		ReplyToID:      nm.ReplyToID,
		CreatedAt:      m.tick(),
	}
	m.messages[nm.ConversationID] = append(m.messages[nm.ConversationID], msg)

	created := msg.CreatedAt
	c.LastMessageID = msg.ID
	c.LastMessageTime = &created

	out := *msg
	return &out, nil
}

func (m *Memory) hasMessage(conversationID, messageID string) bool {
	for _, msg := range m.messages[conversationID] {
		if msg.ID == messageID {
			return true
		}
	}
	return false
}

func (m *Memory) ListMessages(ctx context.Context, conversationID string, before time.Time, limit int) ([]models.Message, error) {
	limit = clampLimit(limit)

	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[conversationID]
	out := make([]models.Message, 0, limit)
	// newest first, then reversed for display
	for i := len(msgs) - 1; i >= 0 && len(out) < limit; i-- {
		if !before.IsZero() && !msgs[i].CreatedAt.Before(before) {
			continue
		}
		out = append(out, *msgs[i])
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (m *Memory) MarkRead(ctx context.Context, conversationID, readerID string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, msg := range m.messages[conversationID] {
		if msg.Read || msg.SenderID == readerID {
			continue
		}
		readAt := at
		msg.Read = true
		msg.ReadAt = &readAt
		msg.ReadBy = readerID
		n++
	}
	return n, nil
}

func (m *Memory) Close() error { return nil }

func memberIndex(c *models.Conversation, userID string) int {
	for i, member := range c.Members {
		if member.UserID == userID {
			return i
		}
	}
	return -1
}

func activity(c *models.Conversation) time.Time {
	if c.LastMessageTime != nil {
		return *c.LastMessageTime
	}
	return c.CreatedAt
}

func copyConversation(c *models.Conversation) *models.Conversation {
	out := *c
	out.Members = append([]models.Member(nil), c.Members...)
	if c.LastMessageTime != nil {
		t := *c.LastMessageTime
		out.LastMessageTime = &t
	}
	return &out
}
