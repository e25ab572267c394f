package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"go-relay/internal/models"
)

// Postgres implements Store on the application's relational database. The
// tables are owned by the web application's migrations:
//
//	conversations(id, name, type, service_order_id, last_message_id, last_message_time, created_at)
//	conversation_members(conversation_id, user_id, is_admin, joined_at)
//	messages(id, conversation_id, sender_id, content, type, media_id, reply_to_id,
//	         read, read_at, read_by, created_at)
type Postgres struct {
	pool *pgxpool.Pool
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	log.Info().Msg("[STORE] Connected to Postgres")
	return &Postgres{pool: pool}, nil
}

const conversationColumns = `id, name, type, service_order_id, last_message_id, last_message_time, created_at`

const messageColumns = `id, conversation_id, sender_id, content, type, media_id, reply_to_id,
	read, read_at, read_by, created_at`

func (s *Postgres) CreateConversation(ctx context.Context, nc NewConversation) (*models.Conversation, bool, error) {
	nc.MemberIDs = UniqueMembers(append(nc.MemberIDs, nc.CreatorID))

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if isDirectPair(nc) {
		// Serializes concurrent creation of the same pair.
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, directKey(nc.MemberIDs)); err != nil {
			return nil, false, fmt.Errorf("lock direct conversation: %w", err)
		}

		var existingID string
		err := tx.QueryRow(ctx, `
			SELECT c.id
			FROM conversations c
			WHERE c.type = 'DIRECT'
			  AND (SELECT count(*) FROM conversation_members m WHERE m.conversation_id = c.id) = 2
			  AND NOT EXISTS (
				SELECT 1 FROM conversation_members m
				WHERE m.conversation_id = c.id AND m.user_id <> ALL($1)
			  )
			LIMIT 1
		`, nc.MemberIDs).Scan(&existingID)

		switch {
		case err == nil:
			conv, err := loadConversation(ctx, tx, existingID)
			if err != nil {
				return nil, false, err
			}
			return conv, false, tx.Commit(ctx)
		case !errors.Is(err, pgx.ErrNoRows):
			return nil, false, fmt.Errorf("find direct conversation: %w", err)
		}
	}

	id := uuid.NewString()
	now := time.Now().UTC()

	if _, err := tx.Exec(ctx, `
		INSERT INTO conversations (id, name, type, service_order_id, created_at)
		VALUES ($1, NULLIF($2, ''), $3, NULLIF($4, ''), $5)
	`, id, nc.Name, string(nc.Type), nc.ServiceOrderID, now); err != nil {
		return nil, false, fmt.Errorf("insert conversation: %w", err)
	}

	for _, userID := range nc.MemberIDs {
		if _, err := tx.Exec(ctx, `
			INSERT INTO conversation_members (conversation_id, user_id, is_admin, joined_at)
			VALUES ($1, $2, $3, $4)
		`, id, userID, userID == nc.CreatorID, now); err != nil {
			return nil, false, fmt.Errorf("insert member %s: %w", userID, err)
		}
	}

	conv, err := loadConversation(ctx, tx, id)
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return conv, true, nil
}

func (s *Postgres) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	return loadConversation(ctx, s.pool, id)
}

func (s *Postgres) ListConversations(ctx context.Context, userID string, filter ConversationFilter) ([]models.ConversationSummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.id, c.name, c.type, c.service_order_id, c.last_message_id, c.last_message_time, c.created_at,
		       (SELECT count(*) FROM messages m
		        WHERE m.conversation_id = c.id AND m.read = false AND m.sender_id <> $1) AS unread
		FROM conversations c
		JOIN conversation_members cm ON cm.conversation_id = c.id AND cm.user_id = $1
		WHERE $2 = ''
		   OR ($2 = 'service' AND c.type = 'SERVICE')
		   OR ($2 = 'regular' AND c.type IN ('DIRECT', 'GROUP'))
		ORDER BY COALESCE(c.last_message_time, c.created_at) DESC
	`, userID, string(filter))
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	var out []models.ConversationSummary
	for rows.Next() {
		var summary models.ConversationSummary
		if err := scanConversation(rows, &summary.Conversation, &summary.UnreadCount); err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, summary)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		members, err := loadMembers(ctx, s.pool, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Members = members

		if out[i].LastMessageID == "" {
			continue
		}
		last, err := scanMessage(s.pool.QueryRow(ctx,
			`SELECT `+messageColumns+` FROM messages WHERE id = $1`, out[i].LastMessageID))
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("load last message: %w", err)
		}
		out[i].LastMessage = last
	}
	return out, nil
}

func (s *Postgres) GetMembership(ctx context.Context, conversationID, userID string) (*models.Member, error) {
	var m models.Member
	err := s.pool.QueryRow(ctx, `
		SELECT conversation_id, user_id, is_admin, joined_at
		FROM conversation_members
		WHERE conversation_id = $1 AND user_id = $2
	`, conversationID, userID).Scan(&m.ConversationID, &m.UserID, &m.IsAdmin, &m.JoinedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get membership: %w", err)
	}
	return &m, nil
}

func (s *Postgres) CreateMessage(ctx context.Context, nm NewMessage) (*models.Message, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM conversations WHERE id = $1)`, nm.ConversationID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check conversation: %w", err)
	}
	if !exists {
		return nil, ErrNotFound
	}

	if nm.ReplyToID != "" {
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1 AND conversation_id = $2)`,
			nm.ReplyToID, nm.ConversationID).Scan(&exists); err != nil {
			return nil, fmt.Errorf("check reply target: %w", err)
		}
		if !exists {
			return nil, ErrReplyNotFound
		}
	}

	msg, err := scanMessage(tx.QueryRow(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, content, type, media_id, reply_to_id, read, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, NULLIF($6, ''), NULLIF($7, ''), false, $8)
		RETURNING `+messageColumns,
		uuid.NewString(), nm.ConversationID, nm.SenderID, nm.Content, string(nm.Type),
		nm.MediaID, nm.ReplyToID, time.Now().UTC()))
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE conversations SET last_message_id = $2, last_message_time = $3 WHERE id = $1
	`, nm.ConversationID, msg.ID, msg.CreatedAt); err != nil {
		return nil, fmt.Errorf("update last message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *Postgres) ListMessages(ctx context.Context, conversationID string, before time.Time, limit int) ([]models.Message, error) {
	var cursor *time.Time
	if !before.IsZero() {
		cursor = &before
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = $1 AND ($2::timestamptz IS NULL OR created_at < $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, conversationID, cursor, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *Postgres) MarkRead(ctx context.Context, conversationID, readerID string, at time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages
		SET read = true, read_at = $3, read_by = $2
		WHERE conversation_id = $1 AND sender_id <> $2 AND read = false
	`, conversationID, readerID, at)
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

func loadConversation(ctx context.Context, q querier, id string) (*models.Conversation, error) {
	var conv models.Conversation
	err := scanConversation(q.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id), &conv)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}

	conv.Members, err = loadMembers(ctx, q, id)
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

func loadMembers(ctx context.Context, q querier, conversationID string) ([]models.Member, error) {
	rows, err := q.Query(ctx, `
		SELECT conversation_id, user_id, is_admin, joined_at
		FROM conversation_members
		WHERE conversation_id = $1
		ORDER BY joined_at, user_id
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load members: %w", err)
	}
	defer rows.Close()

	var members []models.Member
	for rows.Next() {
		var m models.Member
		if err := rows.Scan(&m.ConversationID, &m.UserID, &m.IsAdmin, &m.JoinedAt); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// scanConversation scans conversationColumns plus any trailing extra columns.
func scanConversation(row pgx.Row, c *models.Conversation, extra ...any) error {
	var name, serviceOrderID, lastMessageID *string
	var convType string

	dest := append([]any{&c.ID, &name, &convType, &serviceOrderID, &lastMessageID, &c.LastMessageTime, &c.CreatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return err
	}

	c.Type = models.ConversationType(convType)
	c.Name = deref(name)
	c.ServiceOrderID = deref(serviceOrderID)
	c.LastMessageID = deref(lastMessageID)
	return nil
}

func scanMessage(row pgx.Row) (*models.Message, error) {
	var m models.Message
	var content, mediaID, replyToID, readBy *string
	var msgType string

	if err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &content, &msgType, &mediaID, &replyToID,
		&m.Read, &m.ReadAt, &readBy, &m.CreatedAt); err != nil {
		return nil, err
	}

	m.Type = models.MessageType(msgType)
	m.Content = deref(content)
	m.MediaID = deref(mediaID)
	m.ReplyToID = deref(replyToID)
	m.ReadBy = deref(readBy)
	return &m, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
