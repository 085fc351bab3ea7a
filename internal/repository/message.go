package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bandhub/messenger/internal/apperr"
	"github.com/bandhub/messenger/internal/logger"
	"github.com/bandhub/messenger/internal/model"
	"github.com/bandhub/messenger/internal/storage"
)

const messageColumns = `id, chat_id, sender_id, content, kind, attachment_url, attachment_name, attachment_size,
	reply_to_id, is_edited, edited_at, seen_by, delivered_to, created_at, seq`

// MessageRepository is the Postgres storage.MessageLogStore. Writes lock the owning chat row,
// so appends to one chat are serialized and their timestamps agree with seq.
type MessageRepository struct {
	pool  *pgxpool.Pool
	chats *ChatRepository
	feed  storage.ChangeFeed
}

func NewMessageRepository(pool *pgxpool.Pool, chats *ChatRepository, feed storage.ChangeFeed) *MessageRepository {
	return &MessageRepository{pool: pool, chats: chats, feed: feed}
}

func scanMessage(s pgx.Row, m *model.Message) error {
	var (
		attURL, attName string
		attSize         int64
	)
	err := s.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Content, &m.Kind, &attURL, &attName, &attSize,
		&m.ReplyTo, &m.IsEdited, &m.EditedAt, &m.SeenBy, &m.DeliveredTo, &m.Timestamp, &m.Seq)
	if err != nil {
		return err
	}
	if attURL != "" {
		m.Attachment = &model.Attachment{URL: attURL, Name: attName, Size: attSize}
	}
	return nil
}

func lockChat(ctx context.Context, tx pgx.Tx, chatID string) (lastMessageID string, err error) {
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(last_message_id, '') FROM chats WHERE id = $1 FOR UPDATE`, chatID,
	).Scan(&lastMessageID)
	return lastMessageID, err
}

// Append inserts m and moves the chat summary to it in one transaction.
func (r *MessageRepository) Append(ctx context.Context, m *model.Message, preview string) error {
	defer logger.DeferLogDuration("msg.Append", time.Now())()
	m.ID = uuid.New().String()
	var attURL, attName string
	var attSize int64
	if m.Attachment != nil {
		attURL, attName, attSize = m.Attachment.URL, m.Attachment.Name, m.Attachment.Size
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return classify("msgRepo.Append begin", err)
	}
	defer tx.Rollback(ctx)

	if _, err := lockChat(ctx, tx, m.ChatID); err != nil {
		return classify("msgRepo.Append chat "+m.ChatID, err)
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO messages (id, chat_id, sender_id, content, kind, attachment_url, attachment_name,
		                       attachment_size, reply_to_id, seen_by, delivered_to)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING created_at, seq`,
		m.ID, m.ChatID, m.SenderID, m.Content, m.Kind, attURL, attName, attSize, m.ReplyTo, m.SeenBy, m.DeliveredTo,
	).Scan(&m.Timestamp, &m.Seq)
	if err != nil {
		return classify("msgRepo.Append insert", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE chats SET last_message_id = $2, last_message_preview = $3, last_message_at = $4 WHERE id = $1`,
		m.ChatID, m.ID, preview, m.Timestamp,
	); err != nil {
		return classify("msgRepo.Append summary", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return classify("msgRepo.Append commit", err)
	}

	r.publish(ctx, m.ChatID)
	return nil
}

// publish signals the chat's message subscribers and every member's chat list.
func (r *MessageRepository) publish(ctx context.Context, chatID string) {
	members, err := r.chats.GetMemberIDs(ctx, chatID)
	if err != nil {
		logger.Errorf("msgRepo publish chat=%s: %v", chatID, err)
	}
	c := &model.Chat{ID: chatID, Participants: members}
	if err := r.feed.Publish(ctx, storage.ChatTopics(c)...); err != nil {
		logger.Errorf("msgRepo publish chat=%s: %v", chatID, err)
	}
}

func (r *MessageRepository) Get(ctx context.Context, chatID, messageID string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.Get", time.Now())()
	m := &model.Message{}
	err := scanMessage(r.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE chat_id = $1 AND id = $2`, chatID, messageID), m)
	if err != nil {
		return nil, classify("msgRepo.Get "+messageID, err)
	}
	return m, nil
}

// List returns the chat's messages ordered by (created_at, seq).
func (r *MessageRepository) List(ctx context.Context, chatID string) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.List", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE chat_id = $1 ORDER BY created_at, seq`, chatID,
	)
	if err != nil {
		return nil, classify("msgRepo.List query", err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, 64)
	for rows.Next() {
		var m model.Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, classify("msgRepo.List scan", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("msgRepo.List rows", err)
	}
	if len(messages) == 0 {
		var exists bool
		if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM chats WHERE id = $1)`, chatID).Scan(&exists); err != nil {
			return nil, classify("msgRepo.List chat", err)
		}
		if !exists {
			return nil, apperr.NotFound("chat %s", chatID)
		}
	}
	return messages, nil
}

// Mutate applies patch in a single UPDATE. Set members are appended only when absent; the row
// lock taken by UPDATE makes concurrent unions of the same message lossless.
func (r *MessageRepository) Mutate(ctx context.Context, chatID, messageID string, patch model.MessagePatch, preview string) error {
	defer logger.DeferLogDuration("msg.Mutate", time.Now())()
	var editedAt *time.Time
	if patch.Content != nil {
		t := time.Now().UTC()
		if patch.EditedAt != nil {
			t = *patch.EditedAt
		}
		editedAt = &t
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return classify("msgRepo.Mutate begin", err)
	}
	defer tx.Rollback(ctx)

	var id string
	err = tx.QueryRow(ctx,
		`UPDATE messages SET
		    content      = COALESCE($3::text, content),
		    is_edited    = is_edited OR $3::text IS NOT NULL,
		    edited_at    = COALESCE($4::timestamptz, edited_at),
		    seen_by      = CASE WHEN $5::text = '' OR $5::text = ANY(seen_by) THEN seen_by
		                        ELSE array_append(seen_by, $5::text) END,
		    delivered_to = CASE WHEN $6::text = '' OR $6::text = ANY(delivered_to) THEN delivered_to
		                        ELSE array_append(delivered_to, $6::text) END
		 WHERE chat_id = $1 AND id = $2
		 RETURNING id`,
		chatID, messageID, patch.Content, editedAt, patch.SeenBy, patch.DeliveredTo,
	).Scan(&id)
	if err != nil {
		return classify("msgRepo.Mutate "+messageID, err)
	}
	if patch.Content != nil {
		if _, err := tx.Exec(ctx,
			`UPDATE chats SET last_message_preview = $3 WHERE id = $1 AND last_message_id = $2`,
			chatID, messageID, preview,
		); err != nil {
			return classify("msgRepo.Mutate summary", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return classify("msgRepo.Mutate commit", err)
	}

	r.publish(ctx, chatID)
	return nil
}

// Delete removes the message. If it was the chat's latest, the summary falls back to the
// previous message, or is cleared when none is left.
func (r *MessageRepository) Delete(ctx context.Context, chatID, messageID string) error {
	defer logger.DeferLogDuration("msg.Delete", time.Now())()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return classify("msgRepo.Delete begin", err)
	}
	defer tx.Rollback(ctx)

	lastID, err := lockChat(ctx, tx, chatID)
	if err != nil {
		return classify("msgRepo.Delete chat "+chatID, err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM messages WHERE chat_id = $1 AND id = $2`, chatID, messageID)
	if err != nil {
		return classify("msgRepo.Delete", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("message %s", messageID)
	}

	if lastID == messageID {
		var (
			prevID, content string
			kind            model.MessageKind
			at              time.Time
		)
		err := tx.QueryRow(ctx,
			`SELECT id, kind, content, created_at FROM messages
			 WHERE chat_id = $1 ORDER BY created_at DESC, seq DESC LIMIT 1`, chatID,
		).Scan(&prevID, &kind, &content, &at)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			_, err = tx.Exec(ctx,
				`UPDATE chats SET last_message_id = NULL, last_message_preview = '', last_message_at = NULL WHERE id = $1`,
				chatID)
		case err == nil:
			_, err = tx.Exec(ctx,
				`UPDATE chats SET last_message_id = $2, last_message_preview = $3, last_message_at = $4 WHERE id = $1`,
				chatID, prevID, model.Preview(kind, content), at)
		}
		if err != nil {
			return classify("msgRepo.Delete summary", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return classify("msgRepo.Delete commit", err)
	}

	r.publish(ctx, chatID)
	return nil
}

func (r *MessageRepository) Subscribe(chatID string, onChange func([]model.Message, error)) func() {
	return storage.Watch(r.feed, storage.ChatTopic(chatID), func(ctx context.Context) ([]model.Message, error) {
		return r.List(ctx, chatID)
	}, onChange)
}
