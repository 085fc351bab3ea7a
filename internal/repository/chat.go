package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bandhub/messenger/internal/logger"
	"github.com/bandhub/messenger/internal/model"
	"github.com/bandhub/messenger/internal/storage"
)

const chatColumns = `c.id, c.kind, c.name, c.admin_id, COALESCE(c.last_message_id, ''), c.last_message_preview,
	c.last_message_at, c.created_at, c.seq,
	ARRAY(SELECT m.user_id FROM chat_members m WHERE m.chat_id = c.id ORDER BY m.joined_at, m.user_id)`

// ChatRepository is the Postgres storage.DirectoryStore.
type ChatRepository struct {
	pool *pgxpool.Pool
	feed storage.ChangeFeed
}

func NewChatRepository(pool *pgxpool.Pool, feed storage.ChangeFeed) *ChatRepository {
	return &ChatRepository{pool: pool, feed: feed}
}

func scanChat(s pgx.Row, c *model.Chat) error {
	return s.Scan(&c.ID, &c.Kind, &c.Name, &c.AdminID, &c.LastMessageID, &c.LastMessagePreview,
		&c.LastMessageAt, &c.CreatedAt, &c.Seq, &c.Participants)
}

// Create inserts the chat and its members in one transaction. The unique direct_key turns a
// second direct chat for the same pair into apperr.ErrAlreadyExists.
func (r *ChatRepository) Create(ctx context.Context, c *model.Chat) error {
	defer logger.DeferLogDuration("chat.Create", time.Now())()
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	var directKey *string
	if c.Kind == model.ChatKindDirect && len(c.Participants) == 2 {
		k := model.DirectKey(c.Participants[0], c.Participants[1])
		directKey = &k
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return classify("chatRepo.Create begin", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		`INSERT INTO chats (id, kind, name, admin_id, direct_key)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING created_at, seq`,
		c.ID, c.Kind, c.Name, c.AdminID, directKey,
	).Scan(&c.CreatedAt, &c.Seq)
	if err != nil {
		return classify("chatRepo.Create", err)
	}

	batch := &pgx.Batch{}
	for _, uid := range c.Participants {
		role := model.RoleMember
		if uid == c.AdminID {
			role = model.RoleAdmin
		}
		batch.Queue(`INSERT INTO chat_members (chat_id, user_id, role) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
			c.ID, uid, role)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return classify("chatRepo.Create members", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return classify("chatRepo.Create commit", err)
	}

	r.publish(ctx, storage.ChatTopics(c))
	return nil
}

func (r *ChatRepository) publish(ctx context.Context, topics []string) {
	if err := r.feed.Publish(ctx, topics...); err != nil {
		logger.Errorf("chatRepo publish %v: %v", topics, err)
	}
}

func (r *ChatRepository) Get(ctx context.Context, chatID string) (*model.Chat, error) {
	defer logger.DeferLogDuration("chat.Get", time.Now())()
	c := &model.Chat{}
	err := scanChat(r.pool.QueryRow(ctx, `SELECT `+chatColumns+` FROM chats c WHERE c.id = $1`, chatID), c)
	if err != nil {
		return nil, classify("chatRepo.Get "+chatID, err)
	}
	return c, nil
}

func (r *ChatRepository) FindDirect(ctx context.Context, userA, userB string) (*model.Chat, error) {
	defer logger.DeferLogDuration("chat.FindDirect", time.Now())()
	c := &model.Chat{}
	err := scanChat(r.pool.QueryRow(ctx, `SELECT `+chatColumns+` FROM chats c WHERE c.direct_key = $1`,
		model.DirectKey(userA, userB)), c)
	if err != nil {
		return nil, classify("chatRepo.FindDirect", err)
	}
	return c, nil
}

func (r *ChatRepository) ListForUser(ctx context.Context, userID string) ([]model.Chat, error) {
	defer logger.DeferLogDuration("chat.ListForUser", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+chatColumns+`
		 FROM chats c
		 JOIN chat_members cm ON cm.chat_id = c.id
		 WHERE cm.user_id = $1`, userID,
	)
	if err != nil {
		return nil, classify("chatRepo.ListForUser query", err)
	}
	defer rows.Close()

	chats := make([]model.Chat, 0, 16)
	for rows.Next() {
		var c model.Chat
		if err := scanChat(rows, &c); err != nil {
			return nil, classify("chatRepo.ListForUser scan", err)
		}
		chats = append(chats, c)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("chatRepo.ListForUser rows", err)
	}
	return chats, nil
}

func (r *ChatRepository) Subscribe(userID string, onChange func([]model.Chat, error)) func() {
	return storage.Watch(r.feed, storage.UserTopic(userID), func(ctx context.Context) ([]model.Chat, error) {
		return r.ListForUser(ctx, userID)
	}, onChange)
}

// GetMemberIDs lists the chat's participants in join order.
func (r *ChatRepository) GetMemberIDs(ctx context.Context, chatID string) ([]string, error) {
	defer logger.DeferLogDuration("chat.GetMemberIDs", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT user_id FROM chat_members WHERE chat_id = $1 ORDER BY joined_at, user_id`, chatID,
	)
	if err != nil {
		return nil, classify("chatRepo.GetMemberIDs query", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, classify("chatRepo.GetMemberIDs rows", err)
	}
	return ids, nil
}
