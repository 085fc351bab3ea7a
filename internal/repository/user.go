package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bandhub/messenger/internal/logger"
	"github.com/bandhub/messenger/internal/model"
	"github.com/bandhub/messenger/internal/storage"
)

const userCols = `id, name, avatar_url, created_at, updated_at`

// UserRepository stores profiles and serves as the storage.ProfileResolver.
type UserRepository struct {
	pool *pgxpool.Pool
	feed storage.ChangeFeed
}

func NewUserRepository(pool *pgxpool.Pool, feed storage.ChangeFeed) *UserRepository {
	return &UserRepository{pool: pool, feed: feed}
}

func scanUser(s pgx.Row, u *model.User) error {
	return s.Scan(&u.ID, &u.Name, &u.AvatarURL, &u.CreatedAt, &u.UpdatedAt)
}

// Upsert creates or renames a profile. Everyone sharing a chat with the user is signalled,
// since their direct-chat names may change.
func (r *UserRepository) Upsert(ctx context.Context, u *model.User) error {
	defer logger.DeferLogDuration("user.Upsert", time.Now())()
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (id, name, avatar_url) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, avatar_url = EXCLUDED.avatar_url, updated_at = now()
		 RETURNING created_at, updated_at`,
		u.ID, u.Name, u.AvatarURL,
	).Scan(&u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return classify("userRepo.Upsert", err)
	}

	peers, err := r.peerIDs(ctx, u.ID)
	if err != nil {
		logger.Errorf("userRepo.Upsert peers user=%s: %v", u.ID, err)
		return nil
	}
	topics := make([]string, 0, len(peers))
	for _, p := range peers {
		topics = append(topics, storage.UserTopic(p))
	}
	if err := r.feed.Publish(ctx, topics...); err != nil {
		logger.Errorf("userRepo.Upsert publish user=%s: %v", u.ID, err)
	}
	return nil
}

func (r *UserRepository) peerIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT DISTINCT other.user_id
		 FROM chat_members me
		 JOIN chat_members other ON other.chat_id = me.chat_id
		 WHERE me.user_id = $1 AND other.user_id <> $1`, userID,
	)
	if err != nil {
		return nil, classify("userRepo.peerIDs query", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, classify("userRepo.peerIDs rows", err)
	}
	return ids, nil
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (*model.User, error) {
	defer logger.DeferLogDuration("user.GetByID", time.Now())()
	u := &model.User{}
	if err := scanUser(r.pool.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE id = $1`, id), u); err != nil {
		return nil, classify("userRepo.GetByID "+id, err)
	}
	return u, nil
}

func (r *UserRepository) DisplayName(ctx context.Context, userID string) (string, error) {
	u, err := r.GetByID(ctx, userID)
	if err != nil {
		return "", err
	}
	return u.Name, nil
}
