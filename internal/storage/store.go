// Package storage declares the stores the messaging core consumes.
// Implementations: repository (Postgres) and memory (tests, STORE_BACKEND=memory);
// change feeds: redis (multi-instance) and memory (single process).
package storage

import (
	"context"

	"github.com/bandhub/messenger/internal/model"
)

// ChangeFeed carries "something changed" signals per topic. Signals carry no payload:
// subscribers re-read the store. Each subscription channel has capacity 1, so bursts coalesce.
type ChangeFeed interface {
	Publish(ctx context.Context, topics ...string) error
	Subscribe(topic string) (signals <-chan struct{}, cancel func())
	Close() error
}

// DirectoryStore persists chat records and memberships.
type DirectoryStore interface {
	// Create inserts c and its members. A second direct chat for the same pair fails with
	// apperr.ErrAlreadyExists.
	Create(ctx context.Context, c *model.Chat) error
	Get(ctx context.Context, chatID string) (*model.Chat, error)
	FindDirect(ctx context.Context, userA, userB string) (*model.Chat, error)
	ListForUser(ctx context.Context, userID string) ([]model.Chat, error)
	// Subscribe calls onChange with the user's full chat set once at start and after every
	// change touching one of them.
	Subscribe(userID string, onChange func([]model.Chat, error)) (cancel func())
}

// MessageLogStore is the per-chat append-only message log.
type MessageLogStore interface {
	// Append assigns ID, Timestamp and Seq, and updates the chat summary in the same transaction.
	Append(ctx context.Context, m *model.Message, preview string) error
	Get(ctx context.Context, chatID, messageID string) (*model.Message, error)
	List(ctx context.Context, chatID string) ([]model.Message, error)
	// Mutate applies patch atomically. If the message is the chat's latest and the content
	// changes, preview replaces the chat summary preview.
	Mutate(ctx context.Context, chatID, messageID string, patch model.MessagePatch, preview string) error
	// Delete removes the record and recomputes the chat summary.
	Delete(ctx context.Context, chatID, messageID string) error
	Subscribe(chatID string, onChange func([]model.Message, error)) (cancel func())
}

// ProfileResolver looks up display names. Missing users yield apperr.ErrNotFound.
type ProfileResolver interface {
	DisplayName(ctx context.Context, userID string) (string, error)
}

// ProfileStore backs the profile endpoints; it is also the ProfileResolver.
type ProfileStore interface {
	ProfileResolver
	Upsert(ctx context.Context, u *model.User) error
	GetByID(ctx context.Context, userID string) (*model.User, error)
}

// BlobStore stores attachment bytes under path and returns a fetchable URL.
type BlobStore interface {
	Upload(ctx context.Context, data []byte, path string) (string, error)
}

func ChatTopic(chatID string) string { return "chat:" + chatID }

func UserTopic(userID string) string { return "user:" + userID }

// ChatTopics lists the topics a change to chat c must be published on.
func ChatTopics(c *model.Chat) []string {
	topics := make([]string, 0, len(c.Participants)+1)
	topics = append(topics, ChatTopic(c.ID))
	for _, p := range c.Participants {
		topics = append(topics, UserTopic(p))
	}
	return topics
}
