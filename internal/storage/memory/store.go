package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bandhub/messenger/internal/apperr"
	"github.com/bandhub/messenger/internal/logger"
	"github.com/bandhub/messenger/internal/model"
	"github.com/bandhub/messenger/internal/storage"
)

// Store keeps chats, messages and profiles in process memory behind one mutex, so a message
// append and its chat summary update are a single critical section. Directory and Messages
// expose it as storage.DirectoryStore and storage.MessageLogStore; Store itself is the
// storage.ProfileResolver. All returned records are copies.
type Store struct {
	mu       sync.Mutex
	chats    map[string]*model.Chat
	direct   map[string]string
	messages map[string][]*model.Message
	users    map[string]model.User
	seq      int64
	feed     storage.ChangeFeed
	now      func() time.Time
}

func NewStore(feed storage.ChangeFeed) *Store {
	return &Store{
		chats:    make(map[string]*model.Chat),
		direct:   make(map[string]string),
		messages: make(map[string][]*model.Message),
		users:    make(map[string]model.User),
		feed:     feed,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Directory is the storage.DirectoryStore view of a Store.
type Directory struct{ s *Store }

// MessageLog is the storage.MessageLogStore view of a Store.
type MessageLog struct{ s *Store }

func (s *Store) Directory() *Directory { return &Directory{s: s} }

func (s *Store) Messages() *MessageLog { return &MessageLog{s: s} }

func (s *Store) publish(ctx context.Context, topics []string) {
	if err := s.feed.Publish(ctx, topics...); err != nil {
		logger.Errorf("memory store publish %v: %v", topics, err)
	}
}

func (s *Store) nextSeq() int64 {
	s.seq++
	return s.seq
}

func (d *Directory) Create(ctx context.Context, c *model.Chat) error {
	s := d.s
	s.mu.Lock()
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Kind == model.ChatKindDirect {
		if len(c.Participants) != 2 {
			s.mu.Unlock()
			return apperr.InvalidArgument("direct chat needs 2 participants")
		}
		key := model.DirectKey(c.Participants[0], c.Participants[1])
		if _, ok := s.direct[key]; ok {
			s.mu.Unlock()
			return apperr.ErrAlreadyExists
		}
		s.direct[key] = c.ID
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	c.Seq = s.nextSeq()
	s.chats[c.ID] = copyChat(c)
	topics := storage.ChatTopics(c)
	s.mu.Unlock()

	s.publish(ctx, topics)
	return nil
}

func (d *Directory) Get(ctx context.Context, chatID string) (*model.Chat, error) {
	s := d.s
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok {
		return nil, apperr.NotFound("chat %s", chatID)
	}
	return copyChat(c), nil
}

func (d *Directory) FindDirect(ctx context.Context, userA, userB string) (*model.Chat, error) {
	s := d.s
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.direct[model.DirectKey(userA, userB)]
	if !ok {
		return nil, apperr.NotFound("direct chat %s/%s", userA, userB)
	}
	return copyChat(s.chats[id]), nil
}

func (d *Directory) ListForUser(ctx context.Context, userID string) ([]model.Chat, error) {
	s := d.s
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Chat, 0, 8)
	for _, c := range s.chats {
		if c.HasParticipant(userID) {
			out = append(out, *copyChat(c))
		}
	}
	return out, nil
}

func (d *Directory) Subscribe(userID string, onChange func([]model.Chat, error)) func() {
	return storage.Watch(d.s.feed, storage.UserTopic(userID), func(ctx context.Context) ([]model.Chat, error) {
		return d.ListForUser(ctx, userID)
	}, onChange)
}

func (l *MessageLog) Append(ctx context.Context, m *model.Message, preview string) error {
	s := l.s
	s.mu.Lock()
	c, ok := s.chats[m.ChatID]
	if !ok {
		s.mu.Unlock()
		return apperr.NotFound("chat %s", m.ChatID)
	}
	m.ID = uuid.New().String()
	m.Timestamp = s.now()
	m.Seq = s.nextSeq()
	s.messages[m.ChatID] = append(s.messages[m.ChatID], copyMessage(m))

	ts := m.Timestamp
	c.LastMessageID = m.ID
	c.LastMessagePreview = preview
	c.LastMessageAt = &ts
	topics := storage.ChatTopics(c)
	s.mu.Unlock()

	s.publish(ctx, topics)
	return nil
}

func (l *MessageLog) Get(ctx context.Context, chatID, messageID string) (*model.Message, error) {
	s := l.s
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.find(chatID, messageID)
	if m == nil {
		return nil, apperr.NotFound("message %s", messageID)
	}
	return copyMessage(m), nil
}

func (s *Store) find(chatID, messageID string) *model.Message {
	for _, m := range s.messages[chatID] {
		if m.ID == messageID {
			return m
		}
	}
	return nil
}

func (l *MessageLog) List(ctx context.Context, chatID string) ([]model.Message, error) {
	s := l.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chats[chatID]; !ok {
		return nil, apperr.NotFound("chat %s", chatID)
	}
	src := s.messages[chatID]
	out := make([]model.Message, 0, len(src))
	for _, m := range src {
		out = append(out, *copyMessage(m))
	}
	return out, nil
}

func (l *MessageLog) Mutate(ctx context.Context, chatID, messageID string, patch model.MessagePatch, preview string) error {
	s := l.s
	s.mu.Lock()
	m := s.find(chatID, messageID)
	if m == nil {
		s.mu.Unlock()
		return apperr.NotFound("message %s", messageID)
	}
	if patch.Content != nil {
		m.Content = *patch.Content
		m.IsEdited = true
		editedAt := s.now()
		if patch.EditedAt != nil {
			editedAt = *patch.EditedAt
		}
		m.EditedAt = &editedAt
	}
	if patch.SeenBy != "" {
		m.SeenBy = union(m.SeenBy, patch.SeenBy)
	}
	if patch.DeliveredTo != "" {
		m.DeliveredTo = union(m.DeliveredTo, patch.DeliveredTo)
	}
	c := s.chats[chatID]
	if patch.Content != nil && c.LastMessageID == messageID {
		c.LastMessagePreview = preview
	}
	topics := storage.ChatTopics(c)
	s.mu.Unlock()

	s.publish(ctx, topics)
	return nil
}

func (l *MessageLog) Delete(ctx context.Context, chatID, messageID string) error {
	s := l.s
	s.mu.Lock()
	msgs := s.messages[chatID]
	idx := -1
	for i, m := range msgs {
		if m.ID == messageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return apperr.NotFound("message %s", messageID)
	}
	msgs = append(msgs[:idx], msgs[idx+1:]...)
	s.messages[chatID] = msgs

	c := s.chats[chatID]
	if c.LastMessageID == messageID {
		var latest *model.Message
		for _, m := range msgs {
			if latest == nil || latest.Before(m) {
				latest = m
			}
		}
		if latest == nil {
			c.LastMessageID, c.LastMessagePreview, c.LastMessageAt = "", "", nil
		} else {
			ts := latest.Timestamp
			c.LastMessageID = latest.ID
			c.LastMessagePreview = model.Preview(latest.Kind, latest.Content)
			c.LastMessageAt = &ts
		}
	}
	topics := storage.ChatTopics(c)
	s.mu.Unlock()

	s.publish(ctx, topics)
	return nil
}

func (l *MessageLog) Subscribe(chatID string, onChange func([]model.Message, error)) func() {
	return storage.Watch(l.s.feed, storage.ChatTopic(chatID), func(ctx context.Context) ([]model.Message, error) {
		return l.List(ctx, chatID)
	}, onChange)
}

// Upsert creates or renames a profile and signals everyone sharing a chat with the user.
func (s *Store) Upsert(ctx context.Context, u *model.User) error {
	s.mu.Lock()
	now := s.now()
	if existing, ok := s.users[u.ID]; ok {
		u.CreatedAt = existing.CreatedAt
	} else {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	s.users[u.ID] = *u

	seen := make(map[string]struct{})
	var topics []string
	for _, c := range s.chats {
		if !c.HasParticipant(u.ID) {
			continue
		}
		for _, p := range c.Participants {
			if _, ok := seen[p]; ok || p == u.ID {
				continue
			}
			seen[p] = struct{}{}
			topics = append(topics, storage.UserTopic(p))
		}
	}
	s.mu.Unlock()

	s.publish(ctx, topics)
	return nil
}

func (s *Store) GetByID(ctx context.Context, userID string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, apperr.NotFound("user %s", userID)
	}
	return &u, nil
}

func (s *Store) DisplayName(ctx context.Context, userID string) (string, error) {
	u, err := s.GetByID(ctx, userID)
	if err != nil {
		return "", err
	}
	return u.Name, nil
}

func union(set []string, id string) []string {
	for _, v := range set {
		if v == id {
			return set
		}
	}
	return append(set, id)
}

func copyChat(c *model.Chat) *model.Chat {
	out := *c
	out.Participants = append([]string(nil), c.Participants...)
	if c.LastMessageAt != nil {
		ts := *c.LastMessageAt
		out.LastMessageAt = &ts
	}
	return &out
}

func copyMessage(m *model.Message) *model.Message {
	out := *m
	out.SeenBy = append([]string(nil), m.SeenBy...)
	out.DeliveredTo = append([]string(nil), m.DeliveredTo...)
	if m.Attachment != nil {
		a := *m.Attachment
		out.Attachment = &a
	}
	if m.ReplyTo != nil {
		r := *m.ReplyTo
		out.ReplyTo = &r
	}
	if m.EditedAt != nil {
		e := *m.EditedAt
		out.EditedAt = &e
	}
	return &out
}

