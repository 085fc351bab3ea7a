// Package service is the messaging facade: the single entry point the HTTP and websocket
// transports call. It validates input, enforces participation and authorship, and delegates
// persistence to the stores and live updates to the subscription manager.
package service

import (
	"context"
	"time"

	"github.com/bandhub/messenger/internal/apperr"
	"github.com/bandhub/messenger/internal/directory"
	"github.com/bandhub/messenger/internal/events"
	"github.com/bandhub/messenger/internal/model"
	"github.com/bandhub/messenger/internal/resolver"
	"github.com/bandhub/messenger/internal/storage"
	"github.com/bandhub/messenger/internal/subscription"
)

const DefaultMaxUploadSize = 10 << 20

type Deps struct {
	Chats    storage.DirectoryStore
	Messages storage.MessageLogStore
	Profiles storage.ProfileStore
	Blobs    storage.BlobStore
	Events   events.Publisher

	// MaxUploadSize in bytes; zero means DefaultMaxUploadSize.
	MaxUploadSize int64
}

type Messenger struct {
	dir       *directory.Directory
	messages  storage.MessageLogStore
	profiles  storage.ProfileStore
	blobs     storage.BlobStore
	events    events.Publisher
	resolver  *resolver.Resolver
	subs      *subscription.Manager
	maxUpload int64
	now       func() time.Time
}

func New(d Deps) *Messenger {
	r := resolver.New(d.Profiles)
	pub := d.Events
	if pub == nil {
		pub = events.NewPublisher("", "")
	}
	maxUpload := d.MaxUploadSize
	if maxUpload <= 0 {
		maxUpload = DefaultMaxUploadSize
	}
	return &Messenger{
		dir:       directory.New(d.Chats),
		messages:  d.Messages,
		profiles:  d.Profiles,
		blobs:     d.Blobs,
		events:    pub,
		resolver:  r,
		subs:      subscription.New(d.Chats, d.Messages, r),
		maxUpload: maxUpload,
		now:       time.Now,
	}
}

// SubscribeToChats streams userID's resolved chat list; see subscription.Manager.
func (m *Messenger) SubscribeToChats(userID string, onUpdate func([]model.ChatView)) (cancel func()) {
	return m.subs.SubscribeToChats(userID, onUpdate)
}

// SubscribeToMessages streams the ordered message log of chatID. Callers that act for a user
// check CheckParticipant first.
func (m *Messenger) SubscribeToMessages(chatID string, onUpdate func([]model.Message)) (cancel func()) {
	return m.subs.SubscribeToMessages(chatID, onUpdate)
}

// ActiveSubscriptions reports how many live subscriptions exist.
func (m *Messenger) ActiveSubscriptions() int {
	return m.subs.Active()
}

// Close cancels every live subscription.
func (m *Messenger) Close() {
	m.subs.Close()
}

// CheckParticipant returns the chat when userID is one of its participants.
func (m *Messenger) CheckParticipant(ctx context.Context, chatID, userID string) (*model.Chat, error) {
	c, err := m.dir.Get(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !c.HasParticipant(userID) {
		return nil, apperr.PermissionDenied("user %s is not in chat %s", userID, chatID)
	}
	return c, nil
}

func (m *Messenger) emit(ctx context.Context, eventType, actorID, chatID string, data any) {
	// Failures are logged and counted by the publisher.
	_ = m.events.Publish(ctx, eventType, events.NewEnvelope(eventType, actorID, chatID, data))
}
