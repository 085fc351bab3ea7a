package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bandhub/messenger/internal/apperr"
	"github.com/bandhub/messenger/internal/events"
	"github.com/bandhub/messenger/internal/model"
)

// CreateDirectChat returns the direct chat between a and b, creating it when none exists.
// Losing a concurrent create race also yields the winner's chat.
func (m *Messenger) CreateDirectChat(ctx context.Context, a, b string) (*model.Chat, error) {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a != "" && b != "" && a != b {
		c, err := m.dir.FindDirect(ctx, a, b)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, apperr.ErrNotFound) {
			return nil, err
		}
	}

	c, err := m.dir.CreateDirect(ctx, a, b)
	if errors.Is(err, apperr.ErrAlreadyExists) {
		return m.dir.FindDirect(ctx, a, b)
	}
	if err != nil {
		return nil, err
	}
	m.emit(ctx, events.ChatCreated, a, c.ID, c)
	return c, nil
}

func (m *Messenger) CreateGroupChat(ctx context.Context, name string, participantIDs []string, adminID string) (*model.Chat, error) {
	c, err := m.dir.CreateGroup(ctx, name, participantIDs, adminID)
	if err != nil {
		return nil, err
	}
	m.emit(ctx, events.ChatCreated, adminID, c.ID, c)
	return c, nil
}

// ListChats returns userID's chats resolved and in chat-list order.
func (m *Messenger) ListChats(ctx context.Context, userID string) ([]model.ChatView, error) {
	chats, err := m.dir.ListChatsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return m.resolver.ResolveAll(ctx, chats, userID), nil
}

// GetChat returns one chat as viewerID sees it.
func (m *Messenger) GetChat(ctx context.Context, chatID, viewerID string) (*model.ChatView, error) {
	c, err := m.CheckParticipant(ctx, chatID, viewerID)
	if err != nil {
		return nil, err
	}
	v := m.resolver.Resolve(ctx, c, viewerID)
	return &v, nil
}
