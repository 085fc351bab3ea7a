// Package directory validates and records chat memberships on top of a storage.DirectoryStore.
package directory

import (
	"context"
	"strings"

	"github.com/bandhub/messenger/internal/apperr"
	"github.com/bandhub/messenger/internal/model"
	"github.com/bandhub/messenger/internal/storage"
)

type Directory struct {
	store storage.DirectoryStore
}

func New(store storage.DirectoryStore) *Directory {
	return &Directory{store: store}
}

// CreateDirect records a direct chat between userA and userB. A second chat for the same
// pair, in either order, fails with apperr.ErrAlreadyExists.
func (d *Directory) CreateDirect(ctx context.Context, userA, userB string) (*model.Chat, error) {
	userA, userB = strings.TrimSpace(userA), strings.TrimSpace(userB)
	if userA == "" || userB == "" {
		return nil, apperr.InvalidArgument("both participants are required")
	}
	if userA == userB {
		return nil, apperr.InvalidArgument("direct chat needs two different users")
	}
	c := &model.Chat{
		Kind:         model.ChatKindDirect,
		Participants: []string{userA, userB},
	}
	if err := d.store.Create(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// CreateGroup records a named group. participantIDs are deduplicated in order; at least two
// distinct users are required and adminID must be one of them.
func (d *Directory) CreateGroup(ctx context.Context, name string, participantIDs []string, adminID string) (*model.Chat, error) {
	participants := dedupe(participantIDs)
	if len(participants) < 2 {
		return nil, apperr.InvalidArgument("group needs at least 2 participants, got %d", len(participants))
	}
	adminID = strings.TrimSpace(adminID)
	found := false
	for _, p := range participants {
		if p == adminID {
			found = true
			break
		}
	}
	if !found {
		return nil, apperr.InvalidArgument("admin %q is not a participant", adminID)
	}
	c := &model.Chat{
		Kind:         model.ChatKindGroup,
		Name:         strings.TrimSpace(name),
		AdminID:      adminID,
		Participants: participants,
	}
	if err := d.store.Create(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (d *Directory) ListChatsForUser(ctx context.Context, userID string) ([]model.Chat, error) {
	if userID == "" {
		return nil, apperr.InvalidArgument("user id is required")
	}
	return d.store.ListForUser(ctx, userID)
}

func (d *Directory) FindDirect(ctx context.Context, userA, userB string) (*model.Chat, error) {
	return d.store.FindDirect(ctx, userA, userB)
}

func (d *Directory) Get(ctx context.Context, chatID string) (*model.Chat, error) {
	if chatID == "" {
		return nil, apperr.InvalidArgument("chat id is required")
	}
	return d.store.Get(ctx, chatID)
}

// Subscribe forwards to the store's per-user change stream.
func (d *Directory) Subscribe(userID string, onChange func([]model.Chat, error)) func() {
	return d.store.Subscribe(userID, onChange)
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
