package service

import (
	"context"
	"strings"

	"github.com/bandhub/messenger/internal/apperr"
	"github.com/bandhub/messenger/internal/model"
)

const maxNameLength = 100

// UpdateProfile creates or renames userID's profile. Peers' chat lists pick up the new name.
func (m *Messenger) UpdateProfile(ctx context.Context, userID, name, avatarURL string) (*model.User, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperr.InvalidArgument("name is required")
	}
	if len([]rune(name)) > maxNameLength {
		return nil, apperr.InvalidArgument("name is longer than %d characters", maxNameLength)
	}
	u := &model.User{ID: userID, Name: name, AvatarURL: strings.TrimSpace(avatarURL)}
	if err := m.profiles.Upsert(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

func (m *Messenger) GetProfile(ctx context.Context, userID string) (*model.User, error) {
	if userID == "" {
		return nil, apperr.InvalidArgument("user id is required")
	}
	return m.profiles.GetByID(ctx, userID)
}
