package directory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bandhub/messenger/internal/apperr"
	"github.com/bandhub/messenger/internal/model"
	"github.com/bandhub/messenger/internal/storage/memory"
)

func newDirectory(t *testing.T) *Directory {
	t.Helper()
	feed := memory.New()
	t.Cleanup(func() { _ = feed.Close() })
	return New(memory.NewStore(feed).Directory())
}

func TestCreateDirect(t *testing.T) {
	ctx := context.Background()
	d := newDirectory(t)

	c, err := d.CreateDirect(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, model.ChatKindDirect, c.Kind)
	assert.NotEmpty(t, c.ID)

	_, err = d.CreateDirect(ctx, "bob", "alice")
	assert.True(t, errors.Is(err, apperr.ErrAlreadyExists))

	found, err := d.FindDirect(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, c.ID, found.ID)
}

func TestCreateDirectValidation(t *testing.T) {
	ctx := context.Background()
	d := newDirectory(t)
	for name, pair := range map[string][2]string{
		"same user":   {"alice", "alice"},
		"empty":       {"", "bob"},
		"blank other": {"alice", "  "},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := d.CreateDirect(ctx, pair[0], pair[1])
			assert.True(t, errors.Is(err, apperr.ErrInvalidArgument), "got %v", err)
		})
	}
}

func TestCreateGroup(t *testing.T) {
	ctx := context.Background()
	d := newDirectory(t)

	c, err := d.CreateGroup(ctx, "  The Band ", []string{"alice", "bob", "alice", " ", "carol"}, "alice")
	require.NoError(t, err)
	assert.Equal(t, "The Band", c.Name)
	assert.Equal(t, []string{"alice", "bob", "carol"}, c.Participants)
	assert.Equal(t, "alice", c.AdminID)

	_, err = d.CreateGroup(ctx, "solo", []string{"alice", "alice"}, "alice")
	assert.True(t, errors.Is(err, apperr.ErrInvalidArgument))

	_, err = d.CreateGroup(ctx, "x", []string{"alice", "bob"}, "dave")
	assert.True(t, errors.Is(err, apperr.ErrInvalidArgument))

	// Two groups with the same members are distinct chats.
	again, err := d.CreateGroup(ctx, "The Band", []string{"alice", "bob", "carol"}, "alice")
	require.NoError(t, err)
	assert.NotEqual(t, c.ID, again.ID)
}

func TestListChatsForUser(t *testing.T) {
	ctx := context.Background()
	d := newDirectory(t)

	_, err := d.CreateDirect(ctx, "alice", "bob")
	require.NoError(t, err)
	_, err = d.CreateGroup(ctx, "", []string{"bob", "carol", "dave"}, "bob")
	require.NoError(t, err)

	chats, err := d.ListChatsForUser(ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, chats, 2)

	chats, err = d.ListChatsForUser(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, chats, 1)

	chats, err = d.ListChatsForUser(ctx, "zoe")
	require.NoError(t, err)
	assert.Empty(t, chats)

	_, err = d.ListChatsForUser(ctx, "")
	assert.True(t, errors.Is(err, apperr.ErrInvalidArgument))
}

func TestGet(t *testing.T) {
	ctx := context.Background()
	d := newDirectory(t)

	_, err := d.Get(ctx, "nope")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	_, err = d.Get(ctx, "")
	assert.True(t, errors.Is(err, apperr.ErrInvalidArgument))
}
