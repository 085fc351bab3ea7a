package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/bandhub/messenger/internal/apperr"
	"github.com/bandhub/messenger/internal/events"
	"github.com/bandhub/messenger/internal/fileserver"
	"github.com/bandhub/messenger/internal/model"
	"github.com/bandhub/messenger/internal/resolver"
	"github.com/bandhub/messenger/internal/storage/memory"
)

type mockPublisher struct {
	mock.Mock
}

func (p *mockPublisher) Publish(ctx context.Context, routingKey string, event any) error {
	return p.Called(ctx, routingKey, event).Error(0)
}

func (p *mockPublisher) Close() error { return nil }

type env struct {
	svc   *Messenger
	store *memory.Store
	pub   *mockPublisher
	ctx   context.Context
}

func newEnv(t *testing.T) *env {
	t.Helper()
	feed := memory.New()
	store := memory.NewStore(feed)
	pub := &mockPublisher{}
	pub.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	svc := New(Deps{
		Chats:    store.Directory(),
		Messages: store.Messages(),
		Profiles: store,
		Blobs:    fileserver.New(t.TempDir()),
		Events:   pub,
	})
	t.Cleanup(func() {
		svc.Close()
		_ = feed.Close()
	})

	e := &env{svc: svc, store: store, pub: pub, ctx: context.Background()}
	for id, name := range map[string]string{"alice": "Alice", "bob": "Bob", "carol": "Carol"} {
		_, err := svc.UpdateProfile(e.ctx, id, name, "")
		require.NoError(t, err)
	}
	return e
}

func (e *env) text(t *testing.T, chatID, sender, content string) *model.Message {
	t.Helper()
	m, err := e.svc.SendMessage(e.ctx, SendParams{ChatID: chatID, SenderID: sender, Content: content})
	require.NoError(t, err)
	return m
}

func TestHelloHiBackScenario(t *testing.T) {
	e := newEnv(t)
	c, err := e.svc.CreateDirectChat(e.ctx, "alice", "bob")
	require.NoError(t, err)

	e.text(t, c.ID, "alice", "hello")
	e.text(t, c.ID, "bob", "hi back")

	msgs, err := e.svc.GetMessages(e.ctx, c.ID, "alice")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, "hi back", msgs[1].Content)

	for viewer, peer := range map[string]string{"alice": "Bob", "bob": "Alice"} {
		chats, err := e.svc.ListChats(e.ctx, viewer)
		require.NoError(t, err)
		require.Len(t, chats, 1)
		assert.Equal(t, "hi back", chats[0].LastMessagePreview)
		assert.Equal(t, peer, chats[0].DisplayName)
		assert.Equal(t, model.ChatKindDirect, chats[0].Kind)
	}

	e.pub.AssertCalled(t, "Publish", mock.Anything, events.ChatCreated, mock.Anything)
	e.pub.AssertNumberOfCalls(t, "Publish", 3)
}

func TestSendInitializesReceiptSets(t *testing.T) {
	e := newEnv(t)
	c, err := e.svc.CreateDirectChat(e.ctx, "alice", "bob")
	require.NoError(t, err)

	m := e.text(t, c.ID, "alice", "soundcheck at 6")
	assert.NotEmpty(t, m.ID)
	assert.False(t, m.Timestamp.IsZero())
	assert.Equal(t, []string{"alice"}, m.SeenBy)
	assert.Equal(t, []string{"alice"}, m.DeliveredTo)
}

func TestUnnamedGroupShowsFallbackLabel(t *testing.T) {
	e := newEnv(t)
	_, err := e.svc.CreateGroupChat(e.ctx, "  ", []string{"alice", "bob", "carol"}, "alice")
	require.NoError(t, err)

	chats, err := e.svc.ListChats(e.ctx, "carol")
	require.NoError(t, err)
	require.Len(t, chats, 1)
	assert.Equal(t, resolver.FallbackGroupName, chats[0].DisplayName)
	assert.Equal(t, model.ChatKindGroup, chats[0].Kind)
}

func TestCreateDirectChatIsIdempotent(t *testing.T) {
	e := newEnv(t)
	first, err := e.svc.CreateDirectChat(e.ctx, "alice", "bob")
	require.NoError(t, err)
	second, err := e.svc.CreateDirectChat(e.ctx, "bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	_, err = e.svc.CreateDirectChat(e.ctx, "alice", "alice")
	assert.True(t, errors.Is(err, apperr.ErrInvalidArgument))
}

func TestCreateDirectChatConcurrent(t *testing.T) {
	e := newEnv(t)
	const n = 8
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := e.svc.CreateDirectChat(e.ctx, "alice", "carol")
			if assert.NoError(t, err) {
				ids[i] = c.ID
			}
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	chats, err := e.svc.ListChats(e.ctx, "carol")
	require.NoError(t, err)
	assert.Len(t, chats, 1)
}

func TestSendValidation(t *testing.T) {
	e := newEnv(t)
	c, err := e.svc.CreateDirectChat(e.ctx, "alice", "bob")
	require.NoError(t, err)
	other, err := e.svc.CreateDirectChat(e.ctx, "alice", "carol")
	require.NoError(t, err)
	elsewhere := e.text(t, other.ID, "alice", "elsewhere")

	cases := []struct {
		name string
		p    SendParams
		want error
	}{
		{"blank text", SendParams{ChatID: c.ID, SenderID: "alice", Content: "   "}, apperr.ErrInvalidArgument},
		{"unknown kind", SendParams{ChatID: c.ID, SenderID: "alice", Content: "x", Kind: "video"}, apperr.ErrInvalidArgument},
		{"image without url", SendParams{ChatID: c.ID, SenderID: "alice", Kind: model.MessageKindImage}, apperr.ErrInvalidArgument},
		{"missing chat", SendParams{ChatID: "nope", SenderID: "alice", Content: "x"}, apperr.ErrNotFound},
		{"not a participant", SendParams{ChatID: c.ID, SenderID: "carol", Content: "x"}, apperr.ErrPermissionDenied},
		{"reply from another chat", SendParams{ChatID: c.ID, SenderID: "alice", Content: "x", ReplyTo: elsewhere.ID}, apperr.ErrInvalidArgument},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.svc.SendMessage(e.ctx, tc.p)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}

	msgs, err := e.svc.GetMessages(e.ctx, c.ID, "alice")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSendImageUsesPhotoPreviewAndNameFallback(t *testing.T) {
	e := newEnv(t)
	c, err := e.svc.CreateDirectChat(e.ctx, "alice", "bob")
	require.NoError(t, err)

	m, err := e.svc.SendMessage(e.ctx, SendParams{
		ChatID:     c.ID,
		SenderID:   "alice",
		Kind:       model.MessageKindImage,
		Attachment: &model.Attachment{URL: "/api/files/chats/x/images/1_stage.png", Name: "stage.png", Size: 10},
	})
	require.NoError(t, err)
	assert.Equal(t, "stage.png", m.Content)

	chats, err := e.svc.ListChats(e.ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "📷 Photo", chats[0].LastMessagePreview)
}

func TestReplyInSameChat(t *testing.T) {
	e := newEnv(t)
	c, err := e.svc.CreateDirectChat(e.ctx, "alice", "bob")
	require.NoError(t, err)
	first := e.text(t, c.ID, "alice", "who has the van keys?")

	reply, err := e.svc.SendMessage(e.ctx, SendParams{ChatID: c.ID, SenderID: "bob", Content: "me", ReplyTo: first.ID})
	require.NoError(t, err)
	require.NotNil(t, reply.ReplyTo)
	assert.Equal(t, first.ID, *reply.ReplyTo)
}

func TestEditMessage(t *testing.T) {
	e := newEnv(t)
	c, err := e.svc.CreateDirectChat(e.ctx, "alice", "bob")
	require.NoError(t, err)
	m := e.text(t, c.ID, "alice", "x")

	_, err = e.svc.EditMessage(e.ctx, c.ID, m.ID, "bob", "hijack")
	assert.True(t, errors.Is(err, apperr.ErrPermissionDenied))

	_, err = e.svc.EditMessage(e.ctx, c.ID, m.ID, "alice", " ")
	assert.True(t, errors.Is(err, apperr.ErrInvalidArgument))

	edited, err := e.svc.EditMessage(e.ctx, c.ID, m.ID, "alice", "y")
	require.NoError(t, err)
	assert.Equal(t, "y", edited.Content)
	assert.True(t, edited.IsEdited)
	require.NotNil(t, edited.EditedAt)

	chats, err := e.svc.ListChats(e.ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "y", chats[0].LastMessagePreview)
}

func TestEditObservedBySubscriber(t *testing.T) {
	e := newEnv(t)
	c, err := e.svc.CreateDirectChat(e.ctx, "alice", "bob")
	require.NoError(t, err)
	m := e.text(t, c.ID, "alice", "x")

	var (
		mu   sync.Mutex
		last []model.Message
	)
	cancel := e.svc.SubscribeToMessages(c.ID, func(msgs []model.Message) {
		mu.Lock()
		last = msgs
		mu.Unlock()
	})
	defer cancel()

	_, err = e.svc.EditMessage(e.ctx, c.ID, m.ID, "alice", "y")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(last) == 1 && last[0].Content == "y" && last[0].IsEdited
	}, time.Second, 5*time.Millisecond)
}

func TestDeleteMessageRecomputesPreview(t *testing.T) {
	e := newEnv(t)
	c, err := e.svc.CreateDirectChat(e.ctx, "alice", "bob")
	require.NoError(t, err)
	e.text(t, c.ID, "alice", "first")
	last := e.text(t, c.ID, "bob", "second")

	assert.True(t, errors.Is(e.svc.DeleteMessage(e.ctx, c.ID, last.ID, "alice"), apperr.ErrPermissionDenied))
	require.NoError(t, e.svc.DeleteMessage(e.ctx, c.ID, last.ID, "bob"))

	chats, err := e.svc.ListChats(e.ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "first", chats[0].LastMessagePreview)
	e.pub.AssertCalled(t, "Publish", mock.Anything, events.MessageDeleted, mock.Anything)
}

func TestMarkSeenIsIdempotentAndConcurrent(t *testing.T) {
	e := newEnv(t)
	c, err := e.svc.CreateGroupChat(e.ctx, "Rehearsal", []string{"alice", "bob", "carol"}, "alice")
	require.NoError(t, err)
	m := e.text(t, c.ID, "alice", "tonight 7pm")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		for _, u := range []string{"bob", "carol"} {
			wg.Add(1)
			go func(u string) {
				defer wg.Done()
				assert.NoError(t, e.svc.MarkSeen(e.ctx, c.ID, m.ID, u))
				assert.NoError(t, e.svc.MarkDelivered(e.ctx, c.ID, m.ID, u))
			}(u)
		}
	}
	wg.Wait()

	msgs, err := e.svc.GetMessages(e.ctx, c.ID, "bob")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob", "carol"}, msgs[0].SeenBy)
	assert.ElementsMatch(t, []string{"alice", "bob", "carol"}, msgs[0].DeliveredTo)

	assert.True(t, errors.Is(e.svc.MarkSeen(e.ctx, c.ID, m.ID, "mallory"), apperr.ErrPermissionDenied))
	assert.True(t, errors.Is(e.svc.MarkSeen(e.ctx, c.ID, "missing", "bob"), apperr.ErrNotFound))
}

func TestGetMessagesRequiresParticipant(t *testing.T) {
	e := newEnv(t)
	c, err := e.svc.CreateDirectChat(e.ctx, "alice", "bob")
	require.NoError(t, err)
	_, err = e.svc.GetMessages(e.ctx, c.ID, "carol")
	assert.True(t, errors.Is(err, apperr.ErrPermissionDenied))
}

func TestUploadAttachment(t *testing.T) {
	e := newEnv(t)
	c, err := e.svc.CreateDirectChat(e.ctx, "alice", "bob")
	require.NoError(t, err)
	png := []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 1, 2, 3}

	ref, err := e.svc.UploadAttachment(e.ctx, c.ID, "alice", "gig poster.png", png)
	require.NoError(t, err)
	assert.Equal(t, model.MessageKindImage, ref.Kind)
	assert.Equal(t, "gig poster.png", ref.Name)
	assert.Equal(t, int64(len(png)), ref.Size)
	assert.Contains(t, ref.URL, "/api/files/chats/"+c.ID+"/images/")

	_, err = e.svc.UploadAttachment(e.ctx, c.ID, "carol", "x.txt", []byte("x"))
	assert.True(t, errors.Is(err, apperr.ErrPermissionDenied))

	_, err = e.svc.UploadAttachment(e.ctx, c.ID, "alice", "big.bin", make([]byte, DefaultMaxUploadSize+1))
	assert.True(t, errors.Is(err, apperr.ErrInvalidArgument))
}

func TestRenameRefreshesPeerChatList(t *testing.T) {
	e := newEnv(t)
	_, err := e.svc.CreateDirectChat(e.ctx, "alice", "bob")
	require.NoError(t, err)

	var (
		mu   sync.Mutex
		last []model.ChatView
	)
	cancel := e.svc.SubscribeToChats("alice", func(v []model.ChatView) {
		mu.Lock()
		last = v
		mu.Unlock()
	})
	defer cancel()

	_, err = e.svc.UpdateProfile(e.ctx, "bob", "Bobby", "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(last) == 1 && last[0].DisplayName == "Bobby"
	}, time.Second, 5*time.Millisecond)
}
