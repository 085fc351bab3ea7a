package subscription

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bandhub/messenger/internal/model"
	"github.com/bandhub/messenger/internal/resolver"
	"github.com/bandhub/messenger/internal/storage/memory"
)

type fixture struct {
	store *memory.Store
	feed  *memory.Client
	mgr   *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	feed := memory.New()
	store := memory.NewStore(feed)
	mgr := New(store.Directory(), store.Messages(), resolver.New(store))
	t.Cleanup(func() {
		mgr.Close()
		_ = feed.Close()
	})
	return &fixture{store: store, feed: feed, mgr: mgr}
}

// recorder collects snapshots pushed to a callback.
type recorder[T any] struct {
	mu    sync.Mutex
	snaps [][]T
}

func (r *recorder[T]) add(v []T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, v)
}

func (r *recorder[T]) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

func (r *recorder[T]) last() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snaps) == 0 {
		return nil
	}
	return r.snaps[len(r.snaps)-1]
}

func (f *fixture) chat(t *testing.T, participants ...string) *model.Chat {
	t.Helper()
	c := &model.Chat{Kind: model.ChatKindDirect, Participants: participants}
	if len(participants) > 2 {
		c.Kind = model.ChatKindGroup
		c.AdminID = participants[0]
	}
	require.NoError(t, f.store.Directory().Create(context.Background(), c))
	return c
}

func (f *fixture) send(t *testing.T, chatID, sender, text string) *model.Message {
	t.Helper()
	m := &model.Message{ChatID: chatID, SenderID: sender, Content: text, Kind: model.MessageKindText}
	require.NoError(t, f.store.Messages().Append(context.Background(), m, text))
	return m
}

func TestSubscribeToMessagesInitialSnapshot(t *testing.T) {
	f := newFixture(t)
	c := f.chat(t, "alice", "bob")
	f.send(t, c.ID, "alice", "hello")

	rec := &recorder[model.Message]{}
	cancel := f.mgr.SubscribeToMessages(c.ID, rec.add)
	defer cancel()

	require.Eventually(t, func() bool { return rec.count() >= 1 }, time.Second, 5*time.Millisecond)
	snap := rec.last()
	require.Len(t, snap, 1)
	assert.Equal(t, "hello", snap[0].Content)
}

func TestSubscribeToMessagesOrderedAfterAppends(t *testing.T) {
	f := newFixture(t)
	c := f.chat(t, "alice", "bob")

	rec := &recorder[model.Message]{}
	cancel := f.mgr.SubscribeToMessages(c.ID, rec.add)
	defer cancel()
	require.Eventually(t, func() bool { return rec.count() >= 1 }, time.Second, 5*time.Millisecond)

	f.send(t, c.ID, "alice", "one")
	f.send(t, c.ID, "bob", "two")
	f.send(t, c.ID, "alice", "three")

	require.Eventually(t, func() bool { return len(rec.last()) == 3 }, time.Second, 5*time.Millisecond)
	snap := rec.last()
	assert.Equal(t, []string{"one", "two", "three"}, []string{snap[0].Content, snap[1].Content, snap[2].Content})
	for i := 1; i < len(snap); i++ {
		assert.False(t, snap[i].Before(&snap[i-1]), "message %d out of order", i)
	}
}

func TestSubscribeToChatsResolvesAndSorts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Upsert(ctx, &model.User{ID: "bob", Name: "Bob"}))
	require.NoError(t, f.store.Upsert(ctx, &model.User{ID: "carol", Name: "Carol"}))

	withBob := f.chat(t, "alice", "bob")
	withCarol := f.chat(t, "alice", "carol")

	rec := &recorder[model.ChatView]{}
	cancel := f.mgr.SubscribeToChats("alice", rec.add)
	defer cancel()
	require.Eventually(t, func() bool { return len(rec.last()) == 2 }, time.Second, 5*time.Millisecond)

	f.send(t, withCarol.ID, "carol", "hey")
	f.send(t, withBob.ID, "bob", "latest")

	require.Eventually(t, func() bool {
		snap := rec.last()
		return len(snap) == 2 && snap[0].LastMessagePreview == "latest"
	}, time.Second, 5*time.Millisecond)
	snap := rec.last()
	assert.Equal(t, "Bob", snap[0].DisplayName)
	assert.Equal(t, "Carol", snap[1].DisplayName)
}

func TestCancelStopsDeliveryAndIsIdempotent(t *testing.T) {
	f := newFixture(t)
	c := f.chat(t, "alice", "bob")

	rec := &recorder[model.Message]{}
	cancel := f.mgr.SubscribeToMessages(c.ID, rec.add)
	require.Eventually(t, func() bool { return rec.count() >= 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.mgr.Active())

	cancel()
	cancel()
	assert.Equal(t, 0, f.mgr.Active())
	assert.Equal(t, 0, f.feed.Subscribers("chat:"+c.ID))

	before := rec.count()
	f.send(t, c.ID, "alice", "after cancel")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, rec.count())
}

func TestCloseCancelsEverything(t *testing.T) {
	f := newFixture(t)
	c := f.chat(t, "alice", "bob")

	f.mgr.SubscribeToMessages(c.ID, func([]model.Message) {})
	f.mgr.SubscribeToChats("alice", func([]model.ChatView) {})
	assert.Equal(t, 2, f.mgr.Active())

	f.mgr.Close()
	assert.Equal(t, 0, f.mgr.Active())

	cancel := f.mgr.SubscribeToChats("bob", func([]model.ChatView) {})
	assert.Equal(t, 0, f.mgr.Active())
	cancel()
}

func TestMessageSubscriptionSurvivesMissingChat(t *testing.T) {
	f := newFixture(t)

	rec := &recorder[model.Message]{}
	cancel := f.mgr.SubscribeToMessages("nope", rec.add)
	defer cancel()

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, rec.count())
	assert.Equal(t, 1, f.mgr.Active())
}
