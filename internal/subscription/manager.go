// Package subscription keeps live, ordered snapshot subscriptions for chat lists and
// message logs, and tears them down on cancel or shutdown.
package subscription

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bandhub/messenger/internal/logger"
	"github.com/bandhub/messenger/internal/model"
	"github.com/bandhub/messenger/internal/observability"
	"github.com/bandhub/messenger/internal/resolver"
	"github.com/bandhub/messenger/internal/storage"
)

const resolveTimeout = 10 * time.Second

type Manager struct {
	chats    storage.DirectoryStore
	messages storage.MessageLogStore
	resolver *resolver.Resolver

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	subs   map[uint64]*subscription
	nextID uint64
	closed bool
}

type subscription struct {
	id        uint64
	kind      string
	cancelled atomic.Bool
	once      sync.Once
	stop      func()
}

func New(chats storage.DirectoryStore, messages storage.MessageLogStore, r *resolver.Resolver) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		chats:    chats,
		messages: messages,
		resolver: r,
		ctx:      ctx,
		cancel:   cancel,
		subs:     make(map[uint64]*subscription),
	}
}

// SubscribeToChats delivers userID's full, resolved and sorted chat list now and after every
// change to one of the user's chats. Load errors are logged and the subscription stays live.
func (m *Manager) SubscribeToChats(userID string, onUpdate func([]model.ChatView)) (cancel func()) {
	s := &subscription{kind: observability.SubscriptionChats}
	stop := m.chats.Subscribe(userID, func(chats []model.Chat, err error) {
		if s.cancelled.Load() {
			return
		}
		if err != nil {
			observability.IncSnapshotError(s.kind)
			logger.Errorf("subscription chats user=%s: %v", userID, err)
			return
		}
		ctx, done := context.WithTimeout(m.ctx, resolveTimeout)
		views := m.resolver.ResolveAll(ctx, chats, userID)
		done()
		if s.cancelled.Load() {
			return
		}
		observability.IncSnapshotDelivered(s.kind)
		onUpdate(views)
	})
	return m.register(s, stop)
}

// SubscribeToMessages delivers the chat's full message log, ordered by timestamp and then by
// assignment sequence, now and after every change.
func (m *Manager) SubscribeToMessages(chatID string, onUpdate func([]model.Message)) (cancel func()) {
	s := &subscription{kind: observability.SubscriptionMessages}
	stop := m.messages.Subscribe(chatID, func(msgs []model.Message, err error) {
		if s.cancelled.Load() {
			return
		}
		if err != nil {
			observability.IncSnapshotError(s.kind)
			logger.Errorf("subscription messages chat=%s: %v", chatID, err)
			return
		}
		SortMessages(msgs)
		observability.IncSnapshotDelivered(s.kind)
		onUpdate(msgs)
	})
	return m.register(s, stop)
}

func (m *Manager) register(s *subscription, stop func()) func() {
	s.stop = stop
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		s.cancelled.Store(true)
		stop()
		return func() {}
	}
	m.nextID++
	s.id = m.nextID
	m.subs[s.id] = s
	m.mu.Unlock()
	observability.IncSubscriptions(s.kind)

	return func() { m.release(s) }
}

func (m *Manager) release(s *subscription) {
	s.once.Do(func() {
		s.cancelled.Store(true)
		s.stop()
		m.mu.Lock()
		delete(m.subs, s.id)
		m.mu.Unlock()
		observability.DecSubscriptions(s.kind)
	})
}

// Active returns the number of live subscriptions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// Close cancels every live subscription; later subscribe calls return inert cancel funcs.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	all := make([]*subscription, 0, len(m.subs))
	for _, s := range m.subs {
		all = append(all, s)
	}
	m.mu.Unlock()

	m.cancel()
	for _, s := range all {
		m.release(s)
	}
}

// SortMessages orders msgs by timestamp, ties broken by assignment sequence.
func SortMessages(msgs []model.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Before(&msgs[j])
	})
}
