// Package ws serves the realtime surface: clients subscribe to their chat list and to chat
// logs, receive full snapshots on every change, and send messaging commands.
package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bandhub/messenger/internal/apperr"
	"github.com/bandhub/messenger/internal/logger"
	"github.com/bandhub/messenger/internal/model"
	"github.com/bandhub/messenger/internal/observability"
	"github.com/bandhub/messenger/internal/service"
)

const commandTimeout = 5 * time.Second

// Messenger is the part of the messaging facade the hub drives.
type Messenger interface {
	SubscribeToChats(userID string, onUpdate func([]model.ChatView)) (cancel func())
	SubscribeToMessages(chatID string, onUpdate func([]model.Message)) (cancel func())
	CheckParticipant(ctx context.Context, chatID, userID string) (*model.Chat, error)
	SendMessage(ctx context.Context, p service.SendParams) (*model.Message, error)
	EditMessage(ctx context.Context, chatID, messageID, callerID, content string) (*model.Message, error)
	DeleteMessage(ctx context.Context, chatID, messageID, callerID string) error
	MarkSeen(ctx context.Context, chatID, messageID, userID string) error
	MarkDelivered(ctx context.Context, chatID, messageID, userID string) error
}

type Options struct {
	MaxConns       int
	SendBufferSize int
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
}

func (o Options) withDefaults() Options {
	if o.MaxConns <= 0 {
		o.MaxConns = 10000
	}
	if o.SendBufferSize <= 0 {
		o.SendBufferSize = 256
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 64 << 10
	}
	return o
}

type Hub struct {
	mu         sync.RWMutex
	clients    map[string]map[*Client]struct{}
	total      int
	opts       Options
	svc        Messenger
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(svc Messenger, opts Options) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		opts:       opts.withDefaults(),
		svc:        svc,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

// Connections returns the number of registered clients.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.total
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	all := make([]*Client, 0, h.total)
	for _, clients := range h.clients {
		for c := range clients {
			all = append(all, c)
		}
	}
	h.clients = make(map[string]map[*Client]struct{})
	for range all {
		observability.DecWSActive()
	}
	h.total = 0
	h.mu.Unlock()

	// Network I/O outside the lock.
	for _, c := range all {
		c.Close()
	}
	for _, c := range all {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if h.total >= h.opts.MaxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.opts.MaxConns, c.userID)
		c.Close()
		return
	}
	if _, ok := h.clients[c.userID]; !ok {
		h.clients[c.userID] = make(map[*Client]struct{})
	}
	h.clients[c.userID][c] = struct{}{}
	h.total++
	h.mu.Unlock()
	observability.IncWSActive()
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	clients, ok := h.clients[c.userID]
	if !ok {
		h.mu.Unlock()
		c.Close()
		return
	}
	if _, exists := clients[c]; !exists {
		h.mu.Unlock()
		c.Close()
		return
	}
	delete(clients, c)
	h.total--
	if len(clients) == 0 {
		delete(h.clients, c.userID)
	}
	h.mu.Unlock()
	observability.DecWSActive()

	c.Close()
}

// HandleMessage dispatches one client command.
func (h *Hub) HandleMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	observability.IncWSEvent(string(msg.Type))
	switch msg.Type {
	case EventSubscribeChats:
		h.handleSubscribeChats(c, msg)
	case EventUnsubscribeChats:
		c.clearChatsSubscription()
		h.ack(c, msg, nil)
	case EventSubscribeMessages:
		h.handleSubscribeMessages(ctx, c, msg)
	case EventUnsubscribeMessages:
		c.clearMessagesSubscription(msg.ChatID)
		h.ack(c, msg, nil)
	case EventSendMessage:
		h.handleSendMessage(ctx, c, msg)
	case EventEditMessage:
		h.handleEditMessage(ctx, c, msg)
	case EventDeleteMessage:
		h.handleDeleteMessage(ctx, c, msg)
	case EventMarkSeen, EventMarkDelivered:
		h.handleMark(ctx, c, msg)
	default:
		h.sendToClient(c, OutgoingMessage{Type: EventError, RequestID: msg.RequestID, Payload: "unknown event type"})
	}
}

func (h *Hub) handleSubscribeChats(c *Client, msg IncomingMessage) {
	c.setChatsSubscription(func() func() {
		return h.svc.SubscribeToChats(c.userID, func(views []model.ChatView) {
			h.sendToClient(c, OutgoingMessage{Type: EventChatsSnapshot, Payload: views})
		})
	})
	h.ack(c, msg, nil)
}

func (h *Hub) handleSubscribeMessages(ctx context.Context, c *Client, msg IncomingMessage) {
	if msg.ChatID == "" {
		h.fail(c, msg, apperr.InvalidArgument("chat_id required"))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	if _, err := h.svc.CheckParticipant(ctx, msg.ChatID, c.userID); err != nil {
		h.fail(c, msg, err)
		return
	}

	chatID := msg.ChatID
	c.setMessagesSubscription(chatID, func() func() {
		return h.svc.SubscribeToMessages(chatID, func(msgs []model.Message) {
			h.sendToClient(c, OutgoingMessage{
				Type:    EventMessagesSnapshot,
				Payload: MessagesSnapshotPayload{ChatID: chatID, Messages: msgs},
			})
		})
	})
	h.ack(c, msg, nil)
}

func (h *Hub) handleSendMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	defer logger.DeferLogDuration("ws.handleSendMessage", time.Now())()
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	m, err := h.svc.SendMessage(ctx, service.SendParams{
		ChatID:     msg.ChatID,
		SenderID:   c.userID,
		Content:    msg.Content,
		Kind:       msg.Kind,
		ReplyTo:    msg.ReplyTo,
		Attachment: msg.Attachment,
	})
	if err != nil {
		h.fail(c, msg, err)
		return
	}
	h.ack(c, msg, m)
}

func (h *Hub) handleEditMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	defer logger.DeferLogDuration("ws.handleEditMessage", time.Now())()
	if msg.ChatID == "" || msg.MessageID == "" {
		h.fail(c, msg, apperr.InvalidArgument("chat_id and message_id required"))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	m, err := h.svc.EditMessage(ctx, msg.ChatID, msg.MessageID, c.userID, msg.Content)
	if err != nil {
		h.fail(c, msg, err)
		return
	}
	h.ack(c, msg, m)
}

func (h *Hub) handleDeleteMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	if msg.ChatID == "" || msg.MessageID == "" {
		h.fail(c, msg, apperr.InvalidArgument("chat_id and message_id required"))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	if err := h.svc.DeleteMessage(ctx, msg.ChatID, msg.MessageID, c.userID); err != nil {
		h.fail(c, msg, err)
		return
	}
	h.ack(c, msg, nil)
}

func (h *Hub) handleMark(ctx context.Context, c *Client, msg IncomingMessage) {
	if msg.ChatID == "" || msg.MessageID == "" {
		h.fail(c, msg, apperr.InvalidArgument("chat_id and message_id required"))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	mark := h.svc.MarkSeen
	if msg.Type == EventMarkDelivered {
		mark = h.svc.MarkDelivered
	}
	if err := mark(ctx, msg.ChatID, msg.MessageID, c.userID); err != nil {
		h.fail(c, msg, err)
		return
	}
	h.ack(c, msg, nil)
}

func (h *Hub) ack(c *Client, msg IncomingMessage, m *model.Message) {
	h.sendToClient(c, OutgoingMessage{
		Type:      EventAck,
		RequestID: msg.RequestID,
		Payload:   AckPayload{Event: msg.Type, ChatID: msg.ChatID, Message: m},
	})
}

// fail reports err to the client. Store failures are logged and hidden behind a generic text.
func (h *Hub) fail(c *Client, msg IncomingMessage, err error) {
	text := err.Error()
	if k := apperr.Kind(err); k == nil || errors.Is(k, apperr.ErrTransient) {
		logger.Errorf("ws %s user=%s chat=%s: %v", msg.Type, c.userID, msg.ChatID, err)
		text = "temporarily unavailable, retry"
	}
	h.sendToClient(c, OutgoingMessage{Type: EventError, RequestID: msg.RequestID, Payload: text})
}

func (h *Hub) sendToClient(c *Client, msg OutgoingMessage) {
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		// Send buffer full: drop the slow client.
		logger.Errorf("ws send buffer full, closing slow client user=%s", c.userID)
		c.Close()
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
