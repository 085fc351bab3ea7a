package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bandhub/messenger/internal/logger"
)

// bufPool pools bytes.Buffer for JSON encoding in writePump.
var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Client is one websocket connection and the live subscriptions it owns.
// Lifecycle: NewClient -> Start(ctx, cancel) -> [readPump, writePump] -> Close -> Wait.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan OutgoingMessage
	userID string

	// done guards sendToClient once the client is closing.
	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup

	subMu       sync.Mutex
	subsClosed  bool
	chatsCancel func()
	msgCancels  map[string]func()
}

func NewClient(hub *Hub, conn *websocket.Conn, userID string) *Client {
	return &Client{
		hub:        hub,
		conn:       conn,
		send:       make(chan OutgoingMessage, hub.opts.SendBufferSize),
		userID:     userID,
		done:       make(chan struct{}),
		msgCancels: make(map[string]func()),
	}
}

func (c *Client) UserID() string { return c.userID }

// Start launches readPump and writePump. cancel is kept for Close.
func (c *Client) Start(ctx context.Context, cancel context.CancelFunc) {
	c.cancel = cancel
	c.wg.Add(2)
	go c.writePump(ctx)
	go c.readPump(ctx)
}

// Wait blocks until both pumps have exited.
func (c *Client) Wait() {
	c.wg.Wait()
}

// Close drops every subscription and stops the pumps. Safe to call repeatedly from any goroutine.
func (c *Client) Close() {
	c.once.Do(func() {
		c.dropSubscriptions()
		if c.cancel != nil {
			c.cancel()
		}
		close(c.done)
		c.conn.Close()
	})
}

// setChatsSubscription stores cancel unless one is already live; it reports whether it was stored.
func (c *Client) setChatsSubscription(subscribe func() func()) bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.subsClosed || c.chatsCancel != nil {
		return false
	}
	c.chatsCancel = subscribe()
	return true
}

func (c *Client) clearChatsSubscription() {
	c.subMu.Lock()
	cancel := c.chatsCancel
	c.chatsCancel = nil
	c.subMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Client) setMessagesSubscription(chatID string, subscribe func() func()) bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.subsClosed {
		return false
	}
	if _, ok := c.msgCancels[chatID]; ok {
		return false
	}
	c.msgCancels[chatID] = subscribe()
	return true
}

func (c *Client) clearMessagesSubscription(chatID string) {
	c.subMu.Lock()
	cancel := c.msgCancels[chatID]
	delete(c.msgCancels, chatID)
	c.subMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// subscriptionCount is the number of live subscriptions the client owns.
func (c *Client) subscriptionCount() int {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	n := len(c.msgCancels)
	if c.chatsCancel != nil {
		n++
	}
	return n
}

func (c *Client) dropSubscriptions() {
	c.subMu.Lock()
	c.subsClosed = true
	cancels := make([]func(), 0, len(c.msgCancels)+1)
	if c.chatsCancel != nil {
		cancels = append(cancels, c.chatsCancel)
		c.chatsCancel = nil
	}
	for id, cancel := range c.msgCancels {
		cancels = append(cancels, cancel)
		delete(c.msgCancels, id)
	}
	c.subMu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

func (c *Client) readPump(ctx context.Context) {
	defer c.wg.Done()
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	pongWait := c.hub.opts.PongWait
	c.conn.SetReadLimit(c.hub.opts.MaxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logger.Errorf("ws set read deadline user=%s: %v", c.userID, err)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("ws read error user=%s: %v", c.userID, err)
			}
			return
		}

		var msg IncomingMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			logger.Debugf("ws unmarshal error user=%s: %v", c.userID, err)
			c.hub.sendToClient(c, OutgoingMessage{Type: EventError, Payload: "malformed message"})
			continue
		}

		c.hub.HandleMessage(ctx, c, msg)
	}
}

func (c *Client) writePump(ctx context.Context) {
	defer c.wg.Done()
	writeWait := c.hub.opts.WriteWait
	ticker := time.NewTicker(c.hub.opts.PongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
			return
		case msg := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logger.Errorf("ws set write deadline user=%s: %v", c.userID, err)
				return
			}
			buf := bufPool.Get().(*bytes.Buffer)
			buf.Reset()
			if err := json.NewEncoder(buf).Encode(msg); err != nil {
				bufPool.Put(buf)
				logger.Errorf("ws marshal error user=%s: %v", c.userID, err)
				continue
			}
			data := bytes.TrimSuffix(buf.Bytes(), []byte{'\n'})
			writeErr := c.conn.WriteMessage(websocket.TextMessage, data)
			bufPool.Put(buf)
			if writeErr != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logger.Errorf("ws set write deadline user=%s: %v", c.userID, err)
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
