package memory

import (
	"context"
	"sync"
)

// Client is an in-process change feed. It serves single-instance deployments, tests, and
// the local fan-out behind the Redis feed.
type Client struct {
	mu     sync.RWMutex
	subs   map[string]map[chan struct{}]struct{}
	closed bool
}

func New() *Client {
	return &Client{subs: make(map[string]map[chan struct{}]struct{})}
}

func (c *Client) Publish(ctx context.Context, topics ...string) error {
	c.Notify(topics...)
	return nil
}

// Notify signals every subscriber of topics without blocking; a pending signal absorbs new ones.
func (c *Client) Notify(topics ...string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, t := range topics {
		for ch := range c.subs[t] {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}
}

func (c *Client) Subscribe(topic string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	if _, ok := c.subs[topic]; !ok {
		c.subs[topic] = make(map[chan struct{}]struct{})
	}
	c.subs[topic][ch] = struct{}{}
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			set, ok := c.subs[topic]
			if !ok {
				return
			}
			if _, ok := set[ch]; !ok {
				return
			}
			delete(set, ch)
			if len(set) == 0 {
				delete(c.subs, topic)
			}
			close(ch)
		})
	}
}

// Subscribers returns the number of live subscriptions on topic.
func (c *Client) Subscribers(topic string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs[topic])
}

// Close closes every subscription channel; later subscriptions get a closed channel.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for topic, set := range c.subs {
		for ch := range set {
			close(ch)
		}
		delete(c.subs, topic)
	}
	return nil
}
