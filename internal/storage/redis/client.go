package redis

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/bandhub/messenger/internal/logger"
	"github.com/bandhub/messenger/internal/storage/memory"
)

// channelPrefix namespaces change signals so several deployments can share one Redis.
const channelPrefix = "bandhub:changes:"

// Client is a change feed over Redis pub/sub: every instance publishes its writes and
// receives the writes of the others. One pattern subscription per process feeds a local
// fan-out, so websocket subscriptions do not cost a Redis connection each.
type Client struct {
	cli   *redis.Client
	ps    *redis.PubSub
	local *memory.Client
	done  chan struct{}
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	ps := cli.PSubscribe(ctx, channelPrefix+"*")
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		_ = cli.Close()
		return nil, fmt.Errorf("redis psubscribe: %w", err)
	}

	c := &Client{cli: cli, ps: ps, local: memory.New(), done: make(chan struct{})}
	go c.dispatch()
	return c, nil
}

func (c *Client) dispatch() {
	defer close(c.done)
	for msg := range c.ps.Channel() {
		topic := strings.TrimPrefix(msg.Channel, channelPrefix)
		c.local.Notify(topic)
	}
}

func (c *Client) Publish(ctx context.Context, topics ...string) error {
	if len(topics) == 0 {
		return nil
	}
	pipe := c.cli.Pipeline()
	for _, t := range topics {
		pipe.Publish(ctx, channelPrefix+t, "1")
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (c *Client) Subscribe(topic string) (<-chan struct{}, func()) {
	return c.local.Subscribe(topic)
}

func (c *Client) Close() error {
	if err := c.ps.Close(); err != nil {
		logger.Errorf("redis pubsub close: %v", err)
	}
	<-c.done
	_ = c.local.Close()
	return c.cli.Close()
}
