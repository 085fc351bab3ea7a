// Package devstore picks the change feed for a process: Redis when it answers, otherwise an
// in-process feed so a single instance (-dev, tests, laptops without Redis) still works.
package devstore

import (
	"context"
	"time"

	"github.com/bandhub/messenger/internal/logger"
	"github.com/bandhub/messenger/internal/storage"
	"github.com/bandhub/messenger/internal/storage/memory"
	redisstorage "github.com/bandhub/messenger/internal/storage/redis"
)

// NewFeed connects to redisURL within timeout. An empty URL or an unreachable Redis yields
// the in-process feed; cross-instance delivery is then unavailable.
func NewFeed(ctx context.Context, redisURL string, timeout time.Duration) storage.ChangeFeed {
	if redisURL == "" {
		logger.Info("change feed: in-process (REDIS_URL empty)")
		return memory.New()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	feed, err := redisstorage.New(ctx, redisURL)
	if err != nil {
		logger.Errorf("change feed: redis unavailable, falling back to in-process: %v", err)
		return memory.New()
	}
	logger.Info("change feed: redis")
	return feed
}
