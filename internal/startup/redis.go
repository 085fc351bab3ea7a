package startup

import (
	"context"
	"time"

	redisstorage "github.com/bandhub/messenger/internal/storage/redis"
)

// ConnectRedisWithRetry opens the Redis change feed, retrying with backoff until maxWait.
// Used when REDIS_REQUIRED is set: multi-instance deployments must not fall back to an
// in-process feed.
func ConnectRedisWithRetry(redisURL string, maxWait time.Duration, logPrefix string) *redisstorage.Client {
	var client *redisstorage.Client
	retry(maxWait, logPrefix, "redis connect", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c, err := redisstorage.New(ctx, redisURL)
		if err != nil {
			return err
		}
		client = c
		return nil
	})
	return client
}
