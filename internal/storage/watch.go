package storage

import (
	"context"
	"sync"
	"time"
)

const loadTimeout = 10 * time.Second

// Watch loads a snapshot once at start and again after every signal on topic, passing each
// result to deliver from a single goroutine. The feed subscription is taken before the first
// load so no change between them is missed. cancel is idempotent and does not wait for an
// in-flight deliver, so it may be called from inside deliver.
func Watch[T any](feed ChangeFeed, topic string, load func(ctx context.Context) (T, error), deliver func(T, error)) (cancel func()) {
	signals, unsubscribe := feed.Subscribe(topic)
	ctx, stop := context.WithCancel(context.Background())

	go func() {
		for {
			loadCtx, loadCancel := context.WithTimeout(ctx, loadTimeout)
			res, err := load(loadCtx)
			loadCancel()
			if ctx.Err() != nil {
				return
			}
			deliver(res, err)

			select {
			case <-ctx.Done():
				return
			case _, ok := <-signals:
				if !ok {
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			stop()
			unsubscribe()
		})
	}
}
