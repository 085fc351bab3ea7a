package startup

import (
	"os"
	"time"

	"github.com/bandhub/messenger/internal/logger"
)

const (
	initialBackoff = 2 * time.Second
	maxBackoff     = 30 * time.Second
)

// retry calls attempt until it succeeds, doubling the pause between tries up to maxBackoff.
// Once maxWait has passed the last error is logged and the process exits.
func retry(maxWait time.Duration, logPrefix, what string, attempt func() error) {
	deadline := time.Now().Add(maxWait)
	backoff := initialBackoff
	for {
		err := attempt()
		if err == nil {
			return
		}
		if time.Now().After(deadline) {
			logger.Errorf("%s%s (gave up after %v): %v", logPrefix, what, maxWait, err)
			os.Exit(1)
		}
		logger.Errorf("%s%s failed, retry in %v: %v", logPrefix, what, backoff, err)
		time.Sleep(backoff)
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}
