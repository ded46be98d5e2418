package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/sispop-project/sispopd/ulogger"
)

// Do runs fn, retrying on error per the options built from opts. After the
// first failed attempt it waits BackoffDurationType. After each later failed
// attempt n the wait is linear (BackoffDurationType * BackoffMultiplier *
// (n-1)) unless ExponentialBackoff is set, in which case the previous wait
// grows by BackoffFactor, capped at MaxBackoff. It also waits after the last
// failed attempt. Do returns an error wrapping fn's last error if RetryCount
// is exhausted, or ctx's error if ctx is cancelled while waiting, or never
// gives up if InfiniteRetry is set.
func Do(ctx context.Context, logger ulogger.Logger, fn func() error, opts ...Options) error {
	options := NewSetOptions(opts...)

	backoff := options.BackoffDurationType

	var lastErr error

	for attempt := 1; options.InfiniteRetry || attempt <= options.RetryCount; attempt++ {
		if lastErr = fn(); lastErr == nil {
			return nil
		}

		logger.Warnf("%sattempt %d failed: %v", options.Message, attempt, lastErr)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}

		if options.ExponentialBackoff {
			backoff = time.Duration(float64(backoff) * options.BackoffFactor)
			if backoff > options.MaxBackoff {
				backoff = options.MaxBackoff
			}
		} else {
			backoff = options.BackoffDurationType * time.Duration(options.BackoffMultiplier*attempt)
		}
	}

	return fmt.Errorf("%sgave up after %d attempts: %w", options.Message, options.RetryCount, lastErr)
}
