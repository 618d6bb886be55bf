// Package backoff retries an operation with exponential backoff and jitter.
package backoff

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
)

// Task is one attempt. It reports whether a failure is worth retrying.
type Task func(ctx context.Context) (retry bool, err error)

// Policy bounds the retries. Zero values fall back to 500ms base delay,
// 30s max delay and a single attempt.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Delay is the wait before the attempt following attempt n (1-based),
// without jitter.
func (p Policy) Delay(n int) time.Duration {
	base, ceiling := p.bounds()
	d := math.Pow(2, float64(n-1)) * float64(base)
	if d > float64(ceiling) {
		return ceiling
	}
	return time.Duration(d)
}

func (p Policy) bounds() (time.Duration, time.Duration) {
	base := p.BaseDelay
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	ceiling := p.MaxDelay
	if ceiling <= 0 {
		ceiling = 30 * time.Second
	}
	return base, ceiling
}

// Retry runs task until it succeeds, declines a retry, runs out of attempts
// or ctx is done.
func (p Policy) Retry(ctx context.Context, name string, task Task) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	base, _ := p.bounds()

	var attempt int
	for {
		attempt++
		retry, err := task(ctx)
		if err == nil {
			return nil
		}

		if !retry || attempt >= attempts {
			return fmt.Errorf("%s failed after %d attempt(s): %w", name, attempt, err)
		}

		log.Warn().Err(err).Str("op", name).Int("attempt", attempt).Msg("attempt failed, will retry")

		// exponential backoff with jitter
		sleep := p.Delay(attempt) + time.Duration(rand.Int63n(int64(base)))

		select {
		case <-time.After(sleep):
			// next attempt
		case <-ctx.Done():
			return fmt.Errorf("%s cancelled during backoff: %w", name, ctx.Err())
		}
	}
}
