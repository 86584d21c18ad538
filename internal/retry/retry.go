// Package retry retries transient infrastructure failures with exponential backoff.
package retry

import (
	"context"
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/ajaxzhan/localsandbox/internal/logging"
)

// Policy describes how many times to try and how long to wait in between.
type Policy struct {
	// Attempts is the total number of invocations, including the first.
	Attempts int
	// BaseDelay is the wait after the first failure; it doubles after each
	// further failure.
	BaseDelay time.Duration
	// Notify, if set, observes every failed attempt and the wait that follows.
	Notify func(attempt int, err error, wait time.Duration)
}

// Delay returns the wait that follows the given failed attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	return time.Duration(float64(p.BaseDelay) * math.Pow(2, float64(attempt-1)))
}

// Do invokes op until it succeeds or the policy's attempts are spent, and
// returns the last error in the latter case. label names the operation in
// log entries. Cancelling ctx aborts a pending wait.
func Do[T any](ctx context.Context, p Policy, label string, log *zap.Logger, op func() (T, error)) (T, error) {
	log = logging.OrDefault(log)

	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         time.Duration(math.MaxInt64),
	}

	attempt := 0
	return backoff.Retry(ctx, func() (T, error) {
		attempt++
		return op()
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			log.Warn("operation failed, retrying",
				zap.String("context", label),
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", attempts),
				zap.Duration("wait", wait),
				zap.Error(err),
			)
			if p.Notify != nil {
				p.Notify(attempt, err, wait)
			}
		}),
	)
}

// Run is Do for operations without a result value.
func Run(ctx context.Context, p Policy, label string, log *zap.Logger, op func() error) error {
	_, err := Do(ctx, p, label, log, func() (struct{}, error) {
		return struct{}{}, op()
	})
	return err
}
