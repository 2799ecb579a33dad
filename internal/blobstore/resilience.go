package blobstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sony/gobreaker/v2"

	"github.com/dmitrijs2005/docvault/internal/common"
)

// Breaker is the circuit breaker shared by all object-store calls. It is
// constructed once per deployment and injected, so accounting is shared
// across clients without hidden package-level state.
type Breaker = gobreaker.CircuitBreaker[any]

// NewBreaker opens after consecutiveFailures back-to-back failures and stays
// open for cooldown, after which a single trial request is allowed through.
func NewBreaker(name string, consecutiveFailures uint32, cooldown time.Duration) *Breaker {
	return gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= consecutiveFailures
		},
	})
}

// execute runs one object-store operation under the retry policy composed
// with the circuit breaker. Each attempt gets its own timeout. Expected
// outcomes (ErrNotFound) pass through the breaker without counting as
// failures and are never retried. While the breaker is open, attempts fail
// fast with ErrStorageUnavailable without touching the network.
func execute[T any](ctx context.Context, c *Client, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T

	backoff := retry.WithMaxRetries(c.maxRetries,
		retry.WithJitterPercent(10,
			retry.WithCappedDuration(c.retryCap,
				retry.NewExponential(c.retryBase))))

	attempts := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++

		out, brkErr := c.breaker.Execute(func() (any, error) {
			opCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()

			v, err := fn(opCtx)
			if err != nil {
				if errors.Is(err, common.ErrNotFound) {
					// A missing object is a normal outcome, not a sign of
					// an unhealthy dependency.
					return err, nil
				}
				return nil, err
			}
			result = v
			return nil, nil
		})

		if brkErr != nil {
			if errors.Is(brkErr, gobreaker.ErrOpenState) || errors.Is(brkErr, gobreaker.ErrTooManyRequests) {
				return fmt.Errorf("%w: %s: circuit open", common.ErrStorageUnavailable, op)
			}
			return retry.RetryableError(brkErr)
		}
		if expected, ok := out.(error); ok {
			return expected
		}
		return nil
	})

	if err == nil {
		return result, nil
	}
	if errors.Is(err, common.ErrNotFound) ||
		errors.Is(err, common.ErrStorageUnavailable) ||
		errors.Is(err, context.Canceled) {
		return result, err
	}
	return result, fmt.Errorf("%w: %s after %d attempts: %v", common.ErrStorageUnavailable, op, attempts, err)
}
