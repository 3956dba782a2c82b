// Package backoff provides jittered retry for broker calls.
package backoff

import (
	"context"
	"errors"
	rand "math/rand/v2"
	"time"
)

// Policy configures Retry.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// Base is the first delay and the lower bound of every delay.
	Base time.Duration

	// Cap bounds every delay. Zero disables the cap.
	Cap time.Duration

	// Multiplier grows the upper bound of successive delays. Values below 1 mean no growth.
	Multiplier float64

	// AttemptTimeout bounds each attempt. Zero uses the parent context as-is.
	AttemptTimeout time.Duration

	// Seed makes jitter deterministic when non-zero.
	Seed int64
}

// ErrRetriesExhausted wraps the last attempt error once the retry budget is spent.
var ErrRetriesExhausted = errors.New("retries exhausted")

// Retry runs op until it succeeds, returns an error for which retryable is
// false, the budget is spent, or ctx is done.
//
// Each attempt gets its own context bounded by AttemptTimeout. onRetry, when
// non-nil, is called before sleeping with the attempt number (starting at 1)
// and the chosen delay. Cancellation of ctx supersedes retry and is returned
// as ctx.Err().
//
// Example:
//
//	err := backoff.Retry(ctx, policy, natsutil.IsTransient, nil, func(ctx context.Context) error {
//	    _, err := b.Append(ctx, stream, channel, sender, payload)
//	    return err
//	})
func Retry(
	ctx context.Context,
	p Policy,
	retryable func(error) bool,
	onRetry func(attempt int, delay time.Duration, err error),
	op func(ctx context.Context) error,
) error {
	rng := NewRNG(p.Seed)

	var (
		lastErr error
		delay   time.Duration
	)
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = runAttempt(ctx, p.AttemptTimeout, op)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}
		if attempt == p.MaxRetries {
			break
		}

		delay = Jitter(delay, p.Base, p.Multiplier, p.Cap, rng)
		if onRetry != nil {
			onRetry(attempt+1, delay, lastErr)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return errors.Join(ErrRetriesExhausted, lastErr)
}

func runAttempt(ctx context.Context, timeout time.Duration, op func(ctx context.Context) error) error {
	if timeout <= 0 {
		return op(ctx)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return op(attemptCtx)
}

// Jitter implements decorrelated jitter backoff ("Full Jitter" variant) with a cap.
// See: https://aws.amazon.com/blogs/architecture/exponential-backoff-and-jitter/
//
// Given previous delay (prev), computes next delay as:
//
//	next = min(cap, base + rand(prev*multiplier - base))
//
// Behavior:
//   - If prev <= 0, start from base
//   - Multiplier < 1.0 falls back to 1.0 (no growth)
//   - Cap below base returns cap
//
// A nil rng uses the package-level PRNG.
func Jitter(prev, base time.Duration, mult float64, capDur time.Duration, rng *rand.Rand) time.Duration {
	if base <= 0 {
		base = 50 * time.Millisecond
	}
	if mult < 1.0 {
		mult = 1.0
	}
	if capDur > 0 && capDur < base {
		return capDur
	}
	if prev <= 0 {
		return base
	}

	span := time.Duration(float64(prev)*mult) - base
	if span <= 0 {
		span = base
	}

	var jitter int64
	if rng != nil {
		jitter = rng.Int64N(int64(span))
	} else {
		jitter = rand.Int64N(int64(span)) //nolint:gosec // non-crypto backoff jitter
	}

	next := base + time.Duration(jitter)
	if capDur > 0 && next > capDur {
		return capDur
	}

	return next
}

// NewRNG returns a deterministic RNG only when a non-zero seed is provided.
// When seed == 0 it returns nil so callers use the package-level PRNG instead.
//
//nolint:gosec
func NewRNG(seed int64) *rand.Rand {
	if seed == 0 {
		return nil
	}
	s1 := uint64(seed)
	s2 := s1 ^ 0x9e3779b97f4a7c15

	return rand.New(rand.NewPCG(s1, s2))
}
