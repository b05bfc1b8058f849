package eventcore

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy describes how a failing handler is retried.
//
// The delay before retry n (1-based) is RetryDelay * BackoffMultiplier^(n-1),
// capped at MaxDelay. A zero BackoffMultiplier means a constant delay and a
// zero MaxDelay means no cap.
type RetryPolicy struct {
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
}

// BackOff returns the backoff.BackOff equivalent of the policy. Jitter is
// disabled so delays are deterministic.
func (p RetryPolicy) BackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.RetryDelay
	b.RandomizationFactor = 0
	b.Multiplier = p.BackoffMultiplier
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	b.MaxInterval = p.MaxDelay
	if b.MaxInterval <= 0 {
		b.MaxInterval = time.Duration(math.MaxInt64)
	}
	b.MaxElapsedTime = 0
	b.Reset()

	retries := p.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithMaxRetries(b, uint64(retries))
}

// WithRetry wraps next so that failures are retried according to policy.
//
// Behavior Details:
//   - Skipped events and errors wrapped with backoff.Permanent are not retried.
//   - Once retries are exhausted the last error is returned inside a
//     *RetryExhaustedError carrying the number of attempts.
//   - Cancelling ctx stops retrying and returns the context error.
//
// Example Usage:
//
//	h := WithRetry(RetryPolicy{MaxRetries: 3, RetryDelay: 100 * time.Millisecond, BackoffMultiplier: 2}, handler)
func WithRetry(policy RetryPolicy, next EventHandler) EventHandler {
	return NewEventHandlerFunc(func(ctx context.Context, event Event) error {
		attempts := 0
		var last error

		err := backoff.Retry(func() error {
			attempts++
			last = next.Handle(ctx, event)
			if last != nil && errors.Is(last, ErrSkippedEvent) {
				return backoff.Permanent(last)
			}
			return last
		}, backoff.WithContext(policy.BackOff(), ctx))

		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrSkippedEvent):
			return err
		case ctx.Err() != nil && errors.Is(err, ctx.Err()):
			return err
		case policy.MaxRetries == 0:
			return last
		}
		return &RetryExhaustedError{Attempts: attempts, Err: last}
	})
}

// DeadLetterSink receives events whose handling failed terminally. The core
// ships no implementation.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, event Event, err error)
}

// WithDeadLetter hands terminal failures of next to sink. The error is still
// returned so it reaches the bus error channel.
func WithDeadLetter(sink DeadLetterSink, next EventHandler) EventHandler {
	return NewEventHandlerFunc(func(ctx context.Context, event Event) error {
		err := next.Handle(ctx, event)
		if err != nil && !errors.Is(err, ErrSkippedEvent) {
			sink.DeadLetter(ctx, event, err)
		}
		return err
	})
}
