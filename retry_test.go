package eventcore_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	es "github.com/terraskye/eventcore"
	"github.com/terraskye/eventcore/fixtures"
)

func TestRetryPolicy_BackOff(t *testing.T) {
	b := es.RetryPolicy{
		MaxRetries:        4,
		RetryDelay:        10 * time.Millisecond,
		BackoffMultiplier: 2,
		MaxDelay:          50 * time.Millisecond,
	}.BackOff()

	var delays []time.Duration
	for d := b.NextBackOff(); d != backoff.Stop; d = b.NextBackOff() {
		delays = append(delays, d)
	}
	assert.Equal(t, []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
		50 * time.Millisecond,
	}, delays)
}

func TestRetryPolicy_ConstantDelay(t *testing.T) {
	b := es.RetryPolicy{MaxRetries: 2, RetryDelay: 5 * time.Millisecond}.BackOff()
	assert.Equal(t, 5*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 5*time.Millisecond, b.NextBackOff())
	assert.Equal(t, backoff.Stop, b.NextBackOff())
}

func TestWithRetry_SucceedsEventually(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	h := es.WithRetry(es.RetryPolicy{MaxRetries: 3, RetryDelay: time.Millisecond}, es.NewEventHandlerFunc(func(context.Context, es.Event) error {
		calls++
		if calls < 3 {
			return boom
		}
		return nil
	}))

	require.NoError(t, h.Handle(context.Background(), fixtures.NewTestEvent().Build()))
	assert.Equal(t, 3, calls)
}

func TestWithRetry_Exhausted(t *testing.T) {
	boom := errors.New("boom")
	spy := fixtures.NewEventHandlerSpy().FailOnHandle(boom)
	h := es.WithRetry(es.RetryPolicy{MaxRetries: 2, RetryDelay: time.Millisecond}, spy)

	err := h.Handle(context.Background(), fixtures.NewTestEvent().Build())
	var exhausted *es.RetryExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, spy.EventCount())
}

func TestWithRetry_NoRetries(t *testing.T) {
	boom := errors.New("boom")
	spy := fixtures.NewEventHandlerSpy().FailOnHandle(boom)
	h := es.WithRetry(es.RetryPolicy{}, spy)

	err := h.Handle(context.Background(), fixtures.NewTestEvent().Build())
	assert.Equal(t, boom, err)
	assert.Equal(t, 1, spy.EventCount())
}

func TestWithRetry_SkippedAndPermanentAreNotRetried(t *testing.T) {
	policy := es.RetryPolicy{MaxRetries: 5, RetryDelay: time.Millisecond}

	typed := es.OnEvent(func(context.Context, *fixtures.PlainEvent) error { return nil })
	err := es.WithRetry(policy, typed).Handle(context.Background(), fixtures.NewTestEvent().Build())
	assert.ErrorIs(t, err, es.ErrSkippedEvent)

	calls := 0
	fatal := errors.New("fatal")
	h := es.WithRetry(policy, es.NewEventHandlerFunc(func(context.Context, es.Event) error {
		calls++
		return backoff.Permanent(fatal)
	}))
	err = h.Handle(context.Background(), fixtures.NewTestEvent().Build())
	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)
}

func TestWithRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	h := es.WithRetry(es.RetryPolicy{MaxRetries: 100, RetryDelay: 10 * time.Millisecond}, es.NewEventHandlerFunc(func(context.Context, es.Event) error {
		calls++
		if calls == 2 {
			cancel()
		}
		return errors.New("transient")
	}))

	err := h.Handle(ctx, fixtures.NewTestEvent().Build())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, calls, 100)
}

type deadLetters struct {
	mu     sync.Mutex
	events []es.Event
	errs   []error
}

func (d *deadLetters) DeadLetter(_ context.Context, ev es.Event, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, ev)
	d.errs = append(d.errs, err)
}

func TestWithDeadLetter(t *testing.T) {
	sink := &deadLetters{}
	boom := errors.New("boom")
	policy := es.RetryPolicy{MaxRetries: 1, RetryDelay: time.Millisecond}
	h := es.WithDeadLetter(sink, es.WithRetry(policy, fixtures.NewEventHandlerSpy().FailOnHandle(boom)))

	ev := fixtures.NewTestEvent().Build()
	err := h.Handle(context.Background(), ev)
	assert.ErrorIs(t, err, boom)
	require.Len(t, sink.events, 1)
	assert.Same(t, ev, sink.events[0])

	ok := es.WithDeadLetter(sink, fixtures.NewEventHandlerSpy())
	require.NoError(t, ok.Handle(context.Background(), ev))

	skip := es.WithDeadLetter(sink, es.OnEvent(func(context.Context, *fixtures.PlainEvent) error { return nil }))
	assert.ErrorIs(t, skip.Handle(context.Background(), ev), es.ErrSkippedEvent)
	assert.Len(t, sink.events, 1)
}
