package eventcore

import (
	"context"

	"github.com/google/uuid"
)

// HandlerID identifies one handler registration on a bus.
type HandlerID string

// NewHandlerID returns a random HandlerID.
func NewHandlerID() HandlerID {
	return HandlerID(uuid.NewString())
}

// SubscribeConfig is the resolved form of a set of SubscribeOptions.
type SubscribeConfig struct {
	ID          HandlerID
	RetryPolicy *RetryPolicy
}

type SubscribeOption func(cfg *SubscribeConfig)

// WithHandlerID registers the handler under a caller-chosen id.
func WithHandlerID(id HandlerID) SubscribeOption {
	return func(cfg *SubscribeConfig) { cfg.ID = id }
}

// WithRetryPolicy retries failed deliveries to this handler according to p.
func WithRetryPolicy(p RetryPolicy) SubscribeOption {
	return func(cfg *SubscribeConfig) { cfg.RetryPolicy = &p }
}

// ApplySubscribeOptions resolves opts, generating an id when none is given.
func ApplySubscribeOptions(opts ...SubscribeOption) SubscribeConfig {
	var cfg SubscribeConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.ID == "" {
		cfg.ID = NewHandlerID()
	}
	return cfg
}

// EventBus publishes events through a broker, records them in an optional
// store and fans each delivery out to every handler registered under the
// topic name.
//
// Delivery is at-least-once and best effort. Handlers for one message run
// concurrently and are all awaited; a failing handler never cancels its
// siblings and its error is reported on Errors(), never to the publisher.
type EventBus interface {
	// Start connects the broker and subscribes every name registered while
	// stopped. Calling Start on a started bus is a no-op.
	Start(ctx context.Context) error

	// Stop disconnects the broker and clears all registrations. Calling Stop
	// on a stopped bus is a no-op.
	Stop(ctx context.Context) error

	IsStarted() bool

	// Publish stores ev (if a store is configured), serializes it and hands
	// it to the broker on TopicOf(ev). Returns ErrNotStarted when stopped.
	Publish(ctx context.Context, ev Event, opts ...AppendOption) error

	// PublishBatch publishes evs in one broker call. Only the DomainEvent
	// subset is recorded in the store.
	PublishBatch(ctx context.Context, evs []Event, opts ...AppendOption) error

	// Subscribe registers handler under name. The first handler for a name
	// creates the broker subscription.
	Subscribe(ctx context.Context, name string, handler EventHandler, opts ...SubscribeOption) (HandlerID, error)

	// Unsubscribe removes the given handlers, or all handlers for name when
	// ids is empty. Removing the last handler drops the broker subscription.
	Unsubscribe(ctx context.Context, name string, ids ...HandlerID) error

	// Errors returns an error channel where async handling errors are sent.
	Errors() <-chan error
}
