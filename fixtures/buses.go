package fixtures

import (
	"context"
	"sync"

	es "github.com/terraskye/eventcore"
)

var _ es.EventBus = (*EventBusSpy)(nil)

// EventBusSpy is a configurable mock EventBus for testing.
// It records publishes and subscriptions and allows injecting failures.
type EventBusSpy struct {
	mu sync.Mutex

	// Call tracking
	PublishCalls      int
	PublishBatchCalls int
	SubscribeCalls    int

	// Published holds every event passed to Publish or PublishBatch.
	Published []es.Event

	// Captured arguments from last publish
	LastAppendConfig es.AppendConfig

	// Captured subscriptions
	Subscriptions []Subscription

	started      bool
	publishErr   error
	subscribeErr error
	errChan      chan error
}

// Subscription captures details of a Subscribe call.
type Subscription struct {
	Name    string
	ID      es.HandlerID
	Handler es.EventHandler
}

// NewEventBusSpy creates a started EventBusSpy.
func NewEventBusSpy() *EventBusSpy {
	return &EventBusSpy{
		started: true,
		errChan: make(chan error, 10),
	}
}

// FailOnPublish configures the bus to return an error on publishes.
func (b *EventBusSpy) FailOnPublish(err error) *EventBusSpy {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErr = err
	return b
}

// FailOnSubscribe configures the bus to return an error on subscribes.
func (b *EventBusSpy) FailOnSubscribe(err error) *EventBusSpy {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribeErr = err
	return b
}

func (b *EventBusSpy) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started = true
	return nil
}

func (b *EventBusSpy) Stop(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started = false
	return nil
}

func (b *EventBusSpy) IsStarted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.started
}

func (b *EventBusSpy) Publish(ctx context.Context, ev es.Event, opts ...es.AppendOption) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.PublishCalls++
	b.LastAppendConfig = es.ApplyAppendOptions(opts...)
	if b.publishErr != nil {
		return b.publishErr
	}
	b.Published = append(b.Published, ev)
	return nil
}

func (b *EventBusSpy) PublishBatch(ctx context.Context, evs []es.Event, opts ...es.AppendOption) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.PublishBatchCalls++
	b.LastAppendConfig = es.ApplyAppendOptions(opts...)
	if b.publishErr != nil {
		return b.publishErr
	}
	b.Published = append(b.Published, evs...)
	return nil
}

func (b *EventBusSpy) Subscribe(ctx context.Context, name string, handler es.EventHandler, opts ...es.SubscribeOption) (es.HandlerID, error) {
	cfg := es.ApplySubscribeOptions(opts...)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.SubscribeCalls++
	if b.subscribeErr != nil {
		return "", b.subscribeErr
	}
	b.Subscriptions = append(b.Subscriptions, Subscription{Name: name, ID: cfg.ID, Handler: handler})
	return cfg.ID, nil
}

func (b *EventBusSpy) Unsubscribe(ctx context.Context, name string, ids ...es.HandlerID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.Subscriptions[:0]
	for _, sub := range b.Subscriptions {
		if sub.Name == name && (len(ids) == 0 || containsID(ids, sub.ID)) {
			continue
		}
		kept = append(kept, sub)
	}
	b.Subscriptions = kept
	return nil
}

// Errors implements EventBus.Errors.
func (b *EventBusSpy) Errors() <-chan error {
	return b.errChan
}

// SendError sends an error to the error channel for testing error handling.
func (b *EventBusSpy) SendError(err error) {
	b.errChan <- err
}

// HasSubscription checks if a subscription with the given name exists.
func (b *EventBusSpy) HasSubscription(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.Subscriptions {
		if sub.Name == name {
			return true
		}
	}
	return false
}

func containsID(ids []es.HandlerID, id es.HandlerID) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

// EventHandlerSpy is a configurable mock EventHandler for testing.
type EventHandlerSpy struct {
	mu sync.Mutex

	// Function override
	HandleFn func(ctx context.Context, event es.Event) error

	// Call tracking
	HandleCalls int

	// Captured events and their delivery metadata
	ReceivedEvents   []es.Event
	ReceivedMetadata []es.Metadata

	// Error injection
	handleErr error
}

// NewEventHandlerSpy creates a new EventHandlerSpy.
func NewEventHandlerSpy() *EventHandlerSpy {
	return &EventHandlerSpy{}
}

// FailOnHandle configures the handler to return an error.
func (h *EventHandlerSpy) FailOnHandle(err error) *EventHandlerSpy {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handleErr = err
	return h
}

// Handle implements EventHandler.Handle.
func (h *EventHandlerSpy) Handle(ctx context.Context, event es.Event) error {
	h.mu.Lock()
	h.HandleCalls++
	h.ReceivedEvents = append(h.ReceivedEvents, event)
	h.ReceivedMetadata = append(h.ReceivedMetadata, es.MetadataFromContext(ctx))
	fn, err := h.HandleFn, h.handleErr
	h.mu.Unlock()

	if fn != nil {
		return fn(ctx, event)
	}
	return err
}

// Reset clears all call counts and received events.
func (h *EventHandlerSpy) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.HandleCalls = 0
	h.ReceivedEvents = nil
	h.ReceivedMetadata = nil
	h.handleErr = nil
}

// LastEvent returns the most recently received event, or nil if none.
func (h *EventHandlerSpy) LastEvent() es.Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.ReceivedEvents) == 0 {
		return nil
	}
	return h.ReceivedEvents[len(h.ReceivedEvents)-1]
}

// EventCount returns the number of events received.
func (h *EventHandlerSpy) EventCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.ReceivedEvents)
}
