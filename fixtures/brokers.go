package fixtures

import (
	"context"
	"sync"

	es "github.com/terraskye/eventcore"
	"github.com/terraskye/eventcore/broker/memory"
)

var _ es.MessageBroker = (*BrokerSpy)(nil)

// BrokerSpy is a MessageBroker that records calls and delegates to an
// in-memory broker.
type BrokerSpy struct {
	mu sync.Mutex

	next es.MessageBroker

	// Call tracking
	ConnectCalls      int
	DisconnectCalls   int
	PublishCalls      int
	PublishBatchCalls int
	SubscribeCalls    int
	UnsubscribeCalls  int

	// Published holds every message handed to the broker, in order.
	Published []es.Message

	// Error injection
	connectErr error
	publishErr error
}

// NewBrokerSpy creates a BrokerSpy backed by a memory broker.
func NewBrokerSpy() *BrokerSpy {
	return &BrokerSpy{next: memory.NewBroker()}
}

// FailOnConnect configures the broker to return an error on Connect.
func (b *BrokerSpy) FailOnConnect(err error) *BrokerSpy {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connectErr = err
	return b
}

// FailOnPublish configures the broker to return an error on publishes.
func (b *BrokerSpy) FailOnPublish(err error) *BrokerSpy {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErr = err
	return b
}

func (b *BrokerSpy) Connect(ctx context.Context) error {
	b.mu.Lock()
	b.ConnectCalls++
	err := b.connectErr
	b.mu.Unlock()
	if err != nil {
		return err
	}
	return b.next.Connect(ctx)
}

func (b *BrokerSpy) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	b.DisconnectCalls++
	b.mu.Unlock()
	return b.next.Disconnect(ctx)
}

func (b *BrokerSpy) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	b.PublishCalls++
	b.Published = append(b.Published, es.Message{Topic: topic, Payload: payload})
	err := b.publishErr
	b.mu.Unlock()
	if err != nil {
		return err
	}
	return b.next.Publish(ctx, topic, payload)
}

func (b *BrokerSpy) PublishBatch(ctx context.Context, messages []es.Message) error {
	b.mu.Lock()
	b.PublishBatchCalls++
	b.Published = append(b.Published, messages...)
	err := b.publishErr
	b.mu.Unlock()
	if err != nil {
		return err
	}
	return b.next.PublishBatch(ctx, messages)
}

func (b *BrokerSpy) Subscribe(ctx context.Context, topic string, handler es.MessageHandler) error {
	b.mu.Lock()
	b.SubscribeCalls++
	b.mu.Unlock()
	return b.next.Subscribe(ctx, topic, handler)
}

func (b *BrokerSpy) Unsubscribe(ctx context.Context, topic string) error {
	b.mu.Lock()
	b.UnsubscribeCalls++
	b.mu.Unlock()
	return b.next.Unsubscribe(ctx, topic)
}

func (b *BrokerSpy) IsConnected() bool { return b.next.IsConnected() }

func (b *BrokerSpy) Metrics() es.BrokerMetrics { return b.next.Metrics() }

// Counts returns the subscribe and unsubscribe call counts.
func (b *BrokerSpy) Counts() (subscribes, unsubscribes int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.SubscribeCalls, b.UnsubscribeCalls
}
