package eventcore

import "context"

// MessageHandler receives a raw payload delivered on a broker topic.
type MessageHandler func(ctx context.Context, payload []byte) error

// Message is one element of a broker batch.
type Message struct {
	Topic   string
	Payload []byte
}

// BrokerMetrics is a point-in-time view of broker counters.
type BrokerMetrics struct {
	PublishedCount uint64
	ReceivedCount  uint64
	ErrorCount     uint64
	LastError      string
	QueueSize      int
}

// MessageBroker moves opaque payloads between publishers and subscribers.
//
// Implementations must guarantee:
//   - Connect and Disconnect are idempotent.
//   - At most one handler per topic; a second Subscribe returns
//     ErrTopicAlreadySubscribed. Fan-out is the event bus's job.
//   - Publish returns once the broker has accepted the message, not once a
//     consumer has processed it.
type MessageBroker interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Publish(ctx context.Context, topic string, payload []byte) error
	PublishBatch(ctx context.Context, messages []Message) error
	Subscribe(ctx context.Context, topic string, handler MessageHandler) error
	Unsubscribe(ctx context.Context, topic string) error
	IsConnected() bool
	Metrics() BrokerMetrics
}

// MetricsProvider is implemented by anything that can report broker metrics.
type MetricsProvider interface {
	Metrics() BrokerMetrics
}
