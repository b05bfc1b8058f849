package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/terraskye/eventcore"
	"github.com/terraskye/eventcore/broker/internal/stats"
	"go.uber.org/zap"
)

var _ eventcore.MessageBroker = (*Broker)(nil)

// Broker is an in-process MessageBroker. Each subscribed topic has its own
// buffered queue drained by a single worker, so delivery order matches
// publish order within a topic.
type Broker struct {
	mu         sync.RWMutex
	connected  bool
	topics     map[string]*topic
	bufferSize int
	logger     *zap.Logger
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	stats      stats.Counters
}

type topic struct {
	name    string
	handler eventcore.MessageHandler
	queue   chan []byte
	done    chan struct{}
}

type Option func(*Broker)

// WithBufferSize sets the per-topic queue capacity. Publish blocks while the
// queue of its topic is full.
func WithBufferSize(n int) Option {
	return func(b *Broker) { b.bufferSize = n }
}

func WithLogger(logger *zap.Logger) Option {
	return func(b *Broker) { b.logger = logger }
}

// NewBroker constructs a disconnected broker.
func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		topics:     make(map[string]*topic),
		bufferSize: 256,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.bufferSize < 1 {
		b.bufferSize = 1
	}
	return b
}

func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return nil
	}
	b.ctx, b.cancel = context.WithCancel(context.WithoutCancel(ctx))
	b.connected = true
	b.logger.Debug("memory broker connected")
	return nil
}

// Disconnect drops every subscription and waits for in-flight handlers, or
// for ctx to be done.
func (b *Broker) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return nil
	}
	b.connected = false
	for name, t := range b.topics {
		close(t.done)
		delete(b.topics, name)
	}
	b.cancel()
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.logger.Debug("memory broker disconnected")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Broker) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

// Publish enqueues payload on topic. A topic without a subscriber accepts
// and drops the message.
func (b *Broker) Publish(ctx context.Context, name string, payload []byte) error {
	b.mu.RLock()
	if !b.connected {
		b.mu.RUnlock()
		return fmt.Errorf("publish to %q: %w", name, eventcore.ErrBrokerNotConnected)
	}
	t := b.topics[name]
	b.mu.RUnlock()

	b.stats.Published(1)
	if t == nil {
		return nil
	}

	msg := make([]byte, len(payload))
	copy(msg, payload)

	select {
	case t.queue <- msg:
		return nil
	case <-t.done:
		return nil
	case <-ctx.Done():
		b.stats.Failed(ctx.Err())
		return &eventcore.BrokerError{Op: "publish", Topic: name, Err: ctx.Err()}
	}
}

// PublishBatch publishes messages in order and stops at the first failure.
func (b *Broker) PublishBatch(ctx context.Context, messages []eventcore.Message) error {
	if !b.IsConnected() {
		return fmt.Errorf("publish batch: %w", eventcore.ErrBrokerNotConnected)
	}
	for i, m := range messages {
		if err := b.Publish(ctx, m.Topic, m.Payload); err != nil {
			return fmt.Errorf("publish batch item %d: %w", i, err)
		}
	}
	return nil
}

func (b *Broker) Subscribe(ctx context.Context, name string, handler eventcore.MessageHandler) error {
	if handler == nil {
		return eventcore.ErrNilHandler
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return fmt.Errorf("subscribe to %q: %w", name, eventcore.ErrBrokerNotConnected)
	}
	if _, exists := b.topics[name]; exists {
		return fmt.Errorf("subscribe to %q: %w", name, eventcore.ErrTopicAlreadySubscribed)
	}

	t := &topic{
		name:    name,
		handler: handler,
		queue:   make(chan []byte, b.bufferSize),
		done:    make(chan struct{}),
	}
	b.topics[name] = t

	b.wg.Add(1)
	go b.run(b.ctx, t)
	return nil
}

// Unsubscribe removes the topic handler. Queued messages are discarded.
func (b *Broker) Unsubscribe(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[name]
	if !ok {
		return nil
	}
	close(t.done)
	delete(b.topics, name)
	return nil
}

func (b *Broker) Metrics() eventcore.BrokerMetrics {
	b.mu.RLock()
	queued := 0
	for _, t := range b.topics {
		queued += len(t.queue)
	}
	b.mu.RUnlock()
	return b.stats.Snapshot(queued)
}

func (b *Broker) run(ctx context.Context, t *topic) {
	defer b.wg.Done()

	for {
		select {
		case <-t.done:
			return
		case msg := <-t.queue:
			select {
			case <-t.done:
				return
			default:
			}
			b.stats.Received()
			if err := b.deliver(ctx, t, msg); err != nil {
				b.stats.Failed(err)
				b.logger.Warn("memory broker handler failed",
					zap.String("topic", t.name),
					zap.Error(err),
				)
			}
		}
	}
}

func (b *Broker) deliver(ctx context.Context, t *topic, msg []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic on topic %q: %v", t.name, r)
		}
	}()
	return t.handler(ctx, msg)
}
