// Package kafka implements eventcore.MessageBroker on Apache Kafka through
// IBM/sarama. Every subscribed topic runs its own consumer group so topics
// can be added and removed without rebalancing the others.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/terraskye/eventcore"
	"github.com/terraskye/eventcore/broker/internal/stats"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var _ eventcore.MessageBroker = (*Broker)(nil)

// Config holds the connection settings read from the "broker.kafka" section.
type Config struct {
	Brokers       []string      `mapstructure:"brokers"`
	GroupID       string        `mapstructure:"group_id"`
	ClientID      string        `mapstructure:"client_id"`
	Version       string        `mapstructure:"version"`
	InitialOffset string        `mapstructure:"initial_offset"`
	Compression   string        `mapstructure:"compression"`
	RequiredAcks  string        `mapstructure:"required_acks"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
}

// GroupFactory opens the consumer group that serves one topic.
type GroupFactory func(groupID string, cfg *sarama.Config) (sarama.ConsumerGroup, error)

type Broker struct {
	cfg       Config
	sarama    *sarama.Config
	logger    *zap.Logger
	newGroup  GroupFactory
	injected  sarama.SyncProducer
	producer  sarama.SyncProducer
	stats     stats.Counters
	mu        sync.RWMutex
	connected bool
	subs      map[string]*subscription
}

type subscription struct {
	group  sarama.ConsumerGroup
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Broker)

func WithLogger(logger *zap.Logger) Option {
	return func(b *Broker) { b.logger = logger }
}

// WithProducer replaces the producer Connect would dial. The broker does not
// close an injected producer.
func WithProducer(p sarama.SyncProducer) Option {
	return func(b *Broker) { b.injected = p }
}

func WithGroupFactory(f GroupFactory) Option {
	return func(b *Broker) { b.newGroup = f }
}

// NewBroker validates cfg and returns a disconnected broker.
func NewBroker(cfg Config, opts ...Option) (*Broker, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: at least one broker address is required")
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "eventcore"
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}

	sc, err := configureSarama(cfg)
	if err != nil {
		return nil, err
	}

	b := &Broker{
		cfg:    cfg,
		sarama: sc,
		logger: zap.NewNop(),
		subs:   make(map[string]*subscription),
	}
	b.newGroup = func(groupID string, c *sarama.Config) (sarama.ConsumerGroup, error) {
		return sarama.NewConsumerGroup(b.cfg.Brokers, groupID, c)
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

func configureSarama(cfg Config) (*sarama.Config, error) {
	sc := sarama.NewConfig()
	sc.ClientID = cfg.ClientID
	if sc.ClientID == "" {
		sc.ClientID = "eventcore"
	}

	sc.Version = sarama.V2_6_0_0
	if cfg.Version != "" {
		v, err := sarama.ParseKafkaVersion(cfg.Version)
		if err != nil {
			return nil, fmt.Errorf("kafka: version %q: %w", cfg.Version, err)
		}
		sc.Version = v
	}

	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	switch strings.ToLower(cfg.RequiredAcks) {
	case "", "all":
		sc.Producer.RequiredAcks = sarama.WaitForAll
	case "local", "leader":
		sc.Producer.RequiredAcks = sarama.WaitForLocal
	case "none":
		sc.Producer.RequiredAcks = sarama.NoResponse
	default:
		return nil, fmt.Errorf("kafka: unknown required_acks %q", cfg.RequiredAcks)
	}

	switch strings.ToLower(cfg.Compression) {
	case "gzip":
		sc.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		sc.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		sc.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		sc.Producer.Compression = sarama.CompressionZSTD
	case "", "none":
		sc.Producer.Compression = sarama.CompressionNone
	default:
		return nil, fmt.Errorf("kafka: unknown compression %q", cfg.Compression)
	}

	switch strings.ToLower(cfg.InitialOffset) {
	case "oldest", "earliest":
		sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	default:
		sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	return sc, nil
}

func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return nil
	}

	b.producer = b.injected
	if b.producer == nil {
		p, err := sarama.NewSyncProducer(b.cfg.Brokers, b.sarama)
		if err != nil {
			return &eventcore.BrokerError{Op: "connect", Err: err}
		}
		b.producer = p
	}
	b.connected = true
	b.logger.Info("kafka broker connected", zap.Strings("brokers", b.cfg.Brokers))
	return nil
}

// Disconnect stops every consumer group and closes the producer.
func (b *Broker) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return nil
	}
	b.connected = false
	subs := b.subs
	b.subs = make(map[string]*subscription)
	producer := b.producer
	b.producer = nil
	b.mu.Unlock()

	var errs []error
	for topic, s := range subs {
		if err := s.stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop consumer %q: %w", topic, err))
		}
	}
	if producer != nil && producer != b.injected {
		if err := producer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close producer: %w", err))
		}
	}
	b.logger.Info("kafka broker disconnected")
	return multierr.Combine(errs...)
}

func (b *Broker) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

func (b *Broker) Publish(ctx context.Context, topic string, payload []byte) error {
	p, err := b.activeProducer()
	if err != nil {
		return fmt.Errorf("publish to %q: %w", topic, err)
	}
	if err := ctx.Err(); err != nil {
		return &eventcore.BrokerError{Op: "publish", Topic: topic, Err: err}
	}

	_, _, err = p.SendMessage(&sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(payload),
	})
	if err != nil {
		b.stats.Failed(err)
		return &eventcore.BrokerError{Op: "publish", Topic: topic, Err: err}
	}
	b.stats.Published(1)
	return nil
}

// PublishBatch sends messages in a single producer call. Kafka does not make
// the batch atomic: on failure some messages may have been written.
func (b *Broker) PublishBatch(ctx context.Context, messages []eventcore.Message) error {
	p, err := b.activeProducer()
	if err != nil {
		return fmt.Errorf("publish batch: %w", err)
	}
	if len(messages) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return &eventcore.BrokerError{Op: "publish batch", Err: err}
	}

	msgs := make([]*sarama.ProducerMessage, len(messages))
	for i, m := range messages {
		msgs[i] = &sarama.ProducerMessage{Topic: m.Topic, Value: sarama.ByteEncoder(m.Payload)}
	}
	if err := p.SendMessages(msgs); err != nil {
		failed := len(messages)
		var perr sarama.ProducerErrors
		if errors.As(err, &perr) {
			failed = len(perr)
		}
		b.stats.Published(len(messages) - failed)
		b.stats.Failed(err)
		return &eventcore.BrokerError{Op: "publish batch", Topic: messages[0].Topic, Err: err}
	}
	b.stats.Published(len(messages))
	return nil
}

func (b *Broker) activeProducer() (sarama.SyncProducer, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.connected {
		return nil, eventcore.ErrBrokerNotConnected
	}
	return b.producer, nil
}

// Subscribe joins the consumer group "<GroupID>.<topic>". Offsets are
// committed only for messages the handler accepted.
func (b *Broker) Subscribe(ctx context.Context, topic string, handler eventcore.MessageHandler) error {
	if handler == nil {
		return eventcore.ErrNilHandler
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return fmt.Errorf("subscribe to %q: %w", topic, eventcore.ErrBrokerNotConnected)
	}
	if _, ok := b.subs[topic]; ok {
		return fmt.Errorf("subscribe to %q: %w", topic, eventcore.ErrTopicAlreadySubscribed)
	}

	group, err := b.newGroup(b.cfg.GroupID+"."+topic, b.sarama)
	if err != nil {
		return &eventcore.BrokerError{Op: "subscribe", Topic: topic, Err: err}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &subscription{group: group, cancel: cancel, done: make(chan struct{})}
	b.subs[topic] = s

	h := &consumerHandler{topic: topic, handler: handler, stats: &b.stats, logger: b.logger}
	go b.consume(runCtx, topic, s, h)
	return nil
}

// consume keeps the group session alive across rebalances until the
// subscription is cancelled.
func (b *Broker) consume(ctx context.Context, topic string, s *subscription, h sarama.ConsumerGroupHandler) {
	defer close(s.done)
	for {
		if err := s.group.Consume(ctx, []string{topic}, h); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			b.stats.Failed(err)
			b.logger.Error("kafka consume failed", zap.String("topic", topic), zap.Error(err))

			select {
			case <-ctx.Done():
				return
			case <-time.After(b.cfg.RetryBackoff):
			}
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (b *Broker) Unsubscribe(ctx context.Context, topic string) error {
	b.mu.Lock()
	s, ok := b.subs[topic]
	delete(b.subs, topic)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	return s.stop(ctx)
}

func (s *subscription) stop(ctx context.Context) error {
	s.cancel()
	err := s.group.Close()
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// Metrics reports the broker counters. Kafka buffers on the server, so
// QueueSize is always zero.
func (b *Broker) Metrics() eventcore.BrokerMetrics {
	return b.stats.Snapshot(0)
}
