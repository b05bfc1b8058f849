// Package redis implements eventcore.MessageBroker on Redis pub/sub. Redis
// pub/sub keeps nothing for absent subscribers, so delivery is at most once.
package redis

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v9"
	"github.com/terraskye/eventcore"
	"github.com/terraskye/eventcore/broker/internal/stats"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var _ eventcore.MessageBroker = (*Broker)(nil)

// Config holds the connection settings read from the "broker.redis" section.
type Config struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// ChannelPrefix is prepended to every topic to form the channel name.
	ChannelPrefix string `mapstructure:"channel_prefix"`
	// ChannelSize bounds the per-topic buffer between Redis and the handler.
	ChannelSize int `mapstructure:"channel_size"`
}

type Broker struct {
	cfg    Config
	logger *zap.Logger
	stats  stats.Counters
	client *redis.Client
	owned  bool

	mu        sync.RWMutex
	connected bool
	subs      map[string]*subscription
	ctx       context.Context
	cancel    context.CancelFunc
}

type subscription struct {
	pubsub *redis.PubSub
	done   chan struct{}
}

type Option func(*Broker)

func WithLogger(logger *zap.Logger) Option {
	return func(b *Broker) { b.logger = logger }
}

// WithClient reuses an existing client. The broker does not close it.
func WithClient(c *redis.Client) Option {
	return func(b *Broker) { b.client = c }
}

func NewBroker(cfg Config, opts ...Option) *Broker {
	if cfg.Addr == "" {
		cfg.Addr = "localhost:6379"
	}
	if cfg.ChannelSize <= 0 {
		cfg.ChannelSize = 100
	}
	b := &Broker{
		cfg:    cfg,
		logger: zap.NewNop(),
		subs:   make(map[string]*subscription),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broker) channel(topic string) string { return b.cfg.ChannelPrefix + topic }

// Connect creates the client when none was injected and pings the server.
func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return nil
	}

	if b.client == nil {
		b.client = redis.NewClient(&redis.Options{
			Addr:     b.cfg.Addr,
			Password: b.cfg.Password,
			DB:       b.cfg.DB,
		})
		b.owned = true
	}
	if err := b.client.Ping(ctx).Err(); err != nil {
		if b.owned {
			_ = b.client.Close()
			b.client = nil
			b.owned = false
		}
		return &eventcore.BrokerError{Op: "connect", Err: err}
	}

	b.ctx, b.cancel = context.WithCancel(context.WithoutCancel(ctx))
	b.connected = true
	b.logger.Info("redis broker connected", zap.String("addr", b.cfg.Addr))
	return nil
}

func (b *Broker) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return nil
	}
	b.connected = false
	subs := b.subs
	b.subs = make(map[string]*subscription)
	b.cancel()
	b.mu.Unlock()

	var err error
	for topic, s := range subs {
		if serr := s.stop(ctx); serr != nil {
			err = multierr.Append(err, fmt.Errorf("close subscription %q: %w", topic, serr))
		}
	}
	if b.owned {
		err = multierr.Append(err, b.client.Close())
		b.client = nil
		b.owned = false
	}
	b.logger.Info("redis broker disconnected")
	return err
}

func (b *Broker) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

func (b *Broker) active() (*redis.Client, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.connected {
		return nil, eventcore.ErrBrokerNotConnected
	}
	return b.client, nil
}

func (b *Broker) Publish(ctx context.Context, topic string, payload []byte) error {
	client, err := b.active()
	if err != nil {
		return fmt.Errorf("publish to %q: %w", topic, err)
	}
	if err := client.Publish(ctx, b.channel(topic), payload).Err(); err != nil {
		b.stats.Failed(err)
		return &eventcore.BrokerError{Op: "publish", Topic: topic, Err: err}
	}
	b.stats.Published(1)
	return nil
}

// PublishBatch sends every PUBLISH in one pipeline round trip.
func (b *Broker) PublishBatch(ctx context.Context, messages []eventcore.Message) error {
	client, err := b.active()
	if err != nil {
		return fmt.Errorf("publish batch: %w", err)
	}
	if len(messages) == 0 {
		return nil
	}

	_, err = client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, m := range messages {
			pipe.Publish(ctx, b.channel(m.Topic), m.Payload)
		}
		return nil
	})
	if err != nil {
		b.stats.Failed(err)
		return &eventcore.BrokerError{Op: "publish batch", Err: err}
	}
	b.stats.Published(len(messages))
	return nil
}

// Subscribe returns after Redis has confirmed the subscription, so messages
// published afterwards are delivered.
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

	pubsub := b.client.Subscribe(ctx, b.channel(topic))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return &eventcore.BrokerError{Op: "subscribe", Topic: topic, Err: err}
	}

	s := &subscription{pubsub: pubsub, done: make(chan struct{})}
	b.subs[topic] = s
	go b.run(b.ctx, topic, s, handler)
	return nil
}

func (b *Broker) run(ctx context.Context, topic string, s *subscription, handler eventcore.MessageHandler) {
	defer close(s.done)
	for msg := range s.pubsub.Channel(redis.WithChannelSize(b.cfg.ChannelSize)) {
		b.stats.Received()
		if err := deliver(ctx, handler, topic, []byte(msg.Payload)); err != nil {
			b.stats.Failed(err)
			b.logger.Error("redis handler failed", zap.String("topic", topic), zap.Error(err))
		}
	}
}

func deliver(ctx context.Context, handler eventcore.MessageHandler, topic string, payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic on topic %q: %v", topic, r)
		}
	}()
	return handler(ctx, payload)
}

func (b *Broker) Unsubscribe(ctx context.Context, topic string) error {
	b.mu.Lock()
	s, ok := b.subs[topic]
	delete(b.subs, topic)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	if err := s.stop(ctx); err != nil {
		return &eventcore.BrokerError{Op: "unsubscribe", Topic: topic, Err: err}
	}
	return nil
}

// stop closes the pubsub, which ends the Channel range in run.
func (s *subscription) stop(ctx context.Context) error {
	err := s.pubsub.Close()
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

func (b *Broker) Metrics() eventcore.BrokerMetrics {
	return b.stats.Snapshot(0)
}
