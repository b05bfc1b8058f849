// Package nats implements eventcore.MessageBroker on core NATS subjects.
// Topics map one to one onto subjects.
package nats

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/terraskye/eventcore"
	"github.com/terraskye/eventcore/broker/internal/stats"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var _ eventcore.MessageBroker = (*Broker)(nil)

// Config holds the connection settings read from the "broker.nats" section.
type Config struct {
	URL           string        `mapstructure:"url"`
	Name          string        `mapstructure:"name"`
	QueueGroup    string        `mapstructure:"queue_group"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	Timeout       time.Duration `mapstructure:"timeout"`
	FlushTimeout  time.Duration `mapstructure:"flush_timeout"`
	Username      string        `mapstructure:"username"`
	Password      string        `mapstructure:"password"`
	Token         string        `mapstructure:"token"`
}

type Broker struct {
	cfg    Config
	logger *zap.Logger
	stats  stats.Counters

	mu     sync.RWMutex
	conn   *nats.Conn
	subs   map[string]*nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
}

type Option func(*Broker)

func WithLogger(logger *zap.Logger) Option {
	return func(b *Broker) { b.logger = logger }
}

// NewBroker returns a disconnected broker. An empty URL means nats.DefaultURL.
func NewBroker(cfg Config, opts ...Option) *Broker {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Name == "" {
		cfg.Name = "eventcore"
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 5 * time.Second
	}
	b := &Broker{
		cfg:    cfg,
		logger: zap.NewNop(),
		subs:   make(map[string]*nats.Subscription),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broker) options() []nats.Option {
	opts := []nats.Option{
		nats.Name(b.cfg.Name),
		nats.FlusherTimeout(10 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				b.logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			b.logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			b.stats.Failed(err)
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			b.logger.Error("nats async error", zap.String("subject", subject), zap.Error(err))
		}),
	}
	if b.cfg.MaxReconnects != 0 {
		opts = append(opts, nats.MaxReconnects(b.cfg.MaxReconnects))
	}
	if b.cfg.ReconnectWait > 0 {
		opts = append(opts, nats.ReconnectWait(b.cfg.ReconnectWait))
	}
	if b.cfg.Timeout > 0 {
		opts = append(opts, nats.Timeout(b.cfg.Timeout))
	}
	if b.cfg.Username != "" {
		opts = append(opts, nats.UserInfo(b.cfg.Username, b.cfg.Password))
	}
	if b.cfg.Token != "" {
		opts = append(opts, nats.Token(b.cfg.Token))
	}
	return opts
}

func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		return nil
	}

	conn, err := nats.Connect(b.cfg.URL, b.options()...)
	if err != nil {
		return &eventcore.BrokerError{Op: "connect", Err: err}
	}
	b.conn = conn
	b.ctx, b.cancel = context.WithCancel(context.WithoutCancel(ctx))
	b.logger.Info("nats broker connected", zap.String("url", conn.ConnectedUrl()))
	return nil
}

// Disconnect removes every subscription and closes the connection.
func (b *Broker) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil
	}

	var err error
	for subject, sub := range b.subs {
		err = multierr.Append(err, sub.Unsubscribe())
		delete(b.subs, subject)
	}
	b.cancel()
	b.conn.Close()
	b.conn = nil
	b.logger.Info("nats broker disconnected")
	return err
}

func (b *Broker) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.conn != nil && b.conn.IsConnected()
}

func (b *Broker) connection() (*nats.Conn, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.conn == nil {
		return nil, eventcore.ErrBrokerNotConnected
	}
	return b.conn, nil
}

// Publish writes payload and flushes, so a nil error means the server has
// the message.
func (b *Broker) Publish(ctx context.Context, topic string, payload []byte) error {
	conn, err := b.connection()
	if err != nil {
		return fmt.Errorf("publish to %q: %w", topic, err)
	}
	if err := conn.Publish(topic, payload); err != nil {
		b.stats.Failed(err)
		return &eventcore.BrokerError{Op: "publish", Topic: topic, Err: err}
	}
	if err := b.flush(ctx, conn); err != nil {
		b.stats.Failed(err)
		return &eventcore.BrokerError{Op: "publish", Topic: topic, Err: err}
	}
	b.stats.Published(1)
	return nil
}

// PublishBatch writes every message and flushes once.
func (b *Broker) PublishBatch(ctx context.Context, messages []eventcore.Message) error {
	conn, err := b.connection()
	if err != nil {
		return fmt.Errorf("publish batch: %w", err)
	}
	for i, m := range messages {
		if err := conn.Publish(m.Topic, m.Payload); err != nil {
			b.stats.Published(i)
			b.stats.Failed(err)
			return &eventcore.BrokerError{Op: "publish batch", Topic: m.Topic, Err: err}
		}
	}
	if len(messages) == 0 {
		return nil
	}
	if err := b.flush(ctx, conn); err != nil {
		b.stats.Failed(err)
		return &eventcore.BrokerError{Op: "publish batch", Err: err}
	}
	b.stats.Published(len(messages))
	return nil
}

// flush needs a deadline; FlushTimeout applies when ctx has none.
func (b *Broker) flush(ctx context.Context, conn *nats.Conn) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.FlushTimeout)
		defer cancel()
	}
	return conn.FlushWithContext(ctx)
}

// Subscribe listens on the subject named topic. With a QueueGroup configured,
// instances sharing the group split the messages between them.
func (b *Broker) Subscribe(ctx context.Context, topic string, handler eventcore.MessageHandler) error {
	if handler == nil {
		return eventcore.ErrNilHandler
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return fmt.Errorf("subscribe to %q: %w", topic, eventcore.ErrBrokerNotConnected)
	}
	if _, ok := b.subs[topic]; ok {
		return fmt.Errorf("subscribe to %q: %w", topic, eventcore.ErrTopicAlreadySubscribed)
	}

	runCtx := b.ctx
	cb := func(msg *nats.Msg) {
		b.stats.Received()
		if err := deliver(runCtx, handler, msg); err != nil {
			b.stats.Failed(err)
			b.logger.Error("nats handler failed", zap.String("subject", msg.Subject), zap.Error(err))
		}
	}

	var (
		sub *nats.Subscription
		err error
	)
	if b.cfg.QueueGroup != "" {
		sub, err = b.conn.QueueSubscribe(topic, b.cfg.QueueGroup, cb)
	} else {
		sub, err = b.conn.Subscribe(topic, cb)
	}
	if err != nil {
		return &eventcore.BrokerError{Op: "subscribe", Topic: topic, Err: err}
	}
	if err := b.flush(ctx, b.conn); err != nil {
		_ = sub.Unsubscribe()
		return &eventcore.BrokerError{Op: "subscribe", Topic: topic, Err: err}
	}
	b.subs[topic] = sub
	return nil
}

func deliver(ctx context.Context, handler eventcore.MessageHandler, msg *nats.Msg) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic on subject %q: %v", msg.Subject, r)
		}
	}()
	return handler(ctx, msg.Data)
}

func (b *Broker) Unsubscribe(ctx context.Context, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[topic]
	if !ok {
		return nil
	}
	delete(b.subs, topic)
	if err := sub.Unsubscribe(); err != nil {
		return &eventcore.BrokerError{Op: "unsubscribe", Topic: topic, Err: err}
	}
	return nil
}

// Metrics reports QueueSize as the messages buffered client side across all
// subscriptions.
func (b *Broker) Metrics() eventcore.BrokerMetrics {
	b.mu.RLock()
	queued := 0
	for _, sub := range b.subs {
		if n, _, err := sub.Pending(); err == nil {
			queued += n
		}
	}
	b.mu.RUnlock()
	return b.stats.Snapshot(queued)
}
