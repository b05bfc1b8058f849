// Package factory assembles brokers, stores and buses from a config.Config.
package factory

import (
	"context"
	"errors"
	"fmt"

	"github.com/terraskye/eventcore"
	"github.com/terraskye/eventcore/broker/kafka"
	"github.com/terraskye/eventcore/broker/memory"
	natsbroker "github.com/terraskye/eventcore/broker/nats"
	redisbroker "github.com/terraskye/eventcore/broker/redis"
	"github.com/terraskye/eventcore/config"
	"github.com/terraskye/eventcore/eventbus"
	gormstore "github.com/terraskye/eventcore/eventstore/gorm"
	memstore "github.com/terraskye/eventcore/eventstore/memory"
	redisstore "github.com/terraskye/eventcore/eventstore/redis"
	"github.com/terraskye/eventcore/metrics"
	"github.com/terraskye/eventcore/otel"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrUnsupportedBackend is returned for broker or store types that are
// recognised by the configuration but have no implementation in this module.
var ErrUnsupportedBackend = errors.New("unsupported backend")

// Stack is a ready to start bus together with the parts it was built from.
type Stack struct {
	Bus       eventcore.EventBus
	Store     eventcore.EventStore
	Collector *metrics.BrokerCollector
	Logger    *zap.Logger
	Retry     eventcore.RetryPolicy
}

// Close stops the bus and closes the store.
func (s *Stack) Close(ctx context.Context) error {
	err := s.Bus.Stop(ctx)
	if s.Store != nil {
		err = multierr.Append(err, s.Store.Close())
	}
	return err
}

type options struct {
	logger     *zap.Logger
	serializer *eventcore.Serializer
	telemetry  bool
}

type Option func(*options)

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithSerializer sets the serializer shared by every bus the factory builds.
func WithSerializer(s *eventcore.Serializer) Option {
	return func(o *options) { o.serializer = s }
}

// WithoutTelemetry skips the OpenTelemetry decorators.
func WithoutTelemetry() Option {
	return func(o *options) { o.telemetry = false }
}

// NewBroker builds the broker selected by cfg.Type. The broker is not
// connected.
func NewBroker(cfg config.BrokerConfig, logger *zap.Logger) (eventcore.MessageBroker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("broker", cfg.Type))

	switch cfg.Type {
	case config.BrokerMemory, "":
		return memory.NewBroker(memory.WithBufferSize(cfg.BufferSize), memory.WithLogger(logger)), nil
	case config.BrokerKafka:
		b, err := kafka.NewBroker(cfg.Kafka, kafka.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return b, nil
	case config.BrokerNATS:
		return natsbroker.NewBroker(cfg.NATS, natsbroker.WithLogger(logger)), nil
	case config.BrokerRedis:
		return redisbroker.NewBroker(cfg.Redis, redisbroker.WithLogger(logger)), nil
	default:
		return nil, fmt.Errorf("broker %q: %w", cfg.Type, ErrUnsupportedBackend)
	}
}

// NewStore opens the store selected by cfg.Type. StoreNone returns nil and no
// error.
func NewStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (eventcore.EventStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("store", cfg.Type))

	switch cfg.Type {
	case config.StoreNone:
		return nil, nil
	case config.StoreMemory, "":
		return memstore.NewMemoryStore(), nil
	case config.StoreSQL:
		s, err := gormstore.Open(cfg.SQL, gormstore.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.StoreRedis:
		s, err := redisstore.New(ctx, cfg.Redis, redisstore.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("store %q: %w", cfg.Type, ErrUnsupportedBackend)
	}
}

// New builds the store, the broker or broker pair, and the bus described by
// cfg. With cfg.Hybrid.Enabled the result is a HybridBus routing by priority
// and the configured overrides. Every broker is registered on the collector
// under "default", or "local" and "remote".
//
// In hybrid mode the local and remote buses share the one store from
// cfg.Store, so a stream keeps a single version sequence whichever path its
// events take and expected revisions hold across a routed batch.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Stack, error) {
	o := options{logger: zap.NewNop(), telemetry: true}
	for _, opt := range opts {
		opt(&o)
	}

	store, err := NewStore(ctx, cfg.Store, o.logger)
	if err != nil {
		return nil, err
	}
	if store != nil && o.telemetry {
		store = otel.WithEventStoreTelemetry(store)
	}

	stack := &Stack{
		Store:     store,
		Collector: metrics.NewBrokerCollector(),
		Logger:    o.logger,
		Retry:     cfg.Retry,
	}

	build := func(name string, bc config.BrokerConfig) (eventcore.EventBus, error) {
		broker, err := NewBroker(bc, o.logger)
		if err != nil {
			return nil, err
		}
		if o.telemetry {
			broker = otel.WithBrokerTelemetry(broker, otel.WithOperation(name))
		}
		stack.Collector.Register(name, broker)

		bus := eventbus.New(broker, busOptions(cfg.Bus, store, o, name)...)
		if o.telemetry {
			return otel.WithEventBusTelemetry(bus, otel.WithOperation(name)), nil
		}
		return bus, nil
	}

	if !cfg.Hybrid.Enabled {
		bus, err := build("default", cfg.Broker)
		if err != nil {
			return nil, closeOnError(store, err)
		}
		stack.Bus = bus
		return stack, nil
	}

	local, err := build("local", cfg.Hybrid.Local)
	if err != nil {
		return nil, closeOnError(store, fmt.Errorf("local: %w", err))
	}
	remote, err := build("remote", cfg.Hybrid.Remote)
	if err != nil {
		return nil, closeOnError(store, fmt.Errorf("remote: %w", err))
	}
	strategy := eventcore.NewPriorityRoutingStrategy(cfg.RoutingOptions()...)
	stack.Bus = eventbus.NewHybrid(local, remote, strategy, eventbus.WithHybridLogger(o.logger))
	return stack, nil
}

func busOptions(cfg config.BusConfig, store eventcore.EventStore, o options, name string) []eventbus.Option {
	opts := []eventbus.Option{
		eventbus.WithLogger(o.logger.With(zap.String("bus", name))),
		eventbus.WithConcurrency(cfg.Concurrency),
		eventbus.WithErrorBuffer(cfg.ErrorBuffer),
	}
	if store != nil {
		opts = append(opts, eventbus.WithStore(store))
	}
	if o.serializer != nil {
		opts = append(opts, eventbus.WithSerializer(o.serializer))
	}
	if cfg.PublishRate > 0 {
		opts = append(opts, eventbus.WithPublishRateLimit(rate.Limit(cfg.PublishRate), cfg.PublishBurst))
	}
	return opts
}

func closeOnError(store eventcore.EventStore, err error) error {
	if store != nil {
		err = multierr.Append(err, store.Close())
	}
	return err
}
