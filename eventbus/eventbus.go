package eventbus

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	es "github.com/terraskye/eventcore"
	esotel "github.com/terraskye/eventcore/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var (
	_ es.EventBus        = (*Bus)(nil)
	_ es.MetricsProvider = (*Bus)(nil)
)

// Bus is an EventBus over a single MessageBroker.
//
// Each topic name has one broker subscription and a list of handlers. A
// delivered message is decoded once and handed to every handler through a
// bounded worker pool; the delivery completes when all handlers settle.
type Bus struct {
	broker      es.MessageBroker
	store       es.EventStore
	serializer  *es.Serializer
	logger      *zap.Logger
	limiter     *rate.Limiter
	concurrency int

	// subMu serializes changes to broker subscriptions. It is taken before
	// mu and may be held while the broker waits for running deliveries,
	// which only ever take mu.
	subMu sync.Mutex

	mu       sync.RWMutex
	started  bool
	handlers map[string][]*registration
	errs     chan error
}

type registration struct {
	id      es.HandlerID
	name    string
	handler es.EventHandler
}

type Option func(*Bus)

// WithStore records every published domain event in store before it is
// handed to the broker.
func WithStore(store es.EventStore) Option {
	return func(b *Bus) { b.store = store }
}

// WithSerializer sets the codec used on both sides of the broker. The
// default decodes every event untyped.
func WithSerializer(s *es.Serializer) Option {
	return func(b *Bus) { b.serializer = s }
}

func WithLogger(logger *zap.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

// WithConcurrency bounds how many handlers run at once for one delivery.
func WithConcurrency(n int) Option {
	return func(b *Bus) { b.concurrency = n }
}

// WithPublishRateLimit throttles Publish and PublishBatch calls.
func WithPublishRateLimit(limit rate.Limit, burst int) Option {
	return func(b *Bus) { b.limiter = rate.NewLimiter(limit, burst) }
}

// WithErrorBuffer sets the capacity of the Errors channel. Errors are
// dropped while it is full.
func WithErrorBuffer(n int) Option {
	return func(b *Bus) { b.errs = make(chan error, n) }
}

// New constructs a stopped Bus over broker.
func New(broker es.MessageBroker, opts ...Option) *Bus {
	b := &Bus{
		broker:      broker,
		logger:      zap.NewNop(),
		concurrency: 16,
		handlers:    make(map[string][]*registration),
		errs:        make(chan error, 64),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.serializer == nil {
		b.serializer = es.NewSerializer(nil, es.WithUntypedFallback())
	}
	if b.concurrency < 1 {
		b.concurrency = 1
	}
	return b
}

func (b *Bus) Start(ctx context.Context) error {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started {
		return nil
	}
	if err := b.broker.Connect(ctx); err != nil {
		return fmt.Errorf("start event bus: %w", err)
	}

	for name := range b.handlers {
		if err := b.broker.Subscribe(ctx, name, b.dispatcher(name)); err != nil {
			_ = b.broker.Disconnect(ctx)
			return fmt.Errorf("start event bus: subscribe %q: %w", name, err)
		}
	}

	b.started = true
	b.logger.Info("event bus started", zap.Int("topics", len(b.handlers)))
	return nil
}

// Stop clears the handler registry and disconnects the broker. Deliveries
// already running may complete after Stop returns.
func (b *Bus) Stop(ctx context.Context) error {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = false
	b.handlers = make(map[string][]*registration)
	b.mu.Unlock()

	if err := b.broker.Disconnect(ctx); err != nil {
		return fmt.Errorf("stop event bus: %w", err)
	}
	b.logger.Info("event bus stopped")
	return nil
}

func (b *Bus) IsStarted() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.started
}

func (b *Bus) Publish(ctx context.Context, ev es.Event, opts ...es.AppendOption) error {
	if ev == nil {
		return fmt.Errorf("publish: nil event")
	}
	if !b.IsStarted() {
		return fmt.Errorf("publish %s: %w", ev.EventType(), es.ErrNotStarted)
	}
	if err := b.wait(ctx); err != nil {
		return err
	}

	es.Stamp(ev)
	topic := es.TopicOf(ev)

	if b.store != nil {
		if _, err := b.store.Append(ctx, ev, opts...); err != nil {
			return fmt.Errorf("publish %s: %w", ev.EventType(), err)
		}
	}

	payload, err := b.serializer.Serialize(ev)
	if err != nil {
		return fmt.Errorf("publish %s: %w", ev.EventType(), err)
	}

	if err := b.broker.Publish(ctx, topic, payload); err != nil {
		return fmt.Errorf("publish %s to %q: %w", ev.EventType(), topic, err)
	}

	esotel.EventBusPublished.Add(ctx, 1, metric.WithAttributes(esotel.AttrEventType.String(ev.EventType())))
	b.logger.Debug("event published",
		zap.String("event_type", ev.EventType()),
		zap.String("topic", topic),
		zap.Stringer("event_id", es.MetadataOf(ev).EventID),
	)
	return nil
}

// PublishBatch stores the domain events among evs, then publishes all of
// them with a single broker call. Plain events are published but not
// recorded.
func (b *Bus) PublishBatch(ctx context.Context, evs []es.Event, opts ...es.AppendOption) error {
	if !b.IsStarted() {
		return fmt.Errorf("publish batch: %w", es.ErrNotStarted)
	}
	if len(evs) == 0 {
		return nil
	}
	if err := b.wait(ctx); err != nil {
		return err
	}

	domain := make([]es.Event, 0, len(evs))
	for i, ev := range evs {
		if ev == nil {
			return fmt.Errorf("publish batch item %d: nil event", i)
		}
		es.Stamp(ev)
		if _, ok := ev.(es.DomainEvent); ok {
			domain = append(domain, ev)
		}
	}

	if b.store != nil && len(domain) > 0 {
		if _, err := b.store.AppendBatch(ctx, domain, opts...); err != nil {
			return fmt.Errorf("publish batch: %w", err)
		}
	}

	messages := make([]es.Message, len(evs))
	for i, ev := range evs {
		payload, err := b.serializer.Serialize(ev)
		if err != nil {
			return fmt.Errorf("publish batch item %d: %w", i, err)
		}
		messages[i] = es.Message{Topic: es.TopicOf(ev), Payload: payload}
	}

	if err := b.broker.PublishBatch(ctx, messages); err != nil {
		return fmt.Errorf("publish batch: %w", err)
	}

	esotel.EventBusPublished.Add(ctx, int64(len(evs)))
	b.logger.Debug("event batch published", zap.Int("count", len(evs)), zap.Int("stored", len(domain)))
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, name string, handler es.EventHandler, opts ...es.SubscribeOption) (es.HandlerID, error) {
	if handler == nil {
		return "", es.ErrNilHandler
	}
	cfg := es.ApplySubscribeOptions(opts...)
	if cfg.RetryPolicy != nil {
		handler = es.WithRetry(*cfg.RetryPolicy, handler)
	}

	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.mu.Lock()
	defer b.mu.Unlock()

	regs := b.handlers[name]
	for _, r := range regs {
		if r.id == cfg.ID {
			return "", fmt.Errorf("subscribe %q: handler %s: %w", name, cfg.ID, es.ErrDuplicateHandler)
		}
	}

	if len(regs) == 0 && b.started {
		if err := b.broker.Subscribe(ctx, name, b.dispatcher(name)); err != nil {
			return "", fmt.Errorf("subscribe %q: %w", name, err)
		}
	}

	b.handlers[name] = append(regs, &registration{id: cfg.ID, name: name, handler: handler})
	esotel.EventBusSubscribers.Add(ctx, 1)
	b.logger.Debug("handler subscribed", zap.String("name", name), zap.String("handler_id", string(cfg.ID)))
	return cfg.ID, nil
}

// Unsubscribe removes the handlers ids of name, or all of them when ids is
// empty. Removing the last handler drops the broker subscription; the bus
// lock is released first because brokers may wait for a running delivery,
// and a delivery that arrives meanwhile finds no handler and is dropped.
func (b *Bus) Unsubscribe(ctx context.Context, name string, ids ...es.HandlerID) error {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	b.mu.Lock()
	regs, ok := b.handlers[name]
	if !ok {
		b.mu.Unlock()
		return nil
	}

	kept := make([]*registration, 0, len(regs))
	for _, r := range regs {
		if len(ids) == 0 || slices.Contains(ids, r.id) {
			continue
		}
		kept = append(kept, r)
	}
	esotel.EventBusSubscribers.Add(ctx, int64(len(kept)-len(regs)))

	if len(kept) > 0 {
		b.handlers[name] = kept
		b.mu.Unlock()
		return nil
	}
	delete(b.handlers, name)
	started := b.started
	b.mu.Unlock()

	if started {
		if err := b.broker.Unsubscribe(ctx, name); err != nil {
			return fmt.Errorf("unsubscribe %q: %w", name, err)
		}
	}
	return nil
}

// Errors returns an error channel where async handling errors are sent.
func (b *Bus) Errors() <-chan error {
	return b.errs
}

// Metrics reports the counters of the underlying broker.
func (b *Bus) Metrics() es.BrokerMetrics {
	return b.broker.Metrics()
}

func (b *Bus) wait(ctx context.Context) error {
	if b.limiter == nil {
		return nil
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("publish rate limit: %w", err)
	}
	return nil
}

// dispatcher is the single broker handler for topic name. It never returns
// an error to the broker: failures go to Errors instead.
func (b *Bus) dispatcher(name string) es.MessageHandler {
	return func(ctx context.Context, payload []byte) error {
		ev, err := b.serializer.Deserialize(payload, "")
		if err != nil {
			b.report(ctx, fmt.Errorf("topic %q: %w", name, err))
			return nil
		}

		b.mu.RLock()
		regs := slices.Clone(b.handlers[name])
		b.mu.RUnlock()
		if len(regs) == 0 {
			return nil
		}

		ctx = es.WithTopicContext(es.WithMetadata(ctx, es.MetadataOf(ev)), name)

		results := make([]error, len(regs))
		var g errgroup.Group
		g.SetLimit(b.concurrency)
		for i, r := range regs {
			i, r := i, r
			g.Go(func() error {
				results[i] = b.invoke(ctx, r, ev)
				return nil
			})
		}
		_ = g.Wait()

		for _, err := range multierr.Errors(multierr.Combine(results...)) {
			b.report(ctx, err)
		}
		return nil
	}
}

func (b *Bus) invoke(ctx context.Context, r *registration, ev es.Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
		if err != nil {
			if errors.Is(err, es.ErrSkippedEvent) {
				err = nil
				return
			}
			err = &es.HandlerError{
				Handler:   r.name,
				HandlerID: r.id,
				EventType: ev.EventType(),
				EventID:   es.MetadataOf(ev).EventID.String(),
				Err:       err,
			}
		}
	}()
	return r.handler.Handle(es.WithHandlerContext(ctx, r.name, r.id), ev)
}

func (b *Bus) report(ctx context.Context, err error) {
	esotel.EventBusErrors.Add(ctx, 1, metric.WithAttributes(esotel.AttrErrorType.String(errorType(err))))
	b.logger.Error("event delivery failed", zap.Error(err))

	select {
	case b.errs <- err:
	default:
		// Drop error if channel full
	}
}

func errorType(err error) string {
	var (
		handlerErr *es.HandlerError
		serialErr  *es.SerializationError
	)
	switch {
	case errors.As(err, &handlerErr):
		return "handler"
	case errors.As(err, &serialErr):
		return "serialization"
	default:
		return "delivery"
	}
}
