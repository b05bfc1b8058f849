package eventbus_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	es "github.com/terraskye/eventcore"
	"github.com/terraskye/eventcore/broker/memory"
	"github.com/terraskye/eventcore/eventbus"
	"github.com/terraskye/eventcore/fixtures"
)

const (
	waitFor = time.Second
	tick    = 5 * time.Millisecond
)

func newBus(t *testing.T, broker es.MessageBroker, opts ...eventbus.Option) *eventbus.Bus {
	t.Helper()
	opts = append([]eventbus.Option{
		eventbus.WithSerializer(es.NewSerializer(fixtures.Registry("OrderPlaced", "ItemAdded"), es.WithUntypedFallback())),
	}, opts...)
	bus := eventbus.New(broker, opts...)
	t.Cleanup(func() { _ = bus.Stop(context.Background()) })
	return bus
}

func startedBus(t *testing.T, broker es.MessageBroker, opts ...eventbus.Option) *eventbus.Bus {
	t.Helper()
	bus := newBus(t, broker, opts...)
	require.NoError(t, bus.Start(context.Background()))
	return bus
}

func TestBus_StartStopIdempotent(t *testing.T) {
	ctx := context.Background()
	broker := fixtures.NewBrokerSpy()
	bus := newBus(t, broker)

	assert.False(t, bus.IsStarted())
	require.NoError(t, bus.Start(ctx))
	require.NoError(t, bus.Start(ctx))
	assert.True(t, bus.IsStarted())
	assert.Equal(t, 1, broker.ConnectCalls)

	require.NoError(t, bus.Stop(ctx))
	require.NoError(t, bus.Stop(ctx))
	assert.False(t, bus.IsStarted())
	assert.Equal(t, 1, broker.DisconnectCalls)
}

func TestBus_StartFailsWhenBrokerCannotConnect(t *testing.T) {
	broker := fixtures.NewBrokerSpy().FailOnConnect(errors.New("connection refused"))
	bus := newBus(t, broker)

	err := bus.Start(context.Background())
	assert.ErrorContains(t, err, "connection refused")
	assert.False(t, bus.IsStarted())
}

func TestBus_PublishRequiresStart(t *testing.T) {
	bus := newBus(t, memory.NewBroker())

	err := bus.Publish(context.Background(), fixtures.NewTestEvent().Build())
	assert.ErrorIs(t, err, es.ErrNotStarted)

	err = bus.PublishBatch(context.Background(), fixtures.NewTestEvent().BuildN(2))
	assert.ErrorIs(t, err, es.ErrNotStarted)
}

func TestBus_RoundTrip(t *testing.T) {
	ctx := context.Background()
	bus := startedBus(t, memory.NewBroker())

	spy := fixtures.NewEventHandlerSpy()
	_, err := bus.Subscribe(ctx, "OrderPlaced", spy)
	require.NoError(t, err)

	ev := fixtures.NewTestEvent().
		WithID("order-7").
		WithType("OrderPlaced").
		WithData("3 items").
		With(es.WithUserID("u1"), es.WithCorrelationID("req-1")).
		Build()
	require.NoError(t, bus.Publish(ctx, ev))

	assert.Eventually(t, func() bool { return spy.EventCount() == 1 }, waitFor, tick)
	assert.Never(t, func() bool { return spy.EventCount() > 1 }, 50*time.Millisecond, tick)

	got, ok := spy.LastEvent().(*fixtures.TestEvent)
	require.True(t, ok, "expected *fixtures.TestEvent, got %T", spy.LastEvent())
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, ev.Data, got.Data)
	assert.Equal(t, "OrderPlaced", got.EventType())
	assert.Equal(t, ev.Metadata().EventID, got.Metadata().EventID)

	md := spy.ReceivedMetadata[0]
	assert.Equal(t, "u1", md.UserID)
	assert.Equal(t, "req-1", md.CorrelationID)
}

func TestBus_UnregisteredTypeIsDeliveredUntyped(t *testing.T) {
	ctx := context.Background()
	bus := startedBus(t, memory.NewBroker())

	spy := fixtures.NewEventHandlerSpy()
	_, err := bus.Subscribe(ctx, "PlainEvent", spy)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, &fixtures.PlainEvent{Name: "hello"}))
	assert.Eventually(t, func() bool { return spy.EventCount() == 1 }, waitFor, tick)

	raw, ok := spy.LastEvent().(*es.RawEvent)
	require.True(t, ok)
	assert.Equal(t, "PlainEvent", raw.EventType())
	assert.Equal(t, "hello", raw.Fields["name"])
}

func TestBus_SubscribeBeforeStart(t *testing.T) {
	ctx := context.Background()
	broker := fixtures.NewBrokerSpy()
	bus := newBus(t, broker)

	spy := fixtures.NewEventHandlerSpy()
	_, err := bus.Subscribe(ctx, "OrderPlaced", spy)
	require.NoError(t, err)
	assert.Equal(t, 0, broker.SubscribeCalls)

	require.NoError(t, bus.Start(ctx))
	subs, _ := broker.Counts()
	assert.Equal(t, 1, subs)

	require.NoError(t, bus.Publish(ctx, fixtures.NewTestEvent().WithType("OrderPlaced").Build()))
	assert.Eventually(t, func() bool { return spy.EventCount() == 1 }, waitFor, tick)
}

func TestBus_HandlersShareOneBrokerSubscription(t *testing.T) {
	ctx := context.Background()
	broker := fixtures.NewBrokerSpy()
	bus := startedBus(t, broker)

	first, second := fixtures.NewEventHandlerSpy(), fixtures.NewEventHandlerSpy()
	id1, err := bus.Subscribe(ctx, "OrderPlaced", first)
	require.NoError(t, err)
	id2, err := bus.Subscribe(ctx, "OrderPlaced", second)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	subs, _ := broker.Counts()
	assert.Equal(t, 1, subs)

	// dropping one handler keeps the broker subscription
	require.NoError(t, bus.Unsubscribe(ctx, "OrderPlaced", id1))
	_, unsubs := broker.Counts()
	assert.Equal(t, 0, unsubs)

	require.NoError(t, bus.Publish(ctx, fixtures.NewTestEvent().WithType("OrderPlaced").Build()))
	assert.Eventually(t, func() bool { return second.EventCount() == 1 }, waitFor, tick)
	assert.Equal(t, 0, first.EventCount())
}

func TestBus_DuplicateHandlerID(t *testing.T) {
	ctx := context.Background()
	bus := startedBus(t, memory.NewBroker())

	h := fixtures.NewEventHandlerSpy()
	_, err := bus.Subscribe(ctx, "OrderPlaced", h, es.WithHandlerID("projector"))
	require.NoError(t, err)

	_, err = bus.Subscribe(ctx, "OrderPlaced", h, es.WithHandlerID("projector"))
	assert.ErrorIs(t, err, es.ErrDuplicateHandler)

	_, err = bus.Subscribe(ctx, "OrderPlaced", nil)
	assert.ErrorIs(t, err, es.ErrNilHandler)
}

func TestBus_UnsubscribeLastHandlerTearsDown(t *testing.T) {
	ctx := context.Background()
	broker := fixtures.NewBrokerSpy()
	bus := startedBus(t, broker)

	spy := fixtures.NewEventHandlerSpy()
	id, err := bus.Subscribe(ctx, "OrderPlaced", spy)
	require.NoError(t, err)

	require.NoError(t, bus.Unsubscribe(ctx, "OrderPlaced", id))
	_, unsubs := broker.Counts()
	assert.Equal(t, 1, unsubs)

	require.NoError(t, bus.Publish(ctx, fixtures.NewTestEvent().WithType("OrderPlaced").Build()))
	assert.Never(t, func() bool { return spy.EventCount() > 0 }, 100*time.Millisecond, 10*time.Millisecond)
}

// drainingBroker runs one more delivery while a topic is being unsubscribed
// and waits for it before returning, as the redis and kafka brokers do.
type drainingBroker struct {
	mu       sync.Mutex
	handlers map[string]es.MessageHandler
	pending  []byte
}

func (b *drainingBroker) Connect(context.Context) error { return nil }
func (b *drainingBroker) Disconnect(context.Context) error { return nil }
func (b *drainingBroker) IsConnected() bool { return true }
func (b *drainingBroker) Metrics() es.BrokerMetrics { return es.BrokerMetrics{} }
func (b *drainingBroker) Publish(context.Context, string, []byte) error { return nil }
func (b *drainingBroker) PublishBatch(context.Context, []es.Message) error { return nil }

func (b *drainingBroker) Subscribe(_ context.Context, topic string, handler es.MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = handler
	return nil
}

func (b *drainingBroker) Unsubscribe(ctx context.Context, topic string) error {
	b.mu.Lock()
	handler := b.handlers[topic]
	delete(b.handlers, topic)
	b.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- handler(ctx, b.pending) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestBus_UnsubscribeWhileBrokerDrainsDelivery(t *testing.T) {
	serializer := es.NewSerializer(fixtures.Registry("OrderPlaced"))
	pending, err := serializer.Serialize(fixtures.NewTestEvent().WithType("OrderPlaced").Build())
	require.NoError(t, err)

	broker := &drainingBroker{handlers: map[string]es.MessageHandler{}, pending: pending}
	bus := startedBus(t, broker)

	spy := fixtures.NewEventHandlerSpy()
	_, err = bus.Subscribe(context.Background(), "OrderPlaced", spy)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, bus.Unsubscribe(ctx, "OrderPlaced"))

	// the drained delivery arrives after the handler is gone
	assert.Zero(t, spy.EventCount())
	assert.Empty(t, bus.Errors())
}

func TestBus_PublishBatchRejectsNilEvent(t *testing.T) {
	ctx := context.Background()
	broker := fixtures.NewBrokerSpy()
	bus := startedBus(t, broker)

	err := bus.PublishBatch(ctx, []es.Event{fixtures.NewTestEvent().Build(), nil})
	assert.ErrorContains(t, err, "item 1: nil event")
	assert.Zero(t, broker.PublishBatchCalls)
}

func TestBus_UnsubscribeAllHandlersForName(t *testing.T) {
	ctx := context.Background()
	broker := fixtures.NewBrokerSpy()
	bus := startedBus(t, broker)

	for i := 0; i < 3; i++ {
		_, err := bus.Subscribe(ctx, "ItemAdded", fixtures.NewEventHandlerSpy())
		require.NoError(t, err)
	}

	require.NoError(t, bus.Unsubscribe(ctx, "ItemAdded"))
	subs, unsubs := broker.Counts()
	assert.Equal(t, 1, subs)
	assert.Equal(t, 1, unsubs)

	// unknown names are a no-op
	require.NoError(t, bus.Unsubscribe(ctx, "nothing"))
}

func TestBus_StopClearsRegistry(t *testing.T) {
	ctx := context.Background()
	bus := startedBus(t, memory.NewBroker())

	spy := fixtures.NewEventHandlerSpy()
	_, err := bus.Subscribe(ctx, "OrderPlaced", spy)
	require.NoError(t, err)

	require.NoError(t, bus.Stop(ctx))
	require.NoError(t, bus.Start(ctx))

	require.NoError(t, bus.Publish(ctx, fixtures.NewTestEvent().WithType("OrderPlaced").Build()))
	assert.Never(t, func() bool { return spy.EventCount() > 0 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestBus_PublishStoresBeforeBroker(t *testing.T) {
	ctx := context.Background()
	broker := fixtures.NewBrokerSpy()
	store := fixtures.NewStoreSpy()
	bus := startedBus(t, broker, eventbus.WithStore(store))

	ev := fixtures.NewTestEvent().WithID("order-1").WithType("OrderPlaced").Build()
	require.NoError(t, bus.Publish(ctx, ev, es.WithExpectedRevision(es.NoStream{})))

	assert.Equal(t, 1, store.AppendCalls)
	assert.Equal(t, es.NoStream{}, store.LastAppendConfig.Revision)
	assert.Equal(t, 1, broker.PublishCalls)
	assert.Equal(t, "OrderPlaced", broker.Published[0].Topic)

	// a conflicting append never reaches the broker
	err := bus.Publish(ctx, fixtures.NewTestEvent().WithID("order-1").Build(), es.WithExpectedRevision(es.NoStream{}))
	assert.ErrorIs(t, err, es.ErrStreamExists)
	assert.Equal(t, 1, broker.PublishCalls)
}

func TestBus_StoreFailureSkipsBroker(t *testing.T) {
	broker := fixtures.NewBrokerSpy()
	store := fixtures.NewStoreSpy().FailOnAppend(errors.New("disk full"))
	bus := startedBus(t, broker, eventbus.WithStore(store))

	err := bus.Publish(context.Background(), fixtures.NewTestEvent().Build())
	assert.ErrorContains(t, err, "disk full")
	assert.Equal(t, 0, broker.PublishCalls)
}

func TestBus_PublishBatchAuditsDomainEventsOnly(t *testing.T) {
	ctx := context.Background()
	broker := fixtures.NewBrokerSpy()
	store := fixtures.NewStoreSpy()
	bus := startedBus(t, broker, eventbus.WithStore(store))

	a := fixtures.NewTestEvent().WithID("a").WithType("OrderPlaced").Build()
	plain := &fixtures.PlainEvent{Name: "metrics tick"}
	b := fixtures.NewTestEvent().WithID("b").WithType("ItemAdded").Build()

	require.NoError(t, bus.PublishBatch(ctx, []es.Event{a, plain, b}))

	assert.Equal(t, 1, store.AppendBatchCalls)
	assert.Equal(t, []es.Event{a, b}, store.AppendedEvents())

	assert.Equal(t, 1, broker.PublishBatchCalls)
	require.Len(t, broker.Published, 3)
	assert.Equal(t, "OrderPlaced", broker.Published[0].Topic)
	assert.Equal(t, "PlainEvent", broker.Published[1].Topic)
	assert.Equal(t, "ItemAdded", broker.Published[2].Topic)
}

func TestBus_HandlerFailureIsolation(t *testing.T) {
	ctx := context.Background()
	bus := startedBus(t, memory.NewBroker())

	failing := fixtures.NewEventHandlerSpy().FailOnHandle(errors.New("projection down"))
	panicking := fixtures.NewEventHandlerSpy()
	panicking.HandleFn = func(context.Context, es.Event) error { panic("nil map") }
	healthy := fixtures.NewEventHandlerSpy()

	failID, err := bus.Subscribe(ctx, "OrderPlaced", failing, es.WithHandlerID("failing"))
	require.NoError(t, err)
	_, err = bus.Subscribe(ctx, "OrderPlaced", panicking, es.WithHandlerID("panicking"))
	require.NoError(t, err)
	_, err = bus.Subscribe(ctx, "OrderPlaced", healthy)
	require.NoError(t, err)

	ev := fixtures.NewTestEvent().WithType("OrderPlaced").Build()
	require.NoError(t, bus.Publish(ctx, ev))

	assert.Eventually(t, func() bool { return healthy.EventCount() == 1 }, waitFor, tick)

	got := map[es.HandlerID]error{}
	for i := 0; i < 2; i++ {
		select {
		case err := <-bus.Errors():
			var herr *es.HandlerError
			require.True(t, errors.As(err, &herr))
			assert.Equal(t, "OrderPlaced", herr.EventType)
			assert.Equal(t, ev.Metadata().EventID.String(), herr.EventID)
			got[herr.HandlerID] = herr.Err
		case <-time.After(waitFor):
			t.Fatal("expected two handler errors")
		}
	}
	assert.EqualError(t, got[failID], "projection down")
	assert.ErrorContains(t, got["panicking"], "nil map")
}

func TestBus_SkippedEventsAreNotReported(t *testing.T) {
	ctx := context.Background()
	bus := startedBus(t, memory.NewBroker())

	var handled atomic.Int32
	typed := es.OnEvent(func(ctx context.Context, ev *fixtures.PlainEvent) error {
		handled.Add(1)
		return nil
	})
	_, err := bus.Subscribe(ctx, "OrderPlaced", typed)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, fixtures.NewTestEvent().WithType("OrderPlaced").Build()))

	select {
	case err := <-bus.Errors():
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, int32(0), handled.Load())
}

func TestBus_MalformedPayloadIsReported(t *testing.T) {
	ctx := context.Background()
	broker := memory.NewBroker()
	bus := startedBus(t, broker)

	spy := fixtures.NewEventHandlerSpy()
	_, err := bus.Subscribe(ctx, "OrderPlaced", spy)
	require.NoError(t, err)

	require.NoError(t, broker.Publish(ctx, "OrderPlaced", []byte("{not json")))

	select {
	case err := <-bus.Errors():
		var serr *es.SerializationError
		assert.True(t, errors.As(err, &serr))
	case <-time.After(waitFor):
		t.Fatal("expected a serialization error")
	}
	assert.Equal(t, 0, spy.EventCount())
	assert.Equal(t, uint64(0), bus.Metrics().ErrorCount)
}

func TestBus_RetryPolicy(t *testing.T) {
	ctx := context.Background()
	bus := startedBus(t, memory.NewBroker())

	var calls atomic.Int32
	flaky := es.NewEventHandlerFunc(func(context.Context, es.Event) error {
		if calls.Add(1) < 3 {
			return errors.New("temporarily unavailable")
		}
		return nil
	})

	policy := es.RetryPolicy{MaxRetries: 3, RetryDelay: time.Millisecond, BackoffMultiplier: 2}
	_, err := bus.Subscribe(ctx, "OrderPlaced", flaky, es.WithRetryPolicy(policy))
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, fixtures.NewTestEvent().WithType("OrderPlaced").Build()))
	assert.Eventually(t, func() bool { return calls.Load() == 3 }, waitFor, tick)

	select {
	case err := <-bus.Errors():
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_RetryExhaustion(t *testing.T) {
	ctx := context.Background()
	bus := startedBus(t, memory.NewBroker())

	failing := fixtures.NewEventHandlerSpy().FailOnHandle(errors.New("still down"))
	policy := es.RetryPolicy{MaxRetries: 2, RetryDelay: time.Millisecond}
	_, err := bus.Subscribe(ctx, "OrderPlaced", failing, es.WithRetryPolicy(policy))
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, fixtures.NewTestEvent().WithType("OrderPlaced").Build()))

	select {
	case err := <-bus.Errors():
		var exhausted *es.RetryExhaustedError
		require.True(t, errors.As(err, &exhausted))
		assert.Equal(t, 3, exhausted.Attempts)
	case <-time.After(waitFor):
		t.Fatal("expected a retry exhausted error")
	}
	assert.Equal(t, 3, failing.EventCount())
}

func TestBus_ExplicitTopic(t *testing.T) {
	ctx := context.Background()
	bus := startedBus(t, memory.NewBroker())

	spy := fixtures.NewEventHandlerSpy()
	_, err := bus.Subscribe(ctx, "orders", spy)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, fixtures.NewTestEvent().WithType("OrderPlaced").With(es.WithTopic("orders")).Build()))
	assert.Eventually(t, func() bool { return spy.EventCount() == 1 }, waitFor, tick)
}

func TestBus_MetricsDelegateToBroker(t *testing.T) {
	ctx := context.Background()
	bus := startedBus(t, memory.NewBroker())

	require.NoError(t, bus.PublishBatch(ctx, fixtures.NewTestEvent().BuildN(4)))
	assert.Equal(t, uint64(4), bus.Metrics().PublishedCount)
}
