package kafka_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/terraskye/eventcore"
	"github.com/terraskye/eventcore/broker/kafka"
)

// fakeGroup hands every message pushed on feed to the handler through a
// single claim, the way one partition assignment would.
type fakeGroup struct {
	sarama.ConsumerGroup
	id     string
	feed   chan *sarama.ConsumerMessage
	closed chan struct{}
	once   sync.Once

	mu     sync.Mutex
	marked []int64
}

func newFakeGroup(id string) *fakeGroup {
	return &fakeGroup{id: id, feed: make(chan *sarama.ConsumerMessage, 8), closed: make(chan struct{})}
}

func (g *fakeGroup) Consume(ctx context.Context, _ []string, h sarama.ConsumerGroupHandler) error {
	select {
	case <-g.closed:
		return sarama.ErrClosedConsumerGroup
	default:
	}
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-g.closed:
			cancel()
		case <-sessCtx.Done():
		}
	}()

	s := &session{ctx: sessCtx, group: g}
	if err := h.Setup(s); err != nil {
		return err
	}
	err := h.ConsumeClaim(s, &claim{messages: g.feed})
	_ = h.Cleanup(s)
	return err
}

func (g *fakeGroup) Close() error {
	g.once.Do(func() { close(g.closed) })
	return nil
}

func (g *fakeGroup) markedOffsets() []int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]int64(nil), g.marked...)
}

type session struct {
	sarama.ConsumerGroupSession
	ctx   context.Context
	group *fakeGroup
}

func (s *session) Context() context.Context { return s.ctx }

func (s *session) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.group.mu.Lock()
	defer s.group.mu.Unlock()
	s.group.marked = append(s.group.marked, msg.Offset)
}

type claim struct {
	sarama.ConsumerGroupClaim
	messages chan *sarama.ConsumerMessage
}

func (c *claim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

func newBroker(t *testing.T, producer sarama.SyncProducer, groups map[string]*fakeGroup) *kafka.Broker {
	t.Helper()
	var mu sync.Mutex
	b, err := kafka.NewBroker(
		kafka.Config{Brokers: []string{"localhost:9092"}, GroupID: "svc", RetryBackoff: 10 * time.Millisecond},
		kafka.WithProducer(producer),
		kafka.WithGroupFactory(func(groupID string, _ *sarama.Config) (sarama.ConsumerGroup, error) {
			mu.Lock()
			defer mu.Unlock()
			g := newFakeGroup(groupID)
			groups[groupID] = g
			return g, nil
		}),
	)
	require.NoError(t, err)
	return b
}

func TestNewBroker_Validation(t *testing.T) {
	_, err := kafka.NewBroker(kafka.Config{})
	assert.Error(t, err)

	_, err = kafka.NewBroker(kafka.Config{Brokers: []string{"b:9092"}, Compression: "brotli"})
	assert.ErrorContains(t, err, "compression")

	_, err = kafka.NewBroker(kafka.Config{Brokers: []string{"b:9092"}, RequiredAcks: "some"})
	assert.ErrorContains(t, err, "required_acks")

	_, err = kafka.NewBroker(kafka.Config{Brokers: []string{"b:9092"}, Version: "not-a-version"})
	assert.ErrorContains(t, err, "version")

	_, err = kafka.NewBroker(kafka.Config{Brokers: []string{"b:9092"}, Version: "3.6.0", Compression: "zstd", RequiredAcks: "local"})
	assert.NoError(t, err)
}

func TestBroker_Publish(t *testing.T) {
	ctx := context.Background()
	producer := mocks.NewSyncProducer(t, nil)
	b := newBroker(t, producer, map[string]*fakeGroup{})

	err := b.Publish(ctx, "orders", []byte("x"))
	assert.ErrorIs(t, err, eventcore.ErrBrokerNotConnected)

	require.NoError(t, b.Connect(ctx))
	require.NoError(t, b.Connect(ctx))
	assert.True(t, b.IsConnected())

	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		if string(val) != `{"id":1}` {
			return errors.New("unexpected payload " + string(val))
		}
		return nil
	})
	require.NoError(t, b.Publish(ctx, "orders", []byte(`{"id":1}`)))

	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	err = b.Publish(ctx, "orders", []byte(`{"id":2}`))
	var berr *eventcore.BrokerError
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, "orders", berr.Topic)
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)

	m := b.Metrics()
	assert.EqualValues(t, 1, m.PublishedCount)
	assert.EqualValues(t, 1, m.ErrorCount)
	assert.Zero(t, m.QueueSize)

	require.NoError(t, b.Disconnect(ctx))
	require.NoError(t, b.Disconnect(ctx))
	assert.False(t, b.IsConnected())
	require.NoError(t, producer.Close())
}

func TestBroker_PublishBatch(t *testing.T) {
	ctx := context.Background()
	producer := mocks.NewSyncProducer(t, nil)
	b := newBroker(t, producer, map[string]*fakeGroup{})
	require.NoError(t, b.Connect(ctx))
	t.Cleanup(func() { _ = b.Disconnect(ctx) })

	require.NoError(t, b.PublishBatch(ctx, nil))

	producer.ExpectSendMessageAndSucceed()
	producer.ExpectSendMessageAndSucceed()
	require.NoError(t, b.PublishBatch(ctx, []eventcore.Message{
		{Topic: "orders", Payload: []byte("a")},
		{Topic: "auth", Payload: []byte("b")},
	}))
	assert.EqualValues(t, 2, b.Metrics().PublishedCount)
	require.NoError(t, producer.Close())
}

func TestBroker_Subscribe(t *testing.T) {
	ctx := context.Background()
	groups := map[string]*fakeGroup{}
	producer := mocks.NewSyncProducer(t, nil)
	b := newBroker(t, producer, groups)

	noop := func(context.Context, []byte) error { return nil }
	assert.ErrorIs(t, b.Subscribe(ctx, "orders", noop), eventcore.ErrBrokerNotConnected)

	require.NoError(t, b.Connect(ctx))
	t.Cleanup(func() { _ = b.Disconnect(ctx) })

	assert.ErrorIs(t, b.Subscribe(ctx, "orders", nil), eventcore.ErrNilHandler)

	received := make(chan string, 4)
	require.NoError(t, b.Subscribe(ctx, "orders", func(_ context.Context, payload []byte) error {
		received <- string(payload)
		if string(payload) == "bad" {
			return errors.New("rejected")
		}
		return nil
	}))
	assert.ErrorIs(t, b.Subscribe(ctx, "orders", noop), eventcore.ErrTopicAlreadySubscribed)

	g := groups["svc.orders"]
	require.NotNil(t, g, "consumer group is named after the topic")

	g.feed <- &sarama.ConsumerMessage{Topic: "orders", Offset: 10, Value: []byte("good")}
	g.feed <- &sarama.ConsumerMessage{Topic: "orders", Offset: 11, Value: []byte("bad")}

	for _, want := range []string{"good", "bad"} {
		select {
		case got := <-received:
			assert.Equal(t, want, got)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}
	assert.Eventually(t, func() bool {
		return b.Metrics().ErrorCount == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{10}, g.markedOffsets())
	assert.EqualValues(t, 2, b.Metrics().ReceivedCount)

	require.NoError(t, b.Unsubscribe(ctx, "orders"))
	require.NoError(t, b.Unsubscribe(ctx, "orders"))
	require.NoError(t, b.Subscribe(ctx, "orders", noop))
}
