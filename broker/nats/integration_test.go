//go:build integration

package nats_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/terraskye/eventcore"
	natsbroker "github.com/terraskye/eventcore/broker/nats"
)

// Run with: NATS_URL=nats://localhost:4222 go test -tags integration ./broker/nats
func TestBroker_RoundTrip(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set")
	}
	ctx := context.Background()

	b := natsbroker.NewBroker(natsbroker.Config{URL: url})
	require.NoError(t, b.Connect(ctx))
	t.Cleanup(func() { _ = b.Disconnect(ctx) })
	require.True(t, b.IsConnected())

	received := make(chan string, 3)
	require.NoError(t, b.Subscribe(ctx, "eventcore.test", func(_ context.Context, p []byte) error {
		received <- string(p)
		return nil
	}))
	assert.ErrorIs(t, b.Subscribe(ctx, "eventcore.test", func(context.Context, []byte) error { return nil }),
		eventcore.ErrTopicAlreadySubscribed)

	require.NoError(t, b.Publish(ctx, "eventcore.test", []byte("one")))
	require.NoError(t, b.PublishBatch(ctx, []eventcore.Message{
		{Topic: "eventcore.test", Payload: []byte("two")},
		{Topic: "eventcore.test", Payload: []byte("three")},
	}))

	for _, want := range []string{"one", "two", "three"} {
		select {
		case got := <-received:
			assert.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}
	assert.EqualValues(t, 3, b.Metrics().PublishedCount)
	assert.EqualValues(t, 3, b.Metrics().ReceivedCount)
}
