// Package storetest is a conformance suite shared by the EventStore
// implementations.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	es "github.com/terraskye/eventcore"
	"github.com/terraskye/eventcore/fixtures"
)

// Factory returns an empty store. It should register its own cleanup.
type Factory func(t *testing.T) es.EventStore

// Run exercises the EventStore contract against stores built by newStore.
// Every subtest gets a fresh, empty store.
func Run(t *testing.T, newStore Factory) {
	t.Run("Append_SingleEvent", func(t *testing.T) { testAppend_SingleEvent(t, newStore) })
	t.Run("Append_StreamKeyResolution", func(t *testing.T) { testAppend_StreamKeyResolution(t, newStore) })
	t.Run("AppendBatch_AssignsVersionsInOrder", func(t *testing.T) { testAppendBatch_AssignsVersionsInOrder(t, newStore) })
	t.Run("GetEvents_InclusiveBounds", func(t *testing.T) { testGetEvents_InclusiveBounds(t, newStore) })
	t.Run("RevisionEnforcement", func(t *testing.T) { testRevisionEnforcement(t, newStore) })
	t.Run("GetEventsByType_Paginates", func(t *testing.T) { testGetEventsByType_Paginates(t, newStore) })
	t.Run("GetEventsByCorrelationID_SpansStreams", func(t *testing.T) { testGetEventsByCorrelationID_SpansStreams(t, newStore) })
	t.Run("Snapshots", func(t *testing.T) { testSnapshots(t, newStore) })
	t.Run("DeleteStream", func(t *testing.T) { testDeleteStream(t, newStore) })
	t.Run("MetadataRoundTrip", func(t *testing.T) { testMetadataRoundTrip(t, newStore) })
	t.Run("AppendBatch_ConflictWritesNothing", func(t *testing.T) { testAppendBatch_ConflictWritesNothing(t, newStore) })
	t.Run("ConcurrentAppend_OneWinner", func(t *testing.T) { testConcurrentAppend_OneWinner(t, newStore) })
}

func orderEvent(typ, data string, opts ...es.EventOption) *fixtures.TestEvent {
	return fixtures.NewTestEvent().WithID("order-1").WithType(typ).WithData(data).With(opts...).Build()
}

func testAppend_SingleEvent(t *testing.T, newStore Factory) {
	store := newStore(t)

	result, err := store.Append(context.Background(), orderEvent("OrderCreated", "c1"))
	require.NoError(t, err)

	assert.Equal(t, "order-1", result.StreamID)
	assert.Equal(t, uint64(1), result.NextExpectedVersion)
	assert.Equal(t, uint64(1), result.GlobalPosition)
}

func testAppend_StreamKeyResolution(t *testing.T, newStore Factory) {
	store := newStore(t)
	ctx := context.Background()

	// aggregate id
	_, err := store.Append(ctx, orderEvent("OrderCreated", ""))
	require.NoError(t, err)

	// explicit stream wins
	_, err = store.Append(ctx, orderEvent("OrderCreated", ""), es.WithStreamID("custom"))
	require.NoError(t, err)

	// no aggregate id falls back to the topic
	_, err = store.Append(ctx, &fixtures.PlainEvent{Name: "x"})
	require.NoError(t, err)

	for stream, want := range map[string]int{"order-1": 1, "custom": 1, "PlainEvent": 1} {
		evs, err := store.GetEvents(ctx, stream, 0, 0)
		require.NoError(t, err)
		assert.Len(t, evs, want, stream)
	}
}

func testAppendBatch_AssignsVersionsInOrder(t *testing.T, newStore Factory) {
	store := newStore(t)
	ctx := context.Background()

	events := fixtures.NewTestEvent().WithID("order-1").WithType("ItemAdded").WithData("item").BuildN(3)
	result, err := store.AppendBatch(ctx, events)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), result.NextExpectedVersion)

	stored, err := store.GetEvents(ctx, "order-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, stored, 3)
	for i, se := range stored {
		assert.Equal(t, uint64(i+1), se.StreamVersion)
		assert.Equal(t, uint64(i+1), se.GlobalPosition)
		assert.Equal(t, "ItemAdded", se.EventType)
		assert.Equal(t, events[i].(*fixtures.TestEvent).Metadata().EventID, se.EventID)
	}
	assert.JSONEq(t, `{"id":"order-1","data":"item-2"}`, string(stored[1].Data))
}

func testGetEvents_InclusiveBounds(t *testing.T, newStore Factory) {
	store := newStore(t)
	ctx := context.Background()

	_, err := store.AppendBatch(ctx, fixtures.NewTestEvent().WithID("s").BuildN(5))
	require.NoError(t, err)

	tests := []struct {
		name     string
		from, to uint64
		want     []uint64
	}{
		{"unbounded", 0, 0, []uint64{1, 2, 3, 4, 5}},
		{"from only", 3, 0, []uint64{3, 4, 5}},
		{"to only", 0, 2, []uint64{1, 2}},
		{"both", 2, 4, []uint64{2, 3, 4}},
		{"single", 4, 4, []uint64{4}},
		{"past end", 6, 0, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evs, err := store.GetEvents(ctx, "s", tt.from, tt.to)
			require.NoError(t, err)
			var got []uint64
			for _, se := range evs {
				got = append(got, se.StreamVersion)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func testRevisionEnforcement(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("NoStream fails when stream exists", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Append(ctx, orderEvent("A", ""))
		require.NoError(t, err)

		_, err = store.Append(ctx, orderEvent("B", ""), es.WithExpectedRevision(es.NoStream{}))
		assert.ErrorIs(t, err, es.ErrStreamExists)
	})

	t.Run("StreamExists fails on missing stream", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Append(ctx, orderEvent("A", ""), es.WithExpectedRevision(es.StreamExists{}))
		assert.ErrorIs(t, err, es.ErrStreamNotFound)
	})

	t.Run("Revision matches last version", func(t *testing.T) {
		store := newStore(t)
		_, err := store.AppendBatch(ctx, fixtures.NewTestEvent().WithID("order-1").BuildN(2))
		require.NoError(t, err)

		last, err := store.GetLastEventVersion(ctx, "order-1")
		require.NoError(t, err)
		assert.Equal(t, uint64(2), last)

		result, err := store.Append(ctx, orderEvent("C", ""), es.WithExpectedRevision(es.Revision(last)))
		require.NoError(t, err)
		assert.Equal(t, uint64(3), result.NextExpectedVersion)
	})

	t.Run("Revision conflict leaves stream unchanged", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Append(ctx, orderEvent("A", ""))
		require.NoError(t, err)

		_, err = store.Append(ctx, orderEvent("B", ""), es.WithExpectedRevision(es.Revision(5)))
		require.ErrorIs(t, err, es.ErrConcurrencyConflict)

		var conflict *es.StreamRevisionConflictError
		require.True(t, errors.As(err, &conflict))
		assert.Equal(t, uint64(5), conflict.Expected)
		assert.Equal(t, uint64(1), conflict.Actual)

		last, _ := store.GetLastEventVersion(ctx, "order-1")
		assert.Equal(t, uint64(1), last)
	})
}

func testGetEventsByType_Paginates(t *testing.T, newStore Factory) {
	store := newStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c", "d"} {
		_, err := store.Append(ctx, fixtures.NewTestEvent().WithID(id).WithType("UserLoggedIn").Build())
		require.NoError(t, err)
		_, err = store.Append(ctx, fixtures.NewTestEvent().WithID(id).WithType("Other").Build())
		require.NoError(t, err)
	}

	all, err := store.GetEventsByType(ctx, "UserLoggedIn", 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	page, err := store.GetEventsByType(ctx, "UserLoggedIn", 2, 1)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "b", page[0].StreamID)
	assert.Equal(t, "c", page[1].StreamID)

	empty, err := store.GetEventsByType(ctx, "UserLoggedIn", 10, 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testGetEventsByCorrelationID_SpansStreams(t *testing.T, newStore Factory) {
	store := newStore(t)
	ctx := context.Background()

	root := fixtures.NewTestEvent().WithID("user-1").WithType("UserLoggedIn").Build()
	child := fixtures.NewTestEvent().WithID("session-9").WithType("SessionOpened").With(es.WithCausedBy(root)).Build()
	grandchild := fixtures.NewTestEvent().WithID("audit").WithType("Audited").With(es.WithCausedBy(child)).Build()
	unrelated := fixtures.NewTestEvent().WithID("user-2").With(es.WithCorrelationID("other")).Build()

	for _, ev := range []es.Event{root, child, unrelated, grandchild} {
		_, err := store.Append(ctx, ev)
		require.NoError(t, err)
	}

	chain, err := store.GetEventsByCorrelationID(ctx, root.Metadata().EventID.String())
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, "SessionOpened", chain[0].EventType)
	assert.Equal(t, "Audited", chain[1].EventType)
	assert.Less(t, chain[0].GlobalPosition, chain[1].GlobalPosition)
}

func testSnapshots(t *testing.T, newStore Factory) {
	store := newStore(t)
	ctx := context.Background()

	snap, err := store.GetSnapshot(ctx, "journal-1")
	require.NoError(t, err)
	assert.Nil(t, snap)

	require.NoError(t, store.SaveSnapshot(ctx, es.Snapshot{AggregateID: "journal-1", Version: 3, Data: []byte(`{"n":3}`)}))

	snap, err = store.GetSnapshot(ctx, "journal-1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, uint64(3), snap.Version)
	assert.JSONEq(t, `{"n":3}`, string(snap.Data))
}

func testDeleteStream(t *testing.T, newStore Factory) {
	store := newStore(t)
	ctx := context.Background()

	_, err := store.AppendBatch(ctx, fixtures.NewTestEvent().WithID("gone").WithType("X").BuildN(2))
	require.NoError(t, err)
	_, err = store.Append(ctx, fixtures.NewTestEvent().WithID("kept").WithType("X").Build())
	require.NoError(t, err)
	require.NoError(t, store.SaveSnapshot(ctx, es.Snapshot{AggregateID: "gone", Version: 2}))

	require.NoError(t, store.DeleteStream(ctx, "gone"))

	evs, err := store.GetEvents(ctx, "gone", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, evs)

	byType, err := store.GetEventsByType(ctx, "X", 0, 0)
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, "kept", byType[0].StreamID)

	snap, err := store.GetSnapshot(ctx, "gone")
	require.NoError(t, err)
	assert.Nil(t, snap)

	assert.ErrorIs(t, store.DeleteStream(ctx, "gone"), es.ErrStreamNotFound)
}

func testMetadataRoundTrip(t *testing.T, newStore Factory) {
	store := newStore(t)
	ctx := context.Background()

	ev := fixtures.NewTestEvent().WithID("user-1").WithType("UserLoggedIn").
		With(es.WithCorrelationID("corr-1"), es.WithCausationID("cause-1"), es.WithUserID("u1")).Build()
	_, err := store.Append(ctx, ev)
	require.NoError(t, err)

	stored, err := store.GetEvents(ctx, "user-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)

	se := stored[0]
	md := ev.Metadata()
	assert.Equal(t, md.EventID, se.EventID)
	assert.Equal(t, md.EventID, se.Metadata.EventID)
	assert.Equal(t, "corr-1", se.Metadata.CorrelationID)
	assert.Equal(t, "cause-1", se.Metadata.CausationID)
	assert.Equal(t, "u1", se.Metadata.UserID)
	assert.WithinDuration(t, md.Timestamp, se.Metadata.Timestamp, time.Millisecond)
	assert.Equal(t, es.TopicOf(ev), se.Topic)
	assert.Equal(t, es.PriorityOf(ev), se.Priority)
	assert.False(t, se.RecordedAt.IsZero())
}

func testAppendBatch_ConflictWritesNothing(t *testing.T, newStore Factory) {
	store := newStore(t)
	ctx := context.Background()

	_, err := store.Append(ctx, fixtures.NewTestEvent().WithID("order-1").Build())
	require.NoError(t, err)

	_, err = store.AppendBatch(ctx, fixtures.NewTestEvent().WithID("order-1").BuildN(3),
		es.WithExpectedRevision(es.NoStream{}))
	require.ErrorIs(t, err, es.ErrStreamExists)

	stored, err := store.GetEvents(ctx, "order-1", 0, 0)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func testConcurrentAppend_OneWinner(t *testing.T, newStore Factory) {
	store := newStore(t)
	ctx := context.Background()

	_, err := store.Append(ctx, fixtures.NewTestEvent().WithID("order-1").Build())
	require.NoError(t, err)

	const writers = 5
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		conflicts int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Append(ctx, fixtures.NewTestEvent().WithID("order-1").Build(),
				es.WithExpectedRevision(es.Revision(1)))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, es.ErrConcurrencyConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, writers-1, conflicts)

	last, err := store.GetLastEventVersion(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), last)
}
