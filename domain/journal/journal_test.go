package journal_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	es "github.com/terraskye/eventcore"
	"github.com/terraskye/eventcore/broker/memory"
	"github.com/terraskye/eventcore/domain/journal"
	"github.com/terraskye/eventcore/eventbus"
	memstore "github.com/terraskye/eventcore/eventstore/memory"
)

func serializer() *es.Serializer {
	return es.NewSerializer(es.NewTypeRegistry(journal.Events()...))
}

func TestCommands(t *testing.T) {
	agg := journal.New("j-1")

	assert.ErrorIs(t, journal.AddEntry(agg, "e1", "x"), journal.ErrNotCreated)
	assert.ErrorIs(t, journal.Create(agg, "", "ann"), journal.ErrEmptyTitle)

	require.NoError(t, journal.Create(agg, "Field notes", "ann"))
	assert.ErrorIs(t, journal.Create(agg, "Again", "ann"), journal.ErrAlreadyCreated)

	require.NoError(t, journal.AddEntry(agg, "e1", "first"))
	require.NoError(t, journal.AddEntry(agg, "e2", "second"))
	assert.ErrorIs(t, journal.AddEntry(agg, "e1", "dup"), journal.ErrDuplicateEntry)

	require.NoError(t, journal.RemoveEntry(agg, "e1"))
	assert.ErrorIs(t, journal.RemoveEntry(agg, "e1"), journal.ErrEntryNotFound)

	state := agg.State()
	assert.Equal(t, "Field notes", state.Title)
	assert.Equal(t, []journal.Entry{{ID: "e2", Text: "second"}}, state.Entries)
	assert.Equal(t, uint64(4), agg.Version())
	assert.Len(t, agg.UncommittedEvents(), 4)
}

func TestReplayMatchesLiveState(t *testing.T) {
	live := journal.New("j-1")
	require.NoError(t, journal.Create(live, "Notes", "bob"))
	require.NoError(t, journal.AddEntry(live, "a", "1"))
	require.NoError(t, journal.AddEntry(live, "b", "2"))
	require.NoError(t, journal.RemoveEntry(live, "a"))

	replayed := journal.New("j-1")
	replayed.LoadFromHistory(live.UncommittedEvents()...)

	assert.Equal(t, live.State(), replayed.State())
	assert.Equal(t, live.Version(), replayed.Version())
	assert.Empty(t, replayed.UncommittedEvents())
}

func TestRepository_SaveAndLoad(t *testing.T) {
	ctx := context.Background()
	store := memstore.NewMemoryStore()
	repo := journal.NewRepository(store, nil, serializer())

	agg := journal.New("j-1")
	require.NoError(t, journal.Create(agg, "Notes", "bob"))
	require.NoError(t, journal.AddEntry(agg, "a", "1"))
	require.NoError(t, repo.Save(ctx, agg))
	assert.Empty(t, agg.UncommittedEvents())

	loaded, err := repo.Load(ctx, "j-1")
	require.NoError(t, err)
	assert.Equal(t, agg.State(), loaded.State())
	assert.Equal(t, uint64(2), loaded.Version())

	stored, err := store.GetEvents(ctx, "j-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, journal.TopicJournal, stored[0].Topic)
	assert.JSONEq(t, `{"journalId":"j-1","title":"Notes","owner":"bob"}`, string(stored[0].Data))
}

func TestRepository_ConcurrentWritersConflict(t *testing.T) {
	ctx := context.Background()
	store := memstore.NewMemoryStore()
	repo := journal.NewRepository(store, nil, serializer())

	agg := journal.New("j-1")
	require.NoError(t, journal.Create(agg, "Notes", "bob"))
	require.NoError(t, repo.Save(ctx, agg))

	first, err := repo.Load(ctx, "j-1")
	require.NoError(t, err)
	second, err := repo.Load(ctx, "j-1")
	require.NoError(t, err)

	require.NoError(t, journal.AddEntry(first, "a", "from first"))
	require.NoError(t, journal.AddEntry(second, "b", "from second"))

	require.NoError(t, repo.Save(ctx, first))
	err = repo.Save(ctx, second)
	assert.ErrorIs(t, err, es.ErrConcurrencyConflict)

	fresh := journal.New("j-2")
	require.NoError(t, journal.Create(fresh, "Other", "ann"))
	require.NoError(t, repo.Save(ctx, fresh))

	again := journal.New("j-2")
	require.NoError(t, journal.Create(again, "Other", "ann"))
	assert.ErrorIs(t, repo.Save(ctx, again), es.ErrStreamExists)
}

func TestRepository_LoadFromSnapshot(t *testing.T) {
	ctx := context.Background()
	store := memstore.NewMemoryStore()
	repo := journal.NewRepository(store, nil, serializer())

	agg := journal.New("j-1")
	require.NoError(t, journal.Create(agg, "Notes", "bob"))
	require.NoError(t, journal.AddEntry(agg, "a", "1"))
	require.NoError(t, repo.Save(ctx, agg))
	require.NoError(t, repo.SaveSnapshot(ctx, agg))

	require.NoError(t, journal.AddEntry(agg, "b", "2"))
	require.NoError(t, repo.Save(ctx, agg))

	loaded, err := repo.Load(ctx, "j-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), loaded.Version())
	assert.Equal(t, agg.State(), loaded.State())
}

func TestRepository_SaveThroughBus(t *testing.T) {
	ctx := context.Background()
	store := memstore.NewMemoryStore()
	ser := serializer()
	bus := eventbus.New(memory.NewBroker(), eventbus.WithStore(store), eventbus.WithSerializer(ser))
	require.NoError(t, bus.Start(ctx))
	t.Cleanup(func() { _ = bus.Stop(ctx) })

	added := make(chan *journal.EntryAdded, 1)
	_, err := bus.Subscribe(ctx, journal.TopicJournal, es.OnEvent(func(_ context.Context, e *journal.EntryAdded) error {
		added <- e
		return nil
	}))
	require.NoError(t, err)

	repo := journal.NewRepository(store, bus, ser)
	agg := journal.New("j-1")
	require.NoError(t, journal.Create(agg, "Notes", "bob"))
	require.NoError(t, journal.AddEntry(agg, "a", "hello"))
	require.NoError(t, repo.Save(ctx, agg))

	e := <-added
	assert.Equal(t, "hello", e.Text)
	assert.Equal(t, "j-1", e.AggregateID())

	last, err := store.GetLastEventVersion(ctx, "j-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), last)
}
