package eventcore

import (
	"context"
	"fmt"
)

// Repository loads aggregates from an EventStore and saves them by
// publishing their uncommitted events.
type Repository[S any] struct {
	store      EventStore
	bus        EventBus
	serializer *Serializer
	initial    func() S
	evolve     Evolver[S]
}

// NewRepository creates a Repository. When bus is nil, Save appends to the
// store directly without publishing.
func NewRepository[S any](store EventStore, bus EventBus, serializer *Serializer, initial func() S, evolve Evolver[S]) *Repository[S] {
	return &Repository[S]{
		store:      store,
		bus:        bus,
		serializer: serializer,
		initial:    initial,
		evolve:     evolve,
	}
}

// Load rebuilds the aggregate with the given id, starting from its snapshot
// when one exists. A stream with no events yields a fresh aggregate.
func (r *Repository[S]) Load(ctx context.Context, id string) (*AggregateRoot[S], error) {
	agg := NewAggregateRoot(id, r.initial(), r.evolve)

	snap, err := r.store.GetSnapshot(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load aggregate %q: snapshot: %w", id, err)
	}
	if snap != nil {
		if err := agg.RestoreSnapshot(*snap); err != nil {
			return nil, err
		}
	}

	stored, err := r.store.GetEvents(ctx, id, agg.Version()+1, 0)
	if err != nil {
		return nil, fmt.Errorf("load aggregate %q: %w", id, err)
	}

	history := make([]Event, 0, len(stored))
	for _, se := range stored {
		ev, err := r.serializer.DecodeStored(se)
		if err != nil {
			return nil, fmt.Errorf("load aggregate %q at version %d: %w", id, se.StreamVersion, err)
		}
		history = append(history, ev)
	}
	agg.LoadFromHistory(history...)
	return agg, nil
}

// Save publishes the uncommitted events of agg, expecting the stream to be
// at the version the aggregate was loaded at.
func (r *Repository[S]) Save(ctx context.Context, agg *AggregateRoot[S]) error {
	evs := agg.UncommittedEvents()
	if len(evs) == 0 {
		return nil
	}

	var expected StreamState = Revision(agg.Version() - uint64(len(evs)))
	if expected == Revision(0) {
		expected = NoStream{}
	}
	opts := []AppendOption{WithStreamID(agg.ID()), WithExpectedRevision(expected)}

	if r.bus != nil {
		if err := r.bus.PublishBatch(ctx, evs, opts...); err != nil {
			return fmt.Errorf("save aggregate %q: %w", agg.ID(), err)
		}
	} else if _, err := r.store.AppendBatch(ctx, evs, opts...); err != nil {
		return fmt.Errorf("save aggregate %q: %w", agg.ID(), err)
	}

	agg.MarkEventsAsCommitted()
	return nil
}

// SaveSnapshot stores a checkpoint of agg.
func (r *Repository[S]) SaveSnapshot(ctx context.Context, agg *AggregateRoot[S]) error {
	snap, err := agg.Snapshot()
	if err != nil {
		return err
	}
	return r.store.SaveSnapshot(ctx, snap)
}
