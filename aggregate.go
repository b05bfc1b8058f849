package eventcore

import "fmt"

// AggregateRoot is a consistency boundary whose state S is derived by
// folding events through an Evolver.
//
// Invariant: Version() equals the number of events applied through AddEvent
// and LoadFromHistory (plus the version of a restored snapshot).
type AggregateRoot[S any] struct {
	id          string
	version     uint64
	state       S
	evolve      Evolver[S]
	uncommitted []Event
}

// NewAggregateRoot creates an aggregate at version 0.
func NewAggregateRoot[S any](id string, initial S, evolve Evolver[S]) *AggregateRoot[S] {
	return &AggregateRoot[S]{
		id:     id,
		state:  initial,
		evolve: evolve,
	}
}

func (a *AggregateRoot[S]) ID() string { return a.id }

func (a *AggregateRoot[S]) Version() uint64 { return a.version }

func (a *AggregateRoot[S]) State() S { return a.state }

// AddEvent records ev as uncommitted, applies it and bumps the version.
func (a *AggregateRoot[S]) AddEvent(ev Event) {
	Stamp(ev)
	a.uncommitted = append(a.uncommitted, ev)
	a.state = a.evolve(a.state, ev)
	a.version++
}

// LoadFromHistory replays events without recording them as uncommitted.
func (a *AggregateRoot[S]) LoadFromHistory(evs ...Event) {
	for _, ev := range evs {
		a.state = a.evolve(a.state, ev)
		a.version++
	}
}

// UncommittedEvents returns the events added since the last commit.
func (a *AggregateRoot[S]) UncommittedEvents() []Event {
	out := make([]Event, len(a.uncommitted))
	copy(out, a.uncommitted)
	return out
}

// MarkEventsAsCommitted clears the uncommitted events.
func (a *AggregateRoot[S]) MarkEventsAsCommitted() {
	a.uncommitted = nil
}

// Snapshot captures the current state and version.
func (a *AggregateRoot[S]) Snapshot() (Snapshot, error) {
	data, err := codec.Marshal(a.state)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot aggregate %q: %w", a.id, err)
	}
	return Snapshot{
		AggregateID: a.id,
		Version:     a.version,
		Data:        data,
		Timestamp:   now(),
	}, nil
}

// RestoreSnapshot replaces state and version with those of snap.
func (a *AggregateRoot[S]) RestoreSnapshot(snap Snapshot) error {
	if snap.AggregateID != a.id {
		return fmt.Errorf("restore snapshot of %q into aggregate %q", snap.AggregateID, a.id)
	}
	var state S
	if err := codec.Unmarshal(snap.Data, &state); err != nil {
		return fmt.Errorf("restore snapshot of %q: %w", a.id, err)
	}
	a.state = state
	a.version = snap.Version
	return nil
}
