// Package journal is an event-sourced aggregate: a titled list of entries.
package journal

import (
	"errors"
	"fmt"

	es "github.com/terraskye/eventcore"
)

const TopicJournal = "journal"

var (
	ErrAlreadyCreated = errors.New("journal already created")
	ErrNotCreated     = errors.New("journal not created")
	ErrDuplicateEntry = errors.New("entry already exists")
	ErrEntryNotFound  = errors.New("entry not found")
	ErrEmptyTitle     = errors.New("journal title is required")
)

// Events returns a factory for each event type of this package.
func Events() []func() es.Event {
	return []func() es.Event{
		func() es.Event { return &JournalCreated{} },
		func() es.Event { return &EntryAdded{} },
		func() es.Event { return &EntryRemoved{} },
	}
}

type journalEvent struct {
	es.Base
	JournalID string `json:"journalId"`
}

func (e *journalEvent) AggregateID() string { return e.JournalID }
func (*journalEvent) DefaultTopic() string { return TopicJournal }

type JournalCreated struct {
	journalEvent
	Title string `json:"title"`
	Owner string `json:"owner"`
}

func (*JournalCreated) EventType() string { return "JournalCreated" }

type EntryAdded struct {
	journalEvent
	EntryID string `json:"entryId"`
	Text    string `json:"text"`
}

func (*EntryAdded) EventType() string { return "EntryAdded" }

type EntryRemoved struct {
	journalEvent
	EntryID string `json:"entryId"`
}

func (*EntryRemoved) EventType() string { return "EntryRemoved" }

// Entry is one line of a journal.
type Entry struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Journal is the aggregate state. It only changes through Evolve.
type Journal struct {
	Title   string  `json:"title"`
	Owner   string  `json:"owner"`
	Entries []Entry `json:"entries"`
}

func (j Journal) Created() bool { return j.Title != "" }

func (j Journal) entry(id string) int {
	for i, e := range j.Entries {
		if e.ID == id {
			return i
		}
	}
	return -1
}

// Evolve folds journal events into a Journal.
var Evolve = es.Evolve(
	es.On(func(j Journal, e *JournalCreated) Journal {
		j.Title, j.Owner = e.Title, e.Owner
		return j
	}),
	es.On(func(j Journal, e *EntryAdded) Journal {
		j.Entries = append(append([]Entry(nil), j.Entries...), Entry{ID: e.EntryID, Text: e.Text})
		return j
	}),
	es.On(func(j Journal, e *EntryRemoved) Journal {
		i := j.entry(e.EntryID)
		if i < 0 {
			return j
		}
		entries := make([]Entry, 0, len(j.Entries)-1)
		entries = append(entries, j.Entries[:i]...)
		j.Entries = append(entries, j.Entries[i+1:]...)
		return j
	}),
)

// Aggregate is a journal aggregate root.
type Aggregate = es.AggregateRoot[Journal]

// New returns an empty journal aggregate for id.
func New(id string) *Aggregate {
	return es.NewAggregateRoot(id, Journal{}, Evolve)
}

// NewRepository returns a repository for journals. bus may be nil.
func NewRepository(store es.EventStore, bus es.EventBus, serializer *es.Serializer) *es.Repository[Journal] {
	return es.NewRepository(store, bus, serializer, func() Journal { return Journal{} }, Evolve)
}

// Create starts the journal.
func Create(agg *Aggregate, title, owner string, opts ...es.EventOption) error {
	if agg.State().Created() {
		return fmt.Errorf("create %q: %w", agg.ID(), ErrAlreadyCreated)
	}
	if title == "" {
		return ErrEmptyTitle
	}
	agg.AddEvent(&JournalCreated{
		journalEvent: journalEvent{Base: es.NewBase(opts...), JournalID: agg.ID()},
		Title:        title,
		Owner:        owner,
	})
	return nil
}

func AddEntry(agg *Aggregate, entryID, text string, opts ...es.EventOption) error {
	state := agg.State()
	if !state.Created() {
		return fmt.Errorf("add entry to %q: %w", agg.ID(), ErrNotCreated)
	}
	if state.entry(entryID) >= 0 {
		return fmt.Errorf("add entry %q: %w", entryID, ErrDuplicateEntry)
	}
	agg.AddEvent(&EntryAdded{
		journalEvent: journalEvent{Base: es.NewBase(opts...), JournalID: agg.ID()},
		EntryID:      entryID,
		Text:         text,
	})
	return nil
}

func RemoveEntry(agg *Aggregate, entryID string, opts ...es.EventOption) error {
	if agg.State().entry(entryID) < 0 {
		return fmt.Errorf("remove entry %q: %w", entryID, ErrEntryNotFound)
	}
	agg.AddEvent(&EntryRemoved{
		journalEvent: journalEvent{Base: es.NewBase(opts...), JournalID: agg.ID()},
		EntryID:      entryID,
	})
	return nil
}
