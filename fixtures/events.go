package fixtures

import (
	"fmt"

	es "github.com/terraskye/eventcore"
)

// TestEvent is a configurable domain event. Its EventType is taken from the
// Type field so one Go type can stand in for many event names.
type TestEvent struct {
	es.Base
	ID   string `json:"id"`
	Type string `json:"-"`
	Data string `json:"data,omitempty"`
}

func (e *TestEvent) AggregateID() string { return e.ID }
func (e *TestEvent) EventType() string {
	if e == nil || e.Type == "" {
		return "TestEvent"
	}
	return e.Type
}

// Factory returns a registry factory for TestEvents named typ.
func Factory(typ string) func() es.Event {
	return func() es.Event { return &TestEvent{Type: typ} }
}

// Registry returns a TypeRegistry knowing the given TestEvent names.
func Registry(types ...string) *es.TypeRegistry {
	reg := es.NewTypeRegistry()
	for _, typ := range types {
		if err := reg.RegisterName(typ, Factory(typ)); err != nil {
			panic(err)
		}
	}
	return reg
}

// PlainEvent is an Event without envelope metadata. The bus publishes it
// but never records it in the store.
type PlainEvent struct {
	Name string `json:"name"`
}

func (e *PlainEvent) EventType() string { return "PlainEvent" }

// TestEventBuilder provides a fluent API for constructing test events.
type TestEventBuilder struct {
	id   string
	typ  string
	data string
	opts []es.EventOption
}

// NewTestEvent creates a new TestEventBuilder with sensible defaults.
func NewTestEvent() *TestEventBuilder {
	return &TestEventBuilder{
		id:  "aggregate-1",
		typ: "TestEvent",
	}
}

// WithID sets the aggregate ID.
func (b *TestEventBuilder) WithID(id string) *TestEventBuilder {
	b.id = id
	return b
}

// WithType sets the event type.
func (b *TestEventBuilder) WithType(typ string) *TestEventBuilder {
	b.typ = typ
	return b
}

// WithData sets custom data on the event.
func (b *TestEventBuilder) WithData(data string) *TestEventBuilder {
	b.data = data
	return b
}

// With adds envelope options such as es.WithPriority or es.WithUserID.
func (b *TestEventBuilder) With(opts ...es.EventOption) *TestEventBuilder {
	b.opts = append(b.opts, opts...)
	return b
}

// Build constructs the TestEvent.
func (b *TestEventBuilder) Build() *TestEvent {
	return &TestEvent{
		Base: es.NewBase(b.opts...),
		ID:   b.id,
		Type: b.typ,
		Data: b.data,
	}
}

// BuildN creates n events with sequential data.
func (b *TestEventBuilder) BuildN(n int) []es.Event {
	events := make([]es.Event, n)
	for i := 0; i < n; i++ {
		events[i] = &TestEvent{
			Base: es.NewBase(b.opts...),
			ID:   b.id,
			Type: b.typ,
			Data: fmt.Sprintf("%s-%d", b.data, i+1),
		}
	}
	return events
}
