package eventcore

import (
	"time"

	"github.com/google/uuid"
)

var now = func() time.Time { return time.Now().UTC() }

// Event is anything that can travel over the bus. EventType is the
// discriminant used for registry lookups, routing overrides and storage.
type Event interface {
	EventType() string
}

// AggregateEvent is implemented by events that belong to an aggregate stream.
type AggregateEvent interface {
	Event
	AggregateID() string
}

// DomainEvent is an Event that carries envelope metadata, a topic and a
// priority. Concrete events get this by embedding Base and being used as
// pointers:
//
//	type UserLoggedIn struct {
//	    eventcore.Base
//	    DeviceID string `json:"deviceId"`
//	}
//
//	func (*UserLoggedIn) EventType() string { return "UserLoggedIn" }
type DomainEvent interface {
	Event
	Metadata() Metadata
	base() *Base
}

// TopicDefaulter is implemented by event types with a type-level topic.
type TopicDefaulter interface {
	DefaultTopic() string
}

// PriorityDefaulter is implemented by event types with a type-level priority.
type PriorityDefaulter interface {
	DefaultPriority() Priority
}

// Metadata is the canonical envelope carried alongside every payload.
type Metadata struct {
	EventID       uuid.UUID `json:"eventId"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlationId,omitempty"`
	CausationID   string    `json:"causationId,omitempty"`
	UserID        string    `json:"userId,omitempty"`
	Version       int       `json:"version"`
}

// Base holds the envelope fields of a DomainEvent. All fields are unexported
// so that encoding the embedding struct yields only its payload.
type Base struct {
	id            uuid.UUID
	timestamp     time.Time
	correlationID string
	causationID   string
	userID        string
	version       int
	topic         string
	priority      Priority
}

// EventOption configures a Base at construction time.
type EventOption func(*Base)

// NewBase returns a Base with a fresh v7 event id, the current time and
// schema version 1, then applies opts.
func NewBase(opts ...EventOption) Base {
	b := Base{
		id:        newEventID(),
		timestamp: now(),
		version:   1,
	}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

func newEventID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}

func WithEventID(id uuid.UUID) EventOption {
	return func(b *Base) { b.id = id }
}

func WithTimestamp(t time.Time) EventOption {
	return func(b *Base) { b.timestamp = t.UTC() }
}

func WithCorrelationID(id string) EventOption {
	return func(b *Base) { b.correlationID = id }
}

func WithCausationID(id string) EventOption {
	return func(b *Base) { b.causationID = id }
}

func WithUserID(id string) EventOption {
	return func(b *Base) { b.userID = id }
}

// WithVersion sets the schema version of the event payload.
func WithVersion(v int) EventOption {
	return func(b *Base) { b.version = v }
}

// WithTopic overrides the topic the event is published on.
func WithTopic(topic string) EventOption {
	return func(b *Base) { b.topic = topic }
}

func WithPriority(p Priority) EventOption {
	return func(b *Base) { b.priority = p }
}

// WithCausedBy links the new event into the causal chain of parent. The
// correlation id is inherited, or started from the parent's id.
func WithCausedBy(parent DomainEvent) EventOption {
	return func(b *Base) {
		md := parent.Metadata()
		b.causationID = md.EventID.String()
		b.correlationID = md.CorrelationID
		if b.correlationID == "" {
			b.correlationID = md.EventID.String()
		}
		if b.userID == "" {
			b.userID = md.UserID
		}
	}
}

// Metadata returns the envelope metadata of the event.
func (b *Base) Metadata() Metadata {
	return Metadata{
		EventID:       b.id,
		Timestamp:     b.timestamp,
		CorrelationID: b.correlationID,
		CausationID:   b.causationID,
		UserID:        b.userID,
		Version:       b.version,
	}
}

func (b *Base) base() *Base { return b }

// stamp fills in the id and timestamp of a Base that was not built with
// NewBase. Values already present are never replaced.
func (b *Base) stamp() {
	if b.id == uuid.Nil {
		b.id = newEventID()
	}
	if b.timestamp.IsZero() {
		b.timestamp = now()
	}
	if b.version == 0 {
		b.version = 1
	}
}

func (b *Base) restore(md Metadata) {
	b.id = md.EventID
	b.timestamp = md.Timestamp
	b.correlationID = md.CorrelationID
	b.causationID = md.CausationID
	b.userID = md.UserID
	b.version = md.Version
}

// Stamp assigns an event id and timestamp to a domain event that lacks them.
func Stamp(ev Event) {
	if de, ok := ev.(DomainEvent); ok {
		de.base().stamp()
	}
}

// TopicOf resolves the routing key of ev: the explicit topic set with
// WithTopic, else the type-level DefaultTopic, else EventType.
func TopicOf(ev Event) string {
	if de, ok := ev.(DomainEvent); ok && de.base().topic != "" {
		return de.base().topic
	}
	if d, ok := ev.(TopicDefaulter); ok {
		if t := d.DefaultTopic(); t != "" {
			return t
		}
	}
	return ev.EventType()
}

// PriorityOf resolves the priority of ev, defaulting to PriorityNormal.
func PriorityOf(ev Event) Priority {
	if de, ok := ev.(DomainEvent); ok && de.base().priority != 0 {
		return de.base().priority
	}
	if d, ok := ev.(PriorityDefaulter); ok {
		if p := d.DefaultPriority(); p != 0 {
			return p
		}
	}
	return PriorityNormal
}

// MetadataOf returns the metadata of a domain event, or the zero value.
func MetadataOf(ev Event) Metadata {
	if de, ok := ev.(DomainEvent); ok {
		return de.Metadata()
	}
	return Metadata{}
}

// AggregateIDOf returns the aggregate id of ev, if it has one.
func AggregateIDOf(ev Event) (string, bool) {
	if ae, ok := ev.(AggregateEvent); ok && ae.AggregateID() != "" {
		return ae.AggregateID(), true
	}
	return "", false
}

// RawEvent is what the serializer returns for an unregistered type when
// the untyped fallback is enabled. Fields holds the payload merged with
// the metadata; the concrete behaviour of the original type is lost.
type RawEvent struct {
	Base
	Type   string
	Fields map[string]any
}

func (e *RawEvent) EventType() string { return e.Type }
