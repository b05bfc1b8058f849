package eventcore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventStore defines the contract for the append-only audit and replay log.
//
// Implementations must guarantee:
//   - Events of one stream are stored in order with versions 1, 2, 3...
//   - Every event gets a store-wide increasing GlobalPosition.
//   - An expected revision passed with WithExpectedRevision is enforced
//     with CheckRevision before anything is written.
//   - Read methods return events oldest first.
type EventStore interface {
	// Append records a single event.
	//
	// The stream is chosen by ResolveStreamID: the WithStreamID option, else
	// the event's aggregate id, else its topic.
	//
	// Errors:
	//   - *StreamRevisionConflictError if the expected revision does not match.
	//   - ErrStreamExists / ErrStreamNotFound for NoStream / StreamExists.
	//   - *EventStoreError for backend failures.
	Append(ctx context.Context, ev Event, opts ...AppendOption) (AppendResult, error)

	// AppendBatch records events atomically. Each event is keyed on its own
	// stream; the expected revision applies to the stream of the first event.
	AppendBatch(ctx context.Context, evs []Event, opts ...AppendOption) (AppendResult, error)

	// GetEvents returns the events of a stream with from <= version <= to.
	// A zero bound is unbounded on that side.
	GetEvents(ctx context.Context, streamID string, from, to uint64) ([]StoredEvent, error)

	// GetEventsByType is a paginated lookup over all streams.
	GetEventsByType(ctx context.Context, eventType string, limit, offset int) ([]StoredEvent, error)

	// GetEventsByCorrelationID returns every event of one causal chain in
	// global order.
	GetEventsByCorrelationID(ctx context.Context, correlationID string) ([]StoredEvent, error)

	// GetLastEventVersion returns the version of the newest event in the
	// stream, or 0 if the stream does not exist.
	GetLastEventVersion(ctx context.Context, streamID string) (uint64, error)

	SaveSnapshot(ctx context.Context, snapshot Snapshot) error

	// GetSnapshot returns nil and no error when there is no snapshot.
	GetSnapshot(ctx context.Context, aggregateID string) (*Snapshot, error)

	// DeleteStream irreversibly purges a stream and its snapshot.
	DeleteStream(ctx context.Context, streamID string) error

	// Close releases resources. It is idempotent.
	Close() error
}

// StoredEvent is an event as recorded by an EventStore.
type StoredEvent struct {
	StreamID       string          `json:"streamId"`
	StreamVersion  uint64          `json:"streamVersion"`
	GlobalPosition uint64          `json:"globalPosition"`
	EventID        uuid.UUID       `json:"eventId"`
	EventType      string          `json:"eventType"`
	Topic          string          `json:"topic"`
	Priority       Priority        `json:"priority"`
	Metadata       Metadata        `json:"metadata"`
	Data           json.RawMessage `json:"data"`
	RecordedAt     time.Time       `json:"recordedAt"`
}

// AppendResult describes the outcome of an append operation.
type AppendResult struct {
	StreamID            string
	NextExpectedVersion uint64
	GlobalPosition      uint64
}

// AppendConfig is the resolved form of a set of AppendOptions.
type AppendConfig struct {
	StreamID string
	Revision StreamState
}

// AppendOption configures an append.
type AppendOption func(*AppendConfig)

// WithStreamID appends to an explicit stream.
func WithStreamID(id string) AppendOption {
	return func(c *AppendConfig) { c.StreamID = id }
}

// WithExpectedRevision enables the optimistic concurrency check.
func WithExpectedRevision(rev StreamState) AppendOption {
	return func(c *AppendConfig) { c.Revision = rev }
}

// ApplyAppendOptions resolves opts for a store implementation.
func ApplyAppendOptions(opts ...AppendOption) AppendConfig {
	c := AppendConfig{Revision: Any{}}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// ResolveStreamID picks the stream an event is appended to.
func ResolveStreamID(ev Event, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if id, ok := AggregateIDOf(ev); ok {
		return id
	}
	return TopicOf(ev)
}

// NewStoredEvent builds the record for ev at the given stream version.
// Position and recording time are left to the store.
func NewStoredEvent(streamID string, version uint64, ev Event) (StoredEvent, error) {
	Stamp(ev)
	data, err := MarshalPayload(ev)
	if err != nil {
		return StoredEvent{}, &SerializationError{Op: "store", Type: ev.EventType(), Err: err}
	}
	md := MetadataOf(ev)
	if md.EventID == uuid.Nil {
		md = Metadata{EventID: newEventID(), Timestamp: now(), Version: 1}
	}
	return StoredEvent{
		StreamID:      streamID,
		StreamVersion: version,
		EventID:       md.EventID,
		EventType:     ev.EventType(),
		Topic:         TopicOf(ev),
		Priority:      PriorityOf(ev),
		Metadata:      md,
		Data:          data,
	}, nil
}

// Snapshot is a checkpoint of aggregate state. Replay resumes at Version+1.
type Snapshot struct {
	AggregateID string    `json:"aggregateId"`
	Version     uint64    `json:"version"`
	Data        []byte    `json:"data"`
	Timestamp   time.Time `json:"timestamp"`
}
