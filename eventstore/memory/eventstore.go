package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/terraskye/eventcore"
)

var _ eventcore.EventStore = (*MemoryStore)(nil)

var (
	now       = func() time.Time { return time.Now().UTC() }
	errClosed = errors.New("memory store closed")
)

// MemoryStore keeps the whole log in process memory. Secondary indexes hold
// positions into the global log.
type MemoryStore struct {
	mu            sync.RWMutex
	global        []*eventcore.StoredEvent
	streams       map[string][]*eventcore.StoredEvent
	byType        map[string][]*eventcore.StoredEvent
	byCorrelation map[string][]*eventcore.StoredEvent
	snapshots     map[string]eventcore.Snapshot
	deleted       map[uint64]bool
	closed        bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams:       make(map[string][]*eventcore.StoredEvent),
		byType:        make(map[string][]*eventcore.StoredEvent),
		byCorrelation: make(map[string][]*eventcore.StoredEvent),
		snapshots:     make(map[string]eventcore.Snapshot),
		deleted:       make(map[uint64]bool),
	}
}

func (m *MemoryStore) Append(ctx context.Context, ev eventcore.Event, opts ...eventcore.AppendOption) (eventcore.AppendResult, error) {
	return m.AppendBatch(ctx, []eventcore.Event{ev}, opts...)
}

func (m *MemoryStore) AppendBatch(ctx context.Context, evs []eventcore.Event, opts ...eventcore.AppendOption) (eventcore.AppendResult, error) {
	if err := ctx.Err(); err != nil {
		return eventcore.AppendResult{}, err
	}
	if len(evs) == 0 {
		return eventcore.AppendResult{}, nil
	}
	cfg := eventcore.ApplyAppendOptions(opts...)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return eventcore.AppendResult{}, fmt.Errorf("append: %w", errClosed)
	}

	first := eventcore.ResolveStreamID(evs[0], cfg.StreamID)
	if err := eventcore.CheckRevision(first, uint64(len(m.streams[first])), cfg.Revision); err != nil {
		return eventcore.AppendResult{}, err
	}

	// Build every record before touching the log so a bad event leaves the
	// store unchanged.
	versions := make(map[string]uint64)
	records := make([]*eventcore.StoredEvent, 0, len(evs))
	for _, ev := range evs {
		stream := eventcore.ResolveStreamID(ev, cfg.StreamID)
		if _, ok := versions[stream]; !ok {
			versions[stream] = uint64(len(m.streams[stream]))
		}
		versions[stream]++

		se, err := eventcore.NewStoredEvent(stream, versions[stream], ev)
		if err != nil {
			return eventcore.AppendResult{}, err
		}
		records = append(records, &se)
	}

	var last *eventcore.StoredEvent
	for _, se := range records {
		se.GlobalPosition = uint64(len(m.global)) + 1
		se.RecordedAt = now()

		m.global = append(m.global, se)
		m.streams[se.StreamID] = append(m.streams[se.StreamID], se)
		m.byType[se.EventType] = append(m.byType[se.EventType], se)
		if cid := se.Metadata.CorrelationID; cid != "" {
			m.byCorrelation[cid] = append(m.byCorrelation[cid], se)
		}
		last = se
	}

	return eventcore.AppendResult{
		StreamID:            first,
		NextExpectedVersion: versions[first],
		GlobalPosition:      last.GlobalPosition,
	}, nil
}

func (m *MemoryStore) GetEvents(ctx context.Context, streamID string, from, to uint64) ([]eventcore.StoredEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []eventcore.StoredEvent
	for _, se := range m.streams[streamID] {
		if from != 0 && se.StreamVersion < from {
			continue
		}
		if to != 0 && se.StreamVersion > to {
			break
		}
		out = append(out, *se)
	}
	return out, nil
}

func (m *MemoryStore) GetEventsByType(ctx context.Context, eventType string, limit, offset int) ([]eventcore.StoredEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return page(m.live(m.byType[eventType]), limit, offset), nil
}

func (m *MemoryStore) GetEventsByCorrelationID(ctx context.Context, correlationID string) ([]eventcore.StoredEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.live(m.byCorrelation[correlationID]), nil
}

func (m *MemoryStore) GetLastEventVersion(ctx context.Context, streamID string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return uint64(len(m.streams[streamID])), nil
}

func (m *MemoryStore) SaveSnapshot(ctx context.Context, snapshot eventcore.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data := make([]byte, len(snapshot.Data))
	copy(data, snapshot.Data)
	snapshot.Data = data
	m.snapshots[snapshot.AggregateID] = snapshot
	return nil
}

func (m *MemoryStore) GetSnapshot(ctx context.Context, aggregateID string) (*eventcore.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap, ok := m.snapshots[aggregateID]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

// DeleteStream removes the stream and its snapshot. Secondary indexes skip
// the purged positions from then on.
func (m *MemoryStore) DeleteStream(ctx context.Context, streamID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	events, ok := m.streams[streamID]
	if !ok {
		return fmt.Errorf("delete stream %q: %w", streamID, eventcore.ErrStreamNotFound)
	}
	for _, se := range events {
		m.deleted[se.GlobalPosition] = true
	}
	delete(m.streams, streamID)
	delete(m.snapshots, streamID)
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MemoryStore) live(events []*eventcore.StoredEvent) []eventcore.StoredEvent {
	out := make([]eventcore.StoredEvent, 0, len(events))
	for _, se := range events {
		if m.deleted[se.GlobalPosition] {
			continue
		}
		out = append(out, *se)
	}
	return out
}

func page(events []eventcore.StoredEvent, limit, offset int) []eventcore.StoredEvent {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(events) {
		return []eventcore.StoredEvent{}
	}
	events = events[offset:]
	if limit > 0 && limit < len(events) {
		events = events[:limit]
	}
	return events
}
