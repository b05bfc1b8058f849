package fixtures

import (
	"context"
	"sync"

	es "github.com/terraskye/eventcore"
	"github.com/terraskye/eventcore/eventstore/memory"
)

var _ es.EventStore = (*StoreSpy)(nil)

// StoreSpy is an EventStore that records append calls and delegates to a
// real store. Failures can be injected per operation.
type StoreSpy struct {
	mu sync.Mutex

	next es.EventStore

	// Call tracking
	AppendCalls      int
	AppendBatchCalls int
	CloseCalls       int

	// Appended holds every event passed to Append or AppendBatch, in order.
	Appended []es.Event

	// Captured arguments from last call
	LastAppendConfig es.AppendConfig

	// Error injection
	appendErr error
}

// NewStoreSpy creates a StoreSpy backed by an in-memory store.
func NewStoreSpy() *StoreSpy {
	return &StoreSpy{next: memory.NewMemoryStore()}
}

// Wrapping creates a StoreSpy that delegates to next.
func Wrapping(next es.EventStore) *StoreSpy {
	return &StoreSpy{next: next}
}

// FailOnAppend configures the store to return an error on appends.
func (s *StoreSpy) FailOnAppend(err error) *StoreSpy {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendErr = err
	return s
}

func (s *StoreSpy) Append(ctx context.Context, ev es.Event, opts ...es.AppendOption) (es.AppendResult, error) {
	s.mu.Lock()
	s.AppendCalls++
	s.Appended = append(s.Appended, ev)
	s.LastAppendConfig = es.ApplyAppendOptions(opts...)
	err := s.appendErr
	s.mu.Unlock()

	if err != nil {
		return es.AppendResult{}, err
	}
	return s.next.Append(ctx, ev, opts...)
}

func (s *StoreSpy) AppendBatch(ctx context.Context, evs []es.Event, opts ...es.AppendOption) (es.AppendResult, error) {
	s.mu.Lock()
	s.AppendBatchCalls++
	s.Appended = append(s.Appended, evs...)
	s.LastAppendConfig = es.ApplyAppendOptions(opts...)
	err := s.appendErr
	s.mu.Unlock()

	if err != nil {
		return es.AppendResult{}, err
	}
	return s.next.AppendBatch(ctx, evs, opts...)
}

func (s *StoreSpy) GetEvents(ctx context.Context, streamID string, from, to uint64) ([]es.StoredEvent, error) {
	return s.next.GetEvents(ctx, streamID, from, to)
}

func (s *StoreSpy) GetEventsByType(ctx context.Context, eventType string, limit, offset int) ([]es.StoredEvent, error) {
	return s.next.GetEventsByType(ctx, eventType, limit, offset)
}

func (s *StoreSpy) GetEventsByCorrelationID(ctx context.Context, correlationID string) ([]es.StoredEvent, error) {
	return s.next.GetEventsByCorrelationID(ctx, correlationID)
}

func (s *StoreSpy) GetLastEventVersion(ctx context.Context, streamID string) (uint64, error) {
	return s.next.GetLastEventVersion(ctx, streamID)
}

func (s *StoreSpy) SaveSnapshot(ctx context.Context, snapshot es.Snapshot) error {
	return s.next.SaveSnapshot(ctx, snapshot)
}

func (s *StoreSpy) GetSnapshot(ctx context.Context, aggregateID string) (*es.Snapshot, error) {
	return s.next.GetSnapshot(ctx, aggregateID)
}

func (s *StoreSpy) DeleteStream(ctx context.Context, streamID string) error {
	return s.next.DeleteStream(ctx, streamID)
}

func (s *StoreSpy) Close() error {
	s.mu.Lock()
	s.CloseCalls++
	s.mu.Unlock()
	return s.next.Close()
}

// AppendedEvents returns a copy of the recorded events.
func (s *StoreSpy) AppendedEvents() []es.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]es.Event, len(s.Appended))
	copy(out, s.Appended)
	return out
}

// Reset clears all call counts and recorded events.
func (s *StoreSpy) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.AppendCalls = 0
	s.AppendBatchCalls = 0
	s.CloseCalls = 0
	s.Appended = nil
	s.appendErr = nil
}
