package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/terraskye/eventcore"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var _ eventcore.EventStore = (*TelemetryStore)(nil)

// TelemetryStore wraps an EventStore with a client span and duration metric
// per operation.
type TelemetryStore struct {
	next eventcore.EventStore
	cfg  *config
}

// WithEventStoreTelemetry wraps next with tracing and metrics.
func WithEventStoreTelemetry(next eventcore.EventStore, options ...Option) *TelemetryStore {
	return &TelemetryStore{next: next, cfg: newConfig(options...)}
}

func (t *TelemetryStore) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span, func(error)) {
	ctx, span := tracer.Start(ctx, t.cfg.spanName("EventStore."+op),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(t.cfg.attributes(ctx, append(attrs, AttrOperation.String(op))...)...),
	)
	started := time.Now()

	return ctx, span, func(err error) {
		opAttr := metric.WithAttributes(AttrOperation.String(op))
		EventStoreDuration.Record(ctx, float64(time.Since(started).Milliseconds()), opAttr)
		if err != nil {
			if errors.Is(err, eventcore.ErrConcurrencyConflict) {
				ConcurrencyConflicts.Add(ctx, 1)
			}
			EventStoreErrors.Add(ctx, 1, opAttr)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

func (t *TelemetryStore) Append(ctx context.Context, ev eventcore.Event, opts ...eventcore.AppendOption) (eventcore.AppendResult, error) {
	return t.AppendBatch(ctx, []eventcore.Event{ev}, opts...)
}

func (t *TelemetryStore) AppendBatch(ctx context.Context, evs []eventcore.Event, opts ...eventcore.AppendOption) (eventcore.AppendResult, error) {
	cfg := eventcore.ApplyAppendOptions(opts...)
	ctx, span, end := t.start(ctx, "Append",
		AttrEventCount.Int(len(evs)),
		AttrRevision.String(fmt.Sprintf("%T", cfg.Revision)),
	)

	result, err := t.next.AppendBatch(ctx, evs, opts...)
	if err == nil {
		span.SetAttributes(
			AttrStreamID.String(result.StreamID),
			AttrStreamVersion.Int64(int64(result.NextExpectedVersion)),
			AttrEventGlobalPos.Int64(int64(result.GlobalPosition)),
		)
		EventsAppended.Add(ctx, int64(len(evs)))
		StreamVersionGauge.Record(ctx, int64(result.NextExpectedVersion), metric.WithAttributes(AttrStreamID.String(result.StreamID)))
	}
	end(err)
	return result, err
}

func (t *TelemetryStore) GetEvents(ctx context.Context, streamID string, from, to uint64) ([]eventcore.StoredEvent, error) {
	ctx, span, end := t.start(ctx, "GetEvents", AttrStreamID.String(streamID))
	evs, err := t.next.GetEvents(ctx, streamID, from, to)
	t.loaded(ctx, span, len(evs))
	end(err)
	return evs, err
}

func (t *TelemetryStore) GetEventsByType(ctx context.Context, eventType string, limit, offset int) ([]eventcore.StoredEvent, error) {
	ctx, span, end := t.start(ctx, "GetEventsByType", AttrEventType.String(eventType))
	evs, err := t.next.GetEventsByType(ctx, eventType, limit, offset)
	t.loaded(ctx, span, len(evs))
	end(err)
	return evs, err
}

func (t *TelemetryStore) GetEventsByCorrelationID(ctx context.Context, correlationID string) ([]eventcore.StoredEvent, error) {
	ctx, span, end := t.start(ctx, "GetEventsByCorrelationID", AttrCorrelationID.String(correlationID))
	evs, err := t.next.GetEventsByCorrelationID(ctx, correlationID)
	t.loaded(ctx, span, len(evs))
	end(err)
	return evs, err
}

func (t *TelemetryStore) GetLastEventVersion(ctx context.Context, streamID string) (uint64, error) {
	ctx, _, end := t.start(ctx, "GetLastEventVersion", AttrStreamID.String(streamID))
	v, err := t.next.GetLastEventVersion(ctx, streamID)
	end(err)
	return v, err
}

func (t *TelemetryStore) SaveSnapshot(ctx context.Context, snapshot eventcore.Snapshot) error {
	ctx, _, end := t.start(ctx, "SaveSnapshot",
		AttrStreamID.String(snapshot.AggregateID),
		AttrStreamVersion.Int64(int64(snapshot.Version)),
	)
	err := t.next.SaveSnapshot(ctx, snapshot)
	end(err)
	return err
}

func (t *TelemetryStore) GetSnapshot(ctx context.Context, aggregateID string) (*eventcore.Snapshot, error) {
	ctx, _, end := t.start(ctx, "GetSnapshot", AttrStreamID.String(aggregateID))
	snap, err := t.next.GetSnapshot(ctx, aggregateID)
	end(err)
	return snap, err
}

func (t *TelemetryStore) DeleteStream(ctx context.Context, streamID string) error {
	ctx, _, end := t.start(ctx, "DeleteStream", AttrStreamID.String(streamID))
	err := t.next.DeleteStream(ctx, streamID)
	end(err)
	return err
}

// Close just forwards
func (t *TelemetryStore) Close() error {
	return t.next.Close()
}

func (t *TelemetryStore) loaded(ctx context.Context, span trace.Span, n int) {
	span.SetAttributes(AttrEventCount.Int(n))
	EventsLoaded.Add(ctx, int64(n))
}
