package otel

import (
	"context"
	"errors"
	"time"

	"github.com/terraskye/eventcore"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// WithHandlerTelemetry wraps next in an internal span named
// "events.handle {eventType}" and records handler duration.
//
// A skipped event ends the span with status OK. Any other error is recorded
// on the span and counted in EventBusErrors.
func WithHandlerTelemetry(next eventcore.EventHandler, options ...Option) eventcore.EventHandler {
	cfg := newConfig(options...)

	return eventcore.NewEventHandlerFunc(func(ctx context.Context, event eventcore.Event) error {
		name, id := eventcore.HandlerFromContext(ctx)
		typeAttr := metric.WithAttributes(AttrEventType.String(event.EventType()))

		ctx, span := tracer.Start(ctx, cfg.spanName("events.handle "+event.EventType()),
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(cfg.attributes(ctx,
				AttrEventType.String(event.EventType()),
				AttrEventID.String(eventcore.EventIDFromContext(ctx).String()),
				AttrCorrelationID.String(eventcore.CorrelationIDFromContext(ctx)),
				AttrTopic.String(eventcore.TopicFromContext(ctx)),
				AttrSubscriberName.String(name),
				AttrHandlerID.String(string(id)),
			)...),
		)
		defer span.End()

		EventBusHandled.Add(ctx, 1, typeAttr)
		EventBusInFlight.Add(ctx, 1, typeAttr)
		defer EventBusInFlight.Add(ctx, -1, typeAttr)

		startTime := time.Now()
		err := next.Handle(ctx, event)
		EventBusDuration.Record(ctx, float64(time.Since(startTime).Milliseconds()), typeAttr)

		if err != nil {
			if errors.Is(err, eventcore.ErrSkippedEvent) {
				span.SetStatus(codes.Ok, "event skipped")
				return err
			}
			var exhausted *eventcore.RetryExhaustedError
			if errors.As(err, &exhausted) {
				span.SetAttributes(AttrRetryCount.Int(exhausted.Attempts))
			}
			EventBusErrors.Add(ctx, 1, typeAttr)
			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
			return err
		}
		span.SetStatus(codes.Ok, "")
		return nil
	})
}
