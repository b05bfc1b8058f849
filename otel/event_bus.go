package otel

import (
	"context"
	"fmt"

	"github.com/terraskye/eventcore"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	_ eventcore.EventBus        = (*TelemetryEventBus)(nil)
	_ eventcore.MetricsProvider = (*TelemetryEventBus)(nil)
)

// TelemetryEventBus wraps an EventBus with OpenTelemetry tracing and metrics.
//
// Publish calls get a producer span. Every subscribed handler is wrapped so
// each delivery yields an outer consumer span for the subscription and an
// inner span for the handler itself.
type TelemetryEventBus struct {
	next eventcore.EventBus
	cfg  *config
}

// WithEventBusTelemetry wraps an EventBus with OpenTelemetry tracing and metrics.
//
// Parameters:
//   - next: The underlying EventBus to be wrapped.
//   - options: Optional configuration for customizing telemetry behavior:
//   - WithAttributes: adds static attributes to all spans.
//   - WithAttributeGetter: adds dynamic attributes from context.
//   - WithOperation: prefixes span names.
//
// Returns:
//   - A TelemetryEventBus that implements the EventBus interface with telemetry.
//
// Example Usage:
//
//	bus := otel.WithEventBusTelemetry(eventBus,
//	    otel.WithAttributes(attribute.String("service", "auth")),
//	)
//	id, err := bus.Subscribe(ctx, "auth", auditHandler)
func WithEventBusTelemetry(next eventcore.EventBus, options ...Option) *TelemetryEventBus {
	return &TelemetryEventBus{next: next, cfg: newConfig(options...)}
}

func (t *TelemetryEventBus) Start(ctx context.Context) error {
	return t.next.Start(ctx)
}

func (t *TelemetryEventBus) Stop(ctx context.Context) error {
	return t.next.Stop(ctx)
}

func (t *TelemetryEventBus) IsStarted() bool {
	return t.next.IsStarted()
}

func (t *TelemetryEventBus) Publish(ctx context.Context, ev eventcore.Event, opts ...eventcore.AppendOption) error {
	eventcore.Stamp(ev)
	md := eventcore.MetadataOf(ev)

	ctx, span := tracer.Start(ctx, t.cfg.spanName(fmt.Sprintf("events.publish %s", ev.EventType())),
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(t.cfg.attributes(ctx,
			AttrEventType.String(ev.EventType()),
			AttrEventID.String(md.EventID.String()),
			AttrCorrelationID.String(md.CorrelationID),
			AttrTopic.String(eventcore.TopicOf(ev)),
			AttrPriority.String(eventcore.PriorityOf(ev).String()),
		)...),
	)
	defer span.End()

	if err := t.next.Publish(ctx, ev, opts...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

func (t *TelemetryEventBus) PublishBatch(ctx context.Context, evs []eventcore.Event, opts ...eventcore.AppendOption) error {
	ctx, span := tracer.Start(ctx, t.cfg.spanName("events.publish_batch"),
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(t.cfg.attributes(ctx, AttrEventCount.Int(len(evs)))...),
	)
	defer span.End()

	if err := t.next.PublishBatch(ctx, evs, opts...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// Subscribe registers handler wrapped with telemetry instrumentation.
//
// The outer span is a consumer span named "subscription.receive {name}"; the
// inner span comes from WithHandlerTelemetry.
func (t *TelemetryEventBus) Subscribe(ctx context.Context, name string, next eventcore.EventHandler, opts ...eventcore.SubscribeOption) (eventcore.HandlerID, error) {
	inner := WithHandlerTelemetry(next, WithAttributes(t.cfg.Attributes...))

	return t.next.Subscribe(ctx, name, eventcore.NewEventHandlerFunc(func(ctx context.Context, event eventcore.Event) error {
		ctx, span := tracer.Start(ctx, t.cfg.spanName(fmt.Sprintf("subscription.receive %s", name)),
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(t.cfg.attributes(ctx,
				AttrEventType.String(event.EventType()),
				AttrEventID.String(eventcore.EventIDFromContext(ctx).String()),
				AttrSubscriberName.String(name),
			)...),
		)
		defer span.End()

		err := inner.Handle(ctx, event)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		span.SetStatus(codes.Ok, "")
		return nil
	}), opts...)
}

func (t *TelemetryEventBus) Unsubscribe(ctx context.Context, name string, ids ...eventcore.HandlerID) error {
	return t.next.Unsubscribe(ctx, name, ids...)
}

// Errors returns the error channel from the underlying event bus.
func (t *TelemetryEventBus) Errors() <-chan error {
	return t.next.Errors()
}

// Metrics forwards to the wrapped bus when it exposes broker metrics.
func (t *TelemetryEventBus) Metrics() eventcore.BrokerMetrics {
	if p, ok := t.next.(eventcore.MetricsProvider); ok {
		return p.Metrics()
	}
	return eventcore.BrokerMetrics{}
}
