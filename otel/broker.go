package otel

import (
	"context"
	"fmt"

	"github.com/terraskye/eventcore"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	_ eventcore.MessageBroker   = (*TelemetryBroker)(nil)
	_ eventcore.MetricsProvider = (*TelemetryBroker)(nil)
)

// TelemetryBroker wraps a MessageBroker with producer spans on publish and
// consumer spans on delivery.
type TelemetryBroker struct {
	next eventcore.MessageBroker
	cfg  *config
}

// WithBrokerTelemetry wraps next with tracing and metrics.
//
// Example Usage:
//
//	broker := otel.WithBrokerTelemetry(kafka.NewBroker(cfg), otel.WithOperation("remote"))
func WithBrokerTelemetry(next eventcore.MessageBroker, options ...Option) *TelemetryBroker {
	return &TelemetryBroker{next: next, cfg: newConfig(options...)}
}

func (t *TelemetryBroker) Connect(ctx context.Context) error {
	return t.next.Connect(ctx)
}

func (t *TelemetryBroker) Disconnect(ctx context.Context) error {
	return t.next.Disconnect(ctx)
}

func (t *TelemetryBroker) IsConnected() bool {
	return t.next.IsConnected()
}

func (t *TelemetryBroker) Metrics() eventcore.BrokerMetrics {
	return t.next.Metrics()
}

func (t *TelemetryBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	ctx, span := tracer.Start(ctx, t.cfg.spanName(fmt.Sprintf("publish %s", topic)),
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(t.cfg.attributes(ctx,
			AttrTopic.String(topic),
			AttrPayloadSize.Int(len(payload)),
		)...),
	)
	defer span.End()

	topicAttr := metric.WithAttributes(AttrTopic.String(topic))
	BrokerPayloadSize.Record(ctx, int64(len(payload)), topicAttr)

	if err := t.next.Publish(ctx, topic, payload); err != nil {
		BrokerErrors.Add(ctx, 1, topicAttr)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	BrokerPublished.Add(ctx, 1, topicAttr)
	span.SetStatus(codes.Ok, "")
	return nil
}

func (t *TelemetryBroker) PublishBatch(ctx context.Context, messages []eventcore.Message) error {
	ctx, span := tracer.Start(ctx, t.cfg.spanName("publish batch"),
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(t.cfg.attributes(ctx, AttrEventCount.Int(len(messages)))...),
	)
	defer span.End()

	if err := t.next.PublishBatch(ctx, messages); err != nil {
		BrokerErrors.Add(ctx, 1)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	BrokerPublished.Add(ctx, int64(len(messages)))
	span.SetStatus(codes.Ok, "")
	return nil
}

// Subscribe wraps handler in a consumer span named "receive {topic}".
func (t *TelemetryBroker) Subscribe(ctx context.Context, topic string, handler eventcore.MessageHandler) error {
	return t.next.Subscribe(ctx, topic, func(ctx context.Context, payload []byte) error {
		ctx, span := tracer.Start(ctx, t.cfg.spanName(fmt.Sprintf("receive %s", topic)),
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(t.cfg.attributes(ctx,
				AttrTopic.String(topic),
				AttrPayloadSize.Int(len(payload)),
			)...),
		)
		defer span.End()

		topicAttr := metric.WithAttributes(AttrTopic.String(topic))
		BrokerReceived.Add(ctx, 1, topicAttr)

		if err := handler(ctx, payload); err != nil {
			BrokerErrors.Add(ctx, 1, topicAttr)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		span.SetStatus(codes.Ok, "")
		return nil
	})
}

func (t *TelemetryBroker) Unsubscribe(ctx context.Context, topic string) error {
	return t.next.Unsubscribe(ctx, topic)
}
