package otel

import (
	"github.com/terraskye/eventcore"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/terraskye/eventcore"
)

// Semantic attribute keys following OpenTelemetry conventions
const (
	// Stream attributes
	AttrStreamID      = attribute.Key("eventcore.stream.id")
	AttrStreamVersion = attribute.Key("eventcore.stream.version")
	AttrRevision      = attribute.Key("eventcore.stream.expected_revision")

	// Event attributes
	AttrEventType      = attribute.Key("eventcore.event.type")
	AttrEventID        = attribute.Key("eventcore.event.id")
	AttrEventCount     = attribute.Key("eventcore.events.count")
	AttrEventGlobalPos = attribute.Key("eventcore.event.global_position")
	AttrCorrelationID  = attribute.Key("eventcore.event.correlation_id")
	AttrPriority       = attribute.Key("eventcore.event.priority")

	// Messaging attributes
	AttrTopic       = attribute.Key("eventcore.topic")
	AttrRoute       = attribute.Key("eventcore.route")
	AttrPayloadSize = attribute.Key("eventcore.payload.size")

	// EventBus attributes
	AttrSubscriberName = attribute.Key("eventcore.subscriber.name")
	AttrHandlerID      = attribute.Key("eventcore.handler.id")

	// Error attributes
	AttrErrorType  = attribute.Key("eventcore.error.type")
	AttrRetryCount = attribute.Key("eventcore.retry.count")

	// Operation attributes
	AttrOperation = attribute.Key("eventcore.operation")
)

var (
	meter  = otel.Meter(instrumentationName, metric.WithInstrumentationVersion(eventcore.InstrumentationVersion))
	tracer = otel.Tracer(instrumentationName, trace.WithInstrumentationVersion(eventcore.InstrumentationVersion))

	// Broker metrics
	BrokerPublished, _ = meter.Int64Counter(
		"eventcore.broker.published",
		metric.WithDescription("Number of messages handed to a broker"),
		metric.WithUnit("{message}"),
	)

	BrokerReceived, _ = meter.Int64Counter(
		"eventcore.broker.received",
		metric.WithDescription("Number of messages delivered by a broker"),
		metric.WithUnit("{message}"),
	)

	BrokerErrors, _ = meter.Int64Counter(
		"eventcore.broker.errors",
		metric.WithDescription("Number of broker publish or delivery errors"),
		metric.WithUnit("{error}"),
	)

	BrokerPayloadSize, _ = meter.Int64Histogram(
		"eventcore.broker.payload_size",
		metric.WithDescription("Size of published payloads"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(128, 512, 1024, 4096, 16384, 65536, 262144),
	)

	// EventBus metrics
	EventBusPublished, _ = meter.Int64Counter(
		"eventcore.eventbus.published",
		metric.WithDescription("Number of events published to event bus"),
		metric.WithUnit("{event}"),
	)

	EventBusHandled, _ = meter.Int64Counter(
		"eventcore.eventbus.handled",
		metric.WithDescription("Number of events handled by subscribers"),
		metric.WithUnit("{event}"),
	)

	EventBusErrors, _ = meter.Int64Counter(
		"eventcore.eventbus.errors",
		metric.WithDescription("Number of event bus handler errors"),
		metric.WithUnit("{error}"),
	)

	EventBusSubscribers, _ = meter.Int64UpDownCounter(
		"eventcore.eventbus.subscribers",
		metric.WithDescription("Number of active event bus subscribers"),
		metric.WithUnit("{subscriber}"),
	)

	EventBusInFlight, _ = meter.Int64UpDownCounter(
		"eventcore.eventbus.in_flight",
		metric.WithDescription("Number of handler invocations currently running"),
		metric.WithUnit("{event}"),
	)

	EventBusDuration, _ = meter.Float64Histogram(
		"eventcore.eventbus.duration",
		metric.WithDescription("Event bus handler duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000),
	)

	// EventStore metrics
	EventsAppended, _ = meter.Int64Counter(
		"eventcore.events.appended",
		metric.WithDescription("Number of events appended to streams"),
		metric.WithUnit("{event}"),
	)

	EventsLoaded, _ = meter.Int64Counter(
		"eventcore.events.loaded",
		metric.WithDescription("Number of events loaded from streams"),
		metric.WithUnit("{event}"),
	)

	EventStoreDuration, _ = meter.Float64Histogram(
		"eventcore.eventstore.duration",
		metric.WithDescription("Event store operation duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000),
	)

	EventStoreErrors, _ = meter.Int64Counter(
		"eventcore.eventstore.errors",
		metric.WithDescription("Number of event store errors"),
		metric.WithUnit("{error}"),
	)

	ConcurrencyConflicts, _ = meter.Int64Counter(
		"eventcore.concurrency.conflicts",
		metric.WithDescription("Number of concurrency conflicts"),
		metric.WithUnit("{conflict}"),
	)

	StreamVersionGauge, _ = meter.Int64Gauge(
		"eventcore.stream.version",
		metric.WithDescription("Current version of streams"),
		metric.WithUnit("{version}"),
	)
)
