// Package eventcore is an event-driven messaging core: domain events and
// aggregates, a wire serializer, a broker abstraction, an audit and replay
// event store, a fan-out event bus and a hybrid local/remote router.
//
// Contracts live in this package; implementations live in broker/,
// eventstore/ and eventbus/.
package eventcore

// InstrumentationVersion is reported by the otel decorators.
const InstrumentationVersion = "0.4.0"
