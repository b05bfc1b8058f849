package eventcore

import (
	"errors"
	"fmt"
)

var (
	// ErrNotStarted is returned by bus operations attempted while stopped.
	ErrNotStarted = errors.New("event bus not started")

	// ErrBrokerNotConnected is returned by broker operations attempted while disconnected.
	ErrBrokerNotConnected = errors.New("broker not connected")

	// ErrTopicAlreadySubscribed is returned when a broker topic already has a handler.
	ErrTopicAlreadySubscribed = errors.New("topic already subscribed")

	ErrUnknownEventType   = errors.New("unknown event type")
	ErrDuplicateEventType = errors.New("event type already registered")

	ErrStreamNotFound      = errors.New("stream not found")
	ErrStreamExists        = errors.New("stream already exists")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrInvalidRevision     = errors.New("invalid revision")

	// ErrSkippedEvent is returned when a handler cannot handle the event type.
	ErrSkippedEvent = errors.New("event skipped")

	ErrInvalidSagaTransition = errors.New("invalid saga transition")
	ErrNilHandler            = errors.New("handler cannot be nil")
	ErrDuplicateHandler      = errors.New("duplicate handler")
)

// StreamRevisionConflictError reports an append whose expected revision did
// not match the stream.
type StreamRevisionConflictError struct {
	Stream   string
	Expected uint64
	Actual   uint64
}

func (e *StreamRevisionConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict on stream %q: (expected version %d, actual %d)", e.Stream, e.Expected, e.Actual)
}

func (e *StreamRevisionConflictError) Is(target error) bool {
	return target == ErrConcurrencyConflict
}

// SkippedEventError carries the event a typed handler refused.
type SkippedEventError struct {
	Event Event
}

func (e *SkippedEventError) Error() string {
	return fmt.Sprintf("skipped event of type %T", e.Event)
}

func (e *SkippedEventError) Is(target error) bool {
	return target == ErrSkippedEvent
}

// SerializationError reports a payload that could not be encoded or decoded.
type SerializationError struct {
	Op   string
	Type string
	Err  error
}

func (e *SerializationError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("%s event: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s event %q: %v", e.Op, e.Type, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// HandlerError is reported on the bus error channel when a handler fails.
type HandlerError struct {
	Handler   string
	HandlerID HandlerID
	EventType string
	EventID   string
	Err       error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %q (%s) failed on %s %s: %v", e.Handler, e.HandlerID, e.EventType, e.EventID, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// RetryExhaustedError is the terminal failure of a handler with a retry policy.
type RetryExhaustedError struct {
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("giving up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Err }

// BrokerError wraps a transport failure of a broker operation.
type BrokerError struct {
	Op    string
	Topic string
	Err   error
}

func (e *BrokerError) Error() string {
	return fmt.Sprintf("broker %s %q: %v", e.Op, e.Topic, e.Err)
}

func (e *BrokerError) Unwrap() error { return e.Err }

type EventStoreError struct {
	Err error
}

func (e *EventStoreError) Error() string {
	return fmt.Sprintf("eventstore error: %v", e.Err)
}

func (e *EventStoreError) Unwrap() error {
	return e.Err
}

// WrapEventStoreError wraps backend failures. Errors from this package pass
// through unchanged so callers can match on them directly.
func WrapEventStoreError(err error) error {
	if err == nil {
		return nil
	}
	var conflict *StreamRevisionConflictError
	if errors.As(err, &conflict) || errors.Is(err, ErrStreamExists) || errors.Is(err, ErrStreamNotFound) {
		return err
	}
	return &EventStoreError{Err: err}
}
