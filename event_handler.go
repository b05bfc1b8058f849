package eventcore

import (
	"context"
	"fmt"
	"sort"
)

// EventHandler consumes events delivered by an EventBus.
type EventHandler interface {
	Handle(ctx context.Context, event Event) error
}

// NewEventHandlerFunc adapts fn to an EventHandler. fn sees every event the
// handler is given; use OnEvent to filter by variant.
//
// Example Usage:
//
//	handler := NewEventHandlerFunc(func(ctx context.Context, ev Event) error {
//	    log.Println("received", ev.EventType(), "on", TopicFromContext(ctx))
//	    return nil
//	})
//	_, err := bus.Subscribe(ctx, "user.logged_in", handler)
func NewEventHandlerFunc(fn func(ctx context.Context, event Event) error) EventHandler {
	return handlerFunc(fn)
}

type handlerFunc func(ctx context.Context, event Event) error

func (h handlerFunc) Handle(ctx context.Context, event Event) error {
	return h(ctx, event)
}

type variantHandler[T Event] func(ctx context.Context, ev T) error

// EventName is the EventType of T, read from its zero value.
func (h variantHandler[T]) EventName() string {
	var zero T
	return zero.EventType()
}

func (h variantHandler[T]) Handle(ctx context.Context, event Event) error {
	ev, ok := event.(T)
	if !ok {
		return &SkippedEventError{Event: event}
	}
	return h(ctx, ev)
}

// OnEvent returns a handler that only accepts events of variant T. Any other
// event yields a *SkippedEventError, which matches ErrSkippedEvent.
//
// T is usually a pointer type; its EventType must not dereference the
// receiver, because EventName calls it on the zero value.
//
// Example Usage:
//
//	handler := OnEvent(func(ctx context.Context, ev *auth.UserLoggedIn) error {
//	    log.Println("login from device", ev.DeviceID)
//	    return nil
//	})
//	_, err := bus.Subscribe(ctx, auth.TopicAuth, handler)
func OnEvent[T Event](fn func(ctx context.Context, ev T) error) EventHandler {
	return variantHandler[T](fn)
}

// EventGroupProcessor dispatches each event to the OnEvent handler registered
// for its type, so one subscription can serve several variants of a topic.
type EventGroupProcessor struct {
	byType map[string]EventHandler
}

// NewEventGroupProcessor builds a group from OnEvent handlers. It panics when
// a handler has no EventName or when two handlers claim the same type.
//
//	group := NewEventGroupProcessor(
//	    OnEvent(onLogin),
//	    OnEvent(onLoginFailed),
//	)
//	_, err := bus.Subscribe(ctx, auth.TopicAuth, group)
func NewEventGroupProcessor(handlers ...EventHandler) *EventGroupProcessor {
	byType := make(map[string]EventHandler, len(handlers))
	for _, h := range handlers {
		named, ok := h.(interface{ EventName() string })
		if !ok {
			panic(fmt.Errorf("handler %T has no EventName method", h))
		}
		name := named.EventName()
		if _, dup := byType[name]; dup {
			panic(fmt.Errorf("event %s: %w", name, ErrDuplicateHandler))
		}
		byType[name] = h
	}
	return &EventGroupProcessor{byType: byType}
}

// Handle returns a *SkippedEventError for types the group does not know.
func (p *EventGroupProcessor) Handle(ctx context.Context, ev Event) error {
	h, ok := p.byType[ev.EventType()]
	if !ok {
		return &SkippedEventError{Event: ev}
	}
	return h.Handle(ctx, ev)
}

// StreamFilter lists the handled event types in sorted order.
func (p *EventGroupProcessor) StreamFilter() []string {
	names := make([]string, 0, len(p.byType))
	for name := range p.byType {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
