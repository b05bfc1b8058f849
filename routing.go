package eventcore

import (
	"fmt"
	"strings"
)

// Route names one of the transport paths of a hybrid bus.
type Route int

const (
	RouteRemote Route = iota
	RouteLocal
)

func (r Route) String() string {
	if r == RouteLocal {
		return "local"
	}
	return "remote"
}

// ParseRoute parses "local" or "remote".
func ParseRoute(s string) (Route, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "local":
		return RouteLocal, nil
	case "remote":
		return RouteRemote, nil
	}
	return RouteRemote, fmt.Errorf("unknown route %q", s)
}

// RoutingStrategy maps an event to a transport path.
type RoutingStrategy interface {
	Route(ev Event) Route
}

// RoutingFunc adapts a function to a RoutingStrategy.
type RoutingFunc func(ev Event) Route

func (f RoutingFunc) Route(ev Event) Route { return f(ev) }

// PriorityRoutingStrategy sends HIGH and CRITICAL events to the local path
// and everything else to the remote path. Overrides keyed by event type win
// over the priority rule.
type PriorityRoutingStrategy struct {
	overrides map[string]Route
}

type RoutingOption func(*PriorityRoutingStrategy)

// WithRouteOverride pins eventType to route regardless of priority.
func WithRouteOverride(eventType string, route Route) RoutingOption {
	return func(s *PriorityRoutingStrategy) { s.overrides[eventType] = route }
}

func NewPriorityRoutingStrategy(opts ...RoutingOption) *PriorityRoutingStrategy {
	s := &PriorityRoutingStrategy{overrides: make(map[string]Route)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *PriorityRoutingStrategy) Route(ev Event) Route {
	if r, ok := s.overrides[ev.EventType()]; ok {
		return r
	}
	switch PriorityOf(ev) {
	case PriorityHigh, PriorityCritical:
		return RouteLocal
	default:
		return RouteRemote
	}
}
