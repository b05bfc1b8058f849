package eventbus

import (
	"context"
	"fmt"
	"slices"
	"sync"

	es "github.com/terraskye/eventcore"
	esotel "github.com/terraskye/eventcore/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var _ es.EventBus = (*HybridBus)(nil)

// HybridMetrics holds the broker counters of both paths of a HybridBus.
type HybridMetrics struct {
	Local  es.BrokerMetrics `json:"local"`
	Remote es.BrokerMetrics `json:"remote"`
}

// HybridBus routes each published event to a local or a remote EventBus.
// Subscriptions are registered on both, since a handler cannot know which
// path a publisher used.
//
// There is no failover: when the chosen path fails, Publish returns its
// error and the other path is not tried.
type HybridBus struct {
	local    es.EventBus
	remote   es.EventBus
	strategy es.RoutingStrategy
	logger   *zap.Logger

	errsOnce sync.Once
	errs     chan error
}

type HybridOption func(*HybridBus)

func WithHybridLogger(logger *zap.Logger) HybridOption {
	return func(h *HybridBus) { h.logger = logger }
}

// NewHybrid builds a HybridBus. A nil strategy routes by priority with no
// overrides.
func NewHybrid(local, remote es.EventBus, strategy es.RoutingStrategy, opts ...HybridOption) *HybridBus {
	if strategy == nil {
		strategy = es.NewPriorityRoutingStrategy()
	}
	h := &HybridBus{
		local:    local,
		remote:   remote,
		strategy: strategy,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *HybridBus) Start(ctx context.Context) error {
	if err := h.local.Start(ctx); err != nil {
		return fmt.Errorf("start local bus: %w", err)
	}
	if err := h.remote.Start(ctx); err != nil {
		_ = h.local.Stop(ctx)
		return fmt.Errorf("start remote bus: %w", err)
	}
	return nil
}

func (h *HybridBus) Stop(ctx context.Context) error {
	return multierr.Combine(h.local.Stop(ctx), h.remote.Stop(ctx))
}

// IsStarted reports whether both paths are running.
func (h *HybridBus) IsStarted() bool {
	return h.local.IsStarted() && h.remote.IsStarted()
}

// Publish hands ev to the bus chosen by the routing strategy. The route is
// recorded on the span in ctx, if any.
func (h *HybridBus) Publish(ctx context.Context, ev es.Event, opts ...es.AppendOption) error {
	if ev == nil {
		return fmt.Errorf("publish: nil event")
	}
	route := h.strategy.Route(ev)
	trace.SpanFromContext(ctx).SetAttributes(esotel.AttrRoute.String(route.String()))
	h.logger.Debug("routing event",
		zap.String("event_type", ev.EventType()),
		zap.Stringer("route", route),
	)
	return h.bus(route).Publish(ctx, ev, opts...)
}

// PublishBatch splits evs by route, keeping input order within each part,
// and makes at most one PublishBatch call per path. The part holding the
// first event goes first.
//
// Both paths are expected to share one store. An expected revision applies
// to the first part; later parts expect the stream to have grown by the
// domain events of the parts before them. A failure in a later part leaves
// the earlier parts published.
func (h *HybridBus) PublishBatch(ctx context.Context, evs []es.Event, opts ...es.AppendOption) error {
	if len(evs) == 0 {
		return nil
	}
	parts := map[es.Route][]es.Event{}
	for i, ev := range evs {
		if ev == nil {
			return fmt.Errorf("publish batch item %d: nil event", i)
		}
		route := es.RouteRemote
		if h.strategy.Route(ev) == es.RouteLocal {
			route = es.RouteLocal
		}
		parts[route] = append(parts[route], ev)
	}

	order := []es.Route{es.RouteLocal, es.RouteRemote}
	if h.strategy.Route(evs[0]) != es.RouteLocal {
		order = []es.Route{es.RouteRemote, es.RouteLocal}
	}

	expected := es.ApplyAppendOptions(opts...).Revision
	for _, route := range order {
		part := parts[route]
		if len(part) == 0 {
			continue
		}
		partOpts := append(slices.Clone(opts), es.WithExpectedRevision(expected))
		if err := h.bus(route).PublishBatch(ctx, part, partOpts...); err != nil {
			return fmt.Errorf("%s: %w", route, err)
		}
		expected = advanceRevision(expected, part)
	}
	return nil
}

// advanceRevision returns the revision a stream at expected reaches once the
// domain events among evs are stored. Any and StreamExists are unchanged.
func advanceRevision(expected es.StreamState, evs []es.Event) es.StreamState {
	var stored es.Revision
	for _, ev := range evs {
		if _, ok := ev.(es.DomainEvent); ok {
			stored++
		}
	}
	if stored == 0 {
		return expected
	}
	switch rev := expected.(type) {
	case es.NoStream:
		return stored
	case es.Revision:
		return rev + stored
	default:
		return expected
	}
}

// Subscribe registers handler on both paths under one HandlerID. If the
// remote registration fails the local one is rolled back.
func (h *HybridBus) Subscribe(ctx context.Context, name string, handler es.EventHandler, opts ...es.SubscribeOption) (es.HandlerID, error) {
	cfg := es.ApplySubscribeOptions(opts...)
	opts = append(opts, es.WithHandlerID(cfg.ID))

	id, err := h.local.Subscribe(ctx, name, handler, opts...)
	if err != nil {
		return "", fmt.Errorf("local: %w", err)
	}
	if _, err := h.remote.Subscribe(ctx, name, handler, opts...); err != nil {
		_ = h.local.Unsubscribe(ctx, name, id)
		return "", fmt.Errorf("remote: %w", err)
	}
	return id, nil
}

func (h *HybridBus) Unsubscribe(ctx context.Context, name string, ids ...es.HandlerID) error {
	return multierr.Combine(
		h.local.Unsubscribe(ctx, name, ids...),
		h.remote.Unsubscribe(ctx, name, ids...),
	)
}

// Errors merges the error channels of both paths. The merge goroutines run
// for the lifetime of the process.
func (h *HybridBus) Errors() <-chan error {
	h.errsOnce.Do(func() {
		h.errs = make(chan error, 64)
		for _, bus := range []es.EventBus{h.local, h.remote} {
			go func(in <-chan error) {
				for err := range in {
					select {
					case h.errs <- err:
					default:
					}
				}
			}(bus.Errors())
		}
	})
	return h.errs
}

// Metrics reads broker counters from both paths. A path that does not
// expose metrics reports zero values.
func (h *HybridBus) Metrics() HybridMetrics {
	var m HybridMetrics
	if p, ok := h.local.(es.MetricsProvider); ok {
		m.Local = p.Metrics()
	}
	if p, ok := h.remote.(es.MetricsProvider); ok {
		m.Remote = p.Metrics()
	}
	return m
}

func (h *HybridBus) bus(route es.Route) es.EventBus {
	if route == es.RouteLocal {
		return h.local
	}
	return h.remote
}
