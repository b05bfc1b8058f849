// Package audit records security-relevant events delivered by an event bus
// and answers queries over them by user, severity and time.
package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	es "github.com/terraskye/eventcore"
	"github.com/terraskye/eventcore/domain/auth"
	"github.com/terraskye/eventcore/logging"
	"go.uber.org/zap"
)

var _ es.EventHandler = (*Log)(nil)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SeverityOf maps an event priority to a severity.
func SeverityOf(p es.Priority) Severity {
	switch p {
	case es.PriorityLow:
		return SeverityLow
	case es.PriorityHigh:
		return SeverityHigh
	case es.PriorityCritical:
		return SeverityCritical
	default:
		return SeverityMedium
	}
}

// Entry is one recorded event.
type Entry struct {
	EventID       string         `json:"eventId"`
	EventType     string         `json:"eventType"`
	UserID        string         `json:"userId,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty"`
	Topic         string         `json:"topic,omitempty"`
	Severity      Severity       `json:"severity"`
	Timestamp     time.Time      `json:"timestamp"`
	Details       map[string]any `json:"details,omitempty"`
}

// Log is an in-memory audit trail. It is safe for concurrent use and keeps
// at most the configured number of entries, dropping the oldest.
type Log struct {
	mu         sync.RWMutex
	entries    []Entry
	maxEntries int
	logger     *zap.Logger
}

type Option func(*Log)

// WithMaxEntries bounds the trail. Zero keeps every entry.
func WithMaxEntries(n int) Option {
	return func(l *Log) { l.maxEntries = n }
}

func WithLogger(logger *zap.Logger) Option {
	return func(l *Log) { l.logger = logger }
}

func New(opts ...Option) *Log {
	l := &Log{maxEntries: 10000, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Topics lists the topic names the audit log subscribes to.
func Topics() []string {
	return []string{auth.TopicAuth}
}

// Subscribe registers l on bus for every name in Topics. Deliveries are
// logged through the audit logger.
func (l *Log) Subscribe(ctx context.Context, bus es.EventBus, opts ...es.SubscribeOption) error {
	handler := logging.WithLoggingMiddleware(l.logger, l)
	for _, topic := range Topics() {
		if _, err := bus.Subscribe(ctx, topic, handler, opts...); err != nil {
			return fmt.Errorf("audit: subscribe %q: %w", topic, err)
		}
	}
	return nil
}

// Handle records ev. The user id comes from the event metadata, or from the
// delivery context for events without metadata.
func (l *Log) Handle(ctx context.Context, ev es.Event) error {
	md := es.MetadataOf(ev)
	if md.EventID == uuid.Nil {
		md = es.MetadataFromContext(ctx)
	}

	entry := Entry{
		EventID:       md.EventID.String(),
		EventType:     ev.EventType(),
		UserID:        md.UserID,
		CorrelationID: md.CorrelationID,
		Topic:         es.TopicFromContext(ctx),
		Severity:      SeverityOf(es.PriorityOf(ev)),
		Timestamp:     md.Timestamp,
		Details:       details(ev),
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	l.entries = append(l.entries, entry)
	if l.maxEntries > 0 && len(l.entries) > l.maxEntries {
		l.entries = l.entries[len(l.entries)-l.maxEntries:]
	}
	l.mu.Unlock()

	fields := []zap.Field{
		zap.String("event_type", entry.EventType),
		zap.String("user_id", entry.UserID),
		zap.String("severity", string(entry.Severity)),
	}
	switch entry.Severity {
	case SeverityHigh, SeverityCritical:
		l.logger.Warn("security event", fields...)
	default:
		l.logger.Debug("security event", fields...)
	}
	return nil
}

func (l *Log) All() []Entry {
	return l.filter(func(Entry) bool { return true })
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

func (l *Log) ByUser(userID string) []Entry {
	return l.filter(func(e Entry) bool { return e.UserID == userID })
}

func (l *Log) BySeverity(s Severity) []Entry {
	return l.filter(func(e Entry) bool { return e.Severity == s })
}

// Between returns entries with from <= Timestamp < to. A zero bound is open.
func (l *Log) Between(from, to time.Time) []Entry {
	return l.filter(func(e Entry) bool {
		if !from.IsZero() && e.Timestamp.Before(from) {
			return false
		}
		if !to.IsZero() && !e.Timestamp.Before(to) {
			return false
		}
		return true
	})
}

func (l *Log) filter(keep func(Entry) bool) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Entry
	for _, e := range l.entries {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}

func details(ev es.Event) map[string]any {
	if raw, ok := ev.(*es.RawEvent); ok {
		return raw.Fields
	}
	data, err := es.MarshalPayload(ev)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := codec.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
