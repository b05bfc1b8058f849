package eventcore

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey string

const (
	metadataKey ctxKey = "metadata"
	topicKey    ctxKey = "topic"
	handlerKey  ctxKey = "handler"
)

// WithMetadata adds the envelope metadata of a delivered event to ctx.
func WithMetadata(ctx context.Context, md Metadata) context.Context {
	return context.WithValue(ctx, metadataKey, md)
}

// WithTopicContext records the topic a delivery arrived on.
func WithTopicContext(ctx context.Context, topic string) context.Context {
	return context.WithValue(ctx, topicKey, topic)
}

// WithHandlerContext records the name and id of the handler being invoked.
func WithHandlerContext(ctx context.Context, name string, id HandlerID) context.Context {
	return context.WithValue(ctx, handlerKey, handlerRef{name: name, id: id})
}

type handlerRef struct {
	name string
	id   HandlerID
}

// MetadataFromContext returns the metadata or the zero value if not present.
func MetadataFromContext(ctx context.Context) Metadata {
	if v := ctx.Value(metadataKey); v != nil {
		if md, ok := v.(Metadata); ok {
			return md
		}
	}
	return Metadata{}
}

// EventIDFromContext returns the EventID or uuid.Nil if not present
func EventIDFromContext(ctx context.Context) uuid.UUID {
	return MetadataFromContext(ctx).EventID
}

func CorrelationIDFromContext(ctx context.Context) string {
	return MetadataFromContext(ctx).CorrelationID
}

func CausationIDFromContext(ctx context.Context) string {
	return MetadataFromContext(ctx).CausationID
}

func UserIDFromContext(ctx context.Context) string {
	return MetadataFromContext(ctx).UserID
}

// TopicFromContext returns the delivery topic or "" if not present.
func TopicFromContext(ctx context.Context) string {
	if v := ctx.Value(topicKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// HandlerFromContext returns the name and id of the running handler.
func HandlerFromContext(ctx context.Context) (string, HandlerID) {
	if v := ctx.Value(handlerKey); v != nil {
		if ref, ok := v.(handlerRef); ok {
			return ref.name, ref.id
		}
	}
	return "", ""
}
