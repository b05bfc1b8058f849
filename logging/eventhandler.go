package logging

import (
	"context"
	"errors"
	"time"

	"github.com/terraskye/eventcore"
	"go.uber.org/zap"
)

func WithLoggingMiddleware(logger *zap.Logger, next eventcore.EventHandler) eventcore.EventHandler {
	return eventcore.NewEventHandlerFunc(func(ctx context.Context, event eventcore.Event) error {
		name, id := eventcore.HandlerFromContext(ctx)
		md := eventcore.MetadataFromContext(ctx)

		l := logger.With(
			zap.String("event-type", event.EventType()),
			zap.String("event-id", md.EventID.String()),
			zap.String("topic", eventcore.TopicFromContext(ctx)),
			zap.String("handler", name),
			zap.String("handler-id", string(id)),
			zap.String("correlation", md.CorrelationID),
			zap.String("causation", md.CausationID),
			zap.String("user", md.UserID),
		)

		l.Debug("event processing started")

		start := time.Now()
		err := next.Handle(ctx, event)

		switch {
		case err == nil:
			l.Debug("event processed successfully", zap.Duration("took", time.Since(start)))
		case errors.Is(err, eventcore.ErrSkippedEvent):
			l.Debug("event skipped")
		default:
			l.Error("error processing event", zap.Error(err))
		}

		return err
	})
}
