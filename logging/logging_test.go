package logging_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/terraskye/eventcore"
	"github.com/terraskye/eventcore/fixtures"
	"github.com/terraskye/eventcore/logging"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithLoggingMiddleware(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	ev := fixtures.NewTestEvent().With(eventcore.WithUserID("u1")).Build()
	ctx := eventcore.WithHandlerContext(eventcore.WithMetadata(context.Background(), ev.Metadata()), "projector", "h-1")

	t.Run("success", func(t *testing.T) {
		h := logging.WithLoggingMiddleware(logger, fixtures.NewEventHandlerSpy())
		require.NoError(t, h.Handle(ctx, ev))

		entries := logs.TakeAll()
		require.Len(t, entries, 2)
		assert.Equal(t, "event processing started", entries[0].Message)
		assert.Equal(t, "event processed successfully", entries[1].Message)

		fields := entries[0].ContextMap()
		assert.Equal(t, "u1", fields["user"])
		assert.Equal(t, "projector", fields["handler"])
		assert.Equal(t, "h-1", fields["handler-id"])
		assert.Equal(t, ev.Metadata().EventID.String(), fields["event-id"])
	})

	t.Run("failure", func(t *testing.T) {
		h := logging.WithLoggingMiddleware(logger, fixtures.NewEventHandlerSpy().FailOnHandle(errors.New("boom")))
		assert.Error(t, h.Handle(ctx, ev))

		errs := logs.FilterLevelExact(zapcore.ErrorLevel).TakeAll()
		require.Len(t, errs, 1)
		assert.Equal(t, "error processing event", errs[0].Message)
		logs.TakeAll()
	})

	t.Run("skipped is not an error", func(t *testing.T) {
		h := logging.WithLoggingMiddleware(logger, eventcore.OnEvent(func(context.Context, *fixtures.PlainEvent) error { return nil }))
		assert.ErrorIs(t, h.Handle(ctx, ev), eventcore.ErrSkippedEvent)
		assert.Zero(t, logs.FilterLevelExact(zapcore.ErrorLevel).Len())
	})
}

func TestNew_FileOutput(t *testing.T) {
	dir := t.TempDir()
	logger := logging.New(logging.Config{Level: "info", Path: dir, MaxSize: 1})

	logger.Debug("dropped")
	logger.Info("kept")
	logger.Error("failed")
	require.NoError(t, logger.Sync())

	info, err := os.ReadFile(filepath.Join(dir, "info.log"))
	require.NoError(t, err)
	assert.Contains(t, string(info), `"msg":"kept"`)
	assert.NotContains(t, string(info), "dropped")
	assert.NotContains(t, string(info), "failed")

	errLog, err := os.ReadFile(filepath.Join(dir, "error.log"))
	require.NoError(t, err)
	assert.Contains(t, string(errLog), `"level":"error"`)
}

func TestNew_InvalidLevelFallsBackToInfo(t *testing.T) {
	logger := logging.New(logging.Config{Level: "loud"})
	assert.True(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))
}
