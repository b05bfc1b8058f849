package eventcore_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	es "github.com/terraskye/eventcore"
)

func TestContextGetters(t *testing.T) {
	md := es.Metadata{
		EventID:       uuid.New(),
		Timestamp:     time.Now().UTC(),
		CorrelationID: "corr-1",
		CausationID:   "cause-1",
		UserID:        "user-1",
		Version:       1,
	}
	ctx := es.WithMetadata(context.Background(), md)
	ctx = es.WithTopicContext(ctx, "auth")
	ctx = es.WithHandlerContext(ctx, "audit", es.HandlerID("h-1"))
	empty := context.Background()

	tests := []struct {
		name string
		ctx  context.Context
		fn   func(context.Context) any
		want any
	}{
		{"metadata", ctx, func(c context.Context) any { return es.MetadataFromContext(c) }, md},
		{"metadata missing", empty, func(c context.Context) any { return es.MetadataFromContext(c) }, es.Metadata{}},
		{"event id", ctx, func(c context.Context) any { return es.EventIDFromContext(c) }, md.EventID},
		{"event id missing", empty, func(c context.Context) any { return es.EventIDFromContext(c) }, uuid.Nil},
		{"correlation id", ctx, func(c context.Context) any { return es.CorrelationIDFromContext(c) }, "corr-1"},
		{"causation id", ctx, func(c context.Context) any { return es.CausationIDFromContext(c) }, "cause-1"},
		{"user id", ctx, func(c context.Context) any { return es.UserIDFromContext(c) }, "user-1"},
		{"topic", ctx, func(c context.Context) any { return es.TopicFromContext(c) }, "auth"},
		{"topic missing", empty, func(c context.Context) any { return es.TopicFromContext(c) }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.fn(tt.ctx))
		})
	}

	name, id := es.HandlerFromContext(ctx)
	assert.Equal(t, "audit", name)
	assert.Equal(t, es.HandlerID("h-1"), id)

	name, id = es.HandlerFromContext(empty)
	assert.Empty(t, name)
	assert.Empty(t, id)
}

func TestSubscribeOptions(t *testing.T) {
	cfg := es.ApplySubscribeOptions()
	assert.NotEmpty(t, cfg.ID)
	assert.Nil(t, cfg.RetryPolicy)

	policy := es.RetryPolicy{MaxRetries: 2}
	cfg = es.ApplySubscribeOptions(es.WithHandlerID("fixed"), es.WithRetryPolicy(policy))
	assert.Equal(t, es.HandlerID("fixed"), cfg.ID)
	assert.Equal(t, &policy, cfg.RetryPolicy)

	assert.NotEqual(t, es.NewHandlerID(), es.NewHandlerID())
}

func TestAppendOptions(t *testing.T) {
	cfg := es.ApplyAppendOptions()
	assert.Equal(t, es.Any{}, cfg.Revision)
	assert.Empty(t, cfg.StreamID)

	cfg = es.ApplyAppendOptions(es.WithStreamID("s-1"), es.WithExpectedRevision(es.Revision(3)))
	assert.Equal(t, "s-1", cfg.StreamID)
	assert.Equal(t, es.Revision(3), cfg.Revision)
}
