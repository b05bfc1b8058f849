package eventcore_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	es "github.com/terraskye/eventcore"
	"github.com/terraskye/eventcore/fixtures"
)

type topicEvent struct {
	es.Base
}

func (*topicEvent) EventType() string            { return "TopicEvent" }
func (*topicEvent) DefaultTopic() string         { return "orders" }
func (*topicEvent) DefaultPriority() es.Priority { return es.PriorityHigh }

func TestNewBase_Defaults(t *testing.T) {
	before := time.Now().UTC()
	b := es.NewBase()
	md := b.Metadata()

	assert.NotEqual(t, uuid.Nil, md.EventID)
	assert.Equal(t, uuid.Version(7), md.EventID.Version())
	assert.False(t, md.Timestamp.Before(before))
	assert.Equal(t, time.UTC, md.Timestamp.Location())
	assert.Equal(t, 1, md.Version)
	assert.Empty(t, md.CorrelationID)
}

func TestNewBase_Options(t *testing.T) {
	id := uuid.New()
	ts := time.Date(2025, 6, 1, 10, 0, 0, 0, time.FixedZone("CEST", 2*3600))

	b := es.NewBase(
		es.WithEventID(id),
		es.WithTimestamp(ts),
		es.WithCorrelationID("corr"),
		es.WithCausationID("cause"),
		es.WithUserID("u1"),
		es.WithVersion(3),
	)
	md := b.Metadata()

	assert.Equal(t, id, md.EventID)
	assert.True(t, ts.Equal(md.Timestamp))
	assert.Equal(t, time.UTC, md.Timestamp.Location())
	assert.Equal(t, "corr", md.CorrelationID)
	assert.Equal(t, "cause", md.CausationID)
	assert.Equal(t, "u1", md.UserID)
	assert.Equal(t, 3, md.Version)
}

func TestWithCausedBy(t *testing.T) {
	root := fixtures.NewTestEvent().With(es.WithUserID("u1")).Build()
	child := fixtures.NewTestEvent().With(es.WithCausedBy(root)).Build()
	grandchild := fixtures.NewTestEvent().With(es.WithCausedBy(child)).Build()

	rootID := root.Metadata().EventID.String()
	assert.Equal(t, rootID, child.Metadata().CausationID)
	assert.Equal(t, rootID, child.Metadata().CorrelationID)
	assert.Equal(t, "u1", child.Metadata().UserID)

	assert.Equal(t, child.Metadata().EventID.String(), grandchild.Metadata().CausationID)
	assert.Equal(t, rootID, grandchild.Metadata().CorrelationID)
}

func TestTopicOf(t *testing.T) {
	assert.Equal(t, "orders", es.TopicOf(&topicEvent{}))
	assert.Equal(t, "billing", es.TopicOf(&topicEvent{Base: es.NewBase(es.WithTopic("billing"))}))
	assert.Equal(t, "Custom", es.TopicOf(fixtures.NewTestEvent().WithType("Custom").Build()))
	assert.Equal(t, "PlainEvent", es.TopicOf(&fixtures.PlainEvent{}))
}

func TestPriorityOf(t *testing.T) {
	assert.Equal(t, es.PriorityHigh, es.PriorityOf(&topicEvent{}))
	assert.Equal(t, es.PriorityLow, es.PriorityOf(&topicEvent{Base: es.NewBase(es.WithPriority(es.PriorityLow))}))
	assert.Equal(t, es.PriorityNormal, es.PriorityOf(fixtures.NewTestEvent().Build()))
	assert.Equal(t, es.PriorityNormal, es.PriorityOf(&fixtures.PlainEvent{}))
}

func TestStamp(t *testing.T) {
	ev := &topicEvent{}
	require.Equal(t, uuid.Nil, ev.Metadata().EventID)

	es.Stamp(ev)
	md := ev.Metadata()
	assert.NotEqual(t, uuid.Nil, md.EventID)
	assert.False(t, md.Timestamp.IsZero())
	assert.Equal(t, 1, md.Version)

	es.Stamp(ev)
	assert.Equal(t, md, ev.Metadata(), "stamping twice keeps the first values")

	assert.NotPanics(t, func() { es.Stamp(&fixtures.PlainEvent{}) })
}

func TestAggregateIDOf(t *testing.T) {
	id, ok := es.AggregateIDOf(fixtures.NewTestEvent().WithID("a-1").Build())
	assert.True(t, ok)
	assert.Equal(t, "a-1", id)

	_, ok = es.AggregateIDOf(fixtures.NewTestEvent().WithID("").Build())
	assert.False(t, ok)

	_, ok = es.AggregateIDOf(&fixtures.PlainEvent{})
	assert.False(t, ok)
}

func TestResolveStreamID(t *testing.T) {
	ev := fixtures.NewTestEvent().WithID("a-1").Build()
	assert.Equal(t, "explicit", es.ResolveStreamID(ev, "explicit"))
	assert.Equal(t, "a-1", es.ResolveStreamID(ev, ""))
	assert.Equal(t, "orders", es.ResolveStreamID(&topicEvent{}, ""))
}

func TestPriority_Text(t *testing.T) {
	for _, p := range []es.Priority{es.PriorityLow, es.PriorityNormal, es.PriorityHigh, es.PriorityCritical} {
		text, err := p.MarshalText()
		require.NoError(t, err)

		var back es.Priority
		require.NoError(t, back.UnmarshalText(text))
		assert.Equal(t, p, back)
	}

	p, err := es.ParsePriority(" high ")
	require.NoError(t, err)
	assert.Equal(t, es.PriorityHigh, p)

	_, err = es.ParsePriority("urgent")
	assert.Error(t, err)
	assert.Equal(t, "Priority(9)", es.Priority(9).String())
}
