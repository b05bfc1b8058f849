package eventcore_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	es "github.com/terraskye/eventcore"
	"github.com/terraskye/eventcore/fixtures"
)

func TestSagaStatus_Transitions(t *testing.T) {
	tests := []struct {
		from, to es.SagaStatus
		allowed  bool
	}{
		{es.SagaPending, es.SagaInProgress, true},
		{es.SagaPending, es.SagaCompleted, false},
		{es.SagaInProgress, es.SagaCompleted, true},
		{es.SagaInProgress, es.SagaCompensating, true},
		{es.SagaInProgress, es.SagaFailed, false},
		{es.SagaCompensating, es.SagaCompensated, true},
		{es.SagaCompensating, es.SagaFailed, true},
		{es.SagaCompleted, es.SagaInProgress, false},
		{es.SagaFailed, es.SagaCompensating, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransition(tt.to))
		})
	}

	for _, s := range []es.SagaStatus{es.SagaCompleted, es.SagaCompensated, es.SagaFailed} {
		assert.True(t, s.IsTerminal(), s)
	}
	for _, s := range []es.SagaStatus{es.SagaPending, es.SagaInProgress, es.SagaCompensating} {
		assert.False(t, s.IsTerminal(), s)
	}
}

func TestSagaStateMachine(t *testing.T) {
	var m es.SagaStateMachine
	assert.Equal(t, es.SagaPending, m.Status())

	assert.ErrorIs(t, m.Transition(es.SagaCompleted), es.ErrInvalidSagaTransition)
	require.NoError(t, m.Transition(es.SagaInProgress))
	require.NoError(t, m.Transition(es.SagaCompensating))
	require.NoError(t, m.Transition(es.SagaCompensated))
	assert.ErrorIs(t, m.Transition(es.SagaInProgress), es.ErrInvalidSagaTransition)
	assert.Equal(t, es.SagaCompensated, m.Status())
}

// checkoutSaga starts on the first event, completes on "Paid" and fails on
// "Declined".
type checkoutSaga struct {
	es.SagaStateMachine
	handled      []string
	compensateOn error
	compensated  error
}

func (s *checkoutSaga) StartSaga(_ context.Context, ev es.Event) error {
	s.handled = append(s.handled, ev.EventType())
	return s.Transition(es.SagaInProgress)
}

func (s *checkoutSaga) HandleSagaEvent(_ context.Context, ev es.Event) error {
	s.handled = append(s.handled, ev.EventType())
	switch ev.EventType() {
	case "Paid":
		return s.Transition(es.SagaCompleted)
	case "Declined":
		return errors.New("payment declined")
	}
	return nil
}

func (s *checkoutSaga) Compensate(_ context.Context, cause error) error {
	s.compensated = cause
	if err := s.Transition(es.SagaCompensating); err != nil {
		return err
	}
	if s.compensateOn != nil {
		_ = s.Transition(es.SagaFailed)
		return s.compensateOn
	}
	return s.Transition(es.SagaCompensated)
}

func (s *checkoutSaga) GetSagaStatus() es.SagaStatus { return s.Status() }

func event(typ string) es.Event { return fixtures.NewTestEvent().WithType(typ).Build() }

func TestSagaHandler_HappyPath(t *testing.T) {
	ctx := context.Background()
	saga := &checkoutSaga{}
	h := es.NewSagaHandler(saga)

	require.NoError(t, h.Handle(ctx, event("OrderPlaced")))
	require.NoError(t, h.Handle(ctx, event("Reserved")))
	require.NoError(t, h.Handle(ctx, event("Paid")))
	assert.Equal(t, es.SagaCompleted, saga.GetSagaStatus())

	assert.ErrorIs(t, h.Handle(ctx, event("Late")), es.ErrSkippedEvent)
	assert.Equal(t, []string{"OrderPlaced", "Reserved", "Paid"}, saga.handled)
}

func TestSagaHandler_Compensates(t *testing.T) {
	ctx := context.Background()
	saga := &checkoutSaga{}
	h := es.NewSagaHandler(saga)

	require.NoError(t, h.Handle(ctx, event("OrderPlaced")))
	err := h.Handle(ctx, event("Declined"))
	assert.ErrorContains(t, err, "payment declined")
	assert.Equal(t, es.SagaCompensated, saga.GetSagaStatus())
	assert.EqualError(t, saga.compensated, "payment declined")
}

func TestSagaHandler_CompensationFails(t *testing.T) {
	ctx := context.Background()
	undo := errors.New("refund service down")
	saga := &checkoutSaga{compensateOn: undo}
	h := es.NewSagaHandler(saga)

	require.NoError(t, h.Handle(ctx, event("OrderPlaced")))
	err := h.Handle(ctx, event("Declined"))
	assert.ErrorContains(t, err, "payment declined")
	assert.ErrorContains(t, err, "refund service down")
	assert.Equal(t, es.SagaFailed, saga.GetSagaStatus())
}
