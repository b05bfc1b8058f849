package eventcore

import (
	"context"
	"fmt"
	"sync"
)

// SagaStatus is the lifecycle state of a saga.
type SagaStatus string

const (
	SagaPending      SagaStatus = "PENDING"
	SagaInProgress   SagaStatus = "IN_PROGRESS"
	SagaCompleted    SagaStatus = "COMPLETED"
	SagaCompensating SagaStatus = "COMPENSATING"
	SagaCompensated  SagaStatus = "COMPENSATED"
	SagaFailed       SagaStatus = "FAILED"
)

var sagaTransitions = map[SagaStatus][]SagaStatus{
	SagaPending:      {SagaInProgress},
	SagaInProgress:   {SagaCompleted, SagaCompensating},
	SagaCompensating: {SagaCompensated, SagaFailed},
}

// CanTransition reports whether the state machine allows s -> to.
func (s SagaStatus) CanTransition(to SagaStatus) bool {
	for _, next := range sagaTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s SagaStatus) IsTerminal() bool {
	return len(sagaTransitions[s]) == 0
}

// Saga is a long-running process with compensation. The core drives events
// into it; the implementation lives outside this module.
type Saga interface {
	StartSaga(ctx context.Context, event Event) error
	HandleSagaEvent(ctx context.Context, event Event) error
	Compensate(ctx context.Context, cause error) error
	GetSagaStatus() SagaStatus
}

// SagaStateMachine tracks a SagaStatus and rejects illegal transitions.
// Saga implementations can embed it.
type SagaStateMachine struct {
	mu     sync.Mutex
	status SagaStatus
}

func (m *SagaStateMachine) Status() SagaStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == "" {
		return SagaPending
	}
	return m.status
}

// Transition moves to the next status or returns ErrInvalidSagaTransition.
func (m *SagaStateMachine) Transition(to SagaStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	from := m.status
	if from == "" {
		from = SagaPending
	}
	if !from.CanTransition(to) {
		return fmt.Errorf("saga %s -> %s: %w", from, to, ErrInvalidSagaTransition)
	}
	m.status = to
	return nil
}

// NewSagaHandler adapts a Saga to an EventHandler so it can be subscribed on
// a bus.
//
// Behavior Details:
//   - PENDING: the event starts the saga.
//   - IN_PROGRESS: the event is passed to HandleSagaEvent.
//   - Any other status: the event is skipped.
//   - If starting or handling fails, Compensate is called with the error and
//     both errors are returned.
func NewSagaHandler(saga Saga) EventHandler {
	return NewEventHandlerFunc(func(ctx context.Context, event Event) error {
		var err error
		switch saga.GetSagaStatus() {
		case SagaPending:
			err = saga.StartSaga(ctx, event)
		case SagaInProgress:
			err = saga.HandleSagaEvent(ctx, event)
		default:
			return &SkippedEventError{Event: event}
		}
		if err == nil {
			return nil
		}
		if cerr := saga.Compensate(ctx, err); cerr != nil {
			return fmt.Errorf("saga step failed: %w (compensation failed: %v)", err, cerr)
		}
		return err
	})
}
