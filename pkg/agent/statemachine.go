package agent

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"conclave/pkg/logx"
	"conclave/pkg/proto"
)

// Agent states.
const (
	StateStarting         proto.State = "starting"
	StateRestoring        proto.State = "restoring"
	StateReady            proto.State = "ready"
	StateDeciding         proto.State = "deciding"
	StateDispatching      proto.State = "dispatching"
	StateAwaitingResult   proto.State = "awaiting_result"
	StateAwaitingExternal proto.State = "awaiting_external_event"
	StateAwaitingTimer    proto.State = "awaiting_timer"
	StateTerminated       proto.State = "terminated"
)

// ErrInvalidTransition indicates an invalid state transition was attempted.
var ErrInvalidTransition = errors.New("invalid state transition")

// TransitionTable represents valid state transitions.
type TransitionTable map[proto.State][]proto.State

// ValidTransitions is the agent lifecycle. Every state may move to terminated.
//
//nolint:gochecknoglobals // static table
var ValidTransitions = TransitionTable{
	StateStarting:         {StateRestoring},
	StateRestoring:        {StateReady},
	StateReady:            {StateDeciding, StateAwaitingExternal},
	StateDeciding:         {StateDispatching, StateAwaitingExternal},
	StateDispatching:      {StateAwaitingResult},
	StateAwaitingResult:   {StateReady, StateAwaitingExternal, StateAwaitingTimer},
	StateAwaitingExternal: {StateReady},
	StateAwaitingTimer:    {StateReady},
	StateTerminated:       {},
}

// StateTransition represents a transition between states.
type StateTransition struct {
	Timestamp time.Time
	Metadata  map[string]any
	FromState proto.State
	ToState   proto.State
}

// stateMachine validates and records transitions. The actor goroutine is the
// only writer; the mutex lets status readers observe the current state.
type stateMachine struct {
	table       TransitionTable
	logger      *logx.Logger
	onChange    func(from, to proto.State, metadata map[string]any)
	current     proto.State
	transitions []StateTransition
	mu          sync.RWMutex
}

const maxTransitions = 100

func newStateMachine(initial proto.State, table TransitionTable, logger *logx.Logger) *stateMachine {
	if table == nil {
		table = ValidTransitions
	}
	return &stateMachine{table: table, current: initial, logger: logger}
}

// IsValidTransition reports whether from -> to is allowed.
func (sm *stateMachine) IsValidTransition(from, to proto.State) bool {
	if to == StateTerminated {
		return from != StateTerminated
	}
	return slices.Contains(sm.table[from], to)
}

func (sm *stateMachine) GetCurrentState() proto.State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current
}

// TransitionTo moves to newState and records the transition.
func (sm *stateMachine) TransitionTo(newState proto.State, metadata map[string]any) error {
	sm.mu.Lock()
	oldState := sm.current
	if !sm.IsValidTransition(oldState, newState) {
		sm.mu.Unlock()
		return fmt.Errorf("%w: cannot transition from %s to %s", ErrInvalidTransition, oldState, newState)
	}
	sm.transitions = append(sm.transitions, StateTransition{
		FromState: oldState,
		ToState:   newState,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	})
	if len(sm.transitions) > maxTransitions {
		sm.transitions = sm.transitions[len(sm.transitions)-maxTransitions:]
	}
	sm.current = newState
	sm.mu.Unlock()

	sm.logger.Debug("🔄 %s → %s", oldState, newState)
	if sm.onChange != nil {
		sm.onChange(oldState, newState, metadata)
	}
	return nil
}

// GetTransitions returns the recent transition history.
func (sm *stateMachine) GetTransitions() []StateTransition {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return append([]StateTransition{}, sm.transitions...)
}
