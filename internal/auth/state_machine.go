package auth

import (
	"fmt"
	"time"
)

// State is the session's position in the token lifecycle.
type State string

const (
	StateNoToken          State = "no_token"           // Nothing loaded or persisted yet
	StateValid            State = "valid"              // Usable access token held
	StateExpired          State = "expired"            // Token rejected or past expiry, about to be discarded
	StateAwaitingUserCode State = "awaiting_user_code" // Interactive authorization required
)

// StateTransition defines a permitted move between session states.
type StateTransition struct {
	From        State
	To          State
	Condition   string
	Description string
}

// ValidTransitions lists every permitted session transition.
var ValidTransitions = []StateTransition{
	{StateNoToken, StateValid, "token_loaded", "Persisted token loaded from disk"},
	{StateNoToken, StateAwaitingUserCode, "login_required", "No persisted token, user consent needed"},
	{StateNoToken, StateValid, "code_exchanged", "Authorization code exchanged for a token"},

	{StateAwaitingUserCode, StateValid, "code_exchanged", "Authorization code exchanged for a token"},

	{StateValid, StateExpired, "wall_clock_expired", "Token lifetime elapsed"},
	{StateValid, StateExpired, "provider_rejected", "Provider reported the token invalid"},
	{StateValid, StateValid, "code_exchanged", "Fresh login replaced a valid token"},

	{StateExpired, StateAwaitingUserCode, "token_discarded", "Persisted token deleted, re-authorization required"},
}

// StateMachine tracks session state transitions.
type StateMachine struct {
	transitionTime  time.Time
	transitionCount map[State]int
	currentState    State
	previousState   State
}

// NewStateMachine starts in StateNoToken.
func NewStateMachine() *StateMachine {
	return &StateMachine{
		currentState:    StateNoToken,
		previousState:   StateNoToken,
		transitionTime:  time.Now().UTC(),
		transitionCount: make(map[State]int),
	}
}

// GetCurrentState returns the current state
func (sm *StateMachine) GetCurrentState() State {
	return sm.currentState
}

// GetPreviousState returns the previous state
func (sm *StateMachine) GetPreviousState() State {
	return sm.previousState
}

// GetTransitionCount returns how many times the state has been entered.
func (sm *StateMachine) GetTransitionCount(state State) int {
	return sm.transitionCount[state]
}

// IsValidTransition checks if a transition is valid
func (sm *StateMachine) IsValidTransition(to State, condition string) error {
	for _, t := range ValidTransitions {
		if t.From == sm.currentState && t.To == to && t.Condition == condition {
			return nil
		}
	}
	return fmt.Errorf("invalid session transition from %s to %s with condition '%s'",
		sm.currentState, to, condition)
}

// Transition moves to a new state
func (sm *StateMachine) Transition(to State, condition string) error {
	if err := sm.IsValidTransition(to, condition); err != nil {
		return err
	}
	sm.previousState = sm.currentState
	sm.currentState = to
	sm.transitionTime = time.Now().UTC()
	sm.transitionCount[to]++
	return nil
}

// GetStateDescription returns a human-readable description of the current state
func (sm *StateMachine) GetStateDescription() string {
	switch sm.currentState {
	case StateNoToken:
		return "No access token loaded"
	case StateValid:
		return "Access token valid"
	case StateExpired:
		return "Access token expired or rejected"
	case StateAwaitingUserCode:
		return "Waiting for the user to complete provider login"
	default:
		return "Unknown state"
	}
}
