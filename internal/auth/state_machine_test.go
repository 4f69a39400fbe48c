package auth

import "testing"

func TestStateMachine_Transitions(t *testing.T) {
	tests := []struct {
		name      string
		path      []StateTransition
		wantError bool
	}{
		{
			name: "login from scratch",
			path: []StateTransition{
				{To: StateAwaitingUserCode, Condition: "login_required"},
				{To: StateValid, Condition: "code_exchanged"},
			},
		},
		{
			name: "expiry cycle",
			path: []StateTransition{
				{To: StateValid, Condition: "token_loaded"},
				{To: StateExpired, Condition: "wall_clock_expired"},
				{To: StateAwaitingUserCode, Condition: "token_discarded"},
				{To: StateValid, Condition: "code_exchanged"},
			},
		},
		{
			name: "provider rejection",
			path: []StateTransition{
				{To: StateValid, Condition: "token_loaded"},
				{To: StateExpired, Condition: "provider_rejected"},
				{To: StateAwaitingUserCode, Condition: "token_discarded"},
			},
		},
		{
			name:      "cannot expire without a token",
			path:      []StateTransition{{To: StateExpired, Condition: "wall_clock_expired"}},
			wantError: true,
		},
		{
			name: "expired must be discarded before re-login",
			path: []StateTransition{
				{To: StateValid, Condition: "token_loaded"},
				{To: StateExpired, Condition: "wall_clock_expired"},
				{To: StateValid, Condition: "code_exchanged"},
			},
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm := NewStateMachine()
			var err error
			for _, step := range tt.path {
				if err = sm.Transition(step.To, step.Condition); err != nil {
					break
				}
			}
			if tt.wantError && err == nil {
				t.Fatalf("expected an invalid transition")
			}
			if !tt.wantError && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestStateMachine_Descriptions(t *testing.T) {
	sm := NewStateMachine()
	if sm.GetStateDescription() != "No access token loaded" {
		t.Errorf("unexpected description %q", sm.GetStateDescription())
	}
	if err := sm.Transition(StateAwaitingUserCode, "login_required"); err != nil {
		t.Fatal(err)
	}
	if sm.GetPreviousState() != StateNoToken {
		t.Errorf("previous state = %s", sm.GetPreviousState())
	}
	if sm.GetTransitionCount(StateAwaitingUserCode) != 1 {
		t.Errorf("transition count = %d", sm.GetTransitionCount(StateAwaitingUserCode))
	}
}
