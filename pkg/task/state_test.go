package task

import "testing"

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from    State
		to      State
		allowed bool
	}{
		{StateQueued, StateStarting, true},
		{StateQueued, StateCancelled, true},
		{StateQueued, StateRunning, false},
		{StateStarting, StateRunning, true},
		{StateStarting, StateCancelled, true},
		{StateStarting, StateCompleted, false},
		{StateRunning, StateCompleted, true},
		{StateRunning, StateFailed, true},
		{StateRunning, StateCancelled, true},
		{StateRunning, StateTimeout, true},
		{StateRunning, StateQueued, true}, // retry requeue
		{StateRunning, StateStarting, false},
		{StateCompleted, StateRunning, false},
		{StateFailed, StateQueued, false},
		{StateCancelled, StateStarting, false},
		{StateTimeout, StateRunning, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.allowed {
			t.Errorf("CanTransitionTo(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.allowed)
		}
	}
}

func TestStateIsTerminal(t *testing.T) {
	terminal := []State{StateCompleted, StateFailed, StateCancelled, StateTimeout}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}

	active := []State{StateQueued, StateStarting, StateRunning}
	for _, s := range active {
		if s.IsTerminal() {
			t.Errorf("expected %s to be non-terminal", s)
		}
	}
}

func TestStateValidate(t *testing.T) {
	for _, s := range []State{StateQueued, StateStarting, StateRunning, StateCompleted, StateFailed, StateCancelled, StateTimeout} {
		if err := s.Validate(); err != nil {
			t.Errorf("Validate(%s) = %v, want nil", s, err)
		}
	}

	if err := State("paused").Validate(); err == nil {
		t.Error("expected error for invalid state")
	}
}
