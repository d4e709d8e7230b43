package task

import "fmt"

// State is the lifecycle state of a background task.
type State string

const (
	// StateQueued indicates the task is waiting for a worker.
	StateQueued State = "queued"

	// StateStarting indicates a worker has picked the task up.
	StateStarting State = "starting"

	// StateRunning indicates the work callable is executing.
	StateRunning State = "running"

	// StateCompleted indicates the task finished successfully.
	StateCompleted State = "completed"

	// StateFailed indicates the task failed with retries exhausted.
	StateFailed State = "failed"

	// StateCancelled indicates the task was cancelled externally.
	StateCancelled State = "cancelled"

	// StateTimeout indicates the final attempt exceeded the task timeout.
	StateTimeout State = "timeout"
)

// transitions is the closed set of legal state changes. Running->Queued is
// the retry requeue; nothing leaves a terminal state.
var transitions = map[State][]State{
	StateQueued:   {StateStarting, StateCancelled},
	StateStarting: {StateRunning, StateCancelled},
	StateRunning:  {StateCompleted, StateFailed, StateCancelled, StateTimeout, StateQueued},
}

// IsTerminal reports whether the state is final.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateTimeout:
		return true
	}
	return false
}

// CanTransitionTo reports whether s -> to is a legal transition.
func (s State) CanTransitionTo(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Validate checks that the state is a member of the closed set.
func (s State) Validate() error {
	switch s {
	case StateQueued, StateStarting, StateRunning,
		StateCompleted, StateFailed, StateCancelled, StateTimeout:
		return nil
	default:
		return fmt.Errorf("invalid task state: %s", s)
	}
}
