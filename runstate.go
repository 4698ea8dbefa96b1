package receiver

import (
	"fmt"
	"sync"
)

// RunState is the lifecycle state of a receiver. Only StateStarted permits
// message acceptance.
type RunState int

const (
	// StateStopped is the initial and final state.
	StateStopped RunState = iota
	// StateStarting means the listener is being opened.
	StateStarting
	// StateStarted means the receiver accepts and processes messages.
	StateStarted
	// StateStopping means a stop request is being carried out.
	StateStopping
	// StateError means the receiver hit a non-recoverable error. Entering
	// this state always triggers the stop sequence; no processing happens
	// in it.
	StateError
	// StateExceptionStarting means startup failed before reaching
	// StateStarted.
	StateExceptionStarting
	// StateExceptionStopping means shutdown did not complete cleanly,
	// typically because a resource failed to close within the stop timeout.
	StateExceptionStopping
)

// String returns the state name
func (s RunState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateStarted:
		return "started"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	case StateExceptionStarting:
		return "exception_starting"
	case StateExceptionStopping:
		return "exception_stopping"
	default:
		return fmt.Sprintf("runstate(%d)", int(s))
	}
}

// runState guards lifecycle transitions under a dedicated lock, distinct
// from any per-message lock, so control-plane operations never contend with
// the data plane.
type runState struct {
	mu    sync.Mutex
	state RunState
}

func newRunState() *runState {
	return &runState{state: StateStopped}
}

// Get returns the current state
func (r *runState) Get() RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Is reports whether the current state equals s
func (r *runState) Is(s RunState) bool {
	return r.Get() == s
}

// Set unconditionally moves to the given state
func (r *runState) Set(s RunState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Transition moves from one of the given states to the target state.
// It reports whether the transition was applied.
func (r *runState) Transition(to RunState, from ...RunState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range from {
		if r.state == f {
			r.state = to
			return true
		}
	}
	return false
}
