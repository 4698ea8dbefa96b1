package receiver

import "testing"

func TestRunState(t *testing.T) {
	t.Run("transition from matching state", func(t *testing.T) {
		rs := newRunState()

		if !rs.Transition(StateStarting, StateStopped) {
			t.Fatal("expected stopped -> starting to apply")
		}
		if got := rs.Get(); got != StateStarting {
			t.Errorf("expected starting, got %s", got)
		}
	})

	t.Run("transition rejected from other states", func(t *testing.T) {
		rs := newRunState()
		rs.Set(StateStarted)

		if rs.Transition(StateStarting, StateStopped) {
			t.Error("expected started -> starting to be rejected")
		}
		if got := rs.Get(); got != StateStarted {
			t.Errorf("state must be unchanged, got %s", got)
		}
	})

	t.Run("transition accepts any listed source", func(t *testing.T) {
		rs := newRunState()
		rs.Set(StateExceptionStopping)

		if !rs.Transition(StateStarting, StateStopped, StateExceptionStarting, StateExceptionStopping) {
			t.Error("expected recovery state to allow starting")
		}
	})

	t.Run("state names", func(t *testing.T) {
		names := map[RunState]string{
			StateStopped:           "stopped",
			StateStarting:          "starting",
			StateStarted:           "started",
			StateStopping:          "stopping",
			StateError:             "error",
			StateExceptionStarting: "exception_starting",
			StateExceptionStopping: "exception_stopping",
		}
		for state, want := range names {
			if got := state.String(); got != want {
				t.Errorf("expected %q, got %q", want, got)
			}
		}
	})
}
