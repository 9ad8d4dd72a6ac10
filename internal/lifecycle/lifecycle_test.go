package lifecycle

import "testing"

func TestCurrent_DefaultReady(t *testing.T) {
	Reset()
	if got := Current(); got != Ready {
		t.Errorf("Current() = %v, want ready", got)
	}
	if IsShuttingDown() {
		t.Error("IsShuttingDown() = true, want false by default")
	}
}

func TestSet_Transitions(t *testing.T) {
	Reset()
	defer Reset()

	Set(Starting)
	if got := Current(); got != Starting {
		t.Fatalf("Current() = %v, want starting", got)
	}
	Set(Ready)
	if got := Current(); got != Ready {
		t.Fatalf("Current() = %v, want ready", got)
	}
	Set(ShuttingDown)
	if !IsShuttingDown() {
		t.Fatal("IsShuttingDown() = false after Set(ShuttingDown)")
	}
}

func TestSet_ShuttingDownIsTerminal(t *testing.T) {
	Reset()
	defer Reset()

	Set(ShuttingDown)
	Set(Ready)
	Set(Starting)
	if got := Current(); got != ShuttingDown {
		t.Errorf("Current() = %v, want shutting-down to stick", got)
	}
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		Ready:        "ready",
		Starting:     "starting",
		ShuttingDown: "shutting-down",
		State(9):     "unknown",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}
