// Package lifecycle holds the process-wide serving state reported by /health.
package lifecycle

import "sync/atomic"

// State is the serving phase of the process. The zero value is Ready.
type State int32

const (
	Ready State = iota
	// Starting is set while startup work (store open, warming) is still running.
	Starting
	// ShuttingDown is set on SIGTERM/SIGINT; it is never left.
	ShuttingDown
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Starting:
		return "starting"
	case ShuttingDown:
		return "shutting-down"
	default:
		return "unknown"
	}
}

var state atomic.Int32

// Set moves the process to s. Once ShuttingDown, later calls other than Reset are ignored.
func Set(s State) {
	for {
		cur := state.Load()
		if State(cur) == ShuttingDown {
			return
		}
		if state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

// Current returns the serving state.
func Current() State {
	return State(state.Load())
}

// IsShuttingDown returns true if the process is draining and should not receive new traffic.
func IsShuttingDown() bool {
	return Current() == ShuttingDown
}

// Reset returns to Ready unconditionally. Tests only.
func Reset() {
	state.Store(int32(Ready))
}
