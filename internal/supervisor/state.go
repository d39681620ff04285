// Package supervisor manages the lifecycle of the single NBOServe worker process.
package supervisor

// State represents the current state of the worker process.
type State int

const (
	// StateCreated is the initial state before the worker has started.
	StateCreated State = iota

	// StateStarting indicates the worker process is being spawned.
	StateStarting

	// StateRunning indicates the worker process is alive.
	StateRunning

	// StateExited indicates the worker exited on its own.
	StateExited

	// StateStopped indicates the worker was closed.
	StateStopped

	// StateFailed indicates the worker could not be launched.
	StateFailed
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsActive returns true if a worker process exists or is being spawned.
func (s State) IsActive() bool {
	return s == StateStarting || s == StateRunning
}
