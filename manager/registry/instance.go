package registry

import "time"

// State is the lifecycle state of an instance.
type State int

const (
	// StatePending means the registry entry exists but no port or
	// containers have been assigned yet.
	StatePending State = iota
	// StateStarting means a port is reserved and the stack is being
	// brought up.
	StateStarting
	// StateHealthChecking means the stack is up and health is being
	// verified before the instance is declared ready.
	StateHealthChecking
	// StateRunning means the instance is healthy and serving.
	StateRunning
	// StateDegraded means a running instance failed a subsequent health
	// check; its token remains valid but a warning is surfaced.
	StateDegraded
	// StateStopping means teardown has been requested and is in progress.
	StateStopping
	// StateStopped is terminal: the stack is down and the port released.
	StateStopped
	// StateFailed is terminal: the instance requires delete-and-recreate.
	StateFailed
)

// String returns a string representation of the State.
func (s State) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateStarting:
		return "Starting"
	case StateHealthChecking:
		return "HealthChecking"
	case StateRunning:
		return "Running"
	case StateDegraded:
		return "Degraded"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	case StateFailed:
		return "Failed"
	default:
		return "InvalidState"
	}
}

// MarshalJSON renders the state by name so API consumers never see the
// internal numbering.
func (s State) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Terminal reports whether the state is an end state from which the
// instance never resurrects.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

// CanTransition reports whether moving from s to next follows a defined
// lifecycle edge. Self-transitions are not edges.
func (s State) CanTransition(next State) bool {
	switch s {
	case StatePending:
		return next == StateStarting || next == StateFailed
	case StateStarting:
		return next == StateHealthChecking || next == StateStopping || next == StateFailed
	case StateHealthChecking:
		return next == StateRunning || next == StateStopping || next == StateFailed
	case StateRunning:
		return next == StateDegraded || next == StateStopping
	case StateDegraded:
		return next == StateRunning || next == StateStopping
	case StateStopping:
		return next == StateStopped || next == StateFailed
	default:
		// Stopped and Failed are terminal.
		return false
	}
}

// Instance is the registry's record of one deployed LoRaDB stack. The
// container handle (StackDir + ComposeProject) is owned exclusively by this
// record; the container driver holds no state between calls.
type Instance struct {
	Name  string `json:"name"`
	Port  int    `json:"port"`
	State State  `json:"state"`

	CreatedAt         time.Time `json:"created_at"`
	LastHealthCheckAt time.Time `json:"last_health_check_at,omitempty"`
	LastTokenIssuedAt time.Time `json:"last_token_issued_at,omitempty"`

	Token          string    `json:"-"`
	TokenExpiresAt time.Time `json:"token_expires_at,omitempty"`

	// StackDir is the instance workspace holding the rendered compose
	// file and env file; ComposeProject is the compose project name the
	// stack was brought up under.
	StackDir       string `json:"stack_dir"`
	ComposeProject string `json:"compose_project"`

	// LastError is the human-readable reason for the most recent failure,
	// surfaced through the status API.
	LastError string `json:"last_error,omitempty"`
}
