package daemon

import (
	"fmt"
	"time"
)

// State is the lifecycle state of one projection agent.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateCatchingUp
	StateStopping
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateCatchingUp:
		return "catching_up"
	case StateStopping:
		return "stopping"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Active reports whether the agent goroutine is running.
func (s State) Active() bool {
	return s == StateStarting || s == StateRunning || s == StateCatchingUp || s == StateStopping
}

// Mode selects how projection ownership is decided.
type Mode string

const (
	// ModeSolo assumes this process is the only writer of every projection.
	ModeSolo Mode = "solo"
	// ModeCoordinated races other processes for a lease per projection.
	ModeCoordinated Mode = "coordinated"
)

// Status is a snapshot of one agent.
type Status struct {
	Projection  string    `json:"projection"`
	Table       string    `json:"table"`
	State       State     `json:"state"`
	Position    int64     `json:"position"`
	Tail        int64     `json:"tail"`
	Lag         int64     `json:"lag"`
	Owner       string    `json:"owner,omitempty"`
	Attempts    int       `json:"attempts,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	Fingerprint string    `json:"fingerprint"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Observation is reported to observers on every state change and every
// committed batch.
type Observation struct {
	Projection string
	From       State
	To         State
	// First and Last bound the committed batch; zero for pure transitions.
	First, Last int64
	// Applied counts events that produced a write.
	Applied int
	Err     error
}

// Observer receives observations. It is called synchronously from agent
// goroutines and must not block.
type Observer func(Observation)
