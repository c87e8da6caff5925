package process

import "time"

// State is the supervision state of one stream's encoder process.
type State string

// Supervision states. A stream with no handle is StateAbsent.
const (
	StateAbsent   State = "absent"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateExited   State = "exited"
)

// Info describes a supervised process.
type Info struct {
	ID         string    `json:"id"`
	State      State     `json:"state"`
	PID        int       `json:"pid"`
	Encoder    string    `json:"encoder,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	RetryCount int       `json:"retry_count"`
}
