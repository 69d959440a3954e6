package coordinator

import "time"

// Phase is the coarse lifecycle position of a session.
type Phase string

const (
	PhaseWaiting   Phase = "waiting"
	PhaseTraining  Phase = "training"
	PhaseCompleted Phase = "completed"
	PhaseAborted   Phase = "aborted"
)

// Status is a point-in-time view of the session for the status API.
type Status struct {
	SessionID string `json:"session_id"`
	Phase     Phase  `json:"phase"`
	Expected  int    `json:"expected_clients"`
	Connected int    `json:"connected_clients"`
	Epochs    int    `json:"epochs"`
	Layers    int    `json:"layers"`
	// Epoch and Layer locate the most recent aggregation.
	Epoch      int       `json:"epoch"`
	Layer      int       `json:"layer"`
	Rounds     int       `json:"rounds"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Status returns a copy of the current session status.
func (c *Coordinator) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}
