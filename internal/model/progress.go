package model

import "time"

// ProgressEvent is an immutable status update published after every job
// transition. Events for a job are observed in non-decreasing timestamp
// order by any subscriber.
type ProgressEvent struct {
	JobID     string    `json:"jobId"`
	Status    JobStatus `json:"status"`
	Stage     Stage     `json:"stage,omitempty"`
	Progress  float64   `json:"progress"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Terminal reports whether the event closes the job's event sequence.
func (e ProgressEvent) Terminal() bool {
	return e.Status.IsTerminal()
}
