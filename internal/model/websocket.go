package model

// WebSocket message types
const (
	WSMessageTypeProgress = "progress"
	WSMessageTypeComplete = "complete"
	WSMessageTypeError    = "error"
	WSMessageTypePing     = "ping"
	WSMessageTypePong     = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// WSProgressMessage carries one progress event to subscribers
type WSProgressMessage struct {
	Type  string        `json:"type"`
	Event ProgressEvent `json:"event"`
}

// WSCompleteMessage represents job completion
type WSCompleteMessage struct {
	Type         string  `json:"type"`
	JobID        string  `json:"jobId"`
	ArtifactPath string  `json:"artifactPath"`
	Duration     float64 `json:"durationSeconds,omitempty"`
}

// WSErrorMessage represents a job failure
type WSErrorMessage struct {
	Type  string  `json:"type"`
	JobID string  `json:"jobId"`
	Error WSError `json:"error"`
}

// WSError represents error details
type WSError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}
