package model

import "time"

// RunStatus represents the current state of an extraction run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// Run is the persisted log entry for one extraction. The aggregate document
// itself is handed to the caller and never stored.
type Run struct {
	ID         string     `json:"id"`
	Source     string     `json:"source"`
	UserID     string     `json:"user_id"`
	Status     RunStatus  `json:"status"`
	SheetNames []string   `json:"sheet_names,omitempty"`
	Error      string     `json:"error,omitempty"`
	Usage      TokenUsage `json:"usage"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// RunResult is written when a run finishes, successfully or not.
type RunResult struct {
	Status     RunStatus  `json:"status"`
	SheetNames []string   `json:"sheet_names,omitempty"`
	Error      string     `json:"error,omitempty"`
	Usage      TokenUsage `json:"usage"`
}
