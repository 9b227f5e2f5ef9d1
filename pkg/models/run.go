package models

import "time"

// RunStatus represents the lifecycle state of a workflow run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCompleted RunStatus = "completed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether no further status transitions are allowed.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusCancelled
}

// WorkflowRun is one execution instance of a published definition version.
type WorkflowRun struct {
	ID                string     `json:"id"`
	DefinitionID      string     `json:"definition_id"`
	TreeKey           string     `json:"tree_key"`
	DefinitionVersion int        `json:"definition_version"`
	Status            RunStatus  `json:"status"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}
