package models

import "time"

// Artifact is an immutable record produced by a node attempt (a document,
// patch, plan, or spawn list). The engine reads artifacts to drive routing
// and snapshots; it never rewrites them.
type Artifact struct {
	ID            string         `json:"id"`
	WorkflowRunID string         `json:"workflow_run_id"`
	RunNodeID     string         `json:"run_node_id"`
	Attempt       int            `json:"attempt"`
	Name          string         `json:"name"`
	ContentType   string         `json:"content_type"`
	Content       map[string]any `json:"content,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// RoutingDecision records which outgoing edge (if any) the executor selected
// after a node attempt settled.
type RoutingDecision struct {
	ID            string    `json:"id"`
	WorkflowRunID string    `json:"workflow_run_id"`
	RunNodeID     string    `json:"run_node_id"`
	Attempt       int       `json:"attempt"`
	RouteOn       RouteOn   `json:"route_on"`
	EdgeID        string    `json:"edge_id,omitempty"` // Empty when no edge matched
	TargetNodeKey string    `json:"target_node_key,omitempty"`
	Reason        string    `json:"reason"`
	CreatedAt     time.Time `json:"created_at"`
}

// DiagnosticSeverity classifies a diagnostic record.
type DiagnosticSeverity string

const (
	DiagnosticSeverityInfo    DiagnosticSeverity = "info"
	DiagnosticSeverityWarning DiagnosticSeverity = "warning"
	DiagnosticSeverityError   DiagnosticSeverity = "error"
)

// Diagnostic is an immutable observation attached to a node attempt.
type Diagnostic struct {
	ID            string             `json:"id"`
	WorkflowRunID string             `json:"workflow_run_id"`
	RunNodeID     string             `json:"run_node_id"`
	Attempt       int                `json:"attempt"`
	Severity      DiagnosticSeverity `json:"severity"`
	Message       string             `json:"message"`
	Detail        map[string]any     `json:"detail,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
}

// Worktree records a provisioned git worktree for a run node. Provisioning is
// an external collaborator; the engine only surfaces these in run snapshots.
type Worktree struct {
	ID            string    `json:"id"`
	WorkflowRunID string    `json:"workflow_run_id"`
	RunNodeID     string    `json:"run_node_id,omitempty"`
	Path          string    `json:"path"`
	Branch        string    `json:"branch"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}
