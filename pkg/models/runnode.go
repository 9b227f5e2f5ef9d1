package models

import "time"

// RunNodeStatus represents the state of one node attempt within a run.
type RunNodeStatus string

const (
	RunNodeStatusPending   RunNodeStatus = "pending"
	RunNodeStatusRunning   RunNodeStatus = "running"
	RunNodeStatusCompleted RunNodeStatus = "completed"
	RunNodeStatusFailed    RunNodeStatus = "failed"
	// Skipped marks an attempt whose inbound edge never fired. The engine
	// only materializes attempts when an edge routes to them, so it never
	// writes this status itself; external node-execution collaborators may,
	// and the fan-out counters treat it as terminal.
	RunNodeStatusSkipped   RunNodeStatus = "skipped"
	RunNodeStatusCancelled RunNodeStatus = "cancelled" // Run cancelled while pending/running
)

// IsTerminal reports whether the attempt has settled.
func (s RunNodeStatus) IsTerminal() bool {
	switch s {
	case RunNodeStatusCompleted, RunNodeStatusFailed, RunNodeStatusSkipped, RunNodeStatusCancelled:
		return true
	default:
		return false
	}
}

// RunNode is one attempt of one definition node within a run. For a given
// (run, nodeKey) only the highest Attempt is current; lower attempts are
// immutable history. Lineage fields track fan-out ancestry.
type RunNode struct {
	ID            string        `json:"id"`
	WorkflowRunID string        `json:"workflow_run_id"`
	TreeNodeID    string        `json:"tree_node_id"` // Origin definition node ID
	NodeKey       string        `json:"node_key"`
	Attempt       int           `json:"attempt"` // 1-based, increments on retry
	SequenceIndex int           `json:"sequence_index"`
	Status        RunNodeStatus `json:"status"`
	NodeRole      NodeRole      `json:"node_role"`
	SpawnerNodeID *string       `json:"spawner_node_id,omitempty"`
	JoinNodeID    *string       `json:"join_node_id,omitempty"`
	LineageDepth  int           `json:"lineage_depth"`
	SequencePath  string        `json:"sequence_path"` // e.g. "0.2.1", spawn ordinal per depth
	StartedAt     *time.Time    `json:"started_at,omitempty"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// NodeOutcomeStatus is the terminal verdict an external collaborator reports
// for a node attempt.
type NodeOutcomeStatus string

const (
	NodeOutcomeSuccess NodeOutcomeStatus = "success"
	NodeOutcomeFailure NodeOutcomeStatus = "failure"
)

// NodeOutcome is what a node invoker hands back to the executor: the terminal
// verdict plus the result context guards and spawners are evaluated against.
type NodeOutcome struct {
	Status        NodeOutcomeStatus `json:"status"`
	ResultContext map[string]any    `json:"result_context,omitempty"`
	ChildItems    []map[string]any  `json:"child_items,omitempty"` // Spawner work items
	Error         string            `json:"error,omitempty"`
}
