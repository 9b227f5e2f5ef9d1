package models

import "time"

// FanOutStatus represents the synchronization state of a fan-out group.
type FanOutStatus string

const (
	FanOutStatusOpen    FanOutStatus = "open"    // Children still settling
	FanOutStatusSettled FanOutStatus = "settled" // All children terminal, join unblocked
)

// FanOutGroup tracks one spawner→children→join completion group. It is
// created when a spawner node completes and produces child work items, and
// settles when TerminalChildren reaches ExpectedChildren.
type FanOutGroup struct {
	ID                    string       `json:"id"`
	WorkflowRunID         string       `json:"workflow_run_id"`
	SpawnerNodeID         string       `json:"spawner_node_id"`
	JoinNodeID            string       `json:"join_node_id"`
	SpawnSourceArtifactID string       `json:"spawn_source_artifact_id,omitempty"`
	ChildNodeIDs          []string     `json:"child_node_ids"`
	ExpectedChildren      int          `json:"expected_children"`
	CompletedChildren     int          `json:"completed_children"`
	FailedChildren        int          `json:"failed_children"`
	TerminalChildren      int          `json:"terminal_children"`
	Status                FanOutStatus `json:"status"`
	CreatedAt             time.Time    `json:"created_at"`
	UpdatedAt             time.Time    `json:"updated_at"`
}

// Settled reports whether every expected child has reached a terminal status.
func (g *FanOutGroup) Settled() bool {
	return g.TerminalChildren == g.ExpectedChildren
}
