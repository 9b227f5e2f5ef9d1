package models

import "time"

// StreamEvent is one entry in a node attempt's append-only event log.
// Sequence is strictly increasing per (RunNodeID, Attempt), assigned at
// persistence time and never reused; events are immutable once sequenced.
type StreamEvent struct {
	ID            string         `json:"id"`
	WorkflowRunID string         `json:"workflow_run_id"`
	RunNodeID     string         `json:"run_node_id"`
	Attempt       int            `json:"attempt"`
	Sequence      int64          `json:"sequence"`
	EventType     string         `json:"event_type"` // e.g. output, tool_call, status
	Payload       map[string]any `json:"payload,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}
