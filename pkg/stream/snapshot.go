// Package stream serves node-attempt event logs to observers: point-in-time
// snapshots and a polling live tail, both resumable from any sequence number.
package stream

import (
	"context"
	"fmt"

	"github.com/arborworks/treeline/pkg/models"
	"github.com/arborworks/treeline/pkg/persistence"
)

// DefaultBatchLimit caps how many events one snapshot returns.
const DefaultBatchLimit = 200

// Snapshot is one resumable read of an attempt's event log. Ended is true
// only when the attempt is terminal and no unseen event remains beyond the
// returned batch; a client that sees Ended=false keeps reading from
// LatestSequence of its own last event.
type Snapshot struct {
	WorkflowRunID  string                `json:"workflow_run_id"`
	RunNodeID      string                `json:"run_node_id"`
	Attempt        int                   `json:"attempt"`
	NodeStatus     models.RunNodeStatus  `json:"node_status"`
	Ended          bool                  `json:"ended"`
	LatestSequence int64                 `json:"latest_sequence"`
	Events         []*models.StreamEvent `json:"events"`
}

// Server answers snapshot reads against the persistent event log.
type Server struct {
	persistence persistence.Persistence
}

func NewServer(persistence persistence.Persistence) *Server {
	return &Server{persistence: persistence}
}

// Snapshot returns events with sequence > lastEventSequence, capped at
// limit (DefaultBatchLimit when limit is not positive).
func (s *Server) Snapshot(ctx context.Context, runID, runNodeID string, attempt int, lastEventSequence int64, limit int) (*Snapshot, error) {
	node, err := s.persistence.RunNodes().GetByID(ctx, runNodeID)
	if err != nil {
		return nil, err
	}

	if node.WorkflowRunID != runID {
		return nil, fmt.Errorf("run node %s: %w", runNodeID, persistence.ErrRunNodeNotFound)
	}

	if attempt <= 0 {
		attempt = node.Attempt
	}

	if limit <= 0 || limit > DefaultBatchLimit {
		limit = DefaultBatchLimit
	}

	events, err := s.persistence.Streams().ListAfter(ctx, runNodeID, attempt, lastEventSequence, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read event log: %w", err)
	}

	latest, err := s.persistence.Streams().LatestSequence(ctx, runNodeID, attempt)
	if err != nil {
		return nil, fmt.Errorf("failed to read latest sequence: %w", err)
	}

	// The caller has "seen" up to the last event of this batch; events may
	// still be queued past it even when the node is already terminal.
	effectiveLastSeen := lastEventSequence
	if len(events) > 0 {
		effectiveLastSeen = events[len(events)-1].Sequence
	}

	return &Snapshot{
		WorkflowRunID:  runID,
		RunNodeID:      runNodeID,
		Attempt:        attempt,
		NodeStatus:     node.Status,
		Ended:          node.Status.IsTerminal() && effectiveLastSeen >= latest,
		LatestSequence: latest,
		Events:         events,
	}, nil
}
