package services

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/arborworks/treeline/pkg/eventbus"
	"github.com/arborworks/treeline/pkg/events"
	"github.com/arborworks/treeline/pkg/models"
	"github.com/arborworks/treeline/pkg/persistence"
	"github.com/arborworks/treeline/pkg/workflow"
	"github.com/google/uuid"
)

// ControlAction is an operator action on a run.
type ControlAction string

const (
	ActionPause  ControlAction = "pause"
	ActionResume ControlAction = "resume"
	ActionCancel ControlAction = "cancel"
	ActionRetry  ControlAction = "retry"
)

// Control outcomes. An action that finds the run already in its target state
// is a noop, not an error; a lost precondition race is a conflict error.
const (
	OutcomeApplied = "applied"
	OutcomeNoop    = "noop"
)

// ControlResult reports what a run-control action did.
type ControlResult struct {
	Action            ControlAction    `json:"action"`
	Outcome           string           `json:"outcome"`
	WorkflowRunID     string           `json:"workflow_run_id"`
	PreviousRunStatus models.RunStatus `json:"previous_run_status"`
	RunStatus         models.RunStatus `json:"run_status"`
	RetriedRunNodeIDs []string         `json:"retried_run_node_ids"`
}

// RunControl applies operator actions to runs as atomic, idempotent status
// transitions. Every transition is a single conditional update; concurrent
// actions racing the same precondition produce exactly one winner.
type RunControl struct {
	persistence persistence.Persistence
	launcher    RunLauncher
	eventBus    eventbus.EventPublisher
	logger      *slog.Logger
}

func NewRunControl(persistence persistence.Persistence, launcher RunLauncher, eventBus eventbus.EventPublisher, logger *slog.Logger) *RunControl {
	return &RunControl{
		persistence: persistence,
		launcher:    launcher,
		eventBus:    eventBus,
		logger:      logger,
	}
}

// Apply executes one control action against a run.
func (s *RunControl) Apply(ctx context.Context, runID string, action ControlAction) (*ControlResult, error) {
	run, err := s.persistence.Runs().GetByID(ctx, runID)
	if err != nil {
		return nil, err
	}

	switch action {
	case ActionPause:
		return s.pause(ctx, run)
	case ActionResume:
		return s.resume(ctx, run)
	case ActionCancel:
		return s.cancel(ctx, run)
	case ActionRetry:
		return s.retry(ctx, run)
	default:
		return nil, fmt.Errorf("%w: unknown action %q", ErrInvalidRequest, action)
	}
}

func (s *RunControl) pause(ctx context.Context, run *models.WorkflowRun) (*ControlResult, error) {
	if run.Status == models.RunStatusPaused {
		return s.noop(ActionPause, run), nil
	}

	previous, err := s.persistence.Runs().TransitionStatus(ctx, run.ID,
		[]models.RunStatus{models.RunStatusRunning}, models.RunStatusPaused, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	return s.applied(ctx, ActionPause, run, previous, models.RunStatusPaused, nil), nil
}

func (s *RunControl) resume(ctx context.Context, run *models.WorkflowRun) (*ControlResult, error) {
	if run.Status == models.RunStatusRunning {
		return s.noop(ActionResume, run), nil
	}

	previous, err := s.persistence.Runs().TransitionStatus(ctx, run.ID,
		[]models.RunStatus{models.RunStatusPaused}, models.RunStatusRunning, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	s.launcher.Launch(ctx, run.ID)

	return s.applied(ctx, ActionResume, run, previous, models.RunStatusRunning, nil), nil
}

func (s *RunControl) cancel(ctx context.Context, run *models.WorkflowRun) (*ControlResult, error) {
	if run.Status == models.RunStatusCancelled {
		return s.noop(ActionCancel, run), nil
	}

	now := time.Now().UTC()

	previous, err := s.persistence.Runs().TransitionStatus(ctx, run.ID,
		[]models.RunStatus{
			models.RunStatusPending,
			models.RunStatusRunning,
			models.RunStatusPaused,
			models.RunStatusFailed,
		}, models.RunStatusCancelled, now)
	if err != nil {
		return nil, err
	}

	cancelled, err := s.persistence.RunNodes().CancelActive(ctx, run.ID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel active nodes of run %s: %w", run.ID, err)
	}

	s.logger.InfoContext(ctx, "Run cancelled", "run_id", run.ID, "cancelled_nodes", len(cancelled))

	return s.applied(ctx, ActionCancel, run, previous, models.RunStatusCancelled, nil), nil
}

// retry re-queues every currently-failed node attempt at attempt+1 and sets
// the run running again. A failed run with no failed current attempts (all
// were cancelled, say) is a noop that leaves the run failed.
func (s *RunControl) retry(ctx context.Context, run *models.WorkflowRun) (*ControlResult, error) {
	if run.Status != models.RunStatusFailed {
		return nil, fmt.Errorf("%w: retry requires a failed run, run %s is %s",
			persistence.ErrStatusConflict, run.ID, run.Status)
	}

	failed, err := s.failedCurrentAttempts(ctx, run.ID)
	if err != nil {
		return nil, err
	}

	if len(failed) == 0 {
		result := s.noop(ActionRetry, run)
		result.RetriedRunNodeIDs = []string{}

		return result, nil
	}

	now := time.Now().UTC()

	// Flip the run before materializing anything: losing this race to a
	// concurrent cancel must leave no stray pending attempts behind its
	// CancelActive sweep.
	previous, err := s.persistence.Runs().TransitionStatus(ctx, run.ID,
		[]models.RunStatus{models.RunStatusFailed}, models.RunStatusRunning, now)
	if err != nil {
		return nil, err
	}

	retried, err := s.requeueFailed(ctx, run, failed, now)
	if err != nil {
		return nil, err
	}

	s.launcher.Launch(ctx, run.ID)

	s.logger.InfoContext(ctx, "Run retried", "run_id", run.ID, "retried_nodes", len(retried))

	return s.applied(ctx, ActionRetry, run, previous, models.RunStatusRunning, retried), nil
}

// requeueFailed creates the next pending attempt for every failed node.
// Fan-out groups are keyed by run-node IDs, so retried members must be
// re-linked into their group: a retried join carries the group's aggregates
// over to its new attempt, a retried child re-opens the group so the join
// stays gated until the fresh attempt settles, with the child's work item
// carried forward. Joins go first so retried children point at the join's
// new attempt.
func (s *RunControl) requeueFailed(ctx context.Context, run *models.WorkflowRun, failed []*models.RunNode, now time.Time) ([]string, error) {
	sort.SliceStable(failed, func(i, j int) bool {
		return failed[i].NodeRole == models.NodeRoleJoin && failed[j].NodeRole != models.NodeRoleJoin
	})

	joinRemap := make(map[string]string)
	retried := make([]string, 0, len(failed))

	for _, node := range failed {
		next := &models.RunNode{
			ID:            uuid.New().String(),
			WorkflowRunID: node.WorkflowRunID,
			TreeNodeID:    node.TreeNodeID,
			NodeKey:       node.NodeKey,
			Attempt:       node.Attempt + 1,
			SequenceIndex: node.SequenceIndex,
			Status:        models.RunNodeStatusPending,
			NodeRole:      node.NodeRole,
			SpawnerNodeID: node.SpawnerNodeID,
			JoinNodeID:    node.JoinNodeID,
			LineageDepth:  node.LineageDepth,
			SequencePath:  node.SequencePath,
			CreatedAt:     now,
		}

		if next.JoinNodeID != nil {
			if remapped, ok := joinRemap[*next.JoinNodeID]; ok {
				next.JoinNodeID = &remapped
			}
		}

		if err := s.persistence.RunNodes().Create(ctx, next); err != nil {
			return nil, fmt.Errorf("failed to re-queue node %q: %w", node.NodeKey, err)
		}

		if err := s.relinkFanOut(ctx, run, node, next, joinRemap); err != nil {
			return nil, err
		}

		retried = append(retried, next.ID)
	}

	return retried, nil
}

// relinkFanOut re-points a retried fan-out member's group at the new attempt.
// Standard nodes outside any group pass straight through.
func (s *RunControl) relinkFanOut(ctx context.Context, run *models.WorkflowRun, node, next *models.RunNode, joinRemap map[string]string) error {
	switch {
	case node.NodeRole == models.NodeRoleJoin:
		group, err := s.persistence.FanOuts().GetByJoinNode(ctx, node.ID)
		if err != nil {
			if persistence.IsNotFound(err) {
				// A join with no upstream group is only warned about at
				// validation time; nothing to re-link.
				return nil
			}

			return err
		}

		if _, err := s.persistence.FanOuts().ReplaceRetriedNode(ctx, group.ID, node.ID, next.ID); err != nil {
			return fmt.Errorf("failed to re-link retried join %q: %w", node.NodeKey, err)
		}

		joinRemap[node.ID] = next.ID
	case node.SpawnerNodeID != nil && node.JoinNodeID != nil:
		group, err := s.persistence.FanOuts().GetByJoinNode(ctx, *next.JoinNodeID)
		if err != nil {
			return fmt.Errorf("failed to resolve fan-out group for retried child %q: %w", node.NodeKey, err)
		}

		if _, err := s.persistence.FanOuts().ReplaceRetriedNode(ctx, group.ID, node.ID, next.ID); err != nil {
			return fmt.Errorf("failed to re-open fan-out group for %q: %w", node.NodeKey, err)
		}

		if err := s.carryWorkItem(ctx, run, node, next); err != nil {
			return err
		}
	}

	return nil
}

// carryWorkItem copies the failed child attempt's work item onto the new
// attempt, so the retried child is invoked with the same fan-out input.
func (s *RunControl) carryWorkItem(ctx context.Context, run *models.WorkflowRun, node, next *models.RunNode) error {
	artifacts, err := s.persistence.Attachments().ListArtifactsByRun(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("failed to list artifacts: %w", err)
	}

	for _, artifact := range artifacts {
		if artifact.RunNodeID != node.ID || artifact.Attempt != node.Attempt || artifact.Name != workflow.ArtifactWorkItem {
			continue
		}

		copied := &models.Artifact{
			ID:            uuid.New().String(),
			WorkflowRunID: run.ID,
			RunNodeID:     next.ID,
			Attempt:       next.Attempt,
			Name:          artifact.Name,
			ContentType:   artifact.ContentType,
			Content:       artifact.Content,
			CreatedAt:     time.Now().UTC(),
		}

		if err := s.persistence.Attachments().SaveArtifact(ctx, copied); err != nil {
			return fmt.Errorf("failed to carry work item forward: %w", err)
		}

		return nil
	}

	return nil
}

// failedCurrentAttempts returns the failed attempts that are the highest
// attempt of their slot. A slot is a node key at a sequence path; fan-out
// children occupy distinct slots under the same key.
func (s *RunControl) failedCurrentAttempts(ctx context.Context, runID string) ([]*models.RunNode, error) {
	nodes, err := s.persistence.RunNodes().ListByRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	latest := make(map[string]*models.RunNode, len(nodes))

	for _, node := range nodes {
		slot := node.NodeKey + "|" + node.SequencePath
		if node.SpawnerNodeID != nil {
			slot += "|" + *node.SpawnerNodeID
		}

		if existing, ok := latest[slot]; !ok || node.Attempt > existing.Attempt {
			latest[slot] = node
		}
	}

	failed := make([]*models.RunNode, 0)

	for _, node := range latest {
		if node.Status == models.RunNodeStatusFailed {
			failed = append(failed, node)
		}
	}

	return failed, nil
}

func (s *RunControl) noop(action ControlAction, run *models.WorkflowRun) *ControlResult {
	return &ControlResult{
		Action:            action,
		Outcome:           OutcomeNoop,
		WorkflowRunID:     run.ID,
		PreviousRunStatus: run.Status,
		RunStatus:         run.Status,
		RetriedRunNodeIDs: []string{},
	}
}

func (s *RunControl) applied(ctx context.Context, action ControlAction, run *models.WorkflowRun, previous, current models.RunStatus, retried []string) *ControlResult {
	if retried == nil {
		retried = []string{}
	}

	s.publishControlEvent(ctx, action, run, previous, current)

	return &ControlResult{
		Action:            action,
		Outcome:           OutcomeApplied,
		WorkflowRunID:     run.ID,
		PreviousRunStatus: previous,
		RunStatus:         current,
		RetriedRunNodeIDs: retried,
	}
}

func (s *RunControl) publishControlEvent(ctx context.Context, action ControlAction, run *models.WorkflowRun, previous, current models.RunStatus) {
	if s.eventBus == nil {
		return
	}

	var event eventbus.Event

	base := events.BaseEvent{
		ID:            uuid.New().String(),
		Timestamp:     time.Now().UTC(),
		WorkflowRunID: run.ID,
		TreeKey:       run.TreeKey,
	}

	switch action {
	case ActionPause, ActionResume:
		controlEvent := events.RunControlApplied{
			BaseEvent:      base,
			Action:         string(action),
			PreviousStatus: previous,
			Status:         current,
		}
		controlEvent.BaseEvent.Type = controlEvent.GetType()
		event = controlEvent
	case ActionCancel:
		settled := events.RunSettled{
			BaseEvent: base,
			Status:    models.RunStatusCancelled,
		}
		settled.BaseEvent.Type = events.RunCancelledEvent
		event = settled
	default:
		return
	}

	if err := s.eventBus.Publish(ctx, run.ID, event); err != nil {
		s.logger.ErrorContext(ctx, "Failed to publish run control event",
			"run_id", run.ID, "action", action, "error", err)
	}
}
