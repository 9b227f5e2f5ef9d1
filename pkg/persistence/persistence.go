// Package persistence provides the storage abstraction for the workflow run
// engine. The persistent store is the single source of truth for every
// entity; all status transitions go through conditional updates so concurrent
// writers cannot both succeed against the same expected prior state.
package persistence

import (
	"context"
	"time"

	"github.com/arborworks/treeline/pkg/models"
)

// Persistence aggregates the per-entity repositories of one backing store.
type Persistence interface {
	Definitions() DefinitionRepository
	Runs() RunRepository
	RunNodes() RunNodeRepository
	FanOuts() FanOutRepository
	Streams() StreamRepository
	Attachments() AttachmentRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// DefinitionRepository stores workflow definition versions. Draft mutation
// and publishing are compare-and-swap operations keyed on DraftRevision.
type DefinitionRepository interface {
	// Save upserts a definition record by ID.
	Save(ctx context.Context, definition *models.WorkflowDefinition) error

	// GetByID returns one definition version, or ErrDefinitionNotFound.
	GetByID(ctx context.Context, id string) (*models.WorkflowDefinition, error)

	// GetDraft returns the single draft for a tree key, or ErrDraftNotFound.
	GetDraft(ctx context.Context, treeKey string) (*models.WorkflowDefinition, error)

	// GetPublished returns the currently published version for a tree key,
	// or ErrPublishedNotFound.
	GetPublished(ctx context.Context, treeKey string) (*models.WorkflowDefinition, error)

	// ListVersions returns every version for a tree key, newest first.
	ListVersions(ctx context.Context, treeKey string) ([]*models.WorkflowDefinition, error)

	// UpdateDraft replaces the stored draft's content if its DraftRevision
	// still equals expectedRevision, bumping the revision by one. Returns
	// ErrRevisionConflict when the token is stale.
	UpdateDraft(ctx context.Context, draft *models.WorkflowDefinition, expectedRevision int) (*models.WorkflowDefinition, error)

	// PublishDraft atomically promotes the draft to published (demoting any
	// previously published version to unpublished history) if its
	// DraftRevision still equals expectedRevision.
	PublishDraft(ctx context.Context, treeKey string, expectedRevision int) (*models.WorkflowDefinition, error)
}

// ListRunsOptions filters and pages run listings.
type ListRunsOptions struct {
	Status *models.RunStatus
	Limit  int
	Offset int
}

// RunRepository stores workflow runs.
type RunRepository interface {
	Create(ctx context.Context, run *models.WorkflowRun) error
	GetByID(ctx context.Context, id string) (*models.WorkflowRun, error)
	List(ctx context.Context, opts ListRunsOptions) ([]*models.WorkflowRun, error)

	// TransitionStatus performs a single conditional status update: the run
	// must currently be in one of the from statuses. It returns the status
	// the run held before the transition, or ErrStatusConflict when the
	// precondition no longer holds.
	TransitionStatus(ctx context.Context, runID string, from []models.RunStatus, to models.RunStatus, at time.Time) (models.RunStatus, error)
}

// RunNodeRepository stores node attempts.
type RunNodeRepository interface {
	Create(ctx context.Context, node *models.RunNode) error
	GetByID(ctx context.Context, id string) (*models.RunNode, error)
	ListByRun(ctx context.Context, runID string) ([]*models.RunNode, error)
	ListByRunAndStatus(ctx context.Context, runID string, status models.RunNodeStatus) ([]*models.RunNode, error)

	// MaxAttempt returns the highest attempt number recorded for a node key
	// within a run, zero when the node has never been materialized.
	MaxAttempt(ctx context.Context, runID, nodeKey string) (int, error)

	// TransitionStatus conditionally moves a node attempt between statuses,
	// returning ErrStatusConflict when the expected status no longer holds.
	TransitionStatus(ctx context.Context, nodeID string, from []models.RunNodeStatus, to models.RunNodeStatus, at time.Time) (models.RunNodeStatus, error)

	// CancelActive marks every pending/running node of a run cancelled and
	// returns the affected node IDs.
	CancelActive(ctx context.Context, runID string, at time.Time) ([]string, error)
}

// FanOutRepository stores spawner→children→join completion groups.
type FanOutRepository interface {
	Create(ctx context.Context, group *models.FanOutGroup) error
	GetByID(ctx context.Context, id string) (*models.FanOutGroup, error)
	GetByJoinNode(ctx context.Context, joinNodeID string) (*models.FanOutGroup, error)
	ListByRun(ctx context.Context, runID string) ([]*models.FanOutGroup, error)

	// RecordChildTerminal increments the group's terminal counters for one
	// child settling with the given status and settles the group when the
	// threshold is reached, all in one atomic update. The updated group is
	// returned so callers can check Settled without a second read.
	RecordChildTerminal(ctx context.Context, groupID string, childStatus models.RunNodeStatus) (*models.FanOutGroup, error)

	// ReplaceRetriedNode re-links a retried member's fresh attempt into the
	// group. A retried join swaps JoinNodeID, keeping the settled group and
	// its aggregates reachable from the new attempt. A retried child swaps
	// its ChildNodeIDs entry, rolls its failed terminal back out of the
	// counters, and re-opens the group so the join stays gated until the new
	// attempt settles. Returns ErrFanOutGroupNotFound when previousNodeID is
	// not a member.
	ReplaceRetriedNode(ctx context.Context, groupID, previousNodeID, newNodeID string) (*models.FanOutGroup, error)
}

// StreamRepository stores per-attempt append-only event logs.
type StreamRepository interface {
	// Append persists an event, assigning the next sequence number for its
	// (runNodeID, attempt) log. Sequences are strictly increasing and never
	// reused.
	Append(ctx context.Context, event *models.StreamEvent) (*models.StreamEvent, error)

	// ListAfter returns events with sequence > afterSequence, ascending,
	// capped at limit.
	ListAfter(ctx context.Context, runNodeID string, attempt int, afterSequence int64, limit int) ([]*models.StreamEvent, error)

	// LatestSequence returns the highest sequence persisted for the log,
	// zero when the log is empty.
	LatestSequence(ctx context.Context, runNodeID string, attempt int) (int64, error)
}

// AttachmentRepository stores the immutable records attached to node
// attempts: artifacts, routing decisions, diagnostics, and worktrees.
type AttachmentRepository interface {
	SaveArtifact(ctx context.Context, artifact *models.Artifact) error
	GetArtifact(ctx context.Context, id string) (*models.Artifact, error)
	ListArtifactsByRun(ctx context.Context, runID string) ([]*models.Artifact, error)

	SaveRoutingDecision(ctx context.Context, decision *models.RoutingDecision) error
	ListRoutingDecisionsByRun(ctx context.Context, runID string) ([]*models.RoutingDecision, error)

	SaveDiagnostic(ctx context.Context, diagnostic *models.Diagnostic) error
	ListDiagnosticsByRun(ctx context.Context, runID string) ([]*models.Diagnostic, error)

	SaveWorktree(ctx context.Context, worktree *models.Worktree) error
	ListWorktreesByRun(ctx context.Context, runID string) ([]*models.Worktree, error)
}
