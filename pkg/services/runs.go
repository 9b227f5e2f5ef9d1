package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/arborworks/treeline/pkg/models"
	"github.com/arborworks/treeline/pkg/persistence"
	"github.com/arborworks/treeline/pkg/workflow"
)

// RunDetail is the full polling snapshot of one run: the run itself plus
// every attached record an operator dashboard renders.
type RunDetail struct {
	Run              *models.WorkflowRun      `json:"run"`
	Nodes            []*models.RunNode        `json:"nodes"`
	Artifacts        []*models.Artifact       `json:"artifacts"`
	RoutingDecisions []*models.RoutingDecision `json:"routing_decisions"`
	Diagnostics      []*models.Diagnostic     `json:"diagnostics"`
	Worktrees        []*models.Worktree       `json:"worktrees"`
}

// ListRunsRequest filters and pages run listings.
type ListRunsRequest struct {
	Status string
	Limit  int
	Offset int
}

// Runs starts runs from published definitions and serves run read surfaces.
type Runs struct {
	persistence persistence.Persistence
	planner     *workflow.Planner
	launcher    RunLauncher
	logger      *slog.Logger
}

func NewRuns(persistence persistence.Persistence, planner *workflow.Planner, launcher RunLauncher, logger *slog.Logger) *Runs {
	return &Runs{
		persistence: persistence,
		planner:     planner,
		launcher:    launcher,
		logger:      logger,
	}
}

// HealthCheck checks the health of the persistence layer.
func (r *Runs) HealthCheck(ctx context.Context) (string, bool) {
	if r.persistence == nil {
		return "Persistence layer not initialized", false
	}

	if err := r.persistence.HealthCheck(ctx); err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

// Start materializes a run from the tree's published version and launches
// its background execution.
func (r *Runs) Start(ctx context.Context, treeKey string) (*models.WorkflowRun, error) {
	run, nodes, err := r.planner.MaterializeRun(ctx, treeKey)
	if err != nil {
		return nil, err
	}

	r.launcher.Launch(ctx, run.ID)

	r.logger.InfoContext(ctx, "Run started",
		"run_id", run.ID, "tree_key", treeKey, "initial_nodes", len(nodes))

	return run, nil
}

// Get returns the run detail snapshot.
func (r *Runs) Get(ctx context.Context, runID string) (*RunDetail, error) {
	run, err := r.persistence.Runs().GetByID(ctx, runID)
	if err != nil {
		return nil, err
	}

	nodes, err := r.persistence.RunNodes().ListByRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	attachments := r.persistence.Attachments()

	artifacts, err := attachments.ListArtifactsByRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	decisions, err := attachments.ListRoutingDecisionsByRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	diagnostics, err := attachments.ListDiagnosticsByRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	worktrees, err := attachments.ListWorktreesByRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	return &RunDetail{
		Run:              run,
		Nodes:            nodes,
		Artifacts:        artifacts,
		RoutingDecisions: decisions,
		Diagnostics:      diagnostics,
		Worktrees:        worktrees,
	}, nil
}

// List returns runs filtered and paged per the request.
func (r *Runs) List(ctx context.Context, req ListRunsRequest) ([]*models.WorkflowRun, error) {
	opts := persistence.ListRunsOptions{
		Limit:  req.Limit,
		Offset: req.Offset,
	}

	if opts.Limit <= 0 || opts.Limit > 100 {
		opts.Limit = 20
	}

	if opts.Offset < 0 {
		opts.Offset = 0
	}

	if req.Status != "" {
		status := models.RunStatus(req.Status)

		switch status {
		case models.RunStatusPending, models.RunStatusRunning, models.RunStatusPaused,
			models.RunStatusFailed, models.RunStatusCompleted, models.RunStatusCancelled:
			opts.Status = &status
		default:
			return nil, fmt.Errorf("%w: unknown run status %q", ErrInvalidRequest, req.Status)
		}
	}

	return r.persistence.Runs().List(ctx, opts)
}
