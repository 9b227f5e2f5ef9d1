package file

import (
	"context"
	"encoding/json"
	"slices"
	"sort"
	"time"

	"github.com/arborworks/treeline/pkg/models"
	"github.com/arborworks/treeline/pkg/persistence"
)

// RunRepository stores workflow runs as JSON documents.
type RunRepository struct {
	store *store
}

func (r *RunRepository) Create(_ context.Context, run *models.WorkflowRun) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	return r.store.write(dirRuns, run.ID, run)
}

func (r *RunRepository) GetByID(_ context.Context, id string) (*models.WorkflowRun, error) {
	run := &models.WorkflowRun{}
	if err := r.store.read(dirRuns, id, run, persistence.ErrRunNotFound); err != nil {
		return nil, err
	}

	return run, nil
}

func (r *RunRepository) List(_ context.Context, opts persistence.ListRunsOptions) ([]*models.WorkflowRun, error) {
	runs := make([]*models.WorkflowRun, 0)

	err := r.store.readAll(dirRuns, func(data []byte) error {
		run := &models.WorkflowRun{}
		if err := json.Unmarshal(data, run); err != nil {
			return err
		}

		if opts.Status == nil || run.Status == *opts.Status {
			runs = append(runs, run)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(runs) {
			return []*models.WorkflowRun{}, nil
		}

		runs = runs[opts.Offset:]
	}

	if opts.Limit > 0 && opts.Limit < len(runs) {
		runs = runs[:opts.Limit]
	}

	return runs, nil
}

func (r *RunRepository) TransitionStatus(ctx context.Context, runID string, from []models.RunStatus, to models.RunStatus, at time.Time) (models.RunStatus, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	run := &models.WorkflowRun{}
	if err := r.store.read(dirRuns, runID, run, persistence.ErrRunNotFound); err != nil {
		return "", err
	}

	previous := run.Status

	if !slices.Contains(from, previous) {
		return previous, &persistence.RunError{Op: "TransitionStatus", RunID: runID, Err: persistence.ErrStatusConflict}
	}

	run.Status = to

	switch to {
	case models.RunStatusRunning:
		if run.StartedAt == nil {
			started := at
			run.StartedAt = &started
		}
	case models.RunStatusCompleted, models.RunStatusFailed, models.RunStatusCancelled:
		completed := at
		run.CompletedAt = &completed
	}

	if err := r.store.write(dirRuns, run.ID, run); err != nil {
		return previous, err
	}

	return previous, nil
}

// RunNodeRepository stores node attempts as JSON documents.
type RunNodeRepository struct {
	store *store
}

func (r *RunNodeRepository) Create(_ context.Context, node *models.RunNode) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	return r.store.write(dirRunNodes, node.ID, node)
}

func (r *RunNodeRepository) GetByID(_ context.Context, id string) (*models.RunNode, error) {
	node := &models.RunNode{}
	if err := r.store.read(dirRunNodes, id, node, persistence.ErrRunNodeNotFound); err != nil {
		return nil, err
	}

	return node, nil
}

func (r *RunNodeRepository) ListByRun(_ context.Context, runID string) ([]*models.RunNode, error) {
	return r.list(func(node *models.RunNode) bool {
		return node.WorkflowRunID == runID
	})
}

func (r *RunNodeRepository) ListByRunAndStatus(_ context.Context, runID string, status models.RunNodeStatus) ([]*models.RunNode, error) {
	return r.list(func(node *models.RunNode) bool {
		return node.WorkflowRunID == runID && node.Status == status
	})
}

func (r *RunNodeRepository) MaxAttempt(_ context.Context, runID, nodeKey string) (int, error) {
	maxAttempt := 0

	err := r.store.readAll(dirRunNodes, func(data []byte) error {
		node := &models.RunNode{}
		if err := json.Unmarshal(data, node); err != nil {
			return err
		}

		if node.WorkflowRunID == runID && node.NodeKey == nodeKey && node.Attempt > maxAttempt {
			maxAttempt = node.Attempt
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return maxAttempt, nil
}

func (r *RunNodeRepository) TransitionStatus(_ context.Context, nodeID string, from []models.RunNodeStatus, to models.RunNodeStatus, at time.Time) (models.RunNodeStatus, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	node := &models.RunNode{}
	if err := r.store.read(dirRunNodes, nodeID, node, persistence.ErrRunNodeNotFound); err != nil {
		return "", err
	}

	previous := node.Status

	if !slices.Contains(from, previous) {
		return previous, persistence.ErrStatusConflict
	}

	node.Status = to

	switch to {
	case models.RunNodeStatusRunning:
		started := at
		node.StartedAt = &started
	case models.RunNodeStatusCompleted, models.RunNodeStatusFailed,
		models.RunNodeStatusSkipped, models.RunNodeStatusCancelled:
		completed := at
		node.CompletedAt = &completed
	}

	if err := r.store.write(dirRunNodes, node.ID, node); err != nil {
		return previous, err
	}

	return previous, nil
}

func (r *RunNodeRepository) CancelActive(_ context.Context, runID string, at time.Time) ([]string, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	cancelled := make([]string, 0)

	nodes, err := r.list(func(node *models.RunNode) bool {
		return node.WorkflowRunID == runID &&
			(node.Status == models.RunNodeStatusPending || node.Status == models.RunNodeStatusRunning)
	})
	if err != nil {
		return nil, err
	}

	for _, node := range nodes {
		node.Status = models.RunNodeStatusCancelled
		completed := at
		node.CompletedAt = &completed

		if err := r.store.write(dirRunNodes, node.ID, node); err != nil {
			return cancelled, err
		}

		cancelled = append(cancelled, node.ID)
	}

	return cancelled, nil
}

func (r *RunNodeRepository) list(match func(*models.RunNode) bool) ([]*models.RunNode, error) {
	nodes := make([]*models.RunNode, 0)

	err := r.store.readAll(dirRunNodes, func(data []byte) error {
		node := &models.RunNode{}
		if err := json.Unmarshal(data, node); err != nil {
			return err
		}

		if match(node) {
			nodes = append(nodes, node)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].SequenceIndex != nodes[j].SequenceIndex {
			return nodes[i].SequenceIndex < nodes[j].SequenceIndex
		}

		if nodes[i].NodeKey != nodes[j].NodeKey {
			return nodes[i].NodeKey < nodes[j].NodeKey
		}

		return nodes[i].Attempt < nodes[j].Attempt
	})

	return nodes, nil
}
