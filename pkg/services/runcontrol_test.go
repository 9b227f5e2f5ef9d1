package services

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arborworks/treeline/pkg/invokers/script"
	"github.com/arborworks/treeline/pkg/models"
	"github.com/arborworks/treeline/pkg/persistence"
	"github.com/arborworks/treeline/pkg/persistence/file"
	"github.com/arborworks/treeline/pkg/protocol"
	"github.com/arborworks/treeline/pkg/registry"
	"github.com/arborworks/treeline/pkg/workflow"
)

// recordingLauncher captures launch requests without running anything.
type recordingLauncher struct {
	launched []string
}

func (l *recordingLauncher) Launch(_ context.Context, runID string) {
	l.launched = append(l.launched, runID)
}

func testLogger() *slog.Logger {
	return slog.Default()
}

func newTestPersistence(t *testing.T) *file.Persistence {
	t.Helper()

	return file.NewPersistence(t.TempDir())
}

func seedRun(t *testing.T, store persistence.Persistence, status models.RunStatus) *models.WorkflowRun {
	t.Helper()

	now := time.Now().UTC()
	run := &models.WorkflowRun{
		ID:                uuid.New().String(),
		DefinitionID:      uuid.New().String(),
		TreeKey:           "test-tree",
		DefinitionVersion: 1,
		Status:            status,
		CreatedAt:         now,
	}

	require.NoError(t, store.Runs().Create(context.Background(), run))

	return run
}

func seedRunNode(t *testing.T, store persistence.Persistence, runID, nodeKey string, attempt int, status models.RunNodeStatus) *models.RunNode {
	t.Helper()

	node := &models.RunNode{
		ID:            uuid.New().String(),
		WorkflowRunID: runID,
		TreeNodeID:    uuid.New().String(),
		NodeKey:       nodeKey,
		Attempt:       attempt,
		Status:        status,
		NodeRole:      models.NodeRoleStandard,
		SequencePath:  "0",
		CreatedAt:     time.Now().UTC(),
	}

	require.NoError(t, store.RunNodes().Create(context.Background(), node))

	return node
}

func TestRunControl_PauseRunningRun(t *testing.T) {
	ctx := context.Background()
	store := newTestPersistence(t)
	launcher := &recordingLauncher{}
	control := NewRunControl(store, launcher, nil, testLogger())

	run := seedRun(t, store, models.RunStatusRunning)

	result, err := control.Apply(ctx, run.ID, ActionPause)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, result.Outcome)
	assert.Equal(t, models.RunStatusRunning, result.PreviousRunStatus)
	assert.Equal(t, models.RunStatusPaused, result.RunStatus)

	stored, err := store.Runs().GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPaused, stored.Status)
}

func TestRunControl_PauseAlreadyPausedIsNoop(t *testing.T) {
	ctx := context.Background()
	store := newTestPersistence(t)
	control := NewRunControl(store, &recordingLauncher{}, nil, testLogger())

	run := seedRun(t, store, models.RunStatusPaused)

	result, err := control.Apply(ctx, run.ID, ActionPause)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, result.Outcome)
	assert.Equal(t, models.RunStatusPaused, result.RunStatus)
}

func TestRunControl_PausePendingRunConflicts(t *testing.T) {
	ctx := context.Background()
	store := newTestPersistence(t)
	control := NewRunControl(store, &recordingLauncher{}, nil, testLogger())

	run := seedRun(t, store, models.RunStatusPending)

	_, err := control.Apply(ctx, run.ID, ActionPause)
	require.Error(t, err)
	assert.ErrorIs(t, err, persistence.ErrStatusConflict)
}

func TestRunControl_ResumeRelaunchesExecution(t *testing.T) {
	ctx := context.Background()
	store := newTestPersistence(t)
	launcher := &recordingLauncher{}
	control := NewRunControl(store, launcher, nil, testLogger())

	run := seedRun(t, store, models.RunStatusPaused)

	result, err := control.Apply(ctx, run.ID, ActionResume)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, result.Outcome)
	assert.Equal(t, models.RunStatusRunning, result.RunStatus)
	assert.Equal(t, []string{run.ID}, launcher.launched)
}

func TestRunControl_ResumeRunningRunIsNoopWithoutLaunch(t *testing.T) {
	ctx := context.Background()
	store := newTestPersistence(t)
	launcher := &recordingLauncher{}
	control := NewRunControl(store, launcher, nil, testLogger())

	run := seedRun(t, store, models.RunStatusRunning)

	result, err := control.Apply(ctx, run.ID, ActionResume)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, result.Outcome)
	assert.Empty(t, launcher.launched)
}

func TestRunControl_CancelTerminatesActiveNodes(t *testing.T) {
	ctx := context.Background()
	store := newTestPersistence(t)
	control := NewRunControl(store, &recordingLauncher{}, nil, testLogger())

	run := seedRun(t, store, models.RunStatusRunning)
	pending := seedRunNode(t, store, run.ID, "design", 1, models.RunNodeStatusPending)
	running := seedRunNode(t, store, run.ID, "implement", 1, models.RunNodeStatusRunning)
	done := seedRunNode(t, store, run.ID, "review", 1, models.RunNodeStatusCompleted)

	result, err := control.Apply(ctx, run.ID, ActionCancel)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, result.Outcome)
	assert.Equal(t, models.RunStatusCancelled, result.RunStatus)

	nodes, err := store.RunNodes().ListByRun(ctx, run.ID)
	require.NoError(t, err)

	statuses := make(map[string]models.RunNodeStatus, len(nodes))
	for _, node := range nodes {
		statuses[node.ID] = node.Status
	}

	assert.Equal(t, models.RunNodeStatusCancelled, statuses[pending.ID])
	assert.Equal(t, models.RunNodeStatusCancelled, statuses[running.ID])
	assert.Equal(t, models.RunNodeStatusCompleted, statuses[done.ID], "settled history is never rewritten")
}

func TestRunControl_CancelFailedRunApplies(t *testing.T) {
	ctx := context.Background()
	store := newTestPersistence(t)
	control := NewRunControl(store, &recordingLauncher{}, nil, testLogger())

	run := seedRun(t, store, models.RunStatusFailed)

	result, err := control.Apply(ctx, run.ID, ActionCancel)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, result.Outcome)
	assert.Equal(t, models.RunStatusFailed, result.PreviousRunStatus)
}

func TestRunControl_CancelCompletedRunConflicts(t *testing.T) {
	ctx := context.Background()
	store := newTestPersistence(t)
	control := NewRunControl(store, &recordingLauncher{}, nil, testLogger())

	run := seedRun(t, store, models.RunStatusCompleted)

	_, err := control.Apply(ctx, run.ID, ActionCancel)
	require.Error(t, err)
	assert.ErrorIs(t, err, persistence.ErrStatusConflict)
}

func TestRunControl_RetryRequeuesFailedAttempts(t *testing.T) {
	ctx := context.Background()
	store := newTestPersistence(t)
	launcher := &recordingLauncher{}
	control := NewRunControl(store, launcher, nil, testLogger())

	run := seedRun(t, store, models.RunStatusFailed)
	seedRunNode(t, store, run.ID, "design", 1, models.RunNodeStatusCompleted)
	failed := seedRunNode(t, store, run.ID, "implement", 2, models.RunNodeStatusFailed)

	result, err := control.Apply(ctx, run.ID, ActionRetry)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, result.Outcome)
	assert.Equal(t, models.RunStatusRunning, result.RunStatus)
	require.Len(t, result.RetriedRunNodeIDs, 1)
	assert.Equal(t, []string{run.ID}, launcher.launched)

	retried, err := store.RunNodes().GetByID(ctx, result.RetriedRunNodeIDs[0])
	require.NoError(t, err)
	assert.Equal(t, "implement", retried.NodeKey)
	assert.Equal(t, 3, retried.Attempt, "retry bumps past the failed attempt")
	assert.Equal(t, models.RunNodeStatusPending, retried.Status)

	// The failed attempt stays where it was, as history.
	original, err := store.RunNodes().GetByID(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunNodeStatusFailed, original.Status)
}

func TestRunControl_RetryIgnoresSupersededFailures(t *testing.T) {
	ctx := context.Background()
	store := newTestPersistence(t)
	control := NewRunControl(store, &recordingLauncher{}, nil, testLogger())

	run := seedRun(t, store, models.RunStatusFailed)

	// Attempt 1 failed but attempt 2 completed: the slot is not failed.
	seedRunNode(t, store, run.ID, "implement", 1, models.RunNodeStatusFailed)
	seedRunNode(t, store, run.ID, "implement", 2, models.RunNodeStatusCompleted)

	result, err := control.Apply(ctx, run.ID, ActionRetry)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, result.Outcome)
	assert.Empty(t, result.RetriedRunNodeIDs)

	stored, err := store.Runs().GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, stored.Status, "a noop retry leaves the run failed")
}

func TestRunControl_RetryNonFailedRunConflicts(t *testing.T) {
	ctx := context.Background()
	store := newTestPersistence(t)
	control := NewRunControl(store, &recordingLauncher{}, nil, testLogger())

	run := seedRun(t, store, models.RunStatusRunning)

	_, err := control.Apply(ctx, run.ID, ActionRetry)
	require.Error(t, err)
	assert.ErrorIs(t, err, persistence.ErrStatusConflict)
}

// publishFanOutDefinition saves a published spawner→child→join topology
// directly, bypassing the draft lifecycle.
func publishFanOutDefinition(t *testing.T, store persistence.Persistence, treeKey string) *models.WorkflowDefinition {
	t.Helper()

	fanOutNode := func(key, provider string, role models.NodeRole, sequenceIndex int) *models.DefinitionNode {
		return &models.DefinitionNode{
			ID:            uuid.New().String(),
			NodeKey:       key,
			NodeType:      models.NodeTypeAgent,
			NodeRole:      role,
			Provider:      provider,
			SequenceIndex: sequenceIndex,
		}
	}
	autoEdge := func(source, target string) *models.DefinitionEdge {
		return &models.DefinitionEdge{
			ID:            uuid.New().String(),
			SourceNodeKey: source,
			TargetNodeKey: target,
			RouteOn:       models.RouteOnSuccess,
			Priority:      100,
			Auto:          true,
		}
	}

	now := time.Now().UTC()
	publishedAt := now
	definition := &models.WorkflowDefinition{
		ID:      uuid.New().String(),
		TreeKey: treeKey,
		Version: 1,
		Status:  models.DefinitionStatusPublished,
		Name:    treeKey,
		Nodes: []*models.DefinitionNode{
			fanOutNode("split", "splitter", models.NodeRoleSpawner, 0),
			fanOutNode("work", "worker", models.NodeRoleStandard, 1),
			fanOutNode("merge", "merger", models.NodeRoleJoin, 2),
		},
		Edges: []*models.DefinitionEdge{
			autoEdge("split", "work"),
			autoEdge("work", "merge"),
		},
		CreatedAt:   now,
		UpdatedAt:   now,
		PublishedAt: &publishedAt,
	}

	require.NoError(t, store.Definitions().Save(context.Background(), definition))

	return definition
}

func TestRunControl_RetryReopensFanOutGroupAndRegatesJoin(t *testing.T) {
	ctx := context.Background()
	store := newTestPersistence(t)
	reg := registry.NewRegistry(testLogger())

	reg.RegisterInvoker(script.NewInvokerFactory("splitter", func(_ context.Context, _ *protocol.InvocationRequest) (*models.NodeOutcome, error) {
		return &models.NodeOutcome{
			Status:        models.NodeOutcomeSuccess,
			ResultContext: map[string]any{},
			ChildItems:    []map[string]any{{"shard": "a"}, {"shard": "b"}},
		}, nil
	}))

	// Every child fails on its first attempt and succeeds once retried.
	var retriedChildContexts []map[string]any

	reg.RegisterInvoker(script.NewInvokerFactory("worker", func(_ context.Context, req *protocol.InvocationRequest) (*models.NodeOutcome, error) {
		if req.RunNode.Attempt == 1 {
			return &models.NodeOutcome{Status: models.NodeOutcomeFailure, Error: "shard failed"}, nil
		}

		retriedChildContexts = append(retriedChildContexts, req.ResultContext)

		return &models.NodeOutcome{Status: models.NodeOutcomeSuccess, ResultContext: map[string]any{}}, nil
	}))

	// The join refuses to merge while any child failed.
	var joinContexts []map[string]any

	reg.RegisterInvoker(script.NewInvokerFactory("merger", func(_ context.Context, req *protocol.InvocationRequest) (*models.NodeOutcome, error) {
		joinContexts = append(joinContexts, req.ResultContext)

		aggregates, _ := req.ResultContext["fanOut"].(map[string]any)
		if failed, _ := aggregates["failedChildren"].(int); failed > 0 {
			return &models.NodeOutcome{Status: models.NodeOutcomeFailure, Error: "failed shards"}, nil
		}

		return &models.NodeOutcome{Status: models.NodeOutcomeSuccess, ResultContext: map[string]any{"merged": true}}, nil
	}))

	publishFanOutDefinition(t, store, "retry-fanout-tree")

	planner := workflow.NewPlanner(store, testLogger())

	run, _, err := planner.MaterializeRun(ctx, "retry-fanout-tree")
	require.NoError(t, err)

	executor := workflow.NewExecutor(store, reg, workflow.NewFanOutCoordinator(store, testLogger()), nil, nil, testLogger())
	require.NoError(t, executor.ExecuteRun(ctx, run.ID))

	failed, err := store.Runs().GetByID(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, models.RunStatusFailed, failed.Status, "a failed join with no failure edge fails the run")

	control := NewRunControl(store, NewSynchronousLauncher(executor, testLogger()), nil, testLogger())

	result, err := control.Apply(ctx, run.ID, ActionRetry)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, result.Outcome)
	require.Len(t, result.RetriedRunNodeIDs, 3, "both failed children plus the failed join")

	settled, err := store.Runs().GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, settled.Status)

	groups, err := store.FanOuts().ListByRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, groups, 1)

	group := groups[0]
	assert.Equal(t, models.FanOutStatusSettled, group.Status)
	assert.Equal(t, 2, group.ExpectedChildren)
	assert.Equal(t, 2, group.TerminalChildren, "retried terminals replace the rolled-back ones, never double-count")
	assert.Equal(t, 2, group.CompletedChildren)
	assert.Equal(t, 0, group.FailedChildren)

	// The group follows the retried attempts: its join and children are the
	// attempt-2 rows.
	joinNode, err := store.RunNodes().GetByID(ctx, group.JoinNodeID)
	require.NoError(t, err)
	assert.Equal(t, 2, joinNode.Attempt)
	assert.Equal(t, models.RunNodeStatusCompleted, joinNode.Status)

	for _, childID := range group.ChildNodeIDs {
		child, err := store.RunNodes().GetByID(ctx, childID)
		require.NoError(t, err)
		assert.Equal(t, 2, child.Attempt)
		assert.Equal(t, models.RunNodeStatusCompleted, child.Status)
		require.NotNil(t, child.JoinNodeID)
		assert.Equal(t, group.JoinNodeID, *child.JoinNodeID)
	}

	// Retried children keep their work items.
	require.Len(t, retriedChildContexts, 2)

	shards := make(map[string]bool)

	for _, childCtx := range retriedChildContexts {
		item, ok := childCtx["item"].(map[string]any)
		require.True(t, ok, "retried child lost its work item")

		shard, _ := item["shard"].(string)
		shards[shard] = true
	}

	assert.Len(t, shards, 2)

	// The join stayed gated across the retry: its second invocation already
	// sees every retried child settled.
	require.Len(t, joinContexts, 2)
	aggregates, ok := joinContexts[1]["fanOut"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 2, aggregates["terminalChildren"])
	assert.EqualValues(t, 2, aggregates["completedChildren"])
	assert.EqualValues(t, 0, aggregates["failedChildren"])
}

// racingCancelStore lets a cancel win the race against retry's failed→running
// transition.
type racingCancelStore struct {
	persistence.Persistence
	cancelOnce sync.Once
}

func (s *racingCancelStore) Runs() persistence.RunRepository {
	return &racingCancelRuns{RunRepository: s.Persistence.Runs(), store: s}
}

type racingCancelRuns struct {
	persistence.RunRepository
	store *racingCancelStore
}

func (r *racingCancelRuns) TransitionStatus(ctx context.Context, runID string, from []models.RunStatus, to models.RunStatus, at time.Time) (models.RunStatus, error) {
	r.store.cancelOnce.Do(func() {
		inner := r.store.Persistence
		_, _ = inner.Runs().TransitionStatus(ctx, runID,
			[]models.RunStatus{models.RunStatusFailed}, models.RunStatusCancelled, at)
		_, _ = inner.RunNodes().CancelActive(ctx, runID, at)
	})

	return r.RunRepository.TransitionStatus(ctx, runID, from, to, at)
}

func TestRunControl_RetryLosingCancelRaceCreatesNoAttempts(t *testing.T) {
	ctx := context.Background()
	store := newTestPersistence(t)
	racing := &racingCancelStore{Persistence: store}
	launcher := &recordingLauncher{}
	control := NewRunControl(racing, launcher, nil, testLogger())

	run := seedRun(t, store, models.RunStatusFailed)
	seedRunNode(t, store, run.ID, "implement", 1, models.RunNodeStatusFailed)

	_, err := control.Apply(ctx, run.ID, ActionRetry)
	require.Error(t, err)
	assert.ErrorIs(t, err, persistence.ErrStatusConflict)
	assert.Empty(t, launcher.launched)

	// The cancel already swept active nodes; retry must not have left fresh
	// pending attempts behind that sweep.
	nodes, err := store.RunNodes().ListByRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, models.RunNodeStatusFailed, nodes[0].Status)

	stored, err := store.Runs().GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCancelled, stored.Status)
}

func TestRunControl_UnknownActionIsInvalid(t *testing.T) {
	ctx := context.Background()
	store := newTestPersistence(t)
	control := NewRunControl(store, &recordingLauncher{}, nil, testLogger())

	run := seedRun(t, store, models.RunStatusRunning)

	_, err := control.Apply(ctx, run.ID, ControlAction("restart"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestRunControl_UnknownRunIsNotFound(t *testing.T) {
	ctx := context.Background()
	store := newTestPersistence(t)
	control := NewRunControl(store, &recordingLauncher{}, nil, testLogger())

	_, err := control.Apply(ctx, uuid.New().String(), ActionPause)
	require.Error(t, err)
	assert.True(t, persistence.IsNotFound(err))
}
