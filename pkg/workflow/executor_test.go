package workflow

import (
	"context"
	"errors"
	"log/slog"
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
)

func testLogger() *slog.Logger {
	return slog.Default()
}

func newTestPersistence(t *testing.T) *file.Persistence {
	t.Helper()

	return file.NewPersistence(t.TempDir())
}

// publishDefinition saves a published definition directly, bypassing the
// draft lifecycle.
func publishDefinition(t *testing.T, store persistence.Persistence, treeKey string, nodes []*models.DefinitionNode, edges []*models.DefinitionEdge) *models.WorkflowDefinition {
	t.Helper()

	now := time.Now().UTC()
	publishedAt := now
	definition := &models.WorkflowDefinition{
		ID:          uuid.New().String(),
		TreeKey:     treeKey,
		Version:     1,
		Status:      models.DefinitionStatusPublished,
		Name:        treeKey,
		Nodes:       nodes,
		Edges:       edges,
		CreatedAt:   now,
		UpdatedAt:   now,
		PublishedAt: &publishedAt,
	}

	require.NoError(t, store.Definitions().Save(context.Background(), definition))

	return definition
}

func node(key, provider string, sequenceIndex int) *models.DefinitionNode {
	return &models.DefinitionNode{
		ID:            uuid.New().String(),
		NodeKey:       key,
		NodeType:      models.NodeTypeAgent,
		Provider:      provider,
		SequenceIndex: sequenceIndex,
	}
}

func autoEdge(source, target string, priority int) *models.DefinitionEdge {
	return &models.DefinitionEdge{
		ID:            uuid.New().String(),
		SourceNodeKey: source,
		TargetNodeKey: target,
		RouteOn:       models.RouteOnSuccess,
		Priority:      priority,
		Auto:          true,
	}
}

func guardedEdge(source, target string, priority int, guard *models.GuardExpression) *models.DefinitionEdge {
	return &models.DefinitionEdge{
		ID:            uuid.New().String(),
		SourceNodeKey: source,
		TargetNodeKey: target,
		RouteOn:       models.RouteOnSuccess,
		Priority:      priority,
		Guard:         guard,
	}
}

func failureEdge(source, target string) *models.DefinitionEdge {
	return &models.DefinitionEdge{
		ID:            uuid.New().String(),
		SourceNodeKey: source,
		TargetNodeKey: target,
		RouteOn:       models.RouteOnFailure,
		Auto:          true,
	}
}

// succeedWith registers a provider whose attempts succeed with a fixed result
// context, recording every invocation context it receives.
func succeedWith(reg *registry.Registry, provider string, result map[string]any, seen *[]map[string]any) {
	reg.RegisterInvoker(script.NewInvokerFactory(provider, func(_ context.Context, req *protocol.InvocationRequest) (*models.NodeOutcome, error) {
		if seen != nil {
			*seen = append(*seen, req.ResultContext)
		}

		return &models.NodeOutcome{Status: models.NodeOutcomeSuccess, ResultContext: result}, nil
	}))
}

func failWith(reg *registry.Registry, provider, message string) {
	reg.RegisterInvoker(script.NewInvokerFactory(provider, func(_ context.Context, _ *protocol.InvocationRequest) (*models.NodeOutcome, error) {
		return &models.NodeOutcome{Status: models.NodeOutcomeFailure, Error: message}, nil
	}))
}

func newTestExecutor(store persistence.Persistence, reg *registry.Registry) *Executor {
	coordinator := NewFanOutCoordinator(store, testLogger())

	return NewExecutor(store, reg, coordinator, nil, nil, testLogger())
}

func materialize(t *testing.T, store persistence.Persistence, treeKey string) *models.WorkflowRun {
	t.Helper()

	planner := NewPlanner(store, testLogger())

	run, _, err := planner.MaterializeRun(context.Background(), treeKey)
	require.NoError(t, err)

	return run
}

func nodesByKey(t *testing.T, store persistence.Persistence, runID string) map[string][]*models.RunNode {
	t.Helper()

	all, err := store.RunNodes().ListByRun(context.Background(), runID)
	require.NoError(t, err)

	byKey := make(map[string][]*models.RunNode)
	for _, n := range all {
		byKey[n.NodeKey] = append(byKey[n.NodeKey], n)
	}

	return byKey
}

func TestExecutor_LinearRunCompletes(t *testing.T) {
	ctx := context.Background()
	store := newTestPersistence(t)
	reg := registry.NewRegistry(testLogger())

	var implementContexts []map[string]any

	succeedWith(reg, "designer", map[string]any{"plan": "two phases"}, nil)
	succeedWith(reg, "implementer", map[string]any{"done": true}, &implementContexts)

	publishDefinition(t, store, "feature-tree",
		[]*models.DefinitionNode{
			node("design", "designer", 0),
			node("implement", "implementer", 1),
		},
		[]*models.DefinitionEdge{
			autoEdge("design", "implement", 100),
		})

	run := materialize(t, store, "feature-tree")
	executor := newTestExecutor(store, reg)

	require.NoError(t, executor.ExecuteRun(ctx, run.ID))

	settled, err := store.Runs().GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, settled.Status)
	assert.NotNil(t, settled.CompletedAt)

	byKey := nodesByKey(t, store, run.ID)
	require.Len(t, byKey["design"], 1)
	require.Len(t, byKey["implement"], 1)
	assert.Equal(t, models.RunNodeStatusCompleted, byKey["design"][0].Status)
	assert.Equal(t, models.RunNodeStatusCompleted, byKey["implement"][0].Status)

	// The downstream node is invoked with the upstream result artifact.
	require.Len(t, implementContexts, 1)
	assert.Equal(t, "two phases", implementContexts[0]["plan"])

	decisions, err := store.Attachments().ListRoutingDecisionsByRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, decisions, 2)
}

func TestExecutor_GuardedEdgesFireInPriorityOrder(t *testing.T) {
	ctx := context.Background()
	store := newTestPersistence(t)
	reg := registry.NewRegistry(testLogger())

	succeedWith(reg, "reviewer", map[string]any{"verdict": "revise"}, nil)
	succeedWith(reg, "sink", map[string]any{"ok": true}, nil)

	publishDefinition(t, store, "review-tree",
		[]*models.DefinitionNode{
			node("review", "reviewer", 0),
			node("ship", "sink", 1),
			node("revise", "sink", 2),
			node("fallback", "sink", 3),
		},
		[]*models.DefinitionEdge{
			guardedEdge("review", "ship", 10, &models.GuardExpression{
				Field: "verdict", Operator: models.GuardOpEqual, Value: "approve",
			}),
			guardedEdge("review", "revise", 20, &models.GuardExpression{
				Field: "verdict", Operator: models.GuardOpEqual, Value: "revise",
			}),
			autoEdge("review", "fallback", 100),
		})

	run := materialize(t, store, "review-tree")
	require.NoError(t, newTestExecutor(store, reg).ExecuteRun(ctx, run.ID))

	byKey := nodesByKey(t, store, run.ID)
	assert.Len(t, byKey["revise"], 1)
	assert.Empty(t, byKey["ship"])
	assert.Empty(t, byKey["fallback"], "a lower-priority guard match must shadow the auto fallback")
}

func TestExecutor_AutoFallbackWhenNoGuardMatches(t *testing.T) {
	ctx := context.Background()
	store := newTestPersistence(t)
	reg := registry.NewRegistry(testLogger())

	succeedWith(reg, "reviewer", map[string]any{"verdict": "unknown"}, nil)
	succeedWith(reg, "sink", nil, nil)

	publishDefinition(t, store, "review-tree",
		[]*models.DefinitionNode{
			node("review", "reviewer", 0),
			node("ship", "sink", 1),
			node("fallback", "sink", 2),
		},
		[]*models.DefinitionEdge{
			guardedEdge("review", "ship", 10, &models.GuardExpression{
				Field: "verdict", Operator: models.GuardOpEqual, Value: "approve",
			}),
			autoEdge("review", "fallback", 100),
		})

	run := materialize(t, store, "review-tree")
	require.NoError(t, newTestExecutor(store, reg).ExecuteRun(ctx, run.ID))

	byKey := nodesByKey(t, store, run.ID)
	assert.Empty(t, byKey["ship"])
	assert.Len(t, byKey["fallback"], 1)
}

func TestExecutor_RoutingDecisionsRecordMatchReasons(t *testing.T) {
	ctx := context.Background()
	store := newTestPersistence(t)
	reg := registry.NewRegistry(testLogger())

	succeedWith(reg, "reviewer", map[string]any{"verdict": "approve"}, nil)
	succeedWith(reg, "sink", nil, nil)

	publishDefinition(t, store, "reason-tree",
		[]*models.DefinitionNode{
			node("review", "reviewer", 0),
			node("ship", "sink", 1),
			node("announce", "sink", 2),
		},
		[]*models.DefinitionEdge{
			guardedEdge("review", "ship", 10, &models.GuardExpression{
				Field: "verdict", Operator: models.GuardOpEqual, Value: "approve",
			}),
			autoEdge("ship", "announce", 100),
		})

	run := materialize(t, store, "reason-tree")
	require.NoError(t, newTestExecutor(store, reg).ExecuteRun(ctx, run.ID))

	decisions, err := store.Attachments().ListRoutingDecisionsByRun(ctx, run.ID)
	require.NoError(t, err)

	byKey := nodesByKey(t, store, run.ID)
	reasons := make(map[string]string, len(decisions))

	for _, decision := range decisions {
		for key, attempts := range byKey {
			if attempts[0].ID == decision.RunNodeID {
				reasons[key] = decision.Reason
			}
		}
	}

	assert.Equal(t, "guard passed on success edge", reasons["review"])
	assert.Equal(t, "auto success edge matched", reasons["ship"])
	assert.Equal(t, "no success edge matched", reasons["announce"])
}

func TestExecutor_FailureEdgeRoutesToHandler(t *testing.T) {
	ctx := context.Background()
	store := newTestPersistence(t)
	reg := registry.NewRegistry(testLogger())

	failWith(reg, "flaky", "build broke")
	succeedWith(reg, "handler", map[string]any{"handled": true}, nil)

	publishDefinition(t, store, "handled-tree",
		[]*models.DefinitionNode{
			node("build", "flaky", 0),
			node("cleanup", "handler", 1),
		},
		[]*models.DefinitionEdge{
			failureEdge("build", "cleanup"),
		})

	run := materialize(t, store, "handled-tree")
	require.NoError(t, newTestExecutor(store, reg).ExecuteRun(ctx, run.ID))

	settled, err := store.Runs().GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, settled.Status, "a handled failure must not fail the run")

	byKey := nodesByKey(t, store, run.ID)
	assert.Equal(t, models.RunNodeStatusFailed, byKey["build"][0].Status)
	assert.Equal(t, models.RunNodeStatusCompleted, byKey["cleanup"][0].Status)
}

func TestExecutor_UnhandledFailureFailsRun(t *testing.T) {
	ctx := context.Background()
	store := newTestPersistence(t)
	reg := registry.NewRegistry(testLogger())

	failWith(reg, "flaky", "build broke")

	publishDefinition(t, store, "fragile-tree",
		[]*models.DefinitionNode{node("build", "flaky", 0)},
		nil)

	run := materialize(t, store, "fragile-tree")
	require.NoError(t, newTestExecutor(store, reg).ExecuteRun(ctx, run.ID))

	settled, err := store.Runs().GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, settled.Status)

	// The attempt still gets its no-match routing decision.
	decisions, err := store.Attachments().ListRoutingDecisionsByRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Empty(t, decisions[0].EdgeID)
	assert.Equal(t, models.RouteOnFailure, decisions[0].RouteOn)
}

func TestExecutor_InvokerErrorSettlesAttemptAsFailure(t *testing.T) {
	ctx := context.Background()
	store := newTestPersistence(t)
	reg := registry.NewRegistry(testLogger())

	reg.RegisterInvoker(script.NewInvokerFactory("unreachable", func(_ context.Context, _ *protocol.InvocationRequest) (*models.NodeOutcome, error) {
		return nil, errors.New("provider unreachable")
	}))

	publishDefinition(t, store, "broken-tree",
		[]*models.DefinitionNode{node("call", "unreachable", 0)},
		nil)

	run := materialize(t, store, "broken-tree")
	require.NoError(t, newTestExecutor(store, reg).ExecuteRun(ctx, run.ID))

	byKey := nodesByKey(t, store, run.ID)
	assert.Equal(t, models.RunNodeStatusFailed, byKey["call"][0].Status)

	diagnostics, err := store.Attachments().ListDiagnosticsByRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, diagnostics, 1)
	assert.Equal(t, models.DiagnosticSeverityError, diagnostics[0].Severity)
	assert.Contains(t, diagnostics[0].Message, "provider unreachable")
}

func TestExecutor_AuthErrorRecordsAuthRequiredDiagnostic(t *testing.T) {
	ctx := context.Background()
	store := newTestPersistence(t)
	reg := registry.NewRegistry(testLogger())

	reg.RegisterInvoker(script.NewInvokerFactory("gated", func(_ context.Context, _ *protocol.InvocationRequest) (*models.NodeOutcome, error) {
		return nil, &protocol.AuthError{Provider: "gated", Reason: "token expired"}
	}))

	publishDefinition(t, store, "gated-tree",
		[]*models.DefinitionNode{node("call", "gated", 0)},
		nil)

	run := materialize(t, store, "gated-tree")
	require.NoError(t, newTestExecutor(store, reg).ExecuteRun(ctx, run.ID))

	diagnostics, err := store.Attachments().ListDiagnosticsByRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, diagnostics, 1)
	assert.Equal(t, true, diagnostics[0].Detail["auth_required"])
	assert.Equal(t, "token expired", diagnostics[0].Detail["reason"])
}

func TestExecutor_PausedRunSuspendsAndResumes(t *testing.T) {
	ctx := context.Background()
	store := newTestPersistence(t)
	reg := registry.NewRegistry(testLogger())

	// The first node pauses its own run mid-flight, as an operator would.
	reg.RegisterInvoker(script.NewInvokerFactory("pauser", func(ctx context.Context, req *protocol.InvocationRequest) (*models.NodeOutcome, error) {
		_, err := store.Runs().TransitionStatus(ctx, req.Run.ID,
			[]models.RunStatus{models.RunStatusRunning}, models.RunStatusPaused, time.Now().UTC())

		return &models.NodeOutcome{Status: models.NodeOutcomeSuccess, ResultContext: map[string]any{"ok": true}}, err
	}))
	succeedWith(reg, "sink", nil, nil)

	publishDefinition(t, store, "paused-tree",
		[]*models.DefinitionNode{
			node("first", "pauser", 0),
			node("second", "sink", 1),
		},
		[]*models.DefinitionEdge{
			autoEdge("first", "second", 100),
		})

	run := materialize(t, store, "paused-tree")
	executor := newTestExecutor(store, reg)
	require.NoError(t, executor.ExecuteRun(ctx, run.ID))

	paused, err := store.Runs().GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPaused, paused.Status)

	byKey := nodesByKey(t, store, run.ID)
	assert.Equal(t, models.RunNodeStatusPending, byKey["second"][0].Status, "downstream work stays pending while paused")

	// Resume: the operator CAS moves paused back to running, then execution
	// picks up the pending attempt from storage.
	_, err = store.Runs().TransitionStatus(ctx, run.ID,
		[]models.RunStatus{models.RunStatusPaused}, models.RunStatusRunning, time.Now().UTC())
	require.NoError(t, err)

	require.NoError(t, executor.ExecuteRun(ctx, run.ID))

	settled, err := store.Runs().GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, settled.Status)
}

func TestExecutor_FanOutSpawnsChildrenAndGatesJoin(t *testing.T) {
	ctx := context.Background()
	store := newTestPersistence(t)
	reg := registry.NewRegistry(testLogger())

	var childContexts []map[string]any

	var joinContexts []map[string]any

	reg.RegisterInvoker(script.NewInvokerFactory("splitter", func(_ context.Context, _ *protocol.InvocationRequest) (*models.NodeOutcome, error) {
		return &models.NodeOutcome{
			Status:        models.NodeOutcomeSuccess,
			ResultContext: map[string]any{"items": 3},
			ChildItems: []map[string]any{
				{"shard": "a"}, {"shard": "b"}, {"shard": "c"},
			},
		}, nil
	}))
	succeedWith(reg, "worker", map[string]any{"done": true}, &childContexts)
	succeedWith(reg, "merger", map[string]any{"merged": true}, &joinContexts)

	spawner := node("split", "splitter", 0)
	spawner.NodeRole = models.NodeRoleSpawner

	join := node("merge", "merger", 2)
	join.NodeRole = models.NodeRoleJoin

	publishDefinition(t, store, "fanout-tree",
		[]*models.DefinitionNode{
			spawner,
			node("work", "worker", 1),
			join,
		},
		[]*models.DefinitionEdge{
			autoEdge("split", "work", 100),
			autoEdge("work", "merge", 100),
		})

	run := materialize(t, store, "fanout-tree")
	require.NoError(t, newTestExecutor(store, reg).ExecuteRun(ctx, run.ID))

	settled, err := store.Runs().GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, settled.Status)

	byKey := nodesByKey(t, store, run.ID)
	require.Len(t, byKey["work"], 3, "one child attempt per work item")
	require.Len(t, byKey["merge"], 1)
	assert.Equal(t, models.RunNodeStatusCompleted, byKey["merge"][0].Status)

	// Each child sees its own work item, not the spawner's result.
	require.Len(t, childContexts, 3)

	shards := make(map[string]bool)

	for _, childCtx := range childContexts {
		item, ok := childCtx["item"].(map[string]any)
		require.True(t, ok)

		shard, _ := item["shard"].(string)
		shards[shard] = true
	}

	assert.Len(t, shards, 3)

	// The join sees the settled group's aggregates.
	require.Len(t, joinContexts, 1)
	aggregates, ok := joinContexts[0]["fanOut"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 3, aggregates["expectedChildren"])
	assert.EqualValues(t, 3, aggregates["completedChildren"])
	assert.EqualValues(t, 0, aggregates["failedChildren"])

	groups, err := store.FanOuts().ListByRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, models.FanOutStatusSettled, groups[0].Status)

	// Children never route; the spawner's decision plus the join's decision
	// are the only matched routes (the failed-to-match join decision aside).
	for _, child := range byKey["work"] {
		assert.NotNil(t, child.SpawnerNodeID)
		assert.NotNil(t, child.JoinNodeID)
		assert.Equal(t, 1, child.LineageDepth)
	}
}

func TestExecutor_FanOutChildFailureFeedsAggregates(t *testing.T) {
	ctx := context.Background()
	store := newTestPersistence(t)
	reg := registry.NewRegistry(testLogger())

	var joinContexts []map[string]any

	reg.RegisterInvoker(script.NewInvokerFactory("splitter", func(_ context.Context, _ *protocol.InvocationRequest) (*models.NodeOutcome, error) {
		return &models.NodeOutcome{
			Status:        models.NodeOutcomeSuccess,
			ResultContext: map[string]any{},
			ChildItems:    []map[string]any{{"n": 1.0}, {"n": 2.0}},
		}, nil
	}))

	// Children alternate: the first fails, the second completes.
	calls := 0
	reg.RegisterInvoker(script.NewInvokerFactory("worker", func(_ context.Context, _ *protocol.InvocationRequest) (*models.NodeOutcome, error) {
		calls++
		if calls == 1 {
			return &models.NodeOutcome{Status: models.NodeOutcomeFailure, Error: "shard failed"}, nil
		}

		return &models.NodeOutcome{Status: models.NodeOutcomeSuccess, ResultContext: map[string]any{}}, nil
	}))
	succeedWith(reg, "merger", map[string]any{"merged": true}, &joinContexts)

	spawner := node("split", "splitter", 0)
	spawner.NodeRole = models.NodeRoleSpawner

	join := node("merge", "merger", 2)
	join.NodeRole = models.NodeRoleJoin

	publishDefinition(t, store, "mixed-tree",
		[]*models.DefinitionNode{spawner, node("work", "worker", 1), join},
		[]*models.DefinitionEdge{
			autoEdge("split", "work", 100),
			autoEdge("work", "merge", 100),
		})

	run := materialize(t, store, "mixed-tree")
	require.NoError(t, newTestExecutor(store, reg).ExecuteRun(ctx, run.ID))

	// A failed child is the group's business, not the run's: the join still
	// runs and the run completes.
	settled, err := store.Runs().GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, settled.Status)

	require.Len(t, joinContexts, 1)
	aggregates, ok := joinContexts[0]["fanOut"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 1, aggregates["completedChildren"])
	assert.EqualValues(t, 1, aggregates["failedChildren"])
	assert.EqualValues(t, 2, aggregates["terminalChildren"])
}

func TestExecutor_SpawnerWithNoItemsSettlesGroupImmediately(t *testing.T) {
	ctx := context.Background()
	store := newTestPersistence(t)
	reg := registry.NewRegistry(testLogger())

	reg.RegisterInvoker(script.NewInvokerFactory("splitter", func(_ context.Context, _ *protocol.InvocationRequest) (*models.NodeOutcome, error) {
		return &models.NodeOutcome{Status: models.NodeOutcomeSuccess, ResultContext: map[string]any{}}, nil
	}))
	succeedWith(reg, "sink", nil, nil)
	succeedWith(reg, "merger", map[string]any{"merged": true}, nil)

	spawner := node("split", "splitter", 0)
	spawner.NodeRole = models.NodeRoleSpawner

	join := node("merge", "merger", 2)
	join.NodeRole = models.NodeRoleJoin

	publishDefinition(t, store, "empty-fanout-tree",
		[]*models.DefinitionNode{spawner, node("work", "sink", 1), join},
		[]*models.DefinitionEdge{
			autoEdge("split", "work", 100),
			autoEdge("work", "merge", 100),
		})

	run := materialize(t, store, "empty-fanout-tree")
	require.NoError(t, newTestExecutor(store, reg).ExecuteRun(ctx, run.ID))

	settled, err := store.Runs().GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, settled.Status)

	byKey := nodesByKey(t, store, run.ID)
	assert.Empty(t, byKey["work"], "no child attempts for an empty spawn")
	require.Len(t, byKey["merge"], 1)
	assert.Equal(t, models.RunNodeStatusCompleted, byKey["merge"][0].Status)
}

func TestExecutor_SpawnerTruncatesItemsBeyondMaxChildren(t *testing.T) {
	ctx := context.Background()
	store := newTestPersistence(t)
	reg := registry.NewRegistry(testLogger())

	reg.RegisterInvoker(script.NewInvokerFactory("splitter", func(_ context.Context, _ *protocol.InvocationRequest) (*models.NodeOutcome, error) {
		return &models.NodeOutcome{
			Status:        models.NodeOutcomeSuccess,
			ResultContext: map[string]any{},
			ChildItems:    []map[string]any{{"n": 1.0}, {"n": 2.0}, {"n": 3.0}, {"n": 4.0}},
		}, nil
	}))
	succeedWith(reg, "worker", map[string]any{}, nil)
	succeedWith(reg, "merger", nil, nil)

	spawner := node("split", "splitter", 0)
	spawner.NodeRole = models.NodeRoleSpawner
	spawner.MaxChildren = 2

	join := node("merge", "merger", 2)
	join.NodeRole = models.NodeRoleJoin

	publishDefinition(t, store, "capped-tree",
		[]*models.DefinitionNode{spawner, node("work", "worker", 1), join},
		[]*models.DefinitionEdge{
			autoEdge("split", "work", 100),
			autoEdge("work", "merge", 100),
		})

	run := materialize(t, store, "capped-tree")
	require.NoError(t, newTestExecutor(store, reg).ExecuteRun(ctx, run.ID))

	byKey := nodesByKey(t, store, run.ID)
	assert.Len(t, byKey["work"], 2)

	diagnostics, err := store.Attachments().ListDiagnosticsByRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, diagnostics, 1)
	assert.Equal(t, models.DiagnosticSeverityWarning, diagnostics[0].Severity)
	assert.Contains(t, diagnostics[0].Message, "truncated")
}

func TestExecutor_RetryBumpsAttemptOnRevisit(t *testing.T) {
	ctx := context.Background()
	store := newTestPersistence(t)
	reg := registry.NewRegistry(testLogger())

	// review asks for one revision, then approves.
	verdicts := []string{"revise", "approve"}
	reg.RegisterInvoker(script.NewInvokerFactory("reviewer", func(_ context.Context, _ *protocol.InvocationRequest) (*models.NodeOutcome, error) {
		verdict := verdicts[0]
		verdicts = verdicts[1:]

		return &models.NodeOutcome{
			Status:        models.NodeOutcomeSuccess,
			ResultContext: map[string]any{"verdict": verdict},
		}, nil
	}))
	succeedWith(reg, "implementer", map[string]any{"done": true}, nil)

	succeedWith(reg, "designer", map[string]any{"plan": "one pass"}, nil)

	publishDefinition(t, store, "loop-tree",
		[]*models.DefinitionNode{
			node("design", "designer", 0),
			node("implement", "implementer", 1),
			node("review", "reviewer", 2),
		},
		[]*models.DefinitionEdge{
			autoEdge("design", "implement", 100),
			autoEdge("implement", "review", 100),
			guardedEdge("review", "implement", 10, &models.GuardExpression{
				Field: "verdict", Operator: models.GuardOpEqual, Value: "revise",
			}),
		})

	run := materialize(t, store, "loop-tree")
	require.NoError(t, newTestExecutor(store, reg).ExecuteRun(ctx, run.ID))

	settled, err := store.Runs().GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, settled.Status)

	byKey := nodesByKey(t, store, run.ID)
	require.Len(t, byKey["implement"], 2, "revisiting a node creates a new attempt")
	require.Len(t, byKey["review"], 2)

	attempts := []int{byKey["implement"][0].Attempt, byKey["implement"][1].Attempt}
	assert.ElementsMatch(t, []int{1, 2}, attempts)
}

func TestPlanner_MaterializeRunRequiresPublishedVersion(t *testing.T) {
	store := newTestPersistence(t)
	planner := NewPlanner(store, testLogger())

	_, _, err := planner.MaterializeRun(context.Background(), "no-such-tree")
	require.Error(t, err)
	assert.ErrorIs(t, err, persistence.ErrPublishedNotFound)
}

func TestPlanner_MaterializeRunCreatesInitialNodes(t *testing.T) {
	store := newTestPersistence(t)

	publishDefinition(t, store, "planned-tree",
		[]*models.DefinitionNode{
			node("entry-a", "p", 0),
			node("entry-b", "p", 1),
			node("downstream", "p", 2),
		},
		[]*models.DefinitionEdge{
			autoEdge("entry-a", "downstream", 100),
		})

	planner := NewPlanner(store, testLogger())

	run, nodes, err := planner.MaterializeRun(context.Background(), "planned-tree")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPending, run.Status)
	assert.Equal(t, 1, run.DefinitionVersion)

	require.Len(t, nodes, 2, "only entry nodes are materialized up front")

	keys := []string{nodes[0].NodeKey, nodes[1].NodeKey}
	assert.ElementsMatch(t, []string{"entry-a", "entry-b"}, keys)

	for _, n := range nodes {
		assert.Equal(t, 1, n.Attempt)
		assert.Equal(t, models.RunNodeStatusPending, n.Status)
		assert.Equal(t, 0, n.LineageDepth)
	}
}
