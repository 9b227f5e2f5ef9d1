package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arborworks/treeline/pkg/models"
	"github.com/arborworks/treeline/pkg/persistence"
)

func seedDraftDefinition(t *testing.T, store persistence.Persistence, treeKey string, revision int) *models.WorkflowDefinition {
	t.Helper()

	now := time.Now().UTC()
	draft := &models.WorkflowDefinition{
		ID:            uuid.New().String(),
		TreeKey:       treeKey,
		Version:       1,
		Status:        models.DefinitionStatusDraft,
		DraftRevision: revision,
		Name:          treeKey,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	require.NoError(t, store.Definitions().Save(context.Background(), draft))

	return draft
}

func draftNodes() []*models.DefinitionNode {
	return []*models.DefinitionNode{
		{NodeKey: "design", NodeType: models.NodeTypeAgent, SequenceIndex: 0},
		{NodeKey: "implement", NodeType: models.NodeTypeAgent, SequenceIndex: 1},
	}
}

func draftEdges() []*models.DefinitionEdge {
	return []*models.DefinitionEdge{
		{SourceNodeKey: "design", TargetNodeKey: "implement", RouteOn: models.RouteOnSuccess, Priority: 100, Auto: true},
	}
}

func TestDraft_UpdateBumpsRevisionAndAssignsIDs(t *testing.T) {
	ctx := context.Background()
	store := newTestPersistence(t)
	service := NewDraft(store, testLogger())

	seedDraftDefinition(t, store, "feature-tree", 0)

	updated, result, err := service.Update(ctx, "feature-tree", 1, UpdateDraftRequest{
		DraftRevision: 0,
		Name:          "Feature Tree",
		Nodes:         draftNodes(),
		Edges:         draftEdges(),
	})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.True(t, result.Valid())

	assert.Equal(t, 1, updated.DraftRevision)
	assert.Equal(t, "Feature Tree", updated.Name)

	for _, node := range updated.Nodes {
		assert.NotEmpty(t, node.ID, "update assigns node IDs")
	}

	for _, edge := range updated.Edges {
		assert.NotEmpty(t, edge.ID, "update assigns edge IDs")
	}
}

func TestDraft_UpdateWithStaleRevisionConflicts(t *testing.T) {
	ctx := context.Background()
	store := newTestPersistence(t)
	service := NewDraft(store, testLogger())

	seedDraftDefinition(t, store, "feature-tree", 4)

	_, _, err := service.Update(ctx, "feature-tree", 1, UpdateDraftRequest{
		DraftRevision: 3,
		Name:          "stale",
		Nodes:         draftNodes(),
		Edges:         draftEdges(),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, persistence.ErrRevisionConflict)
}

func TestDraft_UpdateWithInvalidTopologyReturnsBatch(t *testing.T) {
	ctx := context.Background()
	store := newTestPersistence(t)
	service := NewDraft(store, testLogger())

	seedDraftDefinition(t, store, "feature-tree", 0)

	// Two structural problems at once: both must come back in one batch.
	_, result, err := service.Update(ctx, "feature-tree", 1, UpdateDraftRequest{
		DraftRevision: 0,
		Name:          "broken",
		Nodes: []*models.DefinitionNode{
			{NodeKey: "design", NodeType: models.NodeType("robot")},
		},
		Edges: []*models.DefinitionEdge{
			{SourceNodeKey: "design", TargetNodeKey: "missing", RouteOn: models.RouteOnSuccess, Auto: true},
		},
	})
	require.Error(t, err)

	var failed *ValidationFailedError
	require.ErrorAs(t, err, &failed)
	require.NotNil(t, result)
	assert.GreaterOrEqual(t, len(result.Errors), 2)

	// Nothing was persisted.
	stored, getErr := service.Get(ctx, "feature-tree", 0)
	require.NoError(t, getErr)
	assert.Equal(t, 0, stored.DraftRevision)
	assert.Empty(t, stored.Nodes)
}

func TestDraft_GetWithWrongVersionMismatches(t *testing.T) {
	ctx := context.Background()
	store := newTestPersistence(t)
	service := NewDraft(store, testLogger())

	seedDraftDefinition(t, store, "feature-tree", 0)

	_, err := service.Get(ctx, "feature-tree", 7)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrVersionMismatch)
}

func TestDraft_PublishPromotesDraftAndDemotesPrevious(t *testing.T) {
	ctx := context.Background()
	store := newTestPersistence(t)
	service := NewDraft(store, testLogger())

	// An existing published v1 plus a draft v2.
	now := time.Now().UTC()
	publishedAt := now
	require.NoError(t, store.Definitions().Save(ctx, &models.WorkflowDefinition{
		ID:          uuid.New().String(),
		TreeKey:     "feature-tree",
		Version:     1,
		Status:      models.DefinitionStatusPublished,
		Name:        "v1",
		Nodes:       draftNodes(),
		Edges:       draftEdges(),
		CreatedAt:   now,
		UpdatedAt:   now,
		PublishedAt: &publishedAt,
	}))
	require.NoError(t, store.Definitions().Save(ctx, &models.WorkflowDefinition{
		ID:        uuid.New().String(),
		TreeKey:   "feature-tree",
		Version:   2,
		Status:    models.DefinitionStatusDraft,
		Name:      "v2",
		Nodes:     draftNodes(),
		Edges:     draftEdges(),
		CreatedAt: now,
		UpdatedAt: now,
	}))

	published, err := service.Publish(ctx, "feature-tree", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, published.Version)
	assert.Equal(t, models.DefinitionStatusPublished, published.Status)
	assert.NotNil(t, published.PublishedAt)

	// v1 is history now, and exactly one published version remains.
	versions, err := service.ListVersions(ctx, "feature-tree")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, models.DefinitionStatusPublished, versions[0].Status)
	assert.Equal(t, models.DefinitionStatusUnpublished, versions[1].Status)
}

func TestDraft_PublishRefusesInvalidTopology(t *testing.T) {
	ctx := context.Background()
	store := newTestPersistence(t)
	service := NewDraft(store, testLogger())

	// A draft with no nodes cannot be published.
	seedDraftDefinition(t, store, "empty-tree", 0)

	_, err := service.Publish(ctx, "empty-tree", 1)
	require.Error(t, err)

	var failed *ValidationFailedError
	require.ErrorAs(t, err, &failed)
	assert.NotEmpty(t, failed.Result.Errors)
}

func TestDraft_ConcurrentPublishHasOneWinner(t *testing.T) {
	ctx := context.Background()
	store := newTestPersistence(t)
	service := NewDraft(store, testLogger())

	now := time.Now().UTC()
	require.NoError(t, store.Definitions().Save(ctx, &models.WorkflowDefinition{
		ID:        uuid.New().String(),
		TreeKey:   "feature-tree",
		Version:   1,
		Status:    models.DefinitionStatusDraft,
		Name:      "v1",
		Nodes:     draftNodes(),
		Edges:     draftEdges(),
		CreatedAt: now,
		UpdatedAt: now,
	}))

	_, err := service.Publish(ctx, "feature-tree", 1)
	require.NoError(t, err)

	// The second publish reads no draft at all: the first one consumed it.
	_, err = service.Publish(ctx, "feature-tree", 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, persistence.ErrDraftNotFound)
}
