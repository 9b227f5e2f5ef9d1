package stream

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arborworks/treeline/pkg/models"
	"github.com/arborworks/treeline/pkg/persistence"
	"github.com/arborworks/treeline/pkg/persistence/file"
)

func newTestPersistence(t *testing.T) *file.Persistence {
	t.Helper()

	return file.NewPersistence(t.TempDir())
}

func seedAttempt(t *testing.T, store persistence.Persistence, status models.RunNodeStatus) (*models.WorkflowRun, *models.RunNode) {
	t.Helper()

	now := time.Now().UTC()
	run := &models.WorkflowRun{
		ID:                uuid.New().String(),
		DefinitionID:      uuid.New().String(),
		TreeKey:           "stream-tree",
		DefinitionVersion: 1,
		Status:            models.RunStatusRunning,
		CreatedAt:         now,
	}
	require.NoError(t, store.Runs().Create(context.Background(), run))

	node := &models.RunNode{
		ID:            uuid.New().String(),
		WorkflowRunID: run.ID,
		TreeNodeID:    uuid.New().String(),
		NodeKey:       "observer",
		Attempt:       1,
		Status:        status,
		NodeRole:      models.NodeRoleStandard,
		SequencePath:  "0",
		CreatedAt:     now,
	}
	require.NoError(t, store.RunNodes().Create(context.Background(), node))

	return run, node
}

func appendEvents(t *testing.T, store persistence.Persistence, node *models.RunNode, count int) {
	t.Helper()

	for i := 0; i < count; i++ {
		_, err := store.Streams().Append(context.Background(), &models.StreamEvent{
			ID:            uuid.New().String(),
			WorkflowRunID: node.WorkflowRunID,
			RunNodeID:     node.ID,
			Attempt:       node.Attempt,
			EventType:     "output",
			Payload:       map[string]any{"chunk": fmt.Sprintf("part-%d", i)},
		})
		require.NoError(t, err)
	}
}

func TestSnapshot_ResumesAfterSequence(t *testing.T) {
	ctx := context.Background()
	store := newTestPersistence(t)
	server := NewServer(store)

	run, node := seedAttempt(t, store, models.RunNodeStatusRunning)
	appendEvents(t, store, node, 5)

	snap, err := server.Snapshot(ctx, run.ID, node.ID, node.Attempt, 2, 0)
	require.NoError(t, err)

	require.Len(t, snap.Events, 3)
	assert.Equal(t, int64(3), snap.Events[0].Sequence)
	assert.Equal(t, int64(5), snap.Events[2].Sequence)
	assert.Equal(t, int64(5), snap.LatestSequence)
	assert.Equal(t, models.RunNodeStatusRunning, snap.NodeStatus)
	assert.False(t, snap.Ended, "running attempt is never ended")
}

func TestSnapshot_EmptyLogOnRunningAttempt(t *testing.T) {
	ctx := context.Background()
	store := newTestPersistence(t)
	server := NewServer(store)

	run, node := seedAttempt(t, store, models.RunNodeStatusRunning)

	snap, err := server.Snapshot(ctx, run.ID, node.ID, node.Attempt, 0, 0)
	require.NoError(t, err)

	assert.Empty(t, snap.Events)
	assert.Equal(t, int64(0), snap.LatestSequence)
	assert.False(t, snap.Ended)
}

func TestSnapshot_BatchLimitClamped(t *testing.T) {
	ctx := context.Background()
	store := newTestPersistence(t)
	server := NewServer(store)

	run, node := seedAttempt(t, store, models.RunNodeStatusCompleted)
	appendEvents(t, store, node, DefaultBatchLimit+5)

	// limit 0 and an over-cap limit both clamp to the default batch size.
	first, err := server.Snapshot(ctx, run.ID, node.ID, node.Attempt, 0, 10_000)
	require.NoError(t, err)

	require.Len(t, first.Events, DefaultBatchLimit)
	assert.False(t, first.Ended, "events remain past the batch")
	assert.Equal(t, int64(DefaultBatchLimit+5), first.LatestSequence)

	lastSeen := first.Events[len(first.Events)-1].Sequence
	second, err := server.Snapshot(ctx, run.ID, node.ID, node.Attempt, lastSeen, 0)
	require.NoError(t, err)

	require.Len(t, second.Events, 5)
	assert.True(t, second.Ended, "terminal attempt with nothing unseen")
}

func TestSnapshot_EndedRequiresTerminalStatus(t *testing.T) {
	ctx := context.Background()
	store := newTestPersistence(t)
	server := NewServer(store)

	run, node := seedAttempt(t, store, models.RunNodeStatusFailed)
	appendEvents(t, store, node, 2)

	snap, err := server.Snapshot(ctx, run.ID, node.ID, node.Attempt, 0, 0)
	require.NoError(t, err)

	assert.True(t, snap.Ended)
	assert.Len(t, snap.Events, 2)
}

func TestSnapshot_AttemptDefaultsToCurrent(t *testing.T) {
	ctx := context.Background()
	store := newTestPersistence(t)
	server := NewServer(store)

	run, node := seedAttempt(t, store, models.RunNodeStatusRunning)
	appendEvents(t, store, node, 1)

	snap, err := server.Snapshot(ctx, run.ID, node.ID, 0, 0, 0)
	require.NoError(t, err)

	assert.Equal(t, node.Attempt, snap.Attempt)
	assert.Len(t, snap.Events, 1)
}

func TestSnapshot_RejectsNodeFromAnotherRun(t *testing.T) {
	ctx := context.Background()
	store := newTestPersistence(t)
	server := NewServer(store)

	_, node := seedAttempt(t, store, models.RunNodeStatusRunning)
	other, _ := seedAttempt(t, store, models.RunNodeStatusRunning)

	_, err := server.Snapshot(ctx, other.ID, node.ID, node.Attempt, 0, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, persistence.ErrRunNodeNotFound)
}

func TestSnapshot_UnknownRunNode(t *testing.T) {
	ctx := context.Background()
	store := newTestPersistence(t)
	server := NewServer(store)

	_, err := server.Snapshot(ctx, uuid.New().String(), uuid.New().String(), 1, 0, 0)
	require.Error(t, err)
	assert.True(t, persistence.IsNotFound(err))
}
