package file

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/arborworks/treeline/pkg/models"
	"github.com/arborworks/treeline/pkg/persistence"
)

// FanOutRepository stores fan-out groups as JSON documents.
type FanOutRepository struct {
	store *store
}

func (r *FanOutRepository) Create(_ context.Context, group *models.FanOutGroup) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	return r.store.write(dirFanOuts, group.ID, group)
}

func (r *FanOutRepository) GetByID(_ context.Context, id string) (*models.FanOutGroup, error) {
	group := &models.FanOutGroup{}
	if err := r.store.read(dirFanOuts, id, group, persistence.ErrFanOutGroupNotFound); err != nil {
		return nil, err
	}

	return group, nil
}

func (r *FanOutRepository) GetByJoinNode(_ context.Context, joinNodeID string) (*models.FanOutGroup, error) {
	var found *models.FanOutGroup

	err := r.store.readAll(dirFanOuts, func(data []byte) error {
		group := &models.FanOutGroup{}
		if err := json.Unmarshal(data, group); err != nil {
			return err
		}

		if group.JoinNodeID == joinNodeID {
			found = group
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	if found == nil {
		return nil, persistence.ErrFanOutGroupNotFound
	}

	return found, nil
}

func (r *FanOutRepository) ListByRun(_ context.Context, runID string) ([]*models.FanOutGroup, error) {
	groups := make([]*models.FanOutGroup, 0)

	err := r.store.readAll(dirFanOuts, func(data []byte) error {
		group := &models.FanOutGroup{}
		if err := json.Unmarshal(data, group); err != nil {
			return err
		}

		if group.WorkflowRunID == runID {
			groups = append(groups, group)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return groups, nil
}

// RecordChildTerminal increments the group's counters for one settling child
// and flips the group to settled when the threshold is reached. The mutex
// makes increment-and-check atomic, matching the transactional guarantee the
// postgres implementation gives.
func (r *FanOutRepository) RecordChildTerminal(_ context.Context, groupID string, childStatus models.RunNodeStatus) (*models.FanOutGroup, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	group := &models.FanOutGroup{}
	if err := r.store.read(dirFanOuts, groupID, group, persistence.ErrFanOutGroupNotFound); err != nil {
		return nil, err
	}

	group.TerminalChildren++

	switch childStatus {
	case models.RunNodeStatusCompleted:
		group.CompletedChildren++
	case models.RunNodeStatusFailed:
		group.FailedChildren++
	}

	if group.TerminalChildren >= group.ExpectedChildren {
		group.Status = models.FanOutStatusSettled
	}

	group.UpdatedAt = time.Now().UTC()

	if err := r.store.write(dirFanOuts, group.ID, group); err != nil {
		return nil, err
	}

	return group, nil
}

// ReplaceRetriedNode swaps a retried member's old attempt for its new one. A
// join swap only re-links the group; a child swap also rolls the failed
// terminal back and re-opens the group, since only failed attempts are ever
// retried.
func (r *FanOutRepository) ReplaceRetriedNode(_ context.Context, groupID, previousNodeID, newNodeID string) (*models.FanOutGroup, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	group := &models.FanOutGroup{}
	if err := r.store.read(dirFanOuts, groupID, group, persistence.ErrFanOutGroupNotFound); err != nil {
		return nil, err
	}

	if err := relinkGroupMember(group, previousNodeID, newNodeID); err != nil {
		return nil, err
	}

	group.UpdatedAt = time.Now().UTC()

	if err := r.store.write(dirFanOuts, group.ID, group); err != nil {
		return nil, err
	}

	return group, nil
}

func relinkGroupMember(group *models.FanOutGroup, previousNodeID, newNodeID string) error {
	if group.JoinNodeID == previousNodeID {
		group.JoinNodeID = newNodeID

		return nil
	}

	for i, childID := range group.ChildNodeIDs {
		if childID != previousNodeID {
			continue
		}

		group.ChildNodeIDs[i] = newNodeID
		group.TerminalChildren--
		group.FailedChildren--
		group.Status = models.FanOutStatusOpen

		return nil
	}

	return fmt.Errorf("fan-out group %s has no member %s: %w", group.ID, previousNodeID, persistence.ErrFanOutGroupNotFound)
}
