package file

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arborworks/treeline/pkg/models"
)

// StreamRepository stores one JSON document per (runNode, attempt) log, each
// holding the full ordered event slice. Sequence assignment happens under the
// store mutex so numbers are strictly increasing and never reused.
type StreamRepository struct {
	store *store
}

func logID(runNodeID string, attempt int) string {
	return fmt.Sprintf("%s-%d", runNodeID, attempt)
}

func (r *StreamRepository) Append(_ context.Context, event *models.StreamEvent) (*models.StreamEvent, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	events, err := r.readLog(event.RunNodeID, event.Attempt)
	if err != nil {
		return nil, err
	}

	var latest int64
	if len(events) > 0 {
		latest = events[len(events)-1].Sequence
	}

	stored := *event
	stored.Sequence = latest + 1

	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	events = append(events, &stored)

	if err := r.store.write(dirStreams, logID(event.RunNodeID, event.Attempt), events); err != nil {
		return nil, err
	}

	return &stored, nil
}

func (r *StreamRepository) ListAfter(_ context.Context, runNodeID string, attempt int, afterSequence int64, limit int) ([]*models.StreamEvent, error) {
	events, err := r.readLog(runNodeID, attempt)
	if err != nil {
		return nil, err
	}

	selected := make([]*models.StreamEvent, 0)

	for _, event := range events {
		if event.Sequence > afterSequence {
			selected = append(selected, event)

			if limit > 0 && len(selected) >= limit {
				break
			}
		}
	}

	return selected, nil
}

func (r *StreamRepository) LatestSequence(_ context.Context, runNodeID string, attempt int) (int64, error) {
	events, err := r.readLog(runNodeID, attempt)
	if err != nil {
		return 0, err
	}

	if len(events) == 0 {
		return 0, nil
	}

	return events[len(events)-1].Sequence, nil
}

func (r *StreamRepository) readLog(runNodeID string, attempt int) ([]*models.StreamEvent, error) {
	events := make([]*models.StreamEvent, 0)

	err := r.store.read(dirStreams, logID(runNodeID, attempt), &events, errLogEmpty)
	if err != nil {
		if errors.Is(err, errLogEmpty) {
			return events, nil
		}

		return nil, err
	}

	return events, nil
}

var errLogEmpty = errors.New("stream log empty")
