package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/arborworks/treeline/pkg/models"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

// StreamRepository handles append-only event log operations.
type StreamRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// Append assigns the next sequence for the (runNodeID, attempt) log inside
// the insert itself. The unique index on (run_node_id, attempt, sequence)
// turns a concurrent append into a retriable conflict instead of a gap or a
// duplicate.
func (r *StreamRepository) Append(ctx context.Context, event *models.StreamEvent) (*models.StreamEvent, error) {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event payload: %w", err)
	}

	query := `
		INSERT INTO stream_events (
			id, workflow_run_id, run_node_id, attempt, sequence, event_type, payload, created_at
		)
		SELECT $1, $2, $3, $4, COALESCE(MAX(sequence), 0) + 1, $5, $6, $7
		FROM stream_events WHERE run_node_id = $3 AND attempt = $4
		RETURNING sequence
	`

	const maxRetries = 5

	for retry := 0; ; retry++ {
		err := r.db.QueryRowContext(ctx, query,
			event.ID, event.WorkflowRunID, event.RunNodeID, event.Attempt,
			event.EventType, payload, event.CreatedAt).Scan(&event.Sequence)
		if err == nil {
			return event, nil
		}

		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation && retry < maxRetries {
			continue
		}

		return nil, fmt.Errorf("failed to append stream event: %w", err)
	}
}

func (r *StreamRepository) ListAfter(ctx context.Context, runNodeID string, attempt int, afterSequence int64, limit int) ([]*models.StreamEvent, error) {
	query := `
		SELECT id, workflow_run_id, run_node_id, attempt, sequence, event_type, payload, created_at
		FROM stream_events
		WHERE run_node_id = $1 AND attempt = $2 AND sequence > $3
		ORDER BY sequence
		LIMIT $4
	`

	rows, err := r.db.QueryContext(ctx, query, runNodeID, attempt, afterSequence, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query stream events: %w", err)
	}

	defer func() {
		if err := rows.Close(); err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	events := make([]*models.StreamEvent, 0)

	for rows.Next() {
		event := &models.StreamEvent{}

		var payload []byte

		err := rows.Scan(
			&event.ID, &event.WorkflowRunID, &event.RunNodeID, &event.Attempt,
			&event.Sequence, &event.EventType, &payload, &event.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stream event: %w", err)
		}

		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &event.Payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event payload: %w", err)
			}
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stream events: %w", err)
	}

	return events, nil
}

func (r *StreamRepository) LatestSequence(ctx context.Context, runNodeID string, attempt int) (int64, error) {
	var latest int64

	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM stream_events WHERE run_node_id = $1 AND attempt = $2`,
		runNodeID, attempt).Scan(&latest)
	if err != nil {
		return 0, fmt.Errorf("failed to query latest sequence: %w", err)
	}

	return latest, nil
}
