package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"pachat/internal/models"
)

// LoadCheckpoint returns the live checkpoint of a thread.
func (s *Store) LoadCheckpoint(ctx context.Context, threadID int64) (*models.Checkpoint, error) {
	var cp models.Checkpoint
	err := s.db.QueryRowContext(ctx,
		`SELECT thread_id, request_id, last_node, next_node, state, created_at FROM checkpoints WHERE thread_id = ?`,
		threadID,
	).Scan(&cp.ThreadID, &cp.RequestID, &cp.LastNode, &cp.NextNode, &cp.State, &cp.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return &cp, nil
}

// ListCheckpoints returns every live checkpoint, oldest first.
func (s *Store) ListCheckpoints(ctx context.Context) ([]models.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT thread_id, request_id, last_node, next_node, state, created_at FROM checkpoints ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []models.Checkpoint
	for rows.Next() {
		var cp models.Checkpoint
		if err := rows.Scan(&cp.ThreadID, &cp.RequestID, &cp.LastNode, &cp.NextNode, &cp.State, &cp.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// DeleteCheckpoint drops the live checkpoint of a thread, if any.
func (s *Store) DeleteCheckpoint(ctx context.Context, threadID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}
