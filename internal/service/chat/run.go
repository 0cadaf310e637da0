package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"pachat/internal/models"
)

// Commit is everything one pipeline run writes to a thread. It is applied
// in a single transaction so a run is either fully recorded or not at all.
type Commit struct {
	ThreadID int64
	Messages []models.Message
	// Title is stored only when the thread has none yet.
	Title string
	// Checkpoint, when set, replaces the live checkpoint of the thread.
	Checkpoint *models.Checkpoint
	// ClearCheckpoint drops the live checkpoint after the messages land.
	ClearCheckpoint bool
}

// CommitRun applies c and returns the stored messages with ids assigned.
func (s *Store) CommitRun(ctx context.Context, c Commit) (stored []models.Message, err error) {
	if c.ThreadID <= 0 {
		return nil, errors.New("invalid thread id")
	}
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	title := sql.NullString{String: c.Title, Valid: c.Title != ""}
	res, err := tx.ExecContext(ctx,
		`UPDATE threads SET title = COALESCE(NULLIF(title, ''), ?), last_activity = ? WHERE id = ?`,
		title, now, c.ThreadID,
	)
	if err != nil {
		return nil, fmt.Errorf("touch thread: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("thread rows affected: %w", err)
	}
	if affected == 0 {
		err = sql.ErrNoRows
		return nil, err
	}

	for _, msg := range c.Messages {
		var meta sql.NullString
		if msg.Meta != nil {
			raw, mErr := json.Marshal(msg.Meta)
			if mErr != nil {
				err = fmt.Errorf("encode message meta: %w", mErr)
				return nil, err
			}
			meta = sql.NullString{String: string(raw), Valid: true}
		}
		res, err = tx.ExecContext(ctx,
			`INSERT INTO messages (thread_id, role, content, meta, created_at) VALUES (?, ?, ?, ?, ?)`,
			c.ThreadID, msg.Role, msg.Content, meta, now,
		)
		if err != nil {
			return nil, fmt.Errorf("insert message: %w", err)
		}
		id, idErr := res.LastInsertId()
		if idErr != nil {
			err = fmt.Errorf("message id: %w", idErr)
			return nil, err
		}
		msg.ID = id
		msg.ThreadID = c.ThreadID
		msg.CreatedAt = now
		stored = append(stored, msg)
	}

	if c.Checkpoint != nil || c.ClearCheckpoint {
		if _, err = tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE thread_id = ?`, c.ThreadID); err != nil {
			return nil, fmt.Errorf("clear checkpoint: %w", err)
		}
	}
	if c.Checkpoint != nil {
		cp := c.Checkpoint
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO checkpoints (thread_id, request_id, last_node, next_node, state, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			c.ThreadID, cp.RequestID, cp.LastNode, cp.NextNode, cp.State, now,
		); err != nil {
			return nil, fmt.Errorf("insert checkpoint: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit run: %w", err)
	}
	return stored, nil
}
