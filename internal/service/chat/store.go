package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"pachat/internal/models"
)

// Store persists threads, their message logs and interrupted pipeline
// checkpoints. Missing rows are reported as sql.ErrNoRows.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// CreateThread inserts an untitled thread and returns the record.
func (s *Store) CreateThread(ctx context.Context) (*models.Thread, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (title, created_at, last_activity) VALUES (NULL, ?, ?)`,
		now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create thread: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("thread id: %w", err)
	}
	return &models.Thread{ID: id, CreatedAt: now, LastActivity: now}, nil
}

// GetThread returns one thread.
func (s *Store) GetThread(ctx context.Context, threadID int64) (*models.Thread, error) {
	var (
		t     models.Thread
		title sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, created_at, last_activity FROM threads WHERE id = ?`,
		threadID,
	).Scan(&t.ID, &title, &t.CreatedAt, &t.LastActivity)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get thread: %w", err)
	}
	t.Title = title.String
	return &t, nil
}

// ListThreads returns all threads ordered by last activity, newest first.
func (s *Store) ListThreads(ctx context.Context) ([]models.Thread, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, created_at, last_activity FROM threads ORDER BY last_activity DESC, id DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	var threads []models.Thread
	for rows.Next() {
		var (
			t     models.Thread
			title sql.NullString
		)
		if err := rows.Scan(&t.ID, &title, &t.CreatedAt, &t.LastActivity); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		t.Title = title.String
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

// Messages returns the ordered message log of a thread.
func (s *Store) Messages(ctx context.Context, threadID int64) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, thread_id, role, content, meta, created_at FROM messages WHERE thread_id = ? ORDER BY id ASC`,
		threadID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var (
			m    models.Message
			meta sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Role, &m.Content, &meta, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if meta.Valid && meta.String != "" {
			m.Meta = new(models.MessageMeta)
			dec := json.NewDecoder(strings.NewReader(meta.String))
			dec.UseNumber()
			if err := dec.Decode(m.Meta); err != nil {
				return nil, fmt.Errorf("decode message %d meta: %w", m.ID, err)
			}
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// RenameThread sets a thread title.
func (s *Store) RenameThread(ctx context.Context, threadID int64, title string) error {
	if threadID <= 0 {
		return errors.New("invalid thread id")
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return errors.New("title cannot be empty")
	}
	res, err := s.db.ExecContext(ctx, `UPDATE threads SET title = ? WHERE id = ?`, title, threadID)
	if err != nil {
		return fmt.Errorf("update thread title: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("thread rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteThread removes a thread with its messages and checkpoint.
func (s *Store) DeleteThread(ctx context.Context, threadID int64) (err error) {
	if threadID <= 0 {
		return errors.New("invalid thread id")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM threads WHERE id = ?`, threadID)
	if err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("thread rows affected: %w", err)
	}
	if affected == 0 {
		err = sql.ErrNoRows
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit delete thread: %w", err)
	}
	return nil
}
