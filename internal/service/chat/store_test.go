package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"pachat/internal/config"
	"pachat/internal/models"
	"pachat/internal/storage"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestCreateListAndRenameThreads(t *testing.T) {
	store := NewStore(openTestDB(t))
	ctx := context.Background()

	first, err := store.CreateThread(ctx)
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}
	second, err := store.CreateThread(ctx)
	if err != nil {
		t.Fatalf("create second thread: %v", err)
	}
	if second.ID <= first.ID {
		t.Fatalf("thread ids not monotonic: %d then %d", first.ID, second.ID)
	}
	if first.DisplayTitle() != "New Chat [1]" {
		t.Fatalf("unexpected placeholder title %q", first.DisplayTitle())
	}

	if err := store.RenameThread(ctx, first.ID, "  Focus time  "); err != nil {
		t.Fatalf("rename: %v", err)
	}
	got, err := store.GetThread(ctx, first.ID)
	if err != nil {
		t.Fatalf("get thread: %v", err)
	}
	if got.Title != "Focus time" {
		t.Fatalf("expected trimmed title, got %q", got.Title)
	}
	if err := store.RenameThread(ctx, 999, "x"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows for missing thread, got %v", err)
	}

	threads, err := store.ListThreads(ctx)
	if err != nil {
		t.Fatalf("list threads: %v", err)
	}
	if len(threads) != 2 {
		t.Fatalf("expected 2 threads, got %d", len(threads))
	}
}

func TestCommitRunStoresMessagesTitleAndCheckpoint(t *testing.T) {
	store := NewStore(openTestDB(t))
	ctx := context.Background()
	thread, err := store.CreateThread(ctx)
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}

	cp := &models.Checkpoint{RequestID: "req-1", LastNode: "execute_query", NextNode: "generate_answer", State: []byte(`{"question":"q"}`)}
	stored, err := store.CommitRun(ctx, Commit{
		ThreadID: thread.ID,
		Messages: []models.Message{
			{Role: models.RoleSystem, Content: "system"},
			{Role: models.RoleHuman, Content: "how long did I code today?"},
		},
		Title:      "Coding today",
		Checkpoint: cp,
	})
	if err != nil {
		t.Fatalf("commit run: %v", err)
	}
	if len(stored) != 2 || stored[0].ID == 0 || stored[1].ID <= stored[0].ID {
		t.Fatalf("unexpected stored messages: %+v", stored)
	}

	// A later title must not replace the first one.
	if _, err := store.CommitRun(ctx, Commit{ThreadID: thread.ID, Title: "Other"}); err != nil {
		t.Fatalf("second commit: %v", err)
	}
	got, err := store.GetThread(ctx, thread.ID)
	if err != nil {
		t.Fatalf("get thread: %v", err)
	}
	if got.Title != "Coding today" {
		t.Fatalf("title overwritten: %q", got.Title)
	}

	loaded, err := store.LoadCheckpoint(ctx, thread.ID)
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	if loaded.RequestID != "req-1" || loaded.NextNode != "generate_answer" || string(loaded.State) != `{"question":"q"}` {
		t.Fatalf("unexpected checkpoint: %+v", loaded)
	}

	meta := &models.MessageMeta{
		MessageID: "m-1",
		Tables:    []string{"window_activity"},
		Query:     "SELECT 1",
		Result:    &models.ResultSet{Columns: []string{"n"}, Rows: []models.Row{{"n": int64(9007199254740993)}}},
	}
	if _, err := store.CommitRun(ctx, Commit{
		ThreadID:        thread.ID,
		Messages:        []models.Message{{Role: models.RoleAI, Content: "one", Meta: meta}},
		ClearCheckpoint: true,
	}); err != nil {
		t.Fatalf("final commit: %v", err)
	}
	if _, err := store.LoadCheckpoint(ctx, thread.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("checkpoint should be cleared, got %v", err)
	}

	messages, err := store.Messages(ctx, thread.ID)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(messages) != 3 || messages[0].Role != models.RoleSystem || messages[2].Role != models.RoleAI {
		t.Fatalf("unexpected log: %+v", messages)
	}
	if messages[2].Meta == nil || messages[2].Meta.MessageID != "m-1" || messages[2].Meta.Result.Len() != 1 {
		t.Fatalf("meta not round-tripped: %+v", messages[2].Meta)
	}
	if got := messages[2].Meta.Result.Rows[0]["n"]; got != json.Number("9007199254740993") {
		t.Fatalf("large integer cell lost precision: %#v", got)
	}
}

func TestCommitRunUnknownThread(t *testing.T) {
	store := NewStore(openTestDB(t))
	_, err := store.CommitRun(context.Background(), Commit{
		ThreadID: 42,
		Messages: []models.Message{{Role: models.RoleHuman, Content: "hi"}},
	})
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestCommitRunRollsBackOnInsertFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE threads").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO messages").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	store := NewStore(db)
	_, err = store.CommitRun(context.Background(), Commit{
		ThreadID: 1,
		Messages: []models.Message{{Role: models.RoleAI, Content: "answer"}},
	})
	if err == nil {
		t.Fatalf("expected error from failed insert")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDeleteThreadRemovesCheckpoint(t *testing.T) {
	store := NewStore(openTestDB(t))
	ctx := context.Background()
	thread, err := store.CreateThread(ctx)
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}
	if _, err := store.CommitRun(ctx, Commit{
		ThreadID:   thread.ID,
		Messages:   []models.Message{{Role: models.RoleHuman, Content: "q"}},
		Checkpoint: &models.Checkpoint{RequestID: "r", LastNode: "execute_query", NextNode: "generate_answer", State: []byte("{}")},
	}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if err := store.DeleteThread(ctx, thread.ID); err != nil {
		t.Fatalf("delete thread: %v", err)
	}
	cps, err := store.ListCheckpoints(ctx)
	if err != nil {
		t.Fatalf("list checkpoints: %v", err)
	}
	if len(cps) != 0 {
		t.Fatalf("expected no checkpoints, got %d", len(cps))
	}
	if err := store.DeleteThread(ctx, thread.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows on second delete, got %v", err)
	}
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: filepath.Join(t.TempDir(), "chat.db")},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}
