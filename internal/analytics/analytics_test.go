package analytics

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap/zaptest"
)

func newFixtureDB(t *testing.T) (string, *sqlx.DB) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "usage.sqlite")
	db, err := OpenWritable(path)
	if err != nil {
		t.Fatalf("open writable: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	stmts := []string{
		`CREATE TABLE usage_data (id INTEGER PRIMARY KEY, created_at TEXT NOT NULL, type TEXT NOT NULL)`,
		`CREATE TABLE experience_sampling_responses (id INTEGER PRIMARY KEY, promptedAt TEXT, question TEXT, scale INTEGER, response TEXT, skipped INTEGER)`,
		`CREATE TABLE window_activity (id INTEGER PRIMARY KEY, ts TEXT NOT NULL, process TEXT, activity TEXT)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("fixture schema: %v", err)
		}
	}
	return path, db
}

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	at, err := time.Parse(timestampLayout, s)
	if err != nil {
		t.Fatalf("parse %s: %v", s, err)
	}
	return at
}

func TestReconstructStartPromptQuit(t *testing.T) {
	t0 := mustTime(t, "2024-05-06 09:00:00")
	t1 := mustTime(t, "2024-05-06 10:00:00")
	t2 := mustTime(t, "2024-05-06 11:30:00")
	question := "How well did you spend your time in the previous session?"
	scale := int64(7)

	sessions := Reconstruct(
		[]UsageEvent{
			{ID: "1", At: t0, Kind: EventAppStart},
			{ID: "2", At: t1.Add(400 * time.Millisecond), Kind: EventSurveyPrompt},
			{ID: "3", At: t2, Kind: EventAppQuit},
		},
		[]SurveyResponse{{PromptedAt: t1.Add(250 * time.Millisecond), Question: &question, Scale: &scale}},
	)

	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
	first, second := sessions[0], sessions[1]
	if first.ID != "2" || !first.StartedAt.Equal(t0) || !first.EndedAt.Equal(t1) || first.DurationSeconds != 3600 {
		t.Fatalf("unexpected first session: %+v", first)
	}
	if first.Question == nil || *first.Question != "How well spent time?" || first.Scale == nil || *first.Scale != 7 {
		t.Fatalf("survey response not attached: %+v", first)
	}
	if second.ID != "3" || !second.StartedAt.Equal(t1) || !second.EndedAt.Equal(t2) || second.DurationSeconds != 5400 {
		t.Fatalf("unexpected second session: %+v", second)
	}
	if second.Question != nil || second.Scale != nil || second.Response != nil || second.Skipped != nil {
		t.Fatalf("quit-closed session must carry no response: %+v", second)
	}
}

func TestReconstructIgnoresEventsWithoutStart(t *testing.T) {
	t0 := mustTime(t, "2024-05-06 09:00:00")
	sessions := Reconstruct([]UsageEvent{
		{ID: "1", At: t0, Kind: EventSurveyPrompt},
		{ID: "2", At: t0.Add(time.Hour), Kind: EventAppQuit},
	}, nil)
	if len(sessions) != 0 {
		t.Fatalf("expected no sessions, got %+v", sessions)
	}
}

func TestRebuildSessionsIsIdempotentAndDropsShortSessions(t *testing.T) {
	_, db := newFixtureDB(t)
	ctx := context.Background()
	for _, row := range []struct {
		id  int
		at  string
		typ EventKind
	}{
		{1, "2024-05-06 09:00:00", EventAppStart},
		{2, "2024-05-06 10:00:00.123", EventSurveyPrompt},
		{3, "2024-05-06 11:30:00", EventAppQuit},
		{4, "2024-05-06 12:00:00", EventAppStart},
		{5, "2024-05-06 12:01:00", EventAppQuit},
	} {
		if _, err := db.Exec(`INSERT INTO usage_data (id, created_at, type) VALUES (?, ?, ?)`, row.id, row.at, string(row.typ)); err != nil {
			t.Fatalf("insert usage: %v", err)
		}
	}
	if _, err := db.Exec(`INSERT INTO experience_sampling_responses (promptedAt, question, scale, response, skipped) VALUES (?, ?, ?, ?, ?)`,
		"2024-05-06 10:00:00.456", "Compared to your normal level of productivity, how productive do you consider the previous session?", 5, "ok", 0,
	); err != nil {
		t.Fatalf("insert response: %v", err)
	}

	r := NewReconstructor(db, zaptest.NewLogger(t))
	inserted, discarded, err := r.RebuildSessions(ctx)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if inserted != 3 || discarded != 1 {
		t.Fatalf("first run inserted=%d discarded=%d", inserted, discarded)
	}

	var stored []struct {
		ID       string  `db:"id"`
		Duration int64   `db:"durationInSeconds"`
		Question *string `db:"question"`
	}
	if err := db.Select(&stored, `SELECT id, durationInSeconds, question FROM session ORDER BY startedAt`); err != nil {
		t.Fatalf("select sessions: %v", err)
	}
	if len(stored) != 2 || stored[0].ID != "2" || stored[1].ID != "3" {
		t.Fatalf("unexpected sessions: %+v", stored)
	}
	if stored[0].Question == nil || *stored[0].Question != "How productive was this session?" {
		t.Fatalf("question not shortened: %+v", stored[0].Question)
	}

	inserted, _, err = r.RebuildSessions(ctx)
	if err != nil {
		t.Fatalf("second rebuild: %v", err)
	}
	var count int
	if err := db.Get(&count, `SELECT COUNT(*) FROM session`); err != nil {
		t.Fatalf("count sessions: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected no duplicates after rerun, got %d rows", count)
	}
	if inserted != 1 {
		// Only the short session comes back, and is discarded again.
		t.Fatalf("expected only the short session re-inserted, got %d", inserted)
	}
}

func TestUpdateActivityDurations(t *testing.T) {
	_, db := newFixtureDB(t)
	for _, ts := range []string{"2024-05-06 09:00:00", "2024-05-06 09:00:30", "2024-05-06 09:02:00"} {
		if _, err := db.Exec(`INSERT INTO window_activity (ts, process, activity) VALUES (?, 'code', 'DevCode')`, ts); err != nil {
			t.Fatalf("insert activity: %v", err)
		}
	}
	r := NewReconstructor(db, zaptest.NewLogger(t))
	updated, err := r.UpdateActivityDurations(context.Background())
	if err != nil {
		t.Fatalf("update durations: %v", err)
	}
	if updated != 2 {
		t.Fatalf("expected 2 rows updated, got %d", updated)
	}
	var durations []sql.NullInt64
	if err := db.Select(&durations, `SELECT durationInSeconds FROM window_activity ORDER BY ts`); err != nil {
		t.Fatalf("select durations: %v", err)
	}
	if len(durations) != 3 || durations[0].Int64 != 30 || durations[1].Int64 != 90 || durations[2].Valid {
		t.Fatalf("unexpected durations: %v", durations)
	}

	// Running again must not fail on the existing column.
	if _, err := r.UpdateActivityDurations(context.Background()); err != nil {
		t.Fatalf("second update: %v", err)
	}
}

func TestExecutorIsReadOnly(t *testing.T) {
	path, db := newFixtureDB(t)
	if _, err := db.Exec(`INSERT INTO window_activity (ts, process, activity) VALUES ('2024-05-06 09:00:00', 'code', 'DevCode')`); err != nil {
		t.Fatalf("insert activity: %v", err)
	}

	ro, err := OpenReadOnly(path)
	if err != nil {
		t.Fatalf("open read-only: %v", err)
	}
	defer ro.Close()
	exec := NewExecutor(ro)

	rs, err := exec.Execute(context.Background(), `SELECT activity, process, id FROM window_activity`)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if strings.Join(rs.Columns, ",") != "activity,process,id" {
		t.Fatalf("column order lost: %v", rs.Columns)
	}
	if rs.Len() != 1 || rs.Rows[0]["activity"] != "DevCode" {
		t.Fatalf("unexpected rows: %+v", rs.Rows)
	}

	if _, err := exec.Execute(context.Background(), `DELETE FROM window_activity`); err == nil {
		t.Fatalf("expected write through read-only connection to fail")
	}
}

func TestExecutorReturnsTimestampsAsText(t *testing.T) {
	path, db := newFixtureDB(t)
	if _, err := db.Exec(`CREATE TABLE focus (at DATETIME NOT NULL, total INTEGER NOT NULL)`); err != nil {
		t.Fatalf("create focus: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO focus (at, total) VALUES ('2024-05-06 09:30:00', 9007199254740993)`); err != nil {
		t.Fatalf("insert focus: %v", err)
	}
	ro, err := OpenReadOnly(path)
	if err != nil {
		t.Fatalf("open read-only: %v", err)
	}
	defer ro.Close()

	rs, err := NewExecutor(ro).Execute(context.Background(), `SELECT at, total FROM focus`)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := rs.Rows[0]["at"]; got != "2024-05-06 09:30:00" {
		t.Fatalf("timestamp cell = %#v", got)
	}
	if got := rs.Rows[0]["total"]; got != int64(9007199254740993) {
		t.Fatalf("integer cell = %#v", got)
	}
}

func TestCellValue(t *testing.T) {
	at := time.Date(2024, 5, 6, 9, 30, 0, 0, time.UTC)
	if got := cellValue(at); got != "2024-05-06 09:30:00" {
		t.Fatalf("time cell = %#v", got)
	}
	if got := cellValue([]byte("x")); got != "x" {
		t.Fatalf("bytes cell = %#v", got)
	}
	if got := cellValue(int64(7)); got != int64(7) {
		t.Fatalf("int cell = %#v", got)
	}
}

func TestCatalogTableInfo(t *testing.T) {
	_, db := newFixtureDB(t)
	for _, a := range []string{"DevCode", "Email", "DevCode"} {
		if _, err := db.Exec(`INSERT INTO window_activity (ts, process, activity) VALUES ('2024-05-06 09:00:00', 'p', ?)`, a); err != nil {
			t.Fatalf("insert activity: %v", err)
		}
	}
	docs := t.TempDir()
	if err := os.WriteFile(filepath.Join(docs, "window_activity.md"), []byte("Each row is a window focus change."), 0o600); err != nil {
		t.Fatalf("write doc: %v", err)
	}

	catalog, err := LoadCatalog(context.Background(), db, docs, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	if got := strings.Join(catalog.Activities(), ","); got != "DevCode,Email" {
		t.Fatalf("unexpected activities: %s", got)
	}

	info := catalog.TableInfo([]string{TableWindowActivity}, []string{"Email"})
	for _, want := range []string{"CREATE TABLE window_activity", "window focus change", "Relevant activity labels: Email"} {
		if !strings.Contains(info, want) {
			t.Fatalf("table info missing %q:\n%s", want, info)
		}
	}

	all := catalog.TableInfo(nil, nil)
	if !strings.Contains(all, "CREATE TABLE usage_data") || !strings.Contains(all, "CREATE TABLE experience_sampling_responses") {
		t.Fatalf("expected every known table when none selected:\n%s", all)
	}
}
