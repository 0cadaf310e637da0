package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"pachat/internal/metrics"
	"pachat/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cast"
	"go.uber.org/zap"
)

// EventKind is a usage_data lifecycle event type.
type EventKind string

const (
	EventAppStart     EventKind = "APP_START"
	EventSurveyPrompt EventKind = "EXPERIENCE_SAMPLING_AUTOMATICALLY_OPENED"
	EventAppQuit      EventKind = "APP_QUIT"
)

// MinSessionSeconds is the floor below which reconstructed sessions are dropped.
const MinSessionSeconds = 300

const timestampLayout = "2006-01-02 15:04:05"

var shortQuestions = map[string]string{
	"Compared to your normal level of productivity, how productive do you consider the previous session?": "How productive was this session?",
	"How well did you spend your time in the previous session?":                                           "How well spent time?",
}

// UsageEvent is one lifecycle event.
type UsageEvent struct {
	ID   string
	At   time.Time
	Kind EventKind
}

// SurveyResponse is an answered (or skipped) survey prompt.
type SurveyResponse struct {
	PromptedAt time.Time
	Question   *string
	Scale      *int64
	Response   *string
	Skipped    *bool
}

// Reconstruct derives sessions from lifecycle events. A survey prompt closes
// the running session and opens the next one at the same instant; a quit
// closes it for good. Each session takes the id of the event that closed it.
func Reconstruct(events []UsageEvent, responses []SurveyResponse) []models.SessionRecord {
	sorted := append([]UsageEvent(nil), events...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].At.Before(sorted[j].At) })

	bySecond := make(map[int64]SurveyResponse, len(responses))
	for _, r := range responses {
		bySecond[r.PromptedAt.Truncate(time.Second).Unix()] = r
	}

	var (
		sessions []models.SessionRecord
		start    *time.Time
	)
	for _, ev := range sorted {
		at := ev.At.Truncate(time.Second)
		switch ev.Kind {
		case EventAppStart:
			start = &at
		case EventSurveyPrompt:
			if start == nil {
				continue
			}
			rec := newSession(ev.ID, *start, at)
			if r, ok := bySecond[at.Unix()]; ok {
				rec.Question = shortenQuestion(r.Question)
				rec.Scale = r.Scale
				rec.Response = r.Response
				rec.Skipped = r.Skipped
			}
			sessions = append(sessions, rec)
			start = &at
		case EventAppQuit:
			if start == nil {
				continue
			}
			sessions = append(sessions, newSession(ev.ID, *start, at))
			start = nil
		}
	}
	return sessions
}

func newSession(id string, start, end time.Time) models.SessionRecord {
	return models.SessionRecord{
		ID:              id,
		StartedAt:       start,
		EndedAt:         end,
		DurationSeconds: int64(end.Sub(start) / time.Second),
	}
}

func shortenQuestion(q *string) *string {
	if q == nil {
		return nil
	}
	if short, ok := shortQuestions[*q]; ok {
		return &short
	}
	return q
}

// ActivityDurations returns, for timestamps in chronological order, the
// gap in whole seconds to the next one. The last entry is nil.
func ActivityDurations(ts []time.Time) []*int64 {
	out := make([]*int64, len(ts))
	for i := 0; i+1 < len(ts); i++ {
		d := int64(ts[i+1].Sub(ts[i]) / time.Second)
		out[i] = &d
	}
	return out
}

// RebuildResult reports what one maintenance pass changed.
type RebuildResult struct {
	Inserted        int
	Discarded       int64
	ActivityUpdated int
}

// Reconstructor runs the startup maintenance jobs against a writable
// connection to the usage database.
type Reconstructor struct {
	db     *sqlx.DB
	logger *zap.Logger
}

func NewReconstructor(db *sqlx.DB, logger *zap.Logger) *Reconstructor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconstructor{db: db, logger: logger}
}

// Run rebuilds sessions and window activity durations. Both passes are
// idempotent.
func (r *Reconstructor) Run(ctx context.Context) (RebuildResult, error) {
	var res RebuildResult
	inserted, discarded, err := r.RebuildSessions(ctx)
	if err != nil {
		return res, err
	}
	res.Inserted, res.Discarded = inserted, discarded
	metrics.SessionsReconstructed.WithLabelValues("inserted").Add(float64(inserted))
	metrics.SessionsReconstructed.WithLabelValues("discarded").Add(float64(discarded))
	updated, err := r.UpdateActivityDurations(ctx)
	if err != nil {
		return res, err
	}
	res.ActivityUpdated = updated
	r.logger.Info("usage database maintenance done",
		zap.Int("sessions_inserted", res.Inserted),
		zap.Int64("sessions_discarded", res.Discarded),
		zap.Int("activity_rows_updated", res.ActivityUpdated),
	)
	return res, nil
}

type usageRow struct {
	ID        any    `db:"id"`
	CreatedAt any    `db:"created_at"`
	Type      string `db:"type"`
}

type surveyRow struct {
	PromptedAt any            `db:"promptedAt"`
	Question   sql.NullString `db:"question"`
	Scale      sql.NullInt64  `db:"scale"`
	Response   sql.NullString `db:"response"`
	Skipped    sql.NullBool   `db:"skipped"`
}

// RebuildSessions inserts sessions not yet stored and deletes the ones
// shorter than MinSessionSeconds.
func (r *Reconstructor) RebuildSessions(ctx context.Context) (int, int64, error) {
	ok, err := r.tableExists(ctx, TableUsageData)
	if err != nil || !ok {
		if err == nil {
			r.logger.Warn("usage_data table missing, skipping session rebuild")
		}
		return 0, 0, err
	}
	if _, err := r.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS session (
		id TEXT PRIMARY KEY,
		startedAt TEXT,
		endedAt TEXT,
		durationInSeconds INTEGER,
		question TEXT,
		scale INTEGER,
		response TEXT,
		skipped BOOLEAN
	)`); err != nil {
		return 0, 0, fmt.Errorf("create session table: %w", err)
	}

	var usage []usageRow
	if err := r.db.SelectContext(ctx, &usage,
		`SELECT id, created_at, type FROM usage_data WHERE type IN (?, ?, ?) ORDER BY created_at ASC`,
		string(EventAppStart), string(EventSurveyPrompt), string(EventAppQuit),
	); err != nil {
		return 0, 0, fmt.Errorf("load usage events: %w", err)
	}
	events := make([]UsageEvent, 0, len(usage))
	for _, u := range usage {
		at, err := parseTimestamp(u.CreatedAt)
		if err != nil {
			r.logger.Warn("skipping usage event with bad timestamp", zap.Any("id", u.ID), zap.Error(err))
			continue
		}
		events = append(events, UsageEvent{ID: cast.ToString(u.ID), At: at, Kind: EventKind(u.Type)})
	}

	var responses []SurveyResponse
	if ok, err := r.tableExists(ctx, TableExperienceSampling); err != nil {
		return 0, 0, err
	} else if ok {
		var raw []surveyRow
		if err := r.db.SelectContext(ctx, &raw,
			`SELECT promptedAt, question, scale, response, skipped FROM experience_sampling_responses`,
		); err != nil {
			return 0, 0, fmt.Errorf("load survey responses: %w", err)
		}
		for _, s := range raw {
			at, err := parseTimestamp(s.PromptedAt)
			if err != nil {
				continue
			}
			responses = append(responses, SurveyResponse{
				PromptedAt: at,
				Question:   nullString(s.Question),
				Scale:      nullInt(s.Scale),
				Response:   nullString(s.Response),
				Skipped:    nullBool(s.Skipped),
			})
		}
	}

	sessions := Reconstruct(events, responses)

	var existing []string
	if err := r.db.SelectContext(ctx, &existing, `SELECT id FROM session`); err != nil {
		return 0, 0, fmt.Errorf("load existing sessions: %w", err)
	}
	known := make(map[string]struct{}, len(existing))
	for _, id := range existing {
		known[id] = struct{}{}
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	inserted := 0
	for _, s := range sessions {
		if _, dup := known[s.ID]; dup {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO session (id, startedAt, endedAt, durationInSeconds, question, scale, response, skipped) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			s.ID, s.StartedAt.Format(timestampLayout), s.EndedAt.Format(timestampLayout), s.DurationSeconds,
			s.Question, s.Scale, s.Response, s.Skipped,
		); err != nil {
			return 0, 0, fmt.Errorf("insert session %s: %w", s.ID, err)
		}
		known[s.ID] = struct{}{}
		inserted++
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM session WHERE durationInSeconds IS NOT NULL AND durationInSeconds < ?`, MinSessionSeconds)
	if err != nil {
		return 0, 0, fmt.Errorf("discard short sessions: %w", err)
	}
	discarded, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit sessions: %w", err)
	}
	return inserted, discarded, nil
}

// UpdateActivityDurations stores the gap to the next window_activity row
// in durationInSeconds.
func (r *Reconstructor) UpdateActivityDurations(ctx context.Context) (int, error) {
	ok, err := r.tableExists(ctx, TableWindowActivity)
	if err != nil || !ok {
		return 0, err
	}
	var cols []struct {
		Name string `db:"name"`
	}
	if err := r.db.SelectContext(ctx, &cols, `SELECT name FROM pragma_table_info('window_activity')`); err != nil {
		return 0, fmt.Errorf("inspect window_activity: %w", err)
	}
	hasColumn := false
	for _, c := range cols {
		if strings.EqualFold(c.Name, "durationInSeconds") {
			hasColumn = true
			break
		}
	}
	if !hasColumn {
		if _, err := r.db.ExecContext(ctx, `ALTER TABLE window_activity ADD COLUMN durationInSeconds INTEGER`); err != nil {
			return 0, fmt.Errorf("add duration column: %w", err)
		}
	}

	var rows []struct {
		RowID int64 `db:"rid"`
		TS    any   `db:"ts"`
	}
	if err := r.db.SelectContext(ctx, &rows, `SELECT rowid AS rid, ts FROM window_activity ORDER BY ts ASC`); err != nil {
		return 0, fmt.Errorf("load window activity: %w", err)
	}
	ids := make([]int64, 0, len(rows))
	stamps := make([]time.Time, 0, len(rows))
	for _, row := range rows {
		at, err := parseTimestamp(row.TS)
		if err != nil {
			continue
		}
		ids = append(ids, row.RowID)
		stamps = append(stamps, at)
	}
	durations := ActivityDurations(stamps)

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	updated := 0
	for i, d := range durations {
		if d == nil {
			continue
		}
		if _, err := tx.ExecContext(ctx, `UPDATE window_activity SET durationInSeconds = ? WHERE rowid = ?`, *d, ids[i]); err != nil {
			return 0, fmt.Errorf("update activity duration: %w", err)
		}
		updated++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit activity durations: %w", err)
	}
	return updated, nil
}

func (r *Reconstructor) tableExists(ctx context.Context, name string) (bool, error) {
	var n int
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name); err != nil {
		return false, fmt.Errorf("check table %s: %w", name, err)
	}
	return n > 0, nil
}

var timestampLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05.999999999",
}

// parseTimestamp accepts the text forms the recorder writes, or a value the
// driver already parsed. Fractional seconds are dropped.
func parseTimestamp(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.Truncate(time.Second), nil
	case []byte:
		return parseTimestamp(string(t))
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range timestampLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed.Truncate(time.Second), nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func nullBool(v sql.NullBool) *bool {
	if !v.Valid {
		return nil
	}
	b := v.Bool
	return &b
}
