package analytics

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"pachat/internal/models"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const driverName = "sqlite"

// OpenReadOnly opens the usage database for querying. The connection
// refuses writes regardless of the statement it is given.
func OpenReadOnly(path string) (*sqlx.DB, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("missing analytics database path")
	}
	dsn := "file:" + (&url.URL{Path: path}).EscapedPath() + "?mode=ro"
	db, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open analytics database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping analytics database: %w", err)
	}
	return db, nil
}

// OpenWritable opens the usage database for the startup maintenance jobs.
func OpenWritable(path string) (*sqlx.DB, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("missing analytics database path")
	}
	db, err := sqlx.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("open analytics database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping analytics database: %w", err)
	}
	return db, nil
}

// Executor runs generated queries against the usage database.
type Executor struct {
	db *sqlx.DB
}

func NewExecutor(db *sqlx.DB) *Executor {
	return &Executor{db: db}
}

// Execute runs query and returns its rows in column order.
func (e *Executor) Execute(ctx context.Context, query string) (*models.ResultSet, error) {
	rows, err := e.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("result columns: %w", err)
	}
	rs := &models.ResultSet{Columns: cols, Rows: []models.Row{}}
	for rows.Next() {
		row := make(map[string]any, len(cols))
		if err := rows.MapScan(row); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		for k, v := range row {
			row[k] = cellValue(v)
		}
		rs.Rows = append(rs.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read rows: %w", err)
	}
	return rs, nil
}

// cellValue keeps a scanned cell in a form that survives a checkpoint
// unchanged: bytes and timestamps become text.
func cellValue(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case time.Time:
		return t.Format(timestampLayout)
	}
	return v
}
