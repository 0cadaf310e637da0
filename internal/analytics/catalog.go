package analytics

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cloudwego/eino-ext/components/document/loader/file"
	"github.com/cloudwego/eino/components/document"
	"github.com/cloudwego/eino/components/document/parser"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

const (
	TableUsageData          = "usage_data"
	TableWindowActivity     = "window_activity"
	TableUserInput          = "user_input"
	TableExperienceSampling = "experience_sampling_responses"
	TableSession            = "session"
)

// KnownTables lists the tables questions may be answered from, with the
// one-line summary offered to table selection.
var KnownTables = []struct {
	Name    string
	Summary string
}{
	{TableUsageData, "application lifecycle events such as start, quit and survey prompts"},
	{TableWindowActivity, "focused windows over time with process, title, activity label and duration"},
	{TableUserInput, "keyboard strokes, mouse clicks, movement and scrolling aggregated per interval"},
	{TableExperienceSampling, "self-reported productivity ratings answered at survey prompts"},
	{TableSession, "reconstructed work sessions with start, end, duration and the attached rating"},
}

// TableNames returns the names of KnownTables in order.
func TableNames() []string {
	names := make([]string, 0, len(KnownTables))
	for _, t := range KnownTables {
		names = append(names, t.Name)
	}
	return names
}

// Catalog describes the usage database to query synthesis. It is loaded
// once at startup.
type Catalog struct {
	ddl        map[string]string
	docs       map[string]string
	activities []string
}

// NewCatalog builds a catalog from already known parts.
func NewCatalog(ddl, docs map[string]string, activities []string) *Catalog {
	if ddl == nil {
		ddl = map[string]string{}
	}
	if docs == nil {
		docs = map[string]string{}
	}
	return &Catalog{ddl: ddl, docs: docs, activities: activities}
}

// LoadCatalog reads table DDL and distinct activity labels from db and the
// optional <table>.md descriptions from docsDir.
func LoadCatalog(ctx context.Context, db *sqlx.DB, docsDir string, logger *zap.Logger) (*Catalog, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ddl := make(map[string]string)
	rows, err := db.QueryxContext(ctx, `SELECT name, sql FROM sqlite_master WHERE type = 'table' AND sql IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	for rows.Next() {
		var name, stmt string
		if err := rows.Scan(&name, &stmt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan schema: %w", err)
		}
		ddl[name] = stmt
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}

	var activities []string
	if _, ok := ddl[TableWindowActivity]; ok {
		if err := db.SelectContext(ctx, &activities,
			`SELECT DISTINCT activity FROM window_activity WHERE activity IS NOT NULL AND activity != '' ORDER BY activity`,
		); err != nil {
			logger.Warn("activity labels unavailable", zap.Error(err))
			activities = nil
		}
	}

	docs, err := loadTableDocs(ctx, docsDir)
	if err != nil {
		return nil, err
	}
	logger.Info("analytics catalog loaded",
		zap.Int("tables", len(ddl)),
		zap.Int("docs", len(docs)),
		zap.Int("activities", len(activities)),
	)
	return NewCatalog(ddl, docs, activities), nil
}

func loadTableDocs(ctx context.Context, dir string) (map[string]string, error) {
	docs := make(map[string]string)
	if dir == "" {
		return docs, nil
	}
	extParser, err := parser.NewExtParser(ctx, &parser.ExtParserConfig{
		FallbackParser: parser.TextParser{},
	})
	if err != nil {
		return nil, fmt.Errorf("init doc parser: %w", err)
	}
	loader, err := file.NewFileLoader(ctx, &file.FileLoaderConfig{
		UseNameAsID: true,
		Parser:      extParser,
	})
	if err != nil {
		return nil, fmt.Errorf("init doc loader: %w", err)
	}
	for _, name := range TableNames() {
		path := filepath.Join(dir, name+".md")
		if _, err := os.Stat(path); err != nil {
			continue
		}
		loaded, err := loader.Load(ctx, document.Source{URI: path})
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
		var parts []string
		for _, doc := range loaded {
			if content := strings.TrimSpace(doc.Content); content != "" {
				parts = append(parts, content)
			}
		}
		if len(parts) > 0 {
			docs[name] = strings.Join(parts, "\n\n")
		}
	}
	return docs, nil
}

// Activities returns the distinct activity labels.
func (c *Catalog) Activities() []string {
	return c.activities
}

// Summaries renders KnownTables as a bullet list.
func (c *Catalog) Summaries() string {
	var b strings.Builder
	for _, t := range KnownTables {
		fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Summary)
	}
	return strings.TrimRight(b.String(), "\n")
}

// TableInfo renders DDL and descriptions for tables. With no tables the
// schema of every known table is returned.
func (c *Catalog) TableInfo(tables, activities []string) string {
	if len(tables) == 0 {
		var all []string
		for _, name := range TableNames() {
			if stmt, ok := c.ddl[name]; ok {
				all = append(all, stmt)
			}
		}
		return strings.Join(all, "\n\n")
	}

	parts := make([]string, 0, len(tables))
	for _, name := range tables {
		stmt, ok := c.ddl[name]
		if !ok {
			continue
		}
		var b strings.Builder
		b.WriteString(stmt)
		if doc := c.docs[name]; doc != "" {
			b.WriteString("\n\n")
			b.WriteString(doc)
		}
		if name == TableWindowActivity && len(activities) > 0 {
			sorted := append([]string(nil), activities...)
			sort.Strings(sorted)
			b.WriteString("\n\nRelevant activity labels: ")
			b.WriteString(strings.Join(sorted, ", "))
		}
		parts = append(parts, b.String())
	}
	return strings.Join(parts, "\n\n---\n\n")
}
