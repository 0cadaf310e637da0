package pipeline

import (
	"fmt"
	"strings"
)

var mutationKeywords = []string{"insert", "update", "delete", "drop", "alter", "create", "truncate"}

// UnsafeQueryError rejects a generated query that may modify data.
type UnsafeQueryError struct {
	Keyword string
	Query   string
}

func (e *UnsafeQueryError) Error() string {
	return fmt.Sprintf("unsafe query: contains %q", e.Keyword)
}

func (e *UnsafeQueryError) Unwrap() error { return ErrUnsafeQuery }

// CheckQuery rejects queries containing any mutation keyword. The match is
// a plain substring test, so identifiers such as created_at are rejected too.
func CheckQuery(query string) error {
	lower := strings.ToLower(query)
	for _, kw := range mutationKeywords {
		if strings.Contains(lower, kw) {
			return &UnsafeQueryError{Keyword: kw, Query: query}
		}
	}
	return nil
}
