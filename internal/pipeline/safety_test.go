package pipeline

import (
	"errors"
	"testing"
)

func TestCheckQuery(t *testing.T) {
	cases := []struct {
		query   string
		keyword string
	}{
		{"SELECT * FROM x", ""},
		{"DROP TABLE x", "drop"},
		{"select 1; Delete from x", "delete"},
		{"SELECT created_at FROM usage_data", "create"},
		{"UPDATE x SET a = 1", "update"},
	}
	for _, tc := range cases {
		err := CheckQuery(tc.query)
		if tc.keyword == "" {
			if err != nil {
				t.Fatalf("%q: unexpected rejection %v", tc.query, err)
			}
			continue
		}
		var unsafe *UnsafeQueryError
		if !errors.As(err, &unsafe) || unsafe.Keyword != tc.keyword || !errors.Is(err, ErrUnsafeQuery) {
			t.Fatalf("%q: expected rejection for %q, got %v", tc.query, tc.keyword, err)
		}
		if Classify(err) != KindUnsafeQuery {
			t.Fatalf("%q: classified as %s", tc.query, Classify(err))
		}
	}
}
