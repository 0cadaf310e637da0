package models

import "sort"

// Row maps a column name to its value.
type Row map[string]any

// ResultSet is an ordered query result. Columns carries the column order
// that a plain map cannot.
type ResultSet struct {
	Columns []string `json:"columns"`
	Rows    []Row    `json:"rows"`
}

// Len returns the number of rows, tolerating a nil receiver.
func (r *ResultSet) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Rows)
}

// ColumnOrder returns Columns, or the sorted keys of the first row when the
// producer did not record an order.
func (r *ResultSet) ColumnOrder() []string {
	if r == nil {
		return nil
	}
	if len(r.Columns) > 0 {
		return r.Columns
	}
	if len(r.Rows) == 0 {
		return nil
	}
	cols := make([]string, 0, len(r.Rows[0]))
	for k := range r.Rows[0] {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}
