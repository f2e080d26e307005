package partition

import (
	"context"
	"fmt"
)

// Static is a partition table whose rows are known up front.
type Static struct {
	name    string
	columns []string
	rows    [][]string
	links   map[string]Link
}

var _ Table = (*Static)(nil)

// NewStatic creates a static partition table. Every row must have one value per column.
func NewStatic(name string, columns []string, rows [][]string, links ...Link) (*Static, error) {
	if name == "" {
		return nil, fmt.Errorf("partition table name cannot be empty")
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("partition table %s: no columns", name)
	}
	for i, row := range rows {
		if len(row) != len(columns) {
			return nil, fmt.Errorf("partition table %s: row %d has %d values, want %d", name, i, len(row), len(columns))
		}
	}
	for _, l := range links {
		if !contains(columns, l.Column) {
			return nil, fmt.Errorf("partition table %s: link on %w: %s", name, ErrNoSuchColumn, l.Column)
		}
		if l.Table == nil || !contains(l.Table.Columns(), l.KeyColumn) {
			return nil, fmt.Errorf("partition table %s: link %s has no key column %q", name, l.Column, l.KeyColumn)
		}
	}
	return &Static{name: name, columns: columns, rows: rows, links: linkMap(links)}, nil
}

// Name returns the table name.
func (s *Static) Name() string { return s.name }

// Columns returns the column names.
func (s *Static) Columns() []string { return s.columns }

// Prepare returns a cursor over the rows selected by r.
func (s *Static) Prepare(ctx context.Context, r Range) (Cursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := selectRows(s.name, s.columns, s.rows, r)
	if err != nil {
		return nil, err
	}
	return newRowCursor(s.name, s.columns, rows, s.links), nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
