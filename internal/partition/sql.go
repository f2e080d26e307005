package partition

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
)

// SQLTable materialises partition rows from a live database as the distinct
// values of one or more columns of a source table.
type SQLTable struct {
	db      *sql.DB
	name    string
	source  string
	columns []string
	opts    SQLOptions
	links   map[string]Link
}

// SQLOptions controls how SQLTable renders its query for a particular engine.
type SQLOptions struct {
	// Quote quotes an identifier. Defaults to no quoting.
	Quote func(string) string

	// Placeholder returns the bind placeholder for the n-th (1-based) parameter.
	// Defaults to "?".
	Placeholder func(n int) string

	// Where is an optional fixed predicate added to every query.
	Where string
}

var _ Table = (*SQLTable)(nil)

// NewSQLTable creates a partition table reading DISTINCT columns from source.
// source is used verbatim in the FROM clause and must already be qualified/quoted.
func NewSQLTable(db *sql.DB, name, source string, columns []string, opts SQLOptions, links ...Link) (*SQLTable, error) {
	if db == nil {
		return nil, fmt.Errorf("partition table %s: nil database", name)
	}
	if source == "" || len(columns) == 0 {
		return nil, fmt.Errorf("partition table %s: source and columns are required", name)
	}
	if opts.Quote == nil {
		opts.Quote = func(s string) string { return s }
	}
	if opts.Placeholder == nil {
		opts.Placeholder = func(int) string { return "?" }
	}
	return &SQLTable{
		db:      db,
		name:    name,
		source:  source,
		columns: columns,
		opts:    opts,
		links:   linkMap(links),
	}, nil
}

// Name returns the table name.
func (t *SQLTable) Name() string { return t.name }

// Columns returns the column names.
func (t *SQLTable) Columns() []string { return t.columns }

// Query returns the statement and bind arguments used to materialise r.
func (t *SQLTable) Query(r Range) (string, []any, error) {
	quoted := make([]string, len(t.columns))
	for i, c := range t.columns {
		quoted[i] = t.opts.Quote(c)
	}

	var where []string
	if t.opts.Where != "" {
		where = append(where, "("+t.opts.Where+")")
	}

	// sorted for a stable statement text
	filterCols := make([]string, 0, len(r.Filter))
	for col := range r.Filter {
		if !contains(t.columns, col) {
			return "", nil, fmt.Errorf("partition table %s: %w: %s", t.name, ErrNoSuchColumn, col)
		}
		filterCols = append(filterCols, col)
	}
	sort.Strings(filterCols)

	args := make([]any, 0, len(filterCols))
	for _, col := range filterCols {
		args = append(args, r.Filter[col])
		where = append(where, fmt.Sprintf("%s = %s", t.opts.Quote(col), t.opts.Placeholder(len(args))))
	}

	var sb strings.Builder
	sb.WriteString("SELECT DISTINCT ")
	sb.WriteString(strings.Join(quoted, ", "))
	sb.WriteString(" FROM ")
	sb.WriteString(t.source)
	if len(where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(where, " AND "))
	}
	sb.WriteString(" ORDER BY ")
	sb.WriteString(strings.Join(quoted, ", "))
	return sb.String(), args, nil
}

// Prepare runs the distinct query and returns a cursor over its rows.
// Rows holding a NULL in any partition column are skipped.
// Offset and Limit are applied after materialisation so they behave the same on every engine.
func (t *SQLTable) Prepare(ctx context.Context, r Range) (Cursor, error) {
	query, args, err := t.Query(r)
	if err != nil {
		return nil, err
	}

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("partition table %s: query: %w", t.name, err)
	}
	defer rows.Close()

	var data [][]string
	for rows.Next() {
		vals := make([]sql.NullString, len(t.columns))
		ptrs := make([]any, len(vals))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("partition table %s: scan: %w", t.name, err)
		}
		row := make([]string, len(vals))
		null := false
		for i, v := range vals {
			row[i] = v.String
			null = null || !v.Valid
		}
		// a NULL names no partition
		if null {
			continue
		}
		data = append(data, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("partition table %s: %w", t.name, err)
	}

	// filter already applied by the database
	data, err = selectRows(t.name, t.columns, data, Range{Offset: r.Offset, Limit: r.Limit})
	if err != nil {
		return nil, err
	}
	return newRowCursor(t.name, t.columns, data, t.links), nil
}
