// Package partition provides partition tables: cursor-style tables of partition
// values (per species, per chromosome, ...) that the mart compiler walks to
// multiply the tables and restrictions it generates.
//
// A Table is prepared into a Cursor, optionally restricted to a sub-range or
// filtered on column values. A Cursor is advanced with Next and queried with
// Value. Tables can be linked hierarchically: a column in one table names a
// group of rows in another, reached through Cursor.Sub.
package partition

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNoSuchColumn is returned when a column is not part of the partition table.
	ErrNoSuchColumn = errors.New("no such partition column")

	// ErrNoRow is returned when a value is requested before Next or after the last row.
	ErrNoRow = errors.New("cursor is not positioned on a row")

	// ErrNoLink is returned by Sub when the column does not name a sub-partition.
	ErrNoLink = errors.New("column does not link to a sub-partition")
)

// Range restricts a prepared cursor. Filter is applied first, then Offset and Limit.
// A zero Limit means no limit.
type Range struct {
	Offset int
	Limit  int
	Filter map[string]string
}

// Table is a source of partition rows.
type Table interface {
	// Name returns the partition table name.
	Name() string

	// Columns returns the column names, in order.
	Columns() []string

	// Prepare materialises the rows selected by r into a fresh cursor.
	Prepare(ctx context.Context, r Range) (Cursor, error)
}

// Cursor walks prepared partition rows. A new cursor is positioned before the first row.
type Cursor interface {
	// Next advances to the next row. It returns false when no rows remain.
	Next(ctx context.Context) (bool, error)

	// Value returns the current row's value in column.
	Value(column string) (string, error)

	// Sub prepares the linked sub-partition rows named by the current row's value in column.
	Sub(ctx context.Context, column string) (Cursor, error)

	// Len returns the number of rows the cursor will visit.
	Len() int

	// Close releases the cursor.
	Close() error
}

// Link binds a column of a parent table to a child table. Rows of the child whose
// KeyColumn equals the parent's Column value form the sub-partition.
type Link struct {
	Column    string
	Table     Table
	KeyColumn string
}

// Values drains a cursor, collecting the values of one column.
func Values(ctx context.Context, c Cursor, column string) ([]string, error) {
	var out []string
	for {
		ok, err := c.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		v, err := c.Value(column)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
}

// rowCursor is the materialised cursor shared by every Table implementation.
type rowCursor struct {
	table   string
	columns []string
	index   map[string]int
	rows    [][]string
	links   map[string]Link
	pos     int
	closed  bool
}

func newRowCursor(table string, columns []string, rows [][]string, links map[string]Link) *rowCursor {
	index := make(map[string]int, len(columns))
	for i, c := range columns {
		index[c] = i
	}
	return &rowCursor{
		table:   table,
		columns: columns,
		index:   index,
		rows:    rows,
		links:   links,
		pos:     -1,
	}
}

func (c *rowCursor) Next(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if c.closed {
		return false, fmt.Errorf("partition table %s: cursor closed", c.table)
	}
	if c.pos < len(c.rows) {
		c.pos++
	}
	return c.pos < len(c.rows), nil
}

func (c *rowCursor) Value(column string) (string, error) {
	i, ok := c.index[column]
	if !ok {
		return "", fmt.Errorf("partition table %s: %w: %s", c.table, ErrNoSuchColumn, column)
	}
	if c.pos < 0 || c.pos >= len(c.rows) {
		return "", fmt.Errorf("partition table %s: %w", c.table, ErrNoRow)
	}
	return c.rows[c.pos][i], nil
}

func (c *rowCursor) Sub(ctx context.Context, column string) (Cursor, error) {
	link, ok := c.links[column]
	if !ok {
		return nil, fmt.Errorf("partition table %s: %w: %s", c.table, ErrNoLink, column)
	}
	v, err := c.Value(column)
	if err != nil {
		return nil, err
	}
	return link.Table.Prepare(ctx, Range{Filter: map[string]string{link.KeyColumn: v}})
}

func (c *rowCursor) Len() int { return len(c.rows) }

func (c *rowCursor) Close() error {
	c.closed = true
	return nil
}

// selectRows applies a Range to materialised rows.
func selectRows(table string, columns []string, rows [][]string, r Range) ([][]string, error) {
	index := make(map[string]int, len(columns))
	for i, c := range columns {
		index[c] = i
	}
	for col := range r.Filter {
		if _, ok := index[col]; !ok {
			return nil, fmt.Errorf("partition table %s: %w: %s", table, ErrNoSuchColumn, col)
		}
	}

	var out [][]string
	for _, row := range rows {
		match := true
		for col, want := range r.Filter {
			if row[index[col]] != want {
				match = false
				break
			}
		}
		if match {
			out = append(out, row)
		}
	}

	if r.Offset > 0 {
		if r.Offset >= len(out) {
			return nil, nil
		}
		out = out[r.Offset:]
	}
	if r.Limit > 0 && r.Limit < len(out) {
		out = out[:r.Limit]
	}
	return out, nil
}

func linkMap(links []Link) map[string]Link {
	if len(links) == 0 {
		return nil
	}
	m := make(map[string]Link, len(links))
	for _, l := range links {
		m[l.Column] = l
	}
	return m
}
