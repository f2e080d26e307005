// Package dialect translates engine-agnostic mart construction actions into
// SQL statements for a specific database engine.
package dialect

import (
	"fmt"
	"strings"

	"github.com/johndauphine/martbuild/internal/action"
)

// Dialect renders actions as SQL for one engine.
type Dialect interface {
	// DBType returns the canonical engine name.
	DBType() string

	QuoteIdentifier(name string) string
	QualifyTable(schema, table string) string
	ColumnList(cols []string) string

	// BatchSeparator returns the line that ends a batch in scripts, or "".
	BatchSeparator() string

	// Statements returns the statements implementing a, in execution order.
	Statements(a action.Action) ([]string, error)
}

// GetDialect returns the dialect for a database type or one of its aliases,
// or nil when the type is unknown.
func GetDialect(dbType string) Dialect {
	switch strings.ToLower(strings.TrimSpace(dbType)) {
	case "postgres", "postgresql", "pg":
		return Postgres()
	case "mssql", "sqlserver":
		return MSSQL()
	case "mysql", "mariadb":
		return MySQL()
	case "sqlite", "sqlite3":
		return SQLite()
	}
	return nil
}

// Names lists the canonical engine names.
func Names() []string {
	return []string{"postgres", "mssql", "mysql", "sqlite"}
}

// engine holds the syntax that differs between databases. Everything else is
// shared by generator.
type engine struct {
	name  string
	open  string
	close string

	// selectInto creates tables with SELECT ... INTO instead of CREATE TABLE ... AS.
	selectInto bool

	rename      func(g *generator, schema, from, to string) string
	dropColumns func(g *generator, table string, cols []string) []string
	addColumn   string
	countType   string
	boolType    string

	batch string

	// indexOnSchema qualifies the index name instead of the table.
	indexOnSchema bool
}

type generator struct {
	engine
}

var _ Dialect = (*generator)(nil)

func (g *generator) DBType() string { return g.name }

func (g *generator) BatchSeparator() string { return g.batch }

func (g *generator) QuoteIdentifier(name string) string {
	return g.open + strings.ReplaceAll(name, g.close, g.close+g.close) + g.close
}

func (g *generator) QualifyTable(schema, table string) string {
	if schema == "" {
		return g.QuoteIdentifier(table)
	}
	return g.QuoteIdentifier(schema) + "." + g.QuoteIdentifier(table)
}

func (g *generator) ColumnList(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = g.QuoteIdentifier(c)
	}
	return strings.Join(quoted, ", ")
}

func (g *generator) Statements(a action.Action) ([]string, error) {
	switch a := a.(type) {
	case *action.Select:
		return []string{g.selectTable(a)}, nil
	case *action.Join:
		return []string{g.join(a.Target, a.JoinSpec, false)}, nil
	case *action.LeftJoin:
		return []string{g.join(a.Target, a.JoinSpec, true)}, nil
	case *action.AddExpression:
		return []string{g.addExpression(a)}, nil
	case *action.Distinct:
		from := "FROM " + g.QualifyTable(a.Schema, a.SourceTable)
		return []string{g.create(a.Schema, a.ResultTable, "SELECT DISTINCT *", from)}, nil
	case *action.Rename:
		return []string{g.rename(g, a.Schema, a.From, a.To)}, nil
	case *action.Drop:
		return []string{"DROP TABLE IF EXISTS " + g.QualifyTable(a.Schema, a.Table)}, nil
	case *action.DropColumns:
		if len(a.Columns) == 0 {
			return nil, nil
		}
		return g.dropColumns(g, g.QualifyTable(a.Schema, a.Table), a.Columns), nil
	case *action.Index:
		return []string{g.index(a)}, nil
	case *action.CreateOptimiser:
		return []string{g.createOptimiser(a)}, nil
	case *action.UpdateOptimiser:
		return g.updateOptimiser(a), nil
	}
	return nil, fmt.Errorf("%s: unsupported action %T", g.name, a)
}

// create builds a table from a select list and the FROM clause that feeds it.
func (g *generator) create(schema, table, list, from string) string {
	target := g.QualifyTable(schema, table)
	if g.selectInto {
		return list + " INTO " + target + " " + from
	}
	return "CREATE TABLE " + target + " AS " + list + " " + from
}
