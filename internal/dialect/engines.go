package dialect

import "strings"

// Postgres returns the PostgreSQL dialect.
func Postgres() Dialect {
	return &generator{engine{
		name:        "postgres",
		open:        `"`,
		close:       `"`,
		rename:      alterRename,
		dropColumns: dropEach(true),
		addColumn:   "ADD COLUMN",
		countType:   "INTEGER",
		boolType:    "SMALLINT",
	}}
}

// MSSQL returns the SQL Server dialect.
func MSSQL() Dialect {
	return &generator{engine{
		name:       "mssql",
		open:       "[",
		close:      "]",
		selectInto: true,
		batch:      "GO",
		rename: func(g *generator, schema, from, to string) string {
			return "EXEC sp_rename " + literal(g.QualifyTable(schema, from)) + ", " + literal(to)
		},
		dropColumns: func(g *generator, table string, cols []string) []string {
			return []string{"ALTER TABLE " + table + " DROP COLUMN " + g.ColumnList(cols)}
		},
		addColumn: "ADD",
		countType: "INT",
		boolType:  "BIT",
	}}
}

// MySQL returns the MySQL/MariaDB dialect.
func MySQL() Dialect {
	return &generator{engine{
		name:  "mysql",
		open:  "`",
		close: "`",
		rename: func(g *generator, schema, from, to string) string {
			return "RENAME TABLE " + g.QualifyTable(schema, from) + " TO " + g.QualifyTable(schema, to)
		},
		dropColumns: dropEach(true),
		addColumn:   "ADD COLUMN",
		countType:   "INT",
		boolType:    "TINYINT(1)",
	}}
}

// SQLite returns the SQLite dialect. Schemas map to attached databases.
func SQLite() Dialect {
	return &generator{engine{
		name:          "sqlite",
		open:          `"`,
		close:         `"`,
		rename:        alterRename,
		dropColumns:   dropEach(false),
		addColumn:     "ADD COLUMN",
		countType:     "INTEGER",
		boolType:      "INTEGER",
		indexOnSchema: true,
	}}
}

func alterRename(g *generator, schema, from, to string) string {
	return "ALTER TABLE " + g.QualifyTable(schema, from) + " RENAME TO " + g.QuoteIdentifier(to)
}

// dropEach drops columns with one DROP COLUMN clause each, combined into a
// single statement or split into one statement per column.
func dropEach(combined bool) func(g *generator, table string, cols []string) []string {
	return func(g *generator, table string, cols []string) []string {
		clauses := make([]string, len(cols))
		for i, c := range cols {
			clauses[i] = "DROP COLUMN " + g.QuoteIdentifier(c)
		}
		if combined {
			return []string{"ALTER TABLE " + table + " " + strings.Join(clauses, ", ")}
		}
		out := make([]string, len(clauses))
		for i, c := range clauses {
			out[i] = "ALTER TABLE " + table + " " + c
		}
		return out
	}
}
