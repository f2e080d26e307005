package dialect

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"

	"github.com/johndauphine/martbuild/internal/action"
)

// maxIndexName keeps generated index names under the tightest engine limit (postgres, 63).
const maxIndexName = 60

func (g *generator) selectTable(a *action.Select) string {
	list := "SELECT " + g.mapColumns("a", a.Columns)
	from := "FROM " + g.QualifyTable(a.SourceSchema, a.SourceTable) + " a"

	var conds []string
	if a.TableRestriction != nil {
		conds = append(conds, g.restriction(a.TableRestriction.Expression, "a", a.TableRestriction.Aliases))
	}
	conds = append(conds, g.partitions("a", a.Partitions)...)
	if len(conds) > 0 {
		from += " WHERE " + strings.Join(conds, " AND ")
	}
	return g.create(a.Schema, a.ResultTable, list, from)
}

func (g *generator) join(t action.Target, j action.JoinSpec, left bool) string {
	var cols []string
	if len(j.LeftColumns) > 0 {
		cols = append(cols, g.mapColumns("l", j.LeftColumns))
	}
	if len(j.RightColumns) > 0 {
		cols = append(cols, g.mapColumns("r", j.RightColumns))
	}
	if len(cols) == 0 {
		cols = append(cols, "l.*")
	}

	kind := "INNER JOIN"
	if left {
		kind = "LEFT JOIN"
	}

	var on []string
	for i, lc := range j.LeftJoinColumns {
		if i >= len(j.RightJoinColumns) {
			break
		}
		on = append(on, g.ref("l", lc)+" = "+g.ref("r", j.RightJoinColumns[i]))
	}
	if j.TableRestriction != nil {
		on = append(on, g.restriction(j.TableRestriction.Expression, "r", j.TableRestriction.Aliases))
	}
	if rr := j.RelationRestriction; rr != nil {
		aliases := make(map[string]string)
		for _, al := range rr.LeftAliases {
			aliases[al.Alias] = g.ref("l", al.Column)
		}
		for _, al := range rr.RightAliases {
			aliases[al.Alias] = g.ref("r", al.Column)
		}
		on = append(on, "("+substitute(rr.Expression, aliases)+")")
	}
	on = append(on, g.partitions("r", j.Partitions)...)
	if len(on) == 0 {
		on = append(on, "1 = 1")
	}

	from := fmt.Sprintf("FROM %s l %s %s r ON %s",
		g.QualifyTable(t.Schema, j.LeftTable), kind,
		g.QualifyTable(j.RightSchema, j.RightTable), strings.Join(on, " AND "))
	return g.create(t.Schema, j.ResultTable, "SELECT "+strings.Join(cols, ", "), from)
}

func (g *generator) addExpression(a *action.AddExpression) string {
	var cols []string
	if len(a.Columns) > 0 {
		cols = append(cols, g.ColumnList(a.Columns))
	}
	for _, e := range a.Expressions {
		aliases := make(map[string]string, len(e.Aliases))
		for _, al := range e.Aliases {
			aliases[al.Alias] = g.QuoteIdentifier(al.Column)
		}
		cols = append(cols, "("+substitute(e.Expression, aliases)+") AS "+g.QuoteIdentifier(e.Name))
	}

	from := "FROM " + g.QualifyTable(a.Schema, a.SourceTable)
	if a.GroupBy && len(a.Columns) > 0 {
		from += " GROUP BY " + g.ColumnList(a.Columns)
	}
	return g.create(a.Schema, a.ResultTable, "SELECT "+strings.Join(cols, ", "), from)
}

func (g *generator) index(a *action.Index) string {
	name := indexName(a.Table, a.Columns)
	if g.indexOnSchema {
		return fmt.Sprintf("CREATE INDEX %s ON %s (%s)",
			g.QualifyTable(a.Schema, name), g.QuoteIdentifier(a.Table), g.ColumnList(a.Columns))
	}
	return fmt.Sprintf("CREATE INDEX %s ON %s (%s)",
		g.QuoteIdentifier(name), g.QualifyTable(a.Schema, a.Table), g.ColumnList(a.Columns))
}

func (g *generator) createOptimiser(a *action.CreateOptimiser) string {
	cols := make([]string, 0, len(a.KeyColumns))
	for _, k := range a.KeyColumns {
		cols = append(cols, g.ref("s", k))
	}
	from := "FROM " + g.QualifyTable(a.Schema, a.SourceTable) + " s"

	if c := a.Copy; c != nil {
		for _, col := range c.Columns {
			cols = append(cols, g.ref("c", col))
		}
		var on []string
		for i, k := range c.KeyColumns {
			if i < len(c.SourceKeyColumns) {
				on = append(on, g.ref("s", c.SourceKeyColumns[i])+" = "+g.ref("c", k))
			}
		}
		from += " LEFT JOIN " + g.QualifyTable(a.Schema, c.Table) + " c ON " + strings.Join(on, " AND ")
	}
	return g.create(a.Schema, a.ResultTable, "SELECT DISTINCT "+strings.Join(cols, ", "), from)
}

func (g *generator) updateOptimiser(a *action.UpdateOptimiser) []string {
	table := g.QualifyTable(a.Schema, a.Table)
	typ := g.boolType
	if a.Count {
		typ = g.countType
	}
	add := fmt.Sprintf("ALTER TABLE %s %s %s %s", table, g.addColumn, g.QuoteIdentifier(a.Column), typ)

	var where []string
	for i, k := range a.KeyColumns {
		if i < len(a.SourceKeyColumns) {
			where = append(where, g.ref("src", a.SourceKeyColumns[i])+" = "+table+"."+g.QuoteIdentifier(k))
		}
	}
	if len(a.NonNullColumns) > 0 {
		var nn []string
		for _, c := range a.NonNullColumns {
			nn = append(nn, g.ref("src", c)+" IS NOT NULL")
		}
		where = append(where, "("+strings.Join(nn, " OR ")+")")
	}
	sub := "FROM " + g.QualifyTable(a.Schema, a.SourceTable) + " src"
	if len(where) > 0 {
		sub += " WHERE " + strings.Join(where, " AND ")
	}

	value := "(SELECT COUNT(*) " + sub + ")"
	if !a.Count {
		value = "CASE WHEN EXISTS (SELECT 1 " + sub + ") THEN 1 ELSE 0 END"
	}
	update := fmt.Sprintf("UPDATE %s SET %s = %s", table, g.QuoteIdentifier(a.Column), value)
	return []string{add, update}
}

func (g *generator) mapColumns(alias string, cols []action.ColumnMap) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = g.ref(alias, c.From) + " AS " + g.QuoteIdentifier(c.To)
	}
	return strings.Join(out, ", ")
}

func (g *generator) ref(alias, column string) string {
	return alias + "." + g.QuoteIdentifier(column)
}

func (g *generator) restriction(expr, alias string, aliases []action.Alias) string {
	m := make(map[string]string, len(aliases))
	for _, al := range aliases {
		m[al.Alias] = g.ref(alias, al.Column)
	}
	return "(" + substitute(expr, m) + ")"
}

func (g *generator) partitions(alias string, parts []action.PartitionRestriction) []string {
	var out []string
	for _, p := range parts {
		col := g.ref(alias, p.Column)
		if len(p.Values) == 1 {
			out = append(out, col+" = "+literal(p.Values[0]))
			continue
		}
		vals := make([]string, len(p.Values))
		for i, v := range p.Values {
			vals[i] = literal(v)
		}
		out = append(out, col+" IN ("+strings.Join(vals, ", ")+")")
	}
	return out
}

// substitute replaces alias tokens in expr. Longer tokens are matched first so
// that a token never captures the prefix of another.
func substitute(expr string, aliases map[string]string) string {
	if len(aliases) == 0 {
		return expr
	}
	tokens := make([]string, 0, len(aliases))
	for tok := range aliases {
		if tok != "" {
			tokens = append(tokens, tok)
		}
	}
	sort.Slice(tokens, func(i, j int) bool {
		if len(tokens[i]) != len(tokens[j]) {
			return len(tokens[i]) > len(tokens[j])
		}
		return tokens[i] < tokens[j]
	})
	pairs := make([]string, 0, 2*len(tokens))
	for _, tok := range tokens {
		pairs = append(pairs, tok, aliases[tok])
	}
	return strings.NewReplacer(pairs...).Replace(expr)
}

func literal(v string) string {
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}

// indexName derives a stable index name, hashing long names down to size.
func indexName(table string, cols []string) string {
	name := table + "_" + strings.Join(cols, "_") + "_idx"
	if len(name) <= maxIndexName {
		return name
	}
	h := fnv.New32a()
	h.Write([]byte(name))
	suffix := fmt.Sprintf("_%08x_idx", h.Sum32())
	return name[:maxIndexName-len(suffix)] + suffix
}
