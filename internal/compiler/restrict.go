package compiler

import (
	"context"
	"fmt"
	"sort"

	"github.com/johndauphine/martbuild/internal/action"
	"github.com/johndauphine/martbuild/internal/model"
	"github.com/johndauphine/martbuild/internal/partition"
)

// tableRestriction returns the restriction applied to rows of table while
// building the current dataset table. A hard restriction flags the table for
// reconciliation.
func (r *run) tableRestriction(st *tableState, table *model.Table) *action.TableRestriction {
	tr := st.pass.ds.Mods.TableRestriction(st.t.Name, table.Name)
	if tr == nil {
		return nil
	}
	out := &action.TableRestriction{Expression: tr.Expression, Hard: tr.Hard}
	for _, col := range sortedKeys(tr.Aliases) {
		out.Aliases = append(out.Aliases, action.Alias{Column: col, Alias: tr.Aliases[col]})
	}
	if tr.Hard {
		st.requiresFinalLeftJoin = true
	}
	return out
}

// relationRestriction translates the restriction on one traversal of a
// relation. Columns of the near side are resolved to the running table's
// columns; columns of the far side are read from the joined source table.
//
// A loopback traversal never carries a relation restriction: it would filter
// out the row the traversal started from.
func (r *run) relationRestriction(st *tableState, u *model.JoinTable) (*action.RelationRestriction, error) {
	if u.Loopback {
		return nil, nil
	}
	rr := st.pass.ds.Mods.RelationRestriction(st.t.Name, u.Relation.Name, u.Iteration)
	if rr == nil {
		return nil, nil
	}

	near, far := rr.FirstAliases, rr.SecondAliases
	if u.Key == u.Relation.First {
		near, far = rr.SecondAliases, rr.FirstAliases
	}
	nearKey := u.Relation.OtherKey(u.Key)
	if nearKey == nil {
		return nil, internalf("table %s: join key %s is not part of relation %s",
			st.t.Name, u.Key.Name, u.Relation.Name)
	}

	out := &action.RelationRestriction{Expression: rr.Expression, Hard: rr.Hard}
	for _, src := range sortedKeys(near) {
		c := nearColumn(st, nearKey.Table, src)
		if c == nil {
			return nil, validationf("table %s: restriction on relation %s uses %s.%s, which the table does not carry",
				st.t.Name, u.Relation.Name, nearKey.Table.Name, src)
		}
		out.LeftAliases = append(out.LeftAliases, action.Alias{Column: r.names.column(c.Name), Alias: near[src]})
	}
	for _, src := range sortedKeys(far) {
		out.RightAliases = append(out.RightAliases, action.Alias{Column: src, Alias: far[src]})
	}
	return out, nil
}

// nearColumn finds the running table's column that wraps source column
// table.name, directly or through inheritance.
func nearColumn(st *tableState, table *model.Table, name string) *model.DataSetColumn {
	for _, col := range st.columns {
		c := st.t.Column(col)
		if c == nil || st.dropped[col] {
			continue
		}
		if src := sourceOf(c); src != nil && src.Table == table && src.Name == name {
			return c
		}
	}
	return nil
}

func sourceOf(c *model.DataSetColumn) *model.Column {
	for depth := 0; c != nil && depth < 64; depth++ {
		switch c.Kind {
		case model.ColumnWrapped:
			return c.Source
		case model.ColumnInherited:
			c = c.Inherited
		default:
			return nil
		}
	}
	return nil
}

// partitionRestrictions collects the restrictions active at one step of the
// pipeline: the select step (rel nil) or one traversal of rel. The dataset
// axis restricts the main table's select and any join along the path; the
// dimension axis restricts the dimension being built.
func (r *run) partitionRestrictions(ctx context.Context, st *tableState, rel *model.Relation, iteration int,
	cols []model.UnitColumn, raw bool) ([]action.PartitionRestriction, error) {
	var out []action.PartitionRestriction

	apply := func(app *model.PartitionTableApplication, cur partition.Cursor) error {
		row, ok := app.RowFor(rel, iteration)
		if !ok || cur == nil {
			return nil
		}
		var from string
		for _, uc := range cols {
			if uc.Column.Name == row.DataSetColumn {
				from = uc.Source
				break
			}
		}
		if from == "" {
			return validationf("table %s: partition column %s is not introduced at this step",
				st.t.Name, row.DataSetColumn)
		}
		values, err := partitionValues(ctx, cur, row)
		if err != nil {
			return newError(KindPartition, "table "+st.t.Name, err)
		}
		if !raw {
			from = r.names.column(from)
		}
		out = append(out, action.PartitionRestriction{Column: from, Values: values})
		return nil
	}

	if rel != nil || st.t.Type == model.Main {
		if err := apply(st.pass.ds.Partitioning, st.pass.row); err != nil {
			return nil, err
		}
	}
	if st.dmRow != nil {
		if err := apply(st.t.Partitioning, st.dmRow); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// partitionValues reads the current row's value, or every value of the
// linked sub-partition group when the applied row names a second level.
func partitionValues(ctx context.Context, cur partition.Cursor, row model.AppliedRow) ([]string, error) {
	if row.SubColumn == "" {
		v, err := cur.Value(row.PartitionColumn)
		if err != nil {
			return nil, err
		}
		return []string{v}, nil
	}

	sub, err := cur.Sub(ctx, row.PartitionColumn)
	if err != nil {
		return nil, err
	}
	defer sub.Close()
	values, err := partition.Values(ctx, sub, row.SubColumn)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("sub-partition %s of %s is empty", row.SubColumn, row.PartitionColumn)
	}
	return values, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
