package compiler

import (
	"context"

	"github.com/johndauphine/martbuild/internal/action"
	"github.com/johndauphine/martbuild/internal/model"
)

func (r *run) compileSelect(ctx context.Context, st *tableState, u *model.SelectFromTable) (outcome, error) {
	ps := st.pass
	a := &action.Select{Target: st.target}
	var added []string

	if u.DataSetTable != nil {
		src := ps.built[u.DataSetTable]
		if src == nil {
			return outcomeFailed, internalf("table %s selects from %s, which has not been built",
				st.t.Name, u.DataSetTable.Name)
		}
		a.SourceSchema = r.job.schema
		a.SourceTable = src.final
		a.FromDataSet = true
		for _, uc := range u.Columns {
			c := uc.Column
			if !ps.req.Interim(c) {
				continue
			}
			if !src.present[uc.Source] {
				st.dropped[c.Name] = true
				continue
			}
			a.Columns = append(a.Columns, action.ColumnMap{From: r.names.column(uc.Source), To: r.names.column(c.Name)})
			added = append(added, c.Name)
		}
	} else {
		sp, ok := u.Table.Schema.Resolve(ps.sp.Key)
		if !ok {
			return outcomeDropped, nil
		}
		a.SourceSchema = sp.Physical
		a.SourceTable = u.Table.Name
		a.TableRestriction = r.tableRestriction(st, u.Table)
		for _, uc := range u.Columns {
			c := uc.Column
			if !ps.req.Interim(c) {
				continue
			}
			a.Columns = append(a.Columns, action.ColumnMap{From: uc.Source, To: r.names.column(c.Name)})
			added = append(added, c.Name)
		}
	}

	parts, err := r.partitionRestrictions(ctx, st, nil, 0, u.Columns, u.DataSetTable == nil)
	if err != nil {
		return outcomeFailed, err
	}
	a.Partitions = parts

	a.ResultTable = r.nextTemp()
	if err := r.emit(ctx, ps, a); err != nil {
		return outcomeFailed, err
	}
	if err := r.replace(ctx, st, a.ResultTable); err != nil {
		return outcomeFailed, err
	}
	for _, name := range added {
		st.add(name)
	}
	return outcomeCompiled, nil
}

func (r *run) compileJoin(ctx context.Context, st *tableState, u *model.JoinTable) (outcome, error) {
	ps := st.pass
	t := st.t
	first := t.FirstJoin() == u

	sp, resolved := u.Table.Schema.Resolve(ps.sp.Key)
	usable := resolved
	for _, c := range u.SourceKey {
		if !st.usable(c.Name) {
			usable = false
		}
	}
	if !usable {
		st.drop(u.Introduced())
		if first && t.Type != model.Main {
			if err := r.replace(ctx, st, ""); err != nil {
				return outcomeFailed, err
			}
			return outcomeDropped, nil
		}
		r.log.Debug("join skipped", "dataset", ps.ds.Name, "table", t.Name,
			"relation", u.Relation.Name, "partition", st.target.Partition)
		return outcomeCompiled, nil
	}

	leftKey := r.columnNames(u.SourceKey)
	if err := r.emit(ctx, ps, &action.Index{Target: st.target, Table: st.current, Columns: leftKey}); err != nil {
		return outcomeFailed, err
	}

	spec := action.JoinSpec{
		LeftTable:        st.current,
		LeftJoinColumns:  leftKey,
		RightSchema:      sp.Physical,
		RightTable:       u.Table.Name,
		RightJoinColumns: u.Key.ColumnNames(),
	}
	for _, name := range st.columns {
		out := r.names.column(name)
		spec.LeftColumns = append(spec.LeftColumns, action.ColumnMap{From: out, To: out})
	}
	var added []string
	for _, uc := range u.Columns {
		c := uc.Column
		if !ps.req.Interim(c) || st.present[c.Name] {
			continue
		}
		spec.RightColumns = append(spec.RightColumns, action.ColumnMap{From: uc.Source, To: r.names.column(c.Name)})
		added = append(added, c.Name)
	}

	spec.TableRestriction = r.tableRestriction(st, u.Table)
	rel, err := r.relationRestriction(st, u)
	if err != nil {
		return outcomeFailed, err
	}
	spec.RelationRestriction = rel
	hard := (spec.TableRestriction != nil && spec.TableRestriction.Hard) || (rel != nil && rel.Hard)
	if hard {
		st.requiresFinalLeftJoin = true
	}

	spec.Partitions, err = r.partitionRestrictions(ctx, st, u.Relation, u.Iteration, u.Columns, true)
	if err != nil {
		return outcomeFailed, err
	}

	spec.ResultTable = r.nextTemp()
	var a action.Action
	if hard || (first && t.Type == model.Dimension) {
		a = &action.Join{Target: st.target, JoinSpec: spec}
	} else {
		a = &action.LeftJoin{Target: st.target, JoinSpec: spec}
	}
	if err := r.emit(ctx, ps, a); err != nil {
		return outcomeFailed, err
	}
	if err := r.replace(ctx, st, spec.ResultTable); err != nil {
		return outcomeFailed, err
	}
	for _, name := range added {
		st.add(name)
	}
	return outcomeCompiled, nil
}

// compileExpression adds computed columns, one AddExpression per group-by
// setting. Plain expressions go first so grouped ones can use them.
func (r *run) compileExpression(ctx context.Context, st *tableState, u *model.Expression) (outcome, error) {
	var plain, grouped []*model.DataSetColumn
	for _, c := range u.Columns {
		if !st.pass.req.Interim(c) || c.Expression == nil {
			continue
		}
		ok := true
		for name := range c.Expression.Aliases {
			if !st.usable(name) {
				ok = false
			}
		}
		if !ok {
			st.dropped[c.Name] = true
			continue
		}
		if c.Expression.GroupBy {
			grouped = append(grouped, c)
		} else {
			plain = append(plain, c)
		}
	}

	for _, group := range []struct {
		cols    []*model.DataSetColumn
		groupBy bool
	}{{plain, false}, {grouped, true}} {
		if len(group.cols) == 0 {
			continue
		}
		if err := r.expressionGroup(ctx, st, group.cols, group.groupBy); err != nil {
			return outcomeFailed, err
		}
	}
	return outcomeCompiled, nil
}

func (r *run) expressionGroup(ctx context.Context, st *tableState, cols []*model.DataSetColumn, groupBy bool) error {
	ps := st.pass

	// Grouped expressions aggregate the columns they alias; those columns
	// cannot be carried forward.
	aggregated := make(map[string]bool)
	if groupBy {
		for _, c := range cols {
			for name := range c.Expression.Aliases {
				aggregated[name] = true
			}
		}
	}
	var carried []string
	for _, name := range st.columns {
		if !aggregated[name] {
			carried = append(carried, r.names.column(name))
		}
	}

	exprs := make([]action.ExpressionColumn, 0, len(cols))
	for _, c := range cols {
		ec := action.ExpressionColumn{Name: r.names.column(c.Name), Expression: c.Expression.Expression}
		for _, name := range sortedKeys(c.Expression.Aliases) {
			ec.Aliases = append(ec.Aliases, action.Alias{Column: r.names.column(name), Alias: c.Expression.Aliases[name]})
		}
		exprs = append(exprs, ec)
	}

	scratch := r.nextTemp()
	if err := r.emit(ctx, ps, &action.Rename{Target: st.target, From: st.current, To: scratch}); err != nil {
		return err
	}
	next := r.nextTemp()
	add := &action.AddExpression{
		Target:      st.target,
		SourceTable: scratch,
		Columns:     carried,
		Expressions: exprs,
		GroupBy:     groupBy,
		ResultTable: next,
	}
	if err := r.emit(ctx, ps, add); err != nil {
		return err
	}
	if err := r.emit(ctx, ps, &action.Drop{Target: st.target, Table: scratch}); err != nil {
		return err
	}
	st.current = next

	if len(aggregated) > 0 {
		for name := range aggregated {
			st.dropped[name] = true
		}
		st.remove(aggregated)
	}
	for _, c := range cols {
		st.add(c.Name)
	}
	return nil
}
