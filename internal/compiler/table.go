package compiler

import (
	"context"
	"fmt"

	"github.com/johndauphine/martbuild/internal/action"
	"github.com/johndauphine/martbuild/internal/model"
	"github.com/johndauphine/martbuild/internal/partition"
)

// outcome is the result of compiling one table for one partition combination.
type outcome int

const (
	// outcomeCompiled means the table was built and renamed to its public name.
	outcomeCompiled outcome = iota
	// outcomeDropped means the table does not exist for this partition
	// combination; its dependents are skipped.
	outcomeDropped
	// outcomeFailed aborts the run.
	outcomeFailed
)

type tableResult struct {
	outcome outcome
	built   *builtTable
	err     error
}

func failed(err error) tableResult { return tableResult{outcome: outcomeFailed, err: err} }
func dropped() tableResult { return tableResult{outcome: outcomeDropped} }
func compiled(b *builtTable) tableResult { return tableResult{outcome: outcomeCompiled, built: b} }

// tableState tracks the running intermediate table while a dataset table is built.
type tableState struct {
	t      *model.DataSetTable
	pass   *pass
	target action.Target

	// dmRow and dmName are set while building one partition of a dimension.
	dmRow  partition.Cursor
	dmName string

	current string
	columns []string
	present map[string]bool
	dropped map[string]bool

	requiresFinalLeftJoin bool
}

func (s *tableState) add(name string) {
	if s.present[name] {
		return
	}
	s.present[name] = true
	s.columns = append(s.columns, name)
}

func (s *tableState) remove(names map[string]bool) {
	kept := s.columns[:0]
	for _, c := range s.columns {
		if names[c] {
			delete(s.present, c)
			continue
		}
		kept = append(kept, c)
	}
	s.columns = kept
}

// drop marks columns as unavailable for the rest of the table's pipeline.
func (s *tableState) drop(cols []*model.DataSetColumn) {
	for _, c := range cols {
		s.dropped[c.Name] = true
	}
}

func (s *tableState) usable(name string) bool {
	return s.present[name] && !s.dropped[name]
}

func (r *run) compileTable(ctx context.Context, ps *pass, t *model.DataSetTable, dmRow partition.Cursor, dmName string) tableResult {
	st := &tableState{
		t:    t,
		pass: ps,
		target: action.Target{
			Schema:       r.job.schema,
			DataSet:      ps.ds.Name,
			DataSetTable: t.Name,
			Partition:    partitionLabel(ps.sp.Key, ps.dsName, dmName),
		},
		dmRow:   dmRow,
		dmName:  dmName,
		present: make(map[string]bool),
		dropped: make(map[string]bool),
	}

	for i, u := range t.Units {
		var (
			out outcome
			err error
		)
		switch u := u.(type) {
		case *model.SelectFromTable:
			out, err = r.compileSelect(ctx, st, u)
		case *model.JoinTable:
			out, err = r.compileJoin(ctx, st, u)
		case *model.Expression:
			out, err = r.compileExpression(ctx, st, u)
		default:
			err = internalf("table %s: unit %d has unknown type %T", t.Name, i, u)
		}
		if err != nil {
			return failed(err)
		}
		if out == outcomeDropped {
			r.log.Debug("table dropped for partition", "dataset", ps.ds.Name, "table", t.Name,
				"partition", st.target.Partition)
			return dropped()
		}
	}

	b, err := r.finalise(ctx, st)
	if err != nil {
		return failed(err)
	}
	if err := r.optimise(ctx, st, b); err != nil {
		return failed(err)
	}
	return compiled(b)
}

// finalise reconciles hard restrictions, deduplicates, drops interim-only
// columns, renames the running table to its public name and indexes it.
func (r *run) finalise(ctx context.Context, st *tableState) (*builtTable, error) {
	t := st.t
	ps := st.pass
	if st.current == "" {
		return nil, internalf("table %s: no intermediate table to finalise", t.Name)
	}

	if st.requiresFinalLeftJoin && t.Type != model.Main {
		if err := r.reconcile(ctx, st); err != nil {
			return nil, err
		}
	}

	if ps.ds.Mods.IsDistinct(t.Name) {
		next := r.nextTemp()
		if err := r.emit(ctx, ps, &action.Distinct{Target: st.target, SourceTable: st.current, ResultTable: next}); err != nil {
			return nil, err
		}
		if err := r.replace(ctx, st, next); err != nil {
			return nil, err
		}
	}

	interim := make(map[string]bool)
	var interimOut []string
	for _, name := range st.columns {
		if c := t.Column(name); c == nil || !ps.req.Final(c) {
			interim[name] = true
			interimOut = append(interimOut, r.names.column(name))
		}
	}
	if len(interimOut) > 0 {
		if err := r.emit(ctx, ps, &action.DropColumns{Target: st.target, Table: st.current, Columns: interimOut}); err != nil {
			return nil, err
		}
		st.remove(interim)
	}

	final := r.names.tableName(ps.sp.Prefix, ps.dsName, ps.ds.Name, t.Name, st.dmName, typeSuffix(t.Type))
	if err := r.emit(ctx, ps, &action.Rename{Target: st.target, From: st.current, To: final}); err != nil {
		return nil, err
	}
	st.current = final

	for _, cols := range r.indexes(st) {
		if err := r.emit(ctx, ps, &action.Index{Target: st.target, Table: final, Columns: cols}); err != nil {
			return nil, err
		}
	}

	present := make(map[string]bool, len(st.present))
	for k := range st.present {
		present[k] = true
	}
	return &builtTable{table: t, final: final, present: present}, nil
}

// indexes lists the index column sets of a finished table: its primary key,
// its foreign key and every individually indexed column.
func (r *run) indexes(st *tableState) [][]string {
	var out [][]string
	seen := make(map[string]bool)
	add := func(cols []*model.DataSetColumn) {
		names := r.presentNames(st, cols)
		if len(names) == 0 || len(names) != len(cols) {
			return
		}
		key := fmt.Sprint(names)
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, names)
	}
	add(st.t.PrimaryKey)
	add(st.t.ForeignKey)
	for _, c := range st.t.Columns {
		if c.Indexed {
			add([]*model.DataSetColumn{c})
		}
	}
	return out
}

// reconcile left-joins the parent's finished table to the running table so
// rows removed by an inner join forced by a hard restriction come back.
func (r *run) reconcile(ctx context.Context, st *tableState) error {
	t := st.t
	parent := st.pass.built[t.Parent]
	if parent == nil {
		return internalf("table %s: parent %s not built before reconciliation", t.Name, t.Parent.Name)
	}

	pk := t.Parent.PrimaryKey
	fk := childKey(t)
	if len(pk) == 0 || len(fk) != len(pk) {
		return validationf("table %s: cannot reconcile hard restriction without a parent primary key", t.Name)
	}

	spec := action.JoinSpec{
		LeftTable:        parent.final,
		RightSchema:      r.job.schema,
		RightTable:       st.current,
		RightFromDataSet: true,
	}
	fromParent := make(map[string]bool)
	for _, c := range t.Columns {
		if c.Kind != model.ColumnInherited || c.Inherited == nil || c.Inherited.Table != t.Parent {
			continue
		}
		if !st.present[c.Name] || !parent.present[c.Inherited.Name] {
			continue
		}
		fromParent[c.Name] = true
		spec.LeftColumns = append(spec.LeftColumns, action.ColumnMap{
			From: r.names.column(c.Inherited.Name),
			To:   r.names.column(c.Name),
		})
	}
	for i := range pk {
		spec.LeftJoinColumns = append(spec.LeftJoinColumns, r.names.column(pk[i].Name))
		spec.RightJoinColumns = append(spec.RightJoinColumns, r.names.column(fk[i].Name))
	}
	for _, name := range st.columns {
		if fromParent[name] {
			continue
		}
		out := r.names.column(name)
		spec.RightColumns = append(spec.RightColumns, action.ColumnMap{From: out, To: out})
	}

	next := r.nextTemp()
	spec.ResultTable = next
	if err := r.emit(ctx, st.pass, &action.LeftJoin{Target: st.target, JoinSpec: spec}); err != nil {
		return err
	}
	return r.replace(ctx, st, next)
}

// replace drops the running table once next exists and makes next current.
func (r *run) replace(ctx context.Context, st *tableState, next string) error {
	prev := st.current
	st.current = next
	if prev == "" {
		return nil
	}
	return r.emit(ctx, st.pass, &action.Drop{Target: st.target, Table: prev})
}

// childKey returns the columns of t that carry its parent's primary key.
func childKey(t *model.DataSetTable) []*model.DataSetColumn {
	if len(t.ForeignKey) > 0 || t.Parent == nil {
		return t.ForeignKey
	}
	return inheritedKey(t, t.Parent)
}

// inheritedKey returns, in key order, the columns of t whose inheritance
// chain reaches each primary key column of ancestor.
func inheritedKey(t, ancestor *model.DataSetTable) []*model.DataSetColumn {
	var out []*model.DataSetColumn
	for _, pk := range ancestor.PrimaryKey {
		c := inheritedFrom(t, pk)
		if c == nil {
			return nil
		}
		out = append(out, c)
	}
	return out
}

func inheritedFrom(t *model.DataSetTable, src *model.DataSetColumn) *model.DataSetColumn {
	for _, c := range t.Columns {
		for p, depth := c, 0; p != nil && depth < 64; p, depth = p.Inherited, depth+1 {
			if p == src {
				return c
			}
			if p.Kind != model.ColumnInherited {
				break
			}
		}
	}
	return nil
}

func (r *run) presentNames(st *tableState, cols []*model.DataSetColumn) []string {
	var out []string
	for _, c := range cols {
		if st.present[c.Name] {
			out = append(out, r.names.column(c.Name))
		}
	}
	return out
}

func (r *run) columnNames(cols []*model.DataSetColumn) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = r.names.column(c.Name)
	}
	return out
}
