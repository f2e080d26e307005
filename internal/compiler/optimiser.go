package compiler

import (
	"context"

	"github.com/johndauphine/martbuild/internal/action"
	"github.com/johndauphine/martbuild/internal/model"
)

// optimiserColumns is the bookkeeping for one optimiser target table: the
// has-data columns allocated on it so far, in allocation order.
type optimiserColumns struct {
	names []string
	used  map[string]bool
}

func (r *run) optimiserTarget(table string) *optimiserColumns {
	oc, ok := r.optimisers[table]
	if !ok {
		oc = &optimiserColumns{used: make(map[string]bool)}
		r.optimisers[table] = oc
	}
	return oc
}

// allocate reserves a unique has-data column on table, probing a counter
// suffix until the name is free.
func (r *run) allocate(table, base, marker string) string {
	oc := r.optimiserTarget(table)
	name := r.names.optimiserColumn(base, marker, 0)
	for n := 1; oc.used[name]; n++ {
		name = r.names.optimiserColumn(base, marker, n)
	}
	oc.used[name] = true
	oc.names = append(oc.names, name)
	return name
}

func (r *run) optimise(ctx context.Context, st *tableState, b *builtTable) error {
	if !st.pass.ds.Optimiser.Enabled() {
		return nil
	}
	switch st.t.Type {
	case model.Main, model.MainSubclass:
		return r.createOptimiser(ctx, st, b)
	case model.Dimension:
		return r.updateOptimisers(ctx, st, b)
	}
	return nil
}

// createOptimiser sets up where the has-data columns of t's dimensions go:
// a companion table in table mode, or t itself in column mode.
func (r *run) createOptimiser(ctx context.Context, st *tableState, b *builtTable) error {
	t := st.t
	ps := st.pass
	mode := ps.ds.Optimiser

	if !mode.IsTable() {
		b.optimiser = b.final
		r.optimiserTarget(b.final)
		return nil
	}

	keys := r.optimiserKey(st)
	if keys == nil {
		return validationf("table %s: optimiser table needs a primary key", t.Name)
	}
	name := r.names.tableName(ps.sp.Prefix, ps.dsName, ps.ds.Name, t.Name, "", optimiserMarker(mode))
	a := &action.CreateOptimiser{
		Target:      st.target,
		SourceTable: b.final,
		KeyColumns:  keys,
		ResultTable: name,
	}

	oc := r.optimiserTarget(name)
	if t.Type == model.MainSubclass && mode.IsInherit() {
		if parent := ps.built[t.Parent]; parent != nil && parent.optimiser != "" {
			inherited := r.optimiserTarget(parent.optimiser).names
			fk := childKey(t)
			if len(inherited) > 0 && len(fk) == len(t.Parent.PrimaryKey) {
				a.Copy = &action.OptimiserCopy{
					Table:            parent.optimiser,
					KeyColumns:       r.columnNames(t.Parent.PrimaryKey),
					SourceKeyColumns: r.columnNames(fk),
					Columns:          append([]string(nil), inherited...),
				}
				for _, c := range inherited {
					oc.used[c] = true
					oc.names = append(oc.names, c)
				}
			}
		}
	}

	if err := r.emit(ctx, ps, a); err != nil {
		return err
	}
	b.optimiser = name
	return nil
}

// updateOptimisers records, on the parent's optimiser target, which parent
// rows have rows in the finished dimension b. Inheriting modes repeat the
// update on every subclass of the parent built so far.
func (r *run) updateOptimisers(ctx context.Context, st *tableState, b *builtTable) error {
	t := st.t
	ps := st.pass
	parent := ps.built[t.Parent]
	if parent == nil || parent.optimiser == "" {
		return nil
	}

	pk := t.Parent.PrimaryKey
	fk := childKey(t)
	if len(pk) == 0 || len(fk) != len(pk) {
		return validationf("table %s: optimiser needs the parent %s primary key", t.Name, t.Parent.Name)
	}

	u := optimiserUpdate{
		sourceTable: b.final,
		sourceKey:   r.columnNames(fk),
		base:        t.Name,
		marker:      optimiserMarker(ps.ds.Optimiser),
		count:       !ps.ds.Optimiser.IsBool(),
	}
	if st.dmName != "" {
		u.base += "_" + st.dmName
	}
	for _, c := range t.Columns {
		if c.Kind == model.ColumnWrapped && ps.req.Final(c) && !c.Masked && b.present[c.Name] {
			u.nonNull = append(u.nonNull, r.names.column(c.Name))
		}
	}

	if err := r.updateOptimiser(ctx, st, parent.optimiser, r.columnNames(pk), u); err != nil {
		return err
	}
	if !ps.ds.Optimiser.IsInherit() {
		return nil
	}

	for _, d := range ps.order {
		if d.table.Type != model.MainSubclass || d.optimiser == "" || !descends(d.table, t.Parent) {
			continue
		}
		keys := inheritedKey(d.table, t.Parent)
		if len(keys) != len(pk) {
			continue
		}
		if err := r.updateOptimiser(ctx, st, d.optimiser, r.columnNames(keys), u); err != nil {
			return err
		}
	}
	return nil
}

// optimiserKey lists the key columns of t's optimiser table: its primary key
// followed by the columns carrying each ancestor's primary key, so updates
// from an ancestor's dimensions can be joined on them.
func (r *run) optimiserKey(st *tableState) []string {
	t := st.t
	keys := r.presentNames(st, t.PrimaryKey)
	if len(keys) == 0 || len(keys) != len(t.PrimaryKey) {
		return nil
	}
	seen := make(map[string]bool)
	for _, k := range keys {
		seen[k] = true
	}
	for _, a := range t.Ancestors() {
		for _, name := range r.presentNames(st, inheritedKey(t, a)) {
			if !seen[name] {
				seen[name] = true
				keys = append(keys, name)
			}
		}
	}
	return keys
}

type optimiserUpdate struct {
	sourceTable string
	sourceKey   []string
	nonNull     []string
	base        string
	marker      string
	count       bool
}

func (r *run) updateOptimiser(ctx context.Context, st *tableState, table string, keys []string, u optimiserUpdate) error {
	col := r.allocate(table, u.base, u.marker)
	a := &action.UpdateOptimiser{
		Target:           st.target,
		Table:            table,
		KeyColumns:       keys,
		SourceTable:      u.sourceTable,
		SourceKeyColumns: u.sourceKey,
		NonNullColumns:   u.nonNull,
		Column:           col,
		Count:            u.count,
	}
	if err := r.emit(ctx, st.pass, a); err != nil {
		return err
	}
	if st.pass.ds.IndexOptimiser {
		return r.emit(ctx, st.pass, &action.Index{Target: st.target, Table: table, Columns: []string{col}})
	}
	return nil
}

// descends reports whether ancestor is on t's parent chain.
func descends(t, ancestor *model.DataSetTable) bool {
	for _, a := range t.Ancestors() {
		if a == ancestor {
			return true
		}
	}
	return false
}
