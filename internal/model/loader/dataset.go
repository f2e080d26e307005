package loader

import (
	"errors"
	"fmt"

	"github.com/johndauphine/martbuild/internal/model"
)

func (b *builder) dataset(dd DataSetDoc) (*model.DataSet, error) {
	if dd.Name == "" {
		return nil, errors.New("dataset name is required")
	}
	if b.m.DataSet(dd.Name) != nil {
		return nil, errors.New("duplicate dataset")
	}
	central, err := b.resolveTable(dd.Central)
	if err != nil {
		return nil, fmt.Errorf("central table: %w", err)
	}
	ds := model.NewDataSet(dd.Name, central)
	ds.IndexOptimiser = dd.IndexOptimiser
	ds.Invisible = dd.Invisible
	if ds.Optimiser, err = model.ParseOptimiserType(dd.Optimiser); err != nil {
		return nil, err
	}
	if ds.Partitioning, err = b.application(dd.Partitioning); err != nil {
		return nil, fmt.Errorf("partitioning: %w", err)
	}
	if err := b.mods(ds.Mods, dd.Mods); err != nil {
		return nil, err
	}

	// Tables are created up front so parents can be referenced by name;
	// columns are built in declaration order, parents first.
	for _, td := range dd.Tables {
		if ds.Table(td.Name) != nil {
			return nil, fmt.Errorf("duplicate table %s", td.Name)
		}
		typ, err := model.ParseTableType(td.Type)
		if err != nil {
			return nil, fmt.Errorf("table %s: %w", td.Name, err)
		}
		ds.AddTable(td.Name, typ)
	}

	built := make(map[string]bool)
	for _, td := range dd.Tables {
		if err := b.table(ds, td, built); err != nil {
			return nil, fmt.Errorf("table %s: %w", td.Name, err)
		}
		built[td.Name] = true
	}
	return ds, nil
}

func (b *builder) table(ds *model.DataSet, td DataSetTableDoc, built map[string]bool) error {
	t := ds.Table(td.Name)

	if td.Parent != "" {
		parent := ds.Table(td.Parent)
		if parent == nil {
			return fmt.Errorf("unknown parent %s", td.Parent)
		}
		if !built[td.Parent] {
			return fmt.Errorf("parent %s must be declared first", td.Parent)
		}
		rel, err := b.resolveRelation(td.Relation)
		if err != nil {
			return err
		}
		parent.AddChild(rel, t)
	}

	for i, ud := range td.Units {
		u, err := b.unit(t, ud)
		if err != nil {
			return fmt.Errorf("unit %d: %w", i, err)
		}
		t.Units = append(t.Units, u)
	}

	var err error
	if t.PrimaryKey, err = tableColumns(t, td.PrimaryKey); err != nil {
		return fmt.Errorf("primary key: %w", err)
	}
	if t.ForeignKey, err = tableColumns(t, td.ForeignKey); err != nil {
		return fmt.Errorf("foreign key: %w", err)
	}
	masked, err := tableColumns(t, td.Masked)
	if err != nil {
		return fmt.Errorf("masked: %w", err)
	}
	for _, c := range masked {
		c.Masked = true
	}
	indexed, err := tableColumns(t, td.Indexed)
	if err != nil {
		return fmt.Errorf("indexed: %w", err)
	}
	for _, c := range indexed {
		c.Indexed = true
	}

	if t.Partitioning, err = b.application(td.Partitioning); err != nil {
		return fmt.Errorf("partitioning: %w", err)
	}
	return nil
}

func tableColumns(t *model.DataSetTable, names []string) ([]*model.DataSetColumn, error) {
	var out []*model.DataSetColumn
	for _, n := range names {
		c := t.Column(n)
		if c == nil {
			return nil, fmt.Errorf("no column %s", n)
		}
		out = append(out, c)
	}
	return out, nil
}

func (b *builder) unit(t *model.DataSetTable, ud UnitDoc) (model.TransformationUnit, error) {
	set := 0
	for _, present := range []bool{ud.Select != nil, ud.Join != nil, ud.Expression != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return nil, errors.New("exactly one of select, join or expression is required")
	}

	switch {
	case ud.Select != nil:
		return b.selectUnit(t, ud.Select)
	case ud.Join != nil:
		return b.joinUnit(t, ud.Join)
	default:
		return expressionUnit(t, ud.Expression)
	}
}

func (b *builder) selectUnit(t *model.DataSetTable, sd *SelectDoc) (*model.SelectFromTable, error) {
	u := &model.SelectFromTable{}
	if sd.DataSetTable != "" {
		src := t.DataSet.Table(sd.DataSetTable)
		if src == nil {
			return nil, fmt.Errorf("unknown dataset table %s", sd.DataSetTable)
		}
		u.DataSetTable = src
		for _, cd := range sd.Columns {
			from := src.Column(sourceName(cd))
			if from == nil {
				return nil, fmt.Errorf("dataset table %s has no column %s", src.Name, sourceName(cd))
			}
			c, err := addColumn(t, cd.Name, model.ColumnInherited)
			if err != nil {
				return nil, err
			}
			c.Inherited = from
			u.Columns = append(u.Columns, model.UnitColumn{Source: from.Name, Column: c})
		}
		return u, nil
	}

	table, err := b.resolveTable(sd.Table)
	if err != nil {
		return nil, err
	}
	u.Table = table
	cols, err := wrapColumns(t, table, sd.Columns)
	if err != nil {
		return nil, err
	}
	u.Columns = cols
	return u, nil
}

func (b *builder) joinUnit(t *model.DataSetTable, jd *JoinDoc) (*model.JoinTable, error) {
	table, err := b.resolveTable(jd.Table)
	if err != nil {
		return nil, err
	}
	rel, err := b.resolveRelation(jd.Relation)
	if err != nil {
		return nil, err
	}
	key := table.Key(jd.Key)
	if key == nil {
		return nil, fmt.Errorf("table %s has no key %s", table.Name, jd.Key)
	}
	if key != rel.First && key != rel.Second {
		return nil, fmt.Errorf("key %s is not part of relation %s", key.Name, rel.Name)
	}
	sourceKey, err := tableColumns(t, jd.SourceKey)
	if err != nil {
		return nil, fmt.Errorf("source key: %w", err)
	}
	cols, err := wrapColumns(t, table, jd.Columns)
	if err != nil {
		return nil, err
	}
	return &model.JoinTable{
		Table:     table,
		Relation:  rel,
		Key:       key,
		SourceKey: sourceKey,
		Columns:   cols,
		Iteration: jd.Iteration,
		Loopback:  jd.Loopback,
	}, nil
}

func expressionUnit(t *model.DataSetTable, ed *ExpressionDoc) (*model.Expression, error) {
	u := &model.Expression{}
	for _, cd := range ed.Columns {
		c, err := addColumn(t, cd.Name, model.ColumnExpression)
		if err != nil {
			return nil, err
		}
		c.Expression = &model.ExpressionDefinition{
			Expression: cd.Expression,
			Aliases:    cd.Aliases,
			GroupBy:    cd.GroupBy,
		}
		u.Columns = append(u.Columns, c)
	}
	return u, nil
}

func wrapColumns(t *model.DataSetTable, table *model.Table, docs []ColumnDoc) ([]model.UnitColumn, error) {
	var out []model.UnitColumn
	for _, cd := range docs {
		src := table.Column(sourceName(cd))
		if src == nil {
			return nil, fmt.Errorf("table %s has no column %s", table.Name, sourceName(cd))
		}
		c, err := addColumn(t, cd.Name, model.ColumnWrapped)
		if err != nil {
			return nil, err
		}
		c.Source = src
		out = append(out, model.UnitColumn{Source: src.Name, Column: c})
	}
	return out, nil
}

func addColumn(t *model.DataSetTable, name string, kind model.ColumnKind) (*model.DataSetColumn, error) {
	if name == "" {
		return nil, errors.New("column name is required")
	}
	if t.Column(name) != nil {
		return nil, fmt.Errorf("duplicate column %s", name)
	}
	return t.AddColumn(name, kind), nil
}

// sourceName defaults a column's source to its own name.
func sourceName(cd ColumnDoc) string {
	if cd.Source != "" {
		return cd.Source
	}
	return cd.Name
}

func (b *builder) application(ad *ApplicationDoc) (*model.PartitionTableApplication, error) {
	if ad == nil {
		return nil, nil
	}
	table, ok := b.m.PartitionTables[ad.Table]
	if !ok {
		return nil, fmt.Errorf("unknown partition table %s", ad.Table)
	}
	app := &model.PartitionTableApplication{Table: table, NameColumn: ad.NameColumn}
	for _, rd := range ad.Rows {
		row := model.AppliedRow{
			Iteration:       rd.Iteration,
			DataSetColumn:   rd.Column,
			PartitionColumn: rd.PartitionColumn,
			SubColumn:       rd.SubColumn,
		}
		if rd.Relation != "" {
			rel, err := b.resolveRelation(rd.Relation)
			if err != nil {
				return nil, err
			}
			row.Relation = rel
		}
		app.Rows = append(app.Rows, row)
	}
	return app, nil
}

func (b *builder) mods(m *model.Mods, md ModsDoc) error {
	for _, mk := range md.Masked {
		m.MaskRelation(mk.Table, mk.Relation)
	}
	for _, r := range md.Merged {
		m.MergeRelation(r)
	}
	for _, t := range md.Distinct {
		m.SetDistinct(t)
	}
	for rel, n := range md.Compounded {
		if n < 1 {
			return fmt.Errorf("relation %s: compound count must be at least 1", rel)
		}
		m.CompoundRelation(rel, n)
	}
	for _, tr := range md.TableRestrictions {
		if tr.Source == "" || tr.Expression == "" {
			return errors.New("table restrictions need a source table and an expression")
		}
		m.RestrictTable(tr.Table, tr.Source, &model.TableRestriction{
			Expression: tr.Expression,
			Aliases:    tr.Aliases,
			Hard:       tr.Hard,
		})
	}
	for _, rr := range md.RelationRestrictions {
		if _, err := b.resolveRelation(rr.Relation); err != nil {
			return err
		}
		m.RestrictRelation(rr.Table, rr.Relation, rr.Iteration, &model.RelationRestriction{
			Expression:    rr.Expression,
			FirstAliases:  rr.FirstAliases,
			SecondAliases: rr.SecondAliases,
			Hard:          rr.Hard,
		})
	}
	return nil
}
