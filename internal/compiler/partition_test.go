package compiler

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johndauphine/martbuild/internal/action"
	"github.com/johndauphine/martbuild/internal/model"
	"github.com/johndauphine/martbuild/internal/partition"
)

func inPartition(actions []action.Action, label string) []action.Action {
	var out []action.Action
	for _, a := range actions {
		if a.Scope().Partition == label {
			out = append(out, a)
		}
	}
	return out
}

func renames(actions []action.Action) []string {
	var out []string
	for _, a := range actions {
		if r, ok := a.(*action.Rename); ok && !strings.HasPrefix(r.To, "TEMP") {
			out = append(out, r.To)
		}
	}
	return out
}

// speciesWorld partitions the ens schema by species and moves transcripts
// into a schema that only exists for human.
func speciesWorld() *world {
	w := newWorld()
	w.ens.Partitions = []model.SchemaPartition{
		{Key: "hs", Physical: "ens_hs", Prefix: "hs"},
		{Key: "mm", Physical: "ens_mm", Prefix: "mm"},
	}
	tx := model.NewSchema("tx")
	tx.Partitions = []model.SchemaPartition{{Key: "hs", Physical: "tx_hs"}}
	w.transcript.Schema = tx
	tx.Tables = append(tx.Tables, w.transcript)
	return w
}

func TestSchemaPartitionEventOrder(t *testing.T) {
	w := speciesWorld()
	ds := w.geneDataSet()
	w.addAnnotation(ds)

	rec, err := compile(ds)
	require.NoError(t, err)

	var lifecycle []EventKind
	var partitions []string
	for _, ev := range rec.events {
		if ev.Kind == ActionEvent {
			continue
		}
		lifecycle = append(lifecycle, ev.Kind)
		if ev.Kind == PartitionStarted {
			partitions = append(partitions, ev.Partition)
		}
		assert.Equal(t, "mart", ev.Schema)
		assert.NotEmpty(t, ev.RunID)
	}
	assert.Equal(t, []EventKind{
		ConstructionStarted,
		PartitionStarted, DataSetStarted, DataSetEnded, PartitionEnded,
		PartitionStarted, DataSetStarted, DataSetEnded, PartitionEnded,
		ConstructionEnded,
	}, lifecycle)
	assert.Equal(t, []string{"hs", "mm"}, partitions)

	actions := rec.actions()
	assert.Equal(t, "ens_mm", inPartition(actions, "mm")[0].(*action.Select).SourceSchema)
	assert.Equal(t, []string{
		"hs_ens_gene__gene__main", "hs_ens_gene__gene_annotation__dm",
		"mm_ens_gene__gene__main", "mm_ens_gene__gene_annotation__dm",
	}, renames(actions))
}

func TestFirstJoinAbandonment(t *testing.T) {
	w := speciesWorld()
	ds := w.geneDataSet()
	w.addTranscript(ds)
	w.addAnnotation(ds)
	w.addExon(ds)
	ds.Optimiser = model.OptimiserColumn

	rec, err := compile(ds)
	require.NoError(t, err)
	actions := rec.actions()

	hs := inPartition(actions, "hs")
	assert.Equal(t, []string{
		"hs_ens_gene__gene__main",
		"hs_ens_gene__transcript__main",
		"hs_ens_gene__gene_annotation__dm",
		"hs_ens_gene__exon__dm",
	}, renames(hs))
	join, ok := action.Spec(forTable(hs, "transcript")[2])
	require.True(t, ok)
	assert.Equal(t, "tx_hs", join.RightSchema)

	mm := inPartition(actions, "mm")
	assert.Equal(t, []string{"mm_ens_gene__gene__main", "mm_ens_gene__gene_annotation__dm"}, renames(mm))

	tx := forTable(mm, "transcript")
	require.Equal(t, []action.Kind{action.KindSelect, action.KindDrop}, actionKinds(tx))
	assert.Equal(t, tx[0].Result(), tx[1].(*action.Drop).Table)
	assert.Empty(t, forTable(mm, "exon"), "children of an abandoned table are skipped")

	for _, a := range mm {
		if u, ok := a.(*action.UpdateOptimiser); ok {
			assert.NotContains(t, u.Column, "exon")
		}
	}
}

func TestDroppedColumnsPropagate(t *testing.T) {
	w := speciesWorld()
	ext := model.NewSchema("ext")
	ext.Partitions = []model.SchemaPartition{{Key: "hs", Physical: "ext_hs"}}
	xref := ext.AddTable("xref", "xref_id", "gene_id", "db_id")
	xref.SetPrimaryKey("xref_id")
	geneXref := w.ens.AddRelation("gene_xref", w.gene.PrimaryKey,
		xref.AddForeignKey("xref_gene_fk", "gene_id"), model.OneToMany)
	db := w.ens.AddTable("external_db", "db_id", "db_name")
	dbPK := db.SetPrimaryKey("db_id")
	xrefDB := w.ens.AddRelation("xref_db", dbPK, xref.AddForeignKey("xref_db_fk", "db_id"), model.OneToMany)

	ds := w.geneDataSet()
	main := ds.Main()
	xcols := wrap(main, xref, "xref_id", "db_id")
	dcols := wrap(main, db, "db_name")
	label := main.AddColumn("label", model.ColumnExpression)
	label.Expression = &model.ExpressionDefinition{
		Expression: ":n || '@' || :d",
		Aliases:    map[string]string{"name": ":n", "db_name": ":d"},
	}
	main.Units = append(main.Units,
		&model.JoinTable{Table: xref, Relation: geneXref, Key: geneXref.Second,
			SourceKey: []*model.DataSetColumn{main.Column("gene_id")}, Columns: xcols},
		&model.JoinTable{Table: db, Relation: xrefDB, Key: dbPK,
			SourceKey: []*model.DataSetColumn{main.Column("db_id")}, Columns: dcols},
		&model.Expression{Columns: []*model.DataSetColumn{label}},
	)

	rec, err := compile(ds)
	require.NoError(t, err)
	actions := rec.actions()

	assert.Equal(t, []action.Kind{
		action.KindSelect,
		action.KindIndex, action.KindLeftJoin, action.KindDrop,
		action.KindIndex, action.KindLeftJoin, action.KindDrop,
		action.KindRename, action.KindAddExpression, action.KindDrop,
		action.KindRename, action.KindIndex,
	}, actionKinds(inPartition(actions, "hs")))

	mm := inPartition(actions, "mm")
	assert.Equal(t, []action.Kind{action.KindSelect, action.KindRename, action.KindIndex}, actionKinds(mm))

	dropped := map[string]bool{"xref_id": true, "db_id": true, "db_name": true, "label": true}
	for _, a := range mm {
		for _, c := range referencedColumns(a) {
			assert.False(t, dropped[c], "%s references dropped column %s", a.Kind(), c)
		}
	}
}

func referencedColumns(a action.Action) []string {
	var out []string
	maps := func(cms []action.ColumnMap) {
		for _, cm := range cms {
			out = append(out, cm.From, cm.To)
		}
	}
	switch a := a.(type) {
	case *action.Select:
		maps(a.Columns)
	case *action.AddExpression:
		out = append(out, a.Columns...)
		for _, e := range a.Expressions {
			out = append(out, e.Name)
		}
	default:
		if spec, ok := action.Spec(a); ok {
			maps(spec.LeftColumns)
			maps(spec.RightColumns)
			out = append(out, spec.LeftJoinColumns...)
		}
	}
	return out
}

func speciesTable(t *testing.T, chromosomes [][]string) *partition.Static {
	t.Helper()
	chroms, err := partition.NewStatic("chromosome", []string{"species", "chr"}, chromosomes)
	require.NoError(t, err)
	species, err := partition.NewStatic("species", []string{"name", "assembly"},
		[][]string{{"hs", "GRCh38"}, {"mm", "GRCm39"}},
		partition.Link{Column: "name", Table: chroms, KeyColumn: "species"})
	require.NoError(t, err)
	return species
}

func TestDataSetPartitioning(t *testing.T) {
	allChroms := [][]string{{"hs", "1"}, {"hs", "X"}, {"mm", "1"}}
	w := newWorld()

	tests := []struct {
		name  string
		row   model.AppliedRow
		table string
		step  int
		want  map[string][]action.PartitionRestriction
	}{
		{
			name:  "select restricted by value",
			row:   model.AppliedRow{DataSetColumn: "biotype", PartitionColumn: "assembly"},
			table: "gene",
			step:  0,
			want: map[string][]action.PartitionRestriction{
				"hs": {{Column: "biotype", Values: []string{"GRCh38"}}},
				"mm": {{Column: "biotype", Values: []string{"GRCm39"}}},
			},
		},
		{
			name:  "select restricted by sub-partition",
			row:   model.AppliedRow{DataSetColumn: "name", PartitionColumn: "name", SubColumn: "chr"},
			table: "gene",
			step:  0,
			want: map[string][]action.PartitionRestriction{
				"hs": {{Column: "name", Values: []string{"1", "X"}}},
				"mm": {{Column: "name", Values: []string{"1"}}},
			},
		},
		{
			name:  "join restricted",
			row:   model.AppliedRow{Relation: w.geneAnnotation, DataSetColumn: "term", PartitionColumn: "assembly"},
			table: "gene_annotation",
			step:  2,
			want: map[string][]action.PartitionRestriction{
				"hs": {{Column: "term", Values: []string{"GRCh38"}}},
				"mm": {{Column: "term", Values: []string{"GRCm39"}}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ds := w.geneDataSet()
			w.addAnnotation(ds)
			ds.Partitioning = &model.PartitionTableApplication{
				Table:      speciesTable(t, allChroms),
				NameColumn: "name",
				Rows:       []model.AppliedRow{tt.row},
			}

			rec, err := compile(ds)
			require.NoError(t, err)
			actions := rec.actions()

			for species, want := range tt.want {
				own := forTable(inPartition(actions, species), tt.table)
				require.Greater(t, len(own), tt.step)
				var got []action.PartitionRestriction
				switch a := own[tt.step].(type) {
				case *action.Select:
					got = a.Partitions
				default:
					spec, ok := action.Spec(a)
					require.True(t, ok)
					got = spec.Partitions
				}
				assert.Equal(t, want, got, species)
			}
			assert.Equal(t, []string{
				"hs_ens_gene__gene__main", "hs_ens_gene__gene_annotation__dm",
				"mm_ens_gene__gene__main", "mm_ens_gene__gene_annotation__dm",
			}, renames(actions))
		})
	}
}

func TestEmptySubPartitionFails(t *testing.T) {
	w := newWorld()
	ds := w.geneDataSet()
	ds.Partitioning = &model.PartitionTableApplication{
		Table:      speciesTable(t, [][]string{{"hs", "1"}}),
		NameColumn: "name",
		Rows:       []model.AppliedRow{{DataSetColumn: "name", PartitionColumn: "name", SubColumn: "chr"}},
	}

	rec, err := compile(ds)
	require.Error(t, err)
	assert.Equal(t, KindPartition, KindOf(err))
	assert.NotEmpty(t, inPartition(rec.actions(), "hs"), "hs compiled before mm failed")
}

func TestPartitioningValidation(t *testing.T) {
	w := newWorld()
	ds := w.geneDataSet()
	ds.Partitioning = &model.PartitionTableApplication{
		Table:      speciesTable(t, nil),
		NameColumn: "label",
		Rows:       []model.AppliedRow{{DataSetColumn: "name", PartitionColumn: "nope"}},
	}

	_, err := compile(ds)
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))
	assert.Contains(t, err.Error(), `no name column "label"`)
	assert.Contains(t, err.Error(), `no column "nope"`)
}

func TestEmptyDataSetPartition(t *testing.T) {
	w := newWorld()
	ds := w.geneDataSet()
	empty, err := partition.NewStatic("species", []string{"name"}, nil)
	require.NoError(t, err)
	ds.Partitioning = &model.PartitionTableApplication{Table: empty, NameColumn: "name"}

	job := New(Options{}).Prepare("mart", []*model.DataSet{ds})
	rec := &recorder{}
	require.NoError(t, job.Run(context.Background(), rec))
	assert.Empty(t, rec.actions())
	assert.Equal(t, 100.0, job.Progress())
}

func chromosomeApplication(t *testing.T, w *world, chroms ...string) *model.PartitionTableApplication {
	t.Helper()
	var rows [][]string
	for _, c := range chroms {
		rows = append(rows, []string{c})
	}
	table, err := partition.NewStatic("chromosome", []string{"chr"}, rows)
	require.NoError(t, err)
	return &model.PartitionTableApplication{
		Table:      table,
		NameColumn: "chr",
		Rows: []model.AppliedRow{
			{Relation: w.geneAnnotation, DataSetColumn: "term", PartitionColumn: "chr"},
		},
	}
}

func TestDimensionPartitioning(t *testing.T) {
	w := newWorld()
	ds := w.geneDataSet()
	dm := w.addAnnotation(ds)
	dm.Partitioning = chromosomeApplication(t, w, "1", "2")
	ds.Optimiser = model.OptimiserColumn

	rec, err := compile(ds)
	require.NoError(t, err)
	actions := rec.actions()

	assert.Equal(t, []string{
		"ens_gene__gene__main",
		"ens_gene__gene_annotation_1__dm",
		"ens_gene__gene_annotation_2__dm",
	}, renames(actions))

	for _, chr := range []string{"1", "2"} {
		own := inPartition(actions, chr)
		require.NotEmpty(t, own)
		join := own[2].(*action.Join)
		assert.Equal(t, []action.PartitionRestriction{{Column: "term", Values: []string{chr}}}, join.Partitions)
		upd := own[len(own)-1].(*action.UpdateOptimiser)
		assert.Equal(t, "gene_annotation_"+chr+"__count", upd.Column)
	}
}

func TestOptimiserColumnsUnique(t *testing.T) {
	w := newWorld()
	ds := w.geneDataSet()
	dm := w.addAnnotation(ds)
	// both names normalise to chr1
	dm.Partitioning = chromosomeApplication(t, w, "chr.1", "chr1")
	ds.Optimiser = model.OptimiserColumnBool
	ds.IndexOptimiser = true

	rec, err := compile(ds)
	require.NoError(t, err)

	perTable := map[string][]string{}
	var indexed []string
	for _, a := range rec.actions() {
		switch a := a.(type) {
		case *action.UpdateOptimiser:
			assert.False(t, a.Count)
			perTable[a.Table] = append(perTable[a.Table], a.Column)
		case *action.Index:
			if a.Table == "ens_gene__gene__main" && len(a.Columns) == 1 && a.Columns[0] != "gene_id" {
				indexed = append(indexed, a.Columns[0])
			}
		}
	}
	want := []string{"gene_annotation_chr1__bool", "gene_annotation_chr1_1__bool"}
	assert.Equal(t, map[string][]string{"ens_gene__gene__main": want}, perTable)
	assert.Equal(t, want, indexed)
}

func TestOptimiserTablesInherit(t *testing.T) {
	w := newWorld()
	ds := w.geneDataSet()
	w.addTranscript(ds)
	w.addAnnotation(ds)
	w.addExon(ds)
	ds.Optimiser = model.OptimiserTableInherit

	rec, err := compile(ds)
	require.NoError(t, err)

	var creates []*action.CreateOptimiser
	var updates []*action.UpdateOptimiser
	for _, a := range rec.actions() {
		switch a := a.(type) {
		case *action.CreateOptimiser:
			creates = append(creates, a)
		case *action.UpdateOptimiser:
			updates = append(updates, a)
		}
	}

	require.Len(t, creates, 2)
	assert.Equal(t, "ens_gene__gene__main", creates[0].SourceTable)
	assert.Equal(t, "ens_gene__gene__count", creates[0].ResultTable)
	assert.Equal(t, []string{"gene_id"}, creates[0].KeyColumns)
	assert.Equal(t, "ens_gene__transcript__count", creates[1].ResultTable)
	assert.Equal(t, []string{"transcript_id", "gene_id"}, creates[1].KeyColumns)

	type update struct{ table, column, key string }
	var got []update
	for _, u := range updates {
		require.Len(t, u.KeyColumns, 1)
		got = append(got, update{u.Table, u.Column, u.KeyColumns[0]})
	}
	assert.Equal(t, []update{
		{"ens_gene__gene__count", "gene_annotation__count", "gene_id"},
		{"ens_gene__transcript__count", "gene_annotation__count", "gene_id"},
		{"ens_gene__transcript__count", "exon__count", "transcript_id"},
	}, got)
}

func TestExpressionGroups(t *testing.T) {
	w := newWorld()
	ds := w.geneDataSet()
	dm := w.addAnnotation(ds)
	upper := dm.AddColumn("term_upper", model.ColumnExpression)
	upper.Expression = &model.ExpressionDefinition{Expression: "upper(:t)", Aliases: map[string]string{"term": ":t"}}
	count := dm.AddColumn("n_terms", model.ColumnExpression)
	count.Expression = &model.ExpressionDefinition{Expression: "count(:t)", Aliases: map[string]string{"term": ":t"}, GroupBy: true}
	dm.Units = append(dm.Units, &model.Expression{Columns: []*model.DataSetColumn{count, upper}})

	rec, err := compile(ds)
	require.NoError(t, err)
	own := forTable(rec.actions(), "gene_annotation")

	require.Equal(t, []action.Kind{
		action.KindSelect, action.KindIndex, action.KindJoin, action.KindDrop,
		action.KindRename, action.KindAddExpression, action.KindDrop,
		action.KindRename, action.KindAddExpression, action.KindDrop,
		action.KindRename, action.KindIndex, action.KindIndex,
	}, actionKinds(own))

	assert.Equal(t, &action.Rename{Target: own[4].Scope(), From: "TEMP3", To: "TEMP4"}, own[4])
	plain := own[5].(*action.AddExpression)
	assert.Equal(t, "TEMP4", plain.SourceTable)
	assert.Equal(t, "TEMP5", plain.ResultTable)
	assert.False(t, plain.GroupBy)
	assert.Equal(t, []string{"gene_id", "annotation_id", "term"}, plain.Columns)
	assert.Equal(t, []action.ExpressionColumn{{
		Name: "term_upper", Expression: "upper(:t)", Aliases: []action.Alias{{Column: "term", Alias: ":t"}},
	}}, plain.Expressions)
	assert.Equal(t, "TEMP4", own[6].(*action.Drop).Table)

	grouped := own[8].(*action.AddExpression)
	assert.True(t, grouped.GroupBy)
	assert.Equal(t, "TEMP6", grouped.SourceTable)
	assert.Equal(t, []string{"gene_id", "annotation_id", "term_upper"}, grouped.Columns)
	assert.Equal(t, "n_terms", grouped.Expressions[0].Name)
	assert.Equal(t, "ens_gene__gene_annotation__dm", own[10].(*action.Rename).To)
}

func TestExpressionOnDroppedColumnIsSkipped(t *testing.T) {
	w := newWorld()
	ds := w.geneDataSet()
	main := ds.Main()
	label := main.AddColumn("label", model.ColumnExpression)
	label.Expression = &model.ExpressionDefinition{Expression: "upper(:n)", Aliases: map[string]string{"missing": ":n"}}
	main.Units = append(main.Units, &model.Expression{Columns: []*model.DataSetColumn{label}})

	rec, err := compile(ds)
	require.NoError(t, err)
	for _, a := range forTable(rec.actions(), "gene") {
		assert.NotEqual(t, action.KindAddExpression, a.Kind())
	}
}
