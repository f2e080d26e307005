package orchestrator

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johndauphine/martbuild/internal/action"
	"github.com/johndauphine/martbuild/internal/config"
	"github.com/johndauphine/martbuild/internal/history"
	"github.com/johndauphine/martbuild/internal/partition"
	"github.com/johndauphine/martbuild/internal/progress"
)

// geneModel is written with SRC replaced by the source schema name.
const geneModel = `
schemas:
  - name: SRC
    tables:
      - {name: gene, columns: [gene_id, name, biotype], primary_key: [gene_id]}
      - name: gene_annotation
        columns: [annotation_id, gene_id, term]
        primary_key: [annotation_id]
        foreign_keys: [{name: annotation_gene_fk, columns: [gene_id]}]
    relations:
      - {name: gene_annotation, first: gene.pk, second: gene_annotation.annotation_gene_fk, cardinality: 1:M}
datasets:
  - name: ens_gene
    central: SRC.gene
    optimiser: column
    tables:
      - name: gene
        type: main
        primary_key: [gene_id]
        units:
          - select: {table: SRC.gene, columns: [{name: gene_id}, {name: name}, {name: biotype}]}
      - name: gene_annotation
        type: dimension
        parent: gene
        relation: gene_annotation
        primary_key: [annotation_id]
        foreign_key: [gene_id]
        units:
          - select: {dataset_table: gene, columns: [{name: gene_id}]}
          - join:
              table: SRC.gene_annotation
              relation: gene_annotation
              key: annotation_gene_fk
              source_key: [gene_id]
              columns: [{name: annotation_id}, {name: term}]
  - name: ens_annotation
    central: SRC.gene_annotation
    tables:
      - name: annotation
        type: main
        primary_key: [annotation_id]
        units:
          - select: {table: SRC.gene_annotation, columns: [{name: annotation_id}, {name: gene_id}, {name: term}]}
  - name: scratch
    central: SRC.gene
    invisible: true
    tables:
      - name: gene
        type: main
        primary_key: [gene_id]
        units:
          - select: {table: SRC.gene, columns: [{name: gene_id}]}
`

type fixture struct {
	dir string
	out *bytes.Buffer
	o   *Orchestrator
}

// newFixture writes a model and a config into a temp dir and opens an
// orchestrator over them. extra is appended to the config document.
func newFixture(t *testing.T, modelText, targetSchema, extra string) *fixture {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model.yaml"), []byte(modelText), 0644))

	doc := fmt.Sprintf("mart: {target_schema: %s}\nmodel: {path: model.yaml}\nhistory: {path: history.db}\n%s",
		targetSchema, extra)
	cfgPath := filepath.Join(dir, "martbuild.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(doc), 0644))

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)

	f := &fixture{dir: dir, out: &bytes.Buffer{}}
	f.o, err = New(context.Background(), cfg, Options{Out: f.out})
	require.NoError(t, err)
	t.Cleanup(func() { f.o.Close() })
	return f
}

func geneModelFor(schema string) string {
	return strings.ReplaceAll(geneModel, "SRC", schema)
}

func TestSelectDataSets(t *testing.T) {
	f := newFixture(t, geneModelFor("ens"), "mart", "")

	tests := []struct {
		name    string
		names   []string
		want    []string
		wantErr string
	}{
		{name: "visible by default", want: []string{"ens_gene", "ens_annotation"}},
		{name: "explicit invisible", names: []string{"scratch"}, want: []string{"scratch"}},
		{name: "duplicates collapse", names: []string{"ens_annotation", "ens_annotation"}, want: []string{"ens_annotation"}},
		{name: "unknown", names: []string{"nope"}, wantErr: "unknown dataset nope (available: ens_gene, ens_annotation, scratch)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.o.selectDataSets(tt.names)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantErr, err.Error())
				return
			}
			require.NoError(t, err)
			var names []string
			for _, ds := range got {
				names = append(names, ds.Name)
			}
			assert.Equal(t, tt.want, names)
		})
	}
}

func TestRunWritesScriptAndHistory(t *testing.T) {
	f := newFixture(t, geneModelFor("ens"), "mart", "")
	ctx := context.Background()

	result, err := f.o.Run(ctx, RunOptions{DataSets: []string{"ens_gene"}})
	require.NoError(t, err)

	script := f.out.String()
	assert.True(t, strings.HasPrefix(script, "-- mart construction "), script)
	assert.Contains(t, script, "-- dataset ens_gene")
	assert.Contains(t, script, `RENAME TO "ens_gene__gene__main"`)
	assert.Contains(t, script, "-- end of construction")

	require.Len(t, result.RunIDs, 1)
	assert.Empty(t, result.Failures)
	require.Contains(t, result.DataSets, "ens_gene")
	assert.Equal(t, 1, result.DataSets["ens_gene"].Partitions)
	assert.Equal(t, result.Actions, result.DataSets["ens_gene"].Actions)
	assert.Positive(t, result.Actions)

	runs, err := f.o.History(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, result.RunIDs[0], runs[0].ID)
	assert.Equal(t, history.StatusSuccess, runs[0].Status)
	assert.Equal(t, result.Actions, runs[0].Actions)
	assert.Equal(t, []string{"ens_gene"}, runs[0].DataSets)
}

func TestRunWritesOutputFile(t *testing.T) {
	f := newFixture(t, geneModelFor("ens"), "mart", "output: {format: sql, path: out/mart.sql, dialect: mssql}\n")

	_, err := f.o.Run(context.Background(), RunOptions{DataSets: []string{"ens_annotation"}})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(f.dir, "out", "mart.sql"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "\nGO\n")
	assert.Contains(t, string(data), "'ens_annotation__annotation__main'")
	assert.Empty(t, f.out.String())
}

func TestRunParallelKeepsDataSetOrder(t *testing.T) {
	f := newFixture(t, geneModelFor("ens"), "mart", "output: {format: json}\n")

	prog := progress.New("compiling", &bytes.Buffer{})
	result, err := f.o.Run(context.Background(), RunOptions{Parallel: 2, Progress: prog})
	require.NoError(t, err)
	assert.Len(t, result.RunIDs, 2)
	assert.Equal(t, int64(100), prog.Current())
	assert.Equal(t, int64(result.Actions), prog.Actions())

	var datasets []string
	runs := map[string]bool{}
	sc := bufio.NewScanner(f.out)
	for sc.Scan() {
		var rec struct {
			Event   string         `json:"event"`
			RunID   string         `json:"run_id"`
			DataSet string         `json:"dataset"`
			Action  map[string]any `json:"action"`
		}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		runs[rec.RunID] = true
		if rec.Event == "dataset_started" {
			datasets = append(datasets, rec.DataSet)
		}
		if rec.Event == "action" && rec.DataSet == "ens_annotation" {
			if tbl, ok := rec.Action["result_table"].(string); ok && strings.HasPrefix(tbl, "TEMP") {
				assert.True(t, strings.HasPrefix(tbl, "TEMP2_"), tbl)
			}
		}
	}
	assert.Equal(t, []string{"ens_gene", "ens_annotation"}, datasets)
	assert.Len(t, runs, 2)
}

func seedSQLite(t *testing.T, path string) {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()
	for _, stmt := range []string{
		`CREATE TABLE gene (gene_id INTEGER, name TEXT, biotype TEXT)`,
		`CREATE TABLE gene_annotation (annotation_id INTEGER, gene_id INTEGER, term TEXT)`,
		`INSERT INTO gene VALUES (1, 'BRCA2', 'protein_coding'), (2, 'MIR21', 'miRNA')`,
		`INSERT INTO gene_annotation VALUES (10, 1, 'DNA repair'), (11, 1, 'cancer')`,
	} {
		_, err := db.Exec(stmt)
		require.NoError(t, err, stmt)
	}
}

func TestRunExecAndVerify(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "mart.db")
	seedSQLite(t, dbPath)
	f := newFixture(t, geneModelFor("main"), "main", fmt.Sprintf(
		"output: {format: exec}\ntarget: {type: sqlite, database: %q, max_conns: 1}\n", dbPath))
	ctx := context.Background()

	names := []string{"ens_gene"}
	_, err := f.o.Run(ctx, RunOptions{DataSets: names})
	require.NoError(t, err)

	db, err := f.o.target(ctx)
	require.NoError(t, err)
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM ens_gene__gene_annotation__dm`).Scan(&n))
	assert.Equal(t, 2, n)

	require.NoError(t, f.o.Verify(ctx, names))

	_, err = db.Exec(`DROP TABLE ens_gene__gene_annotation__dm`)
	require.NoError(t, err)
	err = f.o.Verify(ctx, names)
	require.Error(t, err)
	assert.Equal(t, "verification failed", err.Error())
}

func TestValidate(t *testing.T) {
	f := newFixture(t, geneModelFor("ens"), "mart", "")

	require.NoError(t, f.o.Validate(context.Background(), nil))

	err := f.o.Validate(context.Background(), []string{"missing"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown dataset missing")
}

func TestDryRunCountsKinds(t *testing.T) {
	f := newFixture(t, geneModelFor("ens"), "mart", "")
	ds, err := f.o.selectDataSets([]string{"ens_annotation"})
	require.NoError(t, err)

	results := f.o.dryRun(context.Background(), ds)
	require.Len(t, results, 1)
	r := results[0]
	require.NoError(t, r.err)
	assert.Positive(t, r.actions)
	assert.Contains(t, r.kinds, "select=1")
	assert.Contains(t, r.kinds, "rename=")
	assert.Contains(t, r.tables, "ens_annotation__annotation__main")
}

func TestBuiltTables(t *testing.T) {
	tgt := action.Target{Schema: "mart"}
	tests := []struct {
		name    string
		actions []action.Action
		want    []string
	}{
		{
			name: "renamed tables",
			actions: []action.Action{
				&action.Rename{Target: tgt, From: "TEMP3", To: "a__main"},
				&action.Rename{Target: tgt, From: "TEMP7", To: "a__x__dm"},
			},
			want: []string{"a__main", "a__x__dm"},
		},
		{
			name: "renamed away",
			actions: []action.Action{
				&action.Rename{Target: tgt, From: "TEMP1", To: "b"},
				&action.Rename{Target: tgt, From: "b", To: "c"},
			},
			want: []string{"c"},
		},
		{
			name: "dropped and rebuilt",
			actions: []action.Action{
				&action.Rename{Target: tgt, From: "TEMP1", To: "x"},
				&action.Drop{Target: tgt, Table: "x"},
				&action.CreateOptimiser{Target: tgt, SourceTable: "y", ResultTable: "x"},
			},
			want: []string{"x"},
		},
		{
			name:    "nothing kept",
			actions: []action.Action{&action.Drop{Target: tgt, Table: "TEMP0"}},
			want:    []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := builtTables(tt.actions)
			if len(tt.want) == 0 {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHealthCheck(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "mart.db")
	seedSQLite(t, dbPath)
	f := newFixture(t, geneModelFor("main"), "main", fmt.Sprintf("target: {type: sqlite, database: %q}\n", dbPath))

	result, err := f.o.HealthCheck(context.Background())
	require.NoError(t, err)

	assert.True(t, result.Healthy)
	assert.True(t, result.Target.Configured)
	assert.True(t, result.Target.Connected)
	assert.False(t, result.Partitions.Configured)
	assert.True(t, result.History.Connected)
	assert.Equal(t, 3, result.DataSets)
}

func TestPartitions(t *testing.T) {
	data, err := os.ReadFile(filepath.Join("..", "model", "loader", "testdata", "gene.yaml"))
	require.NoError(t, err)
	f := newFixture(t, string(data), "mart", "")

	reports, err := f.o.Partitions(context.Background(), []string{"ens_gene"})
	require.NoError(t, err)
	require.Len(t, reports, 3)

	assert.Equal(t, PartitionReport{
		DataSet: "ens_gene", PartitionTable: "(schema)", Column: "key", Values: []string{"hs", "mm"},
	}, reports[0])
	assert.Equal(t, PartitionReport{
		DataSet: "ens_gene", PartitionTable: "species", Column: "name", Values: []string{"hs", "mm"},
	}, reports[1])
	assert.Equal(t, "gene_annotation", reports[2].Table)
	assert.Equal(t, "chromosome", reports[2].PartitionTable)
	assert.Equal(t, []string{"1", "X", "1"}, reports[2].Values)

	require.NoError(t, f.o.ShowPartitions(context.Background(), []string{"ens_gene"}))
	assert.Contains(t, f.out.String(), "PARTITION TABLE")
	assert.Contains(t, f.out.String(), "hs,mm")
}

func TestPartitionsDatabaseOpenedOnFirstUse(t *testing.T) {
	speciesTable := "partition_tables:\n  - {name: species, columns: [name], source: species}\n"

	t.Run("unreachable database", func(t *testing.T) {
		missing := filepath.Join(t.TempDir(), "no-such-dir", "partitions.db")
		f := newFixture(t, geneModelFor("ens")+speciesTable, "mart",
			fmt.Sprintf("partitions: {type: sqlite, database: %q}\n", missing))
		ctx := context.Background()

		require.NoError(t, f.o.ShowHistory(ctx, 0))
		require.NoError(t, f.o.Validate(ctx, []string{"ens_annotation"}))
		assert.Nil(t, f.o.openedPartitions())

		_, err := f.o.Model().PartitionTables["species"].Prepare(ctx, partition.Range{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connecting to partitions database")
	})

	t.Run("connects on prepare", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "partitions.db")
		db, err := sql.Open("sqlite", dbPath)
		require.NoError(t, err)
		_, err = db.Exec(`CREATE TABLE species (name TEXT); INSERT INTO species VALUES ('mm'), ('hs'), (NULL)`)
		require.NoError(t, err)
		require.NoError(t, db.Close())

		f := newFixture(t, geneModelFor("ens")+speciesTable, "mart",
			fmt.Sprintf("partitions: {type: sqlite, database: %q}\n", dbPath))
		ctx := context.Background()
		assert.Nil(t, f.o.openedPartitions())

		cur, err := f.o.Model().PartitionTables["species"].Prepare(ctx, partition.Range{})
		require.NoError(t, err)
		got, err := partition.Values(ctx, cur, "name")
		require.NoError(t, err)
		assert.Equal(t, []string{"hs", "mm"}, got)
		assert.NotNil(t, f.o.openedPartitions())
	})
}

func TestShowHistory(t *testing.T) {
	f := newFixture(t, geneModelFor("ens"), "mart", "output: {format: json}\n")
	ctx := context.Background()

	require.NoError(t, f.o.ShowHistory(ctx, 0))
	assert.Contains(t, f.out.String(), "No runs recorded.")

	result, err := f.o.Run(ctx, RunOptions{DataSets: []string{"ens_annotation"}})
	require.NoError(t, err)
	f.out.Reset()

	require.NoError(t, f.o.ShowHistory(ctx, 0))
	out := f.out.String()
	assert.Contains(t, out, "RUN ID")
	assert.Contains(t, out, result.RunIDs[0])
	assert.Contains(t, out, "success")

	f.out.Reset()
	require.NoError(t, f.o.ShowRunDetails(ctx, result.RunIDs[0]))
	out = f.out.String()
	assert.Contains(t, out, "Status:    success")
	assert.Contains(t, out, "ens_annotation")
	assert.Contains(t, out, "(unpartitioned)")

	err = f.o.ShowRunDetails(ctx, "no-such-run")
	require.ErrorIs(t, err, history.ErrNotFound)
}
