package compiler

import (
	"context"
	"sync"

	"github.com/johndauphine/martbuild/internal/action"
	"github.com/johndauphine/martbuild/internal/model"
)

// world is a small gene-centric source model:
//
//	gene 1:M gene_annotation   (gene_annotation)
//	gene 1:M transcript        (gene_transcript)
//	transcript 1:M exon        (transcript_exon)
//	gene 1:M gene (paralogue)  (gene_paralogue)
type world struct {
	ens        *model.Schema
	gene       *model.Table
	annotation *model.Table
	transcript *model.Table
	exon       *model.Table

	geneAnnotation *model.Relation
	geneTranscript *model.Relation
	transcriptExon *model.Relation
	paralogue      *model.Relation
}

func newWorld() *world {
	w := &world{ens: model.NewSchema("ens")}
	w.gene = w.ens.AddTable("gene", "gene_id", "name", "biotype", "paralogue_of")
	w.annotation = w.ens.AddTable("gene_annotation", "annotation_id", "gene_id", "term")
	w.transcript = w.ens.AddTable("transcript", "transcript_id", "gene_id", "tx_name")
	w.exon = w.ens.AddTable("exon", "exon_id", "transcript_id", "rank")

	genePK := w.gene.SetPrimaryKey("gene_id")
	w.annotation.SetPrimaryKey("annotation_id")
	w.transcript.SetPrimaryKey("transcript_id")
	w.exon.SetPrimaryKey("exon_id")

	w.geneAnnotation = w.ens.AddRelation("gene_annotation", genePK,
		w.annotation.AddForeignKey("annotation_gene_fk", "gene_id"), model.OneToMany)
	w.geneTranscript = w.ens.AddRelation("gene_transcript", genePK,
		w.transcript.AddForeignKey("transcript_gene_fk", "gene_id"), model.OneToMany)
	w.transcriptExon = w.ens.AddRelation("transcript_exon", w.transcript.PrimaryKey,
		w.exon.AddForeignKey("exon_transcript_fk", "transcript_id"), model.OneToMany)
	w.paralogue = w.ens.AddRelation("gene_paralogue", genePK,
		w.gene.AddForeignKey("gene_paralogue_fk", "paralogue_of"), model.OneToMany)
	return w
}

// wrap adds wrapped columns to t, read from src under the same names.
func wrap(t *model.DataSetTable, src *model.Table, names ...string) []model.UnitColumn {
	var out []model.UnitColumn
	for _, n := range names {
		c := t.AddColumn(n, model.ColumnWrapped)
		c.Source = src.Column(n)
		out = append(out, model.UnitColumn{Source: n, Column: c})
	}
	return out
}

// inherit adds columns to t copied from the same-named columns of parent.
func inherit(t, parent *model.DataSetTable, names ...string) []model.UnitColumn {
	var out []model.UnitColumn
	for _, n := range names {
		c := t.AddColumn(n, model.ColumnInherited)
		c.Inherited = parent.Column(n)
		out = append(out, model.UnitColumn{Source: n, Column: c})
	}
	return out
}

func columnsOf(ucs []model.UnitColumn) []*model.DataSetColumn {
	out := make([]*model.DataSetColumn, len(ucs))
	for i, uc := range ucs {
		out[i] = uc.Column
	}
	return out
}

// geneDataSet builds dataset "ens_gene" with a MAIN gene table.
func (w *world) geneDataSet() *model.DataSet {
	ds := model.NewDataSet("ens_gene", w.gene)
	main := ds.AddTable("gene", model.Main)
	cols := wrap(main, w.gene, "gene_id", "name", "biotype")
	main.Units = []model.TransformationUnit{&model.SelectFromTable{Table: w.gene, Columns: cols}}
	main.PrimaryKey = []*model.DataSetColumn{main.Column("gene_id")}
	return ds
}

// addAnnotation adds the gene_annotation dimension under MAIN.
func (w *world) addAnnotation(ds *model.DataSet) *model.DataSetTable {
	main := ds.Main()
	dm := ds.AddTable("gene_annotation", model.Dimension)
	main.AddChild(w.geneAnnotation, dm)
	sel := inherit(dm, main, "gene_id")
	join := wrap(dm, w.annotation, "annotation_id", "term")
	dm.Units = []model.TransformationUnit{
		&model.SelectFromTable{DataSetTable: main, Columns: sel},
		&model.JoinTable{
			Table:     w.annotation,
			Relation:  w.geneAnnotation,
			Key:       w.geneAnnotation.Second,
			SourceKey: columnsOf(sel),
			Columns:   join,
		},
	}
	dm.PrimaryKey = []*model.DataSetColumn{dm.Column("annotation_id")}
	dm.ForeignKey = []*model.DataSetColumn{dm.Column("gene_id")}
	return dm
}

// addTranscript adds the transcript subclass under MAIN.
func (w *world) addTranscript(ds *model.DataSet) *model.DataSetTable {
	main := ds.Main()
	sc := ds.AddTable("transcript", model.MainSubclass)
	main.AddChild(w.geneTranscript, sc)
	sel := inherit(sc, main, "gene_id", "name", "biotype")
	join := wrap(sc, w.transcript, "transcript_id", "tx_name")
	sc.Units = []model.TransformationUnit{
		&model.SelectFromTable{DataSetTable: main, Columns: sel},
		&model.JoinTable{
			Table:     w.transcript,
			Relation:  w.geneTranscript,
			Key:       w.geneTranscript.Second,
			SourceKey: []*model.DataSetColumn{sc.Column("gene_id")},
			Columns:   join,
		},
	}
	sc.PrimaryKey = []*model.DataSetColumn{sc.Column("transcript_id")}
	sc.ForeignKey = []*model.DataSetColumn{sc.Column("gene_id")}
	return sc
}

// addExon adds the exon dimension under the transcript subclass.
func (w *world) addExon(ds *model.DataSet) *model.DataSetTable {
	sc := ds.Table("transcript")
	dm := ds.AddTable("exon", model.Dimension)
	sc.AddChild(w.transcriptExon, dm)
	sel := inherit(dm, sc, "transcript_id")
	join := wrap(dm, w.exon, "exon_id", "rank")
	dm.Units = []model.TransformationUnit{
		&model.SelectFromTable{DataSetTable: sc, Columns: sel},
		&model.JoinTable{
			Table:     w.exon,
			Relation:  w.transcriptExon,
			Key:       w.transcriptExon.Second,
			SourceKey: columnsOf(sel),
			Columns:   join,
		},
	}
	dm.PrimaryKey = []*model.DataSetColumn{dm.Column("exon_id")}
	dm.ForeignKey = []*model.DataSetColumn{dm.Column("transcript_id")}
	return dm
}

// recorder collects every event of a run.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) OnEvent(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) actions() []action.Action {
	var out []action.Action
	for _, ev := range r.events {
		if ev.Kind == ActionEvent {
			out = append(out, ev.Action)
		}
	}
	return out
}

func (r *recorder) kinds() []EventKind {
	out := make([]EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

// forTable returns the actions emitted while building one dataset table.
func forTable(actions []action.Action, table string) []action.Action {
	var out []action.Action
	for _, a := range actions {
		if a.Scope().DataSetTable == table {
			out = append(out, a)
		}
	}
	return out
}

func actionKinds(actions []action.Action) []action.Kind {
	out := make([]action.Kind, len(actions))
	for i, a := range actions {
		out[i] = a.Kind()
	}
	return out
}

func compile(ds ...*model.DataSet) (*recorder, error) {
	rec := &recorder{}
	job := New(Options{}).Prepare("mart", ds)
	err := job.Run(context.Background(), rec)
	return rec, err
}
