// Package loader reads model documents: source schemas, partition tables and
// datasets described in YAML, resolved into a linked model graph.
package loader

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/johndauphine/martbuild/internal/model"
	"github.com/johndauphine/martbuild/internal/partition"
)

// SQLOpener creates a SQL-backed partition table. It is required when a
// document declares partition tables with a source query.
type SQLOpener func(name, source string, columns []string, where string, links ...partition.Link) (partition.Table, error)

// Options configures loading.
type Options struct {
	SQL SQLOpener
}

// Model is a loaded model document.
type Model struct {
	Schemas         []*model.Schema
	PartitionTables map[string]partition.Table
	DataSets        []*model.DataSet
}

// Schema returns the named schema, or nil.
func (m *Model) Schema(name string) *model.Schema {
	for _, s := range m.Schemas {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// DataSet returns the named dataset, or nil.
func (m *Model) DataSet(name string) *model.DataSet {
	for _, ds := range m.DataSets {
		if ds.Name == name {
			return ds
		}
	}
	return nil
}

// Load reads and resolves a model file.
func Load(path string, opts Options) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading model file: %w", err)
	}
	m, err := Parse(data, opts)
	if err != nil {
		return nil, fmt.Errorf("model %s: %w", path, err)
	}
	return m, nil
}

// Parse resolves a model document.
func Parse(data []byte, opts Options) (*Model, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parsing model: %w", err)
	}

	b := &builder{opts: opts, m: &Model{PartitionTables: make(map[string]partition.Table)}}
	for _, sd := range doc.Schemas {
		if err := b.schema(sd); err != nil {
			return nil, fmt.Errorf("schema %s: %w", sd.Name, err)
		}
	}
	if err := b.partitionTables(doc.PartitionTables); err != nil {
		return nil, err
	}
	for _, dd := range doc.DataSets {
		ds, err := b.dataset(dd)
		if err != nil {
			return nil, fmt.Errorf("dataset %s: %w", dd.Name, err)
		}
		b.m.DataSets = append(b.m.DataSets, ds)
	}
	return b.m, nil
}

type builder struct {
	opts Options
	m    *Model
}

func (b *builder) schema(sd SchemaDoc) error {
	if sd.Name == "" {
		return errors.New("schema name is required")
	}
	if b.m.Schema(sd.Name) != nil {
		return errors.New("duplicate schema")
	}
	s := model.NewSchema(sd.Name)
	s.DataLinkSchema = sd.DataLinkSchema
	for _, p := range sd.Partitions {
		if p.Key == "" || p.Physical == "" {
			return errors.New("schema partitions need a key and a physical schema")
		}
		s.Partitions = append(s.Partitions, model.SchemaPartition{Key: p.Key, Physical: p.Physical, Prefix: p.Prefix})
	}

	for _, td := range sd.Tables {
		if s.Table(td.Name) != nil {
			return fmt.Errorf("duplicate table %s", td.Name)
		}
		t := s.AddTable(td.Name, td.Columns...)
		if len(td.PrimaryKey) > 0 {
			if err := knownColumns(t, td.PrimaryKey); err != nil {
				return err
			}
			t.SetPrimaryKey(td.PrimaryKey...)
		}
		for _, kd := range td.ForeignKeys {
			if err := knownColumns(t, kd.Columns); err != nil {
				return err
			}
			k := t.AddForeignKey(kd.Name, kd.Columns...)
			st, err := model.ParseStatus(kd.Status)
			if err != nil {
				return fmt.Errorf("key %s: %w", kd.Name, err)
			}
			k.Status = st
		}
	}

	for _, rd := range sd.Relations {
		first, err := resolveKey(s, rd.First)
		if err != nil {
			return fmt.Errorf("relation %s: %w", rd.Name, err)
		}
		second, err := resolveKey(s, rd.Second)
		if err != nil {
			return fmt.Errorf("relation %s: %w", rd.Name, err)
		}
		if len(first.Columns) != len(second.Columns) {
			return fmt.Errorf("relation %s: keys have %d and %d columns", rd.Name, len(first.Columns), len(second.Columns))
		}
		card, err := model.ParseCardinality(rd.Cardinality)
		if err != nil {
			return fmt.Errorf("relation %s: %w", rd.Name, err)
		}
		st, err := model.ParseStatus(rd.Status)
		if err != nil {
			return fmt.Errorf("relation %s: %w", rd.Name, err)
		}
		s.AddRelation(rd.Name, first, second, card).Status = st
	}

	b.m.Schemas = append(b.m.Schemas, s)
	return nil
}

func knownColumns(t *model.Table, cols []string) error {
	for _, c := range cols {
		if t.Column(c) == nil {
			return fmt.Errorf("table %s has no column %s", t.Name, c)
		}
	}
	return nil
}

// resolveKey resolves table.key within s.
func resolveKey(s *model.Schema, ref string) (*model.Key, error) {
	table, key, ok := strings.Cut(ref, ".")
	if !ok {
		return nil, fmt.Errorf("key reference %q is not table.key", ref)
	}
	t := s.Table(table)
	if t == nil {
		return nil, fmt.Errorf("unknown table %s", table)
	}
	k := t.Key(key)
	if k == nil {
		return nil, fmt.Errorf("table %s has no key %s", table, key)
	}
	return k, nil
}

// resolveTable resolves a schema.table reference.
func (b *builder) resolveTable(ref string) (*model.Table, error) {
	schema, table, ok := strings.Cut(ref, ".")
	if !ok {
		return nil, fmt.Errorf("table reference %q is not schema.table", ref)
	}
	s := b.m.Schema(schema)
	if s == nil {
		return nil, fmt.Errorf("unknown schema %s", schema)
	}
	t := s.Table(table)
	if t == nil {
		return nil, fmt.Errorf("schema %s has no table %s", schema, table)
	}
	return t, nil
}

// resolveRelation finds a relation by name across all schemas.
func (b *builder) resolveRelation(name string) (*model.Relation, error) {
	for _, s := range b.m.Schemas {
		if r := s.Relation(name); r != nil {
			return r, nil
		}
	}
	return nil, fmt.Errorf("unknown relation %s", name)
}

// partitionTables builds partition tables children first, so links can
// refer to tables declared later in the document.
func (b *builder) partitionTables(docs []PartitionTableDoc) error {
	byName := make(map[string]PartitionTableDoc, len(docs))
	for _, d := range docs {
		if _, dup := byName[d.Name]; dup {
			return fmt.Errorf("duplicate partition table %s", d.Name)
		}
		byName[d.Name] = d
	}

	building := make(map[string]bool)
	var build func(name string) (partition.Table, error)
	build = func(name string) (partition.Table, error) {
		if t, ok := b.m.PartitionTables[name]; ok {
			return t, nil
		}
		d, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown partition table %s", name)
		}
		if building[name] {
			return nil, fmt.Errorf("partition table %s links back to itself", name)
		}
		building[name] = true

		var links []partition.Link
		for _, ld := range d.Links {
			child, err := build(ld.Table)
			if err != nil {
				return nil, fmt.Errorf("partition table %s: %w", name, err)
			}
			links = append(links, partition.Link{Column: ld.Column, Table: child, KeyColumn: ld.KeyColumn})
		}

		var (
			t   partition.Table
			err error
		)
		if d.Source != "" {
			if b.opts.SQL == nil {
				return nil, fmt.Errorf("partition table %s reads %s but no database is configured", name, d.Source)
			}
			t, err = b.opts.SQL(name, d.Source, d.Columns, d.Where, links...)
		} else {
			t, err = partition.NewStatic(name, d.Columns, d.Rows, links...)
		}
		if err != nil {
			return nil, err
		}
		b.m.PartitionTables[name] = t
		return t, nil
	}

	for _, d := range docs {
		if _, err := build(d.Name); err != nil {
			return err
		}
	}
	return nil
}
