// Package model holds the relational model harvested from source databases
// (schemas, tables, keys, relations) and the dataset model built on top of it
// (dataset tables, columns, transformation units and their modifications).
//
// The model is read-only while a mart is being compiled.
package model

import (
	"fmt"
	"strings"
)

// Status records the provenance of a key or relation.
type Status int

const (
	// StatusHandmade marks structure created or edited by a user.
	StatusHandmade Status = iota
	// StatusInferred marks structure derived automatically from metadata.
	StatusInferred
	// StatusInferredIncorrect marks inferred structure a user rejected.
	StatusInferredIncorrect
	// StatusModified marks inferred structure a user changed.
	StatusModified
)

func (s Status) String() string {
	switch s {
	case StatusHandmade:
		return "handmade"
	case StatusInferred:
		return "inferred"
	case StatusInferredIncorrect:
		return "inferred-incorrect"
	case StatusModified:
		return "modified"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// ParseStatus parses a status name. The empty string means handmade.
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(s) {
	case "", "handmade":
		return StatusHandmade, nil
	case "inferred":
		return StatusInferred, nil
	case "inferred-incorrect", "inferred_incorrect", "incorrect":
		return StatusInferredIncorrect, nil
	case "modified":
		return StatusModified, nil
	}
	return StatusHandmade, fmt.Errorf("unknown status %q", s)
}

// Cardinality is the cardinality of a relation.
type Cardinality int

const (
	OneToOne Cardinality = iota
	OneToMany
	ManyToMany
)

func (c Cardinality) String() string {
	switch c {
	case OneToOne:
		return "1:1"
	case OneToMany:
		return "1:M"
	case ManyToMany:
		return "M:M"
	default:
		return fmt.Sprintf("cardinality(%d)", int(c))
	}
}

// ParseCardinality accepts 1:1, 1:M, M:M and their spelled-out forms.
func ParseCardinality(s string) (Cardinality, error) {
	switch strings.ToLower(strings.ReplaceAll(s, "_", "-")) {
	case "1:1", "one-to-one", "":
		return OneToOne, nil
	case "1:m", "1:n", "one-to-many":
		return OneToMany, nil
	case "m:m", "m:n", "many-to-many":
		return ManyToMany, nil
	}
	return OneToOne, fmt.Errorf("unknown cardinality %q", s)
}

// SchemaPartition maps a logical partition key to the physical source schema
// holding that partition's data, plus the prefix used in generated table names.
type SchemaPartition struct {
	Key      string `json:"key"`
	Physical string `json:"physical"`
	Prefix   string `json:"prefix"`
}

// Schema is a source schema with its tables and relations.
type Schema struct {
	Name string

	// DataLinkSchema is the physical schema name when the schema is not partitioned.
	// Defaults to Name.
	DataLinkSchema string

	Partitions []SchemaPartition
	Tables     []*Table
	Relations  []*Relation
}

// NewSchema creates an empty schema.
func NewSchema(name string) *Schema {
	return &Schema{Name: name}
}

// Table returns the named table, or nil.
func (s *Schema) Table(name string) *Table {
	for _, t := range s.Tables {
		if t.Name == name {
			return t
		}
	}
	return nil
}

// Relation returns the named relation, or nil.
func (s *Schema) Relation(name string) *Relation {
	for _, r := range s.Relations {
		if r.Name == name {
			return r
		}
	}
	return nil
}

// IsPartitioned reports whether the schema maps onto several physical schemas.
func (s *Schema) IsPartitioned() bool {
	return len(s.Partitions) > 0
}

// SchemaPartitions returns the partitions to iterate. An unpartitioned schema
// yields a single partition with an empty key and prefix.
func (s *Schema) SchemaPartitions() []SchemaPartition {
	if s.IsPartitioned() {
		return s.Partitions
	}
	physical := s.DataLinkSchema
	if physical == "" {
		physical = s.Name
	}
	return []SchemaPartition{{Physical: physical}}
}

// Resolve returns the physical partition of this schema that corresponds to
// the given partition key. An unpartitioned schema always resolves to itself.
func (s *Schema) Resolve(key string) (SchemaPartition, bool) {
	if !s.IsPartitioned() {
		return s.SchemaPartitions()[0], true
	}
	for _, p := range s.Partitions {
		if p.Key == key {
			return p, true
		}
	}
	return SchemaPartition{}, false
}

// AddTable creates a table with the given columns and adds it to the schema.
func (s *Schema) AddTable(name string, columns ...string) *Table {
	t := &Table{Schema: s, Name: name}
	for _, c := range columns {
		t.Columns = append(t.Columns, &Column{Table: t, Name: c})
	}
	s.Tables = append(s.Tables, t)
	return t
}

// AddRelation links a primary (or unique) key to a foreign key.
func (s *Schema) AddRelation(name string, first, second *Key, card Cardinality) *Relation {
	r := &Relation{Name: name, First: first, Second: second, Cardinality: card}
	s.Relations = append(s.Relations, r)
	return r
}

// Table is a source table.
type Table struct {
	Schema      *Schema
	Name        string
	Columns     []*Column
	PrimaryKey  *Key
	ForeignKeys []*Key
}

// FullName returns schema.table format.
func (t *Table) FullName() string {
	if t.Schema == nil {
		return t.Name
	}
	return t.Schema.Name + "." + t.Name
}

// Column returns the named column, or nil.
func (t *Table) Column(name string) *Column {
	for _, c := range t.Columns {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// SetPrimaryKey sets the primary key. Unknown column names are ignored.
func (t *Table) SetPrimaryKey(columns ...string) *Key {
	t.PrimaryKey = &Key{Table: t, Name: t.Name + "_pk", Primary: true, Columns: t.columns(columns)}
	return t.PrimaryKey
}

// AddForeignKey adds a foreign key. Unknown column names are ignored.
func (t *Table) AddForeignKey(name string, columns ...string) *Key {
	k := &Key{Table: t, Name: name, Columns: t.columns(columns)}
	t.ForeignKeys = append(t.ForeignKeys, k)
	return k
}

// Key returns the primary key or the named foreign key.
func (t *Table) Key(name string) *Key {
	if t.PrimaryKey != nil && (name == t.PrimaryKey.Name || name == "pk" || name == "primary") {
		return t.PrimaryKey
	}
	for _, k := range t.ForeignKeys {
		if k.Name == name {
			return k
		}
	}
	return nil
}

func (t *Table) columns(names []string) []*Column {
	var out []*Column
	for _, n := range names {
		if c := t.Column(n); c != nil {
			out = append(out, c)
		}
	}
	return out
}

// Column is a source column.
type Column struct {
	Table *Table
	Name  string
}

// Key is a primary or foreign key.
type Key struct {
	Table   *Table
	Name    string
	Columns []*Column
	Primary bool
	Status  Status
}

// ColumnNames returns the key's column names in order.
func (k *Key) ColumnNames() []string {
	names := make([]string, len(k.Columns))
	for i, c := range k.Columns {
		names[i] = c.Name
	}
	return names
}

// Relation links a First (one-side) key to a Second (many-side) key.
type Relation struct {
	Name        string
	First       *Key
	Second      *Key
	Cardinality Cardinality
	Status      Status
}

// OtherKey returns the key at the opposite end from k, or nil if k is not part of the relation.
func (r *Relation) OtherKey(k *Key) *Key {
	switch k {
	case r.First:
		return r.Second
	case r.Second:
		return r.First
	}
	return nil
}

// IsOneToMany reports whether the relation has 1:M cardinality.
func (r *Relation) IsOneToMany() bool { return r.Cardinality == OneToMany }

// IsUsable reports whether the relation may be traversed.
func (r *Relation) IsUsable() bool { return r.Status != StatusInferredIncorrect }
