package model

import (
	"fmt"
	"strings"

	"github.com/johndauphine/martbuild/internal/partition"
)

// TableType is the role of a dataset table.
type TableType int

const (
	Main TableType = iota
	MainSubclass
	Dimension
)

func (t TableType) String() string {
	switch t {
	case Main:
		return "main"
	case MainSubclass:
		return "subclass"
	case Dimension:
		return "dimension"
	default:
		return fmt.Sprintf("tabletype(%d)", int(t))
	}
}

// ParseTableType parses main, subclass or dimension.
func ParseTableType(s string) (TableType, error) {
	switch strings.ToLower(s) {
	case "main":
		return Main, nil
	case "subclass", "main_subclass", "main-subclass":
		return MainSubclass, nil
	case "dimension", "dm":
		return Dimension, nil
	}
	return Main, fmt.Errorf("unknown table type %q", s)
}

// OptimiserType selects how has-child-rows information is rolled up.
type OptimiserType int

const (
	OptimiserNone OptimiserType = iota
	OptimiserColumn
	OptimiserColumnInherit
	OptimiserColumnBool
	OptimiserColumnBoolInherit
	OptimiserTable
	OptimiserTableInherit
	OptimiserTableBool
	OptimiserTableBoolInherit
)

var optimiserNames = []string{
	"none",
	"column",
	"column_inherit",
	"column_bool",
	"column_bool_inherit",
	"table",
	"table_inherit",
	"table_bool",
	"table_bool_inherit",
}

func (o OptimiserType) String() string {
	if int(o) >= 0 && int(o) < len(optimiserNames) {
		return optimiserNames[o]
	}
	return fmt.Sprintf("optimiser(%d)", int(o))
}

// ParseOptimiserType parses a name such as "column_bool_inherit".
func ParseOptimiserType(s string) (OptimiserType, error) {
	norm := strings.ToLower(strings.ReplaceAll(s, "-", "_"))
	if norm == "" {
		return OptimiserNone, nil
	}
	for i, n := range optimiserNames {
		if n == norm {
			return OptimiserType(i), nil
		}
	}
	return OptimiserNone, fmt.Errorf("unknown optimiser type %q", s)
}

// Enabled reports whether any optimiser is generated.
func (o OptimiserType) Enabled() bool { return o != OptimiserNone }

// IsTable reports whether optimiser columns live in separate optimiser tables.
func (o OptimiserType) IsTable() bool { return o >= OptimiserTable }

// IsBool reports whether optimiser columns hold has-rows flags rather than counts.
func (o OptimiserType) IsBool() bool {
	switch o {
	case OptimiserColumnBool, OptimiserColumnBoolInherit, OptimiserTableBool, OptimiserTableBoolInherit:
		return true
	}
	return false
}

// IsInherit reports whether subclass tables inherit their parent's optimiser columns.
func (o OptimiserType) IsInherit() bool {
	switch o {
	case OptimiserColumnInherit, OptimiserColumnBoolInherit, OptimiserTableInherit, OptimiserTableBoolInherit:
		return true
	}
	return false
}

// ColumnKind distinguishes the origin of a dataset column.
type ColumnKind int

const (
	// ColumnWrapped wraps a source column brought in by a select or join.
	ColumnWrapped ColumnKind = iota
	// ColumnInherited copies a column of the parent dataset table.
	ColumnInherited
	// ColumnExpression is computed from other columns of the same table.
	ColumnExpression
)

// ExpressionDefinition describes a computed column. Aliases maps dataset column
// names of the same table to the tokens used for them inside Expression.
type ExpressionDefinition struct {
	Expression string
	Aliases    map[string]string
	GroupBy    bool
}

// DataSetColumn is a column of a dataset table.
type DataSetColumn struct {
	Table      *DataSetTable
	Name       string
	Kind       ColumnKind
	Source     *Column
	Inherited  *DataSetColumn
	Expression *ExpressionDefinition
	Masked     bool
	Indexed    bool
}

// IsExpression reports whether the column is computed.
func (c *DataSetColumn) IsExpression() bool { return c.Kind == ColumnExpression }

// UnitColumn maps a column read by a unit to the dataset column it produces.
// Source names a source table column for raw tables, or a parent dataset column
// name when selecting from a dataset table.
type UnitColumn struct {
	Source string
	Column *DataSetColumn
}

// TransformationUnit is one declarative step contributing to a dataset table.
// The set of implementations is closed: SelectFromTable, JoinTable, Expression.
type TransformationUnit interface {
	// Introduced returns the dataset columns this unit adds to the table.
	Introduced() []*DataSetColumn

	transformationUnit()
}

// SelectFromTable starts a table from a raw source table or an already built dataset table.
// Exactly one of Table and DataSetTable is set.
type SelectFromTable struct {
	Table        *Table
	DataSetTable *DataSetTable
	Columns      []UnitColumn
}

func (u *SelectFromTable) transformationUnit() {}

// Introduced implements TransformationUnit.
func (u *SelectFromTable) Introduced() []*DataSetColumn { return unitColumns(u.Columns) }

// JoinTable joins a source table reached through Relation. SourceKey holds the
// dataset columns of the running table that match Key, the far-side key on Table.
type JoinTable struct {
	Table     *Table
	Relation  *Relation
	Key       *Key
	SourceKey []*DataSetColumn
	Columns   []UnitColumn

	// Iteration distinguishes repeated traversals of a compounded relation.
	Iteration int

	// Loopback is set when the relation is traversed from its one side back onto
	// the table it started from.
	Loopback bool
}

func (u *JoinTable) transformationUnit() {}

// Introduced implements TransformationUnit.
func (u *JoinTable) Introduced() []*DataSetColumn { return unitColumns(u.Columns) }

// Expression adds computed columns.
type Expression struct {
	Columns []*DataSetColumn
}

func (u *Expression) transformationUnit() {}

// Introduced implements TransformationUnit.
func (u *Expression) Introduced() []*DataSetColumn { return u.Columns }

func unitColumns(cols []UnitColumn) []*DataSetColumn {
	out := make([]*DataSetColumn, len(cols))
	for i, c := range cols {
		out[i] = c.Column
	}
	return out
}

// DataSetRelation links a dataset table to a child table built through Relation.
type DataSetRelation struct {
	Relation *Relation
	Child    *DataSetTable
}

// AppliedRow binds a partition column to a dataset column at one step of the
// table pipeline. A nil Relation means the select step.
type AppliedRow struct {
	Relation        *Relation
	Iteration       int
	DataSetColumn   string
	PartitionColumn string

	// SubColumn, when set, names a column of the sub-partition linked from
	// PartitionColumn; the restriction then covers every value in that group.
	SubColumn string
}

// PartitionTableApplication applies a partition table to a dataset or a dimension.
// NameColumn provides the value baked into generated table names.
type PartitionTableApplication struct {
	Table      partition.Table
	NameColumn string
	Rows       []AppliedRow
}

// RowFor returns the applied row active at the given step, if any.
// rel is nil for the select step.
func (p *PartitionTableApplication) RowFor(rel *Relation, iteration int) (AppliedRow, bool) {
	if p == nil {
		return AppliedRow{}, false
	}
	for _, r := range p.Rows {
		if r.Relation == rel && (rel == nil || r.Iteration == iteration) {
			return r, true
		}
	}
	return AppliedRow{}, false
}

// DataSetTable is one denormalised output table.
type DataSetTable struct {
	DataSet      *DataSet
	Name         string
	Type         TableType
	Parent       *DataSetTable
	Units        []TransformationUnit
	Columns      []*DataSetColumn
	PrimaryKey   []*DataSetColumn
	ForeignKey   []*DataSetColumn
	Relations    []*DataSetRelation
	Partitioning *PartitionTableApplication
}

// Column returns the named column, or nil.
func (t *DataSetTable) Column(name string) *DataSetColumn {
	for _, c := range t.Columns {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// AddColumn appends a column of the given kind.
func (t *DataSetTable) AddColumn(name string, kind ColumnKind) *DataSetColumn {
	c := &DataSetColumn{Table: t, Name: name, Kind: kind}
	t.Columns = append(t.Columns, c)
	return c
}

// AddChild records that child is built from this table through rel.
func (t *DataSetTable) AddChild(rel *Relation, child *DataSetTable) {
	t.Relations = append(t.Relations, &DataSetRelation{Relation: rel, Child: child})
	child.Parent = t
}

// FirstJoin returns the first join unit, or nil.
func (t *DataSetTable) FirstJoin() *JoinTable {
	for _, u := range t.Units {
		if j, ok := u.(*JoinTable); ok {
			return j
		}
	}
	return nil
}

// Ancestors returns the parent chain from the immediate parent up to MAIN.
func (t *DataSetTable) Ancestors() []*DataSetTable {
	var out []*DataSetTable
	seen := map[*DataSetTable]bool{t: true}
	for p := t.Parent; p != nil && !seen[p]; p = p.Parent {
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// DataSet is a user-selected subgraph of the relational model.
type DataSet struct {
	Name           string
	Central        *Table
	Tables         []*DataSetTable
	Mods           *Mods
	Partitioning   *PartitionTableApplication
	Optimiser      OptimiserType
	IndexOptimiser bool
	Invisible      bool
}

// NewDataSet creates an empty dataset centred on a source table.
func NewDataSet(name string, central *Table) *DataSet {
	return &DataSet{Name: name, Central: central, Mods: NewMods()}
}

// AddTable creates a dataset table.
func (d *DataSet) AddTable(name string, typ TableType) *DataSetTable {
	t := &DataSetTable{DataSet: d, Name: name, Type: typ}
	d.Tables = append(d.Tables, t)
	return t
}

// Table returns the named dataset table, or nil.
func (d *DataSet) Table(name string) *DataSetTable {
	for _, t := range d.Tables {
		if t.Name == name {
			return t
		}
	}
	return nil
}

// Main returns the MAIN table, or nil.
func (d *DataSet) Main() *DataSetTable {
	for _, t := range d.Tables {
		if t.Type == Main {
			return t
		}
	}
	return nil
}

// SchemaPartitions returns the schema partitions of the central table's schema.
func (d *DataSet) SchemaPartitions() []SchemaPartition {
	if d.Central == nil || d.Central.Schema == nil {
		return []SchemaPartition{{}}
	}
	return d.Central.Schema.SchemaPartitions()
}
