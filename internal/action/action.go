// Package action defines the engine-agnostic mart construction steps emitted
// by the compiler. Actions are plain immutable records; translating them into
// statements is the job of a dialect.
package action

import (
	"fmt"
	"strings"
)

// Kind identifies an action variant.
type Kind int

const (
	KindSelect Kind = iota
	KindJoin
	KindLeftJoin
	KindAddExpression
	KindDistinct
	KindRename
	KindDrop
	KindDropColumns
	KindIndex
	KindCreateOptimiser
	KindUpdateOptimiser
)

var kindNames = [...]string{
	"select",
	"join",
	"left_join",
	"add_expression",
	"distinct",
	"rename",
	"drop",
	"drop_columns",
	"index",
	"create_optimiser",
	"update_optimiser",
}

func (k Kind) String() string {
	if int(k) >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Action is one construction step. The set of implementations is closed.
type Action interface {
	Kind() Kind

	// Scope returns the schema, dataset and dataset table the action belongs to.
	Scope() Target

	// Result returns the table the action creates or modifies.
	Result() string

	action()
}

// Target identifies where an action's output lives and which dataset table it builds.
type Target struct {
	Schema       string `json:"schema"`
	DataSet      string `json:"dataset"`
	DataSetTable string `json:"dataset_table"`
	Partition    string `json:"partition,omitempty"`
}

// ColumnMap selects From and names it To in the result.
type ColumnMap struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Alias binds a column to the token used for it in an expression.
type Alias struct {
	Column string `json:"column"`
	Alias  string `json:"alias"`
}

// TableRestriction filters the rows read from a source table.
type TableRestriction struct {
	Expression string  `json:"expression"`
	Aliases    []Alias `json:"aliases"`
	Hard       bool    `json:"hard"`
}

// RelationRestriction filters a join. LeftAliases name columns of the left
// (running) table, RightAliases columns of the right table.
type RelationRestriction struct {
	Expression   string  `json:"expression"`
	LeftAliases  []Alias `json:"left_aliases"`
	RightAliases []Alias `json:"right_aliases"`
	Hard         bool    `json:"hard"`
}

// PartitionRestriction limits a source column to the values of the active partition row.
type PartitionRestriction struct {
	Column string   `json:"column"`
	Values []string `json:"values"`
}

// Select creates ResultTable from a source table or a built dataset table.
type Select struct {
	Target
	SourceSchema     string                 `json:"source_schema"`
	SourceTable      string                 `json:"source_table"`
	FromDataSet      bool                   `json:"from_dataset"`
	Columns          []ColumnMap            `json:"columns"`
	TableRestriction *TableRestriction      `json:"table_restriction,omitempty"`
	Partitions       []PartitionRestriction `json:"partition_restrictions,omitempty"`
	ResultTable      string                 `json:"result_table"`
}

// JoinSpec is shared by Join and LeftJoin. The left table always lives in the
// target schema; the right table lives in RightSchema.
type JoinSpec struct {
	LeftTable           string                 `json:"left_table"`
	LeftColumns         []ColumnMap            `json:"left_columns"`
	LeftJoinColumns     []string               `json:"left_join_columns"`
	RightSchema         string                 `json:"right_schema"`
	RightTable          string                 `json:"right_table"`
	RightFromDataSet    bool                   `json:"right_from_dataset"`
	RightJoinColumns    []string               `json:"right_join_columns"`
	RightColumns        []ColumnMap            `json:"right_columns"`
	TableRestriction    *TableRestriction      `json:"table_restriction,omitempty"`
	RelationRestriction *RelationRestriction   `json:"relation_restriction,omitempty"`
	Partitions          []PartitionRestriction `json:"partition_restrictions,omitempty"`
	ResultTable         string                 `json:"result_table"`
}

// Join is an inner join.
type Join struct {
	Target
	JoinSpec
}

// LeftJoin is a left outer join.
type LeftJoin struct {
	Target
	JoinSpec
}

// ExpressionColumn is one computed column of an AddExpression.
type ExpressionColumn struct {
	Name       string  `json:"name"`
	Expression string  `json:"expression"`
	Aliases    []Alias `json:"aliases"`
}

// AddExpression creates ResultTable from SourceTable's Columns plus Expressions,
// grouped by Columns when GroupBy is set.
type AddExpression struct {
	Target
	SourceTable string             `json:"source_table"`
	Columns     []string           `json:"columns"`
	Expressions []ExpressionColumn `json:"expressions"`
	GroupBy     bool               `json:"group_by"`
	ResultTable string             `json:"result_table"`
}

// Distinct creates ResultTable holding the distinct rows of SourceTable.
type Distinct struct {
	Target
	SourceTable string `json:"source_table"`
	ResultTable string `json:"result_table"`
}

// Rename renames a table within the target schema.
type Rename struct {
	Target
	From string `json:"from"`
	To   string `json:"to"`
}

// Drop drops a table.
type Drop struct {
	Target
	Table string `json:"table"`
}

// DropColumns drops columns from a table.
type DropColumns struct {
	Target
	Table   string   `json:"table"`
	Columns []string `json:"columns"`
}

// Index creates an index over Columns of Table.
type Index struct {
	Target
	Table   string   `json:"table"`
	Columns []string `json:"columns"`
}

// OptimiserCopy carries optimiser columns over from a parent optimiser table.
// SourceKeyColumns of the new table's source join KeyColumns of Table.
type OptimiserCopy struct {
	Table            string   `json:"table"`
	KeyColumns       []string `json:"key_columns"`
	SourceKeyColumns []string `json:"source_key_columns"`
	Columns          []string `json:"columns"`
}

// CreateOptimiser creates an optimiser table keyed by KeyColumns of SourceTable.
type CreateOptimiser struct {
	Target
	SourceTable string         `json:"source_table"`
	KeyColumns  []string       `json:"key_columns"`
	Copy        *OptimiserCopy `json:"copy,omitempty"`
	ResultTable string         `json:"result_table"`
}

// UpdateOptimiser adds Column to Table and fills it, for every row of Table,
// with the number (Count) or presence of rows in SourceTable whose
// SourceKeyColumns match Table's KeyColumns and where at least one of
// NonNullColumns is not null.
type UpdateOptimiser struct {
	Target
	Table            string   `json:"table"`
	KeyColumns       []string `json:"key_columns"`
	SourceTable      string   `json:"source_table"`
	SourceKeyColumns []string `json:"source_key_columns"`
	NonNullColumns   []string `json:"non_null_columns"`
	Column           string   `json:"column"`
	Count            bool     `json:"count"`
}

func (a *Select) Kind() Kind          { return KindSelect }
func (a *Join) Kind() Kind            { return KindJoin }
func (a *LeftJoin) Kind() Kind        { return KindLeftJoin }
func (a *AddExpression) Kind() Kind   { return KindAddExpression }
func (a *Distinct) Kind() Kind        { return KindDistinct }
func (a *Rename) Kind() Kind          { return KindRename }
func (a *Drop) Kind() Kind            { return KindDrop }
func (a *DropColumns) Kind() Kind     { return KindDropColumns }
func (a *Index) Kind() Kind           { return KindIndex }
func (a *CreateOptimiser) Kind() Kind { return KindCreateOptimiser }
func (a *UpdateOptimiser) Kind() Kind { return KindUpdateOptimiser }

// Scope implements Action for every variant embedding Target.
func (t Target) Scope() Target { return t }

func (a *Select) Result() string          { return a.ResultTable }
func (a *Join) Result() string            { return a.ResultTable }
func (a *LeftJoin) Result() string        { return a.ResultTable }
func (a *AddExpression) Result() string   { return a.ResultTable }
func (a *Distinct) Result() string        { return a.ResultTable }
func (a *Rename) Result() string          { return a.To }
func (a *Drop) Result() string            { return a.Table }
func (a *DropColumns) Result() string     { return a.Table }
func (a *Index) Result() string           { return a.Table }
func (a *CreateOptimiser) Result() string { return a.ResultTable }
func (a *UpdateOptimiser) Result() string { return a.Table }

func (*Select) action()          {}
func (*Join) action()            {}
func (*LeftJoin) action()        {}
func (*AddExpression) action()   {}
func (*Distinct) action()        {}
func (*Rename) action()          {}
func (*Drop) action()            {}
func (*DropColumns) action()     {}
func (*Index) action()           {}
func (*CreateOptimiser) action() {}
func (*UpdateOptimiser) action() {}

// Spec returns the join parameters of a Join or LeftJoin.
func Spec(a Action) (JoinSpec, bool) {
	switch a := a.(type) {
	case *Join:
		return a.JoinSpec, true
	case *LeftJoin:
		return a.JoinSpec, true
	}
	return JoinSpec{}, false
}

// Describe renders a one-line summary of an action for logs.
func Describe(a Action) string {
	var detail string
	switch a := a.(type) {
	case *Select:
		detail = fmt.Sprintf("%s.%s -> %s (%d cols)", a.SourceSchema, a.SourceTable, a.ResultTable, len(a.Columns))
	case *Join:
		detail = fmt.Sprintf("%s + %s.%s on %s -> %s", a.LeftTable, a.RightSchema, a.RightTable,
			strings.Join(a.RightJoinColumns, ","), a.ResultTable)
	case *LeftJoin:
		detail = fmt.Sprintf("%s +? %s.%s on %s -> %s", a.LeftTable, a.RightSchema, a.RightTable,
			strings.Join(a.RightJoinColumns, ","), a.ResultTable)
	case *AddExpression:
		detail = fmt.Sprintf("%s + %d expr -> %s", a.SourceTable, len(a.Expressions), a.ResultTable)
	case *Distinct:
		detail = fmt.Sprintf("%s -> %s", a.SourceTable, a.ResultTable)
	case *Rename:
		detail = fmt.Sprintf("%s -> %s", a.From, a.To)
	case *Drop:
		detail = a.Table
	case *DropColumns:
		detail = fmt.Sprintf("%s (%s)", a.Table, strings.Join(a.Columns, ","))
	case *Index:
		detail = fmt.Sprintf("%s (%s)", a.Table, strings.Join(a.Columns, ","))
	case *CreateOptimiser:
		detail = fmt.Sprintf("%s -> %s", a.SourceTable, a.ResultTable)
	case *UpdateOptimiser:
		detail = fmt.Sprintf("%s.%s from %s", a.Table, a.Column, a.SourceTable)
	}
	return a.Kind().String() + " " + detail
}
