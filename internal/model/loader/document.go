package loader

// Document is the YAML form of a model file.
type Document struct {
	Schemas         []SchemaDoc         `yaml:"schemas"`
	PartitionTables []PartitionTableDoc `yaml:"partition_tables"`
	DataSets        []DataSetDoc        `yaml:"datasets"`
}

// SchemaDoc describes a source schema.
type SchemaDoc struct {
	Name           string         `yaml:"name"`
	DataLinkSchema string         `yaml:"data_link_schema"`
	Partitions     []PartitionDoc `yaml:"partitions"`
	Tables         []TableDoc     `yaml:"tables"`
	Relations      []RelationDoc  `yaml:"relations"`
}

// PartitionDoc maps a partition key to a physical schema.
type PartitionDoc struct {
	Key      string `yaml:"key"`
	Physical string `yaml:"physical"`
	Prefix   string `yaml:"prefix"`
}

// TableDoc describes a source table.
type TableDoc struct {
	Name        string   `yaml:"name"`
	Columns     []string `yaml:"columns"`
	PrimaryKey  []string `yaml:"primary_key"`
	ForeignKeys []KeyDoc `yaml:"foreign_keys"`
}

// KeyDoc describes a foreign key.
type KeyDoc struct {
	Name    string   `yaml:"name"`
	Columns []string `yaml:"columns"`
	Status  string   `yaml:"status"`
}

// RelationDoc links two keys, each written as table.key ("pk" names the primary key).
type RelationDoc struct {
	Name        string `yaml:"name"`
	First       string `yaml:"first"`
	Second      string `yaml:"second"`
	Cardinality string `yaml:"cardinality"`
	Status      string `yaml:"status"`
}

// PartitionTableDoc describes a partition table, either literal rows or a SQL source.
type PartitionTableDoc struct {
	Name    string     `yaml:"name"`
	Columns []string   `yaml:"columns"`
	Rows    [][]string `yaml:"rows"`
	Source  string     `yaml:"source"`
	Where   string     `yaml:"where"`
	Links   []LinkDoc  `yaml:"links"`
}

// LinkDoc links a column to a child partition table.
type LinkDoc struct {
	Column    string `yaml:"column"`
	Table     string `yaml:"table"`
	KeyColumn string `yaml:"key_column"`
}

// DataSetDoc describes a dataset.
type DataSetDoc struct {
	Name           string            `yaml:"name"`
	Central        string            `yaml:"central"`
	Optimiser      string            `yaml:"optimiser"`
	IndexOptimiser bool              `yaml:"index_optimiser"`
	Invisible      bool              `yaml:"invisible"`
	Partitioning   *ApplicationDoc   `yaml:"partitioning"`
	Mods           ModsDoc           `yaml:"mods"`
	Tables         []DataSetTableDoc `yaml:"tables"`
}

// ApplicationDoc applies a partition table.
type ApplicationDoc struct {
	Table      string          `yaml:"table"`
	NameColumn string          `yaml:"name_column"`
	Rows       []AppliedRowDoc `yaml:"rows"`
}

// AppliedRowDoc is one applied partition row. An empty relation means the select step.
type AppliedRowDoc struct {
	Relation        string `yaml:"relation"`
	Iteration       int    `yaml:"iteration"`
	Column          string `yaml:"column"`
	PartitionColumn string `yaml:"partition_column"`
	SubColumn       string `yaml:"sub_column"`
}

// ModsDoc holds a dataset's modifications.
type ModsDoc struct {
	Masked               []MaskDoc                `yaml:"masked"`
	Merged               []string                 `yaml:"merged"`
	Distinct             []string                 `yaml:"distinct"`
	Compounded           map[string]int           `yaml:"compounded"`
	TableRestrictions    []TableRestrictionDoc    `yaml:"table_restrictions"`
	RelationRestrictions []RelationRestrictionDoc `yaml:"relation_restrictions"`
}

// MaskDoc masks a relation for one table, or every table when Table is empty.
type MaskDoc struct {
	Table    string `yaml:"table"`
	Relation string `yaml:"relation"`
}

// TableRestrictionDoc restricts a source table.
type TableRestrictionDoc struct {
	Table      string            `yaml:"table"`
	Source     string            `yaml:"source"`
	Expression string            `yaml:"expression"`
	Aliases    map[string]string `yaml:"aliases"`
	Hard       bool              `yaml:"hard"`
}

// RelationRestrictionDoc restricts one traversal of a relation.
type RelationRestrictionDoc struct {
	Table         string            `yaml:"table"`
	Relation      string            `yaml:"relation"`
	Iteration     int               `yaml:"iteration"`
	Expression    string            `yaml:"expression"`
	FirstAliases  map[string]string `yaml:"first_aliases"`
	SecondAliases map[string]string `yaml:"second_aliases"`
	Hard          bool              `yaml:"hard"`
}

// DataSetTableDoc describes a dataset table. Parent and Relation name the
// table it is built from and the relation followed to reach it.
type DataSetTableDoc struct {
	Name         string          `yaml:"name"`
	Type         string          `yaml:"type"`
	Parent       string          `yaml:"parent"`
	Relation     string          `yaml:"relation"`
	PrimaryKey   []string        `yaml:"primary_key"`
	ForeignKey   []string        `yaml:"foreign_key"`
	Masked       []string        `yaml:"masked"`
	Indexed      []string        `yaml:"indexed"`
	Partitioning *ApplicationDoc `yaml:"partitioning"`
	Units        []UnitDoc       `yaml:"units"`
}

// UnitDoc holds exactly one transformation unit.
type UnitDoc struct {
	Select     *SelectDoc     `yaml:"select"`
	Join       *JoinDoc       `yaml:"join"`
	Expression *ExpressionDoc `yaml:"expression"`
}

// ColumnDoc maps a source column to a dataset column.
type ColumnDoc struct {
	Name   string `yaml:"name"`
	Source string `yaml:"source"`
}

// SelectDoc selects from a source table (schema.table) or from the parent dataset table.
type SelectDoc struct {
	Table        string      `yaml:"table"`
	DataSetTable string      `yaml:"dataset_table"`
	Columns      []ColumnDoc `yaml:"columns"`
}

// JoinDoc joins a source table through a relation. Key names the far-side key.
type JoinDoc struct {
	Table     string      `yaml:"table"`
	Relation  string      `yaml:"relation"`
	Key       string      `yaml:"key"`
	SourceKey []string    `yaml:"source_key"`
	Columns   []ColumnDoc `yaml:"columns"`
	Iteration int         `yaml:"iteration"`
	Loopback  bool        `yaml:"loopback"`
}

// ExpressionDoc adds computed columns.
type ExpressionDoc struct {
	Columns []ExpressionColumnDoc `yaml:"columns"`
}

// ExpressionColumnDoc defines one computed column.
type ExpressionColumnDoc struct {
	Name       string            `yaml:"name"`
	Expression string            `yaml:"expression"`
	Aliases    map[string]string `yaml:"aliases"`
	GroupBy    bool              `yaml:"group_by"`
}
