package model

// TableRestriction filters rows of a source table. Aliases maps source column
// names to the tokens used for them in Expression. A hard restriction forces
// an inner join.
type TableRestriction struct {
	Expression string
	Aliases    map[string]string
	Hard       bool
}

// RelationRestriction filters a join. FirstAliases name columns of the
// relation's first (one-side) table, SecondAliases of the second table.
type RelationRestriction struct {
	Expression    string
	FirstAliases  map[string]string
	SecondAliases map[string]string
	Hard          bool
}

type relationKey struct {
	table    string
	relation string
}

type restrictionKey struct {
	table     string
	source    string
	iteration int
}

// Mods holds the modification sets a user applied to a dataset. Keys are
// dataset table names; the empty table name applies to every table.
type Mods struct {
	masked        map[relationKey]bool
	merged        map[string]bool
	tableRestrict map[restrictionKey]*TableRestriction
	relRestrict   map[restrictionKey]*RelationRestriction
	compounded    map[string]int
	distinct      map[string]bool
}

// NewMods returns an empty modification set.
func NewMods() *Mods {
	return &Mods{
		masked:        make(map[relationKey]bool),
		merged:        make(map[string]bool),
		tableRestrict: make(map[restrictionKey]*TableRestriction),
		relRestrict:   make(map[restrictionKey]*RelationRestriction),
		compounded:    make(map[string]int),
		distinct:      make(map[string]bool),
	}
}

// MaskRelation hides relation when reached from dsTable ("" for every table).
func (m *Mods) MaskRelation(dsTable, relation string) {
	m.masked[relationKey{dsTable, relation}] = true
}

// IsRelationMasked reports whether relation is masked for dsTable.
func (m *Mods) IsRelationMasked(dsTable, relation string) bool {
	if m == nil {
		return false
	}
	return m.masked[relationKey{dsTable, relation}] || m.masked[relationKey{"", relation}]
}

// MergeRelation marks relation as merged: its far table is folded into the near one.
func (m *Mods) MergeRelation(relation string) {
	m.merged[relation] = true
}

// IsRelationMerged reports whether relation is merged.
func (m *Mods) IsRelationMerged(relation string) bool {
	if m == nil {
		return false
	}
	return m.merged[relation]
}

// RestrictTable restricts source table rows when used by dsTable ("" for every table).
func (m *Mods) RestrictTable(dsTable, table string, r *TableRestriction) {
	m.tableRestrict[restrictionKey{table: dsTable, source: table}] = r
}

// TableRestriction returns the restriction on table for dsTable, or nil.
func (m *Mods) TableRestriction(dsTable, table string) *TableRestriction {
	if m == nil {
		return nil
	}
	if r, ok := m.tableRestrict[restrictionKey{table: dsTable, source: table}]; ok {
		return r
	}
	return m.tableRestrict[restrictionKey{source: table}]
}

// RestrictRelation restricts one traversal of relation when used by dsTable.
func (m *Mods) RestrictRelation(dsTable, relation string, iteration int, r *RelationRestriction) {
	m.relRestrict[restrictionKey{dsTable, relation, iteration}] = r
}

// RelationRestriction returns the restriction on the given traversal, or nil.
func (m *Mods) RelationRestriction(dsTable, relation string, iteration int) *RelationRestriction {
	if m == nil {
		return nil
	}
	if r, ok := m.relRestrict[restrictionKey{dsTable, relation, iteration}]; ok {
		return r
	}
	return m.relRestrict[restrictionKey{"", relation, iteration}]
}

// CompoundRelation declares that relation is traversed n times.
func (m *Mods) CompoundRelation(relation string, n int) {
	m.compounded[relation] = n
}

// Compounded returns how many times relation is traversed (at least 1).
func (m *Mods) Compounded(relation string) int {
	if m == nil || m.compounded[relation] < 1 {
		return 1
	}
	return m.compounded[relation]
}

// SetDistinct requests deduplication of dsTable's rows.
func (m *Mods) SetDistinct(dsTable string) {
	m.distinct[dsTable] = true
}

// IsDistinct reports whether dsTable is deduplicated.
func (m *Mods) IsDistinct(dsTable string) bool {
	if m == nil {
		return false
	}
	return m.distinct[dsTable]
}
