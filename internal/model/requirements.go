package model

import "sort"

// Requirement says where a column is needed. Final columns appear in the
// finished table; interim columns are read by some step of its pipeline.
type Requirement struct {
	Interim bool
	Final   bool
}

// Requirements maps the columns of a dataset to their requirement. Columns
// not in the map are not required.
type Requirements map[*DataSetColumn]Requirement

// Interim reports whether c is needed while its table is built.
func (r Requirements) Interim(c *DataSetColumn) bool { return r[c].Interim }

// Final reports whether c appears in the finished table.
func (r Requirements) Final(c *DataSetColumn) bool { return r[c].Final }

func (r Requirements) markInterim(c *DataSetColumn) {
	req := r[c]
	req.Interim = true
	r[c] = req
}

// ComputeRequirements works out the requirement of every column. The dataset
// is not modified.
//
// A column is final unless masked, or inherited from a parent column that is
// not final. Key columns are always final. A column is interim when it is final
// or when a step of its table's pipeline reads it: join source keys,
// expression aliases and partition-constrained columns.
func (d *DataSet) ComputeRequirements() Requirements {
	req := make(Requirements)
	for _, t := range byDepth(d.Tables) {
		for _, c := range t.Columns {
			final := !c.Masked
			if c.Kind == ColumnInherited && c.Inherited != nil && !req.Final(c.Inherited) {
				final = false
			}
			req[c] = Requirement{Interim: final, Final: final}
		}
		for _, c := range t.PrimaryKey {
			req[c] = Requirement{Interim: true, Final: true}
		}
		for _, c := range t.ForeignKey {
			req[c] = Requirement{Interim: true, Final: true}
		}

		for _, u := range t.Units {
			switch u := u.(type) {
			case *JoinTable:
				for _, c := range u.SourceKey {
					req.markInterim(c)
				}
			case *Expression:
				for _, c := range u.Columns {
					if c.Expression == nil {
						continue
					}
					for name := range c.Expression.Aliases {
						if ref := t.Column(name); ref != nil {
							req.markInterim(ref)
						}
					}
				}
			}
		}

		for _, app := range []*PartitionTableApplication{d.Partitioning, t.Partitioning} {
			if app == nil {
				continue
			}
			for _, row := range app.Rows {
				if c := t.Column(row.DataSetColumn); c != nil {
					req.markInterim(c)
				}
			}
		}
	}
	return req
}

// byDepth orders tables so that every parent precedes its children.
func byDepth(tables []*DataSetTable) []*DataSetTable {
	out := make([]*DataSetTable, len(tables))
	copy(out, tables)
	sort.SliceStable(out, func(i, j int) bool {
		return len(out[i].Ancestors()) < len(out[j].Ancestors())
	})
	return out
}
