package model

import (
	"errors"
	"fmt"
	"sort"
)

// Validate checks that the dataset is structurally consistent. All problems
// found are returned together.
func (d *DataSet) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("dataset %s: "+format, append([]any{d.Name}, args...)...))
	}

	if d.Central == nil {
		fail("no central table")
	}

	mains := 0
	for _, t := range d.Tables {
		if t.Type == Main {
			mains++
		}
	}
	if mains != 1 {
		fail("has %d main tables, want exactly 1", mains)
	}

	for _, t := range d.Tables {
		if t.DataSet != d {
			fail("table %s belongs to another dataset", t.Name)
		}
		validateParent(t, fail)
		validateUnits(d.Mods, t, fail)

		if t.Type == Dimension && len(t.Relations) > 0 {
			fail("dimension table %s cannot have child tables", t.Name)
		}
		for _, r := range t.Relations {
			switch {
			case r.Child == nil:
				fail("table %s: relation %s has no child table", t.Name, relationName(r.Relation))
			case r.Child.DataSet != d:
				fail("table %s: relation %s leads outside the dataset", t.Name, relationName(r.Relation))
			case r.Child.Parent != t:
				fail("table %s: child %s does not name it as parent", t.Name, r.Child.Name)
			case r.Child.Type == Main:
				fail("table %s: child %s is a main table", t.Name, r.Child.Name)
			}
		}
	}

	validateIterations(d, fail)

	return errors.Join(errs...)
}

func validateParent(t *DataSetTable, fail func(string, ...any)) {
	if t.Type == Main {
		if t.Parent != nil {
			fail("main table %s has a parent", t.Name)
		}
		return
	}
	if t.Parent == nil {
		fail("%s table %s has no parent", t.Type, t.Name)
		return
	}
	anc := t.Ancestors()
	root := anc[len(anc)-1]
	if root.Type != Main || root.Parent != nil {
		fail("table %s: parent chain does not end at the main table", t.Name)
	}
	if t.Type == MainSubclass && t.Parent.Type == Dimension {
		fail("subclass table %s has dimension parent %s", t.Name, t.Parent.Name)
	}
}

func validateUnits(mods *Mods, t *DataSetTable, fail func(string, ...any)) {
	if len(t.Units) == 0 {
		fail("table %s has no transformation units", t.Name)
		return
	}
	if _, ok := t.Units[0].(*SelectFromTable); !ok {
		fail("table %s: first unit must select from a table", t.Name)
	}

	for i, u := range t.Units {
		switch u := u.(type) {
		case *SelectFromTable:
			if i > 0 {
				fail("table %s: unit %d: select must be the first unit", t.Name, i)
			}
			if (u.Table == nil) == (u.DataSetTable == nil) {
				fail("table %s: select must name exactly one source", t.Name)
			}
			if t.Type == Main && u.DataSetTable != nil {
				fail("main table %s cannot select from a dataset table", t.Name)
			}
			if t.Type != Main && u.DataSetTable != nil && u.DataSetTable != t.Parent {
				fail("table %s selects from %s, which is not its parent", t.Name, u.DataSetTable.Name)
			}
		case *JoinTable:
			switch {
			case u.Table == nil || u.Relation == nil || u.Key == nil:
				fail("table %s: unit %d: join needs table, relation and key", t.Name, i)
			case len(u.SourceKey) != len(u.Key.Columns):
				fail("table %s: unit %d: join on %d source columns against %d key columns",
					t.Name, i, len(u.SourceKey), len(u.Key.Columns))
			case u.Iteration < 0 || u.Iteration >= mods.Compounded(u.Relation.Name):
				fail("table %s: unit %d: iteration %d of relation %s, which is traversed %d times",
					t.Name, i, u.Iteration, u.Relation.Name, mods.Compounded(u.Relation.Name))
			case mods.IsRelationMasked(t.Name, u.Relation.Name):
				fail("table %s: unit %d: joins through relation %s, which is masked", t.Name, i, u.Relation.Name)
			case !u.Relation.IsUsable() && !(t.Parent != nil && mods.IsRelationMasked(t.Parent.Name, u.Relation.Name)):
				fail("table %s: unit %d: relation %s is marked incorrect", t.Name, i, u.Relation.Name)
			}
		case *Expression:
			for _, c := range u.Columns {
				if c.Expression == nil || c.Expression.Expression == "" {
					fail("table %s: expression column %s has no definition", t.Name, c.Name)
				}
			}
		default:
			fail("table %s: unit %d has unknown type %T", t.Name, i, u)
		}
	}
}

// validateIterations checks that relation restrictions and partition rows
// address a traversal that exists.
func validateIterations(d *DataSet, fail func(string, ...any)) {
	if d.Mods != nil {
		keys := make([]restrictionKey, 0, len(d.Mods.relRestrict))
		for k := range d.Mods.relRestrict {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			if keys[i].source != keys[j].source {
				return keys[i].source < keys[j].source
			}
			if keys[i].table != keys[j].table {
				return keys[i].table < keys[j].table
			}
			return keys[i].iteration < keys[j].iteration
		})
		for _, k := range keys {
			if n := d.Mods.Compounded(k.source); k.iteration < 0 || k.iteration >= n {
				fail("restriction on relation %s: iteration %d, but the relation is traversed %d times",
					k.source, k.iteration, n)
			}
		}
	}

	check := func(where string, app *PartitionTableApplication) {
		if app == nil {
			return
		}
		for _, row := range app.Rows {
			if row.Relation == nil {
				continue
			}
			if n := d.Mods.Compounded(row.Relation.Name); row.Iteration < 0 || row.Iteration >= n {
				fail("%s partitioning: iteration %d of relation %s, which is traversed %d times",
					where, row.Iteration, row.Relation.Name, n)
			}
		}
	}
	check("dataset", d.Partitioning)
	for _, t := range d.Tables {
		check("table "+t.Name, t.Partitioning)
	}
}

func relationName(r *Relation) string {
	if r == nil {
		return "<nil>"
	}
	return r.Name
}
