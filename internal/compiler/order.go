package compiler

import "github.com/johndauphine/martbuild/internal/model"

// tableOrder lists the tables of a dataset in build order. Starting from MAIN,
// every table reached through a relation that is neither masked nor merged is
// appended; subclass tables are inserted straight after the table that
// triggered them so their parent's columns are final before any dimension
// discovered at the same step.
func tableOrder(ds *model.DataSet) []*model.DataSetTable {
	main := ds.Main()
	if main == nil {
		return nil
	}
	order := []*model.DataSetTable{main}
	seen := map[*model.DataSetTable]bool{main: true}

	for i := 0; i < len(order); i++ {
		t := order[i]
		var subclasses []*model.DataSetTable
		for _, r := range t.Relations {
			if r.Child == nil || seen[r.Child] || !relationUsable(ds, t, r.Relation) {
				continue
			}
			seen[r.Child] = true
			if r.Child.Type == model.MainSubclass {
				subclasses = append(subclasses, r.Child)
			} else {
				order = append(order, r.Child)
			}
		}
		if len(subclasses) > 0 {
			rest := append([]*model.DataSetTable(nil), order[i+1:]...)
			order = append(append(order[:i+1], subclasses...), rest...)
		}
	}
	return order
}

func relationUsable(ds *model.DataSet, t *model.DataSetTable, rel *model.Relation) bool {
	if rel == nil {
		return true
	}
	if !rel.IsUsable() {
		return false
	}
	return !ds.Mods.IsRelationMasked(t.Name, rel.Name) && !ds.Mods.IsRelationMerged(rel.Name)
}
