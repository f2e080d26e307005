package compiler

import (
	"fmt"
	"strings"

	"github.com/johndauphine/martbuild/internal/model"
	"github.com/johndauphine/martbuild/internal/util"
)

// NameCase controls the case of generated names.
type NameCase int

const (
	CaseAsIs NameCase = iota
	CaseUpper
	CaseLower
)

func (c NameCase) String() string {
	switch c {
	case CaseUpper:
		return "upper"
	case CaseLower:
		return "lower"
	default:
		return "asis"
	}
}

// ParseNameCase parses asis, upper or lower.
func ParseNameCase(s string) (NameCase, error) {
	switch strings.ToLower(s) {
	case "", "asis", "as-is", "mixed":
		return CaseAsIs, nil
	case "upper":
		return CaseUpper, nil
	case "lower":
		return CaseLower, nil
	}
	return CaseAsIs, fmt.Errorf("unknown name case %q (valid: asis, upper, lower)", s)
}

const (
	suffixMain      = "main"
	suffixDimension = "dm"
	markerBool      = "bool"
	markerCount     = "count"
)

type namer struct {
	nameCase   NameCase
	tempPrefix string
}

// normalise strips non-word characters and applies the mart-wide case.
func (n namer) normalise(s string) string {
	s = util.StripNonWord(s)
	switch n.nameCase {
	case CaseUpper:
		return strings.ToUpper(s)
	case CaseLower:
		return strings.ToLower(s)
	}
	return s
}

func (n namer) temp(seq int) string {
	return n.normalise(fmt.Sprintf("%s%d", n.tempPrefix, seq))
}

// tableName assembles
// [schemaPrefix_][datasetPartition_]dataset__table[_dimensionPartition]__suffix.
func (n namer) tableName(schemaPrefix, dsPartition, dataset, table, dmPartition, suffix string) string {
	var head []string
	for _, p := range []string{schemaPrefix, dsPartition, dataset} {
		if p != "" {
			head = append(head, p)
		}
	}
	name := strings.Join(head, "_") + "__" + table
	if dmPartition != "" {
		name += "_" + dmPartition
	}
	return n.normalise(name + "__" + suffix)
}

func typeSuffix(t model.TableType) string {
	if t == model.Dimension {
		return suffixDimension
	}
	return suffixMain
}

func optimiserMarker(o model.OptimiserType) string {
	if o.IsBool() {
		return markerBool
	}
	return markerCount
}

// optimiserColumn builds a has-data column name; n > 0 adds a uniqueness suffix.
func (n namer) optimiserColumn(base, marker string, seq int) string {
	if seq > 0 {
		base = fmt.Sprintf("%s_%d", base, seq)
	}
	return n.normalise(base + "__" + marker)
}

// column applies the mart-wide case to a column name.
func (n namer) column(s string) string {
	switch n.nameCase {
	case CaseUpper:
		return strings.ToUpper(s)
	case CaseLower:
		return strings.ToLower(s)
	}
	return s
}
