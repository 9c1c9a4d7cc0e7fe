package analyzer

import (
	"fmt"
	"strings"
)

// Op is an explicit comparison operator. Conditions built from Op values
// replace loosely-typed filter objects: the operator set is closed and the
// rendered SQL always binds values as parameters.
type Op string

const (
	OpEq   Op = "="
	OpNe   Op = "!="
	OpLt   Op = "<"
	OpLe   Op = "<="
	OpGt   Op = ">"
	OpGe   Op = ">="
	OpLike Op = "LIKE"
	OpIn   Op = "IN"
)

// Valid reports whether the operator is one of the supported comparisons
func (o Op) Valid() bool {
	switch o {
	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe, OpLike, OpIn:
		return true
	}
	return false
}

// Condition is a single typed predicate on a column
type Condition struct {
	Column string
	Op     Op
	Value  any
}

// BuildWhere renders conditions into a WHERE fragment with '?' placeholders
// and the matching ordered parameter list. Conditions with an invalid
// operator or empty column are skipped rather than rejected, keeping query
// construction best-effort like the rest of the analyzer. An empty result
// means no WHERE clause should be emitted.
func BuildWhere(conds []Condition) (string, []any) {
	if len(conds) == 0 {
		return "", nil
	}

	var parts []string
	var params []any
	for _, c := range conds {
		if c.Column == "" || !c.Op.Valid() {
			continue
		}
		if c.Op == OpIn {
			items, ok := c.Value.([]any)
			if !ok || len(items) == 0 {
				continue
			}
			ph := strings.TrimSuffix(strings.Repeat("?, ", len(items)), ", ")
			parts = append(parts, fmt.Sprintf("%s IN (%s)", c.Column, ph))
			params = append(params, items...)
			continue
		}
		parts = append(parts, fmt.Sprintf("%s %s ?", c.Column, c.Op))
		params = append(params, c.Value)
	}

	if len(parts) == 0 {
		return "", nil
	}
	return strings.Join(parts, " AND "), params
}

func stringify(v any) string {
	return fmt.Sprintf("%v", v)
}
