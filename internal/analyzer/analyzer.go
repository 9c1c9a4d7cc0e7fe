// Package analyzer provides pure text-level analysis of SQL statements:
// normalization, clause column extraction, shape classification, cache key
// derivation and repeating-shape (N+1) detection.
//
// Nothing in this package executes SQL or fails hard on malformed input.
// Unparseable statements degrade to empty results so analysis can never
// block query execution.
package analyzer

import (
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Shape tags the coarse form of a statement. Used for reporting only.
type Shape string

const (
	ShapeSelect    Shape = "SELECT"
	ShapeInsert    Shape = "INSERT"
	ShapeUpdate    Shape = "UPDATE"
	ShapeDelete    Shape = "DELETE"
	ShapeJoin      Shape = "JOIN"
	ShapeAggregate Shape = "AGGREGATE"
	ShapeUnknown   Shape = "UNKNOWN"
)

// Clause selects which clause ExtractClauseColumns inspects
type Clause int

const (
	ClauseWhere Clause = iota
	ClauseOrderBy
	ClauseGroupBy
)

func (c Clause) String() string {
	switch c {
	case ClauseWhere:
		return "WHERE"
	case ClauseOrderBy:
		return "ORDER BY"
	case ClauseGroupBy:
		return "GROUP BY"
	default:
		return "UNKNOWN"
	}
}

// Normalize returns the canonical form of a statement: trimmed, internal
// whitespace runs collapsed to a single space, and all text outside quoted
// segments lower-cased. Single-quoted literals and double-quoted identifiers
// keep their content byte for byte. Normalize is idempotent.
func Normalize(sql string) string {
	var b strings.Builder
	b.Grow(len(sql))

	const (
		statePlain = iota
		stateSingle
		stateDouble
	)

	state := statePlain
	pendingSpace := false
	wroteAny := false

	for i := 0; i < len(sql); i++ {
		ch := sql[i]

		switch state {
		case statePlain:
			if ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r' {
				pendingSpace = wroteAny
				continue
			}
			if pendingSpace {
				b.WriteByte(' ')
				pendingSpace = false
			}
			switch {
			case ch == '\'':
				state = stateSingle
				b.WriteByte(ch)
			case ch == '"':
				state = stateDouble
				b.WriteByte(ch)
			case ch >= 'A' && ch <= 'Z':
				b.WriteByte(ch + ('a' - 'A'))
			default:
				b.WriteByte(ch)
			}
			wroteAny = true

		case stateSingle:
			b.WriteByte(ch)
			if ch == '\'' {
				// '' is an escaped quote inside the literal
				if i+1 < len(sql) && sql[i+1] == '\'' {
					b.WriteByte('\'')
					i++
					continue
				}
				state = statePlain
			}

		case stateDouble:
			b.WriteByte(ch)
			if ch == '"' {
				state = statePlain
			}
		}
	}

	return b.String()
}

// Fingerprint reduces a statement to its shape: normalized text with quoted
// literals, numeric literals and bind placeholders replaced by '?'. Two
// invocations that differ only in parameter values share a fingerprint.
func Fingerprint(sql string) string {
	norm := Normalize(sql)

	var b strings.Builder
	b.Grow(len(norm))

	for i := 0; i < len(norm); i++ {
		ch := norm[i]

		// String literal
		if ch == '\'' {
			j := i + 1
			for j < len(norm) {
				if norm[j] == '\'' {
					if j+1 < len(norm) && norm[j+1] == '\'' {
						j += 2
						continue
					}
					break
				}
				j++
			}
			b.WriteByte('?')
			i = j
			continue
		}

		// Numeric literal, not part of an identifier
		if ch >= '0' && ch <= '9' && !isIdentByte(prevByte(norm, i)) {
			j := i
			for j < len(norm) && (norm[j] >= '0' && norm[j] <= '9' || norm[j] == '.') {
				j++
			}
			b.WriteByte('?')
			i = j - 1
			continue
		}

		// Positional placeholder ($1, :1)
		if (ch == '$' || ch == ':') && i+1 < len(norm) && norm[i+1] >= '0' && norm[i+1] <= '9' {
			j := i + 1
			for j < len(norm) && norm[j] >= '0' && norm[j] <= '9' {
				j++
			}
			b.WriteByte('?')
			i = j - 1
			continue
		}

		b.WriteByte(ch)
	}

	return b.String()
}

// Classify tags a statement by its leading keyword. SELECT statements are
// refined to AGGREGATE when they group or aggregate, else JOIN when they
// join, else plain SELECT.
func Classify(sql string) Shape {
	norm := Normalize(sql)
	first, _, _ := strings.Cut(norm, " ")

	switch first {
	case "insert":
		return ShapeInsert
	case "update":
		return ShapeUpdate
	case "delete":
		return ShapeDelete
	case "select", "with":
		if hasAggregation(norm) {
			return ShapeAggregate
		}
		if strings.Contains(norm, " join ") {
			return ShapeJoin
		}
		return ShapeSelect
	default:
		return ShapeUnknown
	}
}

var aggregateMarkers = []string{"count(", "sum(", "avg(", "min(", "max(", " group by "}

func hasAggregation(norm string) bool {
	for _, m := range aggregateMarkers {
		if strings.Contains(norm, m) {
			return true
		}
	}
	return false
}

// clauseTerminators end the clause body during extraction
var clauseTerminators = []string{
	" where ", " group by ", " order by ", " having ",
	" limit ", " offset ", " union ", " returning ",
}

// ExtractClauseColumns returns the column identifiers referenced by the
// given clause, in order of appearance. Best effort: malformed or absent
// clauses yield an empty slice, never an error.
func ExtractClauseColumns(sql string, clause Clause) []string {
	norm := Normalize(sql)

	var marker string
	switch clause {
	case ClauseWhere:
		marker = " where "
	case ClauseOrderBy:
		marker = " order by "
	case ClauseGroupBy:
		marker = " group by "
	default:
		return nil
	}

	idx := strings.Index(norm, marker)
	if idx < 0 {
		return nil
	}
	body := norm[idx+len(marker):]

	// Cut at the next clause boundary
	end := len(body)
	for _, term := range clauseTerminators {
		if term == marker {
			continue
		}
		if i := strings.Index(body, term); i >= 0 && i < end {
			end = i
		}
	}
	if i := strings.IndexByte(body, ';'); i >= 0 && i < end {
		end = i
	}
	body = body[:end]

	var parts []string
	if clause == ClauseWhere {
		parts = splitConditions(body)
	} else {
		parts = strings.Split(body, ",")
	}

	cols := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		col := leadingIdentifier(part)
		if col == "" {
			continue
		}
		if _, dup := seen[col]; dup {
			continue
		}
		seen[col] = struct{}{}
		cols = append(cols, col)
	}
	return cols
}

// splitConditions breaks a WHERE body on and/or connectives
func splitConditions(body string) []string {
	var parts []string
	rest := body
	for {
		ai := strings.Index(rest, " and ")
		oi := strings.Index(rest, " or ")
		cut, width := -1, 0
		if ai >= 0 && (oi < 0 || ai < oi) {
			cut, width = ai, len(" and ")
		} else if oi >= 0 {
			cut, width = oi, len(" or ")
		}
		if cut < 0 {
			parts = append(parts, rest)
			return parts
		}
		parts = append(parts, rest[:cut])
		rest = rest[cut+width:]
	}
}

// leadingIdentifier extracts the first identifier token of a clause part,
// skipping grouping parens and sort direction keywords.
func leadingIdentifier(part string) string {
	part = strings.TrimSpace(part)
	part = strings.TrimLeft(part, "(")
	part = strings.TrimSpace(part)

	end := 0
	for end < len(part) && isIdentByte(part[end]) {
		end++
	}
	ident := part[:end]

	switch ident {
	case "", "not", "asc", "desc", "null", "true", "false", "exists":
		return ""
	}
	// A bare function call is not a column reference
	if end < len(part) && part[end] == '(' {
		return ""
	}
	// Numeric positional references ("order by 2") carry no column name
	if ident[0] >= '0' && ident[0] <= '9' {
		return ""
	}
	return ident
}

func isIdentByte(ch byte) bool {
	return ch >= 'a' && ch <= 'z' || ch >= 'A' && ch <= 'Z' ||
		ch >= '0' && ch <= '9' || ch == '_' || ch == '.'
}

func prevByte(s string, i int) byte {
	if i == 0 {
		return 0
	}
	return s[i-1]
}

// CacheKey derives a deterministic key from the normalized statement and
// its ordered parameter list. Parameter order matters: the same values in a
// different order produce a different key. The key depends only on its
// inputs, never on wall clock or addresses.
func CacheKey(sql string, params []any) string {
	h := xxhash.New()
	_, _ = h.WriteString(Normalize(sql))
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(SerializeParams(params))
	return "q:" + strconv.FormatUint(h.Sum64(), 16)
}

// SerializeParams renders parameters into a stable order-sensitive string.
// Each value is tagged with its dynamic type so 1 and "1" do not collide.
func SerializeParams(params []any) string {
	if len(params) == 0 {
		return ""
	}
	var b strings.Builder
	for i, p := range params {
		if i > 0 {
			b.WriteByte('\x1f')
		}
		serializeValue(&b, p)
	}
	return b.String()
}

func serializeValue(b *strings.Builder, v any) {
	switch val := v.(type) {
	case nil:
		b.WriteString("nil")
	case bool:
		b.WriteString("b:")
		b.WriteString(strconv.FormatBool(val))
	case int:
		b.WriteString("i:")
		b.WriteString(strconv.FormatInt(int64(val), 10))
	case int32:
		b.WriteString("i:")
		b.WriteString(strconv.FormatInt(int64(val), 10))
	case int64:
		b.WriteString("i:")
		b.WriteString(strconv.FormatInt(val, 10))
	case uint64:
		b.WriteString("u:")
		b.WriteString(strconv.FormatUint(val, 10))
	case float32:
		b.WriteString("f:")
		b.WriteString(strconv.FormatFloat(float64(val), 'g', -1, 32))
	case float64:
		b.WriteString("f:")
		b.WriteString(strconv.FormatFloat(val, 'g', -1, 64))
	case string:
		b.WriteString("s:")
		b.WriteString(val)
	case []byte:
		b.WriteString("x:")
		b.Write(val)
	case []any:
		b.WriteString("l:[")
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			serializeValue(b, item)
		}
		b.WriteByte(']')
	default:
		// fmt %v on maps sorts keys, so this stays deterministic
		b.WriteString("v:")
		b.WriteString(stringify(val))
	}
}

// DetectRepeatingShape reports whether any single fingerprint occurs at
// least minRepeats times within the trailing windowSize entries of recent.
// The inputs are fingerprints, so entries differing only in parameter
// values count as the same shape. This is the N+1 access signal.
func DetectRepeatingShape(recent []string, windowSize, minRepeats int) bool {
	if minRepeats <= 0 || windowSize <= 0 || len(recent) == 0 {
		return false
	}
	start := len(recent) - windowSize
	if start < 0 {
		start = 0
	}
	window := recent[start:]
	if len(window) < minRepeats {
		return false
	}

	counts := make(map[string]int, len(window))
	for _, fp := range window {
		counts[fp]++
		if counts[fp] >= minRepeats {
			return true
		}
	}
	return false
}
