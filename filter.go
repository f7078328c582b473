package minileaf

import (
	"strings"
	"time"

	"github.com/dlclark/regexp2"
)

// Filter is a Mongo-style filter map: a key starting with $ selects a
// logical operator, any other key is a field path whose value is either a
// literal (equality) or an operator sub-map.
type Filter = Document

// EvaluateFilter reports whether doc satisfies filter. Unknown operators and
// malformed operand shapes surface as ErrInvalidQuery.
func EvaluateFilter(doc Document, filter Filter) (bool, error) {
	for key, operand := range filter {
		var matched bool
		var err error
		if strings.HasPrefix(key, "$") {
			matched, err = evalLogical(doc, key, operand)
		} else {
			matched, err = evalField(doc, key, operand)
		}
		if err != nil {
			return false, err
		}
		if !matched {
			return false, nil
		}
	}
	return true, nil
}

func evalLogical(doc Document, op string, operand Value) (bool, error) {
	switch op {
	case "$and", "$or":
		if operand.kind != KindArray {
			return false, invalidQueryError("%s expects an array of filters", op)
		}
		for _, elem := range operand.arr {
			if elem.kind != KindObject {
				return false, invalidQueryError("%s expects an array of filters", op)
			}
			matched, err := EvaluateFilter(doc, elem.obj)
			if err != nil {
				return false, err
			}
			if op == "$and" && !matched {
				return false, nil
			}
			if op == "$or" && matched {
				return true, nil
			}
		}
		return op == "$and", nil
	case "$not":
		if operand.kind != KindObject {
			return false, invalidQueryError("$not expects a filter object")
		}
		matched, err := EvaluateFilter(doc, operand.obj)
		if err != nil {
			return false, err
		}
		return !matched, nil
	default:
		return false, invalidQueryError("unknown logical operator %q", op)
	}
}

func evalField(doc Document, path string, operand Value) (bool, error) {
	stored, present := GetPath(doc, path)
	if operand.kind == KindObject && isOperatorMap(operand.obj) {
		return evalOperatorMap(stored, present, operand.obj)
	}
	return literalEquals(stored, present, operand), nil
}

// isOperatorMap reports whether every key of a sub-map is an operator. A
// plain nested-document literal has no $-keys and compares by equality.
func isOperatorMap(m Document) bool {
	if len(m) == 0 {
		return false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return false
		}
	}
	return true
}

// literalEquals implements equality semantics: numbers normalize across
// int/float, timestamps normalize to epoch-ms across their stored
// representations, and a missing path compares equal only to explicit null.
func literalEquals(stored Value, present bool, operand Value) bool {
	if !present {
		return operand.kind == KindNull
	}
	return valuesEqual(stored, operand)
}

func valuesEqual(stored, operand Value) bool {
	if stored.kind == KindTime || operand.kind == KindTime {
		a, aok := epochMillis(stored)
		b, bok := epochMillis(operand)
		return aok && bok && a == b
	}
	if stored.Equal(operand) {
		return true
	}
	// An array field matches a scalar literal when any element does.
	if stored.kind == KindArray && operand.kind != KindArray {
		for _, elem := range stored.arr {
			if valuesEqual(elem, operand) {
				return true
			}
		}
	}
	return false
}

func evalOperatorMap(stored Value, present bool, ops Document) (bool, error) {
	// $options is a companion to $regex, never an operator of its own.
	for op, operand := range ops {
		if op == "$options" {
			continue
		}
		matched, err := evalOperator(stored, present, op, operand, ops)
		if err != nil {
			return false, err
		}
		if !matched {
			return false, nil
		}
	}
	return true, nil
}

func evalOperator(stored Value, present bool, op string, operand Value, ops Document) (bool, error) {
	switch op {
	case "$gt", "$gte", "$lt", "$lte":
		if !present {
			return false, nil
		}
		cmp, ok := compareForFilter(stored, operand)
		if !ok {
			return false, nil
		}
		switch op {
		case "$gt":
			return cmp > 0, nil
		case "$gte":
			return cmp >= 0, nil
		case "$lt":
			return cmp < 0, nil
		default:
			return cmp <= 0, nil
		}
	case "$ne":
		return !literalEquals(stored, present, operand), nil
	case "$in", "$nin":
		if operand.kind != KindArray {
			return false, invalidQueryError("%s expects an array operand", op)
		}
		found := false
		for _, elem := range operand.arr {
			if literalEquals(stored, present, elem) {
				found = true
				break
			}
		}
		if op == "$in" {
			return found, nil
		}
		return !found, nil
	case "$exists":
		if operand.kind != KindBool {
			return false, invalidQueryError("$exists expects a boolean operand")
		}
		return present == operand.b, nil
	case "$regex":
		if operand.kind != KindText {
			return false, invalidQueryError("$regex expects a text pattern")
		}
		if !present || stored.kind != KindText {
			return false, nil
		}
		reOpts := regexp2.None
		if o, ok := ops["$options"]; ok && o.kind == KindText && strings.Contains(o.s, "i") {
			reOpts |= regexp2.IgnoreCase
		}
		re, err := regexp2.Compile(operand.s, reOpts)
		if err != nil {
			return false, invalidQueryError("bad $regex pattern %q: %v", operand.s, err)
		}
		matched, err := re.MatchString(stored.s)
		if err != nil {
			return false, invalidQueryError("$regex evaluation failed: %v", err)
		}
		return matched, nil
	case "$elemMatch":
		if operand.kind != KindObject {
			return false, invalidQueryError("$elemMatch expects a filter object")
		}
		if !present || stored.kind != KindArray {
			return false, nil
		}
		for _, elem := range stored.arr {
			if elem.kind != KindObject {
				continue
			}
			matched, err := EvaluateFilter(elem.obj, operand.obj)
			if err != nil {
				return false, err
			}
			if matched {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, invalidQueryError("unknown field operator %q", op)
	}
}

// compareForFilter orders stored against a filter operand. A timestamp
// operand forces temporal coercion of the stored value per the epoch-ms
// rules; otherwise ordinary value ordering applies.
func compareForFilter(stored, operand Value) (int, bool) {
	if operand.kind == KindTime || stored.kind == KindTime {
		a, aok := epochMillis(stored)
		b, bok := epochMillis(operand)
		if !aok || !bok {
			return 0, false
		}
		switch {
		case a < b:
			return -1, true
		case a > b:
			return 1, true
		default:
			return 0, true
		}
	}
	return stored.Compare(operand)
}

// epochMillisThreshold separates second-scale from millisecond-scale numeric
// timestamps: anything below 10^10 is seconds.
const epochMillisThreshold = int64(10_000_000_000)

// epochMillis coerces a stored value to a 64-bit epoch-millisecond count.
// Textual values must be ISO-8601; integers below 10^10 are seconds;
// floating-point values whose truncation is below 10^10 are fractional
// seconds.
func epochMillis(v Value) (int64, bool) {
	switch v.kind {
	case KindTime:
		return v.t.UnixMilli(), true
	case KindText:
		t, ok := parseISO8601(v.s)
		if !ok {
			return 0, false
		}
		return t.UnixMilli(), true
	case KindInt:
		if v.i < epochMillisThreshold {
			return v.i * 1000, true
		}
		return v.i, true
	case KindFloat:
		if int64(v.f) < epochMillisThreshold {
			return int64(v.f * 1000), true
		}
		return int64(v.f), true
	default:
		return 0, false
	}
}

var iso8601Layouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseISO8601(s string) (time.Time, bool) {
	for _, layout := range iso8601Layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
