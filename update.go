package minileaf

import (
	"sort"
)

// UpdateOps is the operator map passed to UpdateFields: operator group
// ($set/$unset/$inc) to field-path to operand.
type UpdateOps map[string]map[string]Value

const (
	opSet   = "$set"
	opUnset = "$unset"
	opInc   = "$inc"
)

// applyUpdate applies the operator groups to doc in place, in the stable
// order $set, $unset, $inc. Paths within a group are applied in sorted order
// so repeated calls with the same ops observe the same result. Returns an
// error for unknown operator groups.
func applyUpdate(doc Document, ops UpdateOps) error {
	for group := range ops {
		switch group {
		case opSet, opUnset, opInc:
		default:
			return invalidQueryError("unknown update operator %q", group)
		}
	}
	for _, path := range sortedOpPaths(ops[opSet]) {
		SetPath(doc, path, copyValue(ops[opSet][path]))
	}
	for _, path := range sortedOpPaths(ops[opUnset]) {
		UnsetPath(doc, path)
	}
	for _, path := range sortedOpPaths(ops[opInc]) {
		applyInc(doc, path, ops[opInc][path])
	}
	return nil
}

func sortedOpPaths(group map[string]Value) []string {
	if len(group) == 0 {
		return nil
	}
	paths := make([]string, 0, len(group))
	for p := range group {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// applyInc treats an absent or non-numeric leaf as 0 and stores the sum: an
// integer delta against an integer current stays integer; a float anywhere
// makes the result float.
func applyInc(doc Document, path string, delta Value) {
	cur, ok := GetPath(doc, path)
	if !ok {
		cur = Int(0)
	}
	curKind := cur.kind
	if curKind != KindInt && curKind != KindFloat {
		cur = Int(0)
		curKind = KindInt
	}
	if delta.kind == KindFloat || curKind == KindFloat {
		a, _ := cur.AsFloat64()
		b, _ := delta.AsFloat64()
		SetPath(doc, path, Float(a+b))
		return
	}
	a, _ := cur.AsInt64()
	b, _ := delta.AsInt64()
	SetPath(doc, path, Int(a+b))
}
