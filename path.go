package minileaf

import (
	"strconv"
	"strings"
)

// splitPath breaks a dotted path ("a.b.3.c") into its segments.
func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

// GetPath reads a dotted path from a document. A purely numeric segment
// indexes into an array. Returns ok=false when any segment along the way is
// absent or of the wrong shape (e.g. indexing a non-array, or a field that
// does not exist).
func GetPath(doc Document, path string) (Value, bool) {
	segs := splitPath(path)
	if len(segs) == 0 {
		return Value{}, false
	}
	cur := Value{kind: KindObject, obj: doc}
	for _, seg := range segs {
		next, ok := stepInto(cur, seg)
		if !ok {
			return Value{}, false
		}
		cur = next
	}
	return cur, true
}

func stepInto(cur Value, seg string) (Value, bool) {
	if idx, isNum := parseArrayIndex(seg); isNum {
		if cur.kind != KindArray {
			return Value{}, false
		}
		if idx < 0 || idx >= len(cur.arr) {
			return Value{}, false
		}
		return cur.arr[idx], true
	}
	if cur.kind != KindObject {
		return Value{}, false
	}
	v, ok := cur.obj[seg]
	return v, ok
}

func parseArrayIndex(seg string) (int, bool) {
	if seg == "" {
		return 0, false
	}
	n, err := strconv.Atoi(seg)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// SetPath writes value at the dotted path, auto-creating intermediate
// documents as needed. An intermediate that exists but is not a map is
// overwritten with a new map.
func SetPath(doc Document, path string, value Value) Document {
	segs := splitPath(path)
	if len(segs) == 0 {
		return doc
	}
	setRecursive(doc, segs, value)
	return doc
}

func setRecursive(doc Document, segs []string, value Value) {
	seg := segs[0]
	if len(segs) == 1 {
		doc[seg] = value
		return
	}
	child, ok := doc[seg]
	if !ok || child.kind != KindObject {
		child = Value{kind: KindObject, obj: Document{}}
	}
	setRecursive(child.obj, segs[1:], value)
	doc[seg] = child
}

// UnsetPath removes the leaf at the dotted path. Intermediate maps are left
// intact even if they become empty.
func UnsetPath(doc Document, path string) Document {
	segs := splitPath(path)
	if len(segs) == 0 {
		return doc
	}
	unsetRecursive(doc, segs)
	return doc
}

func unsetRecursive(doc Document, segs []string) {
	seg := segs[0]
	if len(segs) == 1 {
		delete(doc, seg)
		return
	}
	child, ok := doc[seg]
	if !ok || child.kind != KindObject {
		return
	}
	unsetRecursive(child.obj, segs[1:])
}
