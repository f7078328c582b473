package minileaf

import (
	"bytes"
	"strings"
	"sync"

	"github.com/google/btree"
)

// kindClass buckets value kinds into comparable classes so key tuples of
// mixed kinds still have a total order inside the B-tree.
func kindClass(k Kind) int {
	switch k {
	case KindNull:
		return 0
	case KindBool:
		return 1
	case KindInt, KindFloat:
		return 2
	case KindText:
		return 3
	case KindTime:
		return 4
	case KindBinary:
		return 5
	case KindArray:
		return 6
	default:
		return 7
	}
}

// compareKeyValues totally orders two index key components. Within a class
// the natural comparator applies; across classes the class rank decides.
// 24-char lowercase hex strings order correctly under plain text comparison,
// so object-id text needs no special casing here.
func compareKeyValues(a, b Value) int {
	ca, cb := kindClass(a.kind), kindClass(b.kind)
	if ca != cb {
		if ca < cb {
			return -1
		}
		return 1
	}
	if cmp, ok := a.Compare(b); ok {
		return cmp
	}
	switch a.kind {
	case KindNull:
		return 0
	case KindBinary:
		return bytes.Compare(a.bin, b.bin)
	default:
		return strings.Compare(a.StringKey(), b.StringKey())
	}
}

func compareTuples(a, b []Value) int {
	for i := range a {
		if i >= len(b) {
			return 1
		}
		if cmp := compareKeyValues(a[i], b[i]); cmp != 0 {
			return cmp
		}
	}
	if len(a) < len(b) {
		return -1
	}
	return 0
}

// orderedEntry is one B-tree node: a key tuple and the set of ids indexed
// under it.
type orderedEntry struct {
	key []Value
	ids idSet
}

func orderedLess(a, b orderedEntry) bool { return compareTuples(a.key, b.key) < 0 }

// orderedIndex is the B-tree secondary index: keyed by a tuple of field
// values, compound keys supported, answering full-prefix equality and
// first-field range lookups. byID remembers each id's current key so a
// reindex can always find the stale entry, even when the stored document has
// since diverged from what the index last saw.
type orderedIndex struct {
	mu     sync.RWMutex
	name   string
	fields []IndexField
	unique bool
	idKind IDKind
	tree   *btree.BTreeG[orderedEntry]
	byID   map[string][]Value
}

func newOrderedIndex(name string, fields []IndexField, unique bool, idKind IDKind) *orderedIndex {
	return &orderedIndex{
		name:   name,
		fields: fields,
		unique: unique,
		idKind: idKind,
		tree:   btree.NewG(16, orderedLess),
		byID:   make(map[string][]Value),
	}
}

func (x *orderedIndex) Name() string         { return x.name }
func (x *orderedIndex) Fields() []IndexField { return x.fields }

func (x *orderedIndex) Size() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.byID)
}

// reindex moves id to the key extracted from doc: insert when new, relocate
// when the key changed, drop when the key became undefined. Uniqueness is
// checked before anything is mutated, so a failed reindex leaves the index
// untouched.
func (x *orderedIndex) reindex(id ID, doc Document) error {
	newKey, newDefined := extractKeyTuple(doc, x.fields)
	idStr := id.String()

	x.mu.Lock()
	defer x.mu.Unlock()
	prevKey, tracked := x.byID[idStr]

	if !newDefined {
		if tracked {
			x.dropLocked(id, prevKey)
		}
		return nil
	}
	if tracked && tuplesEqual(prevKey, newKey) {
		// Same key, same id: a no-op, never a duplicate.
		return nil
	}
	if x.unique {
		if entry, found := x.tree.Get(orderedEntry{key: newKey}); found && entry.ids.Len() > 0 {
			if !(entry.ids.Len() == 1 && entry.ids.Contains(id)) {
				return duplicateKeyError(x.name, tupleString(newKey))
			}
		}
	}
	if tracked {
		x.dropLocked(id, prevKey)
	}
	entry, found := x.tree.Get(orderedEntry{key: newKey})
	if !found {
		entry = orderedEntry{key: newKey, ids: newIDSet(x.idKind)}
	}
	entry.ids.Add(id)
	x.tree.ReplaceOrInsert(entry)
	x.byID[idStr] = newKey
	return nil
}

func (x *orderedIndex) dropLocked(id ID, key []Value) {
	if entry, found := x.tree.Get(orderedEntry{key: key}); found {
		entry.ids.Remove(id)
		if entry.ids.Len() == 0 {
			x.tree.Delete(entry)
		}
	}
	delete(x.byID, id.String())
}

func (x *orderedIndex) OnInsert(id ID, doc Document) error {
	return x.reindex(id, doc)
}

func (x *orderedIndex) OnUpdate(id ID, _, new Document) error {
	return x.reindex(id, new)
}

func (x *orderedIndex) OnRemove(id ID, _ Document) error {
	idStr := id.String()
	x.mu.Lock()
	defer x.mu.Unlock()
	if prevKey, tracked := x.byID[idStr]; tracked {
		x.dropLocked(id, prevKey)
	}
	return nil
}

// conflictOn reports whether indexing doc under id would raise a duplicate:
// the key is held by a set that is not solely the incoming id.
func (x *orderedIndex) conflictOn(id ID, doc Document) (string, bool) {
	if !x.unique {
		return "", false
	}
	key, ok := extractKeyTuple(doc, x.fields)
	if !ok {
		return "", false
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	entry, found := x.tree.Get(orderedEntry{key: key})
	if !found || entry.ids.Len() == 0 {
		return "", false
	}
	if entry.ids.Len() == 1 && entry.ids.Contains(id) {
		return "", false
	}
	return tupleString(key), true
}

// FindEquals answers a full-key equality lookup: values must cover every
// indexed field.
func (x *orderedIndex) FindEquals(values map[string]Value) (idSet, error) {
	key := make([]Value, len(x.fields))
	for i, f := range x.fields {
		v, ok := values[f.Path]
		if !ok {
			return nil, invalidQueryError("equality lookup on %q must cover field %q", x.name, f.Path)
		}
		key[i] = v
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := newIDSet(x.idKind)
	if entry, found := x.tree.Get(orderedEntry{key: key}); found {
		entry.ids.Each(func(id ID) bool {
			out.Add(id)
			return true
		})
	}
	return out, nil
}

// FindRange answers an inclusive range lookup on the index's first field.
// Nil bounds are open.
func (x *orderedIndex) FindRange(field string, min, max *Value) (idSet, error) {
	if len(x.fields) == 0 || x.fields[0].Path != field {
		return nil, invalidQueryError("index %q cannot answer a range on %q", x.name, field)
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := newIDSet(x.idKind)
	x.tree.Ascend(func(entry orderedEntry) bool {
		first := entry.key[0]
		if min != nil && compareKeyValues(first, *min) < 0 {
			return true
		}
		if max != nil && compareKeyValues(first, *max) > 0 {
			return false
		}
		entry.ids.Each(func(id ID) bool {
			out.Add(id)
			return true
		})
		return true
	})
	return out, nil
}

// tupleString renders a key tuple for error messages.
func tupleString(key []Value) string {
	parts := make([]string, len(key))
	for i, v := range key {
		parts[i] = v.StringKey()
	}
	return strings.Join(parts, ",")
}
