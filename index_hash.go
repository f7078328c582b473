package minileaf

import (
	"sync"
)

// hashIndex is the equality-only secondary index ("enum-optimized"): a
// single field whose value is keyed by its stringified form. Enum-like
// values land here via their name, everything else via its text rendering.
// byID remembers each id's current key so a reindex can relocate it without
// trusting the caller's idea of the old document.
type hashIndex struct {
	mu     sync.RWMutex
	name   string
	field  IndexField
	unique bool
	idKind IDKind
	keys   map[string]idSet
	byID   map[string]string
}

func newHashIndex(name string, field IndexField, unique bool, idKind IDKind) *hashIndex {
	return &hashIndex{
		name:   name,
		field:  field,
		unique: unique,
		idKind: idKind,
		keys:   make(map[string]idSet),
		byID:   make(map[string]string),
	}
}

func (x *hashIndex) Name() string         { return x.name }
func (x *hashIndex) Fields() []IndexField { return []IndexField{x.field} }

func (x *hashIndex) Size() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.byID)
}

func (x *hashIndex) keyOf(doc Document) (string, bool) {
	v, ok := GetPath(doc, x.field.Path)
	if !ok {
		return "", false
	}
	return v.StringKey(), true
}

func (x *hashIndex) reindex(id ID, doc Document) error {
	newKey, newDefined := x.keyOf(doc)
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
	if tracked && prevKey == newKey {
		// Same id reinserted with the same value: tolerated as a no-op.
		return nil
	}
	if x.unique {
		if set, found := x.keys[newKey]; found && set.Len() > 0 {
			if !(set.Len() == 1 && set.Contains(id)) {
				return duplicateKeyError(x.name, newKey)
			}
		}
	}
	if tracked {
		x.dropLocked(id, prevKey)
	}
	set, found := x.keys[newKey]
	if !found {
		set = newIDSet(x.idKind)
		x.keys[newKey] = set
	}
	set.Add(id)
	x.byID[idStr] = newKey
	return nil
}

func (x *hashIndex) dropLocked(id ID, key string) {
	if set, found := x.keys[key]; found {
		set.Remove(id)
		if set.Len() == 0 {
			delete(x.keys, key)
		}
	}
	delete(x.byID, id.String())
}

func (x *hashIndex) OnInsert(id ID, doc Document) error {
	return x.reindex(id, doc)
}

func (x *hashIndex) OnUpdate(id ID, _, new Document) error {
	return x.reindex(id, new)
}

func (x *hashIndex) OnRemove(id ID, _ Document) error {
	idStr := id.String()
	x.mu.Lock()
	defer x.mu.Unlock()
	if prevKey, tracked := x.byID[idStr]; tracked {
		x.dropLocked(id, prevKey)
	}
	return nil
}

func (x *hashIndex) conflictOn(id ID, doc Document) (string, bool) {
	if !x.unique {
		return "", false
	}
	key, ok := x.keyOf(doc)
	if !ok {
		return "", false
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	set, found := x.keys[key]
	if !found || set.Len() == 0 {
		return "", false
	}
	if set.Len() == 1 && set.Contains(id) {
		return "", false
	}
	return key, true
}

// FindEquals answers a single-field equality lookup by stringified key.
func (x *hashIndex) FindEquals(values map[string]Value) (idSet, error) {
	v, ok := values[x.field.Path]
	if !ok {
		return nil, invalidQueryError("equality lookup on %q must cover field %q", x.name, x.field.Path)
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := newIDSet(x.idKind)
	if set, found := x.keys[v.StringKey()]; found {
		set.Each(func(id ID) bool {
			out.Add(id)
			return true
		})
	}
	return out, nil
}
