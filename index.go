package minileaf

import (
	"strings"
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"go.uber.org/zap"
)

// primaryIndexName is the reserved name of the always-present unique index
// over _id. It cannot be dropped.
const primaryIndexName = "_id_"

// IndexField is one component of an index key: a dotted field path plus a
// direction (1 ascending, -1 descending; direction participates in the
// generated name only, ordering is handled at query time).
type IndexField struct {
	Path string
	Dir  int
}

// IndexOptions configures CreateIndex.
type IndexOptions struct {
	// Name overrides the generated "<field>_<dir>" join.
	Name string
	// Unique rejects a second id per key with ErrDuplicateKey.
	Unique bool
	// Hash selects the equality-only hash index (single field only).
	Hash bool
	// Partial restricts membership to documents matching this filter.
	Partial Filter
	// ExpireAfter, when positive, makes this a TTL index over a single
	// timestamp field. TTL indexes are not queryable.
	ExpireAfter int64 // milliseconds
}

// indexName derives the index name from options or the field list.
func indexName(fields []IndexField, opts IndexOptions) string {
	if opts.Name != "" {
		return opts.Name
	}
	parts := make([]string, len(fields))
	for i, f := range fields {
		dir := "1"
		if f.Dir < 0 {
			dir = "-1"
		}
		parts[i] = f.Path + "_" + dir
	}
	return strings.Join(parts, "_")
}

// Index is the write-path contract every index variant implements. Indexes
// store ids only, never documents.
type Index interface {
	Name() string
	Fields() []IndexField

	// OnInsert indexes a new document.
	OnInsert(id ID, doc Document) error
	// OnUpdate moves id from its old key to its new key as cheaply as
	// correctness allows. old may be nil when the prior copy is unknown.
	OnUpdate(id ID, old, new Document) error
	// OnRemove drops id from the index.
	OnRemove(id ID, doc Document) error

	// Size reports the number of indexed ids.
	Size() int
}

// equalityIndex is implemented by indexes answering exact-key lookups.
type equalityIndex interface {
	Index
	FindEquals(values map[string]Value) (idSet, error)
}

// rangeIndex is implemented by indexes answering inclusive range lookups on
// their first field.
type rangeIndex interface {
	Index
	FindRange(field string, min, max *Value) (idSet, error)
}

// ---- id sets ----

// idSet holds the ids mapped to one index key. Int64 collections use a
// roaring bitmap; all other id kinds key a plain set by serialized text.
type idSet interface {
	Add(id ID)
	Remove(id ID)
	Contains(id ID) bool
	Len() int
	Each(fn func(ID) bool)
}

func newIDSet(kind IDKind) idSet {
	if kind == IDInt64 {
		return &roaringIDSet{bm: roaring64.New()}
	}
	return stringIDSet{}
}

type stringIDSet map[string]ID

func (s stringIDSet) Add(id ID)            { s[id.String()] = id }
func (s stringIDSet) Remove(id ID)         { delete(s, id.String()) }
func (s stringIDSet) Contains(id ID) bool  { _, ok := s[id.String()]; return ok }
func (s stringIDSet) Len() int             { return len(s) }
func (s stringIDSet) Each(fn func(ID) bool) {
	for _, id := range s {
		if !fn(id) {
			return
		}
	}
}

type roaringIDSet struct {
	bm *roaring64.Bitmap
}

func (s *roaringIDSet) Add(id ID)           { s.bm.Add(uint64(id.num)) }
func (s *roaringIDSet) Remove(id ID)        { s.bm.Remove(uint64(id.num)) }
func (s *roaringIDSet) Contains(id ID) bool { return s.bm.Contains(uint64(id.num)) }
func (s *roaringIDSet) Len() int            { return int(s.bm.GetCardinality()) }
func (s *roaringIDSet) Each(fn func(ID) bool) {
	it := s.bm.Iterator()
	for it.HasNext() {
		if !fn(ID{kind: IDInt64, num: int64(it.Next())}) {
			return
		}
	}
}

// setToIDs materializes an idSet as a slice.
func setToIDs(s idSet) []ID {
	if s == nil {
		return nil
	}
	out := make([]ID, 0, s.Len())
	s.Each(func(id ID) bool {
		out = append(out, id)
		return true
	})
	return out
}

// ---- key extraction ----

// extractKeyTuple resolves every field path of an index against doc. The
// tuple is defined only when every path resolves; the _id path honors the
// legacy id alias.
func extractKeyTuple(doc Document, fields []IndexField) ([]Value, bool) {
	tuple := make([]Value, len(fields))
	for i, f := range fields {
		var v Value
		var ok bool
		if f.Path == idFieldPrimary {
			v, ok = lookupIDValue(doc)
		} else {
			v, ok = GetPath(doc, f.Path)
		}
		if !ok {
			return nil, false
		}
		tuple[i] = v
	}
	return tuple, true
}

// tuplesEqual compares two key tuples with filter-equality semantics.
func tuplesEqual(a, b []Value) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !valuesEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

// ---- index manager ----

// indexManager owns the set of indexes of one collection. Document writes
// fan out to every index under the manager's read lock; on any index error
// the already-applied indexes are rolled back in reverse before the error
// surfaces, so a failed write leaves no index half-updated.
type indexManager struct {
	mu      sync.RWMutex
	indexes map[string]Index
	order   []string
	idKind  IDKind
	logger  *zap.Logger
}

func newIndexManager(idKind IDKind, logger *zap.Logger) *indexManager {
	return &indexManager{
		indexes: make(map[string]Index),
		idKind:  idKind,
		logger:  logger,
	}
}

func (m *indexManager) add(idx Index) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := idx.Name()
	if _, ok := m.indexes[name]; ok {
		return indexAlreadyExistsError(name)
	}
	m.indexes[name] = idx
	m.order = append(m.order, name)
	return nil
}

func (m *indexManager) remove(name string) error {
	if name == primaryIndexName {
		return invalidQueryError("the primary index cannot be dropped")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.indexes[name]; !ok {
		return indexNotFoundError(name)
	}
	delete(m.indexes, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

func (m *indexManager) get(name string) (Index, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.indexes[name]
	return idx, ok
}

func (m *indexManager) list() []Index {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Index, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.indexes[name])
	}
	return out
}

func (m *indexManager) onInsert(id ID, doc Document) error {
	applied := make([]Index, 0, 4)
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, name := range m.order {
		idx := m.indexes[name]
		if err := idx.OnInsert(id, doc); err != nil {
			m.rollback(applied, func(prior Index) error {
				return prior.OnRemove(id, doc)
			})
			return err
		}
		applied = append(applied, idx)
	}
	return nil
}

func (m *indexManager) onUpdate(id ID, old, new Document) error {
	applied := make([]Index, 0, 4)
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, name := range m.order {
		idx := m.indexes[name]
		if err := idx.OnUpdate(id, old, new); err != nil {
			m.rollback(applied, func(prior Index) error {
				return prior.OnUpdate(id, new, old)
			})
			return err
		}
		applied = append(applied, idx)
	}
	return nil
}

func (m *indexManager) onRemove(id ID, doc Document) error {
	applied := make([]Index, 0, 4)
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, name := range m.order {
		idx := m.indexes[name]
		if err := idx.OnRemove(id, doc); err != nil {
			m.rollback(applied, func(prior Index) error {
				return prior.OnInsert(id, doc)
			})
			return err
		}
		applied = append(applied, idx)
	}
	return nil
}

// rollback undoes already-applied index updates in reverse order. A rollback
// failure is logged but cannot mask the original error.
func (m *indexManager) rollback(applied []Index, undo func(Index) error) {
	for i := len(applied) - 1; i >= 0; i-- {
		if err := undo(applied[i]); err != nil {
			m.logger.Error("index rollback failed",
				zap.String("index", applied[i].Name()), zap.Error(err))
		}
	}
}

// uniqueChecker is implemented by indexes that can report, without
// mutating, whether indexing doc under id would violate uniqueness. Used by
// the pre-write check so a duplicate never lands in storage.
type uniqueChecker interface {
	conflictOn(id ID, doc Document) (key string, conflict bool)
}

// checkUnique dry-runs every unique index against the incoming document.
func (m *indexManager) checkUnique(id ID, doc Document) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, name := range m.order {
		if uc, ok := m.indexes[name].(uniqueChecker); ok {
			if key, conflict := uc.conflictOn(id, doc); conflict {
				return duplicateKeyError(name, key)
			}
		}
	}
	return nil
}

// firstFieldPath returns the path of an index's leading field.
func firstFieldPath(idx Index) string {
	fields := idx.Fields()
	if len(fields) == 0 {
		return ""
	}
	return fields[0].Path
}

// equalityIndexFor finds an index that can answer a single-field equality
// lookup on path. Hash indexes are preferred over ordered ones. Partial
// indexes are skipped: they hold only the documents matching their filter.
func (m *indexManager) equalityIndexFor(path string) (equalityIndex, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ordered equalityIndex
	for _, name := range m.order {
		idx := m.indexes[name]
		if _, isPartial := idx.(*partialIndex); isPartial {
			continue
		}
		eq, ok := idx.(equalityIndex)
		if !ok {
			continue
		}
		fields := idx.Fields()
		if len(fields) != 1 || fields[0].Path != path {
			continue
		}
		if _, isHash := unwrapIndex(idx).(*hashIndex); isHash {
			return eq, true
		}
		if ordered == nil {
			ordered = eq
		}
	}
	return ordered, ordered != nil
}

// rangeIndexFor finds an index that can answer a range lookup whose leading
// field is path. Partial indexes are skipped, as in equalityIndexFor.
func (m *indexManager) rangeIndexFor(path string) (rangeIndex, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, name := range m.order {
		idx := m.indexes[name]
		if _, isPartial := idx.(*partialIndex); isPartial {
			continue
		}
		r, ok := idx.(rangeIndex)
		if !ok {
			continue
		}
		if firstFieldPath(idx) == path {
			return r, true
		}
	}
	return nil, false
}

// unwrapIndex peels partial wrappers to reach the inner index variant.
func unwrapIndex(idx Index) Index {
	for {
		p, ok := idx.(*partialIndex)
		if !ok {
			return idx
		}
		idx = p.inner
	}
}

// ttlIndexOf returns the collection's TTL index, if any. Only one is
// meaningful per collection.
func (m *indexManager) ttlIndexOf() (*ttlIndex, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, name := range m.order {
		if t, ok := m.indexes[name].(*ttlIndex); ok {
			return t, true
		}
	}
	return nil, false
}
