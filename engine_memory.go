package minileaf

import (
	"sync"

	"github.com/google/btree"
)

// memEntry is one id→document pair held by the in-memory engine's B-tree,
// ordered by id so FindAll streams in primary order.
type memEntry struct {
	id  ID
	doc Document
}

func memLess(a, b memEntry) bool { return a.id.Compare(b.id) < 0 }

// memoryEngine keeps the whole dataset in an ordered in-memory map guarded
// by a reader-writer lock. No durability; used for tests and ephemeral modes.
type memoryEngine struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[memEntry]
}

func newMemoryEngine() *memoryEngine {
	return &memoryEngine{tree: btree.NewG(16, memLess)}
}

func (e *memoryEngine) Upsert(id ID, doc Document) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tree.ReplaceOrInsert(memEntry{id: id, doc: copyDocument(doc)})
	return nil
}

func (e *memoryEngine) FindByID(id ID) (Document, bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	entry, ok := e.tree.Get(memEntry{id: id})
	if !ok {
		return nil, false, nil
	}
	return copyDocument(entry.doc), true, nil
}

func (e *memoryEngine) UpdateFields(id ID, ops UpdateOps) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.tree.Get(memEntry{id: id})
	if !ok {
		return false, nil
	}
	doc := copyDocument(entry.doc)
	if err := applyUpdate(doc, ops); err != nil {
		return true, err
	}
	e.tree.ReplaceOrInsert(memEntry{id: id, doc: doc})
	return true, nil
}

func (e *memoryEngine) Delete(id ID) (Document, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.tree.Delete(memEntry{id: id})
	if !ok {
		return nil, nil
	}
	return entry.doc, nil
}

func (e *memoryEngine) FindAll() ([]Document, error) {
	return e.FindAllPage(0, -1)
}

func (e *memoryEngine) FindAllPage(skip, limit int) ([]Document, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []Document
	seen := 0
	e.tree.Ascend(func(entry memEntry) bool {
		if seen < skip {
			seen++
			return true
		}
		if limit >= 0 && len(out) >= limit {
			return false
		}
		out = append(out, copyDocument(entry.doc))
		return true
	})
	return out, nil
}

func (e *memoryEngine) Count() (int64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return int64(e.tree.Len()), nil
}

func (e *memoryEngine) CountMatching(pred func(Document) bool) (int64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var n int64
	e.tree.Ascend(func(entry memEntry) bool {
		if pred(entry.doc) {
			n++
		}
		return true
	})
	return n, nil
}

func (e *memoryEngine) Exists(id ID) (bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tree.Has(memEntry{id: id}), nil
}

func (e *memoryEngine) Compact() error { return nil }

func (e *memoryEngine) Stats() (EngineStats, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return EngineStats{DocumentCount: int64(e.tree.Len())}, nil
}

func (e *memoryEngine) Close() error { return nil }
