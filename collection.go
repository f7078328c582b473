package minileaf

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// Collection is a named bag of documents sharing one id kind. It owns one
// storage engine and one index manager; neither owns the other.
type Collection struct {
	name    string
	idKind  IDKind
	variant IDVariant
	engine  Engine
	indexes *indexManager
	cfg     Config
	logger  *zap.Logger

	closeMu sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	closed  bool
}

func newCollection(name string, idKind IDKind, engine Engine, cfg Config) *Collection {
	logger := cfg.Logger.With(zap.String("collection", name))
	c := &Collection{
		name:    name,
		idKind:  idKind,
		variant: variantFor(idKind, name),
		engine:  engine,
		indexes: newIndexManager(idKind, logger),
		cfg:     cfg,
		logger:  logger,
	}
	// The primary index is born with the collection and cannot be dropped.
	primary := newOrderedIndex(primaryIndexName, []IndexField{{Path: idFieldPrimary, Dir: 1}}, true, idKind)
	_ = c.indexes.add(primary)

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.ttlSweepLoop(ctx)
	return c
}

// Name returns the collection name.
func (c *Collection) Name() string { return c.name }

// IDKind returns the identifier variant fixed at collection birth.
func (c *Collection) IDKind() IDKind { return c.idKind }

// ---- write pipeline ----

// SaveDocument assigns an id when absent, enforces the size cap, runs the
// pre-write unique check, upserts into storage, and fans the change out to
// every index. The returned document carries the assigned id.
func (c *Collection) SaveDocument(doc Document) (Document, error) {
	doc = copyDocument(doc)
	id, ok := ExtractID(doc, c.idKind)
	if !ok {
		id = c.variant.Generate()
		WriteID(doc, id)
	}

	encoded, err := EncodeDocument(doc)
	if err != nil {
		return nil, err
	}
	if len(encoded) > c.cfg.MaxDocumentSize {
		return nil, documentTooLargeError(len(encoded), c.cfg.MaxDocumentSize)
	}

	old, existed, err := c.engine.FindByID(id)
	if err != nil {
		return nil, err
	}

	// Unique violations must keep the write out of storage entirely, so the
	// conflict check runs before the append.
	if err := c.indexes.checkUnique(id, doc); err != nil {
		return nil, err
	}

	if err := c.engine.Upsert(id, doc); err != nil {
		return nil, err
	}
	if existed {
		err = c.indexes.onUpdate(id, old, doc)
	} else {
		err = c.indexes.onInsert(id, doc)
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// DeleteByID removes a document and notifies every index. Returns the prior
// document, or nil when the id was absent.
func (c *Collection) DeleteByID(id ID) (Document, error) {
	prior, err := c.engine.Delete(id)
	if err != nil {
		return nil, err
	}
	if prior == nil {
		return nil, nil
	}
	if err := c.indexes.onRemove(id, prior); err != nil {
		return prior, err
	}
	return prior, nil
}

// UpdateByID applies a partial-update operator map directly in storage.
// Indexes are not maintained on this path; they catch up on the next full
// SaveDocument of the same id.
func (c *Collection) UpdateByID(id ID, ops UpdateOps) (bool, error) {
	return c.engine.UpdateFields(id, ops)
}

// ---- reads ----

func (c *Collection) FindByID(id ID) (Document, bool, error) { return c.engine.FindByID(id) }

func (c *Collection) Exists(id ID) (bool, error) { return c.engine.Exists(id) }

func (c *Collection) FindAll() ([]Document, error) { return c.engine.FindAll() }

func (c *Collection) FindAllPage(skip, limit int) ([]Document, error) {
	return c.engine.FindAllPage(skip, limit)
}

// Find streams storage, applies the filter evaluator, then paginates.
// limit < 0 means unbounded.
func (c *Collection) Find(filter Filter, skip, limit int) ([]Document, error) {
	all, err := c.engine.FindAll()
	if err != nil {
		return nil, err
	}
	var out []Document
	seen := 0
	for _, doc := range all {
		matched, err := EvaluateFilter(doc, filter)
		if err != nil {
			return nil, err
		}
		if !matched {
			continue
		}
		if seen < skip {
			seen++
			continue
		}
		if limit >= 0 && len(out) >= limit {
			break
		}
		out = append(out, doc)
	}
	return out, nil
}

func (c *Collection) Count() (int64, error) { return c.engine.Count() }

// CountFilter counts matches. A filter that is exactly one equality pair on
// a field with a usable index is answered from the index hit-count; anything
// else streams with a predicate.
func (c *Collection) CountFilter(filter Filter) (int64, error) {
	if path, value, ok := singleEqualityPair(filter); ok {
		if idx, found := c.indexes.equalityIndexFor(path); found {
			set, err := idx.FindEquals(map[string]Value{path: value})
			if err == nil {
				return int64(set.Len()), nil
			}
		}
	}
	return c.engine.CountMatching(func(doc Document) bool {
		matched, err := EvaluateFilter(doc, filter)
		return err == nil && matched
	})
}

// singleEqualityPair recognizes {field: literal} filters.
func singleEqualityPair(filter Filter) (string, Value, bool) {
	if len(filter) != 1 {
		return "", Value{}, false
	}
	for path, v := range filter {
		if strings.HasPrefix(path, "$") {
			return "", Value{}, false
		}
		if v.Kind() == KindObject && isOperatorMap(v.ObjectVal()) {
			return "", Value{}, false
		}
		return path, v, true
	}
	return "", Value{}, false
}

// FindByEnumField answers a single-field equality lookup, preferring a hash
// secondary index on the field and falling back to streaming.
func (c *Collection) FindByEnumField(field string, value Value) ([]Document, error) {
	if idx, found := c.indexes.equalityIndexFor(field); found {
		set, err := idx.FindEquals(map[string]Value{field: value})
		if err == nil {
			return c.fetchIDs(setToIDs(set))
		}
	}
	return c.Find(Filter{field: value}, 0, -1)
}

// FindByRange answers an inclusive range lookup, preferring an ordered
// secondary on the field and falling back to streaming.
func (c *Collection) FindByRange(field string, min, max Value) ([]Document, error) {
	if idx, found := c.indexes.rangeIndexFor(field); found {
		set, err := idx.FindRange(field, &min, &max)
		if err == nil {
			return c.fetchIDs(setToIDs(set))
		}
	}
	return c.Find(Filter{field: Object(Document{"$gte": min, "$lte": max})}, 0, -1)
}

// fetchIDs re-fetches index hits from storage in primary order. Indexes hold
// ids only, never documents.
func (c *Collection) fetchIDs(ids []ID) ([]Document, error) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].Compare(ids[j]) < 0 })
	out := make([]Document, 0, len(ids))
	for _, id := range ids {
		doc, ok, err := c.engine.FindByID(id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, doc)
		}
	}
	return out, nil
}

// ---- admin ----

// IndexInfo describes one index for ListIndexes and Stats.
type IndexInfo struct {
	Name   string
	Fields []IndexField
	Size   int
}

// CreateIndex registers a new secondary index and builds it over the
// existing documents. The build is cancelable through ctx; with
// background_index_build set it runs off the caller's goroutine and a build
// failure drops the index after logging.
func (c *Collection) CreateIndex(ctx context.Context, fields []IndexField, opts IndexOptions) (string, error) {
	if len(fields) == 0 {
		return "", invalidQueryError("an index needs at least one field")
	}
	name := indexName(fields, opts)
	if name == primaryIndexName {
		return "", indexAlreadyExistsError(name)
	}

	var idx Index
	switch {
	case opts.ExpireAfter > 0:
		if len(fields) != 1 {
			return "", invalidQueryError("a ttl index covers exactly one field")
		}
		idx = newTTLIndex(name, fields[0], opts.ExpireAfter, c.logger)
	case opts.Hash:
		if len(fields) != 1 {
			return "", invalidQueryError("a hash index covers exactly one field")
		}
		idx = newHashIndex(name, fields[0], opts.Unique, c.idKind)
	default:
		idx = newOrderedIndex(name, fields, opts.Unique, c.idKind)
	}
	if opts.Partial != nil {
		idx = newPartialIndex(idx, opts.Partial, c.logger)
	}

	// Register first so concurrent writes maintain the index while the
	// backfill streams existing documents; duplicate inserts of the same
	// (id, key) pair are no-ops.
	if err := c.indexes.add(idx); err != nil {
		return "", err
	}
	if c.cfg.BackgroundIndexBuild {
		go func() {
			if err := c.buildIndex(ctx, idx); err != nil {
				c.logger.Error("background index build failed, dropping index",
					zap.String("index", name), zap.Error(err))
				_ = c.indexes.remove(name)
			}
		}()
		return name, nil
	}
	if err := c.buildIndex(ctx, idx); err != nil {
		_ = c.indexes.remove(name)
		return "", err
	}
	return name, nil
}

func (c *Collection) buildIndex(ctx context.Context, idx Index) error {
	const batch = 256
	skip := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		docs, err := c.engine.FindAllPage(skip, batch)
		if err != nil {
			return err
		}
		if len(docs) == 0 {
			return nil
		}
		for _, doc := range docs {
			id, ok := ExtractID(doc, c.idKind)
			if !ok {
				continue
			}
			if err := idx.OnInsert(id, doc); err != nil {
				return err
			}
		}
		skip += len(docs)
	}
}

// DropIndex removes a secondary index. The primary index is rejected.
func (c *Collection) DropIndex(name string) error {
	return c.indexes.remove(name)
}

// ListIndexes reports every index, primary included.
func (c *Collection) ListIndexes() []IndexInfo {
	indexes := c.indexes.list()
	out := make([]IndexInfo, 0, len(indexes))
	for _, idx := range indexes {
		out = append(out, IndexInfo{Name: idx.Name(), Fields: idx.Fields(), Size: idx.Size()})
	}
	return out
}

// CollectionStats bundles the admin-facing counters.
type CollectionStats struct {
	Documents    int64
	StorageBytes int64
	WALBytes     int64
	LastSnapshot time.Time
	IndexSizes   map[string]int
}

func (s CollectionStats) String() string {
	names := make([]string, 0, len(s.IndexSizes))
	for name := range s.IndexSizes {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%d", name, s.IndexSizes[name]))
	}
	return fmt.Sprintf("%d documents, %s on disk, indexes [%s]",
		s.Documents, humanize.Bytes(uint64(s.StorageBytes)), strings.Join(parts, " "))
}

func (c *Collection) Stats() (CollectionStats, error) {
	es, err := c.engine.Stats()
	if err != nil {
		return CollectionStats{}, err
	}
	sizes := make(map[string]int)
	for _, idx := range c.indexes.list() {
		sizes[idx.Name()] = idx.Size()
	}
	return CollectionStats{
		Documents:    es.DocumentCount,
		StorageBytes: es.DiskBytes,
		WALBytes:     es.WALBytes,
		LastSnapshot: es.LastSnapshot,
		IndexSizes:   sizes,
	}, nil
}

// Compact delegates to the storage engine.
func (c *Collection) Compact() error { return c.engine.Compact() }

// ---- ttl sweep ----

func (c *Collection) ttlSweepLoop(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.cfg.TTLSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			ttl, ok := c.indexes.ttlIndexOf()
			if !ok {
				continue
			}
			ttl.sweep(now, func(id ID) error {
				_, err := c.DeleteByID(id)
				return err
			})
		}
	}
}

// Close stops the TTL sweeper (bounded by the shutdown grace period) and
// closes the engine.
func (c *Collection) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.cancel()
	select {
	case <-c.done:
	case <-time.After(c.cfg.ShutdownGrace):
		c.logger.Warn("ttl sweeper did not stop within shutdown grace period")
	}
	return c.engine.Close()
}
