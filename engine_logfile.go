package minileaf

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// Sanity bounds for data-file records. A length prefix outside these caps is
// corruption, not data.
const (
	maxRecordIDLen  = 10_000
	maxRecordDocLen = 100 << 20
	maxSealedRecLen = maxRecordDocLen + maxRecordIDLen + 100
)

// deletionMarker is the document payload of an on-disk delete record. A real
// document payload is msgpack and never equals these two bytes.
var deletionMarker = []byte("{}")

// logOffset locates the latest live record for an id.
type logOffset struct {
	id  ID
	off int64
}

// logEngine is the LRU-cached log engine: an append-only data file is the
// authoritative store, RAM holds the id→offset map for every live id plus a
// bounded LRU cache of materialized documents.
type logEngine struct {
	mu      sync.RWMutex
	offsets map[string]logOffset
	deleted map[string]struct{}
	cache   *lru.Cache[string, Document]

	file   *gofile
	idKind IDKind
	box    *cipherBox
	sync   bool

	// cleanup enables offset-map repair when a read confirms corruption.
	cleanup bool

	lastCompact time.Time
	logger      *zap.Logger
	closed      bool
}

func openLogEngine(path string, idKind IDKind, cfg Config) (*logEngine, error) {
	var box *cipherBox
	if cfg.EncryptionKey != nil {
		var err error
		box, err = newCipherBox(cfg.EncryptionKey)
		if err != nil {
			return nil, err
		}
	}
	cache, err := lru.New[string, Document](cfg.CacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "init lru cache")
	}
	file, err := openGofile(path)
	if err != nil {
		return nil, storageError(err, "open data file")
	}
	e := &logEngine{
		offsets: make(map[string]logOffset),
		deleted: make(map[string]struct{}),
		cache:   cache,
		file:    file,
		idKind:  idKind,
		box:     box,
		sync:    cfg.SyncOnWrite,
		cleanup: true,
		logger:  cfg.Logger,
	}
	if err := e.rebuildOffsets(); err != nil {
		file.Close()
		return nil, err
	}
	return e, nil
}

// ---- record encoding ----

// encodeRecord renders one data-file record: [u32 id_len][id][u32 doc_len]
// [doc], or for the encrypted variant [u32 total_len][AEAD output over the
// unencrypted layout].
func (e *logEngine) encodeRecord(id ID, docBytes []byte) ([]byte, error) {
	idBytes := []byte(id.String())
	var buf bytes.Buffer
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(idBytes)))
	buf.Write(hdr[:])
	buf.Write(idBytes)
	binary.BigEndian.PutUint32(hdr[:], uint32(len(docBytes)))
	buf.Write(hdr[:])
	buf.Write(docBytes)

	if e.box == nil {
		return buf.Bytes(), nil
	}
	sealed, err := e.box.Seal(buf.Bytes())
	if err != nil {
		return nil, storageError(err, "encrypt record")
	}
	var out bytes.Buffer
	if err := writeFramed(&out, sealed); err != nil {
		return nil, storageError(err, "frame record")
	}
	return out.Bytes(), nil
}

// decodeRecordPayload splits the unencrypted record layout back into id and
// document bytes, applying the sanity bounds.
func decodeRecordPayload(r io.Reader) (idBytes, docBytes []byte, err error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, nil, err
	}
	idLen := binary.BigEndian.Uint32(hdr[:])
	if idLen > maxRecordIDLen {
		return nil, nil, errors.Newf("record id length %d exceeds cap %d", idLen, maxRecordIDLen)
	}
	idBytes = make([]byte, idLen)
	if _, err := io.ReadFull(r, idBytes); err != nil {
		return nil, nil, err
	}
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, nil, err
	}
	docLen := binary.BigEndian.Uint32(hdr[:])
	if docLen > maxRecordDocLen {
		return nil, nil, errors.Newf("record doc length %d exceeds cap %d", docLen, maxRecordDocLen)
	}
	docBytes = make([]byte, docLen)
	if _, err := io.ReadFull(r, docBytes); err != nil {
		return nil, nil, err
	}
	return idBytes, docBytes, nil
}

// readRecordAt reads and decodes the record starting at off. Returns the
// total on-disk length so sequential scans can advance.
func (e *logEngine) readRecordAt(off int64) (idBytes, docBytes []byte, recLen int64, err error) {
	if e.box != nil {
		var hdr [4]byte
		if _, err := e.file.ReadAt(hdr[:], off); err != nil {
			return nil, nil, 0, err
		}
		total := binary.BigEndian.Uint32(hdr[:])
		if total > maxSealedRecLen {
			return nil, nil, 0, errors.Newf("sealed record length %d exceeds cap %d", total, maxSealedRecLen)
		}
		sealed := make([]byte, total)
		if _, err := e.file.ReadAt(sealed, off+4); err != nil {
			return nil, nil, 0, err
		}
		plain, err := e.box.Open(sealed)
		if err != nil {
			return nil, nil, 0, err
		}
		idBytes, docBytes, err = decodeRecordPayload(bytes.NewReader(plain))
		if err != nil {
			return nil, nil, 0, err
		}
		return idBytes, docBytes, int64(total) + 4, nil
	}

	var hdr [4]byte
	if _, err := e.file.ReadAt(hdr[:], off); err != nil {
		return nil, nil, 0, err
	}
	idLen := binary.BigEndian.Uint32(hdr[:])
	if idLen > maxRecordIDLen {
		return nil, nil, 0, errors.Newf("record id length %d exceeds cap %d", idLen, maxRecordIDLen)
	}
	idBytes = make([]byte, idLen)
	if _, err := e.file.ReadAt(idBytes, off+4); err != nil {
		return nil, nil, 0, err
	}
	if _, err := e.file.ReadAt(hdr[:], off+4+int64(idLen)); err != nil {
		return nil, nil, 0, err
	}
	docLen := binary.BigEndian.Uint32(hdr[:])
	if docLen > maxRecordDocLen {
		return nil, nil, 0, errors.Newf("record doc length %d exceeds cap %d", docLen, maxRecordDocLen)
	}
	docBytes = make([]byte, docLen)
	if _, err := e.file.ReadAt(docBytes, off+8+int64(idLen)); err != nil {
		return nil, nil, 0, err
	}
	return idBytes, docBytes, 8 + int64(idLen) + int64(docLen), nil
}

// rebuildOffsets scans the data file sequentially on open, tracking live
// offsets and deleted ids. A later non-deletion record resurrects an id.
// The scan stops at the first unparseable record — a truncated tail from a
// crash mid-write.
func (e *logEngine) rebuildOffsets() error {
	size, err := e.file.Size()
	if err != nil {
		return storageError(err, "stat data file")
	}
	var off int64
	for off < size {
		idBytes, docBytes, recLen, err := e.readRecordAt(off)
		if err != nil {
			e.logger.Warn("stopping offset rebuild at unparseable record",
				zap.Int64("offset", off), zap.Error(err))
			return nil
		}
		idStr := string(idBytes)
		id, perr := variantFor(e.idKind, "").Parse(idStr)
		if perr != nil {
			e.logger.Warn("stopping offset rebuild at record with unparseable id",
				zap.Int64("offset", off), zap.String("id", idStr))
			return nil
		}
		if bytes.Equal(docBytes, deletionMarker) {
			delete(e.offsets, idStr)
			e.deleted[idStr] = struct{}{}
		} else {
			e.offsets[idStr] = logOffset{id: id, off: off}
			delete(e.deleted, idStr)
		}
		off += recLen
	}
	return nil
}

// ---- engine contract ----

func (e *logEngine) Upsert(id ID, doc Document) error {
	stored := copyDocument(doc)
	docBytes, err := EncodeDocument(stored)
	if err != nil {
		return err
	}
	rec, err := e.encodeRecord(id, docBytes)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	// Bytes first, map second: a crash between the append and the map update
	// is recovered by the sequential rebuild, which sees the durable record.
	off, err := e.file.Append(rec, e.sync)
	if err != nil {
		return storageError(err, "append record")
	}
	idStr := id.String()
	e.offsets[idStr] = logOffset{id: id, off: off}
	delete(e.deleted, idStr)
	e.cache.Add(idStr, stored)
	return nil
}

func (e *logEngine) FindByID(id ID) (Document, bool, error) {
	idStr := id.String()
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, false, ErrEngineClosed
	}
	if doc, ok := e.cache.Get(idStr); ok {
		e.mu.RUnlock()
		return copyDocument(doc), true, nil
	}
	entry, ok := e.offsets[idStr]
	e.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}

	doc, err := e.readDocAt(entry.off)
	if err != nil {
		e.logger.Warn("corrupt record on read",
			zap.String("id", idStr), zap.Int64("offset", entry.off), zap.Error(err))
		if e.cleanup {
			e.cleanupCorrupted(idStr, entry.off)
		}
		return nil, false, nil
	}

	// Populate the cache under the write lock, re-checking first: an
	// intervening write's entry is fresher and must win over our disk read.
	e.mu.Lock()
	if cached, ok := e.cache.Get(idStr); ok {
		doc = copyDocument(cached)
	} else if cur, ok := e.offsets[idStr]; ok && cur.off == entry.off {
		e.cache.Add(idStr, copyDocument(doc))
	}
	e.mu.Unlock()
	return doc, true, nil
}

func (e *logEngine) readDocAt(off int64) (Document, error) {
	_, docBytes, _, err := e.readRecordAt(off)
	if err != nil {
		return nil, err
	}
	if bytes.Equal(docBytes, deletionMarker) {
		return nil, errors.New("offset points at a deletion marker")
	}
	return DecodeDocument(docBytes)
}

// cleanupCorrupted removes a corrupt offset-map entry. It acquires the write
// lock from the outset and re-reads inside it; only a confirmed-corrupt,
// still-current entry is dropped. Plain reads never mutate the map.
func (e *logEngine) cleanupCorrupted(idStr string, off int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cur, ok := e.offsets[idStr]
	if !ok || cur.off != off {
		return
	}
	if _, err := e.readDocAt(off); err == nil {
		return
	}
	delete(e.offsets, idStr)
	e.cache.Remove(idStr)
	e.logger.Warn("dropped corrupt offset entry", zap.String("id", idStr), zap.Int64("offset", off))
}

func (e *logEngine) UpdateFields(id ID, ops UpdateOps) (bool, error) {
	idStr := id.String()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false, ErrEngineClosed
	}
	entry, ok := e.offsets[idStr]
	if !ok {
		return false, nil
	}
	var doc Document
	if cached, ok := e.cache.Get(idStr); ok {
		doc = copyDocument(cached)
	} else {
		var err error
		doc, err = e.readDocAt(entry.off)
		if err != nil {
			return true, storageError(err, "read record for update")
		}
	}
	if err := applyUpdate(doc, ops); err != nil {
		return true, err
	}
	docBytes, err := EncodeDocument(doc)
	if err != nil {
		return true, err
	}
	rec, err := e.encodeRecord(id, docBytes)
	if err != nil {
		return true, err
	}
	off, err := e.file.Append(rec, e.sync)
	if err != nil {
		return true, storageError(err, "append record")
	}
	e.offsets[idStr] = logOffset{id: id, off: off}
	e.cache.Add(idStr, doc)
	return true, nil
}

func (e *logEngine) Delete(id ID) (Document, error) {
	idStr := id.String()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrEngineClosed
	}
	entry, ok := e.offsets[idStr]
	if !ok {
		return nil, nil
	}
	var prior Document
	if cached, ok := e.cache.Get(idStr); ok {
		prior = copyDocument(cached)
	} else if doc, err := e.readDocAt(entry.off); err == nil {
		prior = doc
	}
	rec, err := e.encodeRecord(id, deletionMarker)
	if err != nil {
		return nil, err
	}
	// Marker durable first; on failure the in-memory state is untouched so
	// the id stays consistent across a restart.
	if _, err := e.file.Append(rec, e.sync); err != nil {
		return nil, storageError(err, "append deletion marker")
	}
	delete(e.offsets, idStr)
	e.deleted[idStr] = struct{}{}
	e.cache.Remove(idStr)
	return prior, nil
}

// sortedOffsets returns live entries in primary (id) order.
func (e *logEngine) sortedOffsets() []logOffset {
	e.mu.RLock()
	entries := make([]logOffset, 0, len(e.offsets))
	for _, entry := range e.offsets {
		entries = append(entries, entry)
	}
	e.mu.RUnlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].id.Compare(entries[j].id) < 0 })
	return entries
}

func (e *logEngine) FindAll() ([]Document, error) { return e.FindAllPage(0, -1) }

func (e *logEngine) FindAllPage(skip, limit int) ([]Document, error) {
	entries := e.sortedOffsets()
	var out []Document
	for i, entry := range entries {
		if i < skip {
			continue
		}
		if limit >= 0 && len(out) >= limit {
			break
		}
		doc, ok, err := e.FindByID(entry.id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, doc)
		}
	}
	return out, nil
}

func (e *logEngine) Count() (int64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return int64(len(e.offsets)), nil
}

func (e *logEngine) CountMatching(pred func(Document) bool) (int64, error) {
	entries := e.sortedOffsets()
	var n int64
	for _, entry := range entries {
		doc, ok, err := e.FindByID(entry.id)
		if err != nil {
			return 0, err
		}
		if ok && pred(doc) {
			n++
		}
	}
	return n, nil
}

func (e *logEngine) Exists(id ID) (bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.offsets[id.String()]
	return ok, nil
}

// Compact rewrites the data file keeping only the latest record per live id.
// Deletion markers and shadowed records are discarded.
func (e *logEngine) Compact() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}

	entries := make([]logOffset, 0, len(e.offsets))
	for _, entry := range e.offsets {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].id.Compare(entries[j].id) < 0 })

	tmpPath := e.file.path + ".compact"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, dataFileMode)
	if err != nil {
		return storageError(err, "open compaction file")
	}
	newOffsets := make(map[string]logOffset, len(entries))
	var pos int64
	for _, entry := range entries {
		_, docBytes, _, err := e.readRecordAt(entry.off)
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return storageError(err, "read record during compaction")
		}
		rec, err := e.encodeRecord(entry.id, docBytes)
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return err
		}
		if _, err := tmp.Write(rec); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return storageError(err, "write compaction file")
		}
		newOffsets[entry.id.String()] = logOffset{id: entry.id, off: pos}
		pos += int64(len(rec))
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return storageError(err, "fsync compaction file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return storageError(err, "close compaction file")
	}
	if err := e.file.replaceWith(tmpPath); err != nil {
		return storageError(err, "swap compacted file")
	}
	e.offsets = newOffsets
	e.deleted = make(map[string]struct{})
	e.lastCompact = time.Now()
	return nil
}

func (e *logEngine) Stats() (EngineStats, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	size, err := e.file.Size()
	if err != nil {
		return EngineStats{}, storageError(err, "stat data file")
	}
	return EngineStats{
		DocumentCount: int64(len(e.offsets)),
		DiskBytes:     size,
		LastSnapshot:  e.lastCompact,
	}, nil
}

func (e *logEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return e.file.Close()
}
