package minileaf

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/btree"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// walRecordType tags each WAL entry.
const (
	walInsert = "insert"
	walUpdate = "update"
	walDelete = "delete"
)

// walRecord is the JSON envelope of one WAL entry. The document payload is
// msgpack-encoded and base64-wrapped by encoding/json's []byte handling, so
// binary and timestamp leaves survive the JSON envelope.
type walRecord struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	ID        string `json:"id"`
	Document  []byte `json:"document,omitempty"`
}

// snapEntry is one element of the snapshot array.
type snapEntry struct {
	ID  string `msgpack:"_id"`
	Doc []byte `msgpack:"doc"`
}

// maxWALRecordLen bounds the length prefix of encrypted WAL records.
const maxWALRecordLen = 128 << 20

// walEngine keeps the full dataset in memory, mirrored by a snapshot file
// plus a write-ahead log. Every mutation lands in the WAL (fsynced) before
// it touches the in-memory map.
type walEngine struct {
	mu     sync.RWMutex
	tree   *btree.BTreeG[memEntry]
	idKind IDKind

	wal      *gofile
	snapPath string
	walBytes int64
	lastSnap time.Time

	box    *cipherBox
	sync   bool
	logger *zap.Logger

	snapMu    sync.Mutex
	threshold int64
	cancel    context.CancelFunc
	done      chan struct{}
	grace     time.Duration
	closed    bool
}

func openWALEngine(walPath, snapPath string, idKind IDKind, cfg Config) (*walEngine, error) {
	var box *cipherBox
	if cfg.EncryptionKey != nil {
		var err error
		box, err = newCipherBox(cfg.EncryptionKey)
		if err != nil {
			return nil, err
		}
	}
	e := &walEngine{
		tree:      btree.NewG(16, memLess),
		idKind:    idKind,
		snapPath:  snapPath,
		box:       box,
		sync:      cfg.SyncOnWrite,
		logger:    cfg.Logger,
		threshold: cfg.WALMaxBytesBeforeSnapshot,
		grace:     cfg.ShutdownGrace,
	}
	if err := e.loadSnapshot(); err != nil {
		return nil, err
	}
	wal, err := openGofile(walPath)
	if err != nil {
		return nil, storageError(err, "open wal")
	}
	e.wal = wal
	if err := e.replayWAL(); err != nil {
		wal.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.snapshotLoop(ctx, cfg.snapshotCadence())
	return e, nil
}

func (e *walEngine) loadSnapshot() error {
	data, err := os.ReadFile(e.snapPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return storageError(err, "read snapshot")
	}
	if len(data) == 0 {
		return nil
	}
	if e.box != nil {
		data, err = e.box.Open(data)
		if err != nil {
			return storageError(err, "decrypt snapshot")
		}
	}
	var entries []snapEntry
	if err := msgpack.Unmarshal(data, &entries); err != nil {
		return storageError(err, "decode snapshot")
	}
	for _, se := range entries {
		id, err := variantFor(e.idKind, "").Parse(se.ID)
		if err != nil {
			e.logger.Warn("skipping snapshot entry with unparseable id",
				zap.String("id", se.ID), zap.Error(err))
			continue
		}
		doc, err := DecodeDocument(se.Doc)
		if err != nil {
			e.logger.Warn("skipping snapshot entry with unparseable document",
				zap.String("id", se.ID), zap.Error(err))
			continue
		}
		e.tree.ReplaceOrInsert(memEntry{id: id, doc: doc})
	}
	if info, err := os.Stat(e.snapPath); err == nil {
		e.lastSnap = info.ModTime()
	}
	return nil
}

// replayWAL applies every recoverable WAL record to the in-memory map.
// Encrypted records are length-framed, so one bad record is skipped and
// replay continues; unframed JSON lines stop at the first corruption since a
// torn line leaves no trustworthy boundary for what follows.
func (e *walEngine) replayWAL() error {
	size, err := e.wal.Size()
	if err != nil {
		return storageError(err, "stat wal")
	}
	e.walBytes = size
	if size == 0 {
		return nil
	}
	raw := make([]byte, size)
	if _, err := e.wal.ReadAt(raw, 0); err != nil && err != io.EOF {
		return storageError(err, "read wal")
	}

	if e.box != nil {
		r := bytes.NewReader(raw)
		for {
			sealed, err := readFramed(r, maxWALRecordLen)
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				e.logger.Warn("stopping wal replay at truncated frame", zap.Error(err))
				return nil
			}
			plain, err := e.box.Open(sealed)
			if err != nil {
				e.logger.Warn("skipping undecryptable wal record", zap.Error(err))
				continue
			}
			e.applyWALLine(plain)
		}
	}

	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 64<<10), maxWALRecordLen)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if !e.applyWALLine(line) {
			e.logger.Warn("stopping wal replay at first corrupt line")
			return nil
		}
	}
	return nil
}

func (e *walEngine) applyWALLine(line []byte) bool {
	var rec walRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		e.logger.Warn("unparseable wal record", zap.Error(err))
		return false
	}
	id, err := variantFor(e.idKind, "").Parse(rec.ID)
	if err != nil {
		e.logger.Warn("wal record with unparseable id", zap.String("id", rec.ID), zap.Error(err))
		return false
	}
	switch rec.Type {
	case walInsert, walUpdate:
		doc, err := DecodeDocument(rec.Document)
		if err != nil {
			e.logger.Warn("wal record with unparseable document", zap.String("id", rec.ID), zap.Error(err))
			return false
		}
		e.tree.ReplaceOrInsert(memEntry{id: id, doc: doc})
	case walDelete:
		e.tree.Delete(memEntry{id: id})
	default:
		e.logger.Warn("wal record with unknown type", zap.String("type", rec.Type))
		return false
	}
	return true
}

// appendWAL durably logs one record. Called with the engine write lock held;
// the in-memory map is untouched when this fails.
func (e *walEngine) appendWAL(recType string, id ID, doc Document) error {
	rec := walRecord{
		Type:      recType,
		Timestamp: time.Now().UnixMilli(),
		ID:        id.String(),
	}
	if doc != nil {
		enc, err := EncodeDocument(doc)
		if err != nil {
			return err
		}
		rec.Document = enc
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return storageError(err, "encode wal record")
	}

	var payload []byte
	if e.box != nil {
		sealed, err := e.box.Seal(line)
		if err != nil {
			return storageError(err, "encrypt wal record")
		}
		var buf bytes.Buffer
		if err := writeFramed(&buf, sealed); err != nil {
			return storageError(err, "frame wal record")
		}
		payload = buf.Bytes()
	} else {
		payload = append(line, '\n')
	}

	if _, err := e.wal.Append(payload, e.sync); err != nil {
		return storageError(err, "append wal")
	}
	e.walBytes += int64(len(payload))
	return nil
}

func (e *walEngine) Upsert(id ID, doc Document) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	recType := walInsert
	if e.tree.Has(memEntry{id: id}) {
		recType = walUpdate
	}
	stored := copyDocument(doc)
	if err := e.appendWAL(recType, id, stored); err != nil {
		e.mu.Unlock()
		return err
	}
	e.tree.ReplaceOrInsert(memEntry{id: id, doc: stored})
	over := e.walBytes > e.threshold
	e.mu.Unlock()
	if over {
		e.maybeSnapshot()
	}
	return nil
}

func (e *walEngine) FindByID(id ID) (Document, bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	entry, ok := e.tree.Get(memEntry{id: id})
	if !ok {
		return nil, false, nil
	}
	return copyDocument(entry.doc), true, nil
}

func (e *walEngine) UpdateFields(id ID, ops UpdateOps) (bool, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false, ErrEngineClosed
	}
	entry, ok := e.tree.Get(memEntry{id: id})
	if !ok {
		e.mu.Unlock()
		return false, nil
	}
	doc := copyDocument(entry.doc)
	if err := applyUpdate(doc, ops); err != nil {
		e.mu.Unlock()
		return true, err
	}
	if err := e.appendWAL(walUpdate, id, doc); err != nil {
		e.mu.Unlock()
		return true, err
	}
	e.tree.ReplaceOrInsert(memEntry{id: id, doc: doc})
	over := e.walBytes > e.threshold
	e.mu.Unlock()
	if over {
		e.maybeSnapshot()
	}
	return true, nil
}

func (e *walEngine) Delete(id ID) (Document, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrEngineClosed
	}
	entry, ok := e.tree.Get(memEntry{id: id})
	if !ok {
		return nil, nil
	}
	if err := e.appendWAL(walDelete, id, nil); err != nil {
		return nil, err
	}
	e.tree.Delete(memEntry{id: id})
	return entry.doc, nil
}

func (e *walEngine) FindAll() ([]Document, error) { return e.FindAllPage(0, -1) }

func (e *walEngine) FindAllPage(skip, limit int) ([]Document, error) {
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

func (e *walEngine) Count() (int64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return int64(e.tree.Len()), nil
}

func (e *walEngine) CountMatching(pred func(Document) bool) (int64, error) {
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

func (e *walEngine) Exists(id ID) (bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tree.Has(memEntry{id: id}), nil
}

// Compact for the WAL engine is a forced snapshot: the snapshot file becomes
// the whole state and the WAL is truncated.
func (e *walEngine) Compact() error { return e.snapshot() }

func (e *walEngine) Stats() (EngineStats, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var snapBytes int64
	if info, err := os.Stat(e.snapPath); err == nil {
		snapBytes = info.Size()
	}
	return EngineStats{
		DocumentCount: int64(e.tree.Len()),
		DiskBytes:     snapBytes,
		WALBytes:      e.walBytes,
		LastSnapshot:  e.lastSnap,
	}, nil
}

// maybeSnapshot runs a snapshot unless one is already in flight.
func (e *walEngine) maybeSnapshot() {
	if !e.snapMu.TryLock() {
		return
	}
	defer e.snapMu.Unlock()
	if err := e.snapshotLocked(); err != nil {
		e.logger.Error("size-triggered snapshot failed", zap.Error(err))
	}
}

func (e *walEngine) snapshot() error {
	e.snapMu.Lock()
	defer e.snapMu.Unlock()
	return e.snapshotLocked()
}

// snapshotLocked serializes the live map, atomically replaces the snapshot
// file, and truncates the WAL. It holds the engine read lock throughout so
// writers (which need the write lock) cannot slip a mutation between the
// serialize and the truncate.
func (e *walEngine) snapshotLocked() error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	entries := make([]snapEntry, 0, e.tree.Len())
	var encodeErr error
	e.tree.Ascend(func(entry memEntry) bool {
		enc, err := EncodeDocument(entry.doc)
		if err != nil {
			encodeErr = err
			return false
		}
		entries = append(entries, snapEntry{ID: entry.id.String(), Doc: enc})
		return true
	})
	if encodeErr != nil {
		return encodeErr
	}
	data, err := msgpack.Marshal(entries)
	if err != nil {
		return storageError(err, "encode snapshot")
	}
	if e.box != nil {
		data, err = e.box.Seal(data)
		if err != nil {
			return storageError(err, "encrypt snapshot")
		}
	}
	if err := writeFileAtomic(e.snapPath, data); err != nil {
		return storageError(err, "write snapshot")
	}
	if err := e.wal.Truncate(); err != nil {
		return storageError(err, "truncate wal")
	}
	e.walBytes = 0
	e.lastSnap = time.Now()
	return nil
}

func (e *walEngine) snapshotLoop(ctx context.Context, interval time.Duration) {
	defer close(e.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.snapshot(); err != nil {
				e.logger.Error("periodic snapshot failed", zap.Error(err))
			}
		}
	}
}

// Close stops the snapshotter (bounded by the shutdown grace period),
// attempts a final snapshot, and releases the WAL file.
func (e *walEngine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	select {
	case <-e.done:
	case <-time.After(e.grace):
		e.logger.Warn("snapshotter did not stop within shutdown grace period")
	}
	if err := e.snapshot(); err != nil {
		e.logger.Error("final snapshot on close failed", zap.Error(err))
	}
	return e.wal.Close()
}
