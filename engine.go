package minileaf

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// Engine is the per-collection storage contract all three engines implement.
// File-backed engines return from mutating calls only after their durability
// guarantees hold.
type Engine interface {
	// Upsert inserts or replaces the document stored under id.
	Upsert(id ID, doc Document) error

	// FindByID returns the document for id, or ok=false when absent.
	FindByID(id ID) (Document, bool, error)

	// UpdateFields applies an operator map to the live document and reports
	// whether id existed.
	UpdateFields(id ID, ops UpdateOps) (bool, error)

	// Delete removes id and returns the prior document, or nil when absent.
	Delete(id ID) (Document, error)

	// FindAll streams every live document in primary (id) order.
	FindAll() ([]Document, error)

	// FindAllPage is FindAll with skip/limit pagination. limit < 0 means
	// unbounded.
	FindAllPage(skip, limit int) ([]Document, error)

	// Count returns the number of live documents.
	Count() (int64, error)

	// CountMatching counts live documents satisfying pred.
	CountMatching(pred func(Document) bool) (int64, error)

	// Exists reports whether id is live.
	Exists(id ID) (bool, error)

	// Compact rewrites the on-disk representation to drop garbage.
	Compact() error

	// Stats reports size and freshness counters.
	Stats() (EngineStats, error)

	// Close flushes, cancels background work, and releases files.
	Close() error
}

// EngineStats is the counter bundle every engine reports.
type EngineStats struct {
	DocumentCount int64
	DiskBytes     int64
	WALBytes      int64
	LastSnapshot  time.Time
}

func (s EngineStats) String() string {
	snap := "never"
	if !s.LastSnapshot.IsZero() {
		snap = s.LastSnapshot.UTC().Format(time.RFC3339)
	}
	return fmt.Sprintf("%d documents, %s on disk, %s of WAL, last snapshot %s",
		s.DocumentCount, humanize.Bytes(uint64(s.DiskBytes)), humanize.Bytes(uint64(s.WALBytes)), snap)
}

// copyDocument deep-copies a document so callers can never mutate engine
// state through a returned or retained reference.
func copyDocument(doc Document) Document {
	if doc == nil {
		return nil
	}
	out := make(Document, len(doc))
	for k, v := range doc {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v Value) Value {
	switch v.kind {
	case KindBinary:
		bin := make([]byte, len(v.bin))
		copy(bin, v.bin)
		return Value{kind: KindBinary, bin: bin}
	case KindArray:
		arr := make([]Value, len(v.arr))
		for i, e := range v.arr {
			arr[i] = copyValue(e)
		}
		return Value{kind: KindArray, arr: arr}
	case KindObject:
		return Value{kind: KindObject, obj: copyDocument(v.obj)}
	default:
		return v
	}
}
