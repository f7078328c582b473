package minileaf

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// ttlEntry records when a document's tracked timestamp field said it was
// born (or last refreshed).
type ttlEntry struct {
	id ID
	at int64 // epoch-ms
}

// ttlIndex tracks one timestamp field per id and drives the background
// expiration sweep. It is not queryable; its only output is the expiration
// callback invoked by sweep.
type ttlIndex struct {
	mu          sync.RWMutex
	name        string
	field       IndexField
	expireAfter int64 // milliseconds
	entries     map[string]ttlEntry
	logger      *zap.Logger
}

func newTTLIndex(name string, field IndexField, expireAfterMs int64, logger *zap.Logger) *ttlIndex {
	return &ttlIndex{
		name:        name,
		field:       field,
		expireAfter: expireAfterMs,
		entries:     make(map[string]ttlEntry),
		logger:      logger,
	}
}

func (x *ttlIndex) Name() string         { return x.name }
func (x *ttlIndex) Fields() []IndexField { return []IndexField{x.field} }

func (x *ttlIndex) Size() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.entries)
}

// record tracks the document's timestamp field, accepting any stored
// representation the temporal coercion rules understand. A document without
// the field (or with an uncoercible value) is not tracked.
func (x *ttlIndex) record(id ID, doc Document) {
	v, ok := GetPath(doc, x.field.Path)
	if !ok {
		x.mu.Lock()
		delete(x.entries, id.String())
		x.mu.Unlock()
		return
	}
	ms, ok := epochMillis(v)
	if !ok {
		x.mu.Lock()
		delete(x.entries, id.String())
		x.mu.Unlock()
		return
	}
	x.mu.Lock()
	x.entries[id.String()] = ttlEntry{id: id, at: ms}
	x.mu.Unlock()
}

func (x *ttlIndex) OnInsert(id ID, doc Document) error {
	x.record(id, doc)
	return nil
}

func (x *ttlIndex) OnUpdate(id ID, _, new Document) error {
	x.record(id, new)
	return nil
}

func (x *ttlIndex) OnRemove(id ID, _ Document) error {
	x.mu.Lock()
	delete(x.entries, id.String())
	x.mu.Unlock()
	return nil
}

// sweep expires every entry whose recorded timestamp plus the TTL is past
// now, invoking onExpire for each. A callback failure is logged and the
// entry retried next sweep, so one bad document cannot stall the sweeper.
func (x *ttlIndex) sweep(now time.Time, onExpire func(ID) error) {
	nowMs := now.UnixMilli()
	x.mu.RLock()
	expired := make([]ttlEntry, 0)
	for _, entry := range x.entries {
		if entry.at+x.expireAfter <= nowMs {
			expired = append(expired, entry)
		}
	}
	x.mu.RUnlock()

	for _, entry := range expired {
		if err := onExpire(entry.id); err != nil {
			x.logger.Warn("ttl expiration callback failed",
				zap.String("index", x.name), zap.String("id", entry.id.String()), zap.Error(err))
			continue
		}
		x.mu.Lock()
		delete(x.entries, entry.id.String())
		x.mu.Unlock()
	}
}
