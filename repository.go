package minileaf

import (
	"github.com/cockroachdb/errors"
)

// Codec converts between a caller's entity type and the document
// representation. The store never hardcodes a mapping strategy.
type Codec[T any] interface {
	Encode(entity T) (Document, error)
	Decode(doc Document) (T, error)
}

// Repository is the per-typed-entity entry point over one collection: id
// assignment, the size cap, and index fan-out all happen on its write path.
type Repository[T any] struct {
	coll  *Collection
	codec Codec[T]
}

// NewRepository binds a codec to a collection.
func NewRepository[T any](coll *Collection, codec Codec[T]) *Repository[T] {
	return &Repository[T]{coll: coll, codec: codec}
}

// Save encodes the entity, persists it through the collection's write
// pipeline, and decodes the final document back so the caller sees the
// assigned id.
func (r *Repository[T]) Save(entity T) (T, error) {
	var zero T
	doc, err := r.codec.Encode(entity)
	if err != nil {
		return zero, codecError(err, "encode entity")
	}
	saved, err := r.coll.SaveDocument(doc)
	if err != nil {
		return zero, err
	}
	out, err := r.codec.Decode(saved)
	if err != nil {
		return zero, codecError(err, "decode saved document")
	}
	return out, nil
}

// SaveAll folds Save over the list. Not transactional across entries: the
// first failure aborts with the already-saved prefix committed.
func (r *Repository[T]) SaveAll(entities []T) ([]T, error) {
	out := make([]T, 0, len(entities))
	for i, entity := range entities {
		saved, err := r.Save(entity)
		if err != nil {
			return out, errors.Wrapf(err, "save entry %d", i)
		}
		out = append(out, saved)
	}
	return out, nil
}

// FindByID returns the entity for id, or ok=false when absent.
func (r *Repository[T]) FindByID(id ID) (T, bool, error) {
	var zero T
	doc, ok, err := r.coll.FindByID(id)
	if err != nil || !ok {
		return zero, false, err
	}
	entity, err := r.codec.Decode(doc)
	if err != nil {
		return zero, false, codecError(err, "decode document")
	}
	return entity, true, nil
}

// DeleteByID removes id and reports whether it existed.
func (r *Repository[T]) DeleteByID(id ID) (bool, error) {
	prior, err := r.coll.DeleteByID(id)
	if err != nil {
		return prior != nil, err
	}
	return prior != nil, nil
}

// FindAll returns every entity in primary order.
func (r *Repository[T]) FindAll() ([]T, error) {
	docs, err := r.coll.FindAll()
	if err != nil {
		return nil, err
	}
	return r.decodeAll(docs)
}

// FindAllPage is FindAll with skip/limit pagination.
func (r *Repository[T]) FindAllPage(skip, limit int) ([]T, error) {
	docs, err := r.coll.FindAllPage(skip, limit)
	if err != nil {
		return nil, err
	}
	return r.decodeAll(docs)
}

// Find streams storage, applies filter, then paginates.
func (r *Repository[T]) Find(filter Filter, skip, limit int) ([]T, error) {
	docs, err := r.coll.Find(filter, skip, limit)
	if err != nil {
		return nil, err
	}
	return r.decodeAll(docs)
}

// UpdateByID applies a partial-update operator map. Indexes are not
// maintained on this path; they catch up on the next full Save.
func (r *Repository[T]) UpdateByID(id ID, ops UpdateOps) (bool, error) {
	return r.coll.UpdateByID(id, ops)
}

// Exists reports whether id is present.
func (r *Repository[T]) Exists(id ID) (bool, error) { return r.coll.Exists(id) }

// Count returns the number of stored entities.
func (r *Repository[T]) Count() (int64, error) { return r.coll.Count() }

// CountFilter counts matches, answering single-equality filters from a
// usable index in log time.
func (r *Repository[T]) CountFilter(filter Filter) (int64, error) {
	return r.coll.CountFilter(filter)
}

// FindByEnumField prefers a hash secondary index on field, falling back to
// streaming.
func (r *Repository[T]) FindByEnumField(field string, value Value) ([]T, error) {
	docs, err := r.coll.FindByEnumField(field, value)
	if err != nil {
		return nil, err
	}
	return r.decodeAll(docs)
}

// FindByRange prefers an ordered secondary on field, falling back to
// streaming. Bounds are inclusive.
func (r *Repository[T]) FindByRange(field string, min, max Value) ([]T, error) {
	docs, err := r.coll.FindByRange(field, min, max)
	if err != nil {
		return nil, err
	}
	return r.decodeAll(docs)
}

func (r *Repository[T]) decodeAll(docs []Document) ([]T, error) {
	out := make([]T, 0, len(docs))
	for _, doc := range docs {
		entity, err := r.codec.Decode(doc)
		if err != nil {
			return nil, codecError(err, "decode document")
		}
		out = append(out, entity)
	}
	return out, nil
}

// DocumentCodec is the identity codec for callers working with raw
// documents.
type DocumentCodec struct{}

func (DocumentCodec) Encode(doc Document) (Document, error) { return doc, nil }
func (DocumentCodec) Decode(doc Document) (Document, error) { return doc, nil }
