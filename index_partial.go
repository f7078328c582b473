package minileaf

import (
	"go.uber.org/zap"
)

// partialIndex wraps a secondary index and gates membership on a filter: a
// document participates in the inner index only while it matches.
type partialIndex struct {
	inner  Index
	filter Filter
	logger *zap.Logger
}

func newPartialIndex(inner Index, filter Filter, logger *zap.Logger) *partialIndex {
	return &partialIndex{inner: inner, filter: filter, logger: logger}
}

func (x *partialIndex) Name() string         { return x.inner.Name() }
func (x *partialIndex) Fields() []IndexField { return x.inner.Fields() }
func (x *partialIndex) Size() int            { return x.inner.Size() }

func (x *partialIndex) matches(doc Document) bool {
	if doc == nil {
		return false
	}
	ok, err := EvaluateFilter(doc, x.filter)
	if err != nil {
		// A partial filter that fails to evaluate excludes the document.
		x.logger.Warn("partial index filter evaluation failed",
			zap.String("index", x.inner.Name()), zap.Error(err))
		return false
	}
	return ok
}

func (x *partialIndex) OnInsert(id ID, doc Document) error {
	if !x.matches(doc) {
		return nil
	}
	return x.inner.OnInsert(id, doc)
}

// OnUpdate evaluates the new document first: a match propagates as an
// update (which inserts when the id was outside the set); a miss propagates
// as a remove, which the inner index treats as a no-op for untracked ids.
func (x *partialIndex) OnUpdate(id ID, old, new Document) error {
	if x.matches(new) {
		return x.inner.OnUpdate(id, old, new)
	}
	return x.inner.OnRemove(id, old)
}

func (x *partialIndex) OnRemove(id ID, doc Document) error {
	return x.inner.OnRemove(id, doc)
}

// conflictOn gates the inner uniqueness check on the partial filter: a
// document outside the partial set never conflicts.
func (x *partialIndex) conflictOn(id ID, doc Document) (string, bool) {
	if !x.matches(doc) {
		return "", false
	}
	if uc, ok := x.inner.(uniqueChecker); ok {
		return uc.conflictOn(id, doc)
	}
	return "", false
}

// FindEquals delegates to the inner index when it answers equality lookups.
func (x *partialIndex) FindEquals(values map[string]Value) (idSet, error) {
	eq, ok := x.inner.(equalityIndex)
	if !ok {
		return nil, invalidQueryError("index %q does not answer equality lookups", x.Name())
	}
	return eq.FindEquals(values)
}

// FindRange delegates to the inner index when it answers range lookups.
func (x *partialIndex) FindRange(field string, min, max *Value) (idSet, error) {
	r, ok := x.inner.(rangeIndex)
	if !ok {
		return nil, invalidQueryError("index %q does not answer range lookups", x.Name())
	}
	return r.FindRange(field, min, max)
}
