package minileaf

import (
	"github.com/cockroachdb/errors"
)

const defaultMigrationBatch = 256

// Migrate streams every document from src into dst in fixed-size batches,
// preserving ids and values. dst is not cleared first; existing ids are
// overwritten. Returns the number of documents moved.
func Migrate(src, dst Engine, idKind IDKind, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = defaultMigrationBatch
	}
	var moved int64
	skip := 0
	for {
		batch, err := src.FindAllPage(skip, batchSize)
		if err != nil {
			return moved, errors.Wrap(err, "read migration batch")
		}
		if len(batch) == 0 {
			return moved, nil
		}
		for _, doc := range batch {
			id, ok := ExtractID(doc, idKind)
			if !ok {
				return moved, errors.Newf("document without a parseable %s id encountered during migration", idKind)
			}
			if err := dst.Upsert(id, doc); err != nil {
				return moved, errors.Wrapf(err, "migrate document %s", id)
			}
			moved++
		}
		skip += len(batch)
	}
}
