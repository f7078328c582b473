package minileaf

import (
	"github.com/cockroachdb/errors"
)

// Sentinel error kinds surfaced at the API boundary. Callers match
// with errors.Is through whatever context the engines wrap on top.
var (
	ErrDuplicateKey       = errors.New("duplicate key")
	ErrInvalidQuery       = errors.New("invalid query")
	ErrDocumentTooLarge   = errors.New("document too large")
	ErrCodec              = errors.New("codec failure")
	ErrStorage            = errors.New("storage failure")
	ErrIDTypeMismatch     = errors.New("collection id type mismatch")
	ErrIndexNotFound      = errors.New("index not found")
	ErrIndexAlreadyExists = errors.New("index already exists")
	ErrCorruptedCipher    = errors.New("corrupted ciphertext")
	ErrEngineClosed       = errors.New("engine closed")
)

func duplicateKeyError(indexName string, key string) error {
	return errors.Wrapf(ErrDuplicateKey, "index %q, key %q", indexName, key)
}

func invalidQueryError(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidQuery, format, args...)
}

func documentTooLargeError(size, max int) error {
	return errors.Wrapf(ErrDocumentTooLarge, "%d bytes exceeds cap of %d", size, max)
}

func codecError(err error, context string) error {
	return errors.Wrapf(errors.WithSecondaryError(ErrCodec, err), "%s: %v", context, err)
}

func storageError(err error, context string) error {
	return errors.Wrapf(errors.WithSecondaryError(ErrStorage, err), "%s: %v", context, err)
}

func idTypeMismatchError(name string, existing, requested IDKind) error {
	return errors.Wrapf(ErrIDTypeMismatch, "collection %q holds %s ids, requested %s", name, existing, requested)
}

func indexNotFoundError(name string) error {
	return errors.Wrapf(ErrIndexNotFound, "%q", name)
}

func indexAlreadyExistsError(name string) error {
	return errors.Wrapf(ErrIndexAlreadyExists, "%q", name)
}
