package minileaf

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

const (
	collectionsDirName = "collections"
	manifestFileName   = "manifest.json"
)

// Store is the top-level handle: it owns the data directory, the manifest
// pinning each collection to its id kind, and every open collection.
type Store struct {
	cfg    Config
	logger *zap.Logger

	mu          sync.Mutex
	collections map[string]*Collection
	manifest    map[string]string // collection name -> id kind
	closed      bool
}

// Open prepares the data directory and loads the collection manifest. With
// memory_only set no files are touched until a collection is opened, and
// none are even then.
func Open(cfg Config) (*Store, error) {
	cfg = cfg.normalized()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	s := &Store{
		cfg:         cfg,
		logger:      cfg.Logger,
		collections: make(map[string]*Collection),
		manifest:    make(map[string]string),
	}
	if cfg.MemoryOnly {
		return s, nil
	}
	if err := os.MkdirAll(filepath.Join(cfg.DataDir, collectionsDirName), 0o755); err != nil {
		return nil, storageError(err, "create data directory")
	}
	if err := s.loadManifest(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) manifestPath() string {
	return filepath.Join(s.cfg.DataDir, manifestFileName)
}

func (s *Store) loadManifest() error {
	data, err := os.ReadFile(s.manifestPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return storageError(err, "read manifest")
	}
	if err := json.Unmarshal(data, &s.manifest); err != nil {
		return storageError(err, "decode manifest")
	}
	return nil
}

func (s *Store) saveManifest() error {
	data, err := json.MarshalIndent(s.manifest, "", "  ")
	if err != nil {
		return storageError(err, "encode manifest")
	}
	return writeFileAtomic(s.manifestPath(), data)
}

// Collection opens (or creates) a named collection with the given id kind.
// The kind is fixed at first use: reopening with a different kind fails with
// ErrIDTypeMismatch, including across process restarts.
func (s *Store) Collection(name string, idKind IDKind) (*Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrEngineClosed
	}
	if coll, ok := s.collections[name]; ok {
		if coll.idKind != idKind {
			return nil, idTypeMismatchError(name, coll.idKind, idKind)
		}
		return coll, nil
	}
	if recorded, ok := s.manifest[name]; ok && recorded != idKind.String() {
		existing, err := parseIDKind(recorded)
		if err != nil {
			return nil, err
		}
		return nil, idTypeMismatchError(name, existing, idKind)
	}

	engine, err := s.openEngine(name, idKind)
	if err != nil {
		return nil, err
	}
	coll := newCollection(name, idKind, engine, s.cfg)
	s.collections[name] = coll

	if !s.cfg.MemoryOnly {
		s.manifest[name] = idKind.String()
		if err := s.saveManifest(); err != nil {
			coll.Close()
			delete(s.collections, name)
			delete(s.manifest, name)
			return nil, err
		}
	}
	return coll, nil
}

// openEngine selects the engine per config: memory_only wins, a positive
// cache_size selects the LRU+log engine, everything else gets WAL+snapshot.
func (s *Store) openEngine(name string, idKind IDKind) (Engine, error) {
	if s.cfg.MemoryOnly {
		return newMemoryEngine(), nil
	}
	dir := filepath.Join(s.cfg.DataDir, collectionsDirName)
	if s.cfg.CacheSize > 0 {
		return openLogEngine(filepath.Join(dir, name+".data"), idKind, s.cfg)
	}
	return openWALEngine(
		filepath.Join(dir, name+".wal"),
		filepath.Join(dir, name+".snapshot"),
		idKind, s.cfg)
}

func parseIDKind(s string) (IDKind, error) {
	for _, k := range []IDKind{IDObjectID, IDUUID, IDText, IDInt64} {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, errors.Newf("unknown id kind %q in manifest", s)
}

// CollectionNames lists every collection known to the store, open or not.
func (s *Store) CollectionNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	var names []string
	for name := range s.collections {
		seen[name] = struct{}{}
		names = append(names, name)
	}
	for name := range s.manifest {
		if _, ok := seen[name]; !ok {
			names = append(names, name)
		}
	}
	return names
}

// Close closes every open collection. The first error is returned, but
// every collection is attempted.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var firstErr error
	for name, coll := range s.collections {
		if err := coll.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "close collection %q", name)
		}
	}
	s.collections = make(map[string]*Collection)
	return firstErr
}
