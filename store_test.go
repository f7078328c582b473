package minileaf

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreIDKindFixedAtBirth(t *testing.T) {
	s := memStore(t, nil)
	_, err := s.Collection("users", IDText)
	require.NoError(t, err)

	_, err = s.Collection("users", IDInt64)
	assert.True(t, errors.Is(err, ErrIDTypeMismatch))

	// Same kind returns the same handle.
	again, err := s.Collection("users", IDText)
	require.NoError(t, err)
	assert.NotNil(t, again)
}

func TestStoreIDKindMismatchSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.DataDir = dir

	s, err := Open(cfg)
	require.NoError(t, err)
	_, err = s.Collection("users", IDUUID)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	re, err := Open(cfg)
	require.NoError(t, err)
	defer re.Close()
	_, err = re.Collection("users", IDInt64)
	assert.True(t, errors.Is(err, ErrIDTypeMismatch),
		"the manifest must remember the id kind across restarts")
	_, err = re.Collection("users", IDUUID)
	require.NoError(t, err)
}

func TestStoreEngineSelection(t *testing.T) {
	dir := t.TempDir()

	walCfg := DefaultConfig()
	walCfg.DataDir = filepath.Join(dir, "wal")
	s, err := Open(walCfg)
	require.NoError(t, err)
	coll, err := s.Collection("c", IDText)
	require.NoError(t, err)
	_, err = coll.SaveDocument(Document{"_id": Text("a")})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	_, err = os.Stat(filepath.Join(walCfg.DataDir, "collections", "c.wal"))
	assert.NoError(t, err, "default config selects the WAL+snapshot engine")

	logCfg := DefaultConfig()
	logCfg.DataDir = filepath.Join(dir, "log")
	logCfg.CacheSize = 100
	s2, err := Open(logCfg)
	require.NoError(t, err)
	coll2, err := s2.Collection("c", IDText)
	require.NoError(t, err)
	_, err = coll2.SaveDocument(Document{"_id": Text("a")})
	require.NoError(t, err)
	require.NoError(t, s2.Close())
	_, err = os.Stat(filepath.Join(logCfg.DataDir, "collections", "c.data"))
	assert.NoError(t, err, "cache_size selects the LRU+log engine")
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.DataDir = dir

	s, err := Open(cfg)
	require.NoError(t, err)
	coll, err := s.Collection("notes", IDInt64)
	require.NoError(t, err)
	saved, err := coll.SaveDocument(Document{"body": Text("remember this")})
	require.NoError(t, err)
	id, ok := ExtractID(saved, IDInt64)
	require.True(t, ok)
	require.NoError(t, s.Close())

	re, err := Open(cfg)
	require.NoError(t, err)
	defer re.Close()
	coll, err = re.Collection("notes", IDInt64)
	require.NoError(t, err)
	doc, found, err := coll.FindByID(id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "remember this", doc["body"].TextVal())
}

func TestStoreRejectsBadEncryptionKey(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MemoryOnly = true
	cfg.EncryptionKey = []byte("not 32 bytes")
	_, err := Open(cfg)
	assert.Error(t, err)
}

func TestStoreCollectionNames(t *testing.T) {
	s := memStore(t, nil)
	_, err := s.Collection("a", IDText)
	require.NoError(t, err)
	_, err = s.Collection("b", IDInt64)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, s.CollectionNames())
}

func TestLoadConfigFromViper(t *testing.T) {
	v := viper.New()
	v.Set("data_dir", "/tmp/minileaf-test")
	v.Set("cache_size", 500)
	v.Set("sync_on_write", false)
	v.Set("max_document_size", 1024)

	cfg, err := LoadConfig(v)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/minileaf-test", cfg.DataDir)
	assert.Equal(t, 500, cfg.CacheSize)
	assert.False(t, cfg.SyncOnWrite)
	assert.Equal(t, 1024, cfg.MaxDocumentSize)
	// Untouched knobs fall back to defaults.
	assert.Equal(t, defaultWALMaxBytes, int(cfg.WALMaxBytesBeforeSnapshot))
	assert.Equal(t, defaultShutdownGrace, cfg.ShutdownGrace)
	assert.NotNil(t, cfg.Logger)
}
