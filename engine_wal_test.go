package minileaf

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func walTestPaths(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "c.wal"), filepath.Join(dir, "c.snapshot")
}

func openTestWAL(t *testing.T, walPath, snapPath string, mutate func(*Config)) *walEngine {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := openWALEngine(walPath, snapPath, IDText, cfg)
	require.NoError(t, err)
	return e
}

func TestWALEngineRecoversFromLog(t *testing.T) {
	walPath, snapPath := walTestPaths(t)
	e := openTestWAL(t, walPath, snapPath, nil)
	require.NoError(t, e.Upsert(textID(t, "a"), Document{"_id": Text("a"), "v": Int(1)}))
	require.NoError(t, e.Upsert(textID(t, "b"), Document{"_id": Text("b"), "v": Int(2)}))
	_, err := e.Delete(textID(t, "a"))
	require.NoError(t, err)
	// Crash: no Close, no final snapshot. Recovery replays the WAL alone.

	re := openTestWAL(t, walPath, snapPath, nil)
	defer re.Close()
	_, ok, err := re.FindByID(textID(t, "a"))
	require.NoError(t, err)
	assert.False(t, ok, "deleted id must not resurrect")
	doc, ok, err := re.FindByID(textID(t, "b"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), doc["v"].IntVal())
}

func TestWALEngineSnapshotTruncatesWAL(t *testing.T) {
	walPath, snapPath := walTestPaths(t)
	e := openTestWAL(t, walPath, snapPath, nil)
	for _, s := range []string{"a", "b", "c"} {
		require.NoError(t, e.Upsert(textID(t, s), Document{"_id": Text(s)}))
	}
	require.NoError(t, e.Compact())

	stats, err := e.Stats()
	require.NoError(t, err)
	assert.Zero(t, stats.WALBytes)
	assert.False(t, stats.LastSnapshot.IsZero())
	info, err := os.Stat(snapPath)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
	require.NoError(t, e.Close())

	// Recovery now comes from the snapshot, with an empty WAL.
	re := openTestWAL(t, walPath, snapPath, nil)
	defer re.Close()
	n, err := re.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestWALEngineSizeTriggeredSnapshot(t *testing.T) {
	walPath, snapPath := walTestPaths(t)
	e := openTestWAL(t, walPath, snapPath, func(cfg *Config) {
		cfg.WALMaxBytesBeforeSnapshot = 1 // every write crosses the threshold
	})
	defer e.Close()
	require.NoError(t, e.Upsert(textID(t, "a"), Document{"_id": Text("a")}))

	assert.Eventually(t, func() bool {
		stats, err := e.Stats()
		return err == nil && !stats.LastSnapshot.IsZero()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWALEngineFinalSnapshotOnClose(t *testing.T) {
	walPath, snapPath := walTestPaths(t)
	e := openTestWAL(t, walPath, snapPath, nil)
	require.NoError(t, e.Upsert(textID(t, "a"), Document{"_id": Text("a")}))
	require.NoError(t, e.Close())

	info, err := os.Stat(snapPath)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}

func TestWALEngineEncrypted(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	walPath, snapPath := walTestPaths(t)
	withKey := func(cfg *Config) { cfg.EncryptionKey = key }

	e := openTestWAL(t, walPath, snapPath, withKey)
	require.NoError(t, e.Upsert(textID(t, "secret"), Document{"_id": Text("secret"), "v": Text("classified")}))
	// Crash before any snapshot: replay decrypts record by record.

	re := openTestWAL(t, walPath, snapPath, withKey)
	doc, ok, err := re.FindByID(textID(t, "secret"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "classified", doc["v"].TextVal())
	require.NoError(t, re.Close())

	// The snapshot written on close must also be opaque ciphertext.
	raw, err := os.ReadFile(snapPath)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "classified")
}

func TestWALEngineSkipsCorruptEncryptedRecord(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	walPath, snapPath := walTestPaths(t)
	withKey := func(cfg *Config) { cfg.EncryptionKey = key }

	e := openTestWAL(t, walPath, snapPath, withKey)
	require.NoError(t, e.Upsert(textID(t, "a"), Document{"_id": Text("a")}))
	require.NoError(t, e.Upsert(textID(t, "b"), Document{"_id": Text("b")}))
	require.NoError(t, e.Upsert(textID(t, "c"), Document{"_id": Text("c")}))

	// Flip a byte inside the middle record's ciphertext. Length framing
	// keeps the surrounding records recoverable.
	raw, err := os.ReadFile(walPath)
	require.NoError(t, err)
	raw[len(raw)/2] ^= 0xff
	require.NoError(t, os.WriteFile(walPath, raw, 0o644))

	re := openTestWAL(t, walPath, snapPath, withKey)
	defer re.Close()
	n, err := re.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "one corrupt record skipped, two replayed")
}

func TestWALEngineStopsAtCorruptPlaintextLine(t *testing.T) {
	walPath, snapPath := walTestPaths(t)
	e := openTestWAL(t, walPath, snapPath, nil)
	require.NoError(t, e.Upsert(textID(t, "a"), Document{"_id": Text("a")}))
	require.NoError(t, e.Upsert(textID(t, "b"), Document{"_id": Text("b")}))

	// Corrupt the first line: unframed replay must stop there, dropping
	// both records rather than trusting anything past the damage.
	raw, err := os.ReadFile(walPath)
	require.NoError(t, err)
	raw[1] = 0x00
	require.NoError(t, os.WriteFile(walPath, raw, 0o644))

	re := openTestWAL(t, walPath, snapPath, nil)
	defer re.Close()
	n, err := re.Count()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWALEngineUpdateFieldsDurability(t *testing.T) {
	walPath, snapPath := walTestPaths(t)
	e := openTestWAL(t, walPath, snapPath, nil)
	require.NoError(t, e.Upsert(textID(t, "a"), Document{"_id": Text("a"), "n": Int(1)}))
	existed, err := e.UpdateFields(textID(t, "a"), UpdateOps{opInc: {"n": Int(10)}})
	require.NoError(t, err)
	assert.True(t, existed)

	re := openTestWAL(t, walPath, snapPath, nil)
	defer re.Close()
	doc, ok, err := re.FindByID(textID(t, "a"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(11), doc["n"].IntVal())
}
