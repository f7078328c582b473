package minileaf

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config is the full configuration surface of the store. A zero DataDir,
// interval, size limit or Logger means "use the default": Open fills it in
// from DefaultConfig. Boolean knobs are taken as given, so a zero SyncOnWrite
// turns fsync off. The struct is viper-tagged
// so the same decoding path serves files, the environment, and in-process
// maps.
type Config struct {
	// DataDir is the root under which collections/ lives.
	DataDir string `mapstructure:"data_dir"`

	// EncryptionKey, when 32 bytes, enables AEAD encryption of every on-disk
	// record. Nil disables encryption.
	EncryptionKey []byte `mapstructure:"encryption_key"`

	// AutosaveInterval drives the WAL engine's periodic snapshot.
	AutosaveInterval time.Duration `mapstructure:"autosave_interval_ms"`

	// SnapshotInterval is an alias cadence honored alongside AutosaveInterval;
	// whichever is shorter wins.
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval_ms"`

	// WALMaxBytesBeforeSnapshot triggers a snapshot from the write path when
	// the WAL grows past this many bytes.
	WALMaxBytesBeforeSnapshot int64 `mapstructure:"wal_max_bytes_before_snapshot"`

	// MemoryOnly selects the in-memory engine: no files, no durability.
	MemoryOnly bool `mapstructure:"memory_only"`

	// CacheSize, when positive, selects the LRU+log engine with this many
	// documents resident in RAM. Zero selects the WAL+snapshot engine.
	CacheSize int `mapstructure:"cache_size"`

	// SyncOnWrite fsyncs after every write syscall before the in-memory index
	// is updated or the caller unblocks.
	SyncOnWrite bool `mapstructure:"sync_on_write"`

	// MaxDocumentSize rejects documents whose serialized form exceeds this
	// many bytes.
	MaxDocumentSize int `mapstructure:"max_document_size"`

	// BackgroundIndexBuild runs CreateIndex's build iteration off the
	// caller's goroutine.
	BackgroundIndexBuild bool `mapstructure:"background_index_build"`

	// TTLSweepInterval is the cadence of the TTL expiration sweeper.
	TTLSweepInterval time.Duration `mapstructure:"ttl_sweep_interval_ms"`

	// ShutdownGrace bounds how long Close waits for background tasks.
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace_ms"`

	// Logger is injected programmatically, never decoded from config input.
	Logger *zap.Logger `mapstructure:"-"`
}

const (
	defaultAutosaveInterval   = 30 * time.Second
	defaultWALMaxBytes        = 16 << 20
	defaultMaxDocumentSize    = 16 << 20
	defaultTTLSweepInterval   = time.Second
	defaultShutdownGrace      = 5 * time.Second
	defaultDataDir            = "./minileaf-data"
)

// DefaultConfig returns the configuration every knob falls back to.
func DefaultConfig() Config {
	return Config{
		DataDir:                   defaultDataDir,
		AutosaveInterval:          defaultAutosaveInterval,
		SnapshotInterval:          defaultAutosaveInterval,
		WALMaxBytesBeforeSnapshot: defaultWALMaxBytes,
		SyncOnWrite:               true,
		MaxDocumentSize:           defaultMaxDocumentSize,
		TTLSweepInterval:          defaultTTLSweepInterval,
		ShutdownGrace:             defaultShutdownGrace,
		Logger:                    zap.NewNop(),
	}
}

// LoadConfig decodes a Config from a prepared viper instance, layering
// defaults underneath whatever the caller has set or bound.
func LoadConfig(v *viper.Viper) (Config, error) {
	v.SetDefault("data_dir", defaultDataDir)
	v.SetDefault("autosave_interval_ms", defaultAutosaveInterval)
	v.SetDefault("snapshot_interval_ms", defaultAutosaveInterval)
	v.SetDefault("wal_max_bytes_before_snapshot", defaultWALMaxBytes)
	v.SetDefault("memory_only", false)
	v.SetDefault("cache_size", 0)
	v.SetDefault("sync_on_write", true)
	v.SetDefault("max_document_size", defaultMaxDocumentSize)
	v.SetDefault("background_index_build", false)
	v.SetDefault("ttl_sweep_interval_ms", defaultTTLSweepInterval)
	v.SetDefault("shutdown_grace_ms", defaultShutdownGrace)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "decode config")
	}
	cfg.Logger = zap.NewNop()
	return cfg, nil
}

// validate rejects configurations no engine can honor.
func (c *Config) validate() error {
	if c.EncryptionKey != nil && len(c.EncryptionKey) != KeySize {
		return errors.Newf("encryption key must be %d bytes, got %d", KeySize, len(c.EncryptionKey))
	}
	if c.CacheSize < 0 {
		return errors.Newf("cache_size must not be negative, got %d", c.CacheSize)
	}
	if c.MaxDocumentSize <= 0 {
		return errors.Newf("max_document_size must be positive, got %d", c.MaxDocumentSize)
	}
	return nil
}

// normalized fills zero-valued knobs with defaults so engine code never
// branches on "unset".
func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.DataDir == "" {
		c.DataDir = def.DataDir
	}
	if c.AutosaveInterval <= 0 {
		c.AutosaveInterval = def.AutosaveInterval
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = def.SnapshotInterval
	}
	if c.WALMaxBytesBeforeSnapshot <= 0 {
		c.WALMaxBytesBeforeSnapshot = def.WALMaxBytesBeforeSnapshot
	}
	if c.MaxDocumentSize <= 0 {
		c.MaxDocumentSize = def.MaxDocumentSize
	}
	if c.TTLSweepInterval <= 0 {
		c.TTLSweepInterval = def.TTLSweepInterval
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = def.ShutdownGrace
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// snapshotCadence is the effective periodic-snapshot interval.
func (c Config) snapshotCadence() time.Duration {
	if c.SnapshotInterval < c.AutosaveInterval {
		return c.SnapshotInterval
	}
	return c.AutosaveInterval
}
