// Package config defines the engine configuration.
//
// Configuration is organized in nested sections mirroring the
// components: storage, WAL, backpressure, checkpointing, query and
// index tuning. DefaultConfig returns production defaults; Load reads
// overrides from a YAML file and LAKEDB_-prefixed environment
// variables via viper.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/kartikbazzad/lakedb/internal/errors"
)

// Config is the root configuration object.
type Config struct {
	// DataDir is the root for filesystem-backed storage and the WAL db.
	DataDir string `mapstructure:"data_dir"`

	Storage      StorageConfig      `mapstructure:"storage"`
	WAL          WALConfig          `mapstructure:"wal"`
	Backpressure BackpressureConfig `mapstructure:"backpressure"`
	Checkpoint   CheckpointConfig   `mapstructure:"checkpoint"`
	Query        QueryConfig        `mapstructure:"query"`
	Index        IndexConfig        `mapstructure:"index"`
	Log          LogConfig          `mapstructure:"log"`
}

// StorageConfig selects and tunes the storage backend.
type StorageConfig struct {
	// Backend is one of: memory, filesystem, s3, sqlite.
	Backend string `mapstructure:"backend"`

	// S3 settings (backend=s3).
	Bucket   string `mapstructure:"bucket"`
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`

	// SQLitePath is the database file (backend=sqlite).
	SQLitePath string `mapstructure:"sqlite_path"`
}

// WALConfig tunes the event buffer manager.
type WALConfig struct {
	// Path of the durable WAL database. Empty derives from DataDir for
	// the filesystem backend and uses an in-memory database otherwise.
	Path string `mapstructure:"path"`

	EventBatchCountThreshold int `mapstructure:"event_batch_count_threshold"`
	EventBatchSizeThreshold  int `mapstructure:"event_batch_size_threshold"`

	// FlushInterval forces a periodic flush of partial buffers.
	// Zero disables the timer; thresholds still apply.
	FlushInterval time.Duration `mapstructure:"flush_interval"`

	// Retention is how long flushed batches are kept before
	// materialization prunes them. Zero never prunes them.
	Retention time.Duration `mapstructure:"retention"`
}

// BackpressureConfig bounds buffered memory under sustained load.
type BackpressureConfig struct {
	MaxBufferSizeBytes  int64         `mapstructure:"max_buffer_size_bytes"`
	MaxBufferEventCount int           `mapstructure:"max_buffer_event_count"`
	MaxPendingFlushes   int           `mapstructure:"max_pending_flushes"`
	ReleaseThreshold    float64       `mapstructure:"release_threshold"`
	Timeout             time.Duration `mapstructure:"timeout"` // 0 = no timeout
}

// CheckpointConfig controls Delta-log checkpointing.
type CheckpointConfig struct {
	// Interval is the commit count between checkpoints. 0 disables.
	Interval int64 `mapstructure:"interval"`
}

// QueryConfig tunes the planner/executor.
type QueryConfig struct {
	MaxConcurrentScans int `mapstructure:"max_concurrent_scans"`
	StatsCacheSize     int `mapstructure:"stats_cache_size"`
}

// IndexConfig tunes secondary indexes.
type IndexConfig struct {
	// AutoDetectThreshold is the sampled-occurrence count at which a
	// variant field is promoted to a shredded column.
	AutoDetectThreshold int `mapstructure:"auto_detect_threshold"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	JSONOutput bool   `mapstructure:"json_output"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "lakedb-data",
		Storage: StorageConfig{
			Backend: "filesystem",
		},
		WAL: WALConfig{
			EventBatchCountThreshold: 100,
			EventBatchSizeThreshold:  64 * 1024,
			FlushInterval:            0,
			Retention:                time.Hour,
		},
		Backpressure: BackpressureConfig{
			MaxBufferSizeBytes:  1_048_576,
			MaxBufferEventCount: 1000,
			MaxPendingFlushes:   10,
			ReleaseThreshold:    0.8,
			Timeout:             30 * time.Second,
		},
		Checkpoint: CheckpointConfig{
			Interval: 10,
		},
		Query: QueryConfig{
			MaxConcurrentScans: 4,
			StatsCacheSize:     256,
		},
		Index: IndexConfig{
			AutoDetectThreshold: 10,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads a config file and environment overrides on top of defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("LAKEDB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrap(err, errors.CodeConfigurationError, "reading config file")
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, errors.CodeConfigurationError, "unmarshaling config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Backpressure.ReleaseThreshold <= 0 || c.Backpressure.ReleaseThreshold > 1 {
		return errors.Newf(errors.CodeConfigurationError,
			"backpressure release threshold %v outside (0,1]", c.Backpressure.ReleaseThreshold)
	}
	if c.WAL.EventBatchCountThreshold <= 0 {
		return errors.New(errors.CodeConfigurationError, "event batch count threshold must be positive")
	}
	if c.WAL.EventBatchSizeThreshold <= 0 {
		return errors.New(errors.CodeConfigurationError, "event batch size threshold must be positive")
	}
	if c.Checkpoint.Interval < 0 {
		return errors.New(errors.CodeConfigurationError, "checkpoint interval must be >= 0")
	}
	switch c.Storage.Backend {
	case "memory", "filesystem", "s3", "sqlite":
	default:
		return errors.Newf(errors.CodeConfigurationError, "unknown storage backend %q", c.Storage.Backend)
	}
	return nil
}
