// Package config loads the service configuration from YAML with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/audit"
	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/catalog"
	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/db"
	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/lifecycle"
	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/logging"
	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/mirror"
	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/objectstore"
	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/tables"
)

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	ServerID string `yaml:"server_id"`
	Database string `yaml:"database"`

	Log         logging.Config     `yaml:"log"`
	Metrics     MetricsConfig      `yaml:"metrics"`
	ObjectStore objectstore.Config `yaml:"object_store"`
	Catalog     CatalogConfig      `yaml:"catalog"`
	Lifecycle   lifecycle.Rules    `yaml:"lifecycle"`
	Worker      WorkerConfig       `yaml:"worker"`
	Partition   PartitionConfig    `yaml:"partition"`
	Mirror      mirror.Config      `yaml:"mirror"`
	Audit       audit.Config       `yaml:"audit"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Address   string `yaml:"address"`
	Namespace string `yaml:"namespace"`
}

type CatalogConfig struct {
	MaxCommitAttempts      int  `yaml:"max_commit_attempts"`
	CommitBackoffMillis    int  `yaml:"commit_backoff_millis"`
	MaxCommitBackoffMillis int  `yaml:"max_commit_backoff_millis"`
	FetchConcurrency       int  `yaml:"fetch_concurrency"`
	Checkpoints            bool `yaml:"checkpoints"`
	PruneOnCheckpoint      bool `yaml:"prune_on_checkpoint"`
	OpenAttempts           int  `yaml:"open_attempts"`
	OpenBackoffMillis      int  `yaml:"open_backoff_millis"`
}

type WorkerConfig struct {
	// Concurrency bounds asynchronous lifecycle transitions.
	Concurrency int `yaml:"concurrency"`
	// PersistConcurrency bounds the fan-out of persist-all.
	PersistConcurrency int `yaml:"persist_concurrency"`
}

type PartitionConfig struct {
	Template string `yaml:"template"` // "hour" | "day" | "month"
}

// Default returns the configuration used for absent fields.
func Default() Config {
	return Config{
		ServerID: "1",
		Database: "default",
		Log:      logging.Config{Format: "text", Level: "info"},
		Metrics: MetricsConfig{
			Address:   ":9090",
			Namespace: "chunk_lifecycle",
		},
		ObjectStore: objectstore.Config{
			Backend:  "file",
			LocalDir: "./data",
		},
		Catalog: CatalogConfig{
			MaxCommitAttempts:      10,
			CommitBackoffMillis:    20,
			MaxCommitBackoffMillis: 2000,
			FetchConcurrency:       8,
			OpenAttempts:           3,
			OpenBackoffMillis:      500,
		},
		Worker: WorkerConfig{
			Concurrency:        4,
			PersistConcurrency: 4,
		},
		Partition: PartitionConfig{Template: "hour"},
		Audit:     audit.Config{Dir: "./audit"},
	}
}

// Load reads path over the defaults, applies CHUNK_* environment overrides
// and validates the result. An empty path uses defaults and environment only.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// MustLoad is Load that exits the process on error.
func MustLoad(path string) Config {
	cfg, err := Load(path)
	if err != nil {
		slog.Error("failed to load configuration", "path", path, "error", err)
		os.Exit(1)
	}
	return cfg
}

func applyEnv(cfg *Config) error {
	cfg.ServerID = getenvDefault("CHUNK_SERVER_ID", cfg.ServerID)
	cfg.Database = getenvDefault("CHUNK_DATABASE", cfg.Database)

	cfg.Log.Level = getenvDefault("CHUNK_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getenvDefault("CHUNK_LOG_FORMAT", cfg.Log.Format)

	cfg.Metrics.Address = getenvDefault("CHUNK_METRICS_ADDRESS", cfg.Metrics.Address)

	cfg.ObjectStore.Backend = getenvDefault("CHUNK_STORAGE_BACKEND", cfg.ObjectStore.Backend)
	cfg.ObjectStore.Bucket = getenvDefault("CHUNK_STORAGE_BUCKET", cfg.ObjectStore.Bucket)
	cfg.ObjectStore.Prefix = getenvDefault("CHUNK_STORAGE_PREFIX", cfg.ObjectStore.Prefix)
	cfg.ObjectStore.LocalDir = getenvDefault("CHUNK_LOCAL_DIR", cfg.ObjectStore.LocalDir)
	cfg.ObjectStore.S3Endpoint = getenvDefault("CHUNK_S3_ENDPOINT", cfg.ObjectStore.S3Endpoint)
	cfg.ObjectStore.S3Region = getenvDefault("CHUNK_S3_REGION", cfg.ObjectStore.S3Region)

	cfg.Partition.Template = getenvDefault("CHUNK_PARTITION_TEMPLATE", cfg.Partition.Template)
	cfg.Mirror.PostgresDSN = getenvDefault("CHUNK_MIRROR_DSN", cfg.Mirror.PostgresDSN)
	cfg.Audit.Endpoint = getenvDefault("CHUNK_AUDIT_ENDPOINT", cfg.Audit.Endpoint)
	cfg.Audit.Dir = getenvDefault("CHUNK_AUDIT_DIR", cfg.Audit.Dir)

	var err error
	set := func(dst *bool, key string) {
		if v := os.Getenv(key); v != "" && err == nil {
			*dst, err = parseBool(key, v)
		}
	}
	set(&cfg.Metrics.Enabled, "CHUNK_METRICS_ENABLED")
	set(&cfg.Catalog.Checkpoints, "CHUNK_CATALOG_CHECKPOINTS")
	set(&cfg.Lifecycle.Persist, "CHUNK_PERSIST")
	set(&cfg.Audit.Enabled, "CHUNK_AUDIT_ENABLED")
	if err != nil {
		return err
	}

	for key, dst := range map[string]*uint64{
		"CHUNK_MUTABLE_SIZE_THRESHOLD": &cfg.Lifecycle.MutableSizeThreshold,
		"CHUNK_BUFFER_SIZE_SOFT":       &cfg.Lifecycle.BufferSizeSoft,
		"CHUNK_BUFFER_SIZE_HARD":       &cfg.Lifecycle.BufferSizeHard,
		"CHUNK_WORKER_BACKOFF_MILLIS":  &cfg.Lifecycle.WorkerBackoffMillis,
	} {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: %s=%q: %v", ErrInvalid, key, v, err)
		}
		*dst = parsed
	}
	return nil
}

// Validate checks required fields and option combinations.
func (c Config) Validate() error {
	for name, v := range map[string]string{"server_id": c.ServerID, "database": c.Database} {
		if v == "" || strings.Contains(v, "/") {
			return fmt.Errorf("%w: %s must be a non-empty path segment, got %q", ErrInvalid, name, v)
		}
	}
	if err := c.Lifecycle.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if _, err := tables.NewPartitioner(c.Partition.Template); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.Catalog.PruneOnCheckpoint && !c.Catalog.Checkpoints {
		return fmt.Errorf("%w: catalog.prune_on_checkpoint requires catalog.checkpoints", ErrInvalid)
	}
	switch c.ObjectStore.Backend {
	case "", "mem", "file", "local", "gcs", "s3":
	default:
		return fmt.Errorf("%w: unknown object_store.backend %q", ErrInvalid, c.ObjectStore.Backend)
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return fmt.Errorf("%w: metrics.address required when metrics are enabled", ErrInvalid)
	}
	return nil
}

// CatalogOptions converts the catalog section.
func (c Config) CatalogOptions() catalog.Options {
	return catalog.Options{
		ServerID:          c.ServerID,
		Database:          c.Database,
		MaxCommitAttempts: c.Catalog.MaxCommitAttempts,
		CommitBackoff:     millis(c.Catalog.CommitBackoffMillis),
		MaxCommitBackoff:  millis(c.Catalog.MaxCommitBackoffMillis),
		FetchConcurrency:  c.Catalog.FetchConcurrency,
		Checkpoints:       c.Catalog.Checkpoints,
		PruneOnCheckpoint: c.Catalog.PruneOnCheckpoint,
	}
}

// DBConfig converts the configuration for db.Open. Commit hooks are added by
// the caller.
func (c Config) DBConfig() db.Config {
	return db.Config{
		ServerID:             c.ServerID,
		Name:                 c.Database,
		Rules:                c.Lifecycle,
		PartitionTemplate:    c.Partition.Template,
		Catalog:              c.CatalogOptions(),
		OpenAttempts:         c.Catalog.OpenAttempts,
		OpenBackoff:          millis(c.Catalog.OpenBackoffMillis),
		LifecycleConcurrency: c.Worker.Concurrency,
		PersistConcurrency:   c.Worker.PersistConcurrency,
	}
}

func millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func parseBool(key, v string) (bool, error) {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%w: %s=%q: %v", ErrInvalid, key, v, err)
	}
	return b, nil
}
