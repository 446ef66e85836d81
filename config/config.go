// Package config provides configuration loading and management for the
// procurecore ingestion service.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete procurecore configuration.
type Config struct {
	Pipeline PipelineConfig `yaml:"pipeline"`
	Quality  QualityConfig  `yaml:"quality"`
	Storage  StorageConfig  `yaml:"storage"`
	Blob     BlobConfig     `yaml:"blob"`
	Server   ServerConfig   `yaml:"server"`
}

// PipelineConfig tunes batch processing.
type PipelineConfig struct {
	// Workers bounds the per-batch worker pool.
	Workers int `yaml:"workers"`
	// RecordTimeout caps the processing time of a single record.
	RecordTimeout time.Duration `yaml:"record_timeout"`
	// AutoThreshold is the minimum score for an automatic match.
	AutoThreshold float64 `yaml:"auto_threshold"`
	// ReviewThreshold is the minimum score for the human review band.
	ReviewThreshold float64 `yaml:"review_threshold"`
	// MappingFloor is the minimum pattern score for a column assignment.
	MappingFloor float64 `yaml:"mapping_floor"`
}

// QualityConfig tunes the quality scorer.
type QualityConfig struct {
	// Weights are the per-dimension composite contributions; all zero
	// means equal weighting.
	Weights WeightsConfig `yaml:"weights"`
	// RecencyWindow is the age within which timeliness scores 1.0.
	RecencyWindow time.Duration `yaml:"recency_window"`
	// OuterBound is the age at which timeliness reaches 0.
	OuterBound time.Duration `yaml:"outer_bound"`
}

// WeightsConfig mirrors the six quality dimensions.
type WeightsConfig struct {
	Completeness float64 `yaml:"completeness"`
	Consistency  float64 `yaml:"consistency"`
	Validity     float64 `yaml:"validity"`
	Timeliness   float64 `yaml:"timeliness"`
	Uniqueness   float64 `yaml:"uniqueness"`
	Accuracy     float64 `yaml:"accuracy"`
}

// StorageConfig selects and parameterizes the persistence backend.
type StorageConfig struct {
	// Driver is one of memory, sqlite, postgres.
	Driver string `yaml:"driver"`
	// Path is the SQLite database file (sqlite driver only).
	Path string `yaml:"path"`
	// DSN is the Postgres connection string (postgres driver only).
	DSN string `yaml:"dsn"`
}

// BlobConfig selects and parameterizes the upload archival backend.
type BlobConfig struct {
	// Driver is one of fs, s3, memory. Empty disables archival.
	Driver string `yaml:"driver"`
	// Root is the filesystem root (fs driver only).
	Root string `yaml:"root"`
	// Bucket, Region, Endpoint, PathStyle parameterize the s3 driver.
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	PathStyle bool   `yaml:"path_style"`
	// AccessKey and SecretKey pin static s3 credentials (MinIO setups).
	// Both empty means the default AWS chain.
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// ServerConfig parameterizes the HTTP adapter.
type ServerConfig struct {
	// Addr is the listen address.
	Addr string `yaml:"addr"`
	// ShutdownGrace bounds graceful shutdown.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Pipeline: PipelineConfig{
			Workers:         4,
			RecordTimeout:   30 * time.Second,
			AutoThreshold:   0.95,
			ReviewThreshold: 0.75,
			MappingFloor:    0.5,
		},
		Quality: QualityConfig{
			RecencyWindow: 2 * 365 * 24 * time.Hour,
			OuterBound:    5 * 365 * 24 * time.Hour,
		},
		Storage: StorageConfig{
			Driver: "memory",
			Path:   "procurecore.db",
		},
		Blob: BlobConfig{
			Driver: "fs",
			Root:   "./archivedata",
		},
		Server: ServerConfig{
			Addr:          ":8080",
			ShutdownGrace: 10 * time.Second,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("pipeline.workers must be positive")
	}
	if c.Pipeline.RecordTimeout <= 0 {
		return fmt.Errorf("pipeline.record_timeout must be positive")
	}
	if c.Pipeline.AutoThreshold <= 0 || c.Pipeline.AutoThreshold > 1 {
		return fmt.Errorf("pipeline.auto_threshold must be in (0, 1]")
	}
	if c.Pipeline.ReviewThreshold <= 0 || c.Pipeline.ReviewThreshold >= c.Pipeline.AutoThreshold {
		return fmt.Errorf("pipeline.review_threshold must be in (0, auto_threshold)")
	}
	switch c.Storage.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("storage.driver %q is not one of memory, sqlite, postgres", c.Storage.Driver)
	}
	if c.Storage.Driver == "postgres" && c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required with the postgres driver")
	}
	switch c.Blob.Driver {
	case "", "fs", "s3", "memory":
	default:
		return fmt.Errorf("blob.driver %q is not one of fs, s3, memory", c.Blob.Driver)
	}
	if c.Blob.Driver == "s3" && c.Blob.Bucket == "" {
		return fmt.Errorf("blob.bucket is required with the s3 driver")
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Merge merges another config into this one; other takes precedence for
// non-zero values.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.Pipeline.Workers != 0 {
		c.Pipeline.Workers = other.Pipeline.Workers
	}
	if other.Pipeline.RecordTimeout != 0 {
		c.Pipeline.RecordTimeout = other.Pipeline.RecordTimeout
	}
	if other.Pipeline.AutoThreshold != 0 {
		c.Pipeline.AutoThreshold = other.Pipeline.AutoThreshold
	}
	if other.Pipeline.ReviewThreshold != 0 {
		c.Pipeline.ReviewThreshold = other.Pipeline.ReviewThreshold
	}
	if other.Pipeline.MappingFloor != 0 {
		c.Pipeline.MappingFloor = other.Pipeline.MappingFloor
	}

	if other.Quality.Weights != (WeightsConfig{}) {
		c.Quality.Weights = other.Quality.Weights
	}
	if other.Quality.RecencyWindow != 0 {
		c.Quality.RecencyWindow = other.Quality.RecencyWindow
	}
	if other.Quality.OuterBound != 0 {
		c.Quality.OuterBound = other.Quality.OuterBound
	}

	if other.Storage.Driver != "" {
		c.Storage.Driver = other.Storage.Driver
	}
	if other.Storage.Path != "" {
		c.Storage.Path = other.Storage.Path
	}
	if other.Storage.DSN != "" {
		c.Storage.DSN = other.Storage.DSN
	}

	if other.Blob.Driver != "" {
		c.Blob.Driver = other.Blob.Driver
	}
	if other.Blob.Root != "" {
		c.Blob.Root = other.Blob.Root
	}
	if other.Blob.Bucket != "" {
		c.Blob.Bucket = other.Blob.Bucket
	}
	if other.Blob.Region != "" {
		c.Blob.Region = other.Blob.Region
	}
	if other.Blob.Endpoint != "" {
		c.Blob.Endpoint = other.Blob.Endpoint
	}
	if other.Blob.PathStyle {
		c.Blob.PathStyle = true
	}
	if other.Blob.AccessKey != "" {
		c.Blob.AccessKey = other.Blob.AccessKey
	}
	if other.Blob.SecretKey != "" {
		c.Blob.SecretKey = other.Blob.SecretKey
	}

	if other.Server.Addr != "" {
		c.Server.Addr = other.Server.Addr
	}
	if other.Server.ShutdownGrace != 0 {
		c.Server.ShutdownGrace = other.Server.ShutdownGrace
	}
}
