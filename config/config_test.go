package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigValidates(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config is invalid: %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero workers", func(c *Config) { c.Pipeline.Workers = 0 }},
		{"zero record timeout", func(c *Config) { c.Pipeline.RecordTimeout = 0 }},
		{"auto threshold above one", func(c *Config) { c.Pipeline.AutoThreshold = 1.2 }},
		{"review above auto", func(c *Config) { c.Pipeline.ReviewThreshold = 0.96 }},
		{"unknown storage driver", func(c *Config) { c.Storage.Driver = "etcd" }},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = "postgres"; c.Storage.DSN = "" }},
		{"unknown blob driver", func(c *Config) { c.Blob.Driver = "tape" }},
		{"s3 without bucket", func(c *Config) { c.Blob.Driver = "s3"; c.Blob.Bucket = "" }},
		{"empty server addr", func(c *Config) { c.Server.Addr = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("Validate accepted %s", tc.name)
			}
		})
	}
}

func TestLoadFromFileOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "procurecore.yaml")
	payload := []byte(`
pipeline:
  workers: 8
  record_timeout: 5s
storage:
  driver: sqlite
  path: /var/lib/procurecore/state.db
blob:
  driver: s3
  bucket: procurement-uploads
  region: eu-central-1
`)
	if err := os.WriteFile(path, payload, 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Pipeline.Workers != 8 {
		t.Fatalf("workers = %d, want 8", cfg.Pipeline.Workers)
	}
	if cfg.Pipeline.RecordTimeout != 5*time.Second {
		t.Fatalf("record timeout = %v, want 5s", cfg.Pipeline.RecordTimeout)
	}
	// Untouched sections keep their defaults.
	if cfg.Pipeline.AutoThreshold != 0.95 {
		t.Fatalf("auto threshold = %v, want default 0.95", cfg.Pipeline.AutoThreshold)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.Path != "/var/lib/procurecore/state.db" {
		t.Fatalf("storage = %+v, want sqlite overlay", cfg.Storage)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("loaded config is invalid: %v", err)
	}
}

func TestLoadFromFileMissing(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("LoadFromFile succeeded on a missing file")
	}
}

func TestSaveAndReloadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "procurecore.yaml")

	cfg := DefaultConfig()
	cfg.Pipeline.Workers = 16
	cfg.Server.Addr = ":9090"
	if err := cfg.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile: %v", err)
	}

	loaded, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if loaded.Pipeline.Workers != 16 || loaded.Server.Addr != ":9090" {
		t.Fatalf("round trip lost values: %+v", loaded)
	}
}

func TestMergePrecedence(t *testing.T) {
	base := DefaultConfig()
	base.Merge(&Config{
		Pipeline: PipelineConfig{Workers: 2, ReviewThreshold: 0.8},
		Storage:  StorageConfig{Driver: "postgres", DSN: "postgres://db/procurecore"},
	})
	if base.Pipeline.Workers != 2 {
		t.Fatalf("workers = %d, want merged 2", base.Pipeline.Workers)
	}
	if base.Pipeline.ReviewThreshold != 0.8 {
		t.Fatalf("review threshold = %v, want merged 0.8", base.Pipeline.ReviewThreshold)
	}
	if base.Pipeline.AutoThreshold != 0.95 {
		t.Fatalf("auto threshold = %v, want default kept", base.Pipeline.AutoThreshold)
	}
	if base.Storage.Driver != "postgres" || base.Storage.DSN == "" {
		t.Fatalf("storage = %+v, want merged postgres", base.Storage)
	}

	base.Merge(nil) // no-op
	if base.Pipeline.Workers != 2 {
		t.Fatalf("nil merge mutated config")
	}
}
