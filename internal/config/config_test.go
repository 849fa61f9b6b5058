package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv(ConfigPathEnvVar, "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Store.BucketSize != 1000 {
		t.Errorf("Store.BucketSize = %d, want 1000", cfg.Store.BucketSize)
	}
	if cfg.RateGate.Archive.Amount != 60 {
		t.Errorf("RateGate.Archive.Amount = %d, want 60", cfg.RateGate.Archive.Amount)
	}
	if cfg.Approve.RequireApproval != true {
		t.Errorf("Approve.RequireApproval = false, want true")
	}
}

func TestLoadFileOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{"store":{"path":"/tmp/custom.db"},"publish":{"batch_size":9}}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(ConfigPathEnvVar, path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Store.Path != "/tmp/custom.db" {
		t.Errorf("Store.Path = %q, want /tmp/custom.db", cfg.Store.Path)
	}
	if cfg.Publish.BatchSize != 9 {
		t.Errorf("Publish.BatchSize = %d, want 9", cfg.Publish.BatchSize)
	}
	// Untouched defaults survive the file layer.
	if cfg.RateGate.CDX.Amount != 30 {
		t.Errorf("RateGate.CDX.Amount = %d, want 30 (untouched default)", cfg.RateGate.CDX.Amount)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv(ConfigPathEnvVar, "")
	t.Setenv("WANDERER_STORE_PATH", "/env/override.db")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Store.Path != "/env/override.db" {
		t.Errorf("Store.Path = %q, want /env/override.db", cfg.Store.Path)
	}
}

func TestValidateMutableOptionsRejectsUnknown(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{"mutable_options":["emojis","not_a_real_option"]}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(ConfigPathEnvVar, path)

	if _, err := Load(); err == nil {
		t.Fatal("Load() with an unknown mutable option should fail, got nil error")
	}
}
