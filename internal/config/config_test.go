package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sync.BatchSize != 500 || cfg.Sync.PullLimit != 1000 {
		t.Errorf("batch=%d pull=%d", cfg.Sync.BatchSize, cfg.Sync.PullLimit)
	}
	if cfg.Sync.Auto.Debounce.D() != 3*time.Second || cfg.Sync.Auto.Interval.D() != 5*time.Minute {
		t.Errorf("auto = %+v", cfg.Sync.Auto)
	}
	if cfg.Auth.ValidateTimeout.D() != 5*time.Second || cfg.Auth.GracePeriod.D() != 30*time.Second {
		t.Errorf("auth = %+v", cfg.Auth)
	}
	if cfg.Tombstones.Retention.D() != 720*time.Hour {
		t.Errorf("retention = %v", cfg.Tombstones.Retention.D())
	}
	if cfg.DataDir != filepath.Join(dir, "data") {
		t.Errorf("data dir = %q", cfg.DataDir)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	file := `{
  "log_level": "debug",
  "sync": {"url": "https://file.example", "batch_size": 50, "auto": {"enabled": false, "debounce": "10s"}},
  "net": {"probe_interval": 2}
}`
	if err := os.WriteFile(filepath.Join(dir, configFile), []byte(file), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SPENDBOOK_SYNC_URL", "https://env.example")
	t.Setenv("SPENDBOOK_SYNC_AUTO_INTERVAL", "1m")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sync.URL != "https://env.example" {
		t.Errorf("url = %q, env should win", cfg.Sync.URL)
	}
	if cfg.Sync.BatchSize != 50 || cfg.LogLevel != "debug" {
		t.Errorf("file values lost: batch=%d level=%q", cfg.Sync.BatchSize, cfg.LogLevel)
	}
	if cfg.Sync.Auto.Enabled {
		t.Error("auto.enabled=false from file was overridden")
	}
	if cfg.Sync.Auto.Debounce.D() != 10*time.Second || cfg.Sync.Auto.Interval.D() != time.Minute {
		t.Errorf("auto = %+v", cfg.Sync.Auto)
	}
	if cfg.Net.ProbeInterval.D() != 2*time.Second {
		t.Errorf("probe = %v", cfg.Net.ProbeInterval.D())
	}
	if cfg.Sync.PullLimit != 1000 {
		t.Errorf("untouched default changed: %d", cfg.Sync.PullLimit)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("SPENDBOOK_LOG_FORMAT=json\nSPENDBOOK_SYNC_PULL_LIMIT=25\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SPENDBOOK_SYNC_PULL_LIMIT", "75")
	t.Cleanup(func() { os.Unsetenv("SPENDBOOK_LOG_FORMAT") })

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("log format = %q, want json from .env", cfg.LogFormat)
	}
	if cfg.Sync.PullLimit != 75 {
		t.Errorf("pull limit = %d, process env should beat .env", cfg.Sync.PullLimit)
	}
}

func TestLoadInvalid(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, configFile), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir); err == nil {
		t.Fatal("expected parse error")
	}

	dir = t.TempDir()
	t.Setenv("SPENDBOOK_AUTH_GRACE_PERIOD", "soon")
	if _, err := Load(dir); err == nil {
		t.Fatal("expected env decode error")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	cfg.Sync.URL = "https://saved.example"
	cfg.Sync.Auto.Debounce = Duration(7 * time.Second)
	if err := cfg.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}

	again, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if again.Sync.URL != "https://saved.example" || again.Sync.Auto.Debounce.D() != 7*time.Second {
		t.Errorf("reloaded = %+v", again.Sync)
	}
}

func TestSlogLevel(t *testing.T) {
	for in, want := range map[string]string{"debug": "DEBUG", "WARN": "WARN", "error": "ERROR", "": "INFO", "loud": "INFO"} {
		c := &Config{LogLevel: in}
		if got := c.SlogLevel().String(); got != want {
			t.Errorf("SlogLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
