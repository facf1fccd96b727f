package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"

	"ctbb/internal/config"
)

func TestLoadDefaultsWhenConfigAbsent(t *testing.T) {
	root := t.TempDir()

	cfg, resolved, exists, err := config.Load(root, "")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if exists {
		t.Fatal("expected config file to be absent")
	}
	if resolved != filepath.Join(root, ".proc", "ctbb.toml") {
		t.Fatalf("unexpected resolved path %q", resolved)
	}
	if cfg.LibraryRoot != root {
		t.Fatalf("unexpected library root %q", cfg.LibraryRoot)
	}
	if cfg.Scheduler.PollIntervalSeconds != 5 {
		t.Fatalf("expected 5 second poll, got %d", cfg.Scheduler.PollIntervalSeconds)
	}
	if cfg.Scheduler.WorkerMode != config.WorkerModeGoroutine {
		t.Fatalf("unexpected worker mode %q", cfg.Scheduler.WorkerMode)
	}
	if cfg.Recon.Binary != "ctbb_recon" || strings.Join(cfg.Recon.Args, " ") != "-v --timing" {
		t.Fatalf("unexpected recon defaults: %+v", cfg.Recon)
	}
	if cfg.Recon.ReferenceDose != 100 || cfg.Recon.AdaptiveFiltration != "1.0" {
		t.Fatalf("unexpected recon constants: %+v", cfg.Recon)
	}
	if !cfg.Locks.ReclaimStale {
		t.Fatal("expected stale reclamation enabled by default")
	}
	if cfg.Metrics.Textfile != filepath.Join(root, ".proc", "metrics.prom") {
		t.Fatalf("unexpected metrics textfile %q", cfg.Metrics.Textfile)
	}
}

func TestLoadRequiresLibraryRoot(t *testing.T) {
	if _, _, _, err := config.Load("  ", ""); !errors.Is(err, config.ErrLibraryRequired) {
		t.Fatalf("expected ErrLibraryRequired, got %v", err)
	}
}

func TestLoadLibraryConfigFile(t *testing.T) {
	root := t.TempDir()
	type payload struct {
		Scheduler struct {
			PollIntervalSeconds int    `toml:"poll_interval_seconds"`
			DeviceSource        string `toml:"device_source"`
			DeviceCount         int    `toml:"device_count"`
		} `toml:"scheduler"`
		Recon struct {
			Binary string `toml:"binary"`
		} `toml:"recon"`
		Logging struct {
			Format string `toml:"format"`
		} `toml:"logging"`
	}
	var custom payload
	custom.Scheduler.PollIntervalSeconds = 1
	custom.Scheduler.DeviceSource = "STATIC"
	custom.Scheduler.DeviceCount = 3
	custom.Recon.Binary = "/opt/ctbb/bin/ctbb_recon"
	custom.Logging.Format = "yaml"

	data, err := toml.Marshal(custom)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	configPath := filepath.Join(root, ".proc", "ctbb.toml")
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, _, exists, err := config.Load(root, "")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists {
		t.Fatal("expected config file to exist")
	}
	if cfg.Scheduler.PollIntervalSeconds != 1 {
		t.Fatalf("unexpected poll interval %d", cfg.Scheduler.PollIntervalSeconds)
	}
	if cfg.Scheduler.DeviceSource != config.DeviceSourceStatic || cfg.Scheduler.DeviceCount != 3 {
		t.Fatalf("unexpected device settings: %+v", cfg.Scheduler)
	}
	if cfg.Recon.Binary != "/opt/ctbb/bin/ctbb_recon" {
		t.Fatalf("unexpected recon binary %q", cfg.Recon.Binary)
	}
	if cfg.Logging.Format != "console" {
		t.Fatalf("expected unknown format to fall back to console, got %q", cfg.Logging.Format)
	}
}

func TestLoadEnvFileAndEnvironmentPrecedence(t *testing.T) {
	root := t.TempDir()
	envPath := filepath.Join(root, ".proc", "ctbb.env")
	if err := os.MkdirAll(filepath.Dir(envPath), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	content := "CTBB_RECON_BINARY=/from/envfile/recon\nCTBB_DEVICE_COUNT=2\nCTBB_LOG_LEVEL=debug\n"
	if err := os.WriteFile(envPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Setenv("CTBB_LOG_LEVEL", "warn")

	cfg, _, _, err := config.Load(root, "")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Recon.Binary != "/from/envfile/recon" {
		t.Fatalf("expected env file recon binary, got %q", cfg.Recon.Binary)
	}
	if cfg.Scheduler.DeviceSource != config.DeviceSourceStatic || cfg.Scheduler.DeviceCount != 2 {
		t.Fatalf("expected static device count from env file, got %+v", cfg.Scheduler)
	}
	if cfg.Logging.Level != "warn" {
		t.Fatalf("expected process environment to win, got %q", cfg.Logging.Level)
	}
}

func TestValidateRejectsBadSchedulerSettings(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"worker mode", func(c *config.Config) { c.Scheduler.WorkerMode = "thread" }},
		{"device source", func(c *config.Config) { c.Scheduler.DeviceSource = "pci" }},
		{"static without count", func(c *config.Config) {
			c.Scheduler.DeviceSource = config.DeviceSourceStatic
			c.Scheduler.DeviceCount = 0
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.LibraryRoot = t.TempDir()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestCreateSampleIsLoadable(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, ".proc", "ctbb.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample: %v", err)
	}
	if _, _, exists, err := config.Load(root, ""); err != nil || !exists {
		t.Fatalf("expected sample to load, exists=%v err=%v", exists, err)
	}
}
