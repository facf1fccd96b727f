package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// ErrLibraryRequired is returned when no library root is supplied.
var ErrLibraryRequired = errors.New("library root is required")

const (
	// ProcDirName holds queue, ledgers, locks, and per-library settings.
	ProcDirName = ".proc"
	// ConfigFileName is the per-library TOML file under ProcDirName.
	ConfigFileName = "ctbb.toml"
	// EnvFileName is the optional dotenv file under ProcDirName.
	EnvFileName = "ctbb.env"
)

// Scheduler contains daemon loop and dispatch settings.
type Scheduler struct {
	PollIntervalSeconds int    `toml:"poll_interval_seconds"`
	WorkerMode          string `toml:"worker_mode"`
	DeviceSource        string `toml:"device_source"`
	DeviceCount         int    `toml:"device_count"`
}

// Locks contains named lock settings.
type Locks struct {
	RetryIntervalMS int  `toml:"retry_interval_ms"`
	ReclaimStale    bool `toml:"reclaim_stale"`
}

// Recon describes the external reconstruction program and parameter file
// assembly constants.
type Recon struct {
	Binary              string   `toml:"binary"`
	Args                []string `toml:"args"`
	ReferenceDose       int      `toml:"reference_dose"`
	AdaptiveFiltration  string   `toml:"adaptive_filtration"`
	BaseParameterSuffix string   `toml:"base_parameter_suffix"`
}

// Dose describes the external dose-reduction simulator.
type Dose struct {
	Binary string `toml:"binary"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Metrics controls the Prometheus textfile export.
type Metrics struct {
	Enabled              bool   `toml:"enabled"`
	Textfile             string `toml:"textfile"`
	FlushIntervalSeconds int    `toml:"flush_interval_seconds"`
}

// Config encapsulates all configuration values for one pipeline library.
//
// Sections by subsystem:
//   - Scheduler: poll interval, worker spawning mode, device discovery
//   - Locks: named lock retry cadence and stale marker reclamation
//   - Recon: reconstruction binary and parameter file constants
//   - Dose: dose-reduction simulator binary
//   - Logging: log format, level, and retention
//   - Metrics: Prometheus textfile export
type Config struct {
	// LibraryRoot is supplied on the command line, never read from TOML.
	LibraryRoot string `toml:"-"`

	Scheduler Scheduler `toml:"scheduler"`
	Locks     Locks     `toml:"locks"`
	Recon     Recon     `toml:"recon"`
	Dose      Dose      `toml:"dose"`
	Logging   Logging   `toml:"logging"`
	Metrics   Metrics   `toml:"metrics"`

	env map[string]string
}

// Load resolves the library root, then parses the per-library TOML file (or
// path when non-empty) over the defaults. The returned config is normalized
// and validated. The second and third results report the config path that was
// consulted and whether it existed.
func Load(libraryRoot, path string) (*Config, string, bool, error) {
	if strings.TrimSpace(libraryRoot) == "" {
		return nil, "", false, ErrLibraryRequired
	}
	root, err := expandPath(libraryRoot)
	if err != nil {
		return nil, "", false, fmt.Errorf("library root: %w", err)
	}

	cfg := Default()
	cfg.LibraryRoot = root

	resolvedPath, exists, err := resolveConfigPath(root, path)
	if err != nil {
		return nil, "", false, err
	}
	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	envPath := filepath.Join(root, ProcDirName, EnvFileName)
	if env, err := godotenv.Read(envPath); err == nil {
		cfg.env = env
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, "", false, fmt.Errorf("read %s: %w", envPath, err)
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}
	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(root, path string) (string, bool, error) {
	target := filepath.Join(root, ProcDirName, ConfigFileName)
	if strings.TrimSpace(path) != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		target = expanded
	}
	info, err := os.Stat(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return target, false, nil
		}
		return "", false, fmt.Errorf("stat config: %w", err)
	}
	if info.IsDir() {
		return "", false, fmt.Errorf("config path %q is a directory", target)
	}
	return target, true, nil
}

// lookupEnv prefers the process environment over the library env file.
func (c *Config) lookupEnv(key string) (string, bool) {
	if value, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(value), true
	}
	if value, ok := c.env[key]; ok {
		return strings.TrimSpace(value), true
	}
	return "", false
}

// ProcDir returns <library>/.proc.
func (c *Config) ProcDir() string {
	return filepath.Join(c.LibraryRoot, ProcDirName)
}

// PollInterval is the sleep between scheduler iterations.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Scheduler.PollIntervalSeconds) * time.Second
}

// LockRetryInterval is the poll cadence of blocking lock acquisition.
func (c *Config) LockRetryInterval() time.Duration {
	return time.Duration(c.Locks.RetryIntervalMS) * time.Millisecond
}

// MetricsFlushInterval is the cadence of the metrics textfile export.
func (c *Config) MetricsFlushInterval() time.Duration {
	return time.Duration(c.Metrics.FlushIntervalSeconds) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	absolute, err := filepath.Abs(filepath.Clean(pathValue))
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", pathValue, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
