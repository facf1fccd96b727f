package main

import (
	"fmt"
	"log/slog"
	"strings"

	"ctbb/internal/config"
	"ctbb/internal/ledger"
	"ctbb/internal/library"
	"ctbb/internal/lockdir"
	"ctbb/internal/logging"
)

type commandContext struct {
	configFlag   *string
	logLevelFlag *string
}

func newCommandContext(configFlag, logLevelFlag *string) *commandContext {
	return &commandContext{
		configFlag:   configFlag,
		logLevelFlag: logLevelFlag,
	}
}

// configPath is the --config value, empty when unset.
func (c *commandContext) configPath() string {
	if c.configFlag == nil {
		return ""
	}
	return strings.TrimSpace(*c.configFlag)
}

func (c *commandContext) logLevel(cfg *config.Config) string {
	if c.logLevelFlag != nil && strings.TrimSpace(*c.logLevelFlag) != "" {
		return strings.TrimSpace(*c.logLevelFlag)
	}
	return cfg.Logging.Level
}

func (c *commandContext) loadConfig(root string) (*config.Config, error) {
	cfg, _, _, err := config.Load(root, c.configPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// stderrLogger writes console logs to stderr so stdout stays parseable.
func (c *commandContext) stderrLogger(cfg *config.Config) *slog.Logger {
	logger, err := logging.New(logging.Options{
		Level:       c.logLevel(cfg),
		Format:      "console",
		OutputPaths: []string{"stderr"},
	})
	if err != nil {
		return logging.NewNop()
	}
	return logger
}

// libraryHandle bundles what most commands need from a library root.
type libraryHandle struct {
	cfg    *config.Config
	lib    *library.Library
	locks  *lockdir.Dir
	ledger *ledger.Ledger
	logger *slog.Logger
}

func (c *commandContext) openLibrary(root string) (*libraryHandle, error) {
	cfg, err := c.loadConfig(root)
	if err != nil {
		return nil, err
	}
	logger := c.stderrLogger(cfg)
	lib := library.New(cfg, logger)
	if err := lib.EnsureLayout(); err != nil {
		return nil, fmt.Errorf("prepare library: %w", err)
	}
	locks, err := lockdir.Open(lib.MutexDir(), lockdir.Options{
		RetryInterval: cfg.LockRetryInterval(),
		ReclaimStale:  cfg.Locks.ReclaimStale,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	return &libraryHandle{
		cfg:    cfg,
		lib:    lib,
		locks:  locks,
		ledger: ledger.New(lib.DonePath(), lib.ErrorPath(), locks),
		logger: logger,
	}, nil
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
