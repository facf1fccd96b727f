package config

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizeScheduler(); err != nil {
		return err
	}
	if c.Locks.RetryIntervalMS <= 0 {
		c.Locks.RetryIntervalMS = defaultLockRetryIntervalMS
	}
	c.normalizeRecon()
	if value, ok := c.lookupEnv("CTBB_DOSE_BINARY"); ok && value != "" {
		c.Dose.Binary = value
	}
	c.Dose.Binary = strings.TrimSpace(c.Dose.Binary)
	if c.Dose.Binary == "" {
		c.Dose.Binary = defaultDoseBinary
	}
	c.normalizeLogging()
	return c.normalizeMetrics()
}

func (c *Config) normalizeScheduler() error {
	if c.Scheduler.PollIntervalSeconds <= 0 {
		c.Scheduler.PollIntervalSeconds = defaultPollIntervalSeconds
	}
	c.Scheduler.WorkerMode = strings.ToLower(strings.TrimSpace(c.Scheduler.WorkerMode))
	if c.Scheduler.WorkerMode == "" {
		c.Scheduler.WorkerMode = defaultWorkerMode
	}
	c.Scheduler.DeviceSource = strings.ToLower(strings.TrimSpace(c.Scheduler.DeviceSource))
	if c.Scheduler.DeviceSource == "" {
		c.Scheduler.DeviceSource = defaultDeviceSource
	}
	if value, ok := c.lookupEnv("CTBB_DEVICE_COUNT"); ok && value != "" {
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("CTBB_DEVICE_COUNT: %w", err)
		}
		c.Scheduler.DeviceSource = DeviceSourceStatic
		c.Scheduler.DeviceCount = n
	}
	return nil
}

func (c *Config) normalizeRecon() {
	if value, ok := c.lookupEnv("CTBB_RECON_BINARY"); ok && value != "" {
		c.Recon.Binary = value
	}
	c.Recon.Binary = strings.TrimSpace(c.Recon.Binary)
	if c.Recon.Binary == "" {
		c.Recon.Binary = defaultReconBinary
	}
	if c.Recon.Args == nil {
		c.Recon.Args = append([]string(nil), defaultReconArgs...)
	}
	if c.Recon.ReferenceDose <= 0 {
		c.Recon.ReferenceDose = defaultReferenceDose
	}
	c.Recon.AdaptiveFiltration = strings.TrimSpace(c.Recon.AdaptiveFiltration)
	if c.Recon.AdaptiveFiltration == "" {
		c.Recon.AdaptiveFiltration = defaultAdaptiveFiltration
	}
	c.Recon.BaseParameterSuffix = strings.TrimSpace(c.Recon.BaseParameterSuffix)
	if c.Recon.BaseParameterSuffix == "" {
		c.Recon.BaseParameterSuffix = defaultBaseParameterSuffix
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "console", "json":
	default:
		c.Logging.Format = defaultLogFormat
	}
	if value, ok := c.lookupEnv("CTBB_LOG_LEVEL"); ok && value != "" {
		c.Logging.Level = value
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = 0
	}
}

func (c *Config) normalizeMetrics() error {
	textfile := strings.TrimSpace(c.Metrics.Textfile)
	if textfile == "" {
		textfile = defaultMetricsTextfile
	}
	if !filepath.IsAbs(textfile) && !strings.HasPrefix(textfile, "~") {
		textfile = filepath.Join(c.ProcDir(), textfile)
	}
	expanded, err := expandPath(textfile)
	if err != nil {
		return fmt.Errorf("metrics.textfile: %w", err)
	}
	c.Metrics.Textfile = expanded
	if c.Metrics.FlushIntervalSeconds <= 0 {
		c.Metrics.FlushIntervalSeconds = defaultMetricsFlushInterval
	}
	return nil
}
