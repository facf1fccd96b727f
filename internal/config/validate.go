package config

import (
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if c.LibraryRoot == "" {
		return ErrLibraryRequired
	}
	if err := c.validateScheduler(); err != nil {
		return err
	}
	if c.Recon.ReferenceDose <= 0 {
		return errors.New("recon.reference_dose must be positive")
	}
	if c.Recon.Binary == "" {
		return errors.New("recon.binary must be set")
	}
	return nil
}

func (c *Config) validateScheduler() error {
	switch c.Scheduler.WorkerMode {
	case WorkerModeGoroutine, WorkerModeProcess:
	default:
		return fmt.Errorf("scheduler.worker_mode: unsupported value %q", c.Scheduler.WorkerMode)
	}
	switch c.Scheduler.DeviceSource {
	case DeviceSourceAuto, DeviceSourceNvidiaSMI, DeviceSourceSysfs:
	case DeviceSourceStatic:
		if c.Scheduler.DeviceCount <= 0 {
			return errors.New("scheduler.device_count must be positive when device_source is static")
		}
	default:
		return fmt.Errorf("scheduler.device_source: unsupported value %q", c.Scheduler.DeviceSource)
	}
	return nil
}
