package config

const (
	defaultPollIntervalSeconds  = 5
	defaultWorkerMode           = WorkerModeGoroutine
	defaultDeviceSource         = DeviceSourceAuto
	defaultLockRetryIntervalMS  = 250
	defaultReconBinary          = "ctbb_recon"
	defaultReferenceDose        = 100
	defaultAdaptiveFiltration   = "1.0"
	defaultBaseParameterSuffix  = ".prmb"
	defaultDoseBinary           = "ctbb_simulate_dose"
	defaultLogFormat            = "console"
	defaultLogLevel             = "info"
	defaultLogRetentionDays     = 30
	defaultMetricsTextfile      = "metrics.prom"
	defaultMetricsFlushInterval = 15
)

// Worker spawning modes.
const (
	WorkerModeGoroutine = "goroutine"
	WorkerModeProcess   = "process"
)

// Device discovery sources.
const (
	DeviceSourceAuto      = "auto"
	DeviceSourceNvidiaSMI = "nvidia-smi"
	DeviceSourceSysfs     = "sysfs"
	DeviceSourceStatic    = "static"
)

var defaultReconArgs = []string{"-v", "--timing"}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Scheduler: Scheduler{
			PollIntervalSeconds: defaultPollIntervalSeconds,
			WorkerMode:          defaultWorkerMode,
			DeviceSource:        defaultDeviceSource,
		},
		Locks: Locks{
			RetryIntervalMS: defaultLockRetryIntervalMS,
			ReclaimStale:    true,
		},
		Recon: Recon{
			Binary:              defaultReconBinary,
			Args:                append([]string(nil), defaultReconArgs...),
			ReferenceDose:       defaultReferenceDose,
			AdaptiveFiltration:  defaultAdaptiveFiltration,
			BaseParameterSuffix: defaultBaseParameterSuffix,
		},
		Dose: Dose{
			Binary: defaultDoseBinary,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
		Metrics: Metrics{
			Enabled:              true,
			FlushIntervalSeconds: defaultMetricsFlushInterval,
		},
	}
}
