package devices

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"ctbb/internal/config"
	"ctbb/internal/lockdir"
	"ctbb/internal/logging"
)

// ErrNoDevices reports that enumeration found no compute devices.
var ErrNoDevices = errors.New("no compute devices found")

// Info is what an enumeration backend knows about one device.
type Info struct {
	Name  string
	BusID string
}

// Enumerator discovers compute devices in a stable order.
type Enumerator interface {
	Name() string
	Enumerate(ctx context.Context) ([]Info, error)
}

// Device is one exclusive compute device owned by the registry.
type Device struct {
	Ordinal int
	Name    string
	BusID   string
	Lock    *lockdir.Lock
}

// LockName returns the devN lock key of the device.
func (d Device) LockName() string {
	return lockdir.DeviceName(d.Ordinal)
}

// Registry is the immutable device set of one daemon run.
type Registry struct {
	devices []Device
	source  string
}

// NewEnumerator returns the backend selected by the scheduler settings.
func NewEnumerator(cfg *config.Config, logger *slog.Logger) Enumerator {
	switch cfg.Scheduler.DeviceSource {
	case config.DeviceSourceStatic:
		return Static{Count: cfg.Scheduler.DeviceCount}
	case config.DeviceSourceNvidiaSMI:
		return NvidiaSMI{}
	case config.DeviceSourceSysfs:
		return Sysfs{}
	default:
		return Auto{Backends: []Enumerator{NvidiaSMI{}, Sysfs{}}, Logger: logger}
	}
}

// Enumerate queries enum once and binds one devN lock per device, ordinals
// following enumeration order. Zero devices is ErrNoDevices.
func Enumerate(ctx context.Context, enum Enumerator, locks *lockdir.Dir, logger *slog.Logger) (*Registry, error) {
	logger = logging.NewComponentLogger(logger, "devices")
	infos, err := enum.Enumerate(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate devices via %s: %w", enum.Name(), err)
	}
	if len(infos) == 0 {
		return nil, fmt.Errorf("%s: %w", enum.Name(), ErrNoDevices)
	}
	reg := &Registry{source: enum.Name(), devices: make([]Device, 0, len(infos))}
	for i, info := range infos {
		lock, err := locks.Lock(lockdir.DeviceName(i))
		if err != nil {
			return nil, err
		}
		reg.devices = append(reg.devices, Device{Ordinal: i, Name: info.Name, BusID: info.BusID, Lock: lock})
		logger.Debug("device registered",
			logging.Device(lockdir.DeviceName(i)),
			logging.String("name", info.Name),
			logging.String("bus_id", info.BusID),
		)
	}
	logger.Info("compute devices found",
		logging.Int("count", len(reg.devices)),
		logging.String("source", reg.source),
		logging.Event("devices_enumerated"),
	)
	return reg, nil
}

// Devices returns the registered devices in ordinal order.
func (r *Registry) Devices() []Device {
	return append([]Device(nil), r.devices...)
}

// Len returns the device count.
func (r *Registry) Len() int {
	return len(r.devices)
}

// Source names the backend that produced the registry.
func (r *Registry) Source() string {
	return r.source
}

// Device returns the device with ordinal n.
func (r *Registry) Device(n int) (Device, bool) {
	if n < 0 || n >= len(r.devices) {
		return Device{}, false
	}
	return r.devices[n], true
}

// Free probes every device lock and returns the devices currently FREE, in
// ordinal order. Probe errors mark a device busy for this pass.
func (r *Registry) Free() []Device {
	free := make([]Device, 0, len(r.devices))
	for _, dev := range r.devices {
		state, err := dev.Lock.Probe()
		if err != nil || state != lockdir.Free {
			continue
		}
		free = append(free, dev)
	}
	return free
}
