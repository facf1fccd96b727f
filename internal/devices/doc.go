// Package devices discovers the exclusive compute devices of the host once per
// daemon run and pairs each with its devN named lock.
//
// A device is available exactly when its lock is FREE. Backends are
// nvidia-smi, a sysfs crawl for PCI functions bound to the nvidia driver, and
// a static count for hosts where neither is usable (and for tests).
package devices
