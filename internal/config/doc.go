// Package config loads, normalizes, and validates per-library pipeline
// configuration.
//
// Settings live in <library>/.proc/ctbb.toml and are optional: every knob has
// a default matching the historical pipeline behavior (five-second poll,
// ctbb_recon with -v --timing, adaptive filtration 1.0). A dotenv file next
// to it and the process environment can override binaries, log level, and
// the device count.
package config
