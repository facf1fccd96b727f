// Package logging assembles structured slog loggers and formatting helpers used
// by the daemon, workers, and CLI.
//
// It owns the console/JSON handlers, centralizes level and output plumbing,
// and exposes context-aware helpers so worker stages automatically tag log
// lines with run IDs, devices, and stage names. Run logs are always JSON so
// the reporting package can mine stage timings from them.
package logging
