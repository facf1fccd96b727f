// Package logs reads library log files for the CLI: the last N lines of a
// daemon or run log, and follow mode that survives the daemon switching
// ctbbd.log to a new file.
package logs
