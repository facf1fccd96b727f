// Package metrics records dispatch and stage observations.
//
// The daemon has no HTTP surface, so the Prometheus recorder is exported by
// periodically writing a node_exporter textfile under the library.
package metrics
