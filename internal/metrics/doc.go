// Package metrics provides the observability hooks for run execution and
// the daemon.
//
// The package implements the Null Object pattern: components accept a
// Recorder and default to NoopRecorder when metrics are not configured,
// so callers never check for nil. The Prometheus implementation registers
// everything under the "conveyor" namespace and is activated by the
// daemon when metrics.enabled is set; /metrics is served from a separate
// listener via HTTPHandler.
package metrics
