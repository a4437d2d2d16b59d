// Package metrics exposes Prometheus instrumentation for the update
// client: iteration outcomes and latency, verification failures by
// repository/role/error-kind, fetch byte counts and latency, install
// outcomes, and secondary root-rotation outcomes.
package metrics
