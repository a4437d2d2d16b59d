// Package log provides structured logging built on zerolog, with
// component-scoped child loggers (WithComponent, WithRepository, WithECU)
// used throughout the store, uptane, fetcher, secondary, and orchestrator
// packages.
package log
