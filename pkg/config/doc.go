// Package config loads and validates the YAML pipeline manifest.
//
// The manifest declares capability probes, layers with their categories,
// per-category retry policies, event sinks, and telemetry settings. Loading
// is strict: structural problems (missing names, unknown strategies,
// background layers with unbounded fan-out) are rejected here with
// manifest-level messages before any component is constructed.
//
// A Watcher reloads the manifest on file change so capability probes can be
// refreshed in a long-running process without a restart.
package config
