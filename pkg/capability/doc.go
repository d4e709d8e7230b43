// Package capability implements the availability registry that gates
// which optional subsystems the pipeline may rely on.
//
// A capability is anything a layer or category can declare as a
// prerequisite (a container runtime, a database, a network service). The
// embedder supplies a Probe per capability; the registry caches probe
// results, collapses concurrent first-time probes into one call, and lets
// operators force a value at runtime through <NAME>_AVAILABLE environment
// overrides, which are re-read on every lookup and never cached.
//
// The registry is constructed once at startup and passed by reference to
// the scheduler and task manager. Probe failures are recorded, not
// propagated: a failing or panicking probe simply marks the capability
// unavailable with an error string. A name with neither a probe nor an
// override is explicitly unknown, never silently false.
package capability
