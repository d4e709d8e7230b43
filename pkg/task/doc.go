// Package task runs background work through an explicit lifecycle state
// machine with per-category retry policies.
//
// Tasks are submitted with a Config and an opaque Work callable. A fixed
// worker pool drains a priority queue; each attempt runs under its own
// timeout, and failed or timed-out attempts are retried according to the
// category's retry policy with a computed, jittered delay. The state
// machine is closed: Queued -> Starting -> Running, with Running able to
// loop back to Queued for a retry, and four terminal states (Completed,
// Failed, Cancelled, Timeout) that nothing ever leaves.
//
// The manager owns no policy semantics beyond clamping: retry counts and
// delays are bounded so a misconfigured category cannot retry forever or
// sleep for hours. Per-category statistics accumulate for the lifetime of
// the manager and are served by Stats.
package task
