// Package pipeline implements the layer-based execution scheduler.
//
// Work is grouped into layers, each an ordered set of categories sharing a
// timeout and an intra-layer execution strategy (sequential, unbounded
// parallel, bounded parallel, or hybrid cheap-parallel/expensive-serial).
// A run executes layers in registration order up to a target layer, gating
// each layer on capability availability and routing background-eligible
// layers through the task manager.
//
// The scheduler collects failures instead of short-circuiting: every
// visited layer and category contributes a result, so a caller can always
// see the full pass/fail/skip picture of a partially failed run.
package pipeline
