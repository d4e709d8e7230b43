// Package events implements the progress event bus for the Verity
// pipeline: ordered fan-out of structured events from the scheduler,
// capability registry, and task manager to zero or more output sinks.
//
// The bus guarantees that events from a single publisher reach each sink
// in publication order. Every sink owns a bounded queue drained by its own
// goroutine; when a queue overflows the oldest event is dropped and
// counted, so a slow or stuck sink never blocks the components doing real
// work.
//
// Output modes (console, structured, streaming, log, silent) are a
// property of each sink. The bus performs no filtering or formatting.
package events
