package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/verityci/verity/pkg/telemetry"
)

// Mode describes how a sink renders events. The bus itself performs no
// filtering or formatting; the mode is a property of the sink.
type Mode string

const (
	ModeConsole    Mode = "console"
	ModeStructured Mode = "structured"
	ModeStreaming  Mode = "streaming"
	ModeLog        Mode = "log"
	ModeSilent     Mode = "silent"
)

// Sink receives events from the bus. Write is called from a single
// per-sink goroutine, so implementations do not need internal locking
// against the bus.
type Sink interface {
	// Mode reports how this sink renders events.
	Mode() Mode

	// Write handles a single event. A slow Write only delays this sink's
	// own queue; it never blocks publishers or other sinks.
	Write(event Event)
}

// DefaultQueueSize is the per-sink queue depth used when Register is
// called with a non-positive size.
const DefaultQueueSize = 256

// Bus fans events out to registered sinks in publication order. Each sink
// has a bounded queue drained by its own goroutine; when a queue is full
// the oldest queued event is dropped and counted, so a misbehaving sink
// cannot stall publishers.
type Bus struct {
	mu      sync.RWMutex
	sinks   []*sinkQueue
	closed  bool
	metrics *telemetry.Metrics
}

type sinkQueue struct {
	name    string
	sink    Sink
	queue   chan Event
	dropped atomic.Int64
	done    chan struct{}
	metrics *telemetry.Metrics
}

// NewBus creates an empty bus. Sinks are added with Register. metrics may
// be nil; when set, publications and per-sink drops are counted.
func NewBus(metrics *telemetry.Metrics) *Bus {
	return &Bus{metrics: metrics}
}

// Register attaches a sink under the given name and starts its drain
// goroutine. queueSize bounds the sink's backlog; values <= 0 use
// DefaultQueueSize.
func (b *Bus) Register(name string, sink Sink, queueSize int) error {
	if sink == nil {
		return fmt.Errorf("sink %q is nil", name)
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("bus is closed")
	}
	for _, sq := range b.sinks {
		if sq.name == name {
			return fmt.Errorf("sink %q already registered", name)
		}
	}

	sq := &sinkQueue{
		name:    name,
		sink:    sink,
		queue:   make(chan Event, queueSize),
		done:    make(chan struct{}),
		metrics: b.metrics,
	}
	b.sinks = append(b.sinks, sq)

	go sq.drain()

	return nil
}

// Publish delivers an event to every registered sink in registration
// order. It never blocks: if a sink's queue is full, the oldest queued
// event for that sink is dropped and counted.
func (b *Bus) Publish(event Event) {
	event = stamp(event)

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	if b.metrics != nil {
		b.metrics.RecordEventPublished(string(event.Type))
	}
	for _, sq := range b.sinks {
		sq.offer(event)
	}
}

// Dropped reports how many events were dropped for the named sink because
// its queue overflowed.
func (b *Bus) Dropped(name string) int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sq := range b.sinks {
		if sq.name == name {
			return sq.dropped.Load()
		}
	}
	return 0
}

// Close stops accepting events, lets each sink drain its queue, and waits
// for the drain goroutines to exit or the context to expire.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	sinks := b.sinks
	b.mu.Unlock()

	for _, sq := range sinks {
		close(sq.queue)
	}

	for _, sq := range sinks {
		select {
		case <-sq.done:
		case <-ctx.Done():
			return fmt.Errorf("bus close: sink %q did not drain: %w", sq.name, ctx.Err())
		}
	}
	return nil
}

// offer enqueues without blocking, evicting the oldest event on overflow.
func (sq *sinkQueue) offer(event Event) {
	select {
	case sq.queue <- event:
		return
	default:
	}

	// Queue full: evict one, then retry once. A concurrent publisher may
	// win the freed slot, in which case this event is the one dropped.
	select {
	case <-sq.queue:
		sq.drop()
	default:
	}
	select {
	case sq.queue <- event:
	default:
		sq.drop()
	}
}

func (sq *sinkQueue) drop() {
	sq.dropped.Add(1)
	if sq.metrics != nil {
		sq.metrics.RecordEventDropped(sq.name)
	}
}

func (sq *sinkQueue) drain() {
	defer close(sq.done)
	for event := range sq.queue {
		sq.sink.Write(event)
	}
}
