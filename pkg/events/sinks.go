package events

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/verityci/verity/pkg/telemetry"
)

// ConsoleSink renders events as single human-readable lines.
type ConsoleSink struct {
	w io.Writer
}

// NewConsoleSink creates a console sink writing to w.
func NewConsoleSink(w io.Writer) *ConsoleSink {
	return &ConsoleSink{w: w}
}

// Mode implements Sink.
func (s *ConsoleSink) Mode() Mode { return ModeConsole }

// Write implements Sink.
func (s *ConsoleSink) Write(event Event) {
	scope := string(event.Type)
	switch {
	case event.TaskID != "":
		scope = fmt.Sprintf("task %s", event.TaskID)
	case event.Category != "":
		scope = fmt.Sprintf("%s/%s", event.Layer, event.Category)
	case event.Layer != "":
		scope = event.Layer
	}
	fmt.Fprintf(s.w, "%s [%s] %s: %s\n",
		event.Timestamp.Format("15:04:05.000"), event.Level, scope, event.Message)
}

// StructuredSink writes events as JSON lines for machine consumption.
type StructuredSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewStructuredSink creates a structured sink writing JSON lines to w.
func NewStructuredSink(w io.Writer) *StructuredSink {
	return &StructuredSink{enc: json.NewEncoder(w)}
}

// Mode implements Sink.
func (s *StructuredSink) Mode() Mode { return ModeStructured }

// Write implements Sink.
func (s *StructuredSink) Write(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.enc.Encode(event)
}

// LogSink forwards events to the structured logger at the matching level.
type LogSink struct {
	log *telemetry.Logger
}

// NewLogSink creates a log sink backed by the given logger.
func NewLogSink(log *telemetry.Logger) *LogSink {
	return &LogSink{log: log}
}

// Mode implements Sink.
func (s *LogSink) Mode() Mode { return ModeLog }

// Write implements Sink.
func (s *LogSink) Write(event Event) {
	log := s.log.WithField("event_type", string(event.Type))
	if event.RunID != "" {
		log = log.WithRunID(event.RunID)
	}
	if event.Layer != "" {
		log = log.WithLayer(event.Layer)
	}
	if event.Category != "" {
		log = log.WithCategory(event.Category)
	}
	if event.TaskID != "" {
		log = log.WithTaskID(event.TaskID)
	}

	switch event.Level {
	case LevelError:
		log.Error(event.Message)
	case LevelWarning:
		log.Warn(event.Message)
	default:
		log.Info(event.Message)
	}
}

// StreamSink exposes events as a channel for embedders that consume the
// stream themselves (e.g. a UI). Events that arrive while the consumer is
// not keeping up are handled by the bus queue, not here; Write only does a
// non-blocking send so a vanished consumer cannot wedge the drain loop.
type StreamSink struct {
	ch      chan Event
	dropped atomic.Int64
}

// NewStreamSink creates a stream sink with the given channel capacity.
func NewStreamSink(capacity int) *StreamSink {
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}
	return &StreamSink{ch: make(chan Event, capacity)}
}

// Mode implements Sink.
func (s *StreamSink) Mode() Mode { return ModeStreaming }

// Write implements Sink.
func (s *StreamSink) Write(event Event) {
	select {
	case s.ch <- event:
	default:
		s.dropped.Add(1)
	}
}

// Events returns the consumer side of the stream.
func (s *StreamSink) Events() <-chan Event {
	return s.ch
}

// Close closes the stream so consumers ranging over Events terminate. It
// must only be called once the bus feeding this sink has been closed;
// Write on a closed stream panics.
func (s *StreamSink) Close() {
	close(s.ch)
}

// Dropped reports events discarded because the consumer fell behind.
func (s *StreamSink) Dropped() int64 {
	return s.dropped.Load()
}

// SilentSink discards events while counting them per type. Useful when the
// embedder only wants aggregate numbers.
type SilentSink struct {
	mu     sync.Mutex
	counts map[Type]int64
}

// NewSilentSink creates a counting sink.
func NewSilentSink() *SilentSink {
	return &SilentSink{counts: make(map[Type]int64)}
}

// Mode implements Sink.
func (s *SilentSink) Mode() Mode { return ModeSilent }

// Write implements Sink.
func (s *SilentSink) Write(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[event.Type]++
}

// Counts returns a copy of the per-type event counts.
func (s *SilentSink) Counts() map[Type]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Type]int64, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}
	return out
}
