package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/verityci/verity/pkg/capability"
	"github.com/verityci/verity/pkg/config"
	"github.com/verityci/verity/pkg/events"
	"github.com/verityci/verity/pkg/pipeline"
	"github.com/verityci/verity/pkg/task"
	"github.com/verityci/verity/pkg/telemetry"
)

// shutdownGrace bounds how long teardown waits for the task manager and
// event bus to drain.
const shutdownGrace = 10 * time.Second

// app wires the manifest into the running components. Built once per
// command invocation, torn down by shutdown.
type app struct {
	manifest  *config.Manifest
	telemetry *telemetry.Telemetry
	bus       *events.Bus
	streams   []*events.StreamSink
	registry  *capability.Registry
	tasks     *task.Manager
	scheduler *pipeline.Scheduler
	watcher   *config.Watcher
}

// newApp loads the manifest and constructs the pipeline components in
// dependency order: telemetry, bus, registry, task manager, scheduler.
func newApp(path string, watchManifest bool) (*app, error) {
	manifest, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	tel, err := buildTelemetry(manifest)
	if err != nil {
		return nil, fmt.Errorf("telemetry setup: %w", err)
	}
	if tel.Config.Metrics.Enabled {
		if err := tel.Metrics.StartMetricsServer(tel.Logger); err != nil {
			return nil, fmt.Errorf("metrics server: %w", err)
		}
	}

	bus := events.NewBus(tel.Metrics)
	streams, err := registerSinks(bus, manifest.Sinks, tel.Logger)
	if err != nil {
		return nil, err
	}

	registry := capability.NewRegistry(capability.Options{
		Logger:  tel.Logger,
		Bus:     bus,
		Metrics: tel.Metrics,
	})
	for _, probe := range manifest.Capabilities {
		if err := registry.RegisterProbe(probe.Name, probe.Probe()); err != nil {
			return nil, err
		}
	}

	tasks := task.NewManager(task.Options{
		Workers:  manifest.Workers,
		Registry: registry,
		Bus:      bus,
		Logger:   tel.Logger,
		Metrics:  tel.Metrics,
		Tracer:   tel.Tracer,
	})
	for category, policy := range manifest.RetryPolicies {
		if err := tasks.SetPolicy(category, policy.Policy()); err != nil {
			return nil, err
		}
	}
	if err := tasks.Start(); err != nil {
		return nil, err
	}

	scheduler := pipeline.NewScheduler(pipeline.Options{
		Registry: registry,
		Tasks:    tasks,
		Bus:      bus,
		Logger:   tel.Logger,
		Metrics:  tel.Metrics,
		Tracer:   tel.Tracer,
	})
	for _, layer := range manifest.Layers {
		if err := scheduler.RegisterLayer(layer.Definition()); err != nil {
			return nil, err
		}
	}

	a := &app{
		manifest:  manifest,
		telemetry: tel,
		bus:       bus,
		streams:   streams,
		registry:  registry,
		tasks:     tasks,
		scheduler: scheduler,
	}

	if watchManifest {
		watcher, err := config.NewWatcher(path, tel.Logger, func(*config.Manifest) {
			// Layer definitions are immutable per process; a manifest change
			// only re-probes capabilities so gating reflects reality.
			registry.Refresh(true)
		})
		if err != nil {
			return nil, fmt.Errorf("manifest watcher: %w", err)
		}
		a.watcher = watcher
	}

	return a, nil
}

// shutdown tears the components down in reverse construction order.
func (a *app) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if a.watcher != nil {
		_ = a.watcher.Close()
	}
	if err := a.tasks.Stop(ctx); err != nil {
		a.telemetry.Logger.WithError(err).Warn("task manager did not stop cleanly")
	}
	if err := a.bus.Close(ctx); err != nil {
		a.telemetry.Logger.WithError(err).Warn("event bus did not drain cleanly")
	}
	// The bus is closed, so no more writes can reach the streams; closing
	// them lets their drain goroutines exit.
	for _, stream := range a.streams {
		stream.Close()
	}
	_ = a.telemetry.Shutdown(ctx)
}

// buildTelemetry layers the manifest's telemetry settings and the global
// flags over the built-in defaults.
func buildTelemetry(manifest *config.Manifest) (*telemetry.Telemetry, error) {
	cfg := telemetry.DefaultConfig()

	tc := manifest.Telemetry
	if tc.LogLevel != "" {
		cfg.Logging.Level = tc.LogLevel
	}
	if tc.LogFormat != "" {
		cfg.Logging.Format = tc.LogFormat
	}
	if tc.LogOutput != "" {
		cfg.Logging.Output = tc.LogOutput
	}
	if tc.TracingEnabled {
		cfg.Tracing.Enabled = true
		if tc.TracingExporter != "" {
			cfg.Tracing.Exporter = tc.TracingExporter
		}
		if tc.TracingEndpoint != "" {
			cfg.Tracing.Endpoint = tc.TracingEndpoint
		}
	}
	if tc.MetricsEnabled {
		cfg.Metrics.Enabled = true
		if tc.MetricsListen != "" {
			cfg.Metrics.ListenAddress = tc.MetricsListen
		}
	}

	if verbose {
		cfg.Logging.Level = "debug"
	}

	return telemetry.NewTelemetry(cfg)
}

// registerSinks attaches the manifest's sinks to the bus. A streaming sink
// gets a drain goroutine writing JSON lines to stdout so the stream has a
// consumer in CLI mode; the sinks are returned so shutdown can close them
// after the bus has drained.
func registerSinks(bus *events.Bus, sinks []config.SinkConfig, log *telemetry.Logger) ([]*events.StreamSink, error) {
	var streams []*events.StreamSink
	for _, sc := range sinks {
		var sink events.Sink
		switch events.Mode(sc.Mode) {
		case events.ModeConsole:
			sink = events.NewConsoleSink(os.Stdout)
		case events.ModeStructured:
			sink = events.NewStructuredSink(os.Stdout)
		case events.ModeLog:
			sink = events.NewLogSink(log)
		case events.ModeSilent:
			sink = events.NewSilentSink()
		case events.ModeStreaming:
			stream := events.NewStreamSink(sc.QueueSize)
			go func() {
				enc := json.NewEncoder(os.Stdout)
				for event := range stream.Events() {
					_ = enc.Encode(event)
				}
			}()
			streams = append(streams, stream)
			sink = stream
		default:
			return nil, fmt.Errorf("unknown sink mode %q", sc.Mode)
		}

		if err := bus.Register(sc.Name, sink, sc.QueueSize); err != nil {
			return nil, err
		}
	}
	return streams, nil
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
