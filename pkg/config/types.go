package config

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/verityci/verity/pkg/capability"
	"github.com/verityci/verity/pkg/pipeline"
	"github.com/verityci/verity/pkg/task"
)

// Duration wraps time.Duration with human-readable YAML decoding ("5m",
// "30s"). Bare integers are treated as nanoseconds, matching yaml.v3's
// native time.Duration behavior.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw interface{}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case int:
		*d = Duration(v)
	case int64:
		*d = Duration(v)
	case float64:
		*d = Duration(int64(v))
	default:
		return fmt.Errorf("invalid duration value: %v", raw)
	}
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Manifest is the top-level pipeline configuration loaded from YAML.
type Manifest struct {
	// Capabilities declares the probes to register.
	Capabilities []CapabilityConfig `yaml:"capabilities" validate:"dive"`

	// Layers declares the pipeline layers in execution order.
	Layers []LayerConfig `yaml:"layers" validate:"required,min=1,dive"`

	// RetryPolicies maps task categories to their retry policies.
	RetryPolicies map[string]RetryPolicyConfig `yaml:"retry_policies" validate:"dive"`

	// Telemetry tunes logging, tracing, and metrics.
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Sinks declares the event sinks to register on the bus.
	Sinks []SinkConfig `yaml:"sinks" validate:"dive"`

	// Workers is the background task worker pool size.
	Workers int `yaml:"workers" validate:"gte=0"`
}

// CapabilityConfig declares one command-based capability probe.
type CapabilityConfig struct {
	// Name is the capability name; it also derives the override variable.
	Name string `yaml:"name" validate:"required"`

	// Command is the probe executable; a zero exit status means available.
	Command string `yaml:"command" validate:"required"`

	// Args are the probe command arguments.
	Args []string `yaml:"args"`

	// Timeout bounds the probe run. Zero uses the registry default.
	Timeout Duration `yaml:"timeout"`
}

// Probe builds the command probe for this capability.
func (c CapabilityConfig) Probe() capability.Probe {
	return &capability.CommandProbe{
		Name:    c.Command,
		Args:    c.Args,
		Timeout: c.Timeout.Std(),
	}
}

// CategoryConfig declares one unit of work inside a layer.
type CategoryConfig struct {
	// Name identifies the category.
	Name string `yaml:"name" validate:"required"`

	// Command is the executable the category runs.
	Command string `yaml:"command" validate:"required"`

	// Args are the command arguments.
	Args []string `yaml:"args"`

	// Dir is the working directory for the command.
	Dir string `yaml:"dir"`

	// MemoryMB is the declared memory footprint.
	MemoryMB int64 `yaml:"memory_mb" validate:"gte=0"`

	// CPUCores is the declared CPU footprint.
	CPUCores float64 `yaml:"cpu_cores" validate:"gte=0"`

	// EstimatedDuration is the declared runtime, used by hybrid-smart.
	EstimatedDuration Duration `yaml:"estimated_duration"`

	// RequiredCapabilities gate the category.
	RequiredCapabilities []string `yaml:"required_capabilities"`
}

// Category builds the pipeline category, wiring the declared command as
// the work callable.
func (c CategoryConfig) Category() pipeline.Category {
	command := c.Command
	args := c.Args
	dir := c.Dir
	return pipeline.Category{
		Name: c.Name,
		Resources: pipeline.ResourceRequirements{
			MemoryMB:          c.MemoryMB,
			CPUCores:          c.CPUCores,
			EstimatedDuration: c.EstimatedDuration.Std(),
		},
		RequiredCapabilities: c.RequiredCapabilities,
		Run: func(ctx context.Context) error {
			cmd := exec.CommandContext(ctx, command, args...)
			cmd.Dir = dir
			if output, err := cmd.CombinedOutput(); err != nil {
				return fmt.Errorf("%s: %w (output: %s)", command, err, truncate(output, 512))
			}
			return nil
		},
	}
}

// LayerConfig declares one pipeline layer.
type LayerConfig struct {
	// Name identifies the layer; run targets refer to it.
	Name string `yaml:"name" validate:"required"`

	// Strategy is the intra-layer execution strategy.
	Strategy string `yaml:"strategy" validate:"required,oneof=sequential parallel-unlimited parallel-limited hybrid-smart"`

	// Timeout bounds the whole layer.
	Timeout Duration `yaml:"timeout"`

	// MaxParallel bounds concurrency under parallel-limited.
	MaxParallel int `yaml:"max_parallel" validate:"gte=0"`

	// RequiredCapabilities gate the whole layer.
	RequiredCapabilities []string `yaml:"required_capabilities"`

	// BackgroundEligible routes the layer through the task manager.
	BackgroundEligible bool `yaml:"background_eligible"`

	// MaxRetries is the retry budget for background categories.
	MaxRetries int `yaml:"max_retries" validate:"gte=0"`

	// Categories is the layer's work, in declaration order.
	Categories []CategoryConfig `yaml:"categories" validate:"required,min=1,dive"`
}

// Definition builds the pipeline layer definition.
func (c LayerConfig) Definition() pipeline.LayerDefinition {
	categories := make([]pipeline.Category, len(c.Categories))
	for i, category := range c.Categories {
		categories[i] = category.Category()
	}
	return pipeline.LayerDefinition{
		Name:                 c.Name,
		Categories:           categories,
		Strategy:             pipeline.ExecutionStrategy(c.Strategy),
		Timeout:              c.Timeout.Std(),
		MaxParallel:          c.MaxParallel,
		RequiredCapabilities: c.RequiredCapabilities,
		BackgroundEligible:   c.BackgroundEligible,
		MaxRetries:           c.MaxRetries,
	}
}

// RetryPolicyConfig declares a task retry policy.
type RetryPolicyConfig struct {
	// Strategy selects the delay schedule.
	Strategy string `yaml:"strategy" validate:"required,oneof=fixed exponential-backoff linear-backoff random-jitter"`

	// BaseDelay is the first-retry delay.
	BaseDelay Duration `yaml:"base_delay"`

	// MaxDelay caps every computed delay.
	MaxDelay Duration `yaml:"max_delay"`

	// BackoffMultiplier is the exponential growth factor.
	BackoffMultiplier float64 `yaml:"backoff_multiplier" validate:"gte=0"`

	// JitterEnabled applies +/-10% jitter.
	JitterEnabled bool `yaml:"jitter_enabled"`

	// MaxRetries bounds retry attempts.
	MaxRetries int `yaml:"max_retries" validate:"gte=0"`
}

// Policy builds the task retry policy.
func (c RetryPolicyConfig) Policy() task.Policy {
	return task.Policy{
		Strategy:          task.Strategy(c.Strategy),
		BaseDelay:         c.BaseDelay.Std(),
		MaxDelay:          c.MaxDelay.Std(),
		BackoffMultiplier: c.BackoffMultiplier,
		JitterEnabled:     c.JitterEnabled,
		MaxRetries:        c.MaxRetries,
	}
}

// TelemetryConfig tunes the ambient telemetry stack from the manifest.
// Zero values keep the built-in defaults.
type TelemetryConfig struct {
	LogLevel  string `yaml:"log_level" validate:"omitempty,oneof=trace debug info warn error fatal"`
	LogFormat string `yaml:"log_format" validate:"omitempty,oneof=console json"`
	LogOutput string `yaml:"log_output"`

	TracingEnabled  bool   `yaml:"tracing_enabled"`
	TracingExporter string `yaml:"tracing_exporter" validate:"omitempty,oneof=otlp stdout none"`
	TracingEndpoint string `yaml:"tracing_endpoint"`

	MetricsEnabled bool   `yaml:"metrics_enabled"`
	MetricsListen  string `yaml:"metrics_listen"`
}

// SinkConfig declares one event sink registration.
type SinkConfig struct {
	// Name identifies the sink on the bus.
	Name string `yaml:"name" validate:"required"`

	// Mode selects the sink implementation.
	Mode string `yaml:"mode" validate:"required,oneof=console structured streaming log silent"`

	// QueueSize bounds the sink's backlog. Zero uses the bus default.
	QueueSize int `yaml:"queue_size" validate:"gte=0"`
}

func truncate(b []byte, max int) string {
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}
