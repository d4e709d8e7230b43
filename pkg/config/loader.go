package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultWorkers is the worker pool size when the manifest leaves it unset.
const DefaultWorkers = 4

// defaultLayerTimeout applies to layers that declare no timeout of their own.
const defaultLayerTimeout = 15 * time.Minute

// Load reads, decodes, and validates a manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates manifest bytes.
func Parse(data []byte) (*Manifest, error) {
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	manifest.applyDefaults()

	if err := validator.New().Struct(&manifest); err != nil {
		return nil, fmt.Errorf("validate manifest: %w", err)
	}
	if err := manifest.check(); err != nil {
		return nil, err
	}
	return &manifest, nil
}

func (m *Manifest) applyDefaults() {
	if m.Workers == 0 {
		m.Workers = DefaultWorkers
	}
	for i := range m.Layers {
		if m.Layers[i].Timeout == 0 {
			m.Layers[i].Timeout = Duration(defaultLayerTimeout)
		}
	}
	if len(m.Sinks) == 0 {
		m.Sinks = []SinkConfig{{Name: "console", Mode: "console"}}
	}
}

// check enforces the cross-field rules the struct tags cannot express.
// The pipeline re-validates layer definitions at registration time; the
// checks here exist to fail with a manifest-level message before anything
// is constructed.
func (m *Manifest) check() error {
	layerNames := make(map[string]struct{}, len(m.Layers))
	for _, layer := range m.Layers {
		if _, dup := layerNames[layer.Name]; dup {
			return fmt.Errorf("manifest: duplicate layer %q", layer.Name)
		}
		layerNames[layer.Name] = struct{}{}

		if layer.Strategy == "parallel-limited" && layer.MaxParallel <= 0 {
			return fmt.Errorf("manifest: layer %q uses parallel-limited without max_parallel", layer.Name)
		}
		if layer.BackgroundEligible && layer.Strategy == "parallel-unlimited" {
			return fmt.Errorf("manifest: background-eligible layer %q must not use parallel-unlimited", layer.Name)
		}
	}

	capabilityNames := make(map[string]struct{}, len(m.Capabilities))
	for _, probe := range m.Capabilities {
		if _, dup := capabilityNames[probe.Name]; dup {
			return fmt.Errorf("manifest: duplicate capability %q", probe.Name)
		}
		capabilityNames[probe.Name] = struct{}{}
	}

	sinkNames := make(map[string]struct{}, len(m.Sinks))
	for _, sink := range m.Sinks {
		if _, dup := sinkNames[sink.Name]; dup {
			return fmt.Errorf("manifest: duplicate sink %q", sink.Name)
		}
		sinkNames[sink.Name] = struct{}{}
	}

	for category, policy := range m.RetryPolicies {
		if err := policy.Policy().Validate(); err != nil {
			return fmt.Errorf("manifest: retry policy for %q: %w", category, err)
		}
	}

	return nil
}
