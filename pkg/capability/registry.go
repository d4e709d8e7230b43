package capability

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/verityci/verity/pkg/events"
	"github.com/verityci/verity/pkg/telemetry"
)

// ErrUnknownCapability is returned when a capability has no registered
// probe and no environment override. Callers get this explicit signal
// rather than a default "unavailable".
var ErrUnknownCapability = errors.New("unknown capability")

// DefaultProbeTimeout bounds a single probe invocation when the embedder's
// probe does not bound itself.
const DefaultProbeTimeout = 30 * time.Second

// Source records how an availability value was determined.
type Source string

const (
	// SourceProbed means the value came from invoking the probe.
	SourceProbed Source = "probed"

	// SourceEnvOverride means the value came from an environment override.
	SourceEnvOverride Source = "env-override"
)

// Record is the cached availability result for one capability.
type Record struct {
	// Name is the capability name.
	Name string `json:"name"`

	// Available is the probed availability.
	Available bool `json:"available"`

	// LastError is the recorded probe error, if any.
	LastError string `json:"last_error,omitempty"`

	// Source is how the value was determined.
	Source Source `json:"source"`

	// ProbedAt is when the probe ran.
	ProbedAt time.Time `json:"probed_at"`
}

// Status is a point-in-time availability report intended for serialization
// by the embedder.
type Status struct {
	// Available lists capabilities currently reported available.
	Available []string `json:"available"`

	// Unavailable lists capabilities currently reported unavailable.
	Unavailable []string `json:"unavailable"`

	// Unknown lists registered capabilities that have not been probed yet.
	Unknown []string `json:"unknown,omitempty"`

	// Errors maps capability names to their recorded probe errors.
	Errors map[string]string `json:"errors,omitempty"`
}

// Options configures a Registry.
type Options struct {
	// ProbeTimeout bounds each probe invocation. Zero uses DefaultProbeTimeout.
	ProbeTimeout time.Duration

	// Logger receives registry diagnostics. Nil disables logging.
	Logger *telemetry.Logger

	// Bus receives system events for probe failures and refreshes. Optional.
	Bus *events.Bus

	// Metrics records probe invocations. Optional.
	Metrics *telemetry.Metrics

	// LookupEnv overrides environment access, for tests. Nil uses os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

// Registry is the shared capability availability cache. One instance is
// constructed at startup and injected into the scheduler and task manager;
// there is no hidden global.
//
// The mutex guards only the record and in-flight maps. Probes run outside
// the lock so a slow probe never blocks lookups of other capabilities;
// concurrent first-time lookups of the same name collapse into a single
// probe call.
type Registry struct {
	mu       sync.Mutex
	probes   map[string]Probe
	records  map[string]*Record
	inflight map[string]chan struct{}

	probeTimeout time.Duration
	log          *telemetry.Logger
	bus          *events.Bus
	metrics      *telemetry.Metrics
	lookupEnv    func(string) (string, bool)
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.LookupEnv == nil {
		opts.LookupEnv = os.LookupEnv
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.Nop()
	}

	return &Registry{
		probes:       make(map[string]Probe),
		records:      make(map[string]*Record),
		inflight:     make(map[string]chan struct{}),
		probeTimeout: opts.ProbeTimeout,
		log:          opts.Logger.NewComponentLogger("capability"),
		bus:          opts.Bus,
		metrics:      opts.Metrics,
		lookupEnv:    opts.LookupEnv,
	}
}

// RegisterProbe registers the probe for a capability name. Registering a
// name twice is a configuration error.
func (r *Registry) RegisterProbe(name string, probe Probe) error {
	if name == "" {
		return fmt.Errorf("capability name must not be empty")
	}
	if probe == nil {
		return fmt.Errorf("probe for capability %q is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.probes[name]; exists {
		return fmt.Errorf("capability %q already registered", name)
	}
	r.probes[name] = probe
	return nil
}

// Names returns the registered capability names, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.probes))
	for name := range r.probes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsAvailable reports whether the named capability is usable. An
// environment override always wins and is re-read on every call. Otherwise
// the cached probe result is returned, probing on first use. Unknown
// capabilities report false; use Check when the distinction matters.
func (r *Registry) IsAvailable(name string) bool {
	available, err := r.Check(name)
	if err != nil {
		return false
	}
	return available
}

// Check is IsAvailable with an explicit error for unknown capabilities:
// a name with neither a registered probe nor an environment override
// returns ErrUnknownCapability instead of a fabricated false.
func (r *Registry) Check(name string) (bool, error) {
	if value, ok := r.envOverride(name); ok {
		return value, nil
	}

	for {
		r.mu.Lock()
		if rec, ok := r.records[name]; ok {
			available := rec.Available
			r.mu.Unlock()
			return available, nil
		}

		probe, registered := r.probes[name]
		if !registered {
			r.mu.Unlock()
			return false, fmt.Errorf("%w: %q", ErrUnknownCapability, name)
		}

		if wait, probing := r.inflight[name]; probing {
			// Another goroutine is running this probe; wait for it and
			// re-read the cache. The record can be gone again if a forced
			// refresh raced us, in which case we loop and probe ourselves.
			r.mu.Unlock()
			<-wait
			continue
		}

		wait := make(chan struct{})
		r.inflight[name] = wait
		r.mu.Unlock()

		rec := r.runProbe(name, probe)

		r.mu.Lock()
		r.records[name] = rec
		delete(r.inflight, name)
		r.mu.Unlock()
		close(wait)

		return rec.Available, nil
	}
}

// Refresh re-probes capabilities. With force it first clears the cached
// records (all of them, or just the named subset) so the next lookups hit
// the probes again; without force it only probes names that have never
// been probed. Safe to call concurrently with IsAvailable.
func (r *Registry) Refresh(force bool, names ...string) {
	r.mu.Lock()
	if len(names) == 0 {
		names = make([]string, 0, len(r.probes))
		for name := range r.probes {
			names = append(names, name)
		}
	}
	if force {
		for _, name := range names {
			delete(r.records, name)
		}
	}
	r.mu.Unlock()

	sort.Strings(names)
	for _, name := range names {
		// Re-populates the cache; env overrides still short-circuit.
		_, _ = r.Check(name)
	}

	r.publish(events.NewSystemEvent(
		fmt.Sprintf("capability refresh completed (%d probed, force=%t)", len(names), force),
		events.LevelInfo))
}

// Status reports the current availability picture without triggering any
// probes. Environment overrides are resolved live.
func (r *Registry) Status() Status {
	r.mu.Lock()
	names := make([]string, 0, len(r.probes))
	for name := range r.probes {
		names = append(names, name)
	}
	records := make(map[string]*Record, len(r.records))
	for name, rec := range r.records {
		records[name] = rec
	}
	r.mu.Unlock()

	sort.Strings(names)
	status := Status{Errors: make(map[string]string)}

	for _, name := range names {
		if value, ok := r.envOverride(name); ok {
			if value {
				status.Available = append(status.Available, name)
			} else {
				status.Unavailable = append(status.Unavailable, name)
			}
			continue
		}

		rec, probed := records[name]
		switch {
		case !probed:
			status.Unknown = append(status.Unknown, name)
		case rec.Available:
			status.Available = append(status.Available, name)
		default:
			status.Unavailable = append(status.Unavailable, name)
			if rec.LastError != "" {
				status.Errors[name] = rec.LastError
			}
		}
	}

	return status
}

// Validate returns non-fatal configuration warnings: nothing registered,
// nothing available, or an override masking a disagreeing probe result.
func (r *Registry) Validate() []string {
	var warnings []string

	r.mu.Lock()
	names := make([]string, 0, len(r.probes))
	for name := range r.probes {
		names = append(names, name)
	}
	records := make(map[string]*Record, len(r.records))
	for name, rec := range r.records {
		records[name] = rec
	}
	r.mu.Unlock()

	if len(names) == 0 {
		return []string{"no capability probes are registered"}
	}
	sort.Strings(names)

	anyAvailable := false
	for _, name := range names {
		override, overridden := r.envOverride(name)

		if overridden {
			if override {
				anyAvailable = true
			}
			if rec, probed := records[name]; probed && rec.Available != override {
				warnings = append(warnings, fmt.Sprintf(
					"capability %q: environment override (%t) disagrees with probe result (%t)",
					name, override, rec.Available))
			}
			continue
		}

		if rec, probed := records[name]; probed && rec.Available {
			anyAvailable = true
		}
	}

	if !anyAvailable {
		warnings = append(warnings, "no capability is currently available")
	}

	return warnings
}

// runProbe invokes the probe outside the registry lock, bounded by the
// probe timeout and insulated from panics.
func (r *Registry) runProbe(name string, probe Probe) *Record {
	type outcome struct {
		available bool
		err       error
	}

	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if v := recover(); v != nil {
				ch <- outcome{false, fmt.Errorf("probe panicked: %v", v)}
			}
		}()
		available, err := probe.Check()
		ch <- outcome{available, err}
	}()

	rec := &Record{
		Name:     name,
		Source:   SourceProbed,
		ProbedAt: time.Now(),
	}

	select {
	case out := <-ch:
		rec.Available = out.available
		if out.err != nil {
			rec.Available = false
			rec.LastError = out.err.Error()
		}
	case <-time.After(r.probeTimeout):
		rec.Available = false
		rec.LastError = fmt.Sprintf("probe timed out after %s", r.probeTimeout)
	}

	result := "available"
	if !rec.Available {
		result = "unavailable"
	}
	if r.metrics != nil {
		r.metrics.RecordCapabilityProbe(name, result)
	}

	log := r.log.WithCapability(name)
	if rec.LastError != "" {
		log.WithField("error", rec.LastError).Warn("capability probe failed")
		r.publish(events.NewSystemEvent(
			fmt.Sprintf("capability %q unavailable: %s", name, rec.LastError),
			events.LevelWarning))
	} else {
		log.Debugf("capability probe result: %s", result)
	}

	return rec
}

// envOverride resolves the <NAME>_AVAILABLE environment override. The
// value is parsed case-insensitively; unparseable values are ignored with
// a warning. Overrides are never cached so they can change at runtime.
func (r *Registry) envOverride(name string) (bool, bool) {
	raw, ok := r.lookupEnv(overrideEnvKey(name))
	if !ok {
		return false, false
	}

	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "1", "yes", "on":
		return true, true
	case "false", "0", "no", "off":
		return false, true
	default:
		r.log.WithCapability(name).Warnf("ignoring unparseable availability override %q", raw)
		return false, false
	}
}

// overrideEnvKey maps a capability name to its override variable:
// "docker-compose" -> "DOCKER_COMPOSE_AVAILABLE".
func overrideEnvKey(name string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - ('a' - 'A')
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, name)
	return mapped + "_AVAILABLE"
}

func (r *Registry) publish(event events.Event) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(event)
}
