package capability

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// countingProbe records how many times it was invoked.
type countingProbe struct {
	mu        sync.Mutex
	calls     int
	available bool
	err       error
	delay     time.Duration
}

func (p *countingProbe) Check() (bool, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()

	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	return p.available, p.err
}

func (p *countingProbe) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// fakeEnv backs the registry's environment lookup in tests.
type fakeEnv map[string]string

func (e fakeEnv) lookup(key string) (string, bool) {
	v, ok := e[key]
	return v, ok
}

func newTestRegistry(env fakeEnv) *Registry {
	return NewRegistry(Options{
		ProbeTimeout: 2 * time.Second,
		LookupEnv:    env.lookup,
	})
}

func TestCheckUnknownCapability(t *testing.T) {
	r := newTestRegistry(fakeEnv{})

	_, err := r.Check("ghost")
	if !errors.Is(err, ErrUnknownCapability) {
		t.Fatalf("err = %v, want ErrUnknownCapability", err)
	}
	if r.IsAvailable("ghost") {
		t.Error("unknown capability must not report available")
	}
}

func TestRegisterProbeValidation(t *testing.T) {
	r := newTestRegistry(fakeEnv{})

	if err := r.RegisterProbe("", &countingProbe{}); err == nil {
		t.Error("expected error for empty name")
	}
	if err := r.RegisterProbe("docker", nil); err == nil {
		t.Error("expected error for nil probe")
	}
	if err := r.RegisterProbe("docker", &countingProbe{available: true}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.RegisterProbe("docker", &countingProbe{}); err == nil {
		t.Error("expected error for duplicate registration")
	}
}

func TestProbeResultCached(t *testing.T) {
	r := newTestRegistry(fakeEnv{})
	probe := &countingProbe{available: true}
	if err := r.RegisterProbe("docker", probe); err != nil {
		t.Fatalf("register: %v", err)
	}

	for i := 0; i < 5; i++ {
		if !r.IsAvailable("docker") {
			t.Fatal("expected docker available")
		}
	}
	if probe.callCount() != 1 {
		t.Errorf("probe calls = %d, want 1 (cached after first)", probe.callCount())
	}
}

func TestEnvOverridePrecedence(t *testing.T) {
	env := fakeEnv{"DOCKER_AVAILABLE": "false"}
	r := newTestRegistry(env)
	probe := &countingProbe{available: true}
	if err := r.RegisterProbe("docker", probe); err != nil {
		t.Fatalf("register: %v", err)
	}

	// Override wins over the probe, repeatedly, without probing at all.
	for i := 0; i < 3; i++ {
		if r.IsAvailable("docker") {
			t.Fatal("override=false must win over probe=true")
		}
	}
	if probe.callCount() != 0 {
		t.Errorf("probe calls = %d, want 0 under an override", probe.callCount())
	}

	// Still wins across a forced refresh.
	r.Refresh(true)
	if r.IsAvailable("docker") {
		t.Error("override must win after refresh")
	}

	// Overrides are re-read every call, so a runtime change takes effect.
	env["DOCKER_AVAILABLE"] = "true"
	if !r.IsAvailable("docker") {
		t.Error("changed override must take effect immediately")
	}
	delete(env, "DOCKER_AVAILABLE")
	if !r.IsAvailable("docker") {
		t.Error("with override removed, the probed value should apply")
	}
}

func TestEnvOverrideParsing(t *testing.T) {
	tests := []struct {
		raw       string
		want      bool
		overrides bool
	}{
		{"true", true, true},
		{"TRUE", true, true},
		{"1", true, true},
		{"yes", true, true},
		{"On", true, true},
		{"false", false, true},
		{"0", false, true},
		{"NO", false, true},
		{"off", false, true},
		{" true ", true, true},
		{"maybe", false, false},
		{"", false, false},
	}

	for _, tt := range tests {
		r := newTestRegistry(fakeEnv{"DB_AVAILABLE": tt.raw})
		value, ok := r.envOverride("db")
		if ok != tt.overrides || value != tt.want {
			t.Errorf("envOverride(%q) = (%v, %v), want (%v, %v)",
				tt.raw, value, ok, tt.want, tt.overrides)
		}
	}
}

func TestOverrideEnvKey(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"docker", "DOCKER_AVAILABLE"},
		{"docker-compose", "DOCKER_COMPOSE_AVAILABLE"},
		{"postgres.14", "POSTGRES_14_AVAILABLE"},
	}
	for _, tt := range tests {
		if got := overrideEnvKey(tt.name); got != tt.want {
			t.Errorf("overrideEnvKey(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestConcurrentChecksCollapseIntoOneProbe(t *testing.T) {
	r := newTestRegistry(fakeEnv{})
	probe := &countingProbe{available: true, delay: 50 * time.Millisecond}
	if err := r.RegisterProbe("docker", probe); err != nil {
		t.Fatalf("register: %v", err)
	}

	const callers = 20
	var wg sync.WaitGroup
	results := make([]bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.IsAvailable("docker")
		}(i)
	}
	wg.Wait()

	if probe.callCount() != 1 {
		t.Errorf("probe calls = %d, want 1 for concurrent first lookups", probe.callCount())
	}
	for i, got := range results {
		if !got {
			t.Errorf("caller %d got unavailable, want available", i)
		}
	}
}

func TestRefreshForceReprobes(t *testing.T) {
	r := newTestRegistry(fakeEnv{})
	probe := &countingProbe{available: true}
	if err := r.RegisterProbe("docker", probe); err != nil {
		t.Fatalf("register: %v", err)
	}

	r.IsAvailable("docker")
	r.IsAvailable("docker")
	if probe.callCount() != 1 {
		t.Fatalf("probe calls = %d, want 1", probe.callCount())
	}

	r.Refresh(true)
	if probe.callCount() != 2 {
		t.Errorf("probe calls after forced refresh = %d, want 2", probe.callCount())
	}

	// A non-forced refresh only probes names never probed before.
	r.Refresh(false)
	if probe.callCount() != 2 {
		t.Errorf("probe calls after soft refresh = %d, want 2", probe.callCount())
	}
}

func TestRefreshNamedSubset(t *testing.T) {
	r := newTestRegistry(fakeEnv{})
	dockerProbe := &countingProbe{available: true}
	dbProbe := &countingProbe{available: true}
	if err := r.RegisterProbe("docker", dockerProbe); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.RegisterProbe("db", dbProbe); err != nil {
		t.Fatalf("register: %v", err)
	}

	r.IsAvailable("docker")
	r.IsAvailable("db")
	r.Refresh(true, "db")

	if dockerProbe.callCount() != 1 {
		t.Errorf("docker probe calls = %d, want 1", dockerProbe.callCount())
	}
	if dbProbe.callCount() != 2 {
		t.Errorf("db probe calls = %d, want 2", dbProbe.callCount())
	}
}

func TestProbeErrorRecordsUnavailable(t *testing.T) {
	r := newTestRegistry(fakeEnv{})
	probe := &countingProbe{available: true, err: errors.New("daemon not responding")}
	if err := r.RegisterProbe("docker", probe); err != nil {
		t.Fatalf("register: %v", err)
	}

	available, err := r.Check("docker")
	if err != nil {
		t.Fatalf("probe errors must not propagate, got %v", err)
	}
	if available {
		t.Error("erroring probe must report unavailable")
	}

	status := r.Status()
	if status.Errors["docker"] != "daemon not responding" {
		t.Errorf("recorded error = %q, want probe error text", status.Errors["docker"])
	}
}

func TestProbePanicRecovered(t *testing.T) {
	r := newTestRegistry(fakeEnv{})
	if err := r.RegisterProbe("docker", ProbeFunc(func() (bool, error) {
		panic("probe exploded")
	})); err != nil {
		t.Fatalf("register: %v", err)
	}

	available, err := r.Check("docker")
	if err != nil {
		t.Fatalf("panicking probe must not propagate, got %v", err)
	}
	if available {
		t.Error("panicking probe must report unavailable")
	}

	status := r.Status()
	if status.Errors["docker"] == "" {
		t.Error("expected panic recorded as probe error")
	}
}

func TestProbeTimeout(t *testing.T) {
	r := NewRegistry(Options{
		ProbeTimeout: 20 * time.Millisecond,
		LookupEnv:    fakeEnv{}.lookup,
	})
	if err := r.RegisterProbe("hung", ProbeFunc(func() (bool, error) {
		time.Sleep(500 * time.Millisecond)
		return true, nil
	})); err != nil {
		t.Fatalf("register: %v", err)
	}

	start := time.Now()
	if r.IsAvailable("hung") {
		t.Error("timed-out probe must report unavailable")
	}
	if elapsed := time.Since(start); elapsed > 300*time.Millisecond {
		t.Errorf("lookup took %s, the probe timeout did not apply", elapsed)
	}
}

func TestStatus(t *testing.T) {
	env := fakeEnv{"FORCED_AVAILABLE": "true"}
	r := newTestRegistry(env)
	if err := r.RegisterProbe("up", &countingProbe{available: true}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.RegisterProbe("down", &countingProbe{err: errors.New("nope")}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.RegisterProbe("unprobed", &countingProbe{available: true}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.RegisterProbe("forced", &countingProbe{available: false}); err != nil {
		t.Fatalf("register: %v", err)
	}

	r.IsAvailable("up")
	r.IsAvailable("down")

	status := r.Status()
	if !contains(status.Available, "up") || !contains(status.Available, "forced") {
		t.Errorf("available = %v, want up and forced", status.Available)
	}
	if !contains(status.Unavailable, "down") {
		t.Errorf("unavailable = %v, want down", status.Unavailable)
	}
	if !contains(status.Unknown, "unprobed") {
		t.Errorf("unknown = %v, want unprobed (status must not trigger probes)", status.Unknown)
	}
}

func TestValidateWarnings(t *testing.T) {
	r := newTestRegistry(fakeEnv{})
	warnings := r.Validate()
	if len(warnings) != 1 || warnings[0] != "no capability probes are registered" {
		t.Errorf("warnings = %v, want the no-probes warning", warnings)
	}

	env := fakeEnv{}
	r = newTestRegistry(env)
	if err := r.RegisterProbe("docker", &countingProbe{available: false}); err != nil {
		t.Fatalf("register: %v", err)
	}
	// Probe first so a record exists, then activate a disagreeing override.
	r.IsAvailable("docker")
	env["DOCKER_AVAILABLE"] = "true"

	warnings = r.Validate()
	found := false
	for _, w := range warnings {
		if w == `capability "docker": environment override (true) disagrees with probe result (false)` {
			found = true
		}
	}
	if !found {
		t.Errorf("warnings = %v, want override disagreement warning", warnings)
	}

	// Nothing available at all.
	r = newTestRegistry(fakeEnv{})
	if err := r.RegisterProbe("docker", &countingProbe{available: false}); err != nil {
		t.Fatalf("register: %v", err)
	}
	r.Refresh(true)
	warnings = r.Validate()
	if len(warnings) != 1 || warnings[0] != "no capability is currently available" {
		t.Errorf("warnings = %v, want the nothing-available warning", warnings)
	}
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}
