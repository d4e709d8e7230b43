package capability

import (
	"context"
	"fmt"
	"os/exec"
	"time"
)

// Probe determines whether a capability is currently usable. Probes are
// supplied by the embedder; the registry never interprets what a
// capability is, only whether its probe reports it available.
//
// Check must be safe to call from multiple goroutines. A returned error
// means the capability is unavailable; the registry records the error text
// and never propagates it as a failure.
type Probe interface {
	Check() (bool, error)
}

// ProbeFunc adapts a plain function to the Probe interface.
type ProbeFunc func() (bool, error)

// Check implements Probe.
func (f ProbeFunc) Check() (bool, error) {
	return f()
}

// CommandProbe reports a capability available when a command exits
// successfully. It is the conventional probe shape for daemon-backed
// capabilities ("docker info", "pg_isready", ...).
type CommandProbe struct {
	// Name is the executable to run.
	Name string

	// Args are the command arguments.
	Args []string

	// Timeout bounds the command; zero means the registry's probe timeout
	// is the only bound.
	Timeout time.Duration
}

// Check implements Probe.
func (p *CommandProbe) Check() (bool, error) {
	ctx := context.Background()
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, p.Name, p.Args...)
	if err := cmd.Run(); err != nil {
		return false, fmt.Errorf("%s: %w", p.Name, err)
	}
	return true, nil
}
