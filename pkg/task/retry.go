package task

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Strategy selects how retry delays grow between attempts.
type Strategy string

const (
	// StrategyFixed retries after BaseDelay every time.
	StrategyFixed Strategy = "fixed"

	// StrategyExponentialBackoff retries after BaseDelay * multiplier^attempt.
	StrategyExponentialBackoff Strategy = "exponential-backoff"

	// StrategyLinearBackoff retries after BaseDelay * (1 + attempt).
	StrategyLinearBackoff Strategy = "linear-backoff"

	// StrategyRandomJitter retries after BaseDelay + uniform(0, BaseDelay).
	StrategyRandomJitter Strategy = "random-jitter"
)

// Validate checks that the strategy is a member of the closed set.
func (s Strategy) Validate() error {
	switch s {
	case StrategyFixed, StrategyExponentialBackoff, StrategyLinearBackoff, StrategyRandomJitter:
		return nil
	default:
		return fmt.Errorf("invalid retry strategy: %s", s)
	}
}

// Clamping bounds applied when a policy is registered.
const (
	// MinDelay is the floor for any computed delay and for BaseDelay.
	MinDelay = 100 * time.Millisecond

	// MaxBaseDelay is the ceiling for BaseDelay.
	MaxBaseDelay = 60 * time.Second

	// MaxRetriesCap is the ceiling for MaxRetries.
	MaxRetriesCap = 10
)

// Policy describes the retry behavior for one category of task. Policies
// are normalized on registration; ComputeDelay assumes a normalized policy.
type Policy struct {
	// Strategy selects the delay schedule.
	Strategy Strategy `json:"strategy" yaml:"strategy"`

	// BaseDelay is the first-retry delay, clamped to [MinDelay, MaxBaseDelay].
	BaseDelay time.Duration `json:"base_delay" yaml:"base_delay"`

	// MaxDelay caps every computed delay.
	MaxDelay time.Duration `json:"max_delay" yaml:"max_delay"`

	// BackoffMultiplier is the exponential growth factor (>= 1).
	BackoffMultiplier float64 `json:"backoff_multiplier" yaml:"backoff_multiplier"`

	// JitterEnabled applies +/-10% jitter to non-random strategies.
	JitterEnabled bool `json:"jitter_enabled" yaml:"jitter_enabled"`

	// MaxRetries bounds retry attempts, clamped to [0, MaxRetriesCap].
	MaxRetries int `json:"max_retries" yaml:"max_retries"`
}

// DefaultPolicy returns the policy used when a category has none registered.
func DefaultPolicy() Policy {
	return Policy{
		Strategy:          StrategyExponentialBackoff,
		BaseDelay:         1 * time.Second,
		MaxDelay:          60 * time.Second,
		BackoffMultiplier: 2.0,
		JitterEnabled:     true,
		MaxRetries:        3,
	}
}

// Validate checks the policy fields without clamping them.
func (p Policy) Validate() error {
	if err := p.Strategy.Validate(); err != nil {
		return err
	}
	if p.BaseDelay <= 0 {
		return fmt.Errorf("base delay must be positive, got %s", p.BaseDelay)
	}
	if p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("max delay %s is below base delay %s", p.MaxDelay, p.BaseDelay)
	}
	if p.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff multiplier must be >= 1, got %g", p.BackoffMultiplier)
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("max retries must be >= 0, got %d", p.MaxRetries)
	}
	return nil
}

// Normalize clamps the policy into its documented bounds and fills zero
// values with defaults.
func (p Policy) Normalize() Policy {
	if p.Strategy == "" {
		p.Strategy = StrategyExponentialBackoff
	}
	if p.BaseDelay < MinDelay {
		p.BaseDelay = MinDelay
	}
	if p.BaseDelay > MaxBaseDelay {
		p.BaseDelay = MaxBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = MaxBaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.BackoffMultiplier < 1 {
		p.BackoffMultiplier = 2.0
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.MaxRetries > MaxRetriesCap {
		p.MaxRetries = MaxRetriesCap
	}
	return p
}

// ComputeDelay returns the delay before retry number attempt (0-based).
// For strategies other than RandomJitter, +/-10% jitter is applied when
// enabled; the result is always clamped to [MinDelay, MaxDelay]. Spreading
// retries this way avoids thundering-herd re-execution while keeping the
// worst case bounded.
func ComputeDelay(p Policy, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	var delay time.Duration
	switch p.Strategy {
	case StrategyFixed:
		delay = p.BaseDelay
	case StrategyExponentialBackoff:
		scaled := float64(p.BaseDelay) * math.Pow(p.BackoffMultiplier, float64(attempt))
		if scaled > float64(p.MaxDelay) {
			scaled = float64(p.MaxDelay)
		}
		delay = time.Duration(scaled)
	case StrategyLinearBackoff:
		delay = p.BaseDelay * time.Duration(1+attempt)
	case StrategyRandomJitter:
		delay = p.BaseDelay + time.Duration(rand.Float64()*float64(p.BaseDelay))
	default:
		delay = p.BaseDelay
	}

	if p.JitterEnabled && p.Strategy != StrategyRandomJitter {
		// +/-10%
		factor := 0.9 + rand.Float64()*0.2
		delay = time.Duration(float64(delay) * factor)
	}

	if delay < MinDelay {
		delay = MinDelay
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}
