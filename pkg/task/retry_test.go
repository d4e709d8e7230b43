package task

import (
	"testing"
	"time"
)

func TestStrategyValidate(t *testing.T) {
	for _, s := range []Strategy{StrategyFixed, StrategyExponentialBackoff, StrategyLinearBackoff, StrategyRandomJitter} {
		if err := s.Validate(); err != nil {
			t.Errorf("Validate(%s) = %v, want nil", s, err)
		}
	}
	if err := Strategy("fibonacci").Validate(); err == nil {
		t.Error("expected error for unknown strategy")
	}
}

func TestPolicyValidate(t *testing.T) {
	valid := DefaultPolicy()
	if err := valid.Validate(); err != nil {
		t.Fatalf("default policy should validate: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Policy)
	}{
		{"zero base delay", func(p *Policy) { p.BaseDelay = 0 }},
		{"max below base", func(p *Policy) { p.MaxDelay = p.BaseDelay / 2 }},
		{"multiplier below one", func(p *Policy) { p.BackoffMultiplier = 0.5 }},
		{"negative retries", func(p *Policy) { p.MaxRetries = -1 }},
	}
	for _, tt := range tests {
		p := DefaultPolicy()
		tt.mutate(&p)
		if err := p.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tt.name)
		}
	}
}

func TestPolicyNormalizeClamps(t *testing.T) {
	p := Policy{
		Strategy:   StrategyFixed,
		BaseDelay:  time.Millisecond, // below floor
		MaxDelay:   time.Millisecond,
		MaxRetries: 100,
	}
	n := p.Normalize()

	if n.BaseDelay != MinDelay {
		t.Errorf("BaseDelay = %s, want %s", n.BaseDelay, MinDelay)
	}
	if n.MaxDelay < n.BaseDelay {
		t.Errorf("MaxDelay %s below BaseDelay %s after normalize", n.MaxDelay, n.BaseDelay)
	}
	if n.MaxRetries != MaxRetriesCap {
		t.Errorf("MaxRetries = %d, want %d", n.MaxRetries, MaxRetriesCap)
	}

	p = Policy{Strategy: StrategyFixed, BaseDelay: 10 * time.Minute, MaxRetries: -3}
	n = p.Normalize()
	if n.BaseDelay != MaxBaseDelay {
		t.Errorf("BaseDelay = %s, want ceiling %s", n.BaseDelay, MaxBaseDelay)
	}
	if n.MaxRetries != 0 {
		t.Errorf("MaxRetries = %d, want 0", n.MaxRetries)
	}

	n = Policy{}.Normalize()
	if n.Strategy != StrategyExponentialBackoff {
		t.Errorf("zero policy strategy = %s, want %s", n.Strategy, StrategyExponentialBackoff)
	}
	if n.BackoffMultiplier < 1 {
		t.Errorf("zero policy multiplier = %g, want >= 1", n.BackoffMultiplier)
	}
}

func TestComputeDelayFixed(t *testing.T) {
	p := Policy{
		Strategy:  StrategyFixed,
		BaseDelay: 500 * time.Millisecond,
		MaxDelay:  time.Minute,
	}
	for attempt := 0; attempt < 4; attempt++ {
		if d := ComputeDelay(p, attempt); d != 500*time.Millisecond {
			t.Errorf("attempt %d: delay = %s, want 500ms", attempt, d)
		}
	}
}

func TestComputeDelayExponentialMonotonic(t *testing.T) {
	p := Policy{
		Strategy:          StrategyExponentialBackoff,
		BaseDelay:         time.Second,
		MaxDelay:          60 * time.Second,
		BackoffMultiplier: 2.0,
	}

	var prev time.Duration
	for attempt := 0; attempt <= 3; attempt++ {
		d := ComputeDelay(p, attempt)
		if d < prev {
			t.Errorf("attempt %d: delay %s decreased from %s", attempt, d, prev)
		}
		if d > p.MaxDelay {
			t.Errorf("attempt %d: delay %s exceeds max %s", attempt, d, p.MaxDelay)
		}
		prev = d
	}

	// 1s * 2^2 = 4s exactly with jitter disabled.
	if d := ComputeDelay(p, 2); d != 4*time.Second {
		t.Errorf("attempt 2: delay = %s, want 4s", d)
	}
}

func TestComputeDelayLinear(t *testing.T) {
	p := Policy{
		Strategy:  StrategyLinearBackoff,
		BaseDelay: 200 * time.Millisecond,
		MaxDelay:  time.Minute,
	}
	for attempt := 0; attempt < 4; attempt++ {
		want := p.BaseDelay * time.Duration(1+attempt)
		if d := ComputeDelay(p, attempt); d != want {
			t.Errorf("attempt %d: delay = %s, want %s", attempt, d, want)
		}
	}
}

func TestComputeDelayRandomJitterBounds(t *testing.T) {
	p := Policy{
		Strategy:  StrategyRandomJitter,
		BaseDelay: time.Second,
		MaxDelay:  time.Minute,
	}
	for i := 0; i < 100; i++ {
		d := ComputeDelay(p, 0)
		if d < p.BaseDelay || d > 2*p.BaseDelay {
			t.Fatalf("delay %s outside [base, 2*base]", d)
		}
	}
}

func TestComputeDelayJitterBounds(t *testing.T) {
	p := Policy{
		Strategy:      StrategyFixed,
		BaseDelay:     time.Second,
		MaxDelay:      time.Minute,
		JitterEnabled: true,
	}
	low := time.Duration(float64(p.BaseDelay) * 0.9)
	high := time.Duration(float64(p.BaseDelay) * 1.1)
	for i := 0; i < 100; i++ {
		d := ComputeDelay(p, 0)
		if d < low || d > high {
			t.Fatalf("delay %s outside +/-10%% jitter bounds [%s, %s]", d, low, high)
		}
	}
}

func TestComputeDelayClamps(t *testing.T) {
	p := Policy{
		Strategy:          StrategyExponentialBackoff,
		BaseDelay:         time.Second,
		MaxDelay:          3 * time.Second,
		BackoffMultiplier: 10,
	}
	if d := ComputeDelay(p, 5); d != p.MaxDelay {
		t.Errorf("delay = %s, want clamp to %s", d, p.MaxDelay)
	}

	// Negative attempt indexes behave as the first attempt.
	if d := ComputeDelay(p, -1); d != time.Second {
		t.Errorf("delay = %s, want %s for negative attempt", d, time.Second)
	}
}
