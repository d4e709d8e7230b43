package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/verityci/verity/pkg/telemetry"
)

func newTestManager(t *testing.T, workers int) *Manager {
	t.Helper()

	m := NewManager(Options{
		Workers: workers,
		DefaultPolicy: Policy{
			Strategy:   StrategyFixed,
			BaseDelay:  MinDelay,
			MaxDelay:   time.Second,
			MaxRetries: 3,
		},
	})
	if err := m.Start(); err != nil {
		t.Fatalf("start manager: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.Stop(ctx); err != nil {
			t.Errorf("stop manager: %v", err)
		}
	})
	return m
}

func await(t *testing.T, m *Manager, taskID string) *Result {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := m.Await(ctx, taskID)
	if err != nil {
		t.Fatalf("await task %s: %v", taskID, err)
	}
	return res
}

func TestSubmitValidation(t *testing.T) {
	m := newTestManager(t, 1)
	work := func(ctx context.Context) (json.RawMessage, error) { return nil, nil }

	if _, err := m.Submit(Config{Timeout: time.Second}, work); err == nil {
		t.Error("expected error for empty category")
	}
	if _, err := m.Submit(Config{Category: "build"}, work); err == nil {
		t.Error("expected error for zero timeout")
	}
	if _, err := m.Submit(Config{Category: "build", Timeout: time.Second}, nil); err == nil {
		t.Error("expected error for nil work")
	}
}

func TestSubmitBeforeStart(t *testing.T) {
	m := NewManager(Options{})
	_, err := m.Submit(Config{Category: "build", Timeout: time.Second},
		func(ctx context.Context) (json.RawMessage, error) { return nil, nil })
	if err == nil {
		t.Fatal("expected error submitting before Start")
	}
}

func TestTaskCompletes(t *testing.T) {
	m := newTestManager(t, 2)

	id, err := m.Submit(Config{Category: "unit", Timeout: time.Second},
		func(ctx context.Context) (json.RawMessage, error) {
			return json.RawMessage(`{"passed":12}`), nil
		})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	res := await(t, m, id)
	if res.FinalState != StateCompleted {
		t.Errorf("final state = %s, want %s", res.FinalState, StateCompleted)
	}
	if res.RetryCount != 0 {
		t.Errorf("retry count = %d, want 0", res.RetryCount)
	}
	if res.ExitSignal != "" {
		t.Errorf("exit signal = %q, want empty", res.ExitSignal)
	}
	if string(res.Output) != `{"passed":12}` {
		t.Errorf("output = %s, want passthrough payload", res.Output)
	}

	state, err := m.TaskState(id)
	if err != nil {
		t.Fatalf("task state: %v", err)
	}
	if state != StateCompleted {
		t.Errorf("state = %s, want %s", state, StateCompleted)
	}
}

func TestPermanentFailureExhaustsRetries(t *testing.T) {
	m := newTestManager(t, 1)

	var attempts atomic.Int64
	id, err := m.Submit(Config{Category: "flaky", Timeout: time.Second, MaxRetries: 2},
		func(ctx context.Context) (json.RawMessage, error) {
			attempts.Add(1)
			return nil, errors.New("boom")
		})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	res := await(t, m, id)
	if res.FinalState != StateFailed {
		t.Errorf("final state = %s, want %s", res.FinalState, StateFailed)
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("attempts = %d, want maxRetries+1 = 3", got)
	}
	if res.RetryCount != 2 {
		t.Errorf("retry count = %d, want 2", res.RetryCount)
	}
	if res.ErrorDetail != "boom" {
		t.Errorf("error detail = %q, want \"boom\"", res.ErrorDetail)
	}

	stats := m.Stats("flaky")
	if stats.FailedAfterRetries != 1 {
		t.Errorf("failedAfterRetries = %d, want 1", stats.FailedAfterRetries)
	}
	if stats.TotalAttempts != 3 {
		t.Errorf("totalAttempts = %d, want 3", stats.TotalAttempts)
	}
	if stats.TotalRetryAttempts != 2 {
		t.Errorf("totalRetryAttempts = %d, want 2", stats.TotalRetryAttempts)
	}
	if stats.SuccessRate != 0 {
		t.Errorf("successRate = %g, want 0", stats.SuccessRate)
	}
}

func TestFixedRetryDelayElapsed(t *testing.T) {
	m := newTestManager(t, 1)

	start := time.Now()
	id, err := m.Submit(Config{Category: "timed", Timeout: time.Second, MaxRetries: 2},
		func(ctx context.Context) (json.RawMessage, error) {
			return nil, errors.New("always fails")
		})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	res := await(t, m, id)
	elapsed := time.Since(start)

	if res.FinalState != StateFailed {
		t.Fatalf("final state = %s, want %s", res.FinalState, StateFailed)
	}
	// Two retries at the fixed 100ms base delay.
	if elapsed < 180*time.Millisecond {
		t.Errorf("elapsed = %s, want at least ~200ms of retry delay", elapsed)
	}
	if elapsed > 2*time.Second {
		t.Errorf("elapsed = %s, retries took far too long", elapsed)
	}
}

func TestSuccessAfterRetry(t *testing.T) {
	m := newTestManager(t, 1)

	var attempts atomic.Int64
	id, err := m.Submit(Config{Category: "eventually", Timeout: time.Second, MaxRetries: 3},
		func(ctx context.Context) (json.RawMessage, error) {
			if attempts.Add(1) < 3 {
				return nil, errors.New("not yet")
			}
			return nil, nil
		})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	res := await(t, m, id)
	if res.FinalState != StateCompleted {
		t.Errorf("final state = %s, want %s", res.FinalState, StateCompleted)
	}
	if res.RetryCount != 2 {
		t.Errorf("retry count = %d, want 2", res.RetryCount)
	}

	stats := m.Stats("eventually")
	if stats.SuccessfulRetries != 1 {
		t.Errorf("successfulRetries = %d, want 1", stats.SuccessfulRetries)
	}
	if stats.SuccessRate != 1 {
		t.Errorf("successRate = %g, want 1", stats.SuccessRate)
	}
}

func TestTimeoutFinalState(t *testing.T) {
	m := newTestManager(t, 1)

	id, err := m.Submit(Config{Category: "slow", Timeout: 50 * time.Millisecond},
		func(ctx context.Context) (json.RawMessage, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	res := await(t, m, id)
	if res.FinalState != StateTimeout {
		t.Errorf("final state = %s, want %s", res.FinalState, StateTimeout)
	}
	if res.ExitSignal != "timeout" {
		t.Errorf("exit signal = %q, want \"timeout\"", res.ExitSignal)
	}
}

func TestTimeoutCountsAsFailureForRetry(t *testing.T) {
	m := newTestManager(t, 1)

	var attempts atomic.Int64
	id, err := m.Submit(Config{Category: "slow-start", Timeout: 50 * time.Millisecond, MaxRetries: 1},
		func(ctx context.Context) (json.RawMessage, error) {
			if attempts.Add(1) == 1 {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return nil, nil
		})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	res := await(t, m, id)
	if res.FinalState != StateCompleted {
		t.Errorf("final state = %s, want %s after retrying a timeout", res.FinalState, StateCompleted)
	}
	if res.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", res.RetryCount)
	}
}

func TestCancelRunningTask(t *testing.T) {
	m := newTestManager(t, 1)

	started := make(chan struct{})
	id, err := m.Submit(Config{Category: "long", Timeout: time.Minute},
		func(ctx context.Context) (json.RawMessage, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	<-started
	if err := m.Cancel(id); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	res := await(t, m, id)
	if res.FinalState != StateCancelled {
		t.Errorf("final state = %s, want %s", res.FinalState, StateCancelled)
	}
	if res.RetryCount != 0 {
		t.Errorf("retry count = %d, cancellation must not retry", res.RetryCount)
	}

	// Cancelling a terminal task is a no-op.
	if err := m.Cancel(id); err != nil {
		t.Errorf("cancel terminal task: %v", err)
	}
}

func TestCancelQueuedTask(t *testing.T) {
	m := newTestManager(t, 1)

	gate := make(chan struct{})
	blockerStarted := make(chan struct{})
	blocker, err := m.Submit(Config{Category: "blocker", Timeout: time.Minute},
		func(ctx context.Context) (json.RawMessage, error) {
			close(blockerStarted)
			<-gate
			return nil, nil
		})
	if err != nil {
		t.Fatalf("submit blocker: %v", err)
	}
	<-blockerStarted

	queued, err := m.Submit(Config{Category: "queued", Timeout: time.Minute},
		func(ctx context.Context) (json.RawMessage, error) { return nil, nil })
	if err != nil {
		t.Fatalf("submit queued: %v", err)
	}

	if err := m.Cancel(queued); err != nil {
		t.Fatalf("cancel queued: %v", err)
	}
	res := await(t, m, queued)
	if res.FinalState != StateCancelled {
		t.Errorf("final state = %s, want %s", res.FinalState, StateCancelled)
	}

	close(gate)
	if res := await(t, m, blocker); res.FinalState != StateCompleted {
		t.Errorf("blocker state = %s, want %s", res.FinalState, StateCompleted)
	}
}

func TestPriorityOrdering(t *testing.T) {
	m := newTestManager(t, 1)

	gate := make(chan struct{})
	blockerStarted := make(chan struct{})
	if _, err := m.Submit(Config{Category: "gate", Timeout: time.Minute},
		func(ctx context.Context) (json.RawMessage, error) {
			close(blockerStarted)
			<-gate
			return nil, nil
		}); err != nil {
		t.Fatalf("submit gate: %v", err)
	}
	<-blockerStarted

	var mu sync.Mutex
	var order []string
	record := func(name string) Work {
		return func(ctx context.Context) (json.RawMessage, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil, nil
		}
	}

	lowID, err := m.Submit(Config{Category: "p", Timeout: time.Second, Priority: 0}, record("low"))
	if err != nil {
		t.Fatalf("submit low: %v", err)
	}
	highID, err := m.Submit(Config{Category: "p", Timeout: time.Second, Priority: 5}, record("high"))
	if err != nil {
		t.Fatalf("submit high: %v", err)
	}

	close(gate)
	await(t, m, lowID)
	await(t, m, highID)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "high" || order[1] != "low" {
		t.Errorf("execution order = %v, want [high low]", order)
	}
}

func TestPanicCapturedAsFailure(t *testing.T) {
	m := newTestManager(t, 1)

	id, err := m.Submit(Config{Category: "panics", Timeout: time.Second},
		func(ctx context.Context) (json.RawMessage, error) {
			panic("kaboom")
		})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	res := await(t, m, id)
	if res.FinalState != StateFailed {
		t.Errorf("final state = %s, want %s", res.FinalState, StateFailed)
	}
	if res.ErrorDetail == "" {
		t.Error("expected panic to be recorded in error detail")
	}
}

func TestMaxRetriesClampedOnSubmit(t *testing.T) {
	m := newTestManager(t, 4)

	var attempts atomic.Int64
	id, err := m.Submit(Config{Category: "capped", Timeout: time.Second, MaxRetries: 500},
		func(ctx context.Context) (json.RawMessage, error) {
			attempts.Add(1)
			return nil, fmt.Errorf("attempt %d", attempts.Load())
		})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	res, err := m.Await(ctx, id)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if res.RetryCount != MaxRetriesCap {
		t.Errorf("retry count = %d, want clamp to %d", res.RetryCount, MaxRetriesCap)
	}
}

func TestStopCancelsInFlight(t *testing.T) {
	m := NewManager(Options{Workers: 1})
	if err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	started := make(chan struct{})
	id, err := m.Submit(Config{Category: "long", Timeout: time.Minute},
		func(ctx context.Context) (json.RawMessage, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	state, err := m.TaskState(id)
	if err != nil {
		t.Fatalf("task state: %v", err)
	}
	if state != StateCancelled {
		t.Errorf("state after stop = %s, want %s", state, StateCancelled)
	}
}

func TestUnknownTask(t *testing.T) {
	m := newTestManager(t, 1)

	if _, err := m.TaskState("nope"); err == nil {
		t.Error("expected error for unknown task state")
	}
	if err := m.Cancel("nope"); err == nil {
		t.Error("expected error cancelling unknown task")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := m.Await(ctx, "nope"); err == nil {
		t.Error("expected error awaiting unknown task")
	}
}

func TestAttemptsRunUnderTracer(t *testing.T) {
	tracer, err := telemetry.NewTracer(telemetry.TracingConfig{}, "verity-test", "test", "test")
	if err != nil {
		t.Fatalf("tracer: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracer.Shutdown(ctx)
	})

	m := NewManager(Options{
		Workers: 1,
		DefaultPolicy: Policy{
			Strategy:  StrategyFixed,
			BaseDelay: MinDelay,
			MaxDelay:  time.Second,
		},
		Tracer: tracer,
	})
	if err := m.Start(); err != nil {
		t.Fatalf("start manager: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Stop(ctx)
	})

	// One failing attempt and one successful attempt, so both the error
	// and success span paths are exercised.
	var attempts atomic.Int64
	id, err := m.Submit(Config{Category: "traced", Timeout: time.Second, MaxRetries: 1},
		func(ctx context.Context) (json.RawMessage, error) {
			if attempts.Add(1) == 1 {
				return nil, errors.New("first attempt fails")
			}
			return json.RawMessage(`"done"`), nil
		})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	res := await(t, m, id)
	if res.FinalState != StateCompleted {
		t.Errorf("final state = %s, want %s", res.FinalState, StateCompleted)
	}
	if res.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", res.RetryCount)
	}
	if string(res.Output) != `"done"` {
		t.Errorf("output = %s, want it passed through unchanged", res.Output)
	}
}
