package task

import (
	"container/heap"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/verityci/verity/pkg/capability"
	"github.com/verityci/verity/pkg/events"
	"github.com/verityci/verity/pkg/telemetry"
)

// Work is the opaque callable executed by a background task. It must honor
// ctx cancellation; the returned payload is passed through to the caller
// uninterpreted.
type Work func(ctx context.Context) (json.RawMessage, error)

// ResourceLimits declares the resource budget for a task. The manager does
// not enforce limits itself; they are carried for the embedder's execution
// environment and for observability.
type ResourceLimits struct {
	// MemoryMB is the memory budget in megabytes.
	MemoryMB int64 `json:"memory_mb,omitempty"`

	// CPUCores is the CPU budget in cores.
	CPUCores float64 `json:"cpu_cores,omitempty"`
}

// Config describes a background task. It is immutable once submitted.
type Config struct {
	// Category names the kind of work for stats and policy lookup.
	Category string `json:"category"`

	// Timeout bounds each attempt; an attempt exceeding it counts as a
	// failure for retry accounting.
	Timeout time.Duration `json:"timeout"`

	// MaxRetries bounds retries, clamped to [0, MaxRetriesCap] on submit.
	MaxRetries int `json:"max_retries"`

	// Priority orders the queue; higher runs first.
	Priority int `json:"priority"`

	// ResourceLimits is the declared resource budget.
	ResourceLimits ResourceLimits `json:"resource_limits"`

	// RequiredCapabilities must all be available at submission time.
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
}

// Result is the immutable outcome of a task that reached a terminal state.
type Result struct {
	// TaskID is the task identifier.
	TaskID string `json:"task_id"`

	// FinalState is the terminal state (completed, failed, cancelled, timeout).
	FinalState State `json:"final_state"`

	// ExitSignal describes what ended the task ("" for success).
	ExitSignal string `json:"exit_signal,omitempty"`

	// Duration is the time from submission to the terminal state.
	Duration time.Duration `json:"duration"`

	// RetryCount is how many retries were consumed.
	RetryCount int `json:"retry_count"`

	// ErrorDetail is the last recorded attempt error.
	ErrorDetail string `json:"error_detail,omitempty"`

	// Output is the work callable's payload, uninterpreted.
	Output json.RawMessage `json:"output,omitempty"`
}

// Options configures a Manager.
type Options struct {
	// Workers is the worker pool size. Zero uses DefaultWorkers.
	Workers int

	// DefaultPolicy is the retry policy for categories without their own.
	// The zero value uses DefaultPolicy().
	DefaultPolicy Policy

	// Registry gates submissions on required capabilities. Optional.
	Registry *capability.Registry

	// Bus receives task lifecycle events. Optional.
	Bus *events.Bus

	// Logger receives manager diagnostics. Nil disables logging.
	Logger *telemetry.Logger

	// Metrics records attempts, retries, and queue depths. Optional.
	Metrics *telemetry.Metrics

	// Tracer emits a span per task attempt. Optional.
	Tracer *telemetry.Tracer
}

// DefaultWorkers is the worker pool size when Options.Workers is zero.
const DefaultWorkers = 4

// Manager runs background tasks through the lifecycle state machine with
// per-category retry policies and per-attempt timeouts. Work failures and
// panics are captured and attributed to the current attempt; they either
// trigger a retry or finalize the task, never escape.
type Manager struct {
	mu       sync.Mutex
	cond     *sync.Cond
	tasks    map[string]*record
	queue    taskHeap
	policies map[string]Policy
	seq      int64
	queued   int
	running  int
	stopping bool
	started  bool

	workers       int
	defaultPolicy Policy
	registry      *capability.Registry
	bus           *events.Bus
	log           *telemetry.Logger
	metrics       *telemetry.Metrics
	tracer        *telemetry.Tracer
	stats         *statsRecorder

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// record is the manager's mutable view of one task. All fields below the
// config are guarded by the manager mutex.
type record struct {
	id     string
	config Config
	work   Work
	policy Policy
	seq    int64

	state         State
	retryCount    int
	lastError     string
	timedOut      bool
	output        json.RawMessage
	attemptCancel context.CancelFunc
	submittedAt   time.Time
	result        *Result
	done          chan struct{}
}

// NewManager creates a manager; call Start before submitting tasks.
func NewManager(opts Options) *Manager {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.DefaultPolicy == (Policy{}) {
		opts.DefaultPolicy = DefaultPolicy()
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.Nop()
	}

	m := &Manager{
		tasks:         make(map[string]*record),
		policies:      make(map[string]Policy),
		workers:       opts.Workers,
		defaultPolicy: opts.DefaultPolicy.Normalize(),
		registry:      opts.Registry,
		bus:           opts.Bus,
		log:           opts.Logger.NewComponentLogger("task"),
		metrics:       opts.Metrics,
		tracer:        opts.Tracer,
		stats:         newStatsRecorder(),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Start launches the worker pool.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return fmt.Errorf("task manager already started")
	}
	m.started = true
	m.ctx, m.cancel = context.WithCancel(context.Background())

	for i := 0; i < m.workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	m.log.Debugf("started %d workers", m.workers)
	return nil
}

// Stop cancels every non-terminal task and waits for the workers to exit
// or ctx to expire. In-flight work is signaled cooperatively; tasks reach
// Cancelled, they do not hang.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.started || m.stopping {
		m.mu.Unlock()
		return nil
	}
	m.stopping = true

	for _, rec := range m.tasks {
		if rec.state.IsTerminal() {
			continue
		}
		if rec.attemptCancel != nil {
			rec.attemptCancel()
		}
		if rec.state == StateQueued || rec.state == StateStarting {
			m.finalizeLocked(rec, StateCancelled)
		}
	}
	m.cancel()
	m.cond.Broadcast()
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("task manager stop: %w", ctx.Err())
	}
}

// SetPolicy registers the retry policy for a category. The policy is
// validated, then clamped into its documented bounds.
func (m *Manager) SetPolicy(category string, policy Policy) error {
	if category == "" {
		return fmt.Errorf("policy category must not be empty")
	}
	if err := policy.Validate(); err != nil {
		return fmt.Errorf("policy for category %q: %w", category, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies[category] = policy.Normalize()
	return nil
}

// Submit enqueues a task. All required capabilities must be available;
// unknown or unavailable capabilities fail the submission immediately
// rather than producing a task that can never run.
func (m *Manager) Submit(config Config, work Work) (string, error) {
	if config.Category == "" {
		return "", fmt.Errorf("task category must not be empty")
	}
	if config.Timeout <= 0 {
		return "", fmt.Errorf("task timeout must be positive, got %s", config.Timeout)
	}
	if work == nil {
		return "", fmt.Errorf("task work must not be nil")
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.MaxRetries > MaxRetriesCap {
		config.MaxRetries = MaxRetriesCap
	}

	if m.registry != nil {
		for _, name := range config.RequiredCapabilities {
			available, err := m.registry.Check(name)
			if err != nil {
				return "", fmt.Errorf("task requires %w", err)
			}
			if !available {
				return "", fmt.Errorf("required capability %q is unavailable", name)
			}
		}
	}

	m.mu.Lock()
	if !m.started || m.stopping {
		m.mu.Unlock()
		return "", fmt.Errorf("task manager is not running")
	}

	m.seq++
	rec := &record{
		id:          uuid.New().String(),
		config:      config,
		work:        work,
		policy:      m.policyForLocked(config.Category),
		seq:         m.seq,
		state:       StateQueued,
		submittedAt: time.Now(),
		done:        make(chan struct{}),
	}
	m.tasks[rec.id] = rec
	heap.Push(&m.queue, rec)
	m.queued++
	m.setGaugesLocked()
	m.cond.Signal()
	m.mu.Unlock()

	m.publish(events.NewTaskEvent(rec.id, config.Category, "task queued", events.LevelInfo))
	return rec.id, nil
}

// Cancel transitions a non-terminal task to Cancelled immediately and
// signals any in-flight work to stop. Cancelling a terminal task is a
// no-op.
func (m *Manager) Cancel(taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.tasks[taskID]
	if !ok {
		return fmt.Errorf("unknown task: %s", taskID)
	}
	if rec.state.IsTerminal() {
		return nil
	}
	if rec.attemptCancel != nil {
		rec.attemptCancel()
	}
	m.finalizeLocked(rec, StateCancelled)
	return nil
}

// Await blocks until the task reaches a terminal state or ctx expires.
func (m *Manager) Await(ctx context.Context, taskID string) (*Result, error) {
	m.mu.Lock()
	rec, ok := m.tasks[taskID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown task: %s", taskID)
	}

	select {
	case <-rec.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	result := *rec.result
	return &result, nil
}

// TaskState returns the current lifecycle state of a task.
func (m *Manager) TaskState(taskID string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.tasks[taskID]
	if !ok {
		return "", fmt.Errorf("unknown task: %s", taskID)
	}
	return rec.state, nil
}

// Stats returns the accumulated retry statistics for a category.
func (m *Manager) Stats(category string) Stats {
	return m.stats.snapshot(category)
}

func (m *Manager) worker() {
	defer m.wg.Done()

	for {
		m.mu.Lock()
		for len(m.queue) == 0 && !m.stopping {
			m.cond.Wait()
		}
		if m.stopping {
			m.mu.Unlock()
			return
		}

		rec := heap.Pop(&m.queue).(*record)
		m.queued--
		m.setGaugesLocked()

		// Cancelled while queued; already finalized.
		if rec.state != StateQueued {
			m.mu.Unlock()
			continue
		}
		m.setStateLocked(rec, StateStarting)
		m.mu.Unlock()

		m.runAttempt(rec)
	}
}

// runAttempt executes one attempt of the task and either finalizes it or
// schedules a retry.
func (m *Manager) runAttempt(rec *record) {
	m.mu.Lock()
	if rec.state != StateStarting {
		m.mu.Unlock()
		return
	}
	attemptCtx, cancel := context.WithTimeout(m.ctx, rec.config.Timeout)
	rec.attemptCancel = cancel
	attempt := rec.retryCount
	m.setStateLocked(rec, StateRunning)
	m.running++
	m.setGaugesLocked()
	m.mu.Unlock()

	m.stats.recordAttempt(rec.config.Category, attempt > 0)

	workCtx := attemptCtx
	var span trace.Span
	if m.tracer != nil {
		workCtx, span = m.tracer.StartTaskAttemptSpan(attemptCtx, rec.id, rec.config.Category, attempt)
	}
	output, err := invokeWork(workCtx, rec.work)
	timedOut := errors.Is(attemptCtx.Err(), context.DeadlineExceeded)
	if span != nil {
		if err != nil {
			telemetry.RecordError(span, err)
		} else {
			telemetry.RecordSuccess(span)
		}
		span.End()
	}
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	rec.attemptCancel = nil
	m.running--
	m.setGaugesLocked()

	// Cancelled (or the whole manager shut down) while the work was in
	// flight; Cancel/Stop already finalized the record.
	if rec.state.IsTerminal() {
		return
	}
	if m.ctx.Err() != nil {
		m.finalizeLocked(rec, StateCancelled)
		return
	}

	outcome := "completed"
	defer func() {
		if m.metrics != nil {
			m.metrics.RecordTaskAttempt(rec.config.Category, outcome)
		}
	}()

	if err == nil {
		rec.output = output
		rec.lastError = ""
		m.finalizeLocked(rec, StateCompleted)
		return
	}

	rec.lastError = err.Error()
	rec.timedOut = timedOut
	if timedOut {
		outcome = "timeout"
		rec.lastError = fmt.Sprintf("attempt exceeded timeout %s", rec.config.Timeout)
	} else {
		outcome = "failed"
	}

	// Timeouts count as failures for retry accounting.
	if rec.retryCount < rec.config.MaxRetries {
		rec.retryCount++
		delay := ComputeDelay(rec.policy, rec.retryCount-1)
		m.setStateLocked(rec, StateQueued)

		if m.metrics != nil {
			m.metrics.RecordTaskRetry(rec.config.Category)
		}
		m.publish(events.NewTaskEvent(rec.id, rec.config.Category,
			fmt.Sprintf("retrying in %s (attempt %d/%d): %s",
				delay.Round(time.Millisecond), rec.retryCount, rec.config.MaxRetries, rec.lastError),
			events.LevelWarning))

		go m.requeueAfter(rec, delay)
		return
	}

	final := StateFailed
	if timedOut {
		final = StateTimeout
	}
	m.finalizeLocked(rec, final)
}

// requeueAfter waits out the retry delay, then puts the task back on the
// queue unless it was cancelled in the meantime.
func (m *Manager) requeueAfter(rec *record, delay time.Duration) {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-rec.done:
		return
	case <-m.ctx.Done():
		m.mu.Lock()
		if !rec.state.IsTerminal() {
			m.finalizeLocked(rec, StateCancelled)
		}
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.state != StateQueued {
		return
	}
	heap.Push(&m.queue, rec)
	m.queued++
	m.setGaugesLocked()
	m.cond.Signal()
}

// setStateLocked applies a transition, rejecting illegal ones. The state
// machine is closed: any rejection here is a bug in the manager, so it is
// logged loudly rather than silently applied.
func (m *Manager) setStateLocked(rec *record, to State) {
	if !rec.state.CanTransitionTo(to) {
		m.log.WithTaskID(rec.id).Errorf("illegal state transition %s -> %s rejected", rec.state, to)
		return
	}
	rec.state = to
	m.publish(events.NewTaskEvent(rec.id, rec.config.Category,
		fmt.Sprintf("task %s", to), levelFor(to)))
}

// finalizeLocked moves the task to a terminal state and builds its result.
func (m *Manager) finalizeLocked(rec *record, final State) {
	if rec.state.IsTerminal() {
		return
	}
	if !rec.state.CanTransitionTo(final) {
		m.log.WithTaskID(rec.id).Errorf("illegal terminal transition %s -> %s rejected", rec.state, final)
		return
	}
	rec.state = final

	detail := rec.lastError
	if final == StateCompleted {
		detail = ""
	}
	rec.result = &Result{
		TaskID:      rec.id,
		FinalState:  final,
		ExitSignal:  exitSignalFor(final),
		Duration:    time.Since(rec.submittedAt),
		RetryCount:  rec.retryCount,
		ErrorDetail: detail,
		Output:      rec.output,
	}
	close(rec.done)

	m.stats.recordFinished(rec.config.Category, final, rec.retryCount)
	if m.metrics != nil {
		m.metrics.RecordTaskCompleted(rec.config.Category, string(final), rec.result.Duration)
	}
	m.publish(events.NewTaskEvent(rec.id, rec.config.Category,
		fmt.Sprintf("task %s after %d retries", final, rec.retryCount), levelFor(final)))
}

func (m *Manager) policyForLocked(category string) Policy {
	if policy, ok := m.policies[category]; ok {
		return policy
	}
	return m.defaultPolicy
}

func (m *Manager) setGaugesLocked() {
	if m.metrics == nil {
		return
	}
	m.metrics.SetTasksQueued(float64(m.queued))
	m.metrics.SetTasksRunning(float64(m.running))
}

func (m *Manager) publish(event events.Event) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(event)
}

// invokeWork runs the work callable, converting panics into errors and
// enforcing the attempt deadline even against work that ignores ctx.
func invokeWork(ctx context.Context, work Work) (json.RawMessage, error) {
	type workResult struct {
		output json.RawMessage
		err    error
	}

	ch := make(chan workResult, 1)
	go func() {
		defer func() {
			if v := recover(); v != nil {
				ch <- workResult{nil, fmt.Errorf("work panicked: %v", v)}
			}
		}()
		output, err := work(ctx)
		ch <- workResult{output, err}
	}()

	select {
	case res := <-ch:
		return res.output, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func exitSignalFor(state State) string {
	switch state {
	case StateTimeout:
		return "timeout"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "error"
	default:
		return ""
	}
}

func levelFor(state State) events.Level {
	switch state {
	case StateFailed, StateTimeout:
		return events.LevelError
	case StateCancelled:
		return events.LevelWarning
	default:
		return events.LevelInfo
	}
}

// taskHeap orders queued tasks by priority (higher first), then FIFO.
type taskHeap []*record

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].config.Priority != h[j].config.Priority {
		return h[i].config.Priority > h[j].config.Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x interface{}) {
	*h = append(*h, x.(*record))
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	rec := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return rec
}
