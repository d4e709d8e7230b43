package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/verityci/verity/pkg/capability"
	"github.com/verityci/verity/pkg/events"
	"github.com/verityci/verity/pkg/task"
	"github.com/verityci/verity/pkg/telemetry"
)

// Options configures a Scheduler.
type Options struct {
	// Registry gates layers and categories on capability availability.
	// Nil disables gating entirely.
	Registry *capability.Registry

	// Tasks runs background-eligible layers. Nil makes such layers fail.
	Tasks *task.Manager

	// Bus receives layer and category progress events. Optional.
	Bus *events.Bus

	// Logger receives scheduler diagnostics. Nil disables logging.
	Logger *telemetry.Logger

	// Metrics records run, layer, and category executions. Optional.
	Metrics *telemetry.Metrics

	// Tracer emits run, layer, and category spans. Optional.
	Tracer *telemetry.Tracer

	// Partition is the HybridSmart cheap/expensive policy. Nil uses
	// DefaultPartitionPolicy.
	Partition PartitionPolicy
}

// Scheduler executes registered layers in declaration order, resolving each
// layer's intra-layer strategy and delegating background-eligible layers to
// the task manager. Failures are collected, never short-circuited: a failing
// category does not abort its siblings, and callers always receive the full
// per-category picture.
type Scheduler struct {
	mu     sync.Mutex
	layers []LayerDefinition

	registry  *capability.Registry
	tasks     *task.Manager
	bus       *events.Bus
	log       *telemetry.Logger
	metrics   *telemetry.Metrics
	tracer    *telemetry.Tracer
	partition PartitionPolicy
}

// categoryRunner executes one category and reports its outcome. The inline
// and background execution paths share the strategy dispatch through this.
type categoryRunner func(ctx context.Context, runID string, def LayerDefinition, category Category) CategoryResult

// NewScheduler creates a scheduler with no layers registered.
func NewScheduler(opts Options) *Scheduler {
	if opts.Logger == nil {
		opts.Logger = telemetry.Nop()
	}
	if opts.Partition == nil {
		opts.Partition = DefaultPartitionPolicy
	}

	return &Scheduler{
		registry:  opts.Registry,
		tasks:     opts.Tasks,
		bus:       opts.Bus,
		log:       opts.Logger.NewComponentLogger("scheduler"),
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
		partition: opts.Partition,
	}
}

// RegisterLayer validates and appends a layer. Registration order is
// execution order. Invalid definitions are rejected here, never deferred
// to run time.
func (s *Scheduler) RegisterLayer(def LayerDefinition) error {
	if err := def.Validate(); err != nil {
		s.recordError(err)
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.layers {
		if existing.Name == def.Name {
			err := NewConflictError(
				fmt.Sprintf("layer %q already registered", def.Name), nil).
				WithCode(ErrCodeAlreadyExists)
			s.recordError(err)
			return err
		}
	}
	s.layers = append(s.layers, def)
	return nil
}

// LayerNames returns the registered layer names in execution order.
func (s *Scheduler) LayerNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, len(s.layers))
	for i, def := range s.layers {
		names[i] = def.Name
	}
	return names
}

// RunUpTo executes every registered layer in declaration order up to and
// including targetLayer. Before a layer runs, its required capabilities are
// checked against the registry: an unavailable one marks the layer Skipped
// when skipIfUnavailable is set, otherwise the run aborts with the layer
// marked Failed. The returned Run always carries a result per visited
// layer, even when the run aborts or is cancelled.
func (s *Scheduler) RunUpTo(ctx context.Context, targetLayer string, skipIfUnavailable bool) (*Run, error) {
	s.mu.Lock()
	layers := make([]LayerDefinition, len(s.layers))
	copy(layers, s.layers)
	s.mu.Unlock()

	targetIndex := -1
	for i, def := range layers {
		if def.Name == targetLayer {
			targetIndex = i
			break
		}
	}
	if targetIndex < 0 {
		err := NewPermanentError(
			fmt.Sprintf("unknown target layer %q", targetLayer), nil).
			WithCode(ErrCodeNotFound)
		s.recordError(err)
		return nil, err
	}

	run := &Run{
		ID:          uuid.New().String(),
		TargetLayer: targetLayer,
		StartedAt:   time.Now(),
	}

	runCtx := ctx
	if s.tracer != nil {
		var span trace.Span
		runCtx, span = s.tracer.StartRunSpan(ctx, run.ID, targetLayer)
		defer span.End()
	}

	if s.metrics != nil {
		s.metrics.RecordRunStarted(targetLayer)
	}
	s.publish(events.Event{
		Type:    events.TypeSystem,
		RunID:   run.ID,
		Message: fmt.Sprintf("run started, target layer %q (%d layers)", targetLayer, targetIndex+1),
		Level:   events.LevelInfo,
	})

	log := s.log.WithRunID(run.ID)
	var abortErr error

	for _, def := range layers[:targetIndex+1] {
		if runCtx.Err() != nil {
			run.Layers = append(run.Layers, LayerResult{
				Name:      def.Name,
				Status:    LayerCancelled,
				Strategy:  def.Strategy,
				Reason:    "run cancelled",
				StartedAt: time.Now(),
			})
			continue
		}

		if missing := s.missingCapabilities(def.RequiredCapabilities); len(missing) > 0 {
			reason := fmt.Sprintf("required capabilities unavailable: %s", strings.Join(missing, ", "))
			if skipIfUnavailable {
				log.WithLayer(def.Name).Warn(reason)
				s.publish(events.NewLayerEvent(run.ID, def.Name,
					"layer skipped: "+reason, events.LevelWarning))
				run.Layers = append(run.Layers, LayerResult{
					Name:      def.Name,
					Status:    LayerSkipped,
					Strategy:  def.Strategy,
					Reason:    reason,
					StartedAt: time.Now(),
				})
				continue
			}

			log.WithLayer(def.Name).Error(reason)
			s.publish(events.NewLayerEvent(run.ID, def.Name,
				"run aborted: "+reason, events.LevelError))
			run.Layers = append(run.Layers, LayerResult{
				Name:      def.Name,
				Status:    LayerFailed,
				Strategy:  def.Strategy,
				Reason:    reason,
				StartedAt: time.Now(),
			})
			// Unavailable capabilities may come back; a later run of the
			// same target can succeed.
			abortErr = NewTransientError(reason, nil).
				WithCode(ErrCodeCapabilityUnavailable).
				WithLayer(def.Name)
			s.recordError(abortErr)
			break
		}

		result := s.runLayer(runCtx, run.ID, def)
		run.Layers = append(run.Layers, result)
		if s.metrics != nil {
			s.metrics.RecordLayerExecution(def.Name, string(def.Strategy),
				string(result.Status), result.Duration)
		}
	}

	completedAt := time.Now()
	run.CompletedAt = &completedAt
	run.Duration = completedAt.Sub(run.StartedAt)
	run.summarize()
	if abortErr != nil {
		run.Status = RunFailed
	}

	if s.metrics != nil {
		s.metrics.RecordRunCompleted(string(run.Status), run.Duration)
	}
	level := events.LevelInfo
	if run.Status == RunFailed {
		level = events.LevelError
	}
	s.publish(events.Event{
		Type:  events.TypeSystem,
		RunID: run.ID,
		Message: fmt.Sprintf("run %s: %d completed, %d failed, %d skipped, %d cancelled",
			run.Status, run.Summary.Completed, run.Summary.Failed,
			run.Summary.Skipped, run.Summary.Cancelled),
		Level: level,
	})

	return run, abortErr
}

// runLayer executes one layer under its own timeout.
func (s *Scheduler) runLayer(ctx context.Context, runID string, def LayerDefinition) LayerResult {
	result := LayerResult{
		Name:      def.Name,
		Strategy:  def.Strategy,
		StartedAt: time.Now(),
	}

	layerCtx, cancel := context.WithTimeout(ctx, def.Timeout)
	defer cancel()

	if s.tracer != nil {
		var span trace.Span
		layerCtx, span = s.tracer.StartLayerSpan(layerCtx, runID, def.Name, string(def.Strategy))
		defer span.End()
	}

	s.publish(events.NewLayerEvent(runID, def.Name,
		fmt.Sprintf("layer started (%d categories, %s)", len(def.Categories), def.Strategy),
		events.LevelInfo))

	runner := s.runInline
	if def.BackgroundEligible {
		runner = s.runBackground
	}

	results := make([]CategoryResult, len(def.Categories))
	switch def.Strategy {
	case StrategySequential:
		for i, category := range def.Categories {
			results[i] = runner(layerCtx, runID, def, category)
		}
	case StrategyParallelUnlimited:
		s.runIndices(layerCtx, runID, def, runner, results, allIndices(len(def.Categories)), 0)
	case StrategyParallelLimited:
		s.runIndices(layerCtx, runID, def, runner, results, allIndices(len(def.Categories)), def.MaxParallel)
	case StrategyHybridSmart:
		cheap, expensive := partition(def.Categories, s.partition)
		s.runIndices(layerCtx, runID, def, runner, results, cheap, 0)
		for _, i := range expensive {
			results[i] = runner(layerCtx, runID, def, def.Categories[i])
		}
	}

	result.Categories = results
	result.Duration = time.Since(result.StartedAt)
	result.finalize()

	level := events.LevelInfo
	if result.Status != LayerCompleted {
		level = events.LevelWarning
	}
	s.publish(events.NewLayerEvent(runID, def.Name,
		fmt.Sprintf("layer %s: %d passed, %d failed, %d skipped, %d cancelled",
			result.Status, result.Passed, result.Failed, result.Skipped, result.Cancelled),
		level))

	return result
}

// runIndices executes the given category indices with a worker pool.
// maxParallel <= 0 means one worker per category.
func (s *Scheduler) runIndices(
	ctx context.Context,
	runID string,
	def LayerDefinition,
	runner categoryRunner,
	results []CategoryResult,
	indices []int,
	maxParallel int,
) {
	if len(indices) == 0 {
		return
	}

	workerCount := maxParallel
	if workerCount <= 0 || workerCount > len(indices) {
		workerCount = len(indices)
	}

	queue := make(chan int, len(indices))
	for _, i := range indices {
		queue <- i
	}
	close(queue)

	var wg sync.WaitGroup
	for w := 0; w < workerCount; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range queue {
				results[i] = runner(ctx, runID, def, def.Categories[i])
			}
		}()
	}
	wg.Wait()
}

// runInline executes one category in the calling goroutine pool.
func (s *Scheduler) runInline(ctx context.Context, runID string, def LayerDefinition, category Category) CategoryResult {
	if missing := s.missingCapabilities(category.RequiredCapabilities); len(missing) > 0 {
		reason := fmt.Sprintf("required capabilities unavailable: %s", strings.Join(missing, ", "))
		s.publish(events.NewCategoryEvent(runID, def.Name, category.Name,
			"category skipped: "+reason, events.LevelWarning))
		return CategoryResult{Name: category.Name, Status: CategorySkipped, Error: reason}
	}
	if ctx.Err() != nil {
		return CategoryResult{Name: category.Name, Status: CategoryCancelled}
	}

	categoryCtx := ctx
	if s.tracer != nil {
		var span trace.Span
		categoryCtx, span = s.tracer.StartCategorySpan(ctx, def.Name, category.Name)
		defer span.End()
	}

	if s.metrics != nil {
		s.metrics.CategoryStarted()
		defer s.metrics.CategoryFinished()
	}
	s.publish(events.NewCategoryEvent(runID, def.Name, category.Name,
		"category started", events.LevelInfo))

	start := time.Now()
	err := invokeCategory(categoryCtx, category.Run)
	duration := time.Since(start)

	result := CategoryResult{Name: category.Name, Duration: duration}
	switch {
	case err == nil:
		result.Status = CategoryPassed
		s.publish(events.NewCategoryEvent(runID, def.Name, category.Name,
			fmt.Sprintf("category passed in %s", duration.Round(time.Millisecond)),
			events.LevelInfo))
	case ctx.Err() == context.Canceled:
		result.Status = CategoryCancelled
		result.Error = err.Error()
		s.publish(events.NewCategoryEvent(runID, def.Name, category.Name,
			"category cancelled", events.LevelWarning))
	default:
		result.Status = CategoryFailed
		result.Error = err.Error()
		if ctx.Err() == context.DeadlineExceeded {
			result.Error = fmt.Sprintf("layer timeout exceeded: %s", err)
		}
		s.publish(events.NewCategoryEvent(runID, def.Name, category.Name,
			fmt.Sprintf("category failed: %s", result.Error), events.LevelError))
	}

	if s.metrics != nil {
		s.metrics.RecordCategoryExecution(def.Name, category.Name, string(result.Status), duration)
	}
	return result
}

// runBackground routes one category through the task manager and waits for
// its terminal result.
func (s *Scheduler) runBackground(ctx context.Context, runID string, def LayerDefinition, category Category) CategoryResult {
	if s.tasks == nil {
		return CategoryResult{
			Name:   category.Name,
			Status: CategoryFailed,
			Error:  "background execution requires a task manager",
		}
	}
	if ctx.Err() != nil {
		return CategoryResult{Name: category.Name, Status: CategoryCancelled}
	}

	work := func(taskCtx context.Context) (json.RawMessage, error) {
		return nil, category.Run(taskCtx)
	}
	taskID, err := s.tasks.Submit(task.Config{
		Category:             category.Name,
		Timeout:              def.Timeout,
		MaxRetries:           def.MaxRetries,
		RequiredCapabilities: category.RequiredCapabilities,
	}, work)
	if err != nil {
		s.publish(events.NewCategoryEvent(runID, def.Name, category.Name,
			fmt.Sprintf("background submission failed: %s", err), events.LevelError))
		return CategoryResult{Name: category.Name, Status: CategoryFailed, Error: err.Error()}
	}

	s.publish(events.NewCategoryEvent(runID, def.Name, category.Name,
		fmt.Sprintf("category delegated to background task %s", taskID), events.LevelInfo))

	res, err := s.tasks.Await(ctx, taskID)
	if err != nil {
		// The layer timed out or the run was cancelled; stop the task and
		// report the category accordingly.
		_ = s.tasks.Cancel(taskID)
		status := CategoryCancelled
		errDetail := ""
		if ctx.Err() == context.DeadlineExceeded {
			status = CategoryFailed
			errDetail = "layer timeout exceeded"
		}
		return CategoryResult{Name: category.Name, Status: status, TaskID: taskID, Error: errDetail}
	}

	result := CategoryResult{
		Name:       category.Name,
		TaskID:     res.TaskID,
		Duration:   res.Duration,
		RetryCount: res.RetryCount,
		Error:      res.ErrorDetail,
	}
	switch res.FinalState {
	case task.StateCompleted:
		result.Status = CategoryPassed
	case task.StateCancelled:
		result.Status = CategoryCancelled
	default:
		result.Status = CategoryFailed
	}
	return result
}

// missingCapabilities returns the subset of names the registry reports as
// unavailable or unknown. A nil registry disables gating.
func (s *Scheduler) missingCapabilities(names []string) []string {
	if s.registry == nil || len(names) == 0 {
		return nil
	}

	var missing []string
	for _, name := range names {
		if !s.registry.IsAvailable(name) {
			missing = append(missing, name)
		}
	}
	return missing
}

func (s *Scheduler) publish(event events.Event) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(event)
}

// recordError counts a classified error in the metrics by its class.
func (s *Scheduler) recordError(err error) {
	if s.metrics == nil {
		return
	}
	var pe *PipelineError
	if errors.As(err, &pe) {
		s.metrics.RecordError(string(pe.Class))
	}
}

// invokeCategory runs the category callable, converting panics into errors
// so a panicking category fails itself instead of the whole layer.
func invokeCategory(ctx context.Context, run func(context.Context) error) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("category panicked: %v", v)
		}
	}()
	return run(ctx)
}

func allIndices(n int) []int {
	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	return indices
}
