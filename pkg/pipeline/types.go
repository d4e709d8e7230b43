package pipeline

import (
	"context"
	"fmt"
	"time"
)

// ResourceRequirements declares a category's expected footprint. The
// scheduler uses it only for the hybrid partition; nothing is enforced.
type ResourceRequirements struct {
	// MemoryMB is the expected peak memory in megabytes.
	MemoryMB int64 `json:"memory_mb,omitempty" yaml:"memory_mb,omitempty"`

	// CPUCores is the expected CPU usage in cores.
	CPUCores float64 `json:"cpu_cores,omitempty" yaml:"cpu_cores,omitempty"`

	// EstimatedDuration is the expected wall-clock runtime.
	EstimatedDuration time.Duration `json:"estimated_duration,omitempty" yaml:"estimated_duration,omitempty"`
}

// Category is the smallest unit of schedulable work. It is an immutable
// value supplied by the caller; the scheduler does not interpret what Run
// does, only whether it returned an error.
type Category struct {
	// Name identifies the category inside its layer.
	Name string `json:"name"`

	// Resources is the declared footprint, consulted by HybridSmart.
	Resources ResourceRequirements `json:"resources"`

	// RequiredCapabilities must all be available or the category is skipped.
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`

	// Run is the opaque work callable. It must honor ctx cancellation.
	Run func(ctx context.Context) error `json:"-"`
}

// LayerDefinition is an ordered group of categories sharing a timeout and
// execution strategy. Definitions are immutable and validated once at
// registration time.
type LayerDefinition struct {
	// Name identifies the layer; run targets refer to it.
	Name string `json:"name"`

	// Categories is the work in this layer, in declaration order.
	Categories []Category `json:"categories"`

	// Strategy governs intra-layer concurrency.
	Strategy ExecutionStrategy `json:"strategy"`

	// Timeout bounds the whole layer's execution.
	Timeout time.Duration `json:"timeout"`

	// MaxParallel bounds concurrency under ParallelLimited.
	MaxParallel int `json:"max_parallel,omitempty"`

	// RequiredCapabilities gate the whole layer.
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`

	// BackgroundEligible routes categories through the background task
	// manager instead of running them inline.
	BackgroundEligible bool `json:"background_eligible"`

	// MaxRetries is the retry budget for background-eligible categories.
	MaxRetries int `json:"max_retries,omitempty"`
}

// Validate checks the definition. Unbounded background fan-out is rejected
// because it defeats resource budgeting.
func (d LayerDefinition) Validate() error {
	if d.Name == "" {
		return NewPermanentError("layer name must not be empty", nil).
			WithCode(ErrCodeValidation)
	}
	if len(d.Categories) == 0 {
		return NewPermanentError("layer must contain at least one category", nil).
			WithCode(ErrCodeValidation).WithLayer(d.Name)
	}
	for _, category := range d.Categories {
		if category.Name == "" {
			return NewPermanentError("category name must not be empty", nil).
				WithCode(ErrCodeValidation).WithLayer(d.Name)
		}
		if category.Run == nil {
			return NewPermanentError(
				fmt.Sprintf("category %q has no work callable", category.Name), nil).
				WithCode(ErrCodeValidation).WithLayer(d.Name)
		}
	}
	if err := d.Strategy.Validate(); err != nil {
		return NewPermanentError(err.Error(), nil).
			WithCode(ErrCodeValidation).WithLayer(d.Name)
	}
	if d.Timeout <= 0 {
		return NewPermanentError(
			fmt.Sprintf("layer timeout must be positive, got %s", d.Timeout), nil).
			WithCode(ErrCodeValidation).WithLayer(d.Name)
	}
	if d.Strategy == StrategyParallelLimited && d.MaxParallel <= 0 {
		return NewPermanentError(
			fmt.Sprintf("max parallel must be positive for %s, got %d",
				StrategyParallelLimited, d.MaxParallel), nil).
			WithCode(ErrCodeValidation).WithLayer(d.Name)
	}
	if d.BackgroundEligible && d.Strategy == StrategyParallelUnlimited {
		return NewPermanentError(
			"background-eligible layers must not use parallel-unlimited", nil).
			WithCode(ErrCodeValidation).WithLayer(d.Name)
	}
	if d.MaxRetries < 0 {
		return NewPermanentError(
			fmt.Sprintf("max retries must be >= 0, got %d", d.MaxRetries), nil).
			WithCode(ErrCodeValidation).WithLayer(d.Name)
	}
	return nil
}

// CategoryResult is the outcome of one category inside a layer run.
type CategoryResult struct {
	// Name is the category name.
	Name string `json:"name"`

	// Status is the outcome.
	Status CategoryStatus `json:"status"`

	// Duration is the category's wall-clock runtime.
	Duration time.Duration `json:"duration"`

	// Error describes the failure, if any.
	Error string `json:"error,omitempty"`

	// TaskID is set for categories routed through the task manager.
	TaskID string `json:"task_id,omitempty"`

	// RetryCount is how many retries a background category consumed.
	RetryCount int `json:"retry_count,omitempty"`
}

// LayerResult aggregates the outcome of one layer execution. Partial
// results are always returned; a failing category never discards the
// results of its siblings.
type LayerResult struct {
	// Name is the layer name.
	Name string `json:"name"`

	// Status is the aggregate outcome.
	Status LayerStatus `json:"status"`

	// Strategy is the strategy the layer ran under.
	Strategy ExecutionStrategy `json:"strategy"`

	// Reason explains a skipped or aborted layer.
	Reason string `json:"reason,omitempty"`

	// StartedAt is when the layer began.
	StartedAt time.Time `json:"started_at"`

	// Duration is the layer's wall-clock runtime.
	Duration time.Duration `json:"duration"`

	// Categories holds the per-category outcomes in declaration order.
	Categories []CategoryResult `json:"categories,omitempty"`

	// Passed, Failed, Skipped, and Cancelled count category outcomes.
	Passed    int `json:"passed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Cancelled int `json:"cancelled"`

	// SuccessRate is passed / total categories.
	SuccessRate float64 `json:"success_rate"`
}

// finalize fills the aggregate counters from the category results.
func (r *LayerResult) finalize() {
	for _, category := range r.Categories {
		switch category.Status {
		case CategoryPassed:
			r.Passed++
		case CategoryFailed:
			r.Failed++
		case CategorySkipped:
			r.Skipped++
		case CategoryCancelled:
			r.Cancelled++
		}
	}
	if total := len(r.Categories); total > 0 {
		r.SuccessRate = float64(r.Passed) / float64(total)
	}

	switch {
	case r.Cancelled > 0:
		r.Status = LayerCancelled
	case r.Failed > 0:
		r.Status = LayerFailed
	default:
		r.Status = LayerCompleted
	}
}

// Run is the record of one runUpTo invocation.
type Run struct {
	// ID is the unique run identifier.
	ID string `json:"id"`

	// TargetLayer is the layer the run was asked to reach.
	TargetLayer string `json:"target_layer"`

	// Status is the aggregate outcome.
	Status RunStatus `json:"status"`

	// StartedAt is when the run began.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the run reached its final status.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Duration is the run's wall-clock runtime.
	Duration time.Duration `json:"duration"`

	// Layers holds the per-layer results in execution order.
	Layers []LayerResult `json:"layers"`

	// Summary counts layer outcomes.
	Summary RunSummary `json:"summary"`
}

// RunSummary counts layer outcomes for a run.
type RunSummary struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Cancelled int `json:"cancelled"`
}

// summarize fills the summary and overall status from the layer results.
func (r *Run) summarize() {
	r.Summary = RunSummary{Total: len(r.Layers)}
	for _, layer := range r.Layers {
		switch layer.Status {
		case LayerCompleted:
			r.Summary.Completed++
		case LayerFailed:
			r.Summary.Failed++
		case LayerSkipped:
			r.Summary.Skipped++
		case LayerCancelled:
			r.Summary.Cancelled++
		}
	}

	switch {
	case r.Summary.Cancelled > 0:
		r.Status = RunCancelled
	case r.Summary.Failed > 0 && r.Summary.Completed > 0:
		r.Status = RunPartial
	case r.Summary.Failed > 0:
		r.Status = RunFailed
	case r.Summary.Skipped > 0 && r.Summary.Completed > 0:
		r.Status = RunPartial
	default:
		r.Status = RunSucceeded
	}
}
