package pipeline

import "fmt"

// ExecutionStrategy governs how categories inside one layer are scheduled
// relative to each other. A strategy never spans layers.
type ExecutionStrategy string

const (
	// StrategySequential runs categories one at a time in declaration order.
	StrategySequential ExecutionStrategy = "sequential"

	// StrategyParallelUnlimited runs all categories concurrently with no cap.
	StrategyParallelUnlimited ExecutionStrategy = "parallel-unlimited"

	// StrategyParallelLimited bounds concurrency to the layer's MaxParallel.
	StrategyParallelLimited ExecutionStrategy = "parallel-limited"

	// StrategyHybridSmart runs cheap categories in parallel, then expensive
	// ones sequentially. The cheap/expensive partition is a policy function
	// on the scheduler, see PartitionPolicy.
	StrategyHybridSmart ExecutionStrategy = "hybrid-smart"
)

// Validate checks that the strategy is a member of the closed set.
func (s ExecutionStrategy) Validate() error {
	switch s {
	case StrategySequential, StrategyParallelUnlimited,
		StrategyParallelLimited, StrategyHybridSmart:
		return nil
	default:
		return fmt.Errorf("invalid execution strategy: %s", s)
	}
}

// CategoryStatus is the outcome of one category execution.
type CategoryStatus string

const (
	// CategoryPassed indicates the category ran and succeeded.
	CategoryPassed CategoryStatus = "passed"

	// CategoryFailed indicates the category ran and failed.
	CategoryFailed CategoryStatus = "failed"

	// CategorySkipped indicates the category did not run because a
	// required capability was unavailable.
	CategorySkipped CategoryStatus = "skipped"

	// CategoryCancelled indicates the run was cancelled before or while
	// the category executed.
	CategoryCancelled CategoryStatus = "cancelled"
)

// Validate checks that the status is a member of the closed set.
func (s CategoryStatus) Validate() error {
	switch s {
	case CategoryPassed, CategoryFailed, CategorySkipped, CategoryCancelled:
		return nil
	default:
		return fmt.Errorf("invalid category status: %s", s)
	}
}

// LayerStatus is the aggregate outcome of one layer execution.
type LayerStatus string

const (
	// LayerCompleted indicates every executed category passed.
	LayerCompleted LayerStatus = "completed"

	// LayerFailed indicates at least one category failed, or the layer's
	// capability gate failed a non-skippable run.
	LayerFailed LayerStatus = "failed"

	// LayerSkipped indicates the layer did not run because a required
	// capability was unavailable and skipping was allowed.
	LayerSkipped LayerStatus = "skipped"

	// LayerCancelled indicates the run was cancelled before or during the
	// layer.
	LayerCancelled LayerStatus = "cancelled"
)

// Validate checks that the status is a member of the closed set.
func (s LayerStatus) Validate() error {
	switch s {
	case LayerCompleted, LayerFailed, LayerSkipped, LayerCancelled:
		return nil
	default:
		return fmt.Errorf("invalid layer status: %s", s)
	}
}

// RunStatus is the aggregate outcome of a whole run.
type RunStatus string

const (
	// RunSucceeded indicates every layer completed.
	RunSucceeded RunStatus = "succeeded"

	// RunPartial indicates a mix of completed and failed or skipped layers.
	RunPartial RunStatus = "partial"

	// RunFailed indicates every executed layer failed, or the run aborted
	// on an unavailable capability.
	RunFailed RunStatus = "failed"

	// RunCancelled indicates the run was cancelled.
	RunCancelled RunStatus = "cancelled"
)

// Validate checks that the status is a member of the closed set.
func (s RunStatus) Validate() error {
	switch s {
	case RunSucceeded, RunPartial, RunFailed, RunCancelled:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}
