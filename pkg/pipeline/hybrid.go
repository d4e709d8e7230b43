package pipeline

import "time"

// PartitionPolicy decides whether a category is expensive for the
// HybridSmart strategy. Expensive categories run sequentially after the
// cheap ones have run in parallel.
type PartitionPolicy func(category Category) bool

// Default thresholds for the built-in partition policy.
const (
	// DefaultExpensiveDuration marks categories expected to run at least
	// this long as expensive.
	DefaultExpensiveDuration = 30 * time.Second

	// DefaultExpensiveMemoryMB marks categories expected to use at least
	// this much memory as expensive.
	DefaultExpensiveMemoryMB = 512
)

// DefaultPartitionPolicy classifies a category as expensive when its
// declared footprint crosses either default threshold. Categories with no
// declared footprint count as cheap.
func DefaultPartitionPolicy(category Category) bool {
	if category.Resources.EstimatedDuration >= DefaultExpensiveDuration {
		return true
	}
	if category.Resources.MemoryMB >= DefaultExpensiveMemoryMB {
		return true
	}
	return false
}

// partition splits category indices into cheap and expensive groups,
// preserving declaration order within each group. Indices keep the layer
// result slice in declaration order regardless of execution order.
func partition(categories []Category, policy PartitionPolicy) (cheap, expensive []int) {
	if policy == nil {
		policy = DefaultPartitionPolicy
	}
	for i, category := range categories {
		if policy(category) {
			expensive = append(expensive, i)
		} else {
			cheap = append(cheap, i)
		}
	}
	return cheap, expensive
}
