package task

import "sync"

// Stats is the accumulated retry observability record for one category.
type Stats struct {
	// TotalAttempts counts every work invocation, including retries.
	TotalAttempts int64 `json:"total_attempts"`

	// SuccessfulRetries counts tasks that completed after at least one retry.
	SuccessfulRetries int64 `json:"successful_retries"`

	// FailedAfterRetries counts tasks that reached Failed or Timeout.
	FailedAfterRetries int64 `json:"failed_after_retries"`

	// TotalRetryAttempts counts retry attempts across all tasks.
	TotalRetryAttempts int64 `json:"total_retry_attempts"`

	// SuccessRate is completed tasks / finished tasks.
	SuccessRate float64 `json:"success_rate"`

	// AvgRetriesPerCall is retry attempts / finished tasks.
	AvgRetriesPerCall float64 `json:"avg_retries_per_call"`
}

// statsRecorder accumulates per-category counters under its own lock so
// worker goroutines never contend on the manager mutex for bookkeeping.
type statsRecorder struct {
	mu         sync.Mutex
	categories map[string]*categoryCounters
}

type categoryCounters struct {
	attempts           int64
	retryAttempts      int64
	finished           int64
	completed          int64
	successfulRetries  int64
	failedAfterRetries int64
}

func newStatsRecorder() *statsRecorder {
	return &statsRecorder{categories: make(map[string]*categoryCounters)}
}

func (r *statsRecorder) counters(category string) *categoryCounters {
	c, ok := r.categories[category]
	if !ok {
		c = &categoryCounters{}
		r.categories[category] = c
	}
	return c
}

func (r *statsRecorder) recordAttempt(category string, retry bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.counters(category)
	c.attempts++
	if retry {
		c.retryAttempts++
	}
}

func (r *statsRecorder) recordFinished(category string, finalState State, retryCount int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.counters(category)
	c.finished++
	switch finalState {
	case StateCompleted:
		c.completed++
		if retryCount > 0 {
			c.successfulRetries++
		}
	case StateFailed, StateTimeout:
		c.failedAfterRetries++
	}
}

func (r *statsRecorder) snapshot(category string) Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.categories[category]
	if !ok {
		return Stats{}
	}

	stats := Stats{
		TotalAttempts:      c.attempts,
		SuccessfulRetries:  c.successfulRetries,
		FailedAfterRetries: c.failedAfterRetries,
		TotalRetryAttempts: c.retryAttempts,
	}
	if c.finished > 0 {
		stats.SuccessRate = float64(c.completed) / float64(c.finished)
		stats.AvgRetriesPerCall = float64(c.retryAttempts) / float64(c.finished)
	}
	return stats
}
