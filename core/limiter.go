package core

import (
	"fmt"
	"sync"
)

// CallLimiter enforces a maximum number of LLM calls per execution.
type CallLimiter struct {
	max    int
	counts map[string]int
	mu     sync.Mutex
}

// NewCallLimiter creates a limiter allowing max calls per execution.
// If max == 0, unlimited calls are allowed.
func NewCallLimiter(max int) *CallLimiter {
	return &CallLimiter{max: max, counts: make(map[string]int)}
}

// Increment records a call for executionID and returns an error once the
// limit is exceeded.
func (cl *CallLimiter) Increment(executionID string) error {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	cl.counts[executionID]++
	if cl.max > 0 && cl.counts[executionID] > cl.max {
		return fmt.Errorf("exceeded max llm calls for execution %s: %d", executionID, cl.max)
	}

	return nil
}

// Count returns the number of calls recorded for executionID.
func (cl *CallLimiter) Count(executionID string) int {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	return cl.counts[executionID]
}

// Remaining returns how many calls executionID has left before the limit.
func (cl *CallLimiter) Remaining(executionID string) int {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.max == 0 {
		return -1 // unlimited
	}

	return cl.max - cl.counts[executionID]
}

// Forget drops the counter for a finished execution.
func (cl *CallLimiter) Forget(executionID string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	delete(cl.counts, executionID)
}
