package api

import (
	"sync"

	"github.com/samcharles93/strata/internal/probe"
)

const defaultStepCapacity = 1024

// StepStore keeps the most recent training steps for the stats surface.
type StepStore struct {
	mu    sync.Mutex
	steps []probe.StepResult
	cap   int
	total int
}

func NewStepStore(capacity int) *StepStore {
	if capacity <= 0 {
		capacity = defaultStepCapacity
	}
	return &StepStore{cap: capacity}
}

// Add records a step, dropping the oldest once the store is full.
func (s *StepStore) Add(r probe.StepResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.steps) == s.cap {
		copy(s.steps, s.steps[1:])
		s.steps = s.steps[:len(s.steps)-1]
	}
	s.steps = append(s.steps, r)
	s.total++
}

// Recent returns up to limit of the newest steps, oldest first, and the
// number of steps ever recorded.
func (s *StepStore) Recent(limit int) ([]probe.StepResult, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.steps) {
		limit = len(s.steps)
	}
	out := make([]probe.StepResult, limit)
	copy(out, s.steps[len(s.steps)-limit:])
	return out, s.total
}

// Get returns the stored step with the given number.
func (s *StepStore) Get(step int) (probe.StepResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.steps {
		if r.Step == step {
			return r, true
		}
	}
	return probe.StepResult{}, false
}
