// Package memory provides an in-memory result store for tests and local runs.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/crawlstack/dispatch/internal/dispatch"
)

// ResultStore keeps the latest result per task in memory.
type ResultStore struct {
	mu      sync.RWMutex
	results map[string]dispatch.Result
	order   []string
}

// NewResultStore creates an empty in-memory result store.
func NewResultStore() *ResultStore {
	return &ResultStore{results: make(map[string]dispatch.Result)}
}

// SaveResult records the result, replacing any earlier row for the task.
func (s *ResultStore) SaveResult(_ context.Context, res dispatch.Result) error {
	if res.TaskID == "" {
		return fmt.Errorf("task id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.results[res.TaskID]; !ok {
		s.order = append(s.order, res.TaskID)
	}
	s.results[res.TaskID] = res
	return nil
}

// Get returns the stored result for the task.
func (s *ResultStore) Get(taskID string) (dispatch.Result, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, ok := s.results[taskID]
	return res, ok
}

// List returns stored results in first-seen order.
func (s *ResultStore) List() []dispatch.Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]dispatch.Result, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.results[id])
	}
	return out
}
