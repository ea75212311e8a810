// Package store defines persistence for finished dispatch results and the
// sink adapter that feeds a store from a running batch.
package store

import (
	"context"

	"github.com/crawlstack/dispatch/internal/dispatch"
)

// ResultStore persists one row per finished task.
type ResultStore interface {
	SaveResult(ctx context.Context, res dispatch.Result) error
}

// Sink adapts a ResultStore to the dispatcher's sink contract.
type Sink struct {
	store ResultStore
}

// NewSink wraps the store for use as a dispatch result sink.
func NewSink(store ResultStore) *Sink {
	return &Sink{store: store}
}

// Consume persists the result.
func (s *Sink) Consume(ctx context.Context, res dispatch.Result) error {
	return s.store.SaveResult(ctx, res)
}
