package orchestrator

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Worker runs turn side effects (event logging, usage flushes, decision
// persistence) off the reply path with a hard concurrency bound. Submit
// blocks when the bound is reached instead of growing an unbounded goroutine
// set.
type Worker struct {
	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

// NewWorker creates a worker allowing up to limit concurrent tasks.
func NewWorker(limit int64) *Worker {
	if limit <= 0 {
		limit = 4
	}
	return &Worker{sem: semaphore.NewWeighted(limit)}
}

// Submit schedules fn. It blocks while the worker is saturated; ctx cancels
// the wait, in which case fn never runs.
func (w *Worker) Submit(ctx context.Context, fn func()) error {
	if err := w.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.sem.Release(1)
		fn()
	}()
	return nil
}

// Wait blocks until every submitted task has finished. Called on shutdown.
func (w *Worker) Wait() {
	w.wg.Wait()
}
