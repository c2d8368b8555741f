package ephemeris

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ephem/ephemgo/internal/bodies"
)

// stateJob is a unit of work for the worker pool.
type stateJob struct {
	target int
	center int
	et     float64
}

// stateResult is the output of a single body-state computation.
type stateResult struct {
	state  BodyState
	err    error
	target int
}

// WorkerPool manages a fixed number of goroutines for computing body
// states in parallel.
type WorkerPool struct {
	workers int
	logger  *slog.Logger
}

// NewWorkerPool creates a worker pool with the given number of workers.
func NewWorkerPool(workers int, logger *slog.Logger) *WorkerPool {
	return &WorkerPool{
		workers: workers,
		logger:  logger,
	}
}

// StateBatch computes the state of every body relative to center at et
// using the worker pool. Returns the states that succeeded; failed bodies
// are logged and skipped.
func (wp *WorkerPool) StateBatch(ctx context.Context, p *Provider, targets []int, center int, et float64) ([]BodyState, int, int) {
	if len(targets) == 0 {
		return nil, 0, 0
	}

	jobs := make(chan stateJob, wp.workers*2)
	results := make(chan stateResult, wp.workers*2)

	// Start workers.
	var wg sync.WaitGroup
	for i := 0; i < wp.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				result := stateSingle(p, job)
				select {
				case results <- result:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	// Feed jobs in a goroutine.
	go func() {
		defer close(jobs)
		for _, target := range targets {
			job := stateJob{
				target: target,
				center: center,
				et:     et,
			}
			select {
			case jobs <- job:
			case <-ctx.Done():
				return
			}
		}
	}()

	// Close results when all workers are done.
	go func() {
		wg.Wait()
		close(results)
	}()

	// Collect results.
	states := make([]BodyState, 0, len(targets))
	var successCount, errorCount int

	for result := range results {
		if result.err != nil {
			errorCount++
			wp.logger.Warn("state computation failed",
				"naif_id", result.target,
				"error", result.err,
			)
			continue
		}
		successCount++
		states = append(states, result.state)
	}

	return states, successCount, errorCount
}

// stateSingle resolves one body's state and screens it for sanity.
func stateSingle(p *Provider, job stateJob) stateResult {
	v, err := p.StateAtET(job.target, job.center, job.et)
	if err != nil {
		return stateResult{target: job.target, err: err}
	}
	if !v.Plausible() {
		return stateResult{target: job.target, err: fmt.Errorf("implausible state magnitude for body %d", job.target)}
	}

	return stateResult{
		target: job.target,
		state: BodyState{
			NAIFID: job.target,
			Name:   bodies.Name(job.target),
			State:  v,
		},
	}
}
