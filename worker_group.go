package resonance

import (
	"context"

	"github.com/sourcegraph/conc"
)

// WorkerGroup runs several identically configured workers together, typically to poll
// one subscription with more parallelism.
type WorkerGroup struct {
	workers []*ConsumptionWorker
}

// NewWorkerGroup creates size workers from the same options.
func NewWorkerGroup(size int, opts ...Option) (*WorkerGroup, error) {
	if size <= 0 {
		return nil, NewError(ErrCodeConfiguration, "worker group size must be > 0")
	}

	g := &WorkerGroup{workers: make([]*ConsumptionWorker, 0, size)}
	for i := 0; i < size; i++ {
		w, err := NewConsumptionWorker(opts...)
		if err != nil {
			return nil, err
		}
		g.workers = append(g.workers, w)
	}
	return g, nil
}

// Start starts every worker. If one fails to start, the ones already started are
// stopped again and the error is returned.
func (g *WorkerGroup) Start(ctx context.Context) error {
	for i, w := range g.workers {
		if err := w.Start(ctx); err != nil {
			for _, started := range g.workers[:i] {
				started.Stop()
			}
			return err
		}
	}
	return nil
}

// Stop stops every worker in parallel and waits for all of them.
func (g *WorkerGroup) Stop() {
	var wg conc.WaitGroup
	for _, w := range g.workers {
		wg.Go(w.Stop)
	}
	wg.Wait()
}

// IsRunning reports whether any worker is running.
func (g *WorkerGroup) IsRunning() bool {
	for _, w := range g.workers {
		if w.IsRunning() {
			return true
		}
	}
	return false
}

// Size returns the number of workers.
func (g *WorkerGroup) Size() int {
	return len(g.workers)
}
