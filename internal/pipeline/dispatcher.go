package pipeline

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/maneesh/vidstream/internal/apperr"
)

// ErrDispatcherClosed is returned by Dispatch after shutdown has begun
var ErrDispatcherClosed = errors.New("dispatcher is closed")

// Dispatcher hands a job off for background processing. Dispatch returns as
// soon as the job is accepted.
type Dispatcher interface {
	Dispatch(ctx context.Context, job Job) error
}

// AsyncDispatcher runs every job in its own goroutine in this process. Jobs
// are lost if the process exits; the reconciler fails them afterwards.
type AsyncDispatcher struct {
	runner Runner

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewAsyncDispatcher creates a dispatcher running jobs on runner
func NewAsyncDispatcher(runner Runner) *AsyncDispatcher {
	return &AsyncDispatcher{runner: runner}
}

// Dispatch starts the job. The run is detached from ctx's cancellation so an
// upload request finishing doesn't abort its pipeline.
func (d *AsyncDispatcher) Dispatch(ctx context.Context, job Job) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDispatcherClosed
	}
	d.wg.Add(1)
	d.mu.Unlock()

	runCtx := context.WithoutCancel(ctx)
	go func() {
		defer d.wg.Done()
		if err := d.runner.RunPipeline(runCtx, job); err != nil {
			if apperr.Is(err, apperr.AlreadyProcessing) {
				log.Printf("Skipping video %s: %v", job.VideoID, err)
				return
			}
			log.Printf("Pipeline for video %s ended with error: %v", job.VideoID, err)
		}
	}()
	return nil
}

// Wait blocks until every dispatched job has finished
func (d *AsyncDispatcher) Wait() {
	d.wg.Wait()
}

// Close stops accepting jobs and waits for running ones, or for ctx
func (d *AsyncDispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
