// Package sched runs the agent's periodic jobs: the batch report sweep, the
// reply poll cycle and the account validation sweep. Each job is guarded
// against overlapping its own previous run.
package sched

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Job is one periodic task.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context)
}

// Runner drives a set of jobs until its context ends.
type Runner struct {
	jobs   []Job
	logger zerolog.Logger
	wg     sync.WaitGroup
}

// New creates a Runner.
func New(jobs []Job, logger zerolog.Logger) *Runner {
	return &Runner{
		jobs:   jobs,
		logger: logger.With().Str("component", "sched").Logger(),
	}
}

// Start launches one goroutine per job.
func (r *Runner) Start(ctx context.Context) {
	for _, job := range r.jobs {
		r.wg.Add(1)
		go r.runJob(ctx, job)
	}
}

// Wait blocks until all job loops have exited.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) runJob(ctx context.Context, job Job) {
	defer r.wg.Done()

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	r.logger.Info().Str("job", job.Name).Dur("interval", job.Interval).Msg("job scheduled")

	var busy atomic.Bool
	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Str("job", job.Name).Msg("job stopped")
			return
		case <-ticker.C:
			if !busy.CompareAndSwap(false, true) {
				r.logger.Warn().Str("job", job.Name).Msg("previous run still active, tick skipped")
				continue
			}
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				defer busy.Store(false)
				job.Run(ctx)
			}()
		}
	}
}
