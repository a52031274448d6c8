// Package sched fires wall-clock jobs: the end-of-day nudge, the
// midnight escalation, the deadline sweep and the periodic sync. Each
// job runs in its own goroutine; a failing or panicking job is logged
// and never cancels or delays its siblings.
package sched

import (
	"context"
	"log"
	"sync"
	"time"
)

// Job is one scheduled trigger. Next returns the first fire time
// strictly after now; Run does the work and reports its own failure.
type Job struct {
	Name string
	Next func(now time.Time) time.Time
	Run  func(ctx context.Context) error
}

// DailyAt fires once a day at the given wall-clock time in loc.
func DailyAt(hour, minute int, loc *time.Location) func(time.Time) time.Time {
	return func(now time.Time) time.Time {
		local := now.In(loc)
		next := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
		return next
	}
}

// Every fires on a fixed interval from the previous fire.
func Every(interval time.Duration) func(time.Time) time.Time {
	return func(now time.Time) time.Time {
		return now.Add(interval)
	}
}

type Runner struct {
	logger *log.Logger
	jobs   []Job
	wg     sync.WaitGroup
}

func NewRunner(logger *log.Logger) *Runner {
	if logger == nil {
		logger = log.Default()
	}
	return &Runner{logger: logger}
}

func (r *Runner) Add(job Job) {
	r.jobs = append(r.jobs, job)
}

// Jobs lists the registered job names, for the status endpoint.
func (r *Runner) Jobs() []string {
	names := make([]string, 0, len(r.jobs))
	for _, job := range r.jobs {
		names = append(names, job.Name)
	}
	return names
}

// Start launches one goroutine per job. Jobs stop when ctx is
// cancelled; Wait blocks until all loops have exited.
func (r *Runner) Start(ctx context.Context) {
	for _, job := range r.jobs {
		job := job
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.loop(ctx, job)
		}()
	}
	r.logger.Printf("sched: started %d jobs", len(r.jobs))
}

func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) loop(ctx context.Context, job Job) {
	for {
		now := time.Now()
		delay := job.Next(now).Sub(now)
		if delay < 0 {
			delay = 0
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		r.runOnce(ctx, job)
	}
}

// runOnce isolates one execution: errors are logged, panics recovered.
func (r *Runner) runOnce(ctx context.Context, job Job) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Printf("sched: job %s panicked: %v", job.Name, p)
		}
	}()
	start := time.Now()
	if err := job.Run(ctx); err != nil {
		r.logger.Printf("sched: job %s: %v", job.Name, err)
		return
	}
	r.logger.Printf("sched: job %s finished in %s", job.Name, time.Since(start).Round(time.Millisecond))
}
