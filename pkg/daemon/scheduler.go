package daemon

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Job is one scheduled maintenance task. Errors are logged, never fatal.
type Job func(ctx context.Context) error

type scheduledJob struct {
	name     string
	interval time.Duration
	run      Job
}

// Scheduler runs periodic maintenance jobs (tier sweep, vector sync) on
// tickers under one context. Jobs never run on the request path.
type Scheduler struct {
	mu   sync.Mutex
	jobs []scheduledJob
	wg   sync.WaitGroup
}

// NewScheduler creates an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{}
}

// Schedule registers a job. Must be called before Run.
func (s *Scheduler) Schedule(name string, interval time.Duration, job Job) {
	if interval <= 0 || job == nil {
		return
	}
	s.mu.Lock()
	s.jobs = append(s.jobs, scheduledJob{name: name, interval: interval, run: job})
	s.mu.Unlock()
}

// Run starts all registered jobs and blocks until ctx is cancelled and
// every in-flight job returns.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	jobs := make([]scheduledJob, len(s.jobs))
	copy(jobs, s.jobs)
	s.mu.Unlock()

	for _, j := range jobs {
		j := j
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			slog.Info("scheduled job started", "job", j.name, "interval", j.interval)

			ticker := time.NewTicker(j.interval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					slog.Info("scheduled job stopping", "job", j.name)
					return
				case <-ticker.C:
					if err := j.run(ctx); err != nil && ctx.Err() == nil {
						slog.Warn("scheduled job failed", "job", j.name, "error", err)
					}
				}
			}
		}()
	}

	<-ctx.Done()
	s.wg.Wait()
}
