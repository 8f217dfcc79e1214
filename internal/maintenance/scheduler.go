// Package maintenance prunes training checkpoints and expired work files on
// a cron schedule.
package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Job is one scheduled maintenance task.
type Job struct {
	Name string
	Cron string
	Run  func(ctx context.Context) error
}

// Scheduler runs registered jobs when their cron expression says they are
// due. RunDue is driven by an external tick, so tests can pass their own
// clock.
type Scheduler struct {
	jobs    map[string]Job
	parser  cron.Parser
	lastRun map[string]time.Time
	running map[string]bool
	log     *logrus.Logger
	mu      sync.RWMutex
}

// NewScheduler creates an empty scheduler.
func NewScheduler(log *logrus.Logger) *Scheduler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Scheduler{
		jobs:    make(map[string]Job),
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		lastRun: make(map[string]time.Time),
		running: make(map[string]bool),
		log:     log,
	}
}

// ParseCron parses a five-field cron expression.
func ParseCron(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return parser.Parse(expr)
}

// Register adds a job to the schedule.
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" {
		return fmt.Errorf("job name is required")
	}
	if job.Run == nil {
		return fmt.Errorf("job %s has no run function", job.Name)
	}
	if _, err := s.parser.Parse(job.Cron); err != nil {
		return fmt.Errorf("invalid cron expression for %s: %w", job.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.Name] = job
	return nil
}

// NextRun returns the next scheduled run time for a job.
func (s *Scheduler) NextRun(name string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[name]
	if !ok {
		return time.Time{}
	}

	sched, err := s.parser.Parse(job.Cron)
	if err != nil {
		return time.Time{}
	}

	return sched.Next(time.Now())
}

// shouldRun reports whether a job is due at now. A job that has never run
// is anchored 24 hours back, so fresh schedulers fire on the first tick.
func (s *Scheduler) shouldRun(name string, now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[name]
	if !ok {
		return false
	}

	if s.running[name] {
		return false
	}

	sched, err := s.parser.Parse(job.Cron)
	if err != nil {
		return false
	}

	lastRun := s.lastRun[name]
	if lastRun.IsZero() {
		lastRun = now.Add(-24 * time.Hour)
	}

	return now.After(sched.Next(lastRun))
}

// RunDue executes every job that is due at now and records the outcome.
func (s *Scheduler) RunDue(ctx context.Context, now time.Time) {
	s.mu.RLock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	s.mu.RUnlock()

	for _, name := range names {
		if !s.shouldRun(name, now) {
			continue
		}

		s.mu.Lock()
		job := s.jobs[name]
		s.running[name] = true
		s.mu.Unlock()

		start := time.Now()
		err := job.Run(ctx)

		s.mu.Lock()
		s.running[name] = false
		s.lastRun[name] = now
		s.mu.Unlock()

		entry := s.log.WithFields(logrus.Fields{
			"job":      name,
			"duration": time.Since(start).Round(time.Millisecond),
		})
		if err != nil {
			entry.WithError(err).Error("Maintenance job failed")
			continue
		}
		entry.Debug("Maintenance job finished")
	}
}

// Start ticks the scheduler at the given interval until ctx is done.
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.RunDue(ctx, now)
		}
	}
}
