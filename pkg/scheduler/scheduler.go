// Package scheduler triggers periodic auto-learning runs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/pario-ai/steward/pkg/logging"
	"github.com/pario-ai/steward/pkg/models"
)

// Runner executes one learning run for a project.
type Runner interface {
	Run(ctx context.Context, projectID string) (models.RunResult, error)
}

// Scheduler runs Runner.Run for each registered project at a fixed interval.
type Scheduler struct {
	scheduler gocron.Scheduler
	runner    Runner
	timeout   time.Duration

	mu   sync.Mutex
	jobs map[string]gocron.Job
}

// New creates a stopped Scheduler. Each run is bounded by timeout when it
// is positive.
func New(runner Runner, timeout time.Duration) (*Scheduler, error) {
	s, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	return &Scheduler{
		scheduler: s,
		runner:    runner,
		timeout:   timeout,
		jobs:      make(map[string]gocron.Job),
	}, nil
}

// Schedule registers projectID to run every interval, replacing any
// existing job for it. Overlapping runs of the same job are skipped.
func (s *Scheduler) Schedule(projectID string, every time.Duration) error {
	if projectID == "" {
		return models.Invalid("project_id", "must not be empty")
	}
	if every <= 0 {
		return models.Invalid("interval", "must be positive, got %s", every)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.jobs[projectID]; ok {
		if err := s.scheduler.RemoveJob(old.ID()); err != nil {
			return fmt.Errorf("replace job for %s: %w", projectID, err)
		}
		delete(s.jobs, projectID)
	}

	job, err := s.scheduler.NewJob(
		gocron.DurationJob(every),
		gocron.NewTask(s.run, projectID),
		gocron.WithName("learning:"+projectID),
		gocron.WithTags(projectID),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", projectID, err)
	}
	s.jobs[projectID] = job
	logging.ForProject("scheduler", projectID).WithField("interval", every.String()).Info("learning run scheduled")
	return nil
}

// Unschedule removes the project's job. Unknown projects are ignored.
func (s *Scheduler) Unschedule(projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[projectID]
	if !ok {
		return nil
	}
	delete(s.jobs, projectID)
	return s.scheduler.RemoveJob(job.ID())
}

// Projects lists scheduled projects in sorted order.
func (s *Scheduler) Projects() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.jobs))
	for p := range s.jobs {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// Start begins executing jobs.
func (s *Scheduler) Start() {
	s.scheduler.Start()
}

// Stop waits for running jobs and shuts the scheduler down.
func (s *Scheduler) Stop() error {
	return s.scheduler.Shutdown()
}

func (s *Scheduler) run(projectID string) {
	ctx := context.Background()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	log := logging.ForProject("scheduler", projectID)
	res, err := s.runner.Run(ctx, projectID)
	switch {
	case errors.Is(err, models.ErrConcurrentRun):
		log.Debug("learning run already in progress, skipping")
	case err != nil:
		log.WithError(err).Error("scheduled learning run failed")
	default:
		log.WithField("phase", res.ResultingState).
			WithField("changes", len(res.AppliedChanges)).
			Debug("scheduled learning run finished")
	}
}
