// Package schedule runs the engines' sweeps on a cron schedule.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is one unit of scheduled work, typically an engine sweep.
type Job func(ctx context.Context) error

type namedJob struct {
	name string
	run  Job
}

// Scheduler fires every registered job on the same cron spec. A job still
// running when its next tick arrives is skipped for that tick.
type Scheduler struct {
	spec    string
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	jobs    []namedJob
	entries map[string]cron.EntryID
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
}

// New validates spec. timeout bounds each job run; zero means no bound.
func New(spec string, loc *time.Location, timeout time.Duration, logger *slog.Logger) (*Scheduler, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", spec, err)
	}

	if loc == nil {
		loc = time.UTC
	}

	logger = logger.With("module", "scheduler")
	cronLog := cronLogger{logger: logger}

	return &Scheduler{
		spec:    spec,
		timeout: timeout,
		logger:  logger,
		entries: make(map[string]cron.EntryID),
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithChain(
				cron.SkipIfStillRunning(cronLog),
				cron.Recover(cronLog),
			),
		),
	}, nil
}

// Add registers job under name. Jobs added after Start are scheduled immediately.
func (s *Scheduler) Add(name string, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[name]; exists {
		return fmt.Errorf("job %s already scheduled", name)
	}

	entryID, err := s.cron.AddFunc(s.spec, func() {
		s.runJob(s.context(), name, job)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule job %s: %w", name, err)
	}

	s.entries[name] = entryID
	s.jobs = append(s.jobs, namedJob{name: name, run: job})

	s.logger.Info("Added scheduled job", "job", name, "cron", s.spec, "entry_id", entryID)

	return nil
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx == nil {
		return context.Background()
	}

	return s.ctx
}

func (s *Scheduler) runJob(ctx context.Context, name string, job Job) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	started := time.Now()

	if err := job(ctx); err != nil {
		s.logger.ErrorContext(ctx, "Scheduled job failed", "job", name, "error", err)

		return fmt.Errorf("%s: %w", name, err)
	}

	s.logger.DebugContext(ctx, "Scheduled job finished", "job", name, "duration", time.Since(started))

	return nil
}

// RunOnce runs every job in registration order and joins their errors.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	s.mu.Lock()
	jobs := append([]namedJob(nil), s.jobs...)
	s.mu.Unlock()

	var errs []error

	for _, job := range jobs {
		if err := s.runJob(ctx, job.name, job.run); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.InfoContext(ctx, "Scheduler started", "cron", s.spec, "jobs", len(s.entries))
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	<-s.cron.Stop().Done()

	s.logger.InfoContext(ctx, "Scheduler stopped")
}

// cronLogger routes robfig/cron's logging into slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
