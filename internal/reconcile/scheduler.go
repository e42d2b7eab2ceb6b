// ABOUTME: Cron scheduling for reconciliation sweeps
// ABOUTME: Overlapping ticks are skipped both by the cron chain and the job lock

package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateSchedule reports whether spec parses as a cron schedule.
func ValidateSchedule(spec string) error {
	if _, err := cronParser.Parse(spec); err != nil {
		return fmt.Errorf("invalid reconcile schedule %q: %w", spec, err)
	}
	return nil
}

// Scheduler runs a Job on a cron schedule.
type Scheduler struct {
	cron   *cron.Cron
	job    *Job
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler registers job under spec. loc defaults to the local zone.
func NewScheduler(job *Job, spec string, loc *time.Location, logger *slog.Logger) (*Scheduler, error) {
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "reconcile_scheduler")

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		job:    job,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
	s.cron = cron.New(
		cron.WithLocation(loc),
		cron.WithParser(cronParser),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{logger})),
	)
	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		cancel()
		return nil, fmt.Errorf("invalid reconcile schedule %q: %w", spec, err)
	}
	return s, nil
}

// Start begins running sweeps in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("reconcile scheduler started", "entries", len(s.cron.Entries()))
}

// Next returns when the next sweep is due.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// Stop cancels a running sweep and waits for it to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}

func (s *Scheduler) tick() {
	report, err := s.job.Run(s.ctx, Options{})
	switch {
	case errors.Is(err, ErrSweepInProgress):
		s.logger.Info("skipping scheduled sweep, another sweep is running")
	case errors.Is(err, context.Canceled):
	case err != nil:
		s.logger.Error("scheduled sweep failed", "error", err)
	case report.Unresolved() > 0:
		s.logger.Warn("scheduled sweep left unresolved findings",
			"unresolved", report.Unresolved(),
			"unresolved_orphans", report.UnresolvedOrphans(),
			"ambiguous", report.Count(KindAmbiguous))
	}
}

// cronLogger adapts slog to cron's logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
