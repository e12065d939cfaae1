// Package scheduler runs weekly distributions on a cron schedule.
//
// Specs use the standard 5-field form (minute, hour, day of month, month, day of week),
// e.g. "0 9 * * 1" for Mondays at 09:00. A run that is still going when its next tick
// arrives causes that tick to be skipped.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSchedule runs the distribution every Monday at 09:00.
const DefaultSchedule = "0 9 * * 1"

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Task is a scheduled unit of work.
type Task func(ctx context.Context) error

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
	ctx  context.Context
}

// NewScheduler creates and starts a scheduler. Tasks receive ctx.
func NewScheduler(ctx context.Context, loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	logger := cron.DefaultLogger
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	c.Start()
	return &Scheduler{cron: c, ctx: ctx}
}

// ValidateSpec reports whether expr is a usable schedule.
func ValidateSpec(expr string) error {
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return nil
}

// AddJob schedules task under name using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr, name string, task Task) (cron.EntryID, error) {
	if err := ValidateSpec(expr); err != nil {
		return 0, err
	}
	id, err := s.cron.AddFunc(expr, func() {
		if s.ctx.Err() != nil {
			return
		}
		started := time.Now()
		slog.Info("Scheduler job started", "job", name)
		if err := task(s.ctx); err != nil {
			slog.Error("Scheduler job failed", "job", name, "error", err, "duration", time.Since(started))
			return
		}
		slog.Info("Scheduler job finished", "job", name, "duration", time.Since(started))
	})
	if err != nil {
		return 0, err
	}
	slog.Info("Scheduler job added", "job", name, "schedule", expr, "next", s.Next(id))
	return id, nil
}

// Next returns when job id runs next, or the zero time if it is unknown.
func (s *Scheduler) Next(id cron.EntryID) time.Time {
	return s.cron.Entry(id).Next
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
