// Package scheduler runs scheduled tasks: recurring jobs defined by a cron
// expression and one-shot jobs with a fixed run time. It wraps gocron for
// the periodic sweep and integrates with ScheduleRepository (to load due
// rows) and the command service (to submit the resulting tasks).
//
// The sweep fires every minute in singleton mode: if a sweep is still
// running when the next tick fires, the new execution is skipped. Missed
// windows are therefore caught up on the next sweep rather than dropped —
// next_run_at is only advanced after a successful submission.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/taskwire-io/taskwire/internal/command"
	"github.com/taskwire-io/taskwire/internal/db"
	"github.com/taskwire-io/taskwire/internal/store"
)

// minRecurringInterval is the floor for recurring schedules. Anything
// tighter would let one schedule monopolise the agent pool.
const minRecurringInterval = time.Hour

// cronParser accepts standard five-field expressions plus descriptors like
// @daily.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Submitter is the command-service surface the scheduler dispatches through.
// Satisfied by *command.Service.
type Submitter interface {
	Submit(ctx context.Context, req command.SubmitRequest) (*db.Task, error)
}

// Scheduler wraps gocron and drives due scheduled tasks.
// The zero value is not usable — create instances with New.
type Scheduler struct {
	cron      gocron.Scheduler
	schedules store.ScheduleRepository
	projects  store.ProjectRepository
	commands  Submitter
	logger    *zap.Logger
}

// New creates and configures a new Scheduler. Call Start to begin processing.
func New(schedules store.ScheduleRepository, projects store.ProjectRepository, commands Submitter, logger *zap.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("scheduler: create gocron scheduler: %w", err)
	}
	return &Scheduler{
		cron:      s,
		schedules: schedules,
		projects:  projects,
		commands:  commands,
		logger:    logger.Named("scheduler"),
	}, nil
}

// Start registers the minute sweep and starts the underlying gocron
// scheduler. Call once at startup after the database is up.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.NewJob(
		gocron.DurationJob(time.Minute),
		gocron.NewTask(func() { s.Tick(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("scheduler: register sweep: %w", err)
	}
	s.cron.Start()
	s.logger.Info("scheduler started")
	return nil
}

// Stop shuts the gocron scheduler down, waiting for a running sweep.
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("scheduler: shutdown: %w", err)
	}
	s.logger.Info("scheduler stopped")
	return nil
}

// Tick runs one sweep: every due schedule is submitted as a task, then
// advanced to its next run or completed.
func (s *Scheduler) Tick(ctx context.Context) {
	now := time.Now().UTC()
	due, err := s.schedules.ListDue(ctx, now)
	if err != nil {
		s.logger.Error("due schedule list failed", zap.Error(err))
		return
	}

	for i := range due {
		if err := s.run(ctx, &due[i], now); err != nil {
			s.logger.Error("scheduled task run failed",
				zap.String("schedule_id", due[i].ID.String()),
				zap.Error(err),
			)
		}
	}
}

// run submits one due schedule and advances its clock.
func (s *Scheduler) run(ctx context.Context, st *db.ScheduledTask, now time.Time) error {
	project, err := s.projects.GetByID(ctx, st.ProjectID)
	if err != nil {
		return fmt.Errorf("scheduler: project lookup: %w", err)
	}

	task, err := s.commands.Submit(ctx, command.SubmitRequest{
		BotName:   st.BotName,
		Command:   st.Command,
		Prompt:    st.Prompt,
		ChannelID: project.ChannelID,
		UserID:    st.UserID,
	})
	if err != nil {
		return fmt.Errorf("scheduler: submit: %w", err)
	}

	s.logger.Info("scheduled task submitted",
		zap.String("schedule_id", st.ID.String()),
		zap.String("task_id", task.ID.String()),
		zap.String("command", st.Command),
	)

	if st.CronExpr == "" {
		// One-shot: the schedule retires after its single run.
		if err := s.schedules.MarkRun(ctx, st.ID, now, now); err != nil {
			return err
		}
		return s.schedules.SetState(ctx, st.ID, db.ScheduleStateCompleted)
	}

	next, err := NextRun(st.CronExpr, st.Timezone, now)
	if err != nil {
		// The expression was valid at creation time; treat corruption as
		// terminal rather than re-running every sweep.
		s.logger.Error("cron expression no longer parses, failing schedule",
			zap.String("schedule_id", st.ID.String()),
			zap.String("cron", st.CronExpr),
			zap.Error(err),
		)
		return s.schedules.SetState(ctx, st.ID, db.ScheduleStateFailed)
	}
	return s.schedules.MarkRun(ctx, st.ID, now, next)
}

// NextRun computes the next execution after now for a cron expression in the
// given IANA timezone (UTC when empty), clamped to the minimum recurring
// interval.
func NextRun(expr, timezone string, now time.Time) (time.Time, error) {
	loc := time.UTC
	if timezone != "" {
		var err error
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return time.Time{}, fmt.Errorf("scheduler: load timezone %q: %w", timezone, err)
		}
	}

	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("scheduler: parse cron %q: %w", expr, err)
	}

	next := schedule.Next(now.In(loc)).UTC()
	if floor := now.Add(minRecurringInterval); next.Before(floor) {
		next = floor
	}
	return next, nil
}

// ValidateSpec checks a schedule definition at creation time: the cron
// expression (when recurring) and the timezone must parse, and the firing
// cadence must stay at or above the minimum recurring interval. Rejecting
// tight specs up front beats silently stretching them at runtime.
func ValidateSpec(expr, timezone string) error {
	if expr == "" {
		return nil
	}

	loc := time.UTC
	if timezone != "" {
		var err error
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return fmt.Errorf("scheduler: load timezone %q: %w", timezone, err)
		}
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return fmt.Errorf("scheduler: parse cron %q: %w", expr, err)
	}

	// Walk a handful of consecutive firings: irregular specs can hide a
	// tight gap behind a wide first one.
	prev := schedule.Next(time.Now().In(loc))
	for i := 0; i < 4; i++ {
		next := schedule.Next(prev)
		if gap := next.Sub(prev); gap < minRecurringInterval {
			return fmt.Errorf("scheduler: cron %q fires every %s, minimum is %s",
				expr, gap, minRecurringInterval)
		}
		prev = next
	}
	return nil
}
