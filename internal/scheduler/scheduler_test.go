package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/taskwire-io/taskwire/internal/command"
	"github.com/taskwire-io/taskwire/internal/db"
	"github.com/taskwire-io/taskwire/internal/store"
)

// fakeSubmitter records submitted requests.
type fakeSubmitter struct {
	mu   sync.Mutex
	reqs []command.SubmitRequest
}

func (f *fakeSubmitter) Submit(_ context.Context, req command.SubmitRequest) (*db.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return &db.Task{Status: db.TaskPending}, nil
}

type fixture struct {
	sched     *Scheduler
	schedules store.ScheduleRepository
	projects  store.ProjectRepository
	submitter *fakeSubmitter
	project   *db.Project
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      filepath.Join(t.TempDir(), "test.db"),
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)

	schedules := store.NewScheduleRepository(database)
	projects := store.NewProjectRepository(database)
	submitter := &fakeSubmitter{}

	project := &db.Project{Name: "app", ChannelID: "C1", LocalPath: "/srv/app"}
	require.NoError(t, projects.Create(context.Background(), project))

	sched, err := New(schedules, projects, submitter, zap.NewNop())
	require.NoError(t, err)
	return &fixture{
		sched:     sched,
		schedules: schedules,
		projects:  projects,
		submitter: submitter,
		project:   project,
	}
}

func (f *fixture) schedule(t *testing.T, cronExpr string, nextRun time.Time) *db.ScheduledTask {
	t.Helper()
	st := &db.ScheduledTask{
		ProjectID: f.project.ID,
		BotName:   "codebot",
		Command:   "test",
		Prompt:    "run the nightly suite",
		UserID:    "U1",
		CronExpr:  cronExpr,
		NextRunAt: nextRun,
		State:     db.ScheduleStateActive,
		Enabled:   true,
	}
	require.NoError(t, f.schedules.Create(context.Background(), st))
	return st
}

func TestTickSubmitsDueSchedules(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Minute)

	st := fx.schedule(t, "0 3 * * *", past)
	fx.schedule(t, "0 3 * * *", time.Now().UTC().Add(time.Hour)) // not due

	fx.sched.Tick(ctx)

	require.Len(t, fx.submitter.reqs, 1)
	assert.Equal(t, "run the nightly suite", fx.submitter.reqs[0].Prompt)
	assert.Equal(t, "C1", fx.submitter.reqs[0].ChannelID)

	// next_run_at advanced: the schedule is no longer due.
	got, err := fx.schedules.GetByID(ctx, st.ID)
	require.NoError(t, err)
	assert.True(t, got.NextRunAt.After(time.Now().UTC()))
	require.NotNil(t, got.LastRunAt)

	fx.sched.Tick(ctx)
	assert.Len(t, fx.submitter.reqs, 1)
}

func TestOneShotScheduleCompletesAfterRun(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	st := fx.schedule(t, "", time.Now().UTC().Add(-time.Minute))
	fx.sched.Tick(ctx)

	require.Len(t, fx.submitter.reqs, 1)
	got, err := fx.schedules.GetByID(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, db.ScheduleStateCompleted, got.State)

	// Terminal schedules never fire again.
	fx.sched.Tick(ctx)
	assert.Len(t, fx.submitter.reqs, 1)
}

func TestNextRunRespectsTimezone(t *testing.T) {
	// 03:00 New York on Jan 15 is 08:00 UTC (EST, UTC-5).
	now := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	next, err := NextRun("0 3 * * *", "America/New_York", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 15, 8, 0, 0, 0, time.UTC), next)
}

func TestNextRunClampsToMinimumInterval(t *testing.T) {
	// An every-minute expression is clamped to one hour out.
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	next, err := NextRun("* * * * *", "", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour), next)
}

func TestNextRunDescriptor(t *testing.T) {
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	next, err := NextRun("@daily", "", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 16, 0, 0, 0, 0, time.UTC), next)
}

func TestValidateSpec(t *testing.T) {
	assert.NoError(t, ValidateSpec("0 3 * * *", "Europe/Berlin"))
	assert.NoError(t, ValidateSpec("", "")) // one-shot
	assert.NoError(t, ValidateSpec("0 * * * *", ""))
	assert.Error(t, ValidateSpec("not a cron", ""))
	assert.Error(t, ValidateSpec("0 3 * * *", "Mars/Olympus"))
}

func TestValidateSpecRejectsSubHourCadence(t *testing.T) {
	// Every minute and every half hour both fall under the one-hour floor.
	assert.Error(t, ValidateSpec("* * * * *", ""))
	assert.Error(t, ValidateSpec("*/30 * * * *", ""))

	// A wide first gap must not hide a tight later one.
	assert.Error(t, ValidateSpec("0,30 9 * * *", ""))
}
