// Package store defines the persistence contracts of the Taskwire server and
// their GORM implementations. Handlers and services depend only on the
// interfaces here, which keeps them testable with in-memory fakes and keeps
// GORM out of the business packages.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/taskwire-io/taskwire/internal/db"
)

// ListOptions contains common pagination options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// Usage carries the aggregate usage recorded at a terminal transition.
// Once applied, these fields are frozen — the repository rejects further
// terminal updates for the same task.
type Usage struct {
	SessionID     string
	InputTokens   int64
	OutputTokens  int64
	EstimatedCost float64
	FilesChanged  []string
	CommandsRun   []string
	DurationMs    int64
	Result        string
}

// -----------------------------------------------------------------------------
// TaskRepository
// -----------------------------------------------------------------------------

type TaskRepository interface {
	Create(ctx context.Context, task *db.Task) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Task, error)

	// UpdateStatus transitions a task to a new non-frozen status. The update
	// is guarded: if the task is already terminal the call returns
	// ErrAlreadyTerminal and the row is untouched, which makes repeated
	// lifecycle events idempotent.
	UpdateStatus(ctx context.Context, id uuid.UUID, status string) error

	// Finalize applies a terminal status together with the frozen usage
	// aggregate in a single guarded update. Applying the same terminal event
	// twice yields ErrAlreadyTerminal on the second call.
	Finalize(ctx context.Context, id uuid.UUID, status string, usage Usage) error

	// SetAgent records which agent a task was dispatched to.
	SetAgent(ctx context.Context, id uuid.UUID, agentID string) error

	// SetSession records the engine-assigned session id once known.
	SetSession(ctx context.Context, id uuid.UUID, sessionID string) error

	// BumpContinuations increments the continuation counter.
	BumpContinuations(ctx context.Context, id uuid.UUID) error

	ListByParent(ctx context.Context, parentID uuid.UUID) ([]db.Task, error)

	// AllSubtasksTerminal reports whether the parent has at least one subtask
	// and every subtask is in a terminal state.
	AllSubtasksTerminal(ctx context.Context, parentID uuid.UUID) (bool, error)

	// DeleteTerminalOlderThan removes terminal tasks created before cutoff,
	// returning the number of rows deleted. Used by the retention sweeper.
	DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// -----------------------------------------------------------------------------
// ProjectRepository
// -----------------------------------------------------------------------------

type ProjectRepository interface {
	Create(ctx context.Context, project *db.Project) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Project, error)

	// GetByChannel resolves the project bound to a chat channel. Channel ids
	// are unique across projects.
	GetByChannel(ctx context.Context, channelID string) (*db.Project, error)

	Update(ctx context.Context, project *db.Project) error
	List(ctx context.Context, opts ListOptions) ([]db.Project, int64, error)
}

// -----------------------------------------------------------------------------
// OfflineQueueRepository
// -----------------------------------------------------------------------------

type OfflineQueueRepository interface {
	Create(ctx context.Context, msg *db.OfflineMessage) error

	// ListUndelivered returns every undelivered, unexpired entry across all
	// agents ordered by id ascending (UUIDv7, so enqueue order).
	ListUndelivered(ctx context.Context, now time.Time) ([]db.OfflineMessage, error)

	// MarkDelivered flips delivered_at exactly once. A second call for the
	// same id returns ErrAlreadyDelivered, guaranteeing an entry is never
	// resent after a successful send.
	MarkDelivered(ctx context.Context, id uuid.UUID, at time.Time) error

	IncrementAttempts(ctx context.Context, id uuid.UUID) error

	// DeleteExpired removes entries past their TTL, delivered or not.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// -----------------------------------------------------------------------------
// CredentialRepository
// -----------------------------------------------------------------------------

type CredentialRepository interface {
	Create(ctx context.Context, key *db.APIKey) error

	// GetByHash looks a credential up by the SHA-256 hex of the raw key.
	GetByHash(ctx context.Context, keyHash string) (*db.APIKey, error)

	// Revoke marks a key revoked. Open connections authenticated with the
	// key are not force-closed; revocation bites on the next auth attempt.
	Revoke(ctx context.Context, id uuid.UUID) error

	TouchLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error
}

// -----------------------------------------------------------------------------
// AuditRepository
// -----------------------------------------------------------------------------

// AuditRepository is append-only by design — there is no update or delete.
type AuditRepository interface {
	Append(ctx context.Context, entry *db.AuditEntry) error
	ListByTask(ctx context.Context, taskID uuid.UUID) ([]db.AuditEntry, error)
}

// -----------------------------------------------------------------------------
// ScheduleRepository
// -----------------------------------------------------------------------------

type ScheduleRepository interface {
	Create(ctx context.Context, st *db.ScheduledTask) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.ScheduledTask, error)

	// ListDue returns enabled, non-terminal rows whose next_run_at is at or
	// before now.
	ListDue(ctx context.Context, now time.Time) ([]db.ScheduledTask, error)

	// SetState transitions the schedule state (pending, active, paused,
	// completed, failed, cancelled).
	SetState(ctx context.Context, id uuid.UUID, state string) error

	// MarkRun records a completed tick: last_run_at and, for recurring rows,
	// the freshly computed next_run_at.
	MarkRun(ctx context.Context, id uuid.UUID, lastRun, nextRun time.Time) error
}
