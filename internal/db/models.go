package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Base contains the common fields shared by all models. The embed is
// exported, like gorm.Model: gorm's schema reflection skips unexported
// embedded structs, and CreatedAt/UpdatedAt autofill only works through a
// visible field path.
// ID uses UUID v7 (time-ordered) so every record is unique and sortable by
// creation time without a separate sequence — the offline queue relies on
// this for its monotone drain order. CreatedAt and UpdatedAt are managed
// automatically by GORM.
type Base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
func (b *Base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// -----------------------------------------------------------------------------
// Task status
// -----------------------------------------------------------------------------

// Task status values. The lifecycle is
//
//	created → pending → (queued ⇄ pending) → running → {completed, failed, cancelled}
//
// Transitions out of running and out of any terminal state are one-way;
// the repository enforces terminal-once with a guarded UPDATE.
const (
	TaskPending   = "pending"   // accepted locally, not yet acked by an agent
	TaskQueued    = "queued"    // buffered in the offline queue for a disconnected agent
	TaskRunning   = "running"   // acked and executing
	TaskCompleted = "completed"
	TaskFailed    = "failed"
	TaskCancelled = "cancelled"
)

// TerminalStatuses lists the states a task can never leave.
var TerminalStatuses = []string{TaskCompleted, TaskFailed, TaskCancelled}

// IsTerminal reports whether status is one of the terminal states.
func IsTerminal(status string) bool {
	switch status {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// -----------------------------------------------------------------------------
// Projects
// -----------------------------------------------------------------------------

// Project is a configuration scope mapping one chat channel to a filesystem
// path on an agent. ChannelID is unique — channel resolution is how user
// commands find their project.
type Project struct {
	Base
	Name             string  `gorm:"not null"`
	ChannelID        string  `gorm:"uniqueIndex;not null"`
	LocalPath        string  `gorm:"not null"`
	PreferredAgentID string  `gorm:"default:''"`
	DefaultModel     string  `gorm:"not null;default:'standard'"`
	DefaultBudget    float64 `gorm:"not null;default:1.0"`
	DeployPlatform   string  `gorm:"default:''"` // optional control-plane linkage, informational only
}

// -----------------------------------------------------------------------------
// Tasks
// -----------------------------------------------------------------------------

// Task is the unit of work. It is created by the command service and mutated
// only through the lifecycle handlers. Usage fields are frozen once the task
// reaches a terminal status.
//
// Association fields are intentionally absent: GORM cannot resolve foreign
// keys with uuid.UUID primary keys, so subtasks are loaded via explicit
// repository queries (ListByParent).
type Task struct {
	Base
	ProjectID    uuid.UUID  `gorm:"type:text;not null;index"`
	AgentID      string     `gorm:"default:'';index"` // agent the task was dispatched to, if any
	ParentTaskID *uuid.UUID `gorm:"type:text;index"`  // same-project parent for decomposed subtasks
	BotName      string     `gorm:"not null"`
	Command      string     `gorm:"not null"`
	Prompt       string     `gorm:"type:text;not null"`
	SystemPrompt string     `gorm:"type:text;default:''"`
	Model        string     `gorm:"not null"`
	MaxBudget    float64    `gorm:"not null;default:0"`
	AllowedTools string     `gorm:"type:text;default:'[]'"` // JSON array of tool names

	// Chat correlation. AnchorTS identifies the user message whose reaction
	// emoji mirrors task status; ThreadTS is where progress is posted.
	ChannelID string `gorm:"not null;index"`
	ThreadTS  string `gorm:"default:''"`
	UserID    string `gorm:"not null"`
	AnchorTS  string `gorm:"default:''"`

	Status string `gorm:"not null;default:'pending';index"`

	// SessionID is assigned by the execution engine on first progress and is
	// required to continue a capped invocation.
	SessionID string `gorm:"default:''"`

	// Aggregate usage, frozen at the terminal transition.
	InputTokens   int64   `gorm:"not null;default:0"`
	OutputTokens  int64   `gorm:"not null;default:0"`
	EstimatedCost float64 `gorm:"not null;default:0"`
	FilesChanged  string  `gorm:"type:text;default:'[]'"` // JSON array, semantically a set
	CommandsRun   string  `gorm:"type:text;default:'[]'"` // JSON array, entries bounded to 200 chars
	DurationMs    int64   `gorm:"not null;default:0"`
	Result        string  `gorm:"type:text;default:''"`

	// Continuation accounting for the auto-continue driver.
	Continuations    int `gorm:"not null;default:0"`
	MaxContinuations int `gorm:"not null;default:0"`
}

// -----------------------------------------------------------------------------
// Offline queue
// -----------------------------------------------------------------------------

// OfflineMessage is a durable outbound message owed to an agent that was not
// connected at send time. The UUIDv7 primary key doubles as the monotone
// serial — drains order by id ascending. DeliveredAt flips exactly once;
// delivered rows are never resent.
type OfflineMessage struct {
	Base
	AgentID     string     `gorm:"not null;index"`
	Type        string     `gorm:"not null"` // protocol.MessageType of the payload
	Payload     []byte     `gorm:"type:text;not null"`
	ExpiresAt   time.Time  `gorm:"not null;index"`
	Attempts    int        `gorm:"not null;default:0"`
	DeliveredAt *time.Time `gorm:"index"`
}

// -----------------------------------------------------------------------------
// Credentials
// -----------------------------------------------------------------------------

// APIKey authenticates an agent connection. The raw key is never stored —
// only its SHA-256 hex hash. A key is valid iff it is not revoked and either
// has no expiry or the expiry is in the future.
type APIKey struct {
	Base
	KeyHash    string `gorm:"uniqueIndex;not null"`
	AgentID    string `gorm:"not null;index"`
	ExpiresAt  *time.Time
	Revoked    bool `gorm:"not null;default:false"`
	LastUsedAt *time.Time
}

// -----------------------------------------------------------------------------
// Audit log
// -----------------------------------------------------------------------------

// AuditEntry is an append-only record of a lifecycle event. Code carries the
// machine-readable error/event code; Detail is free-form JSON context.
type AuditEntry struct {
	Base
	TaskID  *uuid.UUID `gorm:"type:text;index"`
	AgentID string     `gorm:"default:'';index"`
	Event   string     `gorm:"not null"`
	Code    string     `gorm:"default:''"`
	Detail  string     `gorm:"type:text;default:'{}'"`
}

// -----------------------------------------------------------------------------
// Scheduled tasks
// -----------------------------------------------------------------------------

// Scheduled-task states.
const (
	ScheduleStatePending   = "pending"
	ScheduleStateActive    = "active"
	ScheduleStatePaused    = "paused"
	ScheduleStateCompleted = "completed"
	ScheduleStateFailed    = "failed"
	ScheduleStateCancelled = "cancelled"
)

// ScheduledTask is a future or recurring task submission. One-shot rows have
// an empty CronExpr and a fixed RunAt; recurring rows carry a cron expression
// evaluated in Timezone, with NextRunAt maintained by the scheduler.
type ScheduledTask struct {
	Base
	ProjectID uuid.UUID `gorm:"type:text;not null;index"`
	BotName   string    `gorm:"not null"`
	Command   string    `gorm:"not null"`
	Prompt    string    `gorm:"type:text;not null"`
	UserID    string    `gorm:"not null"`

	CronExpr  string    `gorm:"default:''"`          // empty for one-shot
	Timezone  string    `gorm:"not null;default:'UTC'"`
	NextRunAt time.Time `gorm:"not null;index"`
	LastRunAt *time.Time

	State   string `gorm:"not null;default:'pending';index"`
	Enabled bool   `gorm:"not null;default:true"`
}
