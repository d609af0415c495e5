// Package runner defines the contract between the agent and the execution
// engine that actually performs coding work. The engine is an external
// collaborator — this package only fixes the shapes the queue processor
// needs: what a task looks like going in, which events can surface while it
// runs, and what comes back when it ends.
package runner

import (
	"context"
	"errors"
)

// ErrMaxTurns is returned by a Runner when the invocation ended because the
// engine's per-invocation turn cap was reached rather than because the work
// finished. The server drives auto-continuation off this condition.
var ErrMaxTurns = errors.New("runner: max turns reached")

// Task is one unit of work handed to the engine.
type Task struct {
	TaskID          string
	ProjectID       string
	Command         string
	Prompt          string
	SystemPrompt    string
	LocalPath       string
	Model           string
	MaxBudget       float64
	AllowedTools    []string
	ResumeSessionID string
}

// Result is the engine's terminal report for a successful invocation. For a
// turn-capped invocation (ErrMaxTurns) the SessionID must still be set so
// the continuation can resume it.
type Result struct {
	Result        string
	SessionID     string
	InputTokens   int64
	OutputTokens  int64
	EstimatedCost float64
	FilesChanged  []string
	CommandsRun   []string
}

// EventSink receives in-flight events from a running invocation. Calls
// arrive from the engine's goroutine; implementations must be safe for
// concurrent use across tasks.
type EventSink interface {
	// Progress reports a discrete step ("Reading auth.go"). kind is one of
	// the protocol progress kinds (tool_use, thinking, info).
	Progress(taskID, kind, message string)

	// Stream reports one incremental text delta of the result.
	Stream(taskID, delta string)
}

// Runner executes tasks. Run blocks until the invocation ends; cancelling
// ctx must abort the engine and return ctx.Err(). A turn-capped invocation
// returns a partial Result together with ErrMaxTurns.
type Runner interface {
	Run(ctx context.Context, task Task, events EventSink) (Result, error)
}
