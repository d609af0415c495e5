// Package decompose drives multi-step work: fanning a completed plan out
// into sequential subtasks, aggregating their outcomes back into the thread,
// and resuming turn-capped invocations within a continuation budget.
package decompose

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskwire-io/taskwire/internal/chat"
	"github.com/taskwire-io/taskwire/internal/db"
	"github.com/taskwire-io/taskwire/internal/store"
)

// planCommand is the bot command whose completed output is treated as a
// decomposition plan.
const planCommand = "decompose"

// Submitter is the command-service surface used for fan-out and resumption.
// Satisfied by *command.Service.
type Submitter interface {
	SubmitSubtask(ctx context.Context, parent *db.Task, prompt string) (*db.Task, error)
	Dispatch(ctx context.Context, task *db.Task, resumeSessionID string) error
}

// Service implements plan fan-out, aggregation and auto-continuation. It is
// wired into the lifecycle service as its completion, child and continuation
// hooks.
type Service struct {
	tasks    store.TaskRepository
	commands Submitter
	notifier chat.Notifier
	logger   *zap.Logger

	// mu guards pending, the per-parent queue of subtask prompts not yet
	// submitted. Subtasks run one at a time; the queue is in-memory, so a
	// server restart abandons an unfinished fan-out (the completed plan
	// message remains in the thread for manual resubmission).
	mu      sync.Mutex
	pending map[uuid.UUID][]string
}

// New creates the decomposition service.
func New(tasks store.TaskRepository, commands Submitter, notifier chat.Notifier, logger *zap.Logger) *Service {
	return &Service{
		tasks:    tasks,
		commands: commands,
		notifier: notifier,
		logger:   logger.Named("decompose"),
	}
}

// TaskCompleted observes completions. A finished plan invocation is claimed
// (returns true): the parent stays non-terminal while its subtasks run and
// takes its terminal status from their combined outcome in aggregate.
// Everything else is left to the lifecycle service (returns false).
func (s *Service) TaskCompleted(ctx context.Context, task *db.Task, result string) bool {
	if task.Command != planCommand || task.ParentTaskID != nil {
		return false
	}

	// Redelivered completion report: the fan-out is already in flight (or
	// done). Claim it without fanning out a second time.
	s.mu.Lock()
	_, inFlight := s.pending[task.ID]
	s.mu.Unlock()
	if inFlight {
		return true
	}
	if subs, err := s.tasks.ListByParent(ctx, task.ID); err == nil && len(subs) > 0 {
		return true
	}

	items := ParsePlan(result)
	if len(items) == 0 {
		// Nothing parseable: run the original request as a single subtask
		// rather than silently doing nothing with an approved plan.
		items = []string{task.Prompt}
		s.logger.Warn("plan output had no parseable subtasks, falling back to single task",
			zap.String("task_id", task.ID.String()))
	}

	s.logger.Info("fanning plan out into subtasks",
		zap.String("task_id", task.ID.String()),
		zap.Int("subtasks", len(items)),
	)

	first := items[0]
	rest := items[1:]

	s.mu.Lock()
	if s.pending == nil {
		s.pending = make(map[uuid.UUID][]string)
	}
	s.pending[task.ID] = rest
	s.mu.Unlock()

	if _, err := s.notifier.PostMessage(ctx, task.ChannelID, s.threadTS(task),
		fmt.Sprintf("Plan accepted: %d subtasks. Starting with:\n> %s", len(items), first)); err != nil {
		s.logger.Warn("fan-out notice post failed", zap.Error(err))
	}

	if _, err := s.commands.SubmitSubtask(ctx, task, first); err != nil {
		s.logger.Error("first subtask submit failed",
			zap.String("task_id", task.ID.String()), zap.Error(err))
		s.failParent(ctx, task, "first subtask could not be submitted: "+err.Error())
	}
	return true
}

// ChildFinished observes subtask terminal transitions: submit the next
// queued prompt, or aggregate once the whole fan-out is terminal.
func (s *Service) ChildFinished(ctx context.Context, parentID uuid.UUID) {
	parent, err := s.tasks.GetByID(ctx, parentID)
	if err != nil {
		s.logger.Error("fan-out parent lookup failed",
			zap.String("parent_id", parentID.String()), zap.Error(err))
		return
	}

	s.mu.Lock()
	queue := s.pending[parentID]
	var next string
	if len(queue) > 0 {
		next = queue[0]
		s.pending[parentID] = queue[1:]
	}
	s.mu.Unlock()

	if next != "" {
		if _, err := s.commands.SubmitSubtask(ctx, parent, next); err != nil {
			s.logger.Error("next subtask submit failed",
				zap.String("parent_id", parentID.String()), zap.Error(err))
			s.failParent(ctx, parent, "next subtask could not be submitted: "+err.Error())
		}
		return
	}

	done, err := s.tasks.AllSubtasksTerminal(ctx, parentID)
	if err != nil {
		s.logger.Error("fan-out completion check failed",
			zap.String("parent_id", parentID.String()), zap.Error(err))
		return
	}
	if !done {
		return
	}
	s.dropPending(parentID)
	s.aggregate(ctx, parent)
}

// aggregate finalises the parent from the combined subtask outcomes and
// posts the fan-out summary into the thread. Any failed subtask fails the
// parent; otherwise any cancelled subtask cancels it.
func (s *Service) aggregate(ctx context.Context, parent *db.Task) {
	subtasks, err := s.tasks.ListByParent(ctx, parent.ID)
	if err != nil {
		s.logger.Error("fan-out aggregation failed",
			zap.String("parent_id", parent.ID.String()), zap.Error(err))
		return
	}
	if len(subtasks) == 0 {
		return
	}

	var completed, failed, cancelled int
	var cost float64
	for _, sub := range subtasks {
		switch sub.Status {
		case db.TaskCompleted:
			completed++
		case db.TaskFailed:
			failed++
		case db.TaskCancelled:
			cancelled++
		}
		cost += sub.EstimatedCost
	}

	status := db.TaskCompleted
	reaction := chat.ReactionSuccess
	switch {
	case failed > 0:
		status, reaction = db.TaskFailed, chat.ReactionFailure
	case cancelled > 0:
		status, reaction = db.TaskCancelled, chat.ReactionCancelled
	}

	msg := fmt.Sprintf("All %d subtasks finished: %d completed, %d failed",
		len(subtasks), completed, failed)
	if cancelled > 0 {
		msg += fmt.Sprintf(", %d cancelled", cancelled)
	}
	msg += fmt.Sprintf(" · total $%.4f", cost)

	if err := s.tasks.Finalize(ctx, parent.ID, status,
		store.Usage{Result: msg, EstimatedCost: cost}); err != nil && !errors.Is(err, store.ErrAlreadyTerminal) {
		s.logger.Error("fan-out parent finalize failed",
			zap.String("parent_id", parent.ID.String()), zap.Error(err))
	}

	if _, err := s.notifier.PostMessage(ctx, parent.ChannelID, s.threadTS(parent), msg); err != nil {
		s.logger.Warn("aggregation summary post failed",
			zap.String("parent_id", parent.ID.String()), zap.Error(err))
	}
	s.flipReaction(ctx, parent, reaction)
}

// failParent abandons a fan-out: the parent is finalised as failed and the
// thread told why.
func (s *Service) failParent(ctx context.Context, parent *db.Task, reason string) {
	s.dropPending(parent.ID)
	if err := s.tasks.Finalize(ctx, parent.ID, db.TaskFailed,
		store.Usage{Result: reason}); err != nil && !errors.Is(err, store.ErrAlreadyTerminal) {
		s.logger.Error("fan-out parent finalize failed",
			zap.String("parent_id", parent.ID.String()), zap.Error(err))
		return
	}
	if _, err := s.notifier.PostMessage(ctx, parent.ChannelID, s.threadTS(parent),
		"❌ Plan failed: "+reason); err != nil {
		s.logger.Warn("fan-out failure post failed",
			zap.String("parent_id", parent.ID.String()), zap.Error(err))
	}
	s.flipReaction(ctx, parent, chat.ReactionFailure)
}

func (s *Service) flipReaction(ctx context.Context, parent *db.Task, reaction string) {
	if parent.AnchorTS == "" {
		return
	}
	if err := chat.SwapReaction(ctx, s.notifier, parent.ChannelID, parent.AnchorTS,
		chat.ReactionInProgress, reaction); err != nil {
		s.logger.Warn("reaction flip failed",
			zap.String("parent_id", parent.ID.String()), zap.Error(err))
	}
}

// Continue implements the auto-continuation hook: a turn-capped task is
// redispatched with its session until the continuation budget runs out.
func (s *Service) Continue(ctx context.Context, task *db.Task, sessionID string) (bool, error) {
	if task.Continuations >= task.MaxContinuations {
		s.logger.Warn("continuation budget exhausted",
			zap.String("task_id", task.ID.String()),
			zap.Int("continuations", task.Continuations),
		)
		return false, nil
	}
	if err := s.tasks.BumpContinuations(ctx, task.ID); err != nil {
		return false, err
	}
	if err := s.commands.Dispatch(ctx, task, sessionID); err != nil {
		return false, err
	}
	s.logger.Info("task continued",
		zap.String("task_id", task.ID.String()),
		zap.Int("continuation", task.Continuations+1),
		zap.Int("budget", task.MaxContinuations),
	)
	return true, nil
}

func (s *Service) dropPending(parentID uuid.UUID) {
	s.mu.Lock()
	delete(s.pending, parentID)
	s.mu.Unlock()
}

func (s *Service) threadTS(task *db.Task) string {
	if task.ThreadTS != "" {
		return task.ThreadTS
	}
	return task.AnchorTS
}
