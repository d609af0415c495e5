// Package lifecycle applies agent-reported task events to the task record
// and the originating chat thread. It owns the terminal transition rules:
// a task reaches completed, failed or cancelled exactly once, and duplicate
// terminal reports from redelivered messages are absorbed silently.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskwire-io/taskwire/internal/chat"
	"github.com/taskwire-io/taskwire/internal/db"
	"github.com/taskwire-io/taskwire/internal/metrics"
	"github.com/taskwire-io/taskwire/internal/protocol"
	"github.com/taskwire-io/taskwire/internal/store"
	"github.com/taskwire-io/taskwire/internal/stream"
)

// ChildListener is notified whenever a subtask reaches a terminal status.
// The decomposition service implements it to drive fan-out aggregation; it
// is injected after construction to keep the packages acyclic.
type ChildListener interface {
	ChildFinished(ctx context.Context, parentID uuid.UUID)
}

// Continuer decides whether a turn-capped invocation should be resumed
// instead of failed. Returns true when a continuation was dispatched.
type Continuer interface {
	Continue(ctx context.Context, task *db.Task, sessionID string) (bool, error)
}

// CompletionListener is offered every successful completion before the task
// is finalised. A true return claims the completion: the listener owns the
// terminal transition from then on and the lifecycle service leaves the task
// non-terminal. The decomposition service claims finished plan invocations
// this way so the parent stays open until its subtasks settle.
type CompletionListener interface {
	TaskCompleted(ctx context.Context, task *db.Task, result string) bool
}

// Service handles the agent-to-server half of the task lifecycle.
type Service struct {
	tasks    store.TaskRepository
	audit    store.AuditRepository
	notifier chat.Notifier
	streams  *stream.Accumulator
	logger   *zap.Logger

	children   ChildListener
	continuer  Continuer
	completion CompletionListener
}

// New creates the lifecycle service. SetChildListener and SetContinuer are
// called during wiring before any traffic arrives.
func New(tasks store.TaskRepository, audit store.AuditRepository, notifier chat.Notifier, streams *stream.Accumulator, logger *zap.Logger) *Service {
	return &Service{
		tasks:    tasks,
		audit:    audit,
		notifier: notifier,
		streams:  streams,
		logger:   logger.Named("lifecycle"),
	}
}

// SetChildListener injects the subtask aggregation hook.
func (s *Service) SetChildListener(l ChildListener) { s.children = l }

// SetContinuer injects the auto-continuation hook.
func (s *Service) SetContinuer(c Continuer) { s.continuer = c }

// SetCompletionListener injects the completion observer.
func (s *Service) SetCompletionListener(l CompletionListener) { s.completion = l }

// HandleAck processes task_ack: acceptance moves the task to running and
// records which agent owns it; rejection fails the task and tells the user.
func (s *Service) HandleAck(ctx context.Context, agentID string, env *protocol.Envelope) error {
	ack, err := protocol.DecodePayload[protocol.TaskAck](*env)
	if err != nil {
		return err
	}
	task, err := s.load(ctx, ack.TaskID)
	if err != nil {
		return err
	}

	if !ack.Accepted {
		s.logger.Warn("task rejected by agent",
			zap.String("task_id", ack.TaskID),
			zap.String("agent_id", agentID),
			zap.String("reason", ack.Reason),
		)
		s.recordAudit(ctx, task.ID, agentID, "task_rejected", ack.Reason)
		_, err := s.finish(ctx, task, db.TaskFailed, store.Usage{Result: "Rejected by agent: " + ack.Reason},
			fmt.Sprintf("Task rejected by agent `%s`: %s", agentID, ack.Reason), chat.ReactionFailure)
		return err
	}

	if err := s.tasks.SetAgent(ctx, task.ID, agentID); err != nil {
		return err
	}
	if err := s.tasks.UpdateStatus(ctx, task.ID, db.TaskRunning); err != nil {
		if errors.Is(err, store.ErrAlreadyTerminal) {
			return nil
		}
		return err
	}
	s.recordAudit(ctx, task.ID, agentID, "task_accepted",
		fmt.Sprintf("queue position %d", ack.QueuePosition))
	return nil
}

// HandleProgress renders a discrete progress step onto the task's status card.
func (s *Service) HandleProgress(ctx context.Context, agentID string, env *protocol.Envelope) error {
	prog, err := protocol.DecodePayload[protocol.TaskProgress](*env)
	if err != nil {
		return err
	}
	task, err := s.load(ctx, prog.TaskID)
	if err != nil {
		return err
	}
	return s.streams.Step(ctx, s.streamKey(task), stepLabel(prog))
}

// HandleStream appends a streamed output delta; rendering is throttled by
// the accumulator.
func (s *Service) HandleStream(ctx context.Context, agentID string, env *protocol.Envelope) error {
	delta, err := protocol.DecodePayload[protocol.TaskStream](*env)
	if err != nil {
		return err
	}
	if delta.Delta == "" {
		return nil
	}
	task, err := s.load(ctx, delta.TaskID)
	if err != nil {
		return err
	}
	return s.streams.Delta(ctx, s.streamKey(task), delta.Delta)
}

// HandleCompletion finalises a successful task: usage is frozen onto the
// record, the result lands in the thread, requested uploads are shared, and
// the status reaction flips to success.
func (s *Service) HandleCompletion(ctx context.Context, agentID string, env *protocol.Envelope) error {
	done, err := protocol.DecodePayload[protocol.TaskComplete](*env)
	if err != nil {
		return err
	}
	task, err := s.load(ctx, done.TaskID)
	if err != nil {
		return err
	}

	body, uploads := extractUploads(done.Result)
	usage := store.Usage{
		SessionID:     done.SessionID,
		InputTokens:   done.InputTokens,
		OutputTokens:  done.OutputTokens,
		EstimatedCost: done.EstimatedCost,
		FilesChanged:  done.FilesChanged,
		CommandsRun:   done.CommandsRun,
		DurationMs:    done.DurationMs,
		Result:        body,
	}

	summary := body
	if summary == "" {
		summary = "Task completed."
	}
	summary += usageFooter(done)

	if s.completion != nil && s.completion.TaskCompleted(ctx, task, body) {
		// The listener owns the terminal transition now: the task stays
		// non-terminal while its subtasks run and is finalised from their
		// combined outcome.
		if _, err := s.streams.Finalize(ctx, task.ID, "📋 Plan ready"); err != nil {
			s.logger.Warn("status card flush failed",
				zap.String("task_id", task.ID.String()), zap.Error(err))
		}
		s.recordAudit(ctx, task.ID, agentID, "task_decomposed",
			fmt.Sprintf("cost $%.4f", done.EstimatedCost))
		return nil
	}

	applied, err := s.finish(ctx, task, db.TaskCompleted, usage, summary, chat.ReactionSuccess)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	s.recordAudit(ctx, task.ID, agentID, "task_completed",
		fmt.Sprintf("cost $%.4f, %d files changed", done.EstimatedCost, len(done.FilesChanged)))

	for _, up := range uploads {
		if err := s.notifier.UploadFile(ctx, task.ChannelID, s.threadTS(task), up.Path, up.Caption); err != nil {
			s.logger.Warn("result file upload failed",
				zap.String("task_id", done.TaskID),
				zap.String("path", up.Path),
				zap.Error(err),
			)
		}
	}
	return nil
}

// HandleError finalises a failed task, unless the failure is the turn-cap
// marker and the continuation driver takes it over.
func (s *Service) HandleError(ctx context.Context, agentID string, env *protocol.Envelope) error {
	fail, err := protocol.DecodePayload[protocol.TaskError](*env)
	if err != nil {
		return err
	}
	task, err := s.load(ctx, fail.TaskID)
	if err != nil {
		return err
	}

	if fail.Error == protocol.ErrMaxTurns && s.continuer != nil {
		continued, cerr := s.continuer.Continue(ctx, task, fail.SessionID)
		if cerr != nil {
			s.logger.Error("continuation attempt failed",
				zap.String("task_id", fail.TaskID), zap.Error(cerr))
		} else if continued {
			s.recordAudit(ctx, task.ID, agentID, "task_continued", fail.SessionID)
			return nil
		}
		// Budget exhausted or dispatch failed: fall through to failure.
	}

	msg := "Task failed: " + fail.Error
	usage := store.Usage{SessionID: fail.SessionID, Result: fail.Error}
	switch {
	case fail.Error == protocol.ErrMaxTurns:
		// Budget spent: tell the user what they got instead of a bare marker.
		msg = fmt.Sprintf("Task stopped at the turn cap after %d continuations.", task.Continuations)
		if fail.PartialResult != "" {
			msg += "\n\nPartial result:\n" + fail.PartialResult
			usage.Result = fail.PartialResult
		}
		msg += "\nResubmit to pick the work back up in a fresh task."
	case fail.Recoverable:
		msg += "\nThis error may be transient. Resubmit to retry."
	}
	applied, err := s.finish(ctx, task, db.TaskFailed, usage, msg, chat.ReactionFailure)
	if err != nil {
		return err
	}
	if applied {
		s.recordAudit(ctx, task.ID, agentID, "task_failed", fail.Error)
	}
	return nil
}

// HandleCancelled confirms an abort. The task is usually already cancelled
// by the command service when the user asked; the duplicate transition is
// absorbed.
func (s *Service) HandleCancelled(ctx context.Context, agentID string, env *protocol.Envelope) error {
	cancelled, err := protocol.DecodePayload[protocol.TaskCancelled](*env)
	if err != nil {
		return err
	}
	task, err := s.load(ctx, cancelled.TaskID)
	if err != nil {
		return err
	}

	s.streams.Discard(task.ID)
	applied, err := s.finish(ctx, task, db.TaskCancelled,
		store.Usage{Result: "Cancelled: " + cancelled.Reason}, "", chat.ReactionCancelled)
	if err != nil {
		return err
	}
	if applied {
		s.recordAudit(ctx, task.ID, agentID, "task_cancelled", cancelled.Reason)
	}
	return nil
}

// HandleAgentStatus records unsolicited agent state reports in the audit log.
func (s *Service) HandleAgentStatus(ctx context.Context, agentID string, env *protocol.Envelope) error {
	status, err := protocol.DecodePayload[protocol.AgentStatus](*env)
	if err != nil {
		return err
	}
	s.logger.Info("agent status report",
		zap.String("agent_id", agentID),
		zap.String("status", status.Status),
		zap.String("detail", status.Detail),
	)
	s.recordAudit(ctx, uuid.Nil, agentID, "agent_status", status.Status+" "+status.Detail)
	return nil
}

// finish applies a terminal transition: store finalisation, stream flush,
// final thread message, reaction flip, parent aggregation. A task already
// terminal short-circuits without touching chat again.
func (s *Service) finish(ctx context.Context, task *db.Task, status string, usage store.Usage, message, reaction string) (bool, error) {
	if err := s.tasks.Finalize(ctx, task.ID, status, usage); err != nil {
		if errors.Is(err, store.ErrAlreadyTerminal) {
			s.logger.Debug("dropping duplicate terminal report",
				zap.String("task_id", task.ID.String()),
				zap.String("status", status),
			)
			return false, nil
		}
		return false, err
	}
	metrics.TasksTotal.WithLabelValues(status).Inc()

	if _, err := s.streams.Finalize(ctx, task.ID, closingLine(status)); err != nil {
		s.logger.Warn("status card flush failed",
			zap.String("task_id", task.ID.String()), zap.Error(err))
	}

	if message != "" {
		if _, err := s.notifier.PostMessage(ctx, task.ChannelID, s.threadTS(task), message); err != nil {
			s.logger.Warn("terminal message post failed",
				zap.String("task_id", task.ID.String()), zap.Error(err))
		}
	}
	if task.AnchorTS != "" {
		if err := chat.SwapReaction(ctx, s.notifier, task.ChannelID, task.AnchorTS,
			chat.ReactionInProgress, reaction); err != nil {
			s.logger.Warn("reaction flip failed",
				zap.String("task_id", task.ID.String()), zap.Error(err))
		}
	}

	if task.ParentTaskID != nil && s.children != nil {
		s.children.ChildFinished(ctx, *task.ParentTaskID)
	}
	return true, nil
}

func (s *Service) load(ctx context.Context, taskID string) (*db.Task, error) {
	id, err := uuid.Parse(taskID)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: bad task id %q: %w", taskID, err)
	}
	return s.tasks.GetByID(ctx, id)
}

func (s *Service) streamKey(task *db.Task) stream.Key {
	return stream.Key{TaskID: task.ID, ChannelID: task.ChannelID, ThreadTS: s.threadTS(task), Prompt: task.Prompt}
}

// threadTS picks the thread the task reports into: the original thread if
// the command came from one, otherwise a new thread under the user message.
func (s *Service) threadTS(task *db.Task) string {
	if task.ThreadTS != "" {
		return task.ThreadTS
	}
	return task.AnchorTS
}

func (s *Service) recordAudit(ctx context.Context, taskID uuid.UUID, agentID, event, detail string) {
	entry := &db.AuditEntry{AgentID: agentID, Event: event, Detail: detail}
	if taskID != uuid.Nil {
		entry.TaskID = &taskID
	}
	if err := s.audit.Append(ctx, entry); err != nil {
		s.logger.Error("audit append failed", zap.String("event", event), zap.Error(err))
	}
}

func stepLabel(p protocol.TaskProgress) string {
	switch p.Type {
	case protocol.ProgressToolUse:
		return "🔧 " + p.Message
	case protocol.ProgressThinking:
		return "💭 " + p.Message
	default:
		return p.Message
	}
}

func closingLine(status string) string {
	switch status {
	case db.TaskCompleted:
		return "✅ Completed"
	case db.TaskFailed:
		return "❌ Failed"
	case db.TaskCancelled:
		return "🚫 Cancelled"
	default:
		return ""
	}
}

// usageFooter renders the cost summary under a completion message.
func usageFooter(done protocol.TaskComplete) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("\n\n_%d in / %d out tokens · $%.4f",
		done.InputTokens, done.OutputTokens, done.EstimatedCost))
	if done.DurationMs > 0 {
		b.WriteString(fmt.Sprintf(" · %.1fs", float64(done.DurationMs)/1000))
	}
	if len(done.FilesChanged) > 0 {
		b.WriteString(fmt.Sprintf(" · %d files", len(done.FilesChanged)))
	}
	b.WriteString("_")
	return b.String()
}
