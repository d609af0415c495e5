// Package command turns user chat commands into dispatched tasks. It owns
// the server-to-agent half of the task lifecycle: project resolution, model
// routing, agent selection, direct send versus offline queueing, resubmits
// and cancellation.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskwire-io/taskwire/internal/chat"
	"github.com/taskwire-io/taskwire/internal/db"
	"github.com/taskwire-io/taskwire/internal/protocol"
	"github.com/taskwire-io/taskwire/internal/registry"
	"github.com/taskwire-io/taskwire/internal/store"
)

// ErrNoProject is returned when the channel has no registered project.
var ErrNoProject = errors.New("command: no project registered for channel")

// Agents is the registry surface the service dispatches through.
// Satisfied by *registry.Registry.
type Agents interface {
	Resolve(preferredAgentID string) (string, error)
	Send(agentID string, env *protocol.Envelope) error
	Broadcast(env *protocol.Envelope)
}

// Enqueuer is the offline queue surface. Satisfied by *offline.Queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, agentID string, env protocol.Envelope) error
}

// SubmitRequest is a parsed user command.
type SubmitRequest struct {
	BotName     string
	Command     string
	Prompt      string
	ChannelID   string
	ThreadTS    string
	UserID      string
	AnchorTS    string
	Attachments []string
}

// Service implements command handling.
type Service struct {
	tasks    store.TaskRepository
	projects store.ProjectRepository
	audit    store.AuditRepository
	agents   Agents
	queue    Enqueuer
	notifier chat.Notifier
	bots     BotRegistry

	// maxContinuations is the server default continuation budget applied
	// when the bot spec does not override it.
	maxContinuations int

	logger *zap.Logger
}

// New creates the command service.
func New(tasks store.TaskRepository, projects store.ProjectRepository, audit store.AuditRepository, agents Agents, queue Enqueuer, notifier chat.Notifier, bots BotRegistry, maxContinuations int, logger *zap.Logger) *Service {
	return &Service{
		tasks:            tasks,
		projects:         projects,
		audit:            audit,
		agents:           agents,
		queue:            queue,
		notifier:         notifier,
		bots:             bots,
		maxContinuations: maxContinuations,
		logger:           logger.Named("command"),
	}
}

// Submit creates a task for a user command and dispatches it. The returned
// task is pending when an agent took it directly and queued when it went to
// the offline queue.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*db.Task, error) {
	project, err := s.projects.GetByChannel(ctx, req.ChannelID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNoProject
		}
		return nil, err
	}

	spec, err := s.bots.Lookup(req.BotName, req.Command)
	if err != nil {
		return nil, err
	}

	task, err := s.createTask(ctx, project, spec, req, nil)
	if err != nil {
		return nil, err
	}

	s.recordAudit(ctx, task.ID, "task_submitted",
		fmt.Sprintf("%s /%s by %s", req.BotName, req.Command, req.UserID))

	if err := s.Dispatch(ctx, task, ""); err != nil {
		return nil, err
	}
	return task, nil
}

// SubmitSubtask creates and dispatches a child task under parent. Used by
// the decomposition service for fan-out.
func (s *Service) SubmitSubtask(ctx context.Context, parent *db.Task, prompt string) (*db.Task, error) {
	project, err := s.projects.GetByID(ctx, parent.ProjectID)
	if err != nil {
		return nil, err
	}
	spec, err := s.bots.Lookup(parent.BotName, parent.Command)
	if err != nil {
		return nil, err
	}
	req := SubmitRequest{
		BotName:   parent.BotName,
		Command:   parent.Command,
		Prompt:    prompt,
		ChannelID: parent.ChannelID,
		ThreadTS:  parent.ThreadTS,
		UserID:    parent.UserID,
		AnchorTS:  parent.AnchorTS,
	}
	task, err := s.createTask(ctx, project, spec, req, &parent.ID)
	if err != nil {
		return nil, err
	}
	if err := s.Dispatch(ctx, task, ""); err != nil {
		return nil, err
	}
	return task, nil
}

// Resubmit clones a task into a fresh record and dispatches it. Used when a
// user retries a failed task; the original row is left untouched.
func (s *Service) Resubmit(ctx context.Context, taskID uuid.UUID) (*db.Task, error) {
	orig, err := s.tasks.GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}

	clone := &db.Task{
		ProjectID:        orig.ProjectID,
		ParentTaskID:     orig.ParentTaskID,
		BotName:          orig.BotName,
		Command:          orig.Command,
		Prompt:           orig.Prompt,
		SystemPrompt:     orig.SystemPrompt,
		Model:            orig.Model,
		MaxBudget:        orig.MaxBudget,
		AllowedTools:     orig.AllowedTools,
		ChannelID:        orig.ChannelID,
		ThreadTS:         orig.ThreadTS,
		UserID:           orig.UserID,
		AnchorTS:         orig.AnchorTS,
		MaxContinuations: orig.MaxContinuations,
		Status:           db.TaskPending,
	}
	if err := s.tasks.Create(ctx, clone); err != nil {
		return nil, err
	}
	s.recordAudit(ctx, clone.ID, "task_resubmitted", "clone of "+orig.ID.String())

	if err := s.Dispatch(ctx, clone, ""); err != nil {
		return nil, err
	}
	return clone, nil
}

// Dispatch sends the task to an agent, or queues it for offline delivery
// when no agent is reachable. resumeSessionID is set on continuations so the
// agent resumes the prior session instead of starting cold.
func (s *Service) Dispatch(ctx context.Context, task *db.Task, resumeSessionID string) error {
	project, err := s.projects.GetByID(ctx, task.ProjectID)
	if err != nil {
		return err
	}

	env, err := s.buildSubmit(task, project, resumeSessionID)
	if err != nil {
		return err
	}

	agentID, err := s.agents.Resolve(project.PreferredAgentID)
	if err == nil {
		serr := s.agents.Send(agentID, &env)
		if serr == nil {
			s.logger.Info("task dispatched",
				zap.String("task_id", task.ID.String()),
				zap.String("agent_id", agentID),
				zap.String("model", task.Model),
			)
			s.react(ctx, task, chat.ReactionInProgress)
			return nil
		}
		s.logger.Warn("direct dispatch failed, falling back to offline queue",
			zap.String("task_id", task.ID.String()),
			zap.String("agent_id", agentID),
			zap.Error(serr),
		)
	}

	// No reachable agent: park the submission and mark the task queued.
	queueFor := project.PreferredAgentID
	if err := s.queue.Enqueue(ctx, queueFor, env); err != nil {
		return err
	}
	if err := s.tasks.UpdateStatus(ctx, task.ID, db.TaskQueued); err != nil &&
		!errors.Is(err, store.ErrAlreadyTerminal) {
		return err
	}
	task.Status = db.TaskQueued
	s.react(ctx, task, chat.ReactionQueued)

	if _, err := s.notifier.PostMessage(ctx, task.ChannelID, s.threadTS(task),
		"No agent is available right now. The task is queued and will start when one connects."); err != nil {
		s.logger.Warn("queued notice post failed",
			zap.String("task_id", task.ID.String()), zap.Error(err))
	}
	return nil
}

// Cancel aborts a task and every non-terminal subtask under it. The abort is
// broadcast to all agents; the owning agent confirms with task_cancelled,
// which the lifecycle handler absorbs as a duplicate terminal transition.
func (s *Service) Cancel(ctx context.Context, taskID uuid.UUID, reason string) error {
	task, err := s.tasks.GetByID(ctx, taskID)
	if err != nil {
		return err
	}

	err = s.tasks.Finalize(ctx, taskID, db.TaskCancelled, store.Usage{Result: "Cancelled: " + reason})
	if err != nil {
		if errors.Is(err, store.ErrAlreadyTerminal) {
			return nil
		}
		return err
	}

	env, err := protocol.NewEnvelope(protocol.TaskCancel{TaskID: taskID.String(), Reason: reason})
	if err != nil {
		return err
	}
	s.agents.Broadcast(&env)
	s.recordAudit(ctx, taskID, "task_cancel_requested", reason)
	s.react(ctx, task, chat.ReactionCancelled)

	subtasks, err := s.tasks.ListByParent(ctx, taskID)
	if err != nil {
		return err
	}
	for i := range subtasks {
		sub := subtasks[i]
		if db.IsTerminal(sub.Status) {
			continue
		}
		if err := s.Cancel(ctx, sub.ID, "parent cancelled"); err != nil {
			s.logger.Warn("subtask cancel failed",
				zap.String("task_id", sub.ID.String()), zap.Error(err))
		}
	}
	return nil
}

// NotifyRestart broadcasts a system_restart so agents finish their active
// tasks and reconnect. Called from shutdown handling.
func (s *Service) NotifyRestart(reason string, graceSecs int) {
	env, err := protocol.NewEnvelope(protocol.SystemRestart{
		Reason:     reason,
		GraceSecs:  graceSecs,
		ServerTime: time.Now().UTC().UnixMilli(),
	})
	if err != nil {
		s.logger.Error("restart notice build failed", zap.Error(err))
		return
	}
	s.agents.Broadcast(&env)
}

// createTask persists a new task row from a request and spec.
func (s *Service) createTask(ctx context.Context, project *db.Project, spec ExecSpec, req SubmitRequest, parentID *uuid.UUID) (*db.Task, error) {
	model := spec.Model()
	if project.DefaultModel != "" {
		model = project.DefaultModel
	}
	budget := spec.MaxBudget
	if project.DefaultBudget > 0 && (budget == 0 || project.DefaultBudget < budget) {
		budget = project.DefaultBudget
	}
	continuations := s.maxContinuations
	if spec.MaxContinuations != nil {
		continuations = *spec.MaxContinuations
	}

	tools, err := json.Marshal(spec.AllowedTools)
	if err != nil {
		return nil, fmt.Errorf("command: marshal allowed tools: %w", err)
	}

	task := &db.Task{
		ProjectID:        project.ID,
		ParentTaskID:     parentID,
		BotName:          req.BotName,
		Command:          req.Command,
		Prompt:           req.Prompt,
		SystemPrompt:     spec.SystemPrompt,
		Model:            model,
		MaxBudget:        budget,
		AllowedTools:     string(tools),
		ChannelID:        req.ChannelID,
		ThreadTS:         req.ThreadTS,
		UserID:           req.UserID,
		AnchorTS:         req.AnchorTS,
		MaxContinuations: continuations,
		Status:           db.TaskPending,
	}
	if err := s.tasks.Create(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// buildSubmit renders a task row into its wire submission.
func (s *Service) buildSubmit(task *db.Task, project *db.Project, resumeSessionID string) (protocol.Envelope, error) {
	var tools []string
	if task.AllowedTools != "" {
		if err := json.Unmarshal([]byte(task.AllowedTools), &tools); err != nil {
			return protocol.Envelope{}, fmt.Errorf("command: unmarshal allowed tools: %w", err)
		}
	}

	submit := protocol.TaskSubmit{
		TaskID:           task.ID.String(),
		ProjectID:        task.ProjectID.String(),
		BotName:          task.BotName,
		Command:          task.Command,
		Prompt:           task.Prompt,
		SystemPrompt:     task.SystemPrompt,
		LocalPath:        project.LocalPath,
		Model:            task.Model,
		MaxBudget:        task.MaxBudget,
		AllowedTools:     tools,
		ResumeSessionID:  resumeSessionID,
		MaxContinuations: task.MaxContinuations,
		ChatContext: protocol.ChatContext{
			ChannelID: task.ChannelID,
			ThreadTS:  task.ThreadTS,
			UserID:    task.UserID,
			AnchorTS:  task.AnchorTS,
		},
	}
	if task.ParentTaskID != nil {
		submit.ParentTaskID = task.ParentTaskID.String()
	}
	return protocol.NewEnvelope(submit)
}

func (s *Service) react(ctx context.Context, task *db.Task, emoji string) {
	if task.AnchorTS == "" {
		return
	}
	if err := s.notifier.AddReaction(ctx, task.ChannelID, task.AnchorTS, emoji); err != nil {
		s.logger.Warn("reaction add failed",
			zap.String("task_id", task.ID.String()), zap.Error(err))
	}
}

func (s *Service) threadTS(task *db.Task) string {
	if task.ThreadTS != "" {
		return task.ThreadTS
	}
	return task.AnchorTS
}

func (s *Service) recordAudit(ctx context.Context, taskID uuid.UUID, event, detail string) {
	id := taskID
	if err := s.audit.Append(ctx, &db.AuditEntry{TaskID: &id, Event: event, Detail: detail}); err != nil {
		s.logger.Error("audit append failed", zap.String("event", event), zap.Error(err))
	}
}

// compile-time check that the registry satisfies the Agents surface.
var _ Agents = (*registry.Registry)(nil)
