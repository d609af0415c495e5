package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskwire-io/taskwire/internal/db"
	"github.com/taskwire-io/taskwire/internal/store"
)

// TaskHandler serves read-only task lookups for operators: chat is the
// primary surface for task state, this endpoint exists for debugging and
// dashboards.
type TaskHandler struct {
	tasks  store.TaskRepository
	logger *zap.Logger
}

// NewTaskHandler creates a new TaskHandler.
func NewTaskHandler(tasks store.TaskRepository, logger *zap.Logger) *TaskHandler {
	return &TaskHandler{
		tasks:  tasks,
		logger: logger.Named("task_handler"),
	}
}

// taskResponse is the JSON representation of a task. The prompt and result
// bodies are included — this API is operator-only.
type taskResponse struct {
	ID            string  `json:"id"`
	ProjectID     string  `json:"project_id"`
	ParentTaskID  *string `json:"parent_task_id,omitempty"`
	AgentID       string  `json:"agent_id,omitempty"`
	BotName       string  `json:"bot_name"`
	Command       string  `json:"command"`
	Prompt        string  `json:"prompt"`
	Model         string  `json:"model"`
	Status        string  `json:"status"`
	ChannelID     string  `json:"channel_id"`
	Result        string  `json:"result,omitempty"`
	InputTokens   int64   `json:"input_tokens"`
	OutputTokens  int64   `json:"output_tokens"`
	EstimatedCost float64 `json:"estimated_cost"`
	DurationMs    int64   `json:"duration_ms"`
	Continuations int     `json:"continuations"`
	CreatedAt     string  `json:"created_at"`
}

func taskToResponse(t *db.Task) taskResponse {
	resp := taskResponse{
		ID:            t.ID.String(),
		ProjectID:     t.ProjectID.String(),
		AgentID:       t.AgentID,
		BotName:       t.BotName,
		Command:       t.Command,
		Prompt:        t.Prompt,
		Model:         t.Model,
		Status:        t.Status,
		ChannelID:     t.ChannelID,
		Result:        t.Result,
		InputTokens:   t.InputTokens,
		OutputTokens:  t.OutputTokens,
		EstimatedCost: t.EstimatedCost,
		DurationMs:    t.DurationMs,
		Continuations: t.Continuations,
		CreatedAt:     t.CreatedAt.UTC().Format(time.RFC3339),
	}
	if t.ParentTaskID != nil {
		s := t.ParentTaskID.String()
		resp.ParentTaskID = &s
	}
	return resp
}

// GetByID handles GET /api/v1/tasks/{id}.
func (h *TaskHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "id")
	id, err := uuid.Parse(raw)
	if err != nil {
		ErrBadRequest(w, "invalid id: must be a valid UUID")
		return
	}

	task, err := h.tasks.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("task lookup failed", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, taskToResponse(task))
}
