package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/taskwire-io/taskwire/internal/registry"
)

// AgentHandler serves the read-only connected-agents listing backed by the
// in-memory registry. There is no persistence behind it: an agent that is
// not connected right now simply does not appear.
type AgentHandler struct {
	registry *registry.Registry
	logger   *zap.Logger
}

// NewAgentHandler creates a new AgentHandler.
func NewAgentHandler(reg *registry.Registry, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{
		registry: reg,
		logger:   logger.Named("agent_handler"),
	}
}

// agentResponse is the JSON representation of one connected agent session.
type agentResponse struct {
	AgentID     string  `json:"agent_id"`
	Version     string  `json:"version"`
	ConnectedAt string  `json:"connected_at"`
	LastSeen    string  `json:"last_seen"`
	ActiveTasks int     `json:"active_tasks"`
	CPUUsage    float64 `json:"cpu_usage"`
	MemoryUsage float64 `json:"memory_usage"`
}

type listAgentsResponse struct {
	Items []agentResponse `json:"items"`
	Total int             `json:"total"`
}

// List handles GET /api/v1/agents.
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	sessions := h.registry.Snapshot()

	items := make([]agentResponse, len(sessions))
	for i, s := range sessions {
		items[i] = agentResponse{
			AgentID:     s.AgentID,
			Version:     s.Version,
			ConnectedAt: s.ConnectedAt.UTC().Format(time.RFC3339),
			LastSeen:    s.LastSeen.UTC().Format(time.RFC3339),
			ActiveTasks: s.ActiveTasks,
			CPUUsage:    s.CPUUsage,
			MemoryUsage: s.MemoryUsage,
		}
	}

	Ok(w, listAgentsResponse{Items: items, Total: len(items)})
}
