package api

import (
	"net/http"

	"github.com/taskwire-io/taskwire/internal/chat"
)

// NotificationHandler exposes the in-memory ring of chat deliveries that
// exhausted their retry budget. Operators use it to see what never reached a
// channel; the buffer is volatile and restarts empty.
type NotificationHandler struct {
	failed *chat.FailedBuffer
}

// NewNotificationHandler creates a new NotificationHandler.
func NewNotificationHandler(failed *chat.FailedBuffer) *NotificationHandler {
	return &NotificationHandler{failed: failed}
}

type listFailedResponse struct {
	Items []chat.FailedNotification `json:"items"`
	Total int                       `json:"total"`
}

// ListFailed handles GET /api/v1/notifications/failed, oldest first.
func (h *NotificationHandler) ListFailed(w http.ResponseWriter, r *http.Request) {
	items := h.failed.Recent()
	Ok(w, listFailedResponse{Items: items, Total: len(items)})
}
