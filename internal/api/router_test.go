package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/taskwire-io/taskwire/internal/chat"
	"github.com/taskwire-io/taskwire/internal/db"
	"github.com/taskwire-io/taskwire/internal/metrics"
	"github.com/taskwire-io/taskwire/internal/protocol"
	"github.com/taskwire-io/taskwire/internal/registry"
	"github.com/taskwire-io/taskwire/internal/store"
)

type nopLink struct{}

func (nopLink) Send(*protocol.Envelope) error { return nil }
func (nopLink) Close(int, string) error       { return nil }

type fixture struct {
	server   *httptest.Server
	registry *registry.Registry
	tasks    store.TaskRepository
	failed   *chat.FailedBuffer
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

	reg := registry.New(zap.NewNop())
	tasks := store.NewTaskRepository(database)
	failed := chat.NewFailedBuffer(16)

	handler := NewRouter(RouterConfig{
		AgentWS:  func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusSwitchingProtocols) },
		Registry: reg,
		Tasks:    tasks,
		Failed:   failed,
		Metrics:  metrics.NewRegistry(),
		Logger:   zap.NewNop(),
	})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return &fixture{server: srv, registry: reg, tasks: tasks, failed: failed}
}

func (f *fixture) get(t *testing.T, path string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(f.server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func TestHealthz(t *testing.T) {
	fx := newFixture(t)
	status, body := fx.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", string(body))
}

func TestListAgents(t *testing.T) {
	fx := newFixture(t)
	fx.registry.Register("agent-1", "1.4.0", nopLink{})
	fx.registry.Register("agent-2", "1.4.0", nopLink{})

	status, body := fx.get(t, "/api/v1/agents")
	require.Equal(t, http.StatusOK, status)

	var resp struct {
		Data listAgentsResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(body, &resp))
	require.Equal(t, 2, resp.Data.Total)
	assert.Equal(t, "agent-1", resp.Data.Items[0].AgentID)
	assert.Equal(t, "agent-2", resp.Data.Items[1].AgentID)
}

func TestGetTask(t *testing.T) {
	fx := newFixture(t)
	task := &db.Task{
		ProjectID: uuid.New(),
		BotName:   "codebot",
		Command:   "fix",
		Prompt:    "fix the flaky login test",
		Model:     "premium",
		ChannelID: "C1",
		UserID:    "U1",
		Status:    db.TaskPending,
	}
	require.NoError(t, fx.tasks.Create(context.Background(), task))

	status, body := fx.get(t, "/api/v1/tasks/"+task.ID.String())
	require.Equal(t, http.StatusOK, status)

	var resp struct {
		Data taskResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, task.ID.String(), resp.Data.ID)
	assert.Equal(t, "fix", resp.Data.Command)
	assert.Equal(t, db.TaskPending, resp.Data.Status)
}

func TestGetTaskNotFound(t *testing.T) {
	fx := newFixture(t)
	status, _ := fx.get(t, "/api/v1/tasks/"+uuid.NewString())
	assert.Equal(t, http.StatusNotFound, status)
}

func TestGetTaskBadID(t *testing.T) {
	fx := newFixture(t)
	status, _ := fx.get(t, "/api/v1/tasks/not-a-uuid")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestListFailedNotifications(t *testing.T) {
	fx := newFixture(t)
	fx.failed.Record("post_message", "C1", errors.New("rate limited"))

	status, body := fx.get(t, "/api/v1/notifications/failed")
	require.Equal(t, http.StatusOK, status)

	var resp struct {
		Data listFailedResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(body, &resp))
	require.Equal(t, 1, resp.Data.Total)
	assert.Equal(t, "post_message", resp.Data.Items[0].Op)
	assert.Equal(t, "C1", resp.Data.Items[0].ChannelID)
}

func TestMetricsEndpoint(t *testing.T) {
	fx := newFixture(t)
	status, body := fx.get(t, "/metrics")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "go_goroutines")
}
