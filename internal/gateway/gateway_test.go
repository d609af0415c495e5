package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/taskwire-io/taskwire/internal/db"
	"github.com/taskwire-io/taskwire/internal/protocol"
	"github.com/taskwire-io/taskwire/internal/registry"
	"github.com/taskwire-io/taskwire/internal/router"
	"github.com/taskwire-io/taskwire/internal/store"
)

const testKey = "twk_live_0123456789abcdef"

type fixture struct {
	gateway  *Gateway
	registry *registry.Registry
	router   *router.Router
	creds    store.CredentialRepository
	server   *httptest.Server
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      filepath.Join(t.TempDir(), "test.db"),
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)

	creds := store.NewCredentialRepository(database)
	require.NoError(t, creds.Create(context.Background(), &db.APIKey{
		KeyHash: store.HashKey(testKey),
		AgentID: "agent-1",
	}))

	reg := registry.New(zap.NewNop())
	rt := router.New(zap.NewNop())
	gw := New(cfg, reg, rt, creds, zap.NewNop())

	srv := httptest.NewServer(http.HandlerFunc(gw.HandleAgent))
	t.Cleanup(srv.Close)

	return &fixture{gateway: gw, registry: reg, router: rt, creds: creds, server: srv}
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, p protocol.Payload) {
	t.Helper()
	env, err := protocol.NewEnvelope(p)
	require.NoError(t, err)
	data, err := protocol.Encode(env)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.Decode(data)
	require.NoError(t, err)
	return env
}

// readCloseCode drains the connection until the close frame arrives.
func readCloseCode(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		closeErr, ok := err.(*websocket.CloseError)
		require.True(t, ok, "expected close error, got %v", err)
		return closeErr.Code
	}
}

func authenticate(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	sendEnvelope(t, conn, protocol.AuthRequest{
		AgentID: "agent-1",
		APIKey:  testKey,
		Version: "1.4.0",
	})
	env := readEnvelope(t, conn)
	require.Equal(t, protocol.TypeAuthResponse, env.Type)
	resp, err := protocol.DecodePayload[protocol.AuthResponse](env)
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, "agent-1", resp.AgentID)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestHandshakeSuccess(t *testing.T) {
	fx := newFixture(t, Config{AuthTimeout: time.Second, HeartbeatInterval: time.Minute})
	conn := fx.dial(t)
	authenticate(t, conn)

	waitFor(t, func() bool { return fx.registry.IsConnected("agent-1") })

	sessions := fx.registry.Snapshot()
	require.Len(t, sessions, 1)
	assert.Equal(t, "1.4.0", sessions[0].Version)
}

func TestHandshakeInvalidKey(t *testing.T) {
	fx := newFixture(t, Config{AuthTimeout: time.Second, HeartbeatInterval: time.Minute})
	conn := fx.dial(t)

	sendEnvelope(t, conn, protocol.AuthRequest{
		AgentID: "agent-1",
		APIKey:  "wrong-key",
		Version: "1.4.0",
	})

	// The verdict arrives in-band before the close frame.
	env := readEnvelope(t, conn)
	require.Equal(t, protocol.TypeAuthResponse, env.Type)
	resp, err := protocol.DecodePayload[protocol.AuthResponse](env)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "invalid credentials", resp.Error)

	assert.Equal(t, protocol.CloseInvalidCredentials, readCloseCode(t, conn))
	assert.False(t, fx.registry.IsConnected("agent-1"))
}

func TestHandshakeKeyAgentMismatch(t *testing.T) {
	fx := newFixture(t, Config{AuthTimeout: time.Second, HeartbeatInterval: time.Minute})
	conn := fx.dial(t)

	sendEnvelope(t, conn, protocol.AuthRequest{
		AgentID: "someone-else",
		APIKey:  testKey,
		Version: "1.4.0",
	})
	assert.Equal(t, protocol.CloseInvalidCredentials, readCloseCode(t, conn))
}

func TestHandshakeRevokedKey(t *testing.T) {
	fx := newFixture(t, Config{AuthTimeout: time.Second, HeartbeatInterval: time.Minute})
	ctx := context.Background()

	key, err := fx.creds.GetByHash(ctx, store.HashKey(testKey))
	require.NoError(t, err)
	require.NoError(t, fx.creds.Revoke(ctx, key.ID))

	conn := fx.dial(t)
	sendEnvelope(t, conn, protocol.AuthRequest{
		AgentID: "agent-1",
		APIKey:  testKey,
		Version: "1.4.0",
	})
	assert.Equal(t, protocol.CloseInvalidCredentials, readCloseCode(t, conn))
}

func TestHandshakePreAuthMessage(t *testing.T) {
	fx := newFixture(t, Config{AuthTimeout: time.Second, HeartbeatInterval: time.Minute})
	conn := fx.dial(t)

	sendEnvelope(t, conn, protocol.AgentStatus{AgentID: "agent-1", Status: "ready"})
	assert.Equal(t, protocol.ClosePreAuthMessage, readCloseCode(t, conn))
}

func TestHandshakeMalformedFrame(t *testing.T) {
	fx := newFixture(t, Config{AuthTimeout: time.Second, HeartbeatInterval: time.Minute})
	conn := fx.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	assert.Equal(t, protocol.CloseMalformedAuth, readCloseCode(t, conn))
}

func TestHandshakeTimeout(t *testing.T) {
	fx := newFixture(t, Config{AuthTimeout: 100 * time.Millisecond, HeartbeatInterval: time.Minute})
	conn := fx.dial(t)

	// Send nothing: the server must hang up with the auth timeout code.
	assert.Equal(t, protocol.CloseAuthTimeout, readCloseCode(t, conn))
}

func TestPongUpdatesSession(t *testing.T) {
	fx := newFixture(t, Config{AuthTimeout: time.Second, HeartbeatInterval: time.Minute})
	conn := fx.dial(t)
	authenticate(t, conn)

	sendEnvelope(t, conn, protocol.HeartbeatPong{
		AgentID:     "agent-1",
		ServerTime:  time.Now().UnixMilli(),
		ActiveTasks: []string{"t1", "t2"},
		CPUUsage:    41.5,
		MemoryUsage: 63.0,
	})

	waitFor(t, func() bool {
		sessions := fx.registry.Snapshot()
		return len(sessions) == 1 && sessions[0].ActiveTasks == 2
	})
	sessions := fx.registry.Snapshot()
	assert.InDelta(t, 41.5, sessions[0].CPUUsage, 0.01)
	assert.InDelta(t, 63.0, sessions[0].MemoryUsage, 0.01)
}

func TestInboundEnvelopeRouted(t *testing.T) {
	fx := newFixture(t, Config{AuthTimeout: time.Second, HeartbeatInterval: time.Minute})

	var mu sync.Mutex
	var gotAgent string
	var gotType protocol.MessageType
	fx.router.Handle(protocol.TypeTaskAck, func(_ context.Context, agentID string, env *protocol.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		gotAgent = agentID
		gotType = env.Type
		return nil
	})

	conn := fx.dial(t)
	authenticate(t, conn)
	sendEnvelope(t, conn, protocol.TaskAck{TaskID: "task-1", Accepted: true})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotAgent != ""
	})
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "agent-1", gotAgent)
	assert.Equal(t, protocol.TypeTaskAck, gotType)
}

func TestDisconnectUnregisters(t *testing.T) {
	fx := newFixture(t, Config{AuthTimeout: time.Second, HeartbeatInterval: time.Minute})
	conn := fx.dial(t)
	authenticate(t, conn)
	waitFor(t, func() bool { return fx.registry.IsConnected("agent-1") })

	require.NoError(t, conn.Close())
	waitFor(t, func() bool { return !fx.registry.IsConnected("agent-1") })
}

func TestSecureTransportRequired(t *testing.T) {
	fx := newFixture(t, Config{
		AuthTimeout:            time.Second,
		HeartbeatInterval:      time.Minute,
		RequireSecureTransport: true,
	})

	url := "ws" + strings.TrimPrefix(fx.server.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 403, resp.StatusCode)

	// A forwarded-proto header from the TLS-terminating proxy satisfies it.
	headers := map[string][]string{"X-Forwarded-Proto": {"https"}}
	conn, _, err := websocket.DefaultDialer.Dial(url, headers)
	require.NoError(t, err)
	defer conn.Close()
	authenticate(t, conn)
}
