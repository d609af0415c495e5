// Package gateway terminates agent websocket connections. It upgrades the
// HTTP request, runs the auth handshake, registers the authenticated session
// with the agent registry and then pumps inbound envelopes into the router
// until the connection dies.
//
// Connections carry exactly one agent each. The handshake is strict: the
// first frame must be a valid auth_request within the configured window, and
// every violation closes the socket with a distinct 4xxx code so the agent
// can decide whether reconnecting is worth attempting.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/taskwire-io/taskwire/internal/metrics"
	"github.com/taskwire-io/taskwire/internal/protocol"
	"github.com/taskwire-io/taskwire/internal/registry"
	"github.com/taskwire-io/taskwire/internal/router"
	"github.com/taskwire-io/taskwire/internal/store"
)

// upgrader is shared by all agent connections. Origin checks are disabled:
// agents are CLI processes, not browsers, and transport-level access control
// is the reverse proxy's job.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Config holds the gateway tunables.
type Config struct {
	// AuthTimeout is how long a fresh connection may sit before its
	// auth_request arrives.
	AuthTimeout time.Duration

	// HeartbeatInterval is the server ping cadence. Sessions silent for two
	// intervals are evicted by the sweep.
	HeartbeatInterval time.Duration

	// RequireSecureTransport rejects plaintext upgrade requests. Behind a
	// TLS-terminating proxy the X-Forwarded-Proto header satisfies it.
	RequireSecureTransport bool
}

// Gateway owns the agent-facing websocket endpoint and the heartbeat sweep.
type Gateway struct {
	cfg      Config
	registry *registry.Registry
	router   *router.Router
	creds    store.CredentialRepository
	cache    *credCache
	logger   *zap.Logger
}

// New creates a Gateway. Zero durations in cfg fall back to sane defaults.
func New(cfg Config, reg *registry.Registry, rt *router.Router, creds store.CredentialRepository, logger *zap.Logger) *Gateway {
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = 10 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	return &Gateway{
		cfg:      cfg,
		registry: reg,
		router:   rt,
		creds:    creds,
		cache:    newCredCache(),
		logger:   logger.Named("gateway"),
	}
}

// HandleAgent is the HTTP handler for the agent websocket endpoint. It blocks
// for the lifetime of the connection.
func (g *Gateway) HandleAgent(w http.ResponseWriter, r *http.Request) {
	if g.cfg.RequireSecureTransport && !secureRequest(r) {
		g.logger.Warn("rejecting plaintext agent connection",
			zap.String("remote", r.RemoteAddr),
		)
		http.Error(w, "secure transport required", http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		g.logger.Warn("websocket upgrade failed",
			zap.String("remote", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	link := newLink(conn)
	agentID, version, ok := g.authenticate(r.Context(), conn, link, r.RemoteAddr)
	if !ok {
		return
	}

	g.registry.Register(agentID, version, link)
	g.updateConnectedGauge()
	defer func() {
		g.registry.Unregister(agentID, link)
		g.updateConnectedGauge()
		_ = conn.Close()
	}()

	g.readLoop(r.Context(), agentID, conn, link)
}

// authenticate runs the handshake on a fresh connection: exactly one frame,
// a valid auth_request, within the auth window. Every failure closes the
// socket with its close code and counts an auth failure.
func (g *Gateway) authenticate(ctx context.Context, conn *websocket.Conn, link *wsLink, remote string) (agentID, version string, ok bool) {
	_ = conn.SetReadDeadline(time.Now().Add(g.cfg.AuthTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		g.reject(link, protocol.CloseAuthTimeout, "no auth request received", remote, err)
		return "", "", false
	}
	_ = conn.SetReadDeadline(time.Time{})

	env, err := protocol.Decode(data)
	if err != nil {
		g.reject(link, protocol.CloseMalformedAuth, "undecodable auth frame", remote, err)
		return "", "", false
	}
	if env.Type != protocol.TypeAuthRequest {
		g.reject(link, protocol.ClosePreAuthMessage,
			fmt.Sprintf("expected auth_request, got %s", env.Type), remote, nil)
		return "", "", false
	}

	req, err := protocol.DecodePayload[protocol.AuthRequest](env)
	if err != nil {
		g.reject(link, protocol.CloseMalformedAuth, "invalid auth payload", remote, err)
		return "", "", false
	}

	if err := g.verify(ctx, req); err != nil {
		// The agent only ever learns "invalid credentials" — the specific
		// reason (unknown, revoked, expired, identity mismatch) stays in the
		// server log. The verdict goes out in-band first so the agent can
		// surface it, then the close frame ends the session.
		g.sendAuthFailure(link, "invalid credentials")
		g.reject(link, protocol.CloseInvalidCredentials, "invalid credentials", remote, err)
		return "", "", false
	}

	resp, err := protocol.NewEnvelope(protocol.AuthResponse{Success: true, AgentID: req.AgentID})
	if err != nil {
		g.logger.Error("auth response build failed", zap.Error(err))
		_ = link.Close(protocol.CloseGoingAway, "internal error")
		return "", "", false
	}
	if err := link.Send(&resp); err != nil {
		g.logger.Warn("auth response send failed",
			zap.String("agent_id", req.AgentID),
			zap.Error(err),
		)
		_ = conn.Close()
		return "", "", false
	}

	g.logger.Info("agent authenticated",
		zap.String("agent_id", req.AgentID),
		zap.String("version", req.Version),
		zap.String("remote", remote),
	)
	return req.AgentID, req.Version, true
}

// verify checks the presented API key against the credential store, with a
// short-TTL cache in front so reconnect storms do not hammer the database.
func (g *Gateway) verify(ctx context.Context, req protocol.AuthRequest) error {
	keyHash := store.HashKey(req.APIKey)

	if entry, ok := g.cache.get(keyHash); ok {
		if entry.agentID != req.AgentID {
			return fmt.Errorf("key belongs to agent %q, presented by %q", entry.agentID, req.AgentID)
		}
		g.touchLastUsed(entry.keyID)
		return nil
	}

	key, err := g.creds.GetByHash(ctx, keyHash)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errors.New("unknown api key")
		}
		return fmt.Errorf("credential lookup: %w", err)
	}
	if key.Revoked {
		return errors.New("api key revoked")
	}
	if key.ExpiresAt != nil && key.ExpiresAt.Before(time.Now().UTC()) {
		return errors.New("api key expired")
	}
	if key.AgentID != req.AgentID {
		return fmt.Errorf("key belongs to agent %q, presented by %q", key.AgentID, req.AgentID)
	}

	g.cache.put(keyHash, key.ID, key.AgentID)
	g.touchLastUsed(key.ID)
	return nil
}

// touchLastUsed records a successful authentication with the key. Best
// effort — an auth must not fail because the bookkeeping write did.
func (g *Gateway) touchLastUsed(keyID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.creds.TouchLastUsed(ctx, keyID, time.Now().UTC()); err != nil {
		g.logger.Debug("last-used update failed",
			zap.String("key_id", keyID.String()),
			zap.Error(err),
		)
	}
}

// sendAuthFailure writes the negative auth_response, best effort.
func (g *Gateway) sendAuthFailure(link *wsLink, reason string) {
	resp, err := protocol.NewEnvelope(protocol.AuthResponse{Success: false, Error: reason})
	if err != nil {
		g.logger.Error("auth failure response build failed", zap.Error(err))
		return
	}
	if err := link.Send(&resp); err != nil {
		g.logger.Debug("auth failure response send failed", zap.Error(err))
	}
}

// reject counts the auth failure, logs it with the real reason, and closes
// the connection with the given close code.
func (g *Gateway) reject(link *wsLink, code int, reason, remote string, cause error) {
	metrics.AuthFailuresTotal.WithLabelValues(strconv.Itoa(code)).Inc()
	g.logger.Warn("agent authentication failed",
		zap.Int("close_code", code),
		zap.String("reason", reason),
		zap.String("remote", remote),
		zap.Error(cause),
	)
	_ = link.Close(code, reason)
}

// readLoop pumps envelopes from the agent until the connection errors out.
// This goroutine never writes to the connection — all writes go through the
// link so they are serialised with registry sends.
func (g *Gateway) readLoop(ctx context.Context, agentID string, conn *websocket.Conn, link *wsLink) {
	// Any inbound frame proves liveness, so the read deadline doubles as a
	// connection-level dead-peer detector alongside the registry sweep.
	deadline := 2 * g.cfg.HeartbeatInterval

	for {
		_ = conn.SetReadDeadline(time.Now().Add(deadline))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Warn("agent connection closed unexpectedly",
					zap.String("agent_id", agentID),
					zap.Error(err),
				)
			}
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			// Unknown kinds and undecodable frames are dropped without
			// disturbing the connection.
			g.logger.Warn("dropping undecodable frame",
				zap.String("agent_id", agentID),
				zap.Error(err),
			)
			continue
		}
		metrics.MessagesTotal.WithLabelValues(string(env.Type), "in").Inc()

		if env.Type == protocol.TypeHeartbeatPong {
			g.handlePong(agentID, env)
			continue
		}

		if err := g.router.Dispatch(ctx, agentID, &env); err != nil {
			g.logger.Error("envelope handling failed",
				zap.String("agent_id", agentID),
				zap.String("type", string(env.Type)),
				zap.String("envelope_id", env.ID),
				zap.Error(err),
			)
		}
	}
}

// handlePong records the agent's liveness and load report. The authenticated
// connection identity wins over whatever agent id the payload claims.
func (g *Gateway) handlePong(agentID string, env protocol.Envelope) {
	pong, err := protocol.DecodePayload[protocol.HeartbeatPong](env)
	if err != nil {
		g.logger.Warn("malformed heartbeat pong",
			zap.String("agent_id", agentID),
			zap.Error(err),
		)
		return
	}
	g.registry.Touch(agentID, len(pong.ActiveTasks), pong.CPUUsage, pong.MemoryUsage)
}

// Run drives the heartbeat cycle: every interval a ping is broadcast to all
// sessions, and sessions silent for two intervals are evicted. Blocks until
// ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sweep()
		}
	}
}

// sweep sends one heartbeat round and evicts dead sessions.
func (g *Gateway) sweep() {
	now := time.Now().UTC()

	ping, err := protocol.NewEnvelope(protocol.HeartbeatPing{ServerTime: now.UnixMilli()})
	if err != nil {
		g.logger.Error("heartbeat ping build failed", zap.Error(err))
		return
	}
	g.registry.Broadcast(&ping)

	if evicted := g.registry.SweepDead(now.Add(-2 * g.cfg.HeartbeatInterval)); len(evicted) > 0 {
		g.logger.Warn("evicted unresponsive agents", zap.Strings("agent_ids", evicted))
	}
	g.updateConnectedGauge()
}

func (g *Gateway) updateConnectedGauge() {
	metrics.AgentsConnected.Set(float64(len(g.registry.Snapshot())))
}

// secureRequest reports whether the request arrived over TLS, either directly
// or via a TLS-terminating proxy.
func secureRequest(r *http.Request) bool {
	return r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}
