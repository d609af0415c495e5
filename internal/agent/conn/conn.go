// Package conn manages the agent's persistent websocket connection to the
// server. It handles:
//   - The auth handshake (auth_request with the agent's API key)
//   - Heartbeat pong replies carrying the active task set and load figures
//   - Forwarding task_submit / task_cancel envelopes to the queue processor
//   - Automatic reconnection with exponential backoff + jitter on any failure
//
// The Manager implements queue.Sender so the processor can push lifecycle
// events to the server without knowing about websockets. Credential
// rejections (close codes 4003/4004) are permanent — the manager stops
// instead of hammering the server with a key that will never work.
package conn

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/taskwire-io/taskwire/internal/agent/runner"
	"github.com/taskwire-io/taskwire/internal/protocol"
)

const (
	backoffInitial = 1 * time.Second
	backoffMax     = 60 * time.Second
	backoffFactor  = 2.0
	// jitterFraction adds up to ±20% random jitter to each backoff interval
	// to prevent thundering herd when many agents reconnect simultaneously.
	jitterFraction = 0.2

	writeWait      = 10 * time.Second
	authWait       = 15 * time.Second
	maxMessageSize = 1 << 20
)

// ErrNotConnected is returned by Send while no session is up. Events lost
// here are recovered by the server's offline queue on reconnect.
var ErrNotConnected = errors.New("conn: not connected")

// errCredentialsRejected ends the reconnect loop for good.
var errCredentialsRejected = errors.New("conn: credentials rejected by server")

// Config holds everything needed to reach and authenticate with the server.
type Config struct {
	// ServerURL is the websocket endpoint, e.g. "wss://host/ws/agent".
	ServerURL string
	AgentID   string
	APIKey    string
	// Version is the agent build version, presented during auth.
	Version string
}

// Queue is the processor surface the manager drives. Implemented by
// *queue.Processor.
type Queue interface {
	Submit(task runner.Task) (int, error)
	Cancel(taskID, reason string) bool
	ActiveIDs() []string
}

// Health supplies the load figures reported in heartbeat pongs. Implemented
// by *monitor.Monitor.
type Health interface {
	Snapshot() (cpuPct, memPct float64)
}

// Manager maintains the connection and its reconnect loop.
type Manager struct {
	cfg    Config
	queue  Queue
	health Health
	logger *zap.Logger

	// mu serialises writes and guards conn, which is replaced every session.
	mu   sync.Mutex
	conn *websocket.Conn
}

// New creates a Manager. Call Run to start the connection loop.
func New(cfg Config, q Queue, health Health, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		queue:  q,
		health: health,
		logger: logger.Named("conn"),
	}
}

// Send implements queue.Sender: one envelope as a text frame on the current
// session.
func (m *Manager) Send(env *protocol.Envelope) error {
	data, err := protocol.Encode(*env)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return ErrNotConnected
	}
	if err := m.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return m.conn.WriteMessage(websocket.TextMessage, data)
}

// Run starts the connection loop: connect, authenticate, process envelopes,
// and on any session failure reconnect with exponential backoff. Blocks
// until ctx is cancelled or the server permanently rejects the credentials.
func (m *Manager) Run(ctx context.Context) {
	backoff := backoffInitial

	for {
		if ctx.Err() != nil {
			m.logger.Info("connection manager stopped")
			return
		}

		m.logger.Info("connecting to server", zap.String("url", m.cfg.ServerURL))

		err := m.session(ctx)
		if errors.Is(err, errCredentialsRejected) {
			m.logger.Error("credentials rejected, giving up — fix the api key and restart")
			return
		}
		if ctx.Err() != nil {
			m.logger.Info("connection manager stopped")
			return
		}
		if err != nil {
			m.logger.Warn("session ended, reconnecting",
				zap.Error(err),
				zap.Duration("backoff", backoff),
			)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(jitter(backoff)):
		}
		if err == nil {
			// Clean session end (server restart notice or normal close):
			// reconnect promptly.
			backoff = backoffInitial
		} else {
			backoff = nextBackoff(backoff)
		}
	}
}

// session runs one full connection: dial, handshake, read loop. Returns when
// the session ends.
func (m *Manager) session(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, m.cfg.ServerURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()
		_ = conn.Close()
	}()

	if err := m.handshake(conn); err != nil {
		return err
	}

	m.logger.Info("authenticated",
		zap.String("agent_id", m.cfg.AgentID),
		zap.String("version", m.cfg.Version),
	)

	return m.readLoop(ctx, conn)
}

// handshake sends the auth_request and waits for the server's verdict.
func (m *Manager) handshake(conn *websocket.Conn) error {
	req, err := protocol.NewEnvelope(protocol.AuthRequest{
		AgentID: m.cfg.AgentID,
		APIKey:  m.cfg.APIKey,
		Version: m.cfg.Version,
	})
	if err != nil {
		return fmt.Errorf("build auth request: %w", err)
	}
	if err := m.Send(&req); err != nil {
		return fmt.Errorf("send auth request: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(authWait))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return classifyClose(err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	env, err := protocol.Decode(data)
	if err != nil {
		return fmt.Errorf("decode auth response: %w", err)
	}
	resp, err := protocol.DecodePayload[protocol.AuthResponse](env)
	if err != nil {
		return fmt.Errorf("invalid auth response: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("%w: %s", errCredentialsRejected, resp.Error)
	}
	return nil
}

// readLoop processes server envelopes until the connection dies.
func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			return classifyClose(err)
		}

		env, err := protocol.Decode(data)
		if err != nil {
			m.logger.Warn("dropping undecodable frame", zap.Error(err))
			continue
		}

		switch env.Type {
		case protocol.TypeHeartbeatPing:
			m.handlePing(env)
		case protocol.TypeTaskSubmit:
			m.handleSubmit(env)
		case protocol.TypeTaskCancel:
			m.handleCancel(env)
		case protocol.TypeSystemRestart:
			m.handleRestart(env)
		default:
			m.logger.Debug("ignoring envelope", zap.String("type", string(env.Type)))
		}
	}
}

// handlePing replies with a pong carrying the active task set and the latest
// resource snapshot.
func (m *Manager) handlePing(env protocol.Envelope) {
	ping, err := protocol.DecodePayload[protocol.HeartbeatPing](env)
	if err != nil {
		m.logger.Warn("malformed heartbeat ping", zap.Error(err))
		return
	}

	var cpuPct, memPct float64
	if m.health != nil {
		cpuPct, memPct = m.health.Snapshot()
	}

	pong, err := protocol.NewEnvelope(protocol.HeartbeatPong{
		AgentID:     m.cfg.AgentID,
		ServerTime:  ping.ServerTime,
		ActiveTasks: m.queue.ActiveIDs(),
		CPUUsage:    cpuPct,
		MemoryUsage: memPct,
	})
	if err != nil {
		m.logger.Error("pong build failed", zap.Error(err))
		return
	}
	if err := m.Send(&pong); err != nil {
		m.logger.Warn("pong send failed", zap.Error(err))
	}
}

// handleSubmit admits the task into the queue and acks the outcome.
func (m *Manager) handleSubmit(env protocol.Envelope) {
	submit, err := protocol.DecodePayload[protocol.TaskSubmit](env)
	if err != nil {
		m.logger.Warn("malformed task submit", zap.Error(err))
		return
	}

	pos, err := m.queue.Submit(runner.Task{
		TaskID:          submit.TaskID,
		ProjectID:       submit.ProjectID,
		Command:         submit.Command,
		Prompt:          submit.Prompt,
		SystemPrompt:    submit.SystemPrompt,
		LocalPath:       submit.LocalPath,
		Model:           submit.Model,
		MaxBudget:       submit.MaxBudget,
		AllowedTools:    submit.AllowedTools,
		ResumeSessionID: submit.ResumeSessionID,
	})

	ack := protocol.TaskAck{TaskID: submit.TaskID, Accepted: err == nil, QueuePosition: pos}
	if err != nil {
		ack.Reason = err.Error()
		m.logger.Warn("task rejected",
			zap.String("task_id", submit.TaskID),
			zap.Error(err),
		)
	} else {
		m.logger.Info("task accepted",
			zap.String("task_id", submit.TaskID),
			zap.Int("queue_position", pos),
		)
	}

	ackEnv, err := protocol.NewEnvelope(ack)
	if err != nil {
		m.logger.Error("ack build failed", zap.Error(err))
		return
	}
	if err := m.Send(&ackEnv); err != nil {
		m.logger.Warn("ack send failed",
			zap.String("task_id", submit.TaskID),
			zap.Error(err),
		)
	}
}

func (m *Manager) handleCancel(env protocol.Envelope) {
	cancel, err := protocol.DecodePayload[protocol.TaskCancel](env)
	if err != nil {
		m.logger.Warn("malformed task cancel", zap.Error(err))
		return
	}
	// Cancellation is broadcast to every agent; unknown ids are someone
	// else's tasks.
	if m.queue.Cancel(cancel.TaskID, cancel.Reason) {
		m.logger.Info("task cancel honoured", zap.String("task_id", cancel.TaskID))
	}
}

func (m *Manager) handleRestart(env protocol.Envelope) {
	restart, err := protocol.DecodePayload[protocol.SystemRestart](env)
	if err != nil {
		m.logger.Warn("malformed restart notice", zap.Error(err))
		return
	}
	// Active tasks keep running; the server will close the connection and
	// the reconnect loop picks the session back up.
	m.logger.Info("server restart announced",
		zap.String("reason", restart.Reason),
		zap.Int("grace_secs", restart.GraceSecs),
	)
}

// classifyClose maps a read error to a session verdict: credential close
// codes are permanent, everything else is retried.
func classifyClose(err error) error {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case protocol.CloseMalformedAuth, protocol.CloseInvalidCredentials:
			return fmt.Errorf("%w: %s", errCredentialsRejected, closeErr.Text)
		case protocol.CloseNormal, protocol.CloseGoingAway:
			return nil
		}
	}
	return err
}

// nextBackoff returns the next backoff duration, capped at backoffMax.
func nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * backoffFactor)
	if next > backoffMax {
		return backoffMax
	}
	return next
}

// jitter adds a random ±jitterFraction perturbation to d to avoid
// thundering herd on reconnect.
func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}
