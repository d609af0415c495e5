// Package registry maintains the in-memory registry of connected agents.
//
// When an agent authenticates over its websocket, the gateway registers it
// here. The command service and offline queue use this registry to route
// envelopes to the correct agent by pushing them onto the open link.
//
// All state is in-memory and intentionally non-persistent: if the server
// restarts, agents reconnect and re-register automatically via their
// reconnection loop. Persistent agent credentials live in the database and
// are managed by CredentialRepository.
package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskwire-io/taskwire/internal/protocol"
)

// ErrAgentNotConnected is returned by Send when no live session exists for
// the target agent. Callers fall back to the offline queue.
var ErrAgentNotConnected = errors.New("registry: agent not connected")

// ErrNoAgents is returned by Resolve when the registry is empty.
var ErrNoAgents = errors.New("registry: no agents connected")

// Link is the write side of an agent connection. The gateway supplies a
// websocket-backed implementation; tests supply fakes. Implementations must
// be safe for concurrent Send calls.
type Link interface {
	// Send writes one envelope to the agent.
	Send(env *protocol.Envelope) error

	// Close tears the connection down with a close code and reason.
	Close(code int, reason string) error
}

// Session represents an agent that has authenticated and holds an open link
// through which envelopes can be dispatched.
type Session struct {
	// AgentID is the stable identifier the agent authenticated as.
	AgentID string

	// Version is the agent build version reported during auth, kept here
	// for logging and the agents API without a database lookup.
	Version string

	// ConnectedAt is when this session was established. Reset on every
	// reconnect.
	ConnectedAt time.Time

	// LastSeen is the time of the most recent heartbeat pong. The liveness
	// sweep evicts sessions whose LastSeen falls too far behind.
	LastSeen time.Time

	// ActiveTasks, CPUUsage and MemoryUsage mirror the latest heartbeat
	// report and drive least-loaded routing.
	ActiveTasks int
	CPUUsage    float64
	MemoryUsage float64

	link Link
}

// EventKind distinguishes registry notifications.
type EventKind int

const (
	// AgentConnected fires after a session is registered.
	AgentConnected EventKind = iota
	// AgentDisconnected fires after a session is removed, whether by the
	// agent hanging up or by the liveness sweep.
	AgentDisconnected
)

// Event is delivered to subscribers on connection-state changes.
type Event struct {
	Kind    EventKind
	AgentID string
}

// Registry is the in-memory registry of currently connected agents.
// It is safe for concurrent use by multiple goroutines (gateway, command
// service, offline queue and the sweep ticker all touch it).
//
// The zero value is not usable — create instances with New.
type Registry struct {
	mu        sync.RWMutex
	sessions  map[string]*Session // keyed by agent ID
	observers []func(Event)
	logger    *zap.Logger
}

// New creates a new Registry instance.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		logger:   logger.Named("registry"),
	}
}

// Subscribe adds an observer for connection-state events. Observers are
// invoked synchronously after the registry lock is released, so they may
// call back into the registry. Must be called during wiring, before any
// agent connects.
func (r *Registry) Subscribe(fn func(Event)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, fn)
}

func (r *Registry) notify(ev Event) {
	r.mu.RLock()
	observers := r.observers
	r.mu.RUnlock()
	for _, fn := range observers {
		fn(ev)
	}
}

// Register adds an authenticated agent with its open link. If a session with
// the same ID already exists (duplicate connection before the previous one
// timed out), the old link is closed with a normal closure and replaced.
//
// Called by the gateway after a successful auth handshake.
func (r *Registry) Register(agentID, version string, link Link) {
	now := time.Now().UTC()

	r.mu.Lock()
	if old, exists := r.sessions[agentID]; exists {
		// This can happen if the agent reconnects before the server detects
		// the previous connection as dead (e.g. after a network blip).
		r.logger.Warn("replacing existing agent connection",
			zap.String("agent_id", agentID),
		)
		_ = old.link.Close(protocol.CloseNormal, "replaced by newer connection")
	}
	r.sessions[agentID] = &Session{
		AgentID:     agentID,
		Version:     version,
		ConnectedAt: now,
		LastSeen:    now,
		link:        link,
	}
	total := len(r.sessions)
	r.mu.Unlock()

	r.logger.Info("agent connected",
		zap.String("agent_id", agentID),
		zap.String("version", version),
		zap.Int("total_connected", total),
	)

	r.notify(Event{Kind: AgentConnected, AgentID: agentID})
}

// Unregister removes an agent session, but only if it still owns the given
// link. The identity guard matters on reconnect races: the read-loop teardown
// of a replaced connection must not evict the session its successor just
// registered.
func (r *Registry) Unregister(agentID string, link Link) {
	r.mu.Lock()
	session, exists := r.sessions[agentID]
	if !exists || session.link != link {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, agentID)
	total := len(r.sessions)
	r.mu.Unlock()

	r.logger.Info("agent disconnected",
		zap.String("agent_id", agentID),
		zap.Duration("session_duration", time.Since(session.ConnectedAt)),
		zap.Int("total_connected", total),
	)

	r.notify(Event{Kind: AgentDisconnected, AgentID: agentID})
}

// Send pushes an envelope to a specific agent via its open link.
// Returns ErrAgentNotConnected if no session exists; callers decide whether
// to queue for later delivery.
func (r *Registry) Send(agentID string, env *protocol.Envelope) error {
	r.mu.RLock()
	session, exists := r.sessions[agentID]
	r.mu.RUnlock()

	if !exists {
		return ErrAgentNotConnected
	}
	if err := session.link.Send(env); err != nil {
		return err
	}

	r.logger.Debug("envelope dispatched",
		zap.String("agent_id", agentID),
		zap.String("type", string(env.Type)),
		zap.String("envelope_id", env.ID),
	)
	return nil
}

// Broadcast sends an envelope to every connected agent. Used for restart
// notices. Send failures are logged and skipped — a dying connection will be
// reaped by its read loop or the liveness sweep.
func (r *Registry) Broadcast(env *protocol.Envelope) {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		if err := s.link.Send(env); err != nil {
			r.logger.Warn("broadcast send failed",
				zap.String("agent_id", s.AgentID),
				zap.Error(err),
			)
		}
	}
}

// Touch records a heartbeat pong: LastSeen plus the load figures the agent
// reported. Unknown agents are ignored (pong raced with an eviction).
func (r *Registry) Touch(agentID string, activeTasks int, cpu, mem float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, exists := r.sessions[agentID]
	if !exists {
		return
	}
	session.LastSeen = time.Now().UTC()
	session.ActiveTasks = activeTasks
	session.CPUUsage = cpu
	session.MemoryUsage = mem
}

// IsConnected reports whether an agent currently has a live session.
func (r *Registry) IsConnected(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.sessions[agentID]
	return exists
}

// Resolve picks the agent a new task should run on. A connected preferred
// agent always wins; otherwise the least-loaded session by active task count
// is chosen, with agent ID as the tie-breaker so the choice is deterministic.
// Returns ErrNoAgents when nothing is connected.
func (r *Registry) Resolve(preferredAgentID string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if preferredAgentID != "" {
		if _, exists := r.sessions[preferredAgentID]; exists {
			return preferredAgentID, nil
		}
	}
	if len(r.sessions) == 0 {
		return "", ErrNoAgents
	}

	candidates := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		candidates = append(candidates, s)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].ActiveTasks != candidates[j].ActiveTasks {
			return candidates[i].ActiveTasks < candidates[j].ActiveTasks
		}
		return candidates[i].AgentID < candidates[j].AgentID
	})
	return candidates[0].AgentID, nil
}

// Snapshot returns a copy of all current sessions for the agents API.
// Modifications to the returned values do not affect the registry.
func (r *Registry) Snapshot() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		cp := *s
		cp.link = nil
		result = append(result, cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].AgentID < result[j].AgentID })
	return result
}

// SweepDead evicts every session whose LastSeen is older than the cutoff,
// closing its link with going-away so the agent reconnects rather than
// treating it as a clean end. Returns the evicted agent IDs.
// The gateway runs this on a ticker at twice the heartbeat interval.
func (r *Registry) SweepDead(cutoff time.Time) []string {
	r.mu.Lock()
	var evicted []*Session
	for id, s := range r.sessions {
		if s.LastSeen.Before(cutoff) {
			evicted = append(evicted, s)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	ids := make([]string, 0, len(evicted))
	for _, s := range evicted {
		_ = s.link.Close(protocol.CloseGoingAway, "heartbeat timeout")
		r.logger.Warn("evicting unresponsive agent",
			zap.String("agent_id", s.AgentID),
			zap.Time("last_seen", s.LastSeen),
		)
		ids = append(ids, s.AgentID)
		r.notify(Event{Kind: AgentDisconnected, AgentID: s.AgentID})
	}
	return ids
}
