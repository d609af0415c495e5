package registry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskwire-io/taskwire/internal/protocol"
)

// fakeLink records envelopes and close calls in memory.
type fakeLink struct {
	mu        sync.Mutex
	sent      []*protocol.Envelope
	closeCode int
	closed    bool
	sendErr   error
}

func (f *fakeLink) Send(env *protocol.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeLink) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCode = code
	return nil
}

func (f *fakeLink) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func pingEnvelope(t *testing.T) *protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(protocol.HeartbeatPing{ServerTime: time.Now().UnixMilli()})
	require.NoError(t, err)
	return &env
}

func TestRegisterReplacesExistingConnection(t *testing.T) {
	reg := New(zap.NewNop())
	old := &fakeLink{}
	reg.Register("w1", "1.0.0", old)

	replacement := &fakeLink{}
	reg.Register("w1", "1.0.1", replacement)

	assert.True(t, old.closed)
	assert.Equal(t, protocol.CloseNormal, old.closeCode)

	// The replacement owns the session now.
	require.NoError(t, reg.Send("w1", pingEnvelope(t)))
	assert.Equal(t, 1, replacement.sentCount())
	assert.Equal(t, 0, old.sentCount())
}

func TestUnregisterIsIdentityGuarded(t *testing.T) {
	reg := New(zap.NewNop())
	old := &fakeLink{}
	reg.Register("w1", "1.0.0", old)
	replacement := &fakeLink{}
	reg.Register("w1", "1.0.0", replacement)

	// The replaced connection's read loop tears down late. It must not
	// evict the session the new connection registered.
	reg.Unregister("w1", old)
	assert.True(t, reg.IsConnected("w1"))

	reg.Unregister("w1", replacement)
	assert.False(t, reg.IsConnected("w1"))
}

func TestSendNotConnected(t *testing.T) {
	reg := New(zap.NewNop())
	err := reg.Send("ghost", pingEnvelope(t))
	require.ErrorIs(t, err, ErrAgentNotConnected)
}

func TestResolvePrefersRequestedAgent(t *testing.T) {
	reg := New(zap.NewNop())
	reg.Register("w1", "1.0.0", &fakeLink{})
	reg.Register("w2", "1.0.0", &fakeLink{})
	reg.Touch("w2", 5, 10, 10)

	// Preferred agent wins even under load.
	id, err := reg.Resolve("w2")
	require.NoError(t, err)
	assert.Equal(t, "w2", id)
}

func TestResolveLeastLoadedFallback(t *testing.T) {
	reg := New(zap.NewNop())
	reg.Register("w1", "1.0.0", &fakeLink{})
	reg.Register("w2", "1.0.0", &fakeLink{})
	reg.Register("w3", "1.0.0", &fakeLink{})
	reg.Touch("w1", 3, 0, 0)
	reg.Touch("w2", 1, 0, 0)
	reg.Touch("w3", 1, 0, 0)

	// Preferred agent is offline: fall back to least loaded, ties broken
	// by agent ID.
	id, err := reg.Resolve("w9")
	require.NoError(t, err)
	assert.Equal(t, "w2", id)
}

func TestResolveEmptyRegistry(t *testing.T) {
	reg := New(zap.NewNop())
	_, err := reg.Resolve("")
	require.ErrorIs(t, err, ErrNoAgents)
}

func TestBroadcastSkipsFailingLinks(t *testing.T) {
	reg := New(zap.NewNop())
	healthy := &fakeLink{}
	broken := &fakeLink{sendErr: errors.New("connection reset")}
	reg.Register("w1", "1.0.0", healthy)
	reg.Register("w2", "1.0.0", broken)

	reg.Broadcast(pingEnvelope(t))
	assert.Equal(t, 1, healthy.sentCount())
}

func TestSweepDeadEvictsStaleSessions(t *testing.T) {
	reg := New(zap.NewNop())
	stale := &fakeLink{}
	fresh := &fakeLink{}
	reg.Register("w1", "1.0.0", stale)
	reg.Register("w2", "1.0.0", fresh)

	// w2 heartbeats; w1 goes quiet.
	time.Sleep(5 * time.Millisecond)
	cutoff := time.Now().UTC()
	reg.Touch("w2", 0, 0, 0)

	evicted := reg.SweepDead(cutoff)
	assert.Equal(t, []string{"w1"}, evicted)
	assert.True(t, stale.closed)
	// Going-away, not a clean close: the agent should reconnect.
	assert.Equal(t, protocol.CloseGoingAway, stale.closeCode)
	assert.False(t, reg.IsConnected("w1"))
	assert.True(t, reg.IsConnected("w2"))
}

func TestObserverEvents(t *testing.T) {
	reg := New(zap.NewNop())

	var mu sync.Mutex
	var events []Event
	reg.Subscribe(func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	link := &fakeLink{}
	reg.Register("w1", "1.0.0", link)
	reg.Unregister("w1", link)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 2)
	assert.Equal(t, Event{Kind: AgentConnected, AgentID: "w1"}, events[0])
	assert.Equal(t, Event{Kind: AgentDisconnected, AgentID: "w1"}, events[1])
}

func TestSnapshotReflectsHeartbeat(t *testing.T) {
	reg := New(zap.NewNop())
	reg.Register("w1", "1.2.0", &fakeLink{})
	reg.Touch("w1", 2, 41.5, 63.0)

	snap := reg.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "w1", snap[0].AgentID)
	assert.Equal(t, "1.2.0", snap[0].Version)
	assert.Equal(t, 2, snap[0].ActiveTasks)
	assert.Equal(t, 41.5, snap[0].CPUUsage)
}
