package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskwire-io/taskwire/internal/protocol"
)

func pongEnvelope(t *testing.T) *protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(protocol.HeartbeatPong{
		AgentID:    "w1",
		ServerTime: time.Now().UnixMilli(),
	})
	require.NoError(t, err)
	return &env
}

func TestDispatchRoutesByType(t *testing.T) {
	r := New(zap.NewNop())

	var gotAgent string
	var gotType protocol.MessageType
	r.Handle(protocol.TypeHeartbeatPong, func(_ context.Context, agentID string, env *protocol.Envelope) error {
		gotAgent = agentID
		gotType = env.Type
		return nil
	})

	require.NoError(t, r.Dispatch(context.Background(), "w1", pongEnvelope(t)))
	assert.Equal(t, "w1", gotAgent)
	assert.Equal(t, protocol.TypeHeartbeatPong, gotType)
}

func TestDispatchDropsUnhandledType(t *testing.T) {
	r := New(zap.NewNop())
	// No handlers registered at all: nothing to do, no error.
	require.NoError(t, r.Dispatch(context.Background(), "w1", pongEnvelope(t)))
}

func TestDispatchWrapsHandlerError(t *testing.T) {
	r := New(zap.NewNop())
	sentinel := errors.New("boom")
	r.Handle(protocol.TypeHeartbeatPong, func(context.Context, string, *protocol.Envelope) error {
		return sentinel
	})

	err := r.Dispatch(context.Background(), "w1", pongEnvelope(t))
	require.ErrorIs(t, err, sentinel)
}

func TestDispatchRecoversHandlerPanic(t *testing.T) {
	r := New(zap.NewNop())
	r.Handle(protocol.TypeHeartbeatPong, func(context.Context, string, *protocol.Envelope) error {
		panic("bad payload assumption")
	})

	err := r.Dispatch(context.Background(), "w1", pongEnvelope(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
}
