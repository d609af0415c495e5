// Package router dispatches inbound agent envelopes to their handlers.
//
// The gateway reads envelopes off an authenticated connection one at a time
// and hands each to Dispatch. Routing is a static kind-to-handler table
// populated during wiring; there is no dynamic registration after startup.
package router

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/taskwire-io/taskwire/internal/protocol"
)

// Handler processes one envelope from an agent. agentID is the authenticated
// sender, never the value any payload claims.
type Handler func(ctx context.Context, agentID string, env *protocol.Envelope) error

// Router maps message types to handlers.
//
// Handle must only be called during wiring, before Dispatch is used; after
// that the table is read-only and safe for concurrent Dispatch calls.
type Router struct {
	handlers map[protocol.MessageType]Handler
	logger   *zap.Logger
}

// New creates an empty Router.
func New(logger *zap.Logger) *Router {
	return &Router{
		handlers: make(map[protocol.MessageType]Handler),
		logger:   logger.Named("router"),
	}
}

// Handle registers the handler for a message type, replacing any previous one.
func (r *Router) Handle(kind protocol.MessageType, h Handler) {
	r.handlers[kind] = h
}

// Dispatch routes an envelope to its handler. Unknown or unmapped types are
// logged and dropped — a misbehaving agent must not be able to take the
// server down, so handler panics are recovered and surfaced as errors while
// the connection stays up.
func (r *Router) Dispatch(ctx context.Context, agentID string, env *protocol.Envelope) (err error) {
	h, ok := r.handlers[env.Type]
	if !ok {
		r.logger.Warn("dropping envelope with unhandled type",
			zap.String("agent_id", agentID),
			zap.String("type", string(env.Type)),
			zap.String("envelope_id", env.ID),
		)
		return nil
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("handler panic",
				zap.String("agent_id", agentID),
				zap.String("type", string(env.Type)),
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()),
			)
			err = fmt.Errorf("router: %s handler panicked: %v", env.Type, rec)
		}
	}()

	if err := h(ctx, agentID, env); err != nil {
		return fmt.Errorf("router: handle %s: %w", env.Type, err)
	}
	return nil
}
