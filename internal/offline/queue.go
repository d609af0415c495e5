// Package offline implements at-least-once delivery of envelopes to agents
// that were disconnected when the message was produced.
//
// Messages are persisted with a TTL and drained whenever an agent reconnects
// or on a periodic sweep. Delivery marks are guarded in the store, so a drain
// racing with itself can double-send (at-least-once) but never double-mark;
// agents are expected to treat redelivered task submissions idempotently.
package offline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskwire-io/taskwire/internal/chat"
	"github.com/taskwire-io/taskwire/internal/db"
	"github.com/taskwire-io/taskwire/internal/metrics"
	"github.com/taskwire-io/taskwire/internal/protocol"
	"github.com/taskwire-io/taskwire/internal/registry"
	"github.com/taskwire-io/taskwire/internal/store"
)

// Sender is the slice of the agent registry the queue needs. Satisfied by
// *registry.Registry.
type Sender interface {
	Send(agentID string, env *protocol.Envelope) error
	IsConnected(agentID string) bool
}

// Resolver reroutes a message whose recorded agent is offline to any other
// connected agent. Optional; without it such messages simply wait. Satisfied
// by *registry.Registry.
type Resolver interface {
	Resolve(preferredAgentID string) (string, error)
}

// Config tunes queue behaviour.
type Config struct {
	// TTL is how long an undelivered message stays eligible.
	TTL time.Duration

	// MaxConcurrent bounds how many agents are drained in parallel.
	MaxConcurrent int

	// PreserveOrder forces a single global drain sequence across agents
	// instead of per-agent parallelism. Ordering within one agent's
	// backlog is preserved in both modes.
	PreserveOrder bool

	// RetryAttempts and RetryDelay shape per-message delivery retries:
	// attempt n waits RetryDelay*n before trying again.
	RetryAttempts int
	RetryDelay    time.Duration

	// DeliveryTimeout bounds the total time spent on one message.
	DeliveryTimeout time.Duration

	// DrainInterval is the periodic sweep cadence.
	DrainInterval time.Duration
}

// DefaultConfig mirrors the server configuration defaults.
func DefaultConfig() Config {
	return Config{
		TTL:             24 * time.Hour,
		MaxConcurrent:   5,
		RetryAttempts:   3,
		RetryDelay:      2 * time.Second,
		DeliveryTimeout: 10 * time.Second,
		DrainInterval:   30 * time.Second,
	}
}

// Queue is the offline delivery service.
type Queue struct {
	repo     store.OfflineQueueRepository
	tasks    store.TaskRepository
	sender   Sender
	resolver Resolver
	notifier chat.Notifier
	cfg      Config
	logger   *zap.Logger

	// kick wakes the run loop early, typically on an agent reconnect.
	kick chan struct{}

	// drainMu serialises whole drains; a kick during a drain queues at
	// most one follow-up pass via the buffered channel.
	drainMu sync.Mutex
}

// New creates a Queue. notifier may be nil in contexts with no chat surface
// (reaction flips are skipped).
func New(repo store.OfflineQueueRepository, tasks store.TaskRepository, sender Sender, notifier chat.Notifier, cfg Config, logger *zap.Logger) *Queue {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = 30 * time.Second
	}
	return &Queue{
		repo:     repo,
		tasks:    tasks,
		sender:   sender,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.Named("offline"),
		kick:     make(chan struct{}, 1),
	}
}

// Enqueue persists env for later delivery to agentID. The whole envelope is
// stored so redelivery reproduces the original frame byte for byte.
func (q *Queue) Enqueue(ctx context.Context, agentID string, env protocol.Envelope) error {
	raw, err := protocol.Encode(env)
	if err != nil {
		return fmt.Errorf("offline: enqueue: %w", err)
	}
	msg := &db.OfflineMessage{
		AgentID:   agentID,
		Type:      string(env.Type),
		Payload:   raw,
		ExpiresAt: time.Now().UTC().Add(q.cfg.TTL),
	}
	if err := q.repo.Create(ctx, msg); err != nil {
		return err
	}
	metrics.OfflineEnqueuedTotal.Inc()
	q.logger.Info("message queued for offline delivery",
		zap.String("agent_id", agentID),
		zap.String("type", string(env.Type)),
		zap.Time("expires_at", msg.ExpiresAt),
	)
	return nil
}

// SetResolver enables rerouting of queued task submissions when the agent
// they were queued for stays offline. Wired during startup.
func (q *Queue) SetResolver(r Resolver) { q.resolver = r }

// Kick wakes the run loop for an immediate drain pass. Non-blocking; wired
// as a registry observer so reconnecting agents get their backlog at once.
func (q *Queue) Kick() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// OnRegistryEvent adapts Kick to the registry observer signature.
func (q *Queue) OnRegistryEvent(ev registry.Event) {
	if ev.Kind == registry.AgentConnected {
		q.Kick()
	}
}

// Run drains on reconnect kicks and on a periodic ticker until ctx ends.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.DrainInterval)
	defer ticker.Stop()

	q.logger.Info("offline queue started",
		zap.Duration("drain_interval", q.cfg.DrainInterval),
		zap.Bool("preserve_order", q.cfg.PreserveOrder),
	)

	for {
		select {
		case <-ctx.Done():
			q.logger.Info("offline queue stopped")
			return
		case <-q.kick:
		case <-ticker.C:
		}

		if err := q.CleanExpired(ctx); err != nil {
			q.logger.Error("expired message cleanup failed", zap.Error(err))
		}
		if err := q.DrainAll(ctx); err != nil {
			q.logger.Error("drain failed", zap.Error(err))
		}
	}
}

// CleanExpired removes messages past their TTL.
func (q *Queue) CleanExpired(ctx context.Context) error {
	n, err := q.repo.DeleteExpired(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	if n > 0 {
		metrics.OfflineExpiredTotal.Add(float64(n))
		q.logger.Warn("dropped expired offline messages", zap.Int64("count", n))
	}
	return nil
}

// DrainAll attempts delivery of every pending message whose agent is
// currently connected. Messages for one agent always go out in enqueue
// order; agents proceed in parallel unless PreserveOrder is set.
func (q *Queue) DrainAll(ctx context.Context) error {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	pending, err := q.repo.ListUndelivered(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	metrics.OfflineQueueDepth.Set(float64(len(pending)))
	if len(pending) == 0 {
		return nil
	}

	// Group per delivery target, preserving the global enqueue order within
	// each group. Task submissions whose recorded agent is offline may be
	// rerouted to another connected agent; everything else waits.
	groups := make(map[string][]targeted)
	var order []string
	for _, msg := range pending {
		target := msg.AgentID
		if !q.sender.IsConnected(target) {
			if q.resolver == nil || msg.Type != string(protocol.TypeTaskSubmit) {
				continue
			}
			rerouted, rerr := q.resolver.Resolve("")
			if rerr != nil {
				continue
			}
			target = rerouted
		}
		if _, seen := groups[target]; !seen {
			order = append(order, target)
		}
		groups[target] = append(groups[target], targeted{msg: msg, target: target})
	}
	if len(groups) == 0 {
		return nil
	}

	if q.cfg.PreserveOrder {
		for _, agentID := range order {
			q.drainAgent(ctx, agentID, groups[agentID])
		}
		return nil
	}

	sem := make(chan struct{}, q.cfg.MaxConcurrent)
	var wg sync.WaitGroup
	for _, agentID := range order {
		wg.Add(1)
		sem <- struct{}{}
		go func(id string, msgs []targeted) {
			defer wg.Done()
			defer func() { <-sem }()
			q.drainAgent(ctx, id, msgs)
		}(agentID, groups[agentID])
	}
	wg.Wait()
	return nil
}

// targeted pairs a queued message with the agent chosen to receive it,
// which differs from the recorded agent only on a reroute.
type targeted struct {
	msg    db.OfflineMessage
	target string
}

// drainAgent delivers one target's backlog sequentially, stopping at the
// first message that exhausts its retries so ordering holds on redelivery.
func (q *Queue) drainAgent(ctx context.Context, agentID string, msgs []targeted) {
	for _, tm := range msgs {
		if ctx.Err() != nil {
			return
		}
		if err := q.deliver(ctx, tm.msg, tm.target); err != nil {
			q.logger.Warn("stopping drain for agent after delivery failure",
				zap.String("agent_id", agentID),
				zap.String("message_id", tm.msg.ID.String()),
				zap.Error(err),
			)
			return
		}
	}
}

// deliver pushes one message with linear-backoff retries, then marks it
// delivered and runs any post-delivery activation.
func (q *Queue) deliver(ctx context.Context, msg db.OfflineMessage, target string) error {
	env, err := protocol.Decode(msg.Payload)
	if err != nil {
		// Undecodable rows are poison; mark them delivered so they stop
		// blocking the backlog.
		q.logger.Error("dropping undecodable offline message",
			zap.String("message_id", msg.ID.String()),
			zap.Error(err),
		)
		return q.repo.MarkDelivered(ctx, msg.ID, time.Now().UTC())
	}

	dctx := ctx
	if q.cfg.DeliveryTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, q.cfg.DeliveryTimeout)
		defer cancel()
	}

	var sendErr error
	for attempt := 0; attempt < q.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(q.cfg.RetryDelay * time.Duration(attempt)):
			case <-dctx.Done():
				return dctx.Err()
			}
		}
		sendErr = q.sender.Send(target, &env)
		if sendErr == nil {
			break
		}
		metrics.OfflineDeliveryFailuresTotal.Inc()
		if ierr := q.repo.IncrementAttempts(dctx, msg.ID); ierr != nil {
			q.logger.Error("failed to record delivery attempt", zap.Error(ierr))
		}
	}
	if sendErr != nil {
		return sendErr
	}

	if err := q.repo.MarkDelivered(dctx, msg.ID, time.Now().UTC()); err != nil {
		if errors.Is(err, store.ErrAlreadyDelivered) {
			// A concurrent drain won the race; the duplicate send is
			// covered by agent-side idempotence.
			return nil
		}
		return err
	}
	metrics.OfflineDeliveredTotal.Inc()
	q.logger.Info("offline message delivered",
		zap.String("agent_id", target),
		zap.String("queued_for", msg.AgentID),
		zap.String("type", msg.Type),
		zap.Int("attempts", msg.Attempts+1),
	)

	if env.Type == protocol.TypeTaskSubmit {
		q.activateTask(dctx, env)
	}
	return nil
}

// activateTask moves a just-delivered submission from queued to pending and
// flips its chat reaction. Failures here are logged, not returned: delivery
// already happened and must not be retried for a bookkeeping error.
func (q *Queue) activateTask(ctx context.Context, env protocol.Envelope) {
	submit, err := protocol.DecodePayload[protocol.TaskSubmit](env)
	if err != nil {
		q.logger.Error("delivered task_submit with bad payload", zap.Error(err))
		return
	}
	taskID, err := uuid.Parse(submit.TaskID)
	if err != nil {
		q.logger.Error("delivered task_submit with bad task id",
			zap.String("task_id", submit.TaskID), zap.Error(err))
		return
	}

	if err := q.tasks.UpdateStatus(ctx, taskID, db.TaskPending); err != nil {
		q.logger.Warn("could not activate delivered task",
			zap.String("task_id", submit.TaskID), zap.Error(err))
		return
	}

	if q.notifier != nil && submit.ChatContext.AnchorTS != "" {
		err := chat.SwapReaction(ctx, q.notifier,
			submit.ChatContext.ChannelID, submit.ChatContext.AnchorTS,
			chat.ReactionQueued, chat.ReactionInProgress)
		if err != nil {
			q.logger.Warn("could not flip reaction for activated task",
				zap.String("task_id", submit.TaskID), zap.Error(err))
		}
	}
}
