// Package queue is the agent-side task processor. It admits incoming task
// submissions against the resource monitor, runs up to maxConcurrent tasks
// at once through the execution engine, holds the overflow in a FIFO, and
// reports every lifecycle event back to the server as protocol envelopes.
//
// It sits between the connection manager (which receives task_submit
// envelopes from the server) and the Runner (which does the actual work).
package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskwire-io/taskwire/internal/agent/runner"
	"github.com/taskwire-io/taskwire/internal/protocol"
)

// ErrResourceExhausted is returned by Submit when the resource monitor vetoes
// new work. The server keeps the task and retries elsewhere or later.
var ErrResourceExhausted = errors.New("queue: resources exhausted")

// Sender pushes envelopes to the server. Implemented by the connection
// manager; nil sends are tolerated so the processor can outlive a reconnect.
type Sender interface {
	Send(env *protocol.Envelope) error
}

// Admission gates new task starts. Implemented by *monitor.Monitor.
type Admission interface {
	CanAcceptNewTasks() bool
}

type activeTask struct {
	task         runner.Task
	cancel       context.CancelFunc
	startedAt    time.Time
	cancelReason string
}

// Processor owns the agent's active set and waiting FIFO.
// Safe for concurrent use — the connection read loop, the monitor shedder
// and task goroutines all call into it.
type Processor struct {
	maxConcurrent int
	runner        runner.Runner
	admission     Admission
	logger        *zap.Logger

	mu      sync.Mutex
	sender  Sender
	active  map[string]*activeTask
	waiting []runner.Task
	wg      sync.WaitGroup
}

// New creates a Processor. The sender is attached later via SetSender because
// the connection manager is created after the processor.
func New(maxConcurrent int, r runner.Runner, admission Admission, logger *zap.Logger) *Processor {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Processor{
		maxConcurrent: maxConcurrent,
		runner:        r,
		admission:     admission,
		logger:        logger.Named("queue"),
		active:        make(map[string]*activeTask),
	}
}

// SetSender attaches the envelope sender. Called during wiring and again on
// reconnect if the connection manager is rebuilt.
func (p *Processor) SetSender(s Sender) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sender = s
}

// Submit admits a task. Returns the queue position: 0 when the task started
// immediately, n>0 when it is the nth waiting task. Re-submitting a task
// that is already active or waiting is a no-op — offline redelivery may hand
// the agent the same task twice.
func (p *Processor) Submit(task runner.Task) (int, error) {
	if p.admission != nil && !p.admission.CanAcceptNewTasks() {
		return 0, ErrResourceExhausted
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.active[task.TaskID]; exists {
		return 0, nil
	}
	for i := range p.waiting {
		if p.waiting[i].TaskID == task.TaskID {
			return i + 1, nil
		}
	}

	if len(p.active) < p.maxConcurrent {
		p.startLocked(task)
		return 0, nil
	}
	p.waiting = append(p.waiting, task)
	return len(p.waiting), nil
}

// Cancel aborts a task by id: active tasks are interrupted, waiting tasks
// are spliced out and confirmed immediately. Returns false if the task is
// unknown to this agent.
func (p *Processor) Cancel(taskID, reason string) bool {
	p.mu.Lock()
	if at, ok := p.active[taskID]; ok {
		at.cancelReason = reason
		cancel := at.cancel
		p.mu.Unlock()
		cancel()
		return true
	}
	for i := range p.waiting {
		if p.waiting[i].TaskID == taskID {
			p.waiting = append(p.waiting[:i], p.waiting[i+1:]...)
			p.mu.Unlock()
			p.send(protocol.TaskCancelled{TaskID: taskID, Reason: reason})
			return true
		}
	}
	p.mu.Unlock()
	return false
}

// CancelOldest sheds load: the longest-running active task is cancelled, or,
// with nothing active, the oldest waiting task is dropped. Wired to the
// resource monitor's danger level. Returns false when there was nothing
// left to shed, which the monitor treats as grounds for escalation.
func (p *Processor) CancelOldest() bool {
	p.mu.Lock()
	var oldest *activeTask
	for _, at := range p.active {
		if oldest == nil || at.startedAt.Before(oldest.startedAt) {
			oldest = at
		}
	}
	if oldest != nil {
		oldest.cancelReason = "resources exhausted"
		cancel := oldest.cancel
		id := oldest.task.TaskID
		p.mu.Unlock()
		p.logger.Warn("shedding oldest active task", zap.String("task_id", id))
		cancel()
		return true
	}
	if len(p.waiting) > 0 {
		dropped := p.waiting[0]
		p.waiting = p.waiting[1:]
		p.mu.Unlock()
		p.logger.Warn("shedding oldest waiting task", zap.String("task_id", dropped.TaskID))
		p.send(protocol.TaskCancelled{TaskID: dropped.TaskID, Reason: "resources exhausted"})
		return true
	}
	p.mu.Unlock()
	return false
}

// ActiveIDs returns the ids of currently running tasks, sorted, for
// heartbeat reporting.
func (p *Processor) ActiveIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]string, 0, len(p.active))
	for id := range p.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Shutdown cancels every active task and waits for their goroutines, or for
// ctx to expire.
func (p *Processor) Shutdown(ctx context.Context) {
	p.mu.Lock()
	for _, at := range p.active {
		at.cancelReason = "agent shutting down"
		at.cancel()
	}
	p.waiting = nil
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn("shutdown timed out waiting for active tasks")
	}
}

// startLocked launches a task goroutine. Caller holds mu.
func (p *Processor) startLocked(task runner.Task) {
	ctx, cancel := context.WithCancel(context.Background())
	p.active[task.TaskID] = &activeTask{
		task:      task,
		cancel:    cancel,
		startedAt: time.Now().UTC(),
	}

	p.wg.Add(1)
	go p.run(ctx, task)
}

// run executes one task end to end and reports the outcome.
func (p *Processor) run(ctx context.Context, task runner.Task) {
	defer p.wg.Done()

	p.logger.Info("task started",
		zap.String("task_id", task.TaskID),
		zap.String("command", task.Command),
		zap.String("model", task.Model),
	)

	started := time.Now()
	result, err := p.runner.Run(ctx, task, p)
	duration := time.Since(started)

	// Read the cancellation state before finish() — releasing the slot
	// cancels this context, so checking ctx.Err() afterwards would classify
	// every outcome as cancelled.
	cancelled := ctx.Err() != nil
	reason := p.finish(task.TaskID)

	switch {
	case err == nil:
		p.logger.Info("task completed",
			zap.String("task_id", task.TaskID),
			zap.Duration("duration", duration),
			zap.Float64("cost", result.EstimatedCost),
		)
		p.send(protocol.TaskComplete{
			TaskID:        task.TaskID,
			Result:        result.Result,
			SessionID:     result.SessionID,
			InputTokens:   result.InputTokens,
			OutputTokens:  result.OutputTokens,
			EstimatedCost: result.EstimatedCost,
			FilesChanged:  result.FilesChanged,
			CommandsRun:   boundCommands(result.CommandsRun),
			DurationMs:    duration.Milliseconds(),
			Model:         task.Model,
		})

	case errors.Is(err, runner.ErrMaxTurns):
		p.logger.Warn("task hit turn cap",
			zap.String("task_id", task.TaskID),
			zap.String("session_id", result.SessionID),
		)
		p.send(protocol.TaskError{
			TaskID:        task.TaskID,
			Error:         protocol.ErrMaxTurns,
			Recoverable:   true,
			SessionID:     result.SessionID,
			PartialResult: result.Result,
		})

	case cancelled:
		if reason == "" {
			reason = "cancelled"
		}
		p.logger.Info("task cancelled",
			zap.String("task_id", task.TaskID),
			zap.String("reason", reason),
		)
		p.send(protocol.TaskCancelled{TaskID: task.TaskID, Reason: reason})

	default:
		p.logger.Error("task failed",
			zap.String("task_id", task.TaskID),
			zap.Error(err),
		)
		p.send(protocol.TaskError{
			TaskID:      task.TaskID,
			Error:       err.Error(),
			Recoverable: true,
			SessionID:   result.SessionID,
		})
	}
}

// finish removes a finished task from the active set, starts the next
// waiting task if any, and returns the recorded cancel reason.
func (p *Processor) finish(taskID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var reason string
	if at, ok := p.active[taskID]; ok {
		reason = at.cancelReason
		at.cancel()
		delete(p.active, taskID)
	}

	if len(p.waiting) > 0 && len(p.active) < p.maxConcurrent {
		next := p.waiting[0]
		p.waiting = p.waiting[1:]
		p.startLocked(next)
	}
	return reason
}

// Progress implements runner.EventSink.
func (p *Processor) Progress(taskID, kind, message string) {
	p.send(protocol.TaskProgress{
		TaskID:    taskID,
		Type:      protocol.ProgressKind(kind),
		Message:   message,
		Timestamp: time.Now().UTC().UnixMilli(),
	})
}

// Stream implements runner.EventSink.
func (p *Processor) Stream(taskID, delta string) {
	p.send(protocol.TaskStream{
		TaskID:    taskID,
		Delta:     delta,
		Timestamp: time.Now().UTC().UnixMilli(),
	})
}

// send builds and pushes one envelope, best effort. A dropped event is only
// logged: terminal reports lost to a dead connection are recovered by the
// server's offline redelivery of the task on reconnect.
func (p *Processor) send(payload protocol.Payload) {
	p.mu.Lock()
	sender := p.sender
	p.mu.Unlock()

	if sender == nil {
		p.logger.Warn("no connection, dropping event",
			zap.String("type", string(payload.Kind())),
		)
		return
	}

	env, err := protocol.NewEnvelope(payload)
	if err != nil {
		p.logger.Error("event envelope build failed",
			zap.String("type", string(payload.Kind())),
			zap.Error(err),
		)
		return
	}
	if err := sender.Send(&env); err != nil {
		p.logger.Warn("event send failed",
			zap.String("type", string(payload.Kind())),
			zap.Error(err),
		)
	}
}

func boundCommands(cmds []string) []string {
	out := make([]string, len(cmds))
	for i, c := range cmds {
		out[i] = protocol.BoundCommand(c)
	}
	return out
}
