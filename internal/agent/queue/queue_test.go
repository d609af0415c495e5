package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskwire-io/taskwire/internal/agent/runner"
	"github.com/taskwire-io/taskwire/internal/protocol"
)

// blockingRunner parks every invocation until the test releases it.
type blockingRunner struct {
	mu      sync.Mutex
	release map[string]chan runner.Result
	started chan string
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{
		release: make(map[string]chan runner.Result),
		started: make(chan string, 16),
	}
}

func (r *blockingRunner) Run(ctx context.Context, task runner.Task, _ runner.EventSink) (runner.Result, error) {
	ch := make(chan runner.Result, 1)
	r.mu.Lock()
	r.release[task.TaskID] = ch
	r.mu.Unlock()
	r.started <- task.TaskID

	select {
	case <-ctx.Done():
		return runner.Result{}, ctx.Err()
	case res := <-ch:
		return res, nil
	}
}

func (r *blockingRunner) finish(taskID string, res runner.Result) {
	r.mu.Lock()
	ch := r.release[taskID]
	r.mu.Unlock()
	ch <- res
}

func (r *blockingRunner) waitStarted(t *testing.T) string {
	t.Helper()
	select {
	case id := <-r.started:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("no task started in time")
		return ""
	}
}

// recordingSender captures envelopes pushed by the processor.
type recordingSender struct {
	mu   sync.Mutex
	envs []protocol.Envelope
}

func (s *recordingSender) Send(env *protocol.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envs = append(s.envs, *env)
	return nil
}

func (s *recordingSender) waitFor(t *testing.T, kind protocol.MessageType) protocol.Envelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		for _, env := range s.envs {
			if env.Type == kind {
				s.mu.Unlock()
				return env
			}
		}
		s.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no %s envelope observed", kind)
	return protocol.Envelope{}
}

type vetoAdmission struct{ allow bool }

func (v vetoAdmission) CanAcceptNewTasks() bool { return v.allow }

func task(id string) runner.Task {
	return runner.Task{
		TaskID:    id,
		ProjectID: "p1",
		Command:   "fix",
		Prompt:    "do the thing",
		LocalPath: "/srv/app",
		Model:     "premium",
	}
}

func TestSubmitStartsWithinLimit(t *testing.T) {
	r := newBlockingRunner()
	p := New(2, r, nil, zap.NewNop())
	p.SetSender(&recordingSender{})

	pos, err := p.Submit(task("t1"))
	require.NoError(t, err)
	assert.Zero(t, pos)
	r.waitStarted(t)

	assert.Equal(t, []string{"t1"}, p.ActiveIDs())
}

func TestSubmitOverflowQueuesFIFO(t *testing.T) {
	r := newBlockingRunner()
	sender := &recordingSender{}
	p := New(1, r, nil, zap.NewNop())
	p.SetSender(sender)

	_, err := p.Submit(task("t1"))
	require.NoError(t, err)
	r.waitStarted(t)

	pos, err := p.Submit(task("t2"))
	require.NoError(t, err)
	assert.Equal(t, 1, pos)
	pos, err = p.Submit(task("t3"))
	require.NoError(t, err)
	assert.Equal(t, 2, pos)

	// Completing t1 starts t2, not t3.
	r.finish("t1", runner.Result{Result: "done"})
	assert.Equal(t, "t2", r.waitStarted(t))
	sender.waitFor(t, protocol.TypeTaskComplete)
}

func TestSubmitDuplicateIsNoop(t *testing.T) {
	r := newBlockingRunner()
	p := New(1, r, nil, zap.NewNop())
	p.SetSender(&recordingSender{})

	_, err := p.Submit(task("t1"))
	require.NoError(t, err)
	r.waitStarted(t)

	pos, err := p.Submit(task("t1"))
	require.NoError(t, err)
	assert.Zero(t, pos)
	assert.Equal(t, []string{"t1"}, p.ActiveIDs())
}

func TestSubmitRejectedWhenExhausted(t *testing.T) {
	p := New(1, newBlockingRunner(), vetoAdmission{allow: false}, zap.NewNop())
	_, err := p.Submit(task("t1"))
	assert.ErrorIs(t, err, ErrResourceExhausted)
}

func TestCancelActiveTask(t *testing.T) {
	r := newBlockingRunner()
	sender := &recordingSender{}
	p := New(1, r, nil, zap.NewNop())
	p.SetSender(sender)

	_, err := p.Submit(task("t1"))
	require.NoError(t, err)
	r.waitStarted(t)

	require.True(t, p.Cancel("t1", "user requested"))

	env := sender.waitFor(t, protocol.TypeTaskCancelled)
	cancelled, err := protocol.DecodePayload[protocol.TaskCancelled](env)
	require.NoError(t, err)
	assert.Equal(t, "t1", cancelled.TaskID)
	assert.Equal(t, "user requested", cancelled.Reason)
}

func TestCancelWaitingTask(t *testing.T) {
	r := newBlockingRunner()
	sender := &recordingSender{}
	p := New(1, r, nil, zap.NewNop())
	p.SetSender(sender)

	_, err := p.Submit(task("t1"))
	require.NoError(t, err)
	r.waitStarted(t)
	_, err = p.Submit(task("t2"))
	require.NoError(t, err)

	require.True(t, p.Cancel("t2", "user requested"))
	env := sender.waitFor(t, protocol.TypeTaskCancelled)
	cancelled, err := protocol.DecodePayload[protocol.TaskCancelled](env)
	require.NoError(t, err)
	assert.Equal(t, "t2", cancelled.TaskID)

	// t1 finishing must not start the spliced-out t2.
	r.finish("t1", runner.Result{})
	sender.waitFor(t, protocol.TypeTaskComplete)
	assert.Empty(t, p.ActiveIDs())
}

func TestCancelUnknownTask(t *testing.T) {
	p := New(1, newBlockingRunner(), nil, zap.NewNop())
	assert.False(t, p.Cancel("missing", "whatever"))
}

func TestCancelOldestShedsLongestRunning(t *testing.T) {
	r := newBlockingRunner()
	sender := &recordingSender{}
	p := New(2, r, nil, zap.NewNop())
	p.SetSender(sender)

	_, err := p.Submit(task("t1"))
	require.NoError(t, err)
	r.waitStarted(t)
	time.Sleep(10 * time.Millisecond) // distinct startedAt
	_, err = p.Submit(task("t2"))
	require.NoError(t, err)
	r.waitStarted(t)

	p.CancelOldest()

	env := sender.waitFor(t, protocol.TypeTaskCancelled)
	cancelled, err := protocol.DecodePayload[protocol.TaskCancelled](env)
	require.NoError(t, err)
	assert.Equal(t, "t1", cancelled.TaskID)
	assert.Equal(t, "resources exhausted", cancelled.Reason)
}

func TestMaxTurnsReportedAsRecoverableError(t *testing.T) {
	sender := &recordingSender{}
	p := New(1, runnerFunc(func(context.Context, runner.Task, runner.EventSink) (runner.Result, error) {
		return runner.Result{SessionID: "sess-9", Result: "half done"}, runner.ErrMaxTurns
	}), nil, zap.NewNop())
	p.SetSender(sender)

	_, err := p.Submit(task("t1"))
	require.NoError(t, err)

	env := sender.waitFor(t, protocol.TypeTaskError)
	report, err := protocol.DecodePayload[protocol.TaskError](env)
	require.NoError(t, err)
	assert.Equal(t, protocol.ErrMaxTurns, report.Error)
	assert.True(t, report.Recoverable)
	assert.Equal(t, "sess-9", report.SessionID)
	assert.Equal(t, "half done", report.PartialResult)
}

func TestRunnerErrorReported(t *testing.T) {
	sender := &recordingSender{}
	p := New(1, runnerFunc(func(context.Context, runner.Task, runner.EventSink) (runner.Result, error) {
		return runner.Result{}, errors.New("engine exploded")
	}), nil, zap.NewNop())
	p.SetSender(sender)

	_, err := p.Submit(task("t1"))
	require.NoError(t, err)

	env := sender.waitFor(t, protocol.TypeTaskError)
	report, err := protocol.DecodePayload[protocol.TaskError](env)
	require.NoError(t, err)
	assert.Equal(t, "engine exploded", report.Error)

	// A plain failure must not be misclassified as a cancellation.
	sender.mu.Lock()
	defer sender.mu.Unlock()
	for _, e := range sender.envs {
		assert.NotEqual(t, protocol.TypeTaskCancelled, e.Type)
	}
}

func TestProgressAndStreamForwarded(t *testing.T) {
	sender := &recordingSender{}
	p := New(1, runnerFunc(func(_ context.Context, tk runner.Task, events runner.EventSink) (runner.Result, error) {
		events.Progress(tk.TaskID, "tool_use", "Reading auth.go")
		events.Stream(tk.TaskID, "partial text")
		return runner.Result{Result: "ok"}, nil
	}), nil, zap.NewNop())
	p.SetSender(sender)

	_, err := p.Submit(task("t1"))
	require.NoError(t, err)

	progress := sender.waitFor(t, protocol.TypeTaskProgress)
	pp, err := protocol.DecodePayload[protocol.TaskProgress](progress)
	require.NoError(t, err)
	assert.Equal(t, protocol.ProgressToolUse, pp.Type)
	assert.Equal(t, "Reading auth.go", pp.Message)

	stream := sender.waitFor(t, protocol.TypeTaskStream)
	sp, err := protocol.DecodePayload[protocol.TaskStream](stream)
	require.NoError(t, err)
	assert.Equal(t, "partial text", sp.Delta)
}

func TestShutdownCancelsActive(t *testing.T) {
	r := newBlockingRunner()
	sender := &recordingSender{}
	p := New(2, r, nil, zap.NewNop())
	p.SetSender(sender)

	_, err := p.Submit(task("t1"))
	require.NoError(t, err)
	r.waitStarted(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	p.Shutdown(ctx)

	env := sender.waitFor(t, protocol.TypeTaskCancelled)
	cancelled, err := protocol.DecodePayload[protocol.TaskCancelled](env)
	require.NoError(t, err)
	assert.Equal(t, "agent shutting down", cancelled.Reason)
}

// runnerFunc adapts a function to the Runner interface.
type runnerFunc func(context.Context, runner.Task, runner.EventSink) (runner.Result, error)

func (f runnerFunc) Run(ctx context.Context, t runner.Task, e runner.EventSink) (runner.Result, error) {
	return f(ctx, t, e)
}
