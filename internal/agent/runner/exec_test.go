package runner

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type collectSink struct {
	mu       sync.Mutex
	progress []string
	deltas   []string
}

func (s *collectSink) Progress(_, kind, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = append(s.progress, kind+":"+message)
}

func (s *collectSink) Stream(_, delta string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deltas = append(s.deltas, delta)
}

// fakeEngine writes a shell script that plays back the given stdout lines.
func fakeEngine(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake engine script requires a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "engine")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func testTask() Task {
	return Task{
		TaskID:    "t1",
		ProjectID: "p1",
		Command:   "fix",
		Prompt:    "fix the login flow",
		LocalPath: ".",
		Model:     "premium",
	}
}

func TestExecRunnerSuccess(t *testing.T) {
	bin := fakeEngine(t, `
cat > /dev/null
echo '{"event":"progress","kind":"tool_use","message":"Reading auth.go"}'
echo '{"event":"stream","delta":"partial"}'
echo '{"event":"result","result":"done","sessionId":"sess-1","inputTokens":120,"outputTokens":80,"estimatedCost":0.04,"filesChanged":["auth.go"]}'
`)
	sink := &collectSink{}
	r := NewExecRunner(bin, zap.NewNop())

	res, err := r.Run(context.Background(), testTask(), sink)
	require.NoError(t, err)
	assert.Equal(t, "done", res.Result)
	assert.Equal(t, "sess-1", res.SessionID)
	assert.Equal(t, int64(120), res.InputTokens)
	assert.Equal(t, []string{"auth.go"}, res.FilesChanged)
	assert.Equal(t, []string{"tool_use:Reading auth.go"}, sink.progress)
	assert.Equal(t, []string{"partial"}, sink.deltas)
}

func TestExecRunnerMaxTurns(t *testing.T) {
	bin := fakeEngine(t, `
cat > /dev/null
echo '{"event":"error","error":"max_turns","sessionId":"sess-2"}'
`)
	r := NewExecRunner(bin, zap.NewNop())

	res, err := r.Run(context.Background(), testTask(), &collectSink{})
	require.ErrorIs(t, err, ErrMaxTurns)
	assert.Equal(t, "sess-2", res.SessionID)
}

func TestExecRunnerEngineError(t *testing.T) {
	bin := fakeEngine(t, `
cat > /dev/null
echo '{"event":"error","error":"workspace is dirty"}'
`)
	r := NewExecRunner(bin, zap.NewNop())

	_, err := r.Run(context.Background(), testTask(), &collectSink{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workspace is dirty")
}

func TestExecRunnerNonZeroExit(t *testing.T) {
	bin := fakeEngine(t, `
cat > /dev/null
echo "engine crashed" >&2
exit 3
`)
	r := NewExecRunner(bin, zap.NewNop())

	_, err := r.Run(context.Background(), testTask(), &collectSink{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine crashed")
}

func TestExecRunnerNoResultEvent(t *testing.T) {
	bin := fakeEngine(t, `
cat > /dev/null
echo '{"event":"stream","delta":"only output"}'
`)
	r := NewExecRunner(bin, zap.NewNop())

	_, err := r.Run(context.Background(), testTask(), &collectSink{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "without a result event")
}

func TestExecRunnerSkipsPlainTextLines(t *testing.T) {
	bin := fakeEngine(t, `
cat > /dev/null
echo "warning: cache is cold"
echo '{"event":"result","result":"ok"}'
`)
	r := NewExecRunner(bin, zap.NewNop())

	res, err := r.Run(context.Background(), testTask(), &collectSink{})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Result)
}

func TestExecRunnerCancelled(t *testing.T) {
	bin := fakeEngine(t, `
cat > /dev/null
sleep 10
`)
	r := NewExecRunner(bin, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := r.Run(ctx, testTask(), &collectSink{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
