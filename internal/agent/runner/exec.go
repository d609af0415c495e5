package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// engineEvent is one JSON line on the engine's stdout. The engine emits
// "progress" and "stream" events while working and exactly one "result" or
// "error" event before exiting.
type engineEvent struct {
	Event   string `json:"event"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`
	Delta   string `json:"delta,omitempty"`
	Error   string `json:"error,omitempty"`

	Result        string   `json:"result,omitempty"`
	SessionID     string   `json:"sessionId,omitempty"`
	InputTokens   int64    `json:"inputTokens,omitempty"`
	OutputTokens  int64    `json:"outputTokens,omitempty"`
	EstimatedCost float64  `json:"estimatedCost,omitempty"`
	FilesChanged  []string `json:"filesChanged,omitempty"`
	CommandsRun   []string `json:"commandsRun,omitempty"`
}

// ExecRunner invokes the execution engine as a subprocess per task. The
// engine runs in the project's working directory, receives the prompt on
// stdin, and reports through JSON lines on stdout; stderr is collected for
// error messages only.
type ExecRunner struct {
	bin    string
	logger *zap.Logger
}

// NewExecRunner creates an ExecRunner for the given engine binary.
func NewExecRunner(bin string, logger *zap.Logger) *ExecRunner {
	return &ExecRunner{bin: bin, logger: logger.Named("engine")}
}

// Run implements Runner.
func (r *ExecRunner) Run(ctx context.Context, task Task, events EventSink) (Result, error) {
	cmd := exec.CommandContext(ctx, r.bin, buildArgs(task)...)
	cmd.Dir = task.LocalPath
	cmd.Stdin = strings.NewReader(task.Prompt)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("runner: stdout pipe: %w", err)
	}

	var stderrBuf strings.Builder
	cmd.Stderr = &stderrBuf

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("runner: failed to start %s: %w", r.bin, err)
	}

	var (
		res      Result
		terminal bool
		turnsHit bool
		engErr   string
	)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		var ev engineEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			// Engines occasionally print plain-text warnings; skip them.
			continue
		}

		switch ev.Event {
		case "progress":
			events.Progress(task.TaskID, ev.Kind, ev.Message)
		case "stream":
			events.Stream(task.TaskID, ev.Delta)
		case "result":
			res = Result{
				Result:        ev.Result,
				SessionID:     ev.SessionID,
				InputTokens:   ev.InputTokens,
				OutputTokens:  ev.OutputTokens,
				EstimatedCost: ev.EstimatedCost,
				FilesChanged:  ev.FilesChanged,
				CommandsRun:   ev.CommandsRun,
			}
			terminal = true
		case "error":
			engErr = ev.Error
			res.SessionID = ev.SessionID
			if ev.Error == "max_turns" {
				turnsHit = true
			}
			terminal = true
		default:
			r.logger.Debug("unknown engine event",
				zap.String("task_id", task.TaskID),
				zap.String("event", ev.Event),
			)
		}
	}

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}

	switch {
	case turnsHit:
		return res, ErrMaxTurns
	case engErr != "":
		return Result{}, fmt.Errorf("runner: engine reported: %s", engErr)
	case waitErr != nil:
		stderr := strings.TrimSpace(stderrBuf.String())
		if stderr != "" {
			return Result{}, fmt.Errorf("runner: engine failed: %w: %s", waitErr, stderr)
		}
		return Result{}, fmt.Errorf("runner: engine failed: %w", waitErr)
	case !terminal:
		return Result{}, fmt.Errorf("runner: engine exited without a result event")
	}
	return res, nil
}

// buildArgs maps the task onto the engine's CLI surface. The prompt travels
// on stdin, never in argv.
func buildArgs(task Task) []string {
	args := []string{
		"run",
		"--output-format", "json-lines",
		"--task-id", task.TaskID,
	}
	if task.Model != "" {
		args = append(args, "--model", task.Model)
	}
	if task.SystemPrompt != "" {
		args = append(args, "--system-prompt", task.SystemPrompt)
	}
	if task.ResumeSessionID != "" {
		args = append(args, "--resume", task.ResumeSessionID)
	}
	if task.MaxBudget > 0 {
		args = append(args, "--max-budget", strconv.FormatFloat(task.MaxBudget, 'f', -1, 64))
	}
	if len(task.AllowedTools) > 0 {
		args = append(args, "--allowed-tools", strings.Join(task.AllowedTools, ","))
	}
	return args
}
