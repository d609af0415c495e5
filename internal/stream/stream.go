// Package stream turns the firehose of agent progress events into a single
// evolving chat message per task. The first event posts an anchor message
// into the task thread; every later event edits that anchor in place, so the
// thread shows one live status card instead of hundreds of posts.
//
// Stream deltas are throttled: the anchor is re-rendered only after enough
// deltas accumulate or enough time passes, whichever comes first. Step events
// (tool use, thinking markers) always render immediately, as they are rare
// and users watch for them.
package stream

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskwire-io/taskwire/internal/chat"
)

// Config tunes the edit throttle and render shape.
type Config struct {
	// MaxDeltasPerEdit renders after this many buffered deltas.
	MaxDeltasPerEdit int

	// MinEditInterval renders a pending buffer after this much time even if
	// the delta count has not been reached.
	MinEditInterval time.Duration

	// TailLimit caps the rendered output tail in runes. Older output
	// scrolls away; the steps list is never truncated.
	TailLimit int

	// MaxSteps caps how many step lines the card shows, oldest dropped.
	MaxSteps int
}

// DefaultConfig returns throttle values tuned for chat edit rate limits.
func DefaultConfig() Config {
	return Config{
		MaxDeltasPerEdit: 10,
		MinEditInterval:  2 * time.Second,
		TailLimit:        3000,
		MaxSteps:         20,
	}
}

// Key addresses the chat location a task reports into. Prompt is carried
// along so the card can lead with what the task is doing.
type Key struct {
	TaskID    uuid.UUID
	ChannelID string
	ThreadTS  string
	Prompt    string
}

// promptLimit caps the prompt lead on the card in runes.
const promptLimit = 200

// tracker is the per-task accumulation state.
type tracker struct {
	key      Key
	anchorTS string
	steps    []string
	text     strings.Builder

	pendingDeltas int
	lastRender    time.Time
}

// Accumulator multiplexes per-task trackers over one Notifier.
// Safe for concurrent use; events for different tasks never block each other
// beyond the registry lock.
type Accumulator struct {
	mu       sync.Mutex
	trackers map[uuid.UUID]*tracker

	notifier chat.Notifier
	cfg      Config
	logger   *zap.Logger
}

// New creates an Accumulator posting through notifier.
func New(notifier chat.Notifier, cfg Config, logger *zap.Logger) *Accumulator {
	if cfg.MaxDeltasPerEdit < 1 {
		cfg.MaxDeltasPerEdit = 1
	}
	return &Accumulator{
		trackers: make(map[uuid.UUID]*tracker),
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.Named("stream"),
	}
}

func (a *Accumulator) get(key Key) *tracker {
	tr, ok := a.trackers[key.TaskID]
	if !ok {
		tr = &tracker{key: key}
		a.trackers[key.TaskID] = tr
	}
	return tr
}

// Step records a progress step (tool use, thinking, info) and renders the
// anchor immediately.
func (a *Accumulator) Step(ctx context.Context, key Key, label string) error {
	a.mu.Lock()
	tr := a.get(key)
	tr.steps = append(tr.steps, label)
	if len(tr.steps) > a.cfg.MaxSteps {
		tr.steps = tr.steps[len(tr.steps)-a.cfg.MaxSteps:]
	}
	a.mu.Unlock()

	return a.render(ctx, key.TaskID)
}

// Delta appends streamed output text. The anchor is re-rendered only when
// the throttle allows it; otherwise the text just accumulates.
func (a *Accumulator) Delta(ctx context.Context, key Key, text string) error {
	a.mu.Lock()
	tr := a.get(key)
	tr.text.WriteString(text)
	tr.pendingDeltas++
	due := tr.pendingDeltas >= a.cfg.MaxDeltasPerEdit ||
		(tr.anchorTS != "" && time.Since(tr.lastRender) >= a.cfg.MinEditInterval)
	a.mu.Unlock()

	if !due {
		return nil
	}
	return a.render(ctx, key.TaskID)
}

// Finalize flushes any buffered text with a closing line and drops the
// tracker. Returns the anchor timestamp so the caller can persist it, or ""
// when the task never produced output.
func (a *Accumulator) Finalize(ctx context.Context, taskID uuid.UUID, closing string) (string, error) {
	a.mu.Lock()
	tr, ok := a.trackers[taskID]
	if !ok {
		a.mu.Unlock()
		return "", nil
	}
	if closing != "" {
		tr.steps = append(tr.steps, closing)
	}
	a.mu.Unlock()

	err := a.render(ctx, taskID)

	a.mu.Lock()
	anchor := tr.anchorTS
	delete(a.trackers, taskID)
	a.mu.Unlock()
	return anchor, err
}

// Discard drops a tracker without a final render. Used on cancellation when
// the lifecycle layer posts its own terminal message.
func (a *Accumulator) Discard(taskID uuid.UUID) {
	a.mu.Lock()
	delete(a.trackers, taskID)
	a.mu.Unlock()
}

// render composes the card and posts or edits the anchor.
func (a *Accumulator) render(ctx context.Context, taskID uuid.UUID) error {
	a.mu.Lock()
	tr, ok := a.trackers[taskID]
	if !ok {
		a.mu.Unlock()
		return nil
	}
	body := compose(tr.key.Prompt, tr.steps, tr.text.String(), a.cfg.TailLimit)
	key := tr.key
	anchor := tr.anchorTS
	a.mu.Unlock()

	if anchor == "" {
		ts, err := a.notifier.PostMessage(ctx, key.ChannelID, key.ThreadTS, body)
		if err != nil {
			return fmt.Errorf("stream: post anchor: %w", err)
		}
		a.mu.Lock()
		// First render wins; a concurrent render that also posted loses its
		// anchor and the duplicate stays as a stray thread message.
		if tr.anchorTS == "" {
			tr.anchorTS = ts
		}
		tr.pendingDeltas = 0
		tr.lastRender = time.Now()
		a.mu.Unlock()
		return nil
	}

	if err := a.notifier.UpdateMessage(ctx, key.ChannelID, anchor, body); err != nil {
		return fmt.Errorf("stream: edit anchor: %w", err)
	}
	a.mu.Lock()
	tr.pendingDeltas = 0
	tr.lastRender = time.Now()
	a.mu.Unlock()
	return nil
}

// compose renders the status card: a quoted prompt lead, the step list, then
// a fenced tail of the streamed output.
func compose(prompt string, steps []string, text string, tailLimit int) string {
	var b strings.Builder
	if prompt != "" {
		runes := []rune(prompt)
		if len(runes) > promptLimit {
			prompt = string(runes[:promptLimit]) + "…"
		}
		b.WriteString("> ")
		b.WriteString(strings.ReplaceAll(prompt, "\n", " "))
		b.WriteString("\n\n")
	}
	for _, s := range steps {
		b.WriteString("• ")
		b.WriteString(s)
		b.WriteByte('\n')
	}
	if text != "" {
		runes := []rune(text)
		if tailLimit > 0 && len(runes) > tailLimit {
			runes = runes[len(runes)-tailLimit:]
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("```\n")
		b.WriteString(string(runes))
		b.WriteString("\n```")
	}
	return b.String()
}
