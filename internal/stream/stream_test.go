package stream

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// recordingNotifier captures posts and edits in memory.
type recordingNotifier struct {
	mu     sync.Mutex
	posts  []string
	edits  []string
	nextTS int
}

func (r *recordingNotifier) PostMessage(_ context.Context, _, _, text string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.posts = append(r.posts, text)
	r.nextTS++
	return fmt.Sprintf("ts-%d", r.nextTS), nil
}

func (r *recordingNotifier) UpdateMessage(_ context.Context, _, _, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.edits = append(r.edits, text)
	return nil
}

func (r *recordingNotifier) AddReaction(context.Context, string, string, string) error    { return nil }
func (r *recordingNotifier) RemoveReaction(context.Context, string, string, string) error { return nil }
func (r *recordingNotifier) UploadFile(context.Context, string, string, string, string) error {
	return nil
}

func testConfig() Config {
	return Config{
		MaxDeltasPerEdit: 3,
		MinEditInterval:  time.Hour, // time trigger disabled in tests
		TailLimit:        100,
		MaxSteps:         5,
	}
}

func testKey() Key {
	return Key{TaskID: uuid.New(), ChannelID: "C1", ThreadTS: "1724500000.000100"}
}

func TestFirstEventPostsAnchorThenEdits(t *testing.T) {
	fake := &recordingNotifier{}
	acc := New(fake, testConfig(), zap.NewNop())
	key := testKey()
	ctx := context.Background()

	require.NoError(t, acc.Step(ctx, key, "Running tests"))
	require.NoError(t, acc.Step(ctx, key, "Editing auth.go"))

	assert.Len(t, fake.posts, 1)
	assert.Len(t, fake.edits, 1)
	assert.Contains(t, fake.edits[0], "Running tests")
	assert.Contains(t, fake.edits[0], "Editing auth.go")
}

func TestCardLeadsWithPrompt(t *testing.T) {
	fake := &recordingNotifier{}
	acc := New(fake, testConfig(), zap.NewNop())
	key := testKey()
	key.Prompt = "fix the login redirect loop"
	ctx := context.Background()

	require.NoError(t, acc.Step(ctx, key, "Running tests"))

	require.Len(t, fake.posts, 1)
	assert.True(t, strings.HasPrefix(fake.posts[0], "> fix the login redirect loop"),
		"card should open with the quoted prompt, got %q", fake.posts[0])
	assert.Contains(t, fake.posts[0], "Running tests")
}

func TestCardTruncatesLongPrompt(t *testing.T) {
	fake := &recordingNotifier{}
	acc := New(fake, testConfig(), zap.NewNop())
	key := testKey()
	key.Prompt = strings.Repeat("x", 500)

	require.NoError(t, acc.Step(context.Background(), key, "step"))
	require.Len(t, fake.posts, 1)
	assert.Contains(t, fake.posts[0], "…")
	assert.NotContains(t, fake.posts[0], strings.Repeat("x", 300))
}

func TestDeltasAreThrottled(t *testing.T) {
	fake := &recordingNotifier{}
	acc := New(fake, testConfig(), zap.NewNop())
	key := testKey()
	ctx := context.Background()

	// Two deltas: below the threshold of 3, nothing rendered yet.
	require.NoError(t, acc.Delta(ctx, key, "line 1\n"))
	require.NoError(t, acc.Delta(ctx, key, "line 2\n"))
	assert.Empty(t, fake.posts)

	// Third delta trips the threshold and posts the anchor.
	require.NoError(t, acc.Delta(ctx, key, "line 3\n"))
	require.Len(t, fake.posts, 1)
	assert.Contains(t, fake.posts[0], "line 1")
	assert.Contains(t, fake.posts[0], "line 3")

	// Counter reset: the next delta buffers again.
	require.NoError(t, acc.Delta(ctx, key, "line 4\n"))
	assert.Empty(t, fake.edits)
}

func TestFinalizeFlushesAndReturnsAnchor(t *testing.T) {
	fake := &recordingNotifier{}
	acc := New(fake, testConfig(), zap.NewNop())
	key := testKey()
	ctx := context.Background()

	require.NoError(t, acc.Delta(ctx, key, "partial output"))

	anchor, err := acc.Finalize(ctx, key.TaskID, "Done")
	require.NoError(t, err)
	assert.Equal(t, "ts-1", anchor)
	require.Len(t, fake.posts, 1)
	assert.Contains(t, fake.posts[0], "partial output")
	assert.Contains(t, fake.posts[0], "Done")

	// Tracker is gone: finalizing again is a no-op.
	anchor, err = acc.Finalize(ctx, key.TaskID, "Done")
	require.NoError(t, err)
	assert.Empty(t, anchor)
}

func TestTailLimitKeepsNewestOutput(t *testing.T) {
	fake := &recordingNotifier{}
	cfg := testConfig()
	cfg.TailLimit = 10
	acc := New(fake, cfg, zap.NewNop())
	key := testKey()

	require.NoError(t, acc.Delta(context.Background(), key, strings.Repeat("a", 20)+"NEWEST"))
	_, err := acc.Finalize(context.Background(), key.TaskID, "")
	require.NoError(t, err)

	require.Len(t, fake.posts, 1)
	assert.Contains(t, fake.posts[0], "NEWEST")
	assert.NotContains(t, fake.posts[0], strings.Repeat("a", 15))
}

func TestStepListIsCapped(t *testing.T) {
	fake := &recordingNotifier{}
	acc := New(fake, testConfig(), zap.NewNop())
	key := testKey()
	ctx := context.Background()

	for i := 1; i <= 7; i++ {
		require.NoError(t, acc.Step(ctx, key, fmt.Sprintf("step %d", i)))
	}

	last := fake.edits[len(fake.edits)-1]
	assert.NotContains(t, last, "step 1")
	assert.NotContains(t, last, "step 2")
	assert.Contains(t, last, "step 3")
	assert.Contains(t, last, "step 7")
}

func TestDiscardDropsTrackerSilently(t *testing.T) {
	fake := &recordingNotifier{}
	acc := New(fake, testConfig(), zap.NewNop())
	key := testKey()

	require.NoError(t, acc.Delta(context.Background(), key, "buffered"))
	acc.Discard(key.TaskID)

	anchor, err := acc.Finalize(context.Background(), key.TaskID, "ignored")
	require.NoError(t, err)
	assert.Empty(t, anchor)
	assert.Empty(t, fake.posts)
}

func TestIndependentTasksDoNotInterfere(t *testing.T) {
	fake := &recordingNotifier{}
	acc := New(fake, testConfig(), zap.NewNop())
	ctx := context.Background()

	a := testKey()
	b := testKey()
	require.NoError(t, acc.Step(ctx, a, "task A step"))
	require.NoError(t, acc.Step(ctx, b, "task B step"))

	require.Len(t, fake.posts, 2)
	assert.Contains(t, fake.posts[0], "task A step")
	assert.NotContains(t, fake.posts[0], "task B step")
	assert.Contains(t, fake.posts[1], "task B step")
}
