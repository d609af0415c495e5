package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// scriptedNotifier fails a configured number of times before succeeding.
type scriptedNotifier struct {
	mu        sync.Mutex
	failures  []error // consumed one per call across all methods
	calls     int
	reactions []string
}

func (s *scriptedNotifier) nextErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.failures) == 0 {
		return nil
	}
	err := s.failures[0]
	s.failures = s.failures[1:]
	return err
}

func (s *scriptedNotifier) PostMessage(context.Context, string, string, string) (string, error) {
	if err := s.nextErr(); err != nil {
		return "", err
	}
	return "1724500000.000100", nil
}

func (s *scriptedNotifier) UpdateMessage(context.Context, string, string, string) error {
	return s.nextErr()
}

func (s *scriptedNotifier) AddReaction(_ context.Context, _ string, _ string, emoji string) error {
	if err := s.nextErr(); err != nil {
		return err
	}
	s.mu.Lock()
	s.reactions = append(s.reactions, "+"+emoji)
	s.mu.Unlock()
	return nil
}

func (s *scriptedNotifier) RemoveReaction(_ context.Context, _ string, _ string, emoji string) error {
	if err := s.nextErr(); err != nil {
		return err
	}
	s.mu.Lock()
	s.reactions = append(s.reactions, "-"+emoji)
	s.mu.Unlock()
	return nil
}

func (s *scriptedNotifier) UploadFile(context.Context, string, string, string, string) error {
	return s.nextErr()
}

func fastRetrier(next Notifier, buffer *FailedBuffer) *Retrier {
	return NewRetrier(next, RetrierConfig{
		Window:      time.Second,
		MaxRequests: 1000,
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
	}, buffer, zap.NewNop())
}

func TestRetrierRecoversFromTransientFailure(t *testing.T) {
	fake := &scriptedNotifier{failures: []error{
		&Error{Class: Transient, Op: "postMessage", Err: errors.New("gateway timeout")},
	}}
	r := fastRetrier(fake, nil)

	ts, err := r.PostMessage(context.Background(), "C1", "", "hello")
	require.NoError(t, err)
	assert.NotEmpty(t, ts)
	assert.Equal(t, 2, fake.calls)
}

func TestRetrierHonoursRetryAfter(t *testing.T) {
	retryAfter := 20 * time.Millisecond
	fake := &scriptedNotifier{failures: []error{
		&Error{Class: RateLimited, Op: "postMessage", RetryAfter: retryAfter, Err: errors.New("429")},
	}}
	r := fastRetrier(fake, nil)

	start := time.Now()
	_, err := r.PostMessage(context.Background(), "C1", "", "hello")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), retryAfter)
}

func TestRetrierStopsOnPermanentFailure(t *testing.T) {
	buffer := NewFailedBuffer(8)
	fake := &scriptedNotifier{failures: []error{
		&Error{Class: Permanent, Op: "postMessage", Err: errors.New("channel_not_found")},
	}}
	r := fastRetrier(fake, buffer)

	_, err := r.PostMessage(context.Background(), "C1", "", "hello")
	require.Error(t, err)
	assert.Equal(t, Permanent, Classify(err))
	assert.Equal(t, 1, fake.calls)

	failed := buffer.Recent()
	require.Len(t, failed, 1)
	assert.Equal(t, "postMessage", failed[0].Op)
	assert.Equal(t, "C1", failed[0].ChannelID)
}

func TestRetrierExhaustsAttempts(t *testing.T) {
	buffer := NewFailedBuffer(8)
	fake := &scriptedNotifier{failures: []error{
		&Error{Class: Transient, Op: "updateMessage", Err: errors.New("503")},
		&Error{Class: Transient, Op: "updateMessage", Err: errors.New("503")},
		&Error{Class: Transient, Op: "updateMessage", Err: errors.New("503")},
	}}
	r := fastRetrier(fake, buffer)

	err := r.UpdateMessage(context.Background(), "C1", "ts", "edit")
	require.Error(t, err)
	assert.Equal(t, 3, fake.calls)
	assert.Len(t, buffer.Recent(), 1)
}

func TestClassifyDefaultsToTransient(t *testing.T) {
	assert.Equal(t, Transient, Classify(errors.New("connection reset")))
}

func TestSwapReactionToleratesRemoveFailure(t *testing.T) {
	fake := &scriptedNotifier{failures: []error{
		&Error{Class: Permanent, Op: "removeReaction", Err: errors.New("no_reaction")},
	}}

	err := SwapReaction(context.Background(), fake, "C1", "ts", ReactionQueued, ReactionInProgress)
	require.NoError(t, err)
	assert.Equal(t, []string{"+" + ReactionInProgress}, fake.reactions)
}

func TestFailedBufferWrapsAround(t *testing.T) {
	buffer := NewFailedBuffer(3)
	for i := 0; i < 5; i++ {
		buffer.Record("postMessage", "C1", fmt.Errorf("err-%d", i))
	}

	recent := buffer.Recent()
	require.Len(t, recent, 3)
	assert.Equal(t, "err-2", recent[0].Error)
	assert.Equal(t, "err-4", recent[2].Error)
}
