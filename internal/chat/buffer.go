package chat

import (
	"sync"
	"time"
)

// FailedNotification is one chat call that exhausted its retries.
type FailedNotification struct {
	Op        string    `json:"op"`
	ChannelID string    `json:"channelId"`
	Error     string    `json:"error"`
	At        time.Time `json:"at"`
}

// FailedBuffer is a fixed-size ring of recent delivery failures. Losing a
// notification is acceptable, losing it silently is not — the buffer is
// exposed through the operations API so operators can see what never reached
// the channel.
type FailedBuffer struct {
	mu      sync.Mutex
	entries []FailedNotification
	next    int
	full    bool
}

// NewFailedBuffer creates a ring holding the most recent size failures.
func NewFailedBuffer(size int) *FailedBuffer {
	if size < 1 {
		size = 1
	}
	return &FailedBuffer{entries: make([]FailedNotification, size)}
}

// Record appends a failure, overwriting the oldest entry when full.
func (b *FailedBuffer) Record(op, channelID string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.next] = FailedNotification{
		Op:        op,
		ChannelID: channelID,
		Error:     err.Error(),
		At:        time.Now().UTC(),
	}
	b.next++
	if b.next == len(b.entries) {
		b.next = 0
		b.full = true
	}
}

// Recent returns the buffered failures, oldest first.
func (b *FailedBuffer) Recent() []FailedNotification {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.full {
		out := make([]FailedNotification, b.next)
		copy(out, b.entries[:b.next])
		return out
	}
	out := make([]FailedNotification, 0, len(b.entries))
	out = append(out, b.entries[b.next:]...)
	out = append(out, b.entries[:b.next]...)
	return out
}
