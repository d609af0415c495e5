// Package chat abstracts the chat platform the server reports into.
// It is the single component through which task status reaches users:
// posting and editing messages, flipping status reactions, and uploading
// result files. No other package should talk to the chat API directly.
package chat

import "context"

// Status reactions attached to the user's original message. Exactly one is
// present at a time; SwapReaction performs the transition.
const (
	ReactionQueued     = "inbox_tray"
	ReactionInProgress = "hourglass_flowing_sand"
	ReactionSuccess    = "white_check_mark"
	ReactionFailure    = "x"
	ReactionCancelled  = "no_entry_sign"
)

// Notifier is the chat platform adapter. Implementations map these calls
// onto the platform's HTTP API; tests supply fakes.
//
// All methods classify failures as *Error so callers can distinguish
// rate limiting from permanent rejection.
type Notifier interface {
	// PostMessage posts text into a channel, threaded under threadTS when
	// non-empty, and returns the timestamp identifying the new message.
	PostMessage(ctx context.Context, channelID, threadTS, text string) (string, error)

	// UpdateMessage edits an existing message in place.
	UpdateMessage(ctx context.Context, channelID, ts, text string) error

	// AddReaction attaches an emoji reaction to a message.
	AddReaction(ctx context.Context, channelID, ts, emoji string) error

	// RemoveReaction detaches an emoji reaction from a message.
	RemoveReaction(ctx context.Context, channelID, ts, emoji string) error

	// UploadFile shares a local file into the thread with a caption.
	UploadFile(ctx context.Context, channelID, threadTS, path, caption string) error
}

// SwapReaction moves the status reaction on a message from old to new.
// Removal failures are tolerated: the reaction may already be gone (user
// removed it, or a previous swap half-completed) and the add is what matters.
func SwapReaction(ctx context.Context, n Notifier, channelID, ts, old, new string) error {
	if old != "" {
		_ = n.RemoveReaction(ctx, channelID, ts, old)
	}
	return n.AddReaction(ctx, channelID, ts, new)
}
