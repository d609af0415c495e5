package chat

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RetrierConfig tunes the retrying notifier wrapper.
type RetrierConfig struct {
	// Window and MaxRequests bound the outbound call rate: at most
	// MaxRequests calls per Window, enforced before every attempt.
	Window      time.Duration
	MaxRequests int

	// MaxAttempts caps attempts per call, first try included.
	MaxAttempts int

	// BaseDelay is the first backoff step; each further transient retry
	// doubles it.
	BaseDelay time.Duration
}

// DefaultRetrierConfig matches the chat platform's published limits closely
// enough to stay under them with headroom.
func DefaultRetrierConfig() RetrierConfig {
	return RetrierConfig{
		Window:      time.Minute,
		MaxRequests: 50,
		MaxAttempts: 4,
		BaseDelay:   500 * time.Millisecond,
	}
}

// Retrier wraps a Notifier with rate limiting and class-aware retries.
// Transient failures back off exponentially, rate-limit failures honour the
// platform's retry-after, permanent failures return immediately. Calls that
// exhaust their attempts are recorded in the failed buffer for inspection.
type Retrier struct {
	next    Notifier
	limiter *rate.Limiter
	cfg     RetrierConfig
	failed  *FailedBuffer
	logger  *zap.Logger
}

// NewRetrier wraps next. buffer may be shared with an API handler that
// exposes recent delivery failures.
func NewRetrier(next Notifier, cfg RetrierConfig, buffer *FailedBuffer, logger *zap.Logger) *Retrier {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	interval := rate.Every(cfg.Window / time.Duration(cfg.MaxRequests))
	return &Retrier{
		next:    next,
		limiter: rate.NewLimiter(interval, cfg.MaxRequests),
		cfg:     cfg,
		failed:  buffer,
		logger:  logger.Named("chat"),
	}
}

// do runs one notifier call through the limiter and retry loop.
func (r *Retrier) do(ctx context.Context, op, channelID string, call func() error) error {
	var err error
	delay := r.cfg.BaseDelay

	for attempt := 0; attempt < r.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			wait := delay
			if ra := retryAfter(err); ra > 0 {
				wait = ra
			} else {
				delay *= 2
			}
			r.logger.Warn("retrying chat call",
				zap.String("op", op),
				zap.String("channel_id", channelID),
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
				zap.Error(err),
			)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if lerr := r.limiter.Wait(ctx); lerr != nil {
			return lerr
		}

		err = call()
		if err == nil {
			return nil
		}
		if Classify(err) == Permanent {
			break
		}
	}

	r.logger.Error("chat call gave up",
		zap.String("op", op),
		zap.String("channel_id", channelID),
		zap.Error(err),
	)
	if r.failed != nil {
		r.failed.Record(op, channelID, err)
	}
	return err
}

func (r *Retrier) PostMessage(ctx context.Context, channelID, threadTS, text string) (string, error) {
	var ts string
	err := r.do(ctx, "postMessage", channelID, func() error {
		var cerr error
		ts, cerr = r.next.PostMessage(ctx, channelID, threadTS, text)
		return cerr
	})
	return ts, err
}

func (r *Retrier) UpdateMessage(ctx context.Context, channelID, ts, text string) error {
	return r.do(ctx, "updateMessage", channelID, func() error {
		return r.next.UpdateMessage(ctx, channelID, ts, text)
	})
}

func (r *Retrier) AddReaction(ctx context.Context, channelID, ts, emoji string) error {
	return r.do(ctx, "addReaction", channelID, func() error {
		return r.next.AddReaction(ctx, channelID, ts, emoji)
	})
}

func (r *Retrier) RemoveReaction(ctx context.Context, channelID, ts, emoji string) error {
	return r.do(ctx, "removeReaction", channelID, func() error {
		return r.next.RemoveReaction(ctx, channelID, ts, emoji)
	})
}

func (r *Retrier) UploadFile(ctx context.Context, channelID, threadTS, path, caption string) error {
	return r.do(ctx, "uploadFile", channelID, func() error {
		return r.next.UploadFile(ctx, channelID, threadTS, path, caption)
	})
}
