package chat

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// LogNotifier is a Notifier that writes every call to the log instead of a
// chat platform. It is the default in development and in deployments that
// run without a chat integration; a real platform adapter replaces it at
// wiring time.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.Named("chat")}
}

// ts fabricates a message timestamp id in the platform's seconds.micros
// shape so downstream edit calls remain well-formed.
func ts() string {
	now := time.Now().UTC()
	return fmt.Sprintf("%d.%06d", now.Unix(), now.Nanosecond()/1000)
}

func (n *LogNotifier) PostMessage(_ context.Context, channelID, threadTS, text string) (string, error) {
	id := ts()
	n.logger.Info("post message",
		zap.String("channel", channelID),
		zap.String("thread_ts", threadTS),
		zap.String("ts", id),
		zap.String("text", text),
	)
	return id, nil
}

func (n *LogNotifier) UpdateMessage(_ context.Context, channelID, msgTS, text string) error {
	n.logger.Info("update message",
		zap.String("channel", channelID),
		zap.String("ts", msgTS),
		zap.String("text", text),
	)
	return nil
}

func (n *LogNotifier) AddReaction(_ context.Context, channelID, msgTS, emoji string) error {
	n.logger.Info("add reaction",
		zap.String("channel", channelID),
		zap.String("ts", msgTS),
		zap.String("emoji", emoji),
	)
	return nil
}

func (n *LogNotifier) RemoveReaction(_ context.Context, channelID, msgTS, emoji string) error {
	n.logger.Info("remove reaction",
		zap.String("channel", channelID),
		zap.String("ts", msgTS),
		zap.String("emoji", emoji),
	)
	return nil
}

func (n *LogNotifier) UploadFile(_ context.Context, channelID, threadTS, path, caption string) error {
	n.logger.Info("upload file",
		zap.String("channel", channelID),
		zap.String("thread_ts", threadTS),
		zap.String("path", path),
		zap.String("caption", caption),
	)
	return nil
}
