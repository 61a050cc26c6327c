package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	// ChatSubjectPrefix prefixes the subject a chat bridge subscribes to
	ChatSubjectPrefix = "notify.chat."

	flushTimeout = 5 * time.Second
)

// ChatSender posts a message to a chat channel
type ChatSender interface {
	SendChat(ctx context.Context, channel, message string) error
}

// ChatMessage is the payload published for the chat bridge
type ChatMessage struct {
	Channel string    `json:"channel"`
	Message string    `json:"message"`
	SentAt  time.Time `json:"sent_at"`
}

// NATSChatSender publishes chat messages on NATS for a chat bridge to relay
type NATSChatSender struct {
	logger *zap.Logger
	nc     *nats.Conn
}

// NewNATSChatSender creates a new NATS chat sender
func NewNATSChatSender(logger *zap.Logger, nc *nats.Conn) *NATSChatSender {
	return &NATSChatSender{
		logger: logger.Named("chat"),
		nc:     nc,
	}
}

// SendChat implements ChatSender. The publish is flushed so a dead connection surfaces as an error.
func (s *NATSChatSender) SendChat(ctx context.Context, channel, message string) error {
	data, err := json.Marshal(ChatMessage{
		Channel: channel,
		Message: message,
		SentAt:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal chat message: %w", err)
	}

	if err := s.nc.Publish(ChatSubjectPrefix+channel, data); err != nil {
		return fmt.Errorf("failed to publish chat message: %w", err)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, flushTimeout)
		defer cancel()
	}
	if err := s.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("failed to flush chat message: %w", err)
	}

	s.logger.Debug("Chat message published", zap.String("channel", channel))
	return nil
}

// LogChatSender only logs chat messages; used when NATS is disabled
type LogChatSender struct {
	logger *zap.Logger
}

// NewLogChatSender creates a new log-only chat sender
func NewLogChatSender(logger *zap.Logger) *LogChatSender {
	return &LogChatSender{logger: logger.Named("chat")}
}

// SendChat implements ChatSender
func (s *LogChatSender) SendChat(_ context.Context, channel, message string) error {
	s.logger.Info("Chat notification", zap.String("channel", channel), zap.String("message", message))
	return nil
}
