package notify

import (
	"context"
	"log/slog"
)

// LogSender writes alerts to the structured log. It stands in when no chat
// channel is configured.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a log-backed sender
func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

// Send logs the alert at info level, or error for error and fatal events
func (l *LogSender) Send(_ context.Context, event, message string) error {
	switch event {
	case "error", "fatal":
		l.logger.Error("[NOTIFY] "+message, "event", event)
	default:
		l.logger.Info("[NOTIFY] "+message, "event", event)
	}
	return nil
}

// Name returns the sender identifier
func (l *LogSender) Name() string {
	return "log"
}
