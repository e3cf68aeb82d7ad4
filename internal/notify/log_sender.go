package notify

import (
	"context"
	"log/slog"
)

// LogSender writes messages to the logger instead of delivering them. It is
// the development backend; bodies contain secrets and are logged at debug.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, msg Message) error {
	s.logger.InfoContext(ctx, "mail sent",
		"kind", msg.Kind,
		"from", msg.From,
		"to", msg.To,
		"subject", msg.Subject,
		"tenant_id", msg.TenantID,
	)
	s.logger.DebugContext(ctx, "mail body", "to", msg.To, "body", msg.Body)
	return nil
}
