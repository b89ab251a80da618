// README: Notification sink that writes deliveries to the structured log.
package notify

import (
	"context"
	"log/slog"
)

type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Notify(ctx context.Context, n Notification) error {
	l.logger.InfoContext(ctx, "notification",
		"user_id", n.UserID,
		"kind", string(n.Kind),
		"match_id", n.MatchID,
		"text", n.Text,
		"actions", len(n.Actions),
	)
	return nil
}
