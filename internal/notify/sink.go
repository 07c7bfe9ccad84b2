package notify

//go:generate mockgen -source=sink.go -destination=mock_sink_test.go -package=notify

import (
	"context"
	"log/slog"

	"github.com/alexjbarnes/campus-sync/internal/models"
)

// PushSink hands a notification to a push provider for one device token.
// channel is one of models.ChannelFCM, ChannelAPNs or ChannelWebPush.
type PushSink interface {
	Deliver(ctx context.Context, channel, token string, platform models.Platform, n *models.Notification) error
}

// LogSink is a PushSink that only logs. It is used when no provider
// credentials are configured.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Deliver implements PushSink.
func (s *LogSink) Deliver(ctx context.Context, channel, token string, platform models.Platform, n *models.Notification) error {
	s.logger.Info("push notification",
		slog.String("notification_id", n.NotificationID),
		slog.String("user_id", n.UserID),
		slog.String("channel", channel),
		slog.String("platform", string(platform)),
		slog.String("title", n.Title),
	)

	return nil
}
