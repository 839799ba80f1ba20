package notify

import (
	"context"

	"github.com/rs/zerolog"
)

// LogNotifier writes notifications to the structured log. It is the
// default channel when no external sink is configured.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notify").Logger()}
}

// Send writes the notification to the log.
func (n *LogNotifier) Send(_ context.Context, msg Notification) error {
	event := n.logger.Info()
	if msg.Type == NotificationError {
		event = n.logger.Error()
	}
	event.Str("type", string(msg.Type)).Str("title", msg.Title)
	for k, v := range msg.Data {
		event = event.Interface(k, v)
	}
	event.Msg(msg.Message)
	return nil
}

// MultiNotifier fans a notification out to several channels, returning
// the first error after attempting all of them.
type MultiNotifier struct {
	channels []Notifier
}

// NewMultiNotifier creates a notifier over the given channels.
func NewMultiNotifier(channels ...Notifier) *MultiNotifier {
	return &MultiNotifier{channels: channels}
}

// Send delivers to every channel.
func (m *MultiNotifier) Send(ctx context.Context, msg Notification) error {
	var firstErr error
	for _, ch := range m.channels {
		if err := ch.Send(ctx, msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
