package migration

import "context"

// AutoLockChannelID is the notification channel that older releases used to
// announce the auto-lock timer.
const AutoLockChannelID = "auto_lock"

// Notifier manages system notification channels.
type Notifier interface {
	DeleteChannel(ctx context.Context, channelID string) error
}

// DeleteNotificationChannel removes the obsolete auto-lock channel. The call
// is best effort: a failure is logged and never fails the migration.
type DeleteNotificationChannel struct {
	transition
	notifier Notifier
}

// NewDeleteNotificationChannel returns the 1->2 step. A nil notifier makes
// the step a no-op.
func NewDeleteNotificationChannel(n Notifier) *DeleteNotificationChannel {
	return &DeleteNotificationChannel{transition: transition{from: 1}, notifier: n}
}

func (s *DeleteNotificationChannel) Name() string        { return "delete_notification_channel" }
func (s *DeleteNotificationChannel) ReentrantSafe() bool { return true }

func (s *DeleteNotificationChannel) Execute(ctx context.Context, mc *Context) error {
	if s.notifier == nil {
		return nil
	}
	if err := s.notifier.DeleteChannel(ctx, AutoLockChannelID); err != nil {
		mc.Logger.Warn("failed to delete notification channel", "safe_id", mc.SafeID, "channel", AutoLockChannelID, "err", err)
	}
	return nil
}
