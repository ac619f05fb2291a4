package service

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/Strob0t/AdFactory/internal/domain/batch"
	"github.com/Strob0t/AdFactory/internal/port/notifier"
)

// NotificationService fans batch outcomes out to chat notifiers.
type NotificationService struct {
	notifiers     []notifier.Notifier
	enabledEvents map[string]bool
}

// NewNotificationService creates a NotificationService. An empty
// enabledEvents enables every event.
func NewNotificationService(notifiers []notifier.Notifier, enabledEvents []string) *NotificationService {
	enabled := make(map[string]bool, len(enabledEvents))
	for _, e := range enabledEvents {
		enabled[e] = true
	}
	return &NotificationService{notifiers: notifiers, enabledEvents: enabled}
}

// Notify sends n to every notifier. A failing notifier is logged and does
// not stop delivery to the others.
func (s *NotificationService) Notify(ctx context.Context, n notifier.Notification) {
	if s == nil || (len(s.enabledEvents) > 0 && !s.enabledEvents[n.Event]) {
		return
	}
	for _, provider := range s.notifiers {
		if err := provider.Send(ctx, n); err != nil {
			slog.Warn("notification send failed", "provider", provider.Name(), "event", n.Event, "error", err)
			continue
		}
		slog.Debug("notification sent", "provider", provider.Name(), "event", n.Event)
	}
}

// NotifierCount returns the number of configured notifiers.
func (s *NotificationService) NotifierCount() int {
	if s == nil {
		return 0
	}
	return len(s.notifiers)
}

// batchNotification describes a finished batch.
func batchNotification(b *batch.Batch, sum batch.Summary) notifier.Notification {
	n := notifier.Notification{
		Title:   b.DisplayName + " finished",
		Message: fmt.Sprintf("%d of %d %s tasks completed.", sum.CompletedCount, sum.Total, b.Shared.Kind),
		Level:   notifier.LevelSuccess,
		Event:   notifier.EventBatchFinished,
		Fields: []notifier.Field{
			{Label: "Batch", Value: b.ID},
			{Label: "Workspace", Value: b.WorkspaceID},
			{Label: "Failed", Value: strconv.Itoa(sum.FailedCount)},
		},
	}
	switch {
	case sum.CompletedCount == 0:
		n.Title = b.DisplayName + " failed"
		n.Level = notifier.LevelError
		n.Event = notifier.EventBatchFailed
	case sum.FailedCount > 0:
		n.Level = notifier.LevelWarning
	}
	if b.CreatedBy != "" {
		n.Fields = append(n.Fields, notifier.Field{Label: "Created by", Value: b.CreatedBy})
	}
	return n
}
