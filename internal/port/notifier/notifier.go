// Package notifier defines the port for pushing batch outcomes to chat
// channels.
package notifier

import (
	"context"
	"errors"
)

// ErrNotConfigured is returned when a notifier has no destination.
var ErrNotConfigured = errors.New("notifier: not configured")

// Level is the severity of a notification.
type Level string

const (
	LevelSuccess Level = "success" // every task completed
	LevelWarning Level = "warning" // some tasks failed
	LevelError   Level = "error"   // no task completed
)

// Event names a notification source; operators filter on it.
const (
	EventBatchFinished = "batch.finished"
	EventBatchFailed   = "batch.failed"
)

// Field is one labelled value rendered beside the message.
type Field struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Notification is the payload sent through a Notifier.
type Notification struct {
	Title   string  `json:"title"`
	Message string  `json:"message"`
	Level   Level   `json:"level"`
	Event   string  `json:"event"`
	Fields  []Field `json:"fields,omitempty"`
}

// Notifier delivers notifications to one channel.
type Notifier interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}
