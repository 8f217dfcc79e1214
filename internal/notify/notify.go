package notify

import "fmt"

// NotificationType represents the type of notification
type NotificationType int

const (
	NotifyInfo NotificationType = iota
	NotifySuccess
	NotifyWarning
	NotifyError
)

// Notification represents a notification to be sent
type Notification struct {
	Title     string
	Message   string
	Type      NotificationType
	RunID     string // Optional run reference
	ModelName string // Optional model reference
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(n Notification) error
}

// MultiNotifier sends to multiple notifiers
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to all provided notifiers
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send sends the notification to all notifiers
func (m *MultiNotifier) Send(n Notification) error {
	var lastErr error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(n); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// NoopNotifier does nothing (for testing or disabled notifications)
type NoopNotifier struct{}

func (NoopNotifier) Send(n Notification) error { return nil }

// RunCompleted builds the notification for a successful run.
func RunCompleted(runID, modelName string) Notification {
	return Notification{
		Title:     "Training complete",
		Message:   fmt.Sprintf("Model %s is ready", modelName),
		Type:      NotifySuccess,
		RunID:     runID,
		ModelName: modelName,
	}
}

// RunFailed builds the notification for a failed run.
func RunFailed(runID, reason string) Notification {
	msg := "Training run failed"
	if reason != "" {
		msg = reason
	}
	return Notification{
		Title:   "Training failed",
		Message: msg,
		Type:    NotifyError,
		RunID:   runID,
	}
}

// RunStopped builds the notification for a run stopped by the user.
func RunStopped(runID string) Notification {
	return Notification{
		Title:   "Training stopped",
		Message: "Run was stopped before completion",
		Type:    NotifyWarning,
		RunID:   runID,
	}
}
