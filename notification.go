package jetsync

import "context"

// NotificationService defines an optional interface for surfacing
// reliability events (publish give-ups, dead-lettered messages) to
// alerting systems.
type NotificationService interface {
	// NotifyPublishFailed is called when a dispatch exhausts its retries.
	NotifyPublishFailed(ctx context.Context, eventID, subjectName string, err error) error

	// NotifyDeadLettered is called when a message is routed to the
	// dead-letter subject.
	NotifyDeadLettered(ctx context.Context, eventID, subjectName, reason string) error
}

// NoOpNotificationService is a no-op implementation of NotificationService.
// Use this when notifications are not needed.
type NoOpNotificationService struct{}

// NotifyPublishFailed does nothing.
func (n *NoOpNotificationService) NotifyPublishFailed(_ context.Context, _, _ string, _ error) error {
	return nil
}

// NotifyDeadLettered does nothing.
func (n *NoOpNotificationService) NotifyDeadLettered(_ context.Context, _, _, _ string) error {
	return nil
}

// LoggingNotificationService logs reliability events through the
// configured Logger. Useful as a default until a real alerting
// integration exists.
type LoggingNotificationService struct {
	logger Logger
}

// NewLoggingNotificationService creates a notification service that logs
// all events.
func NewLoggingNotificationService(logger Logger) *LoggingNotificationService {
	return &LoggingNotificationService{logger: logger}
}

// NotifyPublishFailed logs the dispatch give-up.
func (n *LoggingNotificationService) NotifyPublishFailed(_ context.Context, eventID, subjectName string, err error) error {
	n.logger.Errorf("Publish gave up for event %s on subject %s: %v", eventID, subjectName, err)
	return nil
}

// NotifyDeadLettered logs the dead-letter routing.
func (n *LoggingNotificationService) NotifyDeadLettered(_ context.Context, eventID, subjectName, reason string) error {
	n.logger.Warnf("Dead-lettered event %s from subject %s: %s", eventID, subjectName, reason)
	return nil
}
