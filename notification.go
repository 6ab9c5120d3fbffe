package resonance

import (
	"context"

	"github.com/coregx/resonance/model"
)

// NotificationService defines an optional interface for sending notifications
// about event bus activity (failures, dead letters, registry changes).
//
// Implementations might send emails, Slack messages, SMS, or log to monitoring systems.
// Notification errors are logged and never fail the operation that triggered them.
type NotificationService interface {
	// NotifyDeadLettered is called when an event used up its delivery budget or expired
	// and was dead-lettered for a subscription.
	NotifyDeadLettered(ctx context.Context, result model.AckResult, reason string) error

	// NotifyDeliveryFailure is called when a consumer reports a failed delivery.
	// This is informational and happens before the event is dead-lettered.
	NotifyDeliveryFailure(ctx context.Context, result model.AckResult, reason string) error

	// NotifySubscriptionCreated is called when a new subscription is created.
	NotifySubscriptionCreated(ctx context.Context, subscription model.Subscription) error

	// NotifyLinkDisabled is called when a topic link of a subscription is disabled.
	NotifyLinkDisabled(ctx context.Context, subscription model.Subscription, link model.TopicSubscription) error
}

// NoOpNotificationService is a no-op implementation of NotificationService.
// Use this when notifications are not needed.
type NoOpNotificationService struct{}

// NotifyDeadLettered does nothing.
func (n *NoOpNotificationService) NotifyDeadLettered(_ context.Context, _ model.AckResult, _ string) error {
	return nil
}

// NotifyDeliveryFailure does nothing.
func (n *NoOpNotificationService) NotifyDeliveryFailure(_ context.Context, _ model.AckResult, _ string) error {
	return nil
}

// NotifySubscriptionCreated does nothing.
func (n *NoOpNotificationService) NotifySubscriptionCreated(_ context.Context, _ model.Subscription) error {
	return nil
}

// NotifyLinkDisabled does nothing.
func (n *NoOpNotificationService) NotifyLinkDisabled(_ context.Context, _ model.Subscription, _ model.TopicSubscription) error {
	return nil
}

// LoggingNotificationService is a simple implementation that logs notifications.
type LoggingNotificationService struct {
	logger Logger
}

// NewLoggingNotificationService creates a new LoggingNotificationService.
func NewLoggingNotificationService(logger Logger) *LoggingNotificationService {
	return &LoggingNotificationService{logger: logger}
}

// NotifyDeadLettered logs the dead letter.
func (n *LoggingNotificationService) NotifyDeadLettered(_ context.Context, result model.AckResult, reason string) error {
	n.logger.Warnf("Event dead-lettered: event_id=%d, subscription_id=%d, deliveries=%d, reason=%s",
		result.EventID, result.SubscriptionID, result.DeliveryCount, reason)
	return nil
}

// NotifyDeliveryFailure logs the failed delivery.
func (n *LoggingNotificationService) NotifyDeliveryFailure(_ context.Context, result model.AckResult, reason string) error {
	n.logger.Warnf("Delivery failed: event_id=%d, subscription_id=%d, delivery=%d, reason=%s",
		result.EventID, result.SubscriptionID, result.DeliveryCount, reason)
	return nil
}

// NotifySubscriptionCreated logs subscription creation.
func (n *LoggingNotificationService) NotifySubscriptionCreated(_ context.Context, subscription model.Subscription) error {
	n.logger.Infof("Subscription created: id=%d, name=%s, ordered=%t, topics=%d",
		subscription.ID, subscription.Name, subscription.Ordered, len(subscription.TopicSubscriptions))
	return nil
}

// NotifyLinkDisabled logs the disabled link.
func (n *LoggingNotificationService) NotifyLinkDisabled(_ context.Context, subscription model.Subscription, link model.TopicSubscription) error {
	n.logger.Infof("Topic link disabled: subscription=%s, topic_id=%d", subscription.Name, link.TopicID)
	return nil
}
