package resonance

import (
	"context"
	"fmt"

	"github.com/coregx/resonance/model"
)

// Registry manages topics, subscriptions and the topic links between them.
//
// Links are edited as part of their subscription: AddOrUpdateSubscription replaces the
// whole link set with the one supplied. Changing links never touches existing delivery
// state; it only changes what future claims can see.
type Registry struct {
	topicRepo        TopicRepository
	subscriptionRepo SubscriptionRepository
	logger           Logger
	notifications    NotificationService
	clock            Clock
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry) error

// NewRegistry creates a new Registry with the provided options.
//
// Required options:
//   - WithRegistryRepositories: topic and subscription repositories
//
// Example:
//
//	registry, err := resonance.NewRegistry(
//	    resonance.WithRegistryRepositories(store, store),
//	    resonance.WithRegistryLogger(logger),
//	)
func NewRegistry(opts ...RegistryOption) (*Registry, error) {
	r := &Registry{
		logger:        &NoopLogger{},
		notifications: &NoOpNotificationService{},
		clock:         SystemClock,
	}

	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, NewErrorWithCause(ErrCodeConfiguration, "failed to apply registry option", err)
		}
	}

	if r.topicRepo == nil {
		return nil, NewError(ErrCodeConfiguration, "TopicRepository is required (use WithRegistryRepositories)")
	}
	if r.subscriptionRepo == nil {
		return nil, NewError(ErrCodeConfiguration, "SubscriptionRepository is required (use WithRegistryRepositories)")
	}

	return r, nil
}

// WithRegistryRepositories sets the required repository dependencies.
func WithRegistryRepositories(topicRepo TopicRepository, subscriptionRepo SubscriptionRepository) RegistryOption {
	return func(r *Registry) error {
		if topicRepo == nil {
			return fmt.Errorf("topicRepo cannot be nil")
		}
		if subscriptionRepo == nil {
			return fmt.Errorf("subscriptionRepo cannot be nil")
		}
		r.topicRepo = topicRepo
		r.subscriptionRepo = subscriptionRepo
		return nil
	}
}

// WithRegistryLogger sets the logger instance.
func WithRegistryLogger(logger Logger) RegistryOption {
	return func(r *Registry) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		r.logger = logger
		return nil
	}
}

// WithRegistryNotifications sets the notification service told about subscription changes.
func WithRegistryNotifications(service NotificationService) RegistryOption {
	return func(r *Registry) error {
		if service == nil {
			return fmt.Errorf("notification service cannot be nil")
		}
		r.notifications = service
		return nil
	}
}

// WithRegistryClock overrides the clock used for created/updated timestamps.
func WithRegistryClock(clock Clock) RegistryOption {
	return func(r *Registry) error {
		if clock == nil {
			return fmt.Errorf("clock cannot be nil")
		}
		r.clock = clock
		return nil
	}
}

// ──────────────────────────────────────────────────
// Topics
// ──────────────────────────────────────────────────

// AddOrUpdateTopic creates the topic when its ID is 0 and renames/re-annotates it otherwise.
// Names are unique ignoring case; a clash fails with CONFLICT.
func (r *Registry) AddOrUpdateTopic(ctx context.Context, topic model.Topic) (model.Topic, error) {
	if err := topic.Validate(); err != nil {
		return model.Topic{}, invalidArgument("invalid topic", err)
	}

	now := r.clock()
	if topic.ID == 0 {
		topic.CreatedAt = now
	}
	topic.UpdatedAt = now

	saved, err := r.topicRepo.SaveTopic(ctx, &topic)
	if err != nil {
		return model.Topic{}, wrapStoreError(err, fmt.Sprintf("failed to save topic %s", topic.Name))
	}

	r.logger.Infof("Topic saved: id=%d, name=%s", saved.ID, saved.Name)
	return *saved, nil
}

// GetTopic retrieves a topic by ID.
func (r *Registry) GetTopic(ctx context.Context, id int64) (model.Topic, error) {
	if id <= 0 {
		return model.Topic{}, NewError(ErrCodeInvalidArgument, "topic ID is required")
	}
	topic, err := r.topicRepo.LoadTopic(ctx, id)
	if err != nil {
		return model.Topic{}, wrapStoreError(err, fmt.Sprintf("failed to load topic %d", id))
	}
	return topic, nil
}

// GetTopicByName retrieves a topic by name, ignoring case.
func (r *Registry) GetTopicByName(ctx context.Context, name string) (model.Topic, error) {
	topic, err := r.topicRepo.FindTopicByName(ctx, name)
	if err != nil {
		return model.Topic{}, wrapStoreError(err, fmt.Sprintf("failed to load topic %s", name))
	}
	return topic, nil
}

// GetTopics lists topics whose name contains partOfName. An empty partOfName lists all.
func (r *Registry) GetTopics(ctx context.Context, partOfName string) ([]model.Topic, error) {
	topics, err := r.topicRepo.FindTopics(ctx, partOfName)
	if err != nil {
		return nil, wrapStoreError(err, "failed to list topics")
	}
	return topics, nil
}

// DeleteTopic removes a topic. Unless cascade is set, a topic still referenced by events
// or subscription links is kept and the call fails with CONFLICT.
func (r *Registry) DeleteTopic(ctx context.Context, id int64, cascade bool) error {
	if err := r.topicRepo.DeleteTopic(ctx, id, cascade); err != nil {
		return wrapStoreError(err, fmt.Sprintf("failed to delete topic %d", id))
	}
	r.logger.Infof("Topic deleted: id=%d, cascade=%t", id, cascade)
	return nil
}

// ──────────────────────────────────────────────────
// Subscriptions
// ──────────────────────────────────────────────────

// AddOrUpdateSubscription creates or updates a subscription together with its topic links.
//
// Zero MaxDeliveries and VisibilityTimeout fall back to the model defaults. Every linked
// topic must exist (NOT_FOUND otherwise) and a topic may be linked only once.
func (r *Registry) AddOrUpdateSubscription(ctx context.Context, sub model.Subscription) (model.Subscription, error) {
	if sub.MaxDeliveries == 0 {
		sub.MaxDeliveries = model.DefaultMaxDeliveries
	}
	if sub.VisibilityTimeout == 0 {
		sub.VisibilityTimeout = model.DefaultVisibilityTimeout
	}
	if err := sub.Validate(); err != nil {
		return model.Subscription{}, invalidArgument("invalid subscription", err)
	}

	created := sub.ID == 0
	now := r.clock()
	if created {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now

	saved, err := r.subscriptionRepo.SaveSubscription(ctx, &sub)
	if err != nil {
		return model.Subscription{}, wrapStoreError(err, fmt.Sprintf("failed to save subscription %s", sub.Name))
	}

	r.logger.Infof("Subscription saved: id=%d, name=%s, ordered=%t, max_deliveries=%d, visibility_timeout=%s, links=%d",
		saved.ID, saved.Name, saved.Ordered, saved.MaxDeliveries, saved.VisibilityTimeout, len(saved.TopicSubscriptions))

	if created {
		if err := r.notifications.NotifySubscriptionCreated(ctx, *saved); err != nil {
			r.logger.Warnf("Failed to send subscription created notification: %v", err)
		}
	}
	return *saved, nil
}

// GetSubscription retrieves a subscription and its links by ID.
func (r *Registry) GetSubscription(ctx context.Context, id int64) (model.Subscription, error) {
	if id <= 0 {
		return model.Subscription{}, NewError(ErrCodeInvalidArgument, "subscription ID is required")
	}
	sub, err := r.subscriptionRepo.LoadSubscription(ctx, id)
	if err != nil {
		return model.Subscription{}, wrapStoreError(err, fmt.Sprintf("failed to load subscription %d", id))
	}
	return sub, nil
}

// GetSubscriptionByName retrieves a subscription and its links by name, ignoring case.
func (r *Registry) GetSubscriptionByName(ctx context.Context, name string) (model.Subscription, error) {
	sub, err := r.subscriptionRepo.FindSubscriptionByName(ctx, name)
	if err != nil {
		return model.Subscription{}, wrapStoreError(err, fmt.Sprintf("failed to load subscription %s", name))
	}
	return sub, nil
}

// GetSubscriptions lists subscriptions whose name contains partOfName.
func (r *Registry) GetSubscriptions(ctx context.Context, partOfName string) ([]model.Subscription, error) {
	subs, err := r.subscriptionRepo.FindSubscriptions(ctx, partOfName)
	if err != nil {
		return nil, wrapStoreError(err, "failed to list subscriptions")
	}
	return subs, nil
}

// DeleteSubscription removes a subscription with its links, delivery state and dead letters.
func (r *Registry) DeleteSubscription(ctx context.Context, id int64) error {
	if err := r.subscriptionRepo.DeleteSubscription(ctx, id); err != nil {
		return wrapStoreError(err, fmt.Sprintf("failed to delete subscription %d", id))
	}
	r.logger.Infof("Subscription deleted: id=%d", id)
	return nil
}

// SetLinkEnabled enables or disables the link between a subscription and a topic.
// Events of a disabled link stay where they are and become visible again on re-enabling.
func (r *Registry) SetLinkEnabled(ctx context.Context, subscriptionName, topicName string, enabled bool) (model.Subscription, error) {
	sub, err := r.GetSubscriptionByName(ctx, subscriptionName)
	if err != nil {
		return model.Subscription{}, err
	}
	topic, err := r.GetTopicByName(ctx, topicName)
	if err != nil {
		return model.Subscription{}, err
	}

	index := -1
	for i, link := range sub.TopicSubscriptions {
		if link.TopicID == topic.ID {
			index = i
			break
		}
	}
	if index < 0 {
		return model.Subscription{}, NewError(ErrCodeNotFound,
			fmt.Sprintf("subscription %s is not linked to topic %s", sub.Name, topic.Name))
	}
	if sub.TopicSubscriptions[index].Enabled == enabled {
		return sub, nil
	}

	sub.TopicSubscriptions[index].Enabled = enabled
	saved, err := r.AddOrUpdateSubscription(ctx, sub)
	if err != nil {
		return model.Subscription{}, err
	}

	if !enabled {
		if err := r.notifications.NotifyLinkDisabled(ctx, saved, saved.TopicSubscriptions[index]); err != nil {
			r.logger.Warnf("Failed to send link disabled notification: %v", err)
		}
	}
	return saved, nil
}
