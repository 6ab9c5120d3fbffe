package resonance

import (
	"context"
	"time"

	"github.com/coregx/resonance/model"
)

// TopicRepository persists topics.
// Lookups that find nothing return ErrNotFound.
type TopicRepository interface {
	// SaveTopic inserts the topic when ID is 0 and updates name/notes otherwise.
	// A name already used by another topic (ignoring case) fails with CONFLICT.
	SaveTopic(ctx context.Context, topic *model.Topic) (*model.Topic, error)
	LoadTopic(ctx context.Context, id int64) (model.Topic, error)
	FindTopicByName(ctx context.Context, name string) (model.Topic, error)
	// FindTopics lists topics whose name contains partOfName (ignoring case), ordered by name.
	FindTopics(ctx context.Context, partOfName string) ([]model.Topic, error)
	// DeleteTopic removes a topic. Without cascade it fails with CONFLICT while events or
	// links reference it; with cascade those events, links and their delivery state go too.
	DeleteTopic(ctx context.Context, id int64, cascade bool) error
}

// SubscriptionRepository persists subscriptions and their topic links.
type SubscriptionRepository interface {
	// SaveSubscription inserts or updates the subscription and replaces its link set with
	// subscription.TopicSubscriptions. Linked topics must exist.
	SaveSubscription(ctx context.Context, subscription *model.Subscription) (*model.Subscription, error)
	LoadSubscription(ctx context.Context, id int64) (model.Subscription, error)
	FindSubscriptionByName(ctx context.Context, name string) (model.Subscription, error)
	FindSubscriptions(ctx context.Context, partOfName string) ([]model.Subscription, error)
	// DeleteSubscription removes the subscription, its links and its delivery state.
	DeleteSubscription(ctx context.Context, id int64) error
}

// EventRepository persists published events.
type EventRepository interface {
	// InsertEvent stores a new immutable event and assigns its ID.
	InsertEvent(ctx context.Context, event *model.TopicEvent) (*model.TopicEvent, error)
	LoadEvent(ctx context.Context, id int64) (model.TopicEvent, error)
}

// DeliveryRepository implements the claim/acknowledge protocol.
//
// Implementations must make each claim atomic per (event, subscription) row so that two
// concurrent callers never both obtain the same event, and must enforce per-functional-key
// ordering for ordered subscriptions themselves. Transient engine errors (deadlocks, busy
// databases) are retried inside the repository and surface as TRANSIENT only once the
// retry budget is exhausted.
type DeliveryRepository interface {
	// ClaimNext claims up to maxCount eligible events for the named subscription, oldest
	// publication first. An empty result means nothing is eligible; it is not an error.
	// An unknown subscription, or one with no topic links at all, fails with NOT_FOUND.
	ClaimNext(ctx context.Context, subscriptionName string, maxCount int, now time.Time) ([]model.ConsumableEvent, error)

	// Acknowledge settles the claim identified by event ID and delivery key.
	// A claim that does not exist fails with NOT_FOUND; a key that is no longer current
	// fails with STALE_CLAIM.
	Acknowledge(ctx context.Context, ack model.Acknowledgement, now time.Time) (model.AckResult, error)

	// ReleaseExpiredClaims dead-letters every claim whose visibility timeout passed before
	// now and that can never be claimed again (expired event or exhausted budget). Other
	// timed-out claims stay acknowledgeable until re-claimed. Returns the number settled.
	ReleaseExpiredClaims(ctx context.Context, now time.Time) (int, error)

	// LoadDelivery returns the delivery state of an event for a subscription.
	LoadDelivery(ctx context.Context, subscriptionID, eventID int64) (model.Delivery, error)
}

// DeadLetterRepository exposes dead letters written by the delivery repository.
type DeadLetterRepository interface {
	// FindDeadLetters lists dead letters of a subscription, newest first. limit <= 0 means all.
	FindDeadLetters(ctx context.Context, subscriptionID int64, limit int) ([]model.DeadLetter, error)
	LoadDeadLetter(ctx context.Context, id int64) (model.DeadLetter, error)
	SaveDeadLetter(ctx context.Context, letter *model.DeadLetter) (*model.DeadLetter, error)
	GetDeadLetterStats(ctx context.Context, now time.Time) (model.DeadLetterStats, error)
}

// Store bundles every repository a store adapter provides.
type Store interface {
	TopicRepository
	SubscriptionRepository
	EventRepository
	DeliveryRepository
	DeadLetterRepository
}
