package model

import (
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Default subscription settings used by NewSubscription.
const (
	DefaultMaxDeliveries     = 5
	DefaultVisibilityTimeout = time.Minute
)

// Subscription is a named consumer group with its own ordering, retry and
// visibility configuration.
//
// A subscription sees the events of every topic it is linked to through an enabled
// TopicSubscription. Each subscription keeps independent delivery state per event,
// so two subscriptions on the same topic never influence each other.
//
// Key settings:
//   - Ordered: events sharing a functional key are delivered one at a time in publication order
//   - MaxDeliveries: claims allowed per event before it is dead-lettered
//   - VisibilityTimeout: how long a claim is held before the event is offered again
//   - DeliveryDelay: how long after publication an event becomes visible
//
// A visibility timeout shorter than the time consumers need to process an event causes
// duplicate deliveries. That is a configuration error, not a protocol failure.
type Subscription struct {
	ID                 int64               `json:"id"`
	Name               string              `json:"name"`
	Ordered            bool                `json:"ordered"`
	MaxDeliveries      int                 `json:"maxDeliveries"`
	VisibilityTimeout  time.Duration       `json:"visibilityTimeout"`
	DeliveryDelay      time.Duration       `json:"deliveryDelay"`
	TopicSubscriptions []TopicSubscription `json:"topicSubscriptions"`
	CreatedAt          time.Time           `json:"createdAt"`
	UpdatedAt          time.Time           `json:"updatedAt"`
}

// TableName returns the database table name for Subscription.
func (s Subscription) TableName() string {
	return tablePrefix + "subscription"
}

// NewSubscription creates an unordered subscription with default delivery settings
// and no topic links.
func NewSubscription(name string, now time.Time) Subscription {
	return Subscription{
		ID:                 0,
		Name:               name,
		Ordered:            false,
		MaxDeliveries:      DefaultMaxDeliveries,
		VisibilityTimeout:  DefaultVisibilityTimeout,
		DeliveryDelay:      0,
		TopicSubscriptions: []TopicSubscription{},
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// Validate checks the subscription settings and its links.
func (s Subscription) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Name, validation.Required, validation.Length(1, 255)),
		validation.Field(&s.MaxDeliveries, validation.Required, validation.Min(1)),
		validation.Field(&s.VisibilityTimeout, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&s.DeliveryDelay, validation.Min(time.Duration(0))),
		validation.Field(&s.TopicSubscriptions, validation.By(uniqueTopics)),
	)
}

func uniqueTopics(value interface{}) error {
	links, _ := value.([]TopicSubscription)
	seen := make(map[int64]bool, len(links))
	for _, link := range links {
		if err := link.Validate(); err != nil {
			return err
		}
		if seen[link.TopicID] {
			return validation.NewError("validation_duplicate_topic", "a topic can be linked only once")
		}
		seen[link.TopicID] = true
	}
	return nil
}

// HasName reports whether the subscription is called name, ignoring case.
func (s Subscription) HasName(name string) bool {
	return strings.EqualFold(s.Name, name)
}

// NameContains reports whether part occurs in the subscription name, ignoring case.
func (s Subscription) NameContains(part string) bool {
	return strings.Contains(strings.ToLower(s.Name), strings.ToLower(part))
}

// LinkFor returns the link to topicID if one exists.
func (s Subscription) LinkFor(topicID int64) (TopicSubscription, bool) {
	for _, link := range s.TopicSubscriptions {
		if link.TopicID == topicID {
			return link, true
		}
	}
	return TopicSubscription{}, false
}

// Sees reports whether event is visible to the subscription through an enabled,
// matching link.
func (s Subscription) Sees(event TopicEvent) bool {
	link, ok := s.LinkFor(event.TopicID)
	return ok && link.Enabled && link.Matches(event)
}

// VisibleFrom returns the first instant event may be delivered to the subscription.
func (s Subscription) VisibleFrom(event TopicEvent) time.Time {
	return event.PublicationDate.Add(s.DeliveryDelay)
}

// PublishedBefore returns the cutoff publication date for claims at now: an event is
// deliverable when its publication date is not after the cutoff.
func (s Subscription) PublishedBefore(now time.Time) time.Time {
	return now.Add(-s.DeliveryDelay)
}

// InvisibleUntil returns the end of a claim taken at now.
func (s Subscription) InvisibleUntil(now time.Time) time.Time {
	return now.Add(s.VisibilityTimeout)
}
