package model

import (
	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// TopicSubscription links a topic to a subscription. Only enabled links make a topic's
// events visible.
//
// A link may filter: when FilterFunctionalKey is set only events with that key pass,
// and every FilterHeaders entry must be present on the event with an equal value.
// Filtered-out events are invisible to the subscription and never hold up its ordering.
type TopicSubscription struct {
	ID                  int64             `json:"id" db:"id"`
	TopicID             int64             `json:"topicId" db:"topic_id"`
	SubscriptionID      int64             `json:"subscriptionId" db:"subscription_id"`
	Enabled             bool              `json:"enabled" db:"enabled"`
	FilterFunctionalKey string            `json:"filterFunctionalKey,omitempty" db:"filter_functional_key"`
	FilterHeaders       map[string]string `json:"filterHeaders,omitempty" db:"-"`
}

// TableName returns the database table name for TopicSubscription.
func (l TopicSubscription) TableName() string {
	return tablePrefix + "topic_subscription"
}

// NewTopicSubscription creates an enabled, unfiltered link.
func NewTopicSubscription(topicID int64) TopicSubscription {
	return TopicSubscription{
		TopicID: topicID,
		Enabled: true,
	}
}

// Validate checks the link fields.
func (l TopicSubscription) Validate() error {
	return validation.ValidateStruct(&l,
		validation.Field(&l.TopicID, validation.Required),
		validation.Field(&l.FilterFunctionalKey, validation.Length(0, 255)),
	)
}

// IsFiltered reports whether the link restricts the events it lets through.
func (l TopicSubscription) IsFiltered() bool {
	return l.FilterFunctionalKey != "" || len(l.FilterHeaders) > 0
}

// Matches reports whether event passes the link filter.
func (l TopicSubscription) Matches(event TopicEvent) bool {
	if event.TopicID != l.TopicID {
		return false
	}
	if l.FilterFunctionalKey != "" && l.FilterFunctionalKey != event.FunctionalKey {
		return false
	}
	for name, want := range l.FilterHeaders {
		if got, ok := event.Headers[name]; !ok || got != want {
			return false
		}
	}
	return true
}
