package model

import (
	"time"
)

// TopicEvent is an immutable event published to a topic.
//
// Events carry no delivery state. Which subscriptions see an event is decided at claim
// time from the topic-subscription links that exist then.
type TopicEvent struct {
	ID              int64             `json:"id"`
	TopicID         int64             `json:"topicId"`
	FunctionalKey   string            `json:"functionalKey,omitempty"` // Groups events that must be processed in order
	Payload         string            `json:"payload"`
	Headers         map[string]string `json:"headers,omitempty"`
	PublicationDate time.Time         `json:"publicationDate"`          // Not deliverable before this instant
	ExpirationDate  *time.Time        `json:"expirationDate,omitempty"` // Not deliverable from this instant on
	CreatedAt       time.Time         `json:"createdAt"`
}

// TableName returns the database table name for TopicEvent.
func (e TopicEvent) TableName() string {
	return tablePrefix + "topic_event"
}

// HasFunctionalKey reports whether the event belongs to an ordering group.
func (e TopicEvent) HasFunctionalKey() bool {
	return e.FunctionalKey != ""
}

// IsExpired reports whether the expiration date has been reached at now.
func (e TopicEvent) IsExpired(now time.Time) bool {
	return e.ExpirationDate != nil && !now.Before(*e.ExpirationDate)
}

// IsPublished reports whether the event is published at now.
func (e TopicEvent) IsPublished(now time.Time) bool {
	return !e.PublicationDate.After(now)
}

// Precedes reports whether e comes before other in delivery order:
// earlier publication date first, insertion order breaking ties.
func (e TopicEvent) Precedes(other TopicEvent) bool {
	if e.PublicationDate.Equal(other.PublicationDate) {
		return e.ID < other.ID
	}
	return e.PublicationDate.Before(other.PublicationDate)
}

// CloneHeaders returns a copy of the header map that is never nil.
func (e TopicEvent) CloneHeaders() map[string]string {
	headers := make(map[string]string, len(e.Headers))
	for k, v := range e.Headers {
		headers[k] = v
	}
	return headers
}
