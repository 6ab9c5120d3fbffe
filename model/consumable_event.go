package model

import "time"

// ConsumableEvent is the projection of an event handed to a consumer by a successful
// claim. The delivery key proves possession of the claim and must be presented to
// acknowledge it.
type ConsumableEvent struct {
	ID              int64             `json:"id"` // Event ID
	SubscriptionID  int64             `json:"subscriptionId"`
	TopicID         int64             `json:"topicId"`
	DeliveryKey     string            `json:"deliveryKey"`
	DeliveryCount   int               `json:"deliveryCount"`
	InvisibleUntil  time.Time         `json:"invisibleUntil"`
	FunctionalKey   string            `json:"functionalKey,omitempty"`
	PublicationDate time.Time         `json:"publicationDate"`
	ExpirationDate  *time.Time        `json:"expirationDate,omitempty"`
	Headers         map[string]string `json:"headers"`
	Payload         string            `json:"payload"`
}

// NewConsumableEvent projects a claimed delivery of event.
func NewConsumableEvent(event TopicEvent, delivery Delivery) ConsumableEvent {
	ce := ConsumableEvent{
		ID:              event.ID,
		SubscriptionID:  delivery.SubscriptionID,
		TopicID:         event.TopicID,
		DeliveryKey:     delivery.DeliveryKey,
		DeliveryCount:   delivery.DeliveryCount,
		FunctionalKey:   event.FunctionalKey,
		PublicationDate: event.PublicationDate,
		ExpirationDate:  event.ExpirationDate,
		Headers:         event.CloneHeaders(),
		Payload:         event.Payload,
	}
	if delivery.InvisibleUntil != nil {
		ce.InvisibleUntil = *delivery.InvisibleUntil
	}
	return ce
}

// Key returns the identifier used to acknowledge the event.
func (ce ConsumableEvent) Key() ConsumableEventID {
	return ConsumableEventID{ID: ce.ID, DeliveryKey: ce.DeliveryKey}
}

// ConsumableEventID identifies one claim: the event ID plus the delivery key issued for it.
type ConsumableEventID struct {
	ID          int64  `json:"id"`
	DeliveryKey string `json:"deliveryKey"`
}
