package model

import (
	"time"
)

// DeliveryStatus represents the lifecycle state of an event for one subscription.
type DeliveryStatus string

const (
	// DeliveryStatusClaimed indicates a consumer holds (or held, if timed out) a claim.
	DeliveryStatusClaimed DeliveryStatus = "claimed"

	// DeliveryStatusReleased indicates the last claim was failed and the event may be claimed again.
	DeliveryStatusReleased DeliveryStatus = "released"

	// DeliveryStatusConsumed indicates the event was processed successfully.
	DeliveryStatusConsumed DeliveryStatus = "consumed"

	// DeliveryStatusDead indicates the event will never be delivered to the subscription again.
	DeliveryStatusDead DeliveryStatus = "dead"
)

// Delivery is the delivery state of one event for one subscription.
//
// A Delivery is created by the first successful claim; events that were never claimed
// have none. Lifecycle:
//  1. Claim: status=claimed, count+1, fresh delivery key, invisible until now+visibility timeout
//  2. MarkConsumed: status=consumed (terminal)
//  3. Fail below the budget: status=released, claimable again at once
//  4. Fail at the budget: status=dead (terminal)
//  5. Claim timeout: still claimed but InvisibleUntil passed, claimable again if budget remains
//
// The delivery key changes on every claim and acts as the version of the row:
// acknowledgements and re-claims only apply while the key they read is still current.
type Delivery struct {
	ID             int64          `json:"id" db:"id"`
	SubscriptionID int64          `json:"subscriptionId" db:"subscription_id"`
	EventID        int64          `json:"eventId" db:"event_id"`
	FunctionalKey  string         `json:"functionalKey,omitempty" db:"functional_key"`
	Status         DeliveryStatus `json:"status" db:"status"`
	DeliveryCount  int            `json:"deliveryCount" db:"delivery_count"`
	DeliveryKey    string         `json:"deliveryKey" db:"delivery_key"`
	InvisibleUntil *time.Time     `json:"invisibleUntil,omitempty" db:"invisible_until"`
	Reason         string         `json:"reason,omitempty" db:"reason"`
	CreatedAt      time.Time      `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time      `json:"updatedAt" db:"updated_at"`
}

// TableName returns the database table name for Delivery.
func (d Delivery) TableName() string {
	return tablePrefix + "delivery"
}

// NewDelivery creates the unclaimed delivery state of an event for a subscription.
func NewDelivery(subscriptionID int64, event TopicEvent, now time.Time) Delivery {
	return Delivery{
		ID:             0,
		SubscriptionID: subscriptionID,
		EventID:        event.ID,
		FunctionalKey:  event.FunctionalKey,
		Status:         DeliveryStatusReleased,
		DeliveryCount:  0,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// IsClaimActive reports whether a claim is held at now.
func (d Delivery) IsClaimActive(now time.Time) bool {
	return d.Status == DeliveryStatusClaimed && d.InvisibleUntil != nil && d.InvisibleUntil.After(now)
}

// HasExhausted reports whether the delivery budget is used up.
func (d Delivery) HasExhausted(maxDeliveries int) bool {
	return d.DeliveryCount >= maxDeliveries
}

// IsClaimable reports whether the event may be claimed again at now.
//
// Released events and timed-out claims are claimable while budget remains.
func (d Delivery) IsClaimable(now time.Time, maxDeliveries int) bool {
	if d.HasExhausted(maxDeliveries) {
		return false
	}
	switch d.Status {
	case DeliveryStatusReleased:
		return true
	case DeliveryStatusClaimed:
		return !d.IsClaimActive(now)
	default:
		return false
	}
}

// IsSettled reports whether the event no longer holds up later events sharing its
// functional key on an ordered subscription.
//
// Consumed and dead events are settled, and so is a timed-out claim that used up the
// budget since nobody can claim it again. Settlement never reverts.
func (d Delivery) IsSettled(now time.Time, maxDeliveries int) bool {
	switch d.Status {
	case DeliveryStatusConsumed, DeliveryStatusDead:
		return true
	case DeliveryStatusClaimed:
		return d.HasExhausted(maxDeliveries) && !d.IsClaimActive(now)
	default:
		return false
	}
}

// Claim records a new claim issued at now.
func (d *Delivery) Claim(deliveryKey string, now, invisibleUntil time.Time) {
	d.Status = DeliveryStatusClaimed
	d.DeliveryCount++
	d.DeliveryKey = deliveryKey
	d.InvisibleUntil = &invisibleUntil
	d.UpdatedAt = now
}

// CheckKey verifies that deliveryKey identifies the current claim.
//
// A claim stays acknowledgeable after its visibility timeout as long as nobody claimed
// the event again, since a new claim replaces the key.
func (d Delivery) CheckKey(deliveryKey string) error {
	if d.Status != DeliveryStatusClaimed {
		return ErrClaimNotActive
	}
	if d.DeliveryKey != deliveryKey {
		return ErrDeliveryKeyMismatch
	}
	return nil
}

// MarkConsumed settles the delivery as processed.
func (d *Delivery) MarkConsumed(now time.Time) {
	d.Status = DeliveryStatusConsumed
	d.InvisibleUntil = nil
	d.Reason = ""
	d.UpdatedAt = now
}

// Release makes the event claimable again immediately.
func (d *Delivery) Release(reason Reason, now time.Time) {
	d.Status = DeliveryStatusReleased
	d.InvisibleUntil = nil
	d.Reason = reason.String()
	d.UpdatedAt = now
}

// MarkDead settles the delivery as permanently undeliverable.
func (d *Delivery) MarkDead(reason Reason, now time.Time) {
	d.Status = DeliveryStatusDead
	d.InvisibleUntil = nil
	d.Reason = reason.String()
	d.UpdatedAt = now
}

// Fail applies a failed processing attempt: the event is released while budget remains
// and dead-lettered with the max-deliveries-exceeded reason otherwise.
// Returns true when the delivery became dead.
func (d *Delivery) Fail(reason Reason, maxDeliveries int, now time.Time) bool {
	if d.HasExhausted(maxDeliveries) {
		d.MarkDead(ReasonMaxDeliveriesExceeded(), now)
		return true
	}
	d.Release(reason, now)
	return false
}

// Timeout settles a claim whose visibility timeout passed without acknowledgement,
// provided nobody can take it over: the event expired or the delivery budget is used up.
// It returns the reason when the delivery became dead. Any other timed-out claim is left
// untouched, so its key stays valid until the event is claimed again.
func (d *Delivery) Timeout(event TopicEvent, maxDeliveries int, now time.Time) (Reason, bool) {
	switch {
	case event.IsExpired(now):
		d.MarkDead(ReasonExpired(), now)
		return ReasonExpired(), true
	case d.HasExhausted(maxDeliveries):
		d.MarkDead(ReasonMaxDeliveriesExceeded(), now)
		return ReasonMaxDeliveriesExceeded(), true
	default:
		return Reason{}, false
	}
}
