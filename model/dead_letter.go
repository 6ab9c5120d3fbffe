package model

import (
	"time"
)

// DeadLetter records an event that will never be delivered to a subscription again.
// One is written whenever a delivery becomes dead.
//
// The dead-letter list serves as:
//   - Failure audit log with the last consumer-reported error
//   - Manual intervention queue for operations teams
//   - Source for failure analysis and monitoring
//
// Business logic methods:
//   - Resolve: Mark item as manually resolved
//   - GetAge: Calculate time since dead-lettering
//   - IsOld: Check if item needs attention
type DeadLetter struct {
	ID             int64 `json:"id" db:"id"`
	SubscriptionID int64 `json:"subscriptionId" db:"subscription_id"`
	EventID        int64 `json:"eventId" db:"event_id"`

	// Failure information
	DeliveryCount int    `json:"deliveryCount" db:"delivery_count"` // Claims before dead-lettering
	LastError     string `json:"lastError" db:"last_error"`         // Last consumer-reported reason
	FailureReason string `json:"failureReason" db:"failure_reason"` // Reason tag, e.g. "max-deliveries-exceeded"

	// Event data (denormalized for easy access)
	FunctionalKey string `json:"functionalKey,omitempty" db:"functional_key"`
	Payload       string `json:"payload" db:"payload"`

	DeadLetteredAt time.Time `json:"deadLetteredAt" db:"dead_lettered_at"`

	// Lifecycle
	IsResolved     bool       `json:"isResolved" db:"is_resolved"`
	ResolvedAt     *time.Time `json:"resolvedAt,omitempty" db:"resolved_at"`
	ResolvedBy     string     `json:"resolvedBy,omitempty" db:"resolved_by"`
	ResolutionNote string     `json:"resolutionNote,omitempty" db:"resolution_note"`
}

// TableName returns the database table name for DeadLetter.
func (d DeadLetter) TableName() string {
	return tablePrefix + "dead_letter"
}

// NewDeadLetter creates a dead letter for a delivery that just became dead.
func NewDeadLetter(delivery Delivery, event TopicEvent, lastError string, reason Reason, now time.Time) DeadLetter {
	return DeadLetter{
		ID:             0,
		SubscriptionID: delivery.SubscriptionID,
		EventID:        event.ID,
		DeliveryCount:  delivery.DeliveryCount,
		LastError:      lastError,
		FailureReason:  reason.String(),
		FunctionalKey:  event.FunctionalKey,
		Payload:        event.Payload,
		DeadLetteredAt: now,
	}
}

// Resolve marks the dead letter as handled by an operator.
func (d *DeadLetter) Resolve(resolvedBy, note string, now time.Time) {
	d.IsResolved = true
	d.ResolvedAt = &now
	d.ResolvedBy = resolvedBy
	d.ResolutionNote = note
}

// GetAge returns how long the event has been dead at now.
func (d DeadLetter) GetAge(now time.Time) time.Duration {
	return now.Sub(d.DeadLetteredAt)
}

// IsOld checks if the dead letter has been waiting longer than threshold.
func (d DeadLetter) IsOld(threshold time.Duration, now time.Time) bool {
	return d.GetAge(now) > threshold
}

// DeadLetterStats aggregates the dead-letter list for monitoring.
type DeadLetterStats struct {
	TotalItems       int       `json:"totalItems"`
	UnresolvedItems  int       `json:"unresolvedItems"`
	ResolvedItems    int       `json:"resolvedItems"`
	OldestItemAge    int64     `json:"oldestItemAge"` // Seconds, unresolved only
	TopFailureReason string    `json:"topFailureReason"`
	LastUpdated      time.Time `json:"lastUpdated"`
}

// ComputeDeadLetterStats aggregates letters at now.
func ComputeDeadLetterStats(letters []DeadLetter, now time.Time) DeadLetterStats {
	stats := DeadLetterStats{TotalItems: len(letters), LastUpdated: now}
	reasons := make(map[string]int)
	for _, l := range letters {
		reasons[l.FailureReason]++
		if l.IsResolved {
			stats.ResolvedItems++
			continue
		}
		stats.UnresolvedItems++
		if age := int64(l.GetAge(now).Seconds()); age > stats.OldestItemAge {
			stats.OldestItemAge = age
		}
	}
	top := 0
	for reason, n := range reasons {
		if n > top || (n == top && reason < stats.TopFailureReason) {
			top = n
			stats.TopFailureReason = reason
		}
	}
	return stats
}
