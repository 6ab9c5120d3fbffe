package model

// Verdict is the result a consumer reports for a claimed event.
type Verdict string

const (
	// VerdictSucceeded marks the event consumed.
	VerdictSucceeded Verdict = "succeeded"

	// VerdictFailed releases or dead-letters the event.
	VerdictFailed Verdict = "failed"
)

// Acknowledgement asks a store to settle a claim.
//
// SubscriptionName is optional: delivery keys are unique, so the event ID and key
// already identify the claim. When set it must match the claiming subscription.
type Acknowledgement struct {
	EventID          int64
	SubscriptionName string
	DeliveryKey      string
	Verdict          Verdict
	Reason           Reason
}

// AckOutcome is what an acknowledgement did to the delivery.
type AckOutcome string

const (
	// AckOutcomeConsumed indicates the event is consumed for the subscription.
	AckOutcomeConsumed AckOutcome = "consumed"

	// AckOutcomeReleased indicates the event is claimable again.
	AckOutcomeReleased AckOutcome = "released"

	// AckOutcomeDeadLettered indicates the failure used up the delivery budget.
	AckOutcomeDeadLettered AckOutcome = "dead-lettered"
)

// AckResult reports the effect of an acknowledgement.
type AckResult struct {
	EventID        int64      `json:"eventId"`
	SubscriptionID int64      `json:"subscriptionId"`
	DeliveryCount  int        `json:"deliveryCount"`
	Outcome        AckOutcome `json:"outcome"`
}
