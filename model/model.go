// Package model contains the domain models of the event bus.
//
// Models carry their own business rules (claim eligibility, settlement, dead-lettering)
// so that every store adapter applies the same protocol. Timestamps are always passed in
// explicitly; models never read the wall clock on their own.
package model

const tablePrefix = "resonance_"

// DomainError represents a domain-level business rule violation.
type DomainError struct {
	Code    string // Error code for programmatic handling
	Message string // Human-readable error message
}

func (e DomainError) Error() string {
	return e.Message
}

// Domain errors returned by model business logic methods.
var (
	// ErrClaimNotActive indicates the delivery has no claim that can be acknowledged.
	ErrClaimNotActive = DomainError{Code: "CLAIM_NOT_ACTIVE", Message: "delivery is not claimed"}

	// ErrDeliveryKeyMismatch indicates the presented delivery key is not the current one.
	ErrDeliveryKeyMismatch = DomainError{Code: "DELIVERY_KEY_MISMATCH", Message: "delivery key does not match the active claim"}

	// ErrDeliveryExhausted indicates the delivery budget of the subscription is used up.
	ErrDeliveryExhausted = DomainError{Code: "DELIVERY_EXHAUSTED", Message: "maximum deliveries exceeded"}
)
