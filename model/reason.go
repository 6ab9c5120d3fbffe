package model

import "strings"

// ReasonKind classifies why an event was failed or dead-lettered.
type ReasonKind string

const (
	// ReasonKindExpired marks an event whose expiration date passed before it was consumed.
	ReasonKindExpired ReasonKind = "expired"

	// ReasonKindMaxDeliveriesExceeded marks an event that used up the subscription's delivery budget.
	ReasonKindMaxDeliveriesExceeded ReasonKind = "max-deliveries-exceeded"

	// ReasonKindOther carries free text supplied by the consumer.
	ReasonKindOther ReasonKind = "other"
)

// Reason is a failure classification attached to releases and dead letters.
type Reason struct {
	Kind ReasonKind `json:"kind"`
	Text string     `json:"text,omitempty"`
}

// ReasonExpired returns the "expired" reason.
func ReasonExpired() Reason {
	return Reason{Kind: ReasonKindExpired}
}

// ReasonMaxDeliveriesExceeded returns the "max-deliveries-exceeded" reason.
func ReasonMaxDeliveriesExceeded() Reason {
	return Reason{Kind: ReasonKindMaxDeliveriesExceeded}
}

// ReasonOther returns a free-text reason.
func ReasonOther(text string) Reason {
	return Reason{Kind: ReasonKindOther, Text: text}
}

// String renders the reason as stored: "expired", "max-deliveries-exceeded" or "other: <text>".
func (r Reason) String() string {
	if r.Kind == ReasonKindOther {
		return string(ReasonKindOther) + ": " + r.Text
	}
	return string(r.Kind)
}

// IsZero reports whether no reason was given.
func (r Reason) IsZero() bool {
	return r.Kind == "" && r.Text == ""
}

// ParseReason reverses Reason.String. Unknown input becomes an "other" reason.
func ParseReason(s string) Reason {
	switch ReasonKind(s) {
	case ReasonKindExpired, ReasonKindMaxDeliveriesExceeded:
		return Reason{Kind: ReasonKind(s)}
	}
	if text, ok := strings.CutPrefix(s, string(ReasonKindOther)+": "); ok {
		return ReasonOther(text)
	}
	return ReasonOther(s)
}
