package relica

import (
	"database/sql"
	"strings"
	"time"

	"github.com/coregx/resonance/model"
)

// Row types mirror the tables column by column. Models keep their own shape (durations,
// header maps, nested links); conversion happens here.

type topicRow struct {
	ID        int64     `db:"id"`
	Name      string    `db:"name"`
	NameKey   string    `db:"name_key"`
	Notes     string    `db:"notes"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r topicRow) toModel() model.Topic {
	return model.Topic{
		ID:        r.ID,
		Name:      r.Name,
		Notes:     r.Notes,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

type subscriptionRow struct {
	ID                  int64     `db:"id"`
	Name                string    `db:"name"`
	NameKey             string    `db:"name_key"`
	Ordered             bool      `db:"is_ordered"`
	MaxDeliveries       int       `db:"max_deliveries"`
	VisibilityTimeoutMS int64     `db:"visibility_timeout_ms"`
	DeliveryDelayMS     int64     `db:"delivery_delay_ms"`
	CreatedAt           time.Time `db:"created_at"`
	UpdatedAt           time.Time `db:"updated_at"`
}

func (r subscriptionRow) toModel() model.Subscription {
	return model.Subscription{
		ID:                 r.ID,
		Name:               r.Name,
		Ordered:            r.Ordered,
		MaxDeliveries:      r.MaxDeliveries,
		VisibilityTimeout:  time.Duration(r.VisibilityTimeoutMS) * time.Millisecond,
		DeliveryDelay:      time.Duration(r.DeliveryDelayMS) * time.Millisecond,
		TopicSubscriptions: []model.TopicSubscription{},
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
}

type linkRow struct {
	ID                  int64  `db:"id"`
	TopicID             int64  `db:"topic_id"`
	SubscriptionID      int64  `db:"subscription_id"`
	Enabled             bool   `db:"enabled"`
	FilterFunctionalKey string `db:"filter_functional_key"`
}

func (r linkRow) toModel() model.TopicSubscription {
	return model.TopicSubscription{
		ID:                  r.ID,
		TopicID:             r.TopicID,
		SubscriptionID:      r.SubscriptionID,
		Enabled:             r.Enabled,
		FilterFunctionalKey: r.FilterFunctionalKey,
	}
}

type linkFilterRow struct {
	LinkID int64  `db:"link_id"`
	Name   string `db:"name"`
	Value  string `db:"value"`
}

type eventRow struct {
	ID              int64        `db:"id"`
	TopicID         int64        `db:"topic_id"`
	FunctionalKey   string       `db:"functional_key"`
	Payload         string       `db:"payload"`
	PublicationDate time.Time    `db:"publication_date"`
	ExpirationDate  sql.NullTime `db:"expiration_date"`
	CreatedAt       time.Time    `db:"created_at"`
}

func (r eventRow) toModel(headers map[string]string) model.TopicEvent {
	if headers == nil {
		headers = map[string]string{}
	}
	return model.TopicEvent{
		ID:              r.ID,
		TopicID:         r.TopicID,
		FunctionalKey:   r.FunctionalKey,
		Payload:         r.Payload,
		Headers:         headers,
		PublicationDate: r.PublicationDate,
		ExpirationDate:  timePtr(r.ExpirationDate),
		CreatedAt:       r.CreatedAt,
	}
}

type eventHeaderRow struct {
	EventID int64  `db:"event_id"`
	Name    string `db:"name"`
	Value   string `db:"value"`
}

type deliveryRow struct {
	ID             int64        `db:"id"`
	SubscriptionID int64        `db:"subscription_id"`
	EventID        int64        `db:"event_id"`
	FunctionalKey  string       `db:"functional_key"`
	Status         string       `db:"status"`
	DeliveryCount  int          `db:"delivery_count"`
	DeliveryKey    string       `db:"delivery_key"`
	InvisibleUntil sql.NullTime `db:"invisible_until"`
	Reason         string       `db:"reason"`
	CreatedAt      time.Time    `db:"created_at"`
	UpdatedAt      time.Time    `db:"updated_at"`
}

func (r deliveryRow) toModel() model.Delivery {
	return model.Delivery{
		ID:             r.ID,
		SubscriptionID: r.SubscriptionID,
		EventID:        r.EventID,
		FunctionalKey:  r.FunctionalKey,
		Status:         model.DeliveryStatus(r.Status),
		DeliveryCount:  r.DeliveryCount,
		DeliveryKey:    r.DeliveryKey,
		InvisibleUntil: timePtr(r.InvisibleUntil),
		Reason:         r.Reason,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

type deadLetterRow struct {
	ID             int64        `db:"id"`
	SubscriptionID int64        `db:"subscription_id"`
	EventID        int64        `db:"event_id"`
	DeliveryCount  int          `db:"delivery_count"`
	LastError      string       `db:"last_error"`
	FailureReason  string       `db:"failure_reason"`
	FunctionalKey  string       `db:"functional_key"`
	Payload        string       `db:"payload"`
	DeadLetteredAt time.Time    `db:"dead_lettered_at"`
	IsResolved     bool         `db:"is_resolved"`
	ResolvedAt     sql.NullTime `db:"resolved_at"`
	ResolvedBy     string       `db:"resolved_by"`
	ResolutionNote string       `db:"resolution_note"`
}

func (r deadLetterRow) toModel() model.DeadLetter {
	return model.DeadLetter{
		ID:             r.ID,
		SubscriptionID: r.SubscriptionID,
		EventID:        r.EventID,
		DeliveryCount:  r.DeliveryCount,
		LastError:      r.LastError,
		FailureReason:  r.FailureReason,
		FunctionalKey:  r.FunctionalKey,
		Payload:        r.Payload,
		DeadLetteredAt: r.DeadLetteredAt,
		IsResolved:     r.IsResolved,
		ResolvedAt:     timePtr(r.ResolvedAt),
		ResolvedBy:     r.ResolvedBy,
		ResolutionNote: r.ResolutionNote,
	}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// nullTime converts an optional instant for binding, normalized to UTC.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// nameKey is the case-folded form names are unique by.
func nameKey(name string) string {
	return strings.ToLower(name)
}

// likePattern matches names containing part, ignoring case. Use with ESCAPE '!'.
func likePattern(part string) string {
	escaped := strings.NewReplacer("!", "!!", "%", "!%", "_", "!_").Replace(nameKey(part))
	return "%" + escaped + "%"
}
