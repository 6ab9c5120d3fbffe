package model

import (
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Topic is a named channel events are published to.
//
// Topic names are unique without regard to case. Once events reference a topic only
// its name and notes may change.
type Topic struct {
	ID        int64     `json:"id" db:"id"`                // Unique topic ID
	Name      string    `json:"name" db:"name"`            // Unique, case-insensitive name (e.g., "order.created")
	Notes     string    `json:"notes" db:"notes"`          // Free-text description
	CreatedAt time.Time `json:"createdAt" db:"created_at"` // Topic creation time
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"` // Last name/notes edit
}

// TableName returns the database table name for Topic.
func (t Topic) TableName() string {
	return tablePrefix + "topic"
}

// NewTopic creates a new topic.
func NewTopic(name, notes string, now time.Time) Topic {
	return Topic{
		ID:        0,
		Name:      name,
		Notes:     notes,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Validate checks the topic fields.
func (t Topic) Validate() error {
	return validation.ValidateStruct(&t,
		validation.Field(&t.Name, validation.Required, validation.Length(1, 255)),
		validation.Field(&t.Notes, validation.Length(0, 1000)),
	)
}

// HasName reports whether the topic is called name, ignoring case.
func (t Topic) HasName(name string) bool {
	return strings.EqualFold(t.Name, name)
}

// NameContains reports whether part occurs in the topic name, ignoring case.
// An empty part matches every topic.
func (t Topic) NameContains(part string) bool {
	return strings.Contains(strings.ToLower(t.Name), strings.ToLower(part))
}
