package model

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTopic_TableName(t *testing.T) {
	topic := Topic{}
	assert.Equal(t, "resonance_topic", topic.TableName())
}

func TestNewTopic(t *testing.T) {
	now := time.Now()
	topic := NewTopic("order.created", "All new orders", now)

	assert.Equal(t, int64(0), topic.ID)
	assert.Equal(t, "order.created", topic.Name)
	assert.Equal(t, "All new orders", topic.Notes)
	assert.Equal(t, now, topic.CreatedAt)
	assert.Equal(t, now, topic.UpdatedAt)
}

func TestTopic_Validate(t *testing.T) {
	tests := []struct {
		name    string
		topic   Topic
		wantErr bool
	}{
		{"Valid", Topic{Name: "orders"}, false},
		{"Missing name", Topic{Name: ""}, true},
		{"Name too long", Topic{Name: strings.Repeat("a", 256)}, true},
		{"Notes too long", Topic{Name: "orders", Notes: strings.Repeat("n", 1001)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.topic.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTopic_Names(t *testing.T) {
	topic := Topic{Name: "Order.Created"}

	assert.True(t, topic.HasName("order.created"))
	assert.False(t, topic.HasName("order"))
	assert.True(t, topic.NameContains("ORDER"))
	assert.True(t, topic.NameContains(""))
	assert.False(t, topic.NameContains("payment"))
}

func TestTopicEvent_Timing(t *testing.T) {
	pub := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	exp := pub.Add(time.Hour)
	event := TopicEvent{ID: 1, PublicationDate: pub, ExpirationDate: &exp}

	assert.False(t, event.IsPublished(pub.Add(-time.Nanosecond)))
	assert.True(t, event.IsPublished(pub))
	assert.False(t, event.IsExpired(exp.Add(-time.Nanosecond)))
	assert.True(t, event.IsExpired(exp))

	assert.False(t, TopicEvent{}.IsExpired(pub))
}

func TestTopicEvent_Precedes(t *testing.T) {
	pub := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	first := TopicEvent{ID: 5, PublicationDate: pub}
	later := TopicEvent{ID: 2, PublicationDate: pub.Add(time.Second)}
	tie := TopicEvent{ID: 6, PublicationDate: pub}

	assert.True(t, first.Precedes(later))
	assert.False(t, later.Precedes(first))
	assert.True(t, first.Precedes(tie))
	assert.False(t, tie.Precedes(first))
}

func TestTopicEvent_CloneHeaders(t *testing.T) {
	event := TopicEvent{Headers: map[string]string{"a": "1"}}
	clone := event.CloneHeaders()
	clone["b"] = "2"

	assert.Len(t, event.Headers, 1)
	assert.NotNil(t, TopicEvent{}.CloneHeaders())
}
