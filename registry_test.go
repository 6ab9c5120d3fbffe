package resonance_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coregx/resonance"
	"github.com/coregx/resonance/model"
)

func TestNewRegistry_RequiresRepositories(t *testing.T) {
	_, err := resonance.NewRegistry()
	require.Error(t, err)
	assert.Equal(t, resonance.ErrCodeConfiguration, resonance.CodeOf(err))
}

func TestRegistry_Topics(t *testing.T) {
	b := newBus(t)
	ctx := context.Background()

	created, err := b.registry.AddOrUpdateTopic(ctx, model.Topic{Name: "orders", Notes: "all orders"})
	require.NoError(t, err)
	assert.NotZero(t, created.ID)
	assert.Equal(t, epoch, created.CreatedAt)

	_, err = b.registry.AddOrUpdateTopic(ctx, model.Topic{Name: ""})
	assert.True(t, resonance.IsInvalidArgument(err), "got %v", err)

	_, err = b.registry.AddOrUpdateTopic(ctx, model.Topic{Name: "Orders"})
	assert.True(t, resonance.IsConflict(err), "got %v", err)

	b.clock.Advance(time.Minute)
	created.Name = "orders.v2"
	updated, err := b.registry.AddOrUpdateTopic(ctx, created)
	require.NoError(t, err)
	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, epoch.Add(time.Minute), updated.UpdatedAt)

	byName, err := b.registry.GetTopicByName(ctx, "ORDERS.V2")
	require.NoError(t, err)
	assert.Equal(t, created.ID, byName.ID)

	byID, err := b.registry.GetTopic(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "orders.v2", byID.Name)

	_, err = b.registry.GetTopic(ctx, 0)
	assert.True(t, resonance.IsInvalidArgument(err))

	b.topic(t, "payments")
	list, err := b.registry.GetTopics(ctx, "ORDERS")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, b.registry.DeleteTopic(ctx, created.ID, false))
	_, err = b.registry.GetTopic(ctx, created.ID)
	assert.True(t, resonance.IsNotFound(err))
}

func TestRegistry_DeleteReferencedTopic(t *testing.T) {
	b := newBus(t)
	ctx := context.Background()
	orders := b.topic(t, "orders")
	b.publish(t, "orders", "", "E")

	err := b.registry.DeleteTopic(ctx, orders.ID, false)
	assert.True(t, resonance.IsConflict(err), "got %v", err)

	require.NoError(t, b.registry.DeleteTopic(ctx, orders.ID, true))
}

func TestRegistry_Subscriptions(t *testing.T) {
	b := newBus(t)
	ctx := context.Background()
	orders := b.topic(t, "orders")

	sub, err := b.registry.AddOrUpdateSubscription(ctx, model.Subscription{
		Name:               "billing",
		TopicSubscriptions: []model.TopicSubscription{model.NewTopicSubscription(orders.ID)},
	})
	require.NoError(t, err)
	assert.Equal(t, model.DefaultMaxDeliveries, sub.MaxDeliveries)
	assert.Equal(t, model.DefaultVisibilityTimeout, sub.VisibilityTimeout)
	require.Len(t, sub.TopicSubscriptions, 1)
	assert.Equal(t, sub.ID, sub.TopicSubscriptions[0].SubscriptionID)
	assert.Equal(t, []string{"billing"}, b.notifications.created)

	tests := []struct {
		name     string
		sub      model.Subscription
		wantCode string
	}{
		{
			name:     "missing name",
			sub:      model.Subscription{},
			wantCode: resonance.ErrCodeInvalidArgument,
		},
		{
			name:     "negative delivery delay",
			sub:      model.Subscription{Name: "delayed", DeliveryDelay: -time.Second},
			wantCode: resonance.ErrCodeInvalidArgument,
		},
		{
			name: "topic linked twice",
			sub: model.Subscription{Name: "twice", TopicSubscriptions: []model.TopicSubscription{
				model.NewTopicSubscription(orders.ID), model.NewTopicSubscription(orders.ID),
			}},
			wantCode: resonance.ErrCodeInvalidArgument,
		},
		{
			name: "unknown topic",
			sub: model.Subscription{Name: "dangling", TopicSubscriptions: []model.TopicSubscription{
				model.NewTopicSubscription(orders.ID + 1000),
			}},
			wantCode: resonance.ErrCodeNotFound,
		},
		{
			name:     "duplicate name",
			sub:      model.Subscription{Name: "BILLING"},
			wantCode: resonance.ErrCodeConflict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.registry.AddOrUpdateSubscription(ctx, tt.sub)
			assert.Equal(t, tt.wantCode, resonance.CodeOf(err), "got %v", err)
		})
	}

	sub.Ordered = true
	updated, err := b.registry.AddOrUpdateSubscription(ctx, sub)
	require.NoError(t, err)
	assert.True(t, updated.Ordered)
	assert.Len(t, b.notifications.created, 1)

	loaded, err := b.registry.GetSubscriptionByName(ctx, "Billing")
	require.NoError(t, err)
	assert.True(t, loaded.Ordered)

	list, err := b.registry.GetSubscriptions(ctx, "")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, b.registry.DeleteSubscription(ctx, sub.ID))
	_, err = b.registry.GetSubscription(ctx, sub.ID)
	assert.True(t, resonance.IsNotFound(err))
}

func TestRegistry_SetLinkEnabled(t *testing.T) {
	b := newBus(t)
	ctx := context.Background()
	orders := b.topic(t, "orders")
	payments := b.topic(t, "payments")
	b.subscribe(t, "billing", false, 3, orders)
	b.publish(t, "orders", "", "E")

	sub, err := b.registry.SetLinkEnabled(ctx, "billing", "orders", false)
	require.NoError(t, err)
	assert.False(t, sub.TopicSubscriptions[0].Enabled)

	claimed, err := b.consumer.ConsumeNext(ctx, "billing", 1)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	_, err = b.registry.SetLinkEnabled(ctx, "billing", "orders", true)
	require.NoError(t, err)
	claimed, err = b.consumer.ConsumeNext(ctx, "billing", 1)
	require.NoError(t, err)
	assert.Len(t, claimed, 1)

	_, err = b.registry.SetLinkEnabled(ctx, "billing", payments.Name, false)
	assert.True(t, resonance.IsNotFound(err))
	_, err = b.registry.SetLinkEnabled(ctx, "missing", "orders", false)
	assert.True(t, resonance.IsNotFound(err))
}

func TestRegistry_LinkFilter(t *testing.T) {
	b := newBus(t)
	ctx := context.Background()
	orders := b.topic(t, "orders")

	link := model.NewTopicSubscription(orders.ID)
	link.FilterHeaders = map[string]string{"region": "eu"}
	_, err := b.registry.AddOrUpdateSubscription(ctx, model.Subscription{
		Name:               "eu-billing",
		TopicSubscriptions: []model.TopicSubscription{link},
	})
	require.NoError(t, err)

	_, err = b.publisher.Publish(ctx, "orders", "us", resonance.PublishOptions{Headers: map[string]string{"region": "us"}})
	require.NoError(t, err)
	eu, err := b.publisher.Publish(ctx, "orders", "eu", resonance.PublishOptions{Headers: map[string]string{"region": "eu"}})
	require.NoError(t, err)

	claimed, err := b.consumer.ConsumeNext(ctx, "eu-billing", 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{eu.ID}, eventIDs(claimed))
}
