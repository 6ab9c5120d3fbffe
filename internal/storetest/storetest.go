// Package storetest holds the behavioral test suite every resonance.Store adapter must pass.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coregx/resonance"
	"github.com/coregx/resonance/model"
)

// Factory creates an empty store for one subtest.
type Factory func(t *testing.T) resonance.Store

// Epoch is the fixed clock origin the suite uses. Store timestamps are second-aligned
// so every SQL engine round-trips them exactly.
var Epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Run executes the suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, f *fixture)
	}{
		{"TopicCRUD", testTopicCRUD},
		{"TopicDeleteReferenced", testTopicDeleteReferenced},
		{"SubscriptionCRUD", testSubscriptionCRUD},
		{"RoundTrip", testRoundTrip},
		{"UnknownSubscription", testUnknownSubscription},
		{"NoLinks", testNoLinks},
		{"DisabledLinkHidesEvents", testDisabledLinkHidesEvents},
		{"LinkFilter", testLinkFilter},
		{"ScheduledAndExpired", testScheduledAndExpired},
		{"DeliveryDelay", testDeliveryDelay},
		{"BatchOldestFirst", testBatchOldestFirst},
		{"VisibilityTimeout", testVisibilityTimeout},
		{"MaxDeliveries", testMaxDeliveries},
		{"AckTwice", testAckTwice},
		{"AckAfterTimeoutBeforeReclaim", testAckAfterTimeoutBeforeReclaim},
		{"AckStaleAfterReclaim", testAckStaleAfterReclaim},
		{"AckUnknown", testAckUnknown},
		{"OrderedFunctionalKey", testOrderedFunctionalKey},
		{"OrderedPoisonEventReleasesKey", testOrderedPoisonEventReleasesKey},
		{"OrderedTimeoutReoffersHead", testOrderedTimeoutReoffersHead},
		{"UnorderedIgnoresKey", testUnorderedIgnoresKey},
		{"SubscriptionsIndependent", testSubscriptionsIndependent},
		{"LateSubscriptionSeesHistory", testLateSubscriptionSeesHistory},
		{"ReleaseExpiredClaims", testReleaseExpiredClaims},
		{"AckAfterHousekeeping", testAckAfterHousekeeping},
		{"DeadLetters", testDeadLetters},
		{"ConcurrentClaims", testConcurrentClaims},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, &fixture{t: t, store: newStore(t), ctx: context.Background()})
		})
	}
}

type fixture struct {
	t     *testing.T
	store resonance.Store
	ctx   context.Context
}

func (f *fixture) topic(name string) model.Topic {
	topic := model.NewTopic(name, "", Epoch)
	saved, err := f.store.SaveTopic(f.ctx, &topic)
	require.NoError(f.t, err)
	return *saved
}

func (f *fixture) subscription(name string, ordered bool, maxDeliveries int, topics ...model.Topic) model.Subscription {
	sub := model.NewSubscription(name, Epoch)
	sub.Ordered = ordered
	sub.MaxDeliveries = maxDeliveries
	sub.VisibilityTimeout = time.Minute
	for _, topic := range topics {
		sub.TopicSubscriptions = append(sub.TopicSubscriptions, model.NewTopicSubscription(topic.ID))
	}
	saved, err := f.store.SaveSubscription(f.ctx, &sub)
	require.NoError(f.t, err)
	return *saved
}

func (f *fixture) publish(topic model.Topic, key, payload string, at time.Time) model.TopicEvent {
	event := model.TopicEvent{
		TopicID:         topic.ID,
		FunctionalKey:   key,
		Payload:         payload,
		Headers:         map[string]string{"payload": payload},
		PublicationDate: at,
		CreatedAt:       at,
	}
	saved, err := f.store.InsertEvent(f.ctx, &event)
	require.NoError(f.t, err)
	return *saved
}

func (f *fixture) claim(sub model.Subscription, maxCount int, now time.Time) []model.ConsumableEvent {
	claimed, err := f.store.ClaimNext(f.ctx, sub.Name, maxCount, now)
	require.NoError(f.t, err)
	return claimed
}

func (f *fixture) ack(ce model.ConsumableEvent, now time.Time) (model.AckResult, error) {
	return f.store.Acknowledge(f.ctx, model.Acknowledgement{
		EventID:     ce.ID,
		DeliveryKey: ce.DeliveryKey,
		Verdict:     model.VerdictSucceeded,
	}, now)
}

func (f *fixture) fail(ce model.ConsumableEvent, reason string, now time.Time) (model.AckResult, error) {
	return f.store.Acknowledge(f.ctx, model.Acknowledgement{
		EventID:     ce.ID,
		DeliveryKey: ce.DeliveryKey,
		Verdict:     model.VerdictFailed,
		Reason:      model.ReasonOther(reason),
	}, now)
}

func ids(events []model.ConsumableEvent) []int64 {
	out := make([]int64, len(events))
	for i, e := range events {
		out[i] = e.ID
	}
	return out
}

func at(seconds int) time.Time {
	return Epoch.Add(time.Duration(seconds) * time.Second)
}

func testTopicCRUD(t *testing.T, f *fixture) {
	orders := f.topic("Orders")
	f.topic("payments")

	byName, err := f.store.FindTopicByName(f.ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, orders.ID, byName.ID)

	duplicate := model.NewTopic("ORDERS", "", Epoch)
	_, err = f.store.SaveTopic(f.ctx, &duplicate)
	assert.True(t, resonance.IsConflict(err), "got %v", err)

	orders.Notes = "all orders"
	_, err = f.store.SaveTopic(f.ctx, &orders)
	require.NoError(t, err)
	loaded, err := f.store.LoadTopic(f.ctx, orders.ID)
	require.NoError(t, err)
	assert.Equal(t, "all orders", loaded.Notes)

	found, err := f.store.FindTopics(f.ctx, "ORD")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "Orders", found[0].Name)

	all, err := f.store.FindTopics(f.ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, f.store.DeleteTopic(f.ctx, orders.ID, false))
	_, err = f.store.LoadTopic(f.ctx, orders.ID)
	assert.True(t, resonance.IsNotFound(err))
	assert.True(t, resonance.IsNotFound(f.store.DeleteTopic(f.ctx, orders.ID, false)))
}

func testTopicDeleteReferenced(t *testing.T, f *fixture) {
	orders := f.topic("orders")
	sub := f.subscription("billing", false, 3, orders)
	f.publish(orders, "", "p1", at(0))

	err := f.store.DeleteTopic(f.ctx, orders.ID, false)
	assert.True(t, resonance.IsConflict(err), "got %v", err)

	require.NoError(t, f.store.DeleteTopic(f.ctx, orders.ID, true))

	loaded, err := f.store.LoadSubscription(f.ctx, sub.ID)
	require.NoError(t, err)
	assert.Empty(t, loaded.TopicSubscriptions)

	_, err = f.store.ClaimNext(f.ctx, sub.Name, 10, at(1))
	assert.True(t, resonance.IsNotFound(err), "got %v", err)
}

func testSubscriptionCRUD(t *testing.T, f *fixture) {
	orders := f.topic("orders")
	payments := f.topic("payments")
	sub := f.subscription("billing", true, 4, orders)

	loaded, err := f.store.FindSubscriptionByName(f.ctx, "BILLING")
	require.NoError(t, err)
	assert.Equal(t, sub.ID, loaded.ID)
	assert.True(t, loaded.Ordered)
	assert.Equal(t, 4, loaded.MaxDeliveries)
	assert.Equal(t, time.Minute, loaded.VisibilityTimeout)
	require.Len(t, loaded.TopicSubscriptions, 1)
	assert.Equal(t, orders.ID, loaded.TopicSubscriptions[0].TopicID)
	assert.Equal(t, sub.ID, loaded.TopicSubscriptions[0].SubscriptionID)
	assert.True(t, loaded.TopicSubscriptions[0].Enabled)

	filtered := model.NewTopicSubscription(payments.ID)
	filtered.FilterFunctionalKey = "fk1"
	filtered.FilterHeaders = map[string]string{"region": "eu"}
	loaded.TopicSubscriptions = []model.TopicSubscription{filtered}
	loaded.DeliveryDelay = 5 * time.Second
	_, err = f.store.SaveSubscription(f.ctx, &loaded)
	require.NoError(t, err)

	reloaded, err := f.store.LoadSubscription(f.ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, reloaded.DeliveryDelay)
	require.Len(t, reloaded.TopicSubscriptions, 1)
	assert.Equal(t, payments.ID, reloaded.TopicSubscriptions[0].TopicID)
	assert.Equal(t, "fk1", reloaded.TopicSubscriptions[0].FilterFunctionalKey)
	assert.Equal(t, map[string]string{"region": "eu"}, reloaded.TopicSubscriptions[0].FilterHeaders)

	duplicate := model.NewSubscription("Billing", Epoch)
	_, err = f.store.SaveSubscription(f.ctx, &duplicate)
	assert.True(t, resonance.IsConflict(err), "got %v", err)

	dangling := model.NewSubscription("audit", Epoch)
	dangling.TopicSubscriptions = []model.TopicSubscription{model.NewTopicSubscription(orders.ID + payments.ID + 1000)}
	_, err = f.store.SaveSubscription(f.ctx, &dangling)
	assert.True(t, resonance.IsNotFound(err), "got %v", err)

	f.subscription("audit", false, 1)
	list, err := f.store.FindSubscriptions(f.ctx, "")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	require.NoError(t, f.store.DeleteSubscription(f.ctx, sub.ID))
	_, err = f.store.LoadSubscription(f.ctx, sub.ID)
	assert.True(t, resonance.IsNotFound(err))
}

func testRoundTrip(t *testing.T, f *fixture) {
	orders := f.topic("orders")
	sub := f.subscription("billing", false, 3, orders)
	expires := at(3600)
	event := model.TopicEvent{
		TopicID:         orders.ID,
		FunctionalKey:   "order-1",
		Payload:         `{"total":42}`,
		Headers:         map[string]string{"content-type": "application/json", "tenant": "acme"},
		PublicationDate: at(0),
		ExpirationDate:  &expires,
		CreatedAt:       at(0),
	}
	saved, err := f.store.InsertEvent(f.ctx, &event)
	require.NoError(t, err)
	require.NotZero(t, saved.ID)

	loaded, err := f.store.LoadEvent(f.ctx, saved.ID)
	require.NoError(t, err)
	assert.Equal(t, event.Headers, loaded.Headers)
	assert.True(t, at(0).Equal(loaded.PublicationDate))

	claimed := f.claim(sub, 1, at(1))
	require.Len(t, claimed, 1)
	ce := claimed[0]
	assert.Equal(t, saved.ID, ce.ID)
	assert.Equal(t, sub.ID, ce.SubscriptionID)
	assert.Equal(t, `{"total":42}`, ce.Payload)
	assert.Equal(t, event.Headers, ce.Headers)
	assert.Equal(t, "order-1", ce.FunctionalKey)
	assert.Equal(t, 1, ce.DeliveryCount)
	assert.NotEmpty(t, ce.DeliveryKey)
	assert.True(t, at(61).Equal(ce.InvisibleUntil), "invisible until %v", ce.InvisibleUntil)
	require.NotNil(t, ce.ExpirationDate)
	assert.True(t, expires.Equal(*ce.ExpirationDate))

	res, err := f.ack(ce, at(2))
	require.NoError(t, err)
	assert.Equal(t, model.AckOutcomeConsumed, res.Outcome)
	assert.Empty(t, f.claim(sub, 1, at(3600*2)))
}

func testUnknownSubscription(t *testing.T, f *fixture) {
	_, err := f.store.ClaimNext(f.ctx, "missing", 1, at(0))
	assert.True(t, resonance.IsNotFound(err), "got %v", err)
}

func testNoLinks(t *testing.T, f *fixture) {
	orders := f.topic("orders")
	f.publish(orders, "", "p1", at(0))
	sub := f.subscription("unlinked", false, 3)

	_, err := f.store.ClaimNext(f.ctx, sub.Name, 10, at(1))
	assert.True(t, resonance.IsNotFound(err), "got %v", err)

	sub.TopicSubscriptions = []model.TopicSubscription{model.NewTopicSubscription(orders.ID)}
	_, err = f.store.SaveSubscription(f.ctx, &sub)
	require.NoError(t, err)
	assert.Len(t, f.claim(sub, 10, at(1)), 1)
}

func testDisabledLinkHidesEvents(t *testing.T, f *fixture) {
	orders := f.topic("orders")
	sub := f.subscription("billing", false, 3, orders)
	f.publish(orders, "", "p1", at(0))

	sub.TopicSubscriptions[0].Enabled = false
	_, err := f.store.SaveSubscription(f.ctx, &sub)
	require.NoError(t, err)
	assert.Empty(t, f.claim(sub, 10, at(1)))

	sub.TopicSubscriptions[0].Enabled = true
	_, err = f.store.SaveSubscription(f.ctx, &sub)
	require.NoError(t, err)
	assert.Len(t, f.claim(sub, 10, at(1)), 1)
}

func testLinkFilter(t *testing.T, f *fixture) {
	orders := f.topic("orders")
	sub := model.NewSubscription("eu-orders", Epoch)
	sub.Ordered = true
	link := model.NewTopicSubscription(orders.ID)
	link.FilterHeaders = map[string]string{"payload": "eu"}
	sub.TopicSubscriptions = []model.TopicSubscription{link}
	_, err := f.store.SaveSubscription(f.ctx, &sub)
	require.NoError(t, err)

	f.publish(orders, "fk1", "us", at(0))
	eu := f.publish(orders, "fk1", "eu", at(1))

	// The filtered-out "us" event neither shows up nor holds up fk1.
	claimed := f.claim(sub, 10, at(2))
	assert.Equal(t, []int64{eu.ID}, ids(claimed))
}

func testScheduledAndExpired(t *testing.T, f *fixture) {
	orders := f.topic("orders")
	sub := f.subscription("billing", false, 3, orders)
	future := f.publish(orders, "", "future", at(100))
	expires := at(10)
	expiring := model.TopicEvent{TopicID: orders.ID, Payload: "expiring", PublicationDate: at(0), ExpirationDate: &expires, CreatedAt: at(0)}
	_, err := f.store.InsertEvent(f.ctx, &expiring)
	require.NoError(t, err)

	assert.Empty(t, f.claim(sub, 10, at(50)))
	assert.Equal(t, []int64{future.ID}, ids(f.claim(sub, 10, at(100))))
}

func testDeliveryDelay(t *testing.T, f *fixture) {
	orders := f.topic("orders")
	sub := f.subscription("billing", false, 3, orders)
	sub.DeliveryDelay = 30 * time.Second
	_, err := f.store.SaveSubscription(f.ctx, &sub)
	require.NoError(t, err)
	event := f.publish(orders, "", "p1", at(0))

	assert.Empty(t, f.claim(sub, 10, at(29)))
	assert.Equal(t, []int64{event.ID}, ids(f.claim(sub, 10, at(30))))
}

func testBatchOldestFirst(t *testing.T, f *fixture) {
	orders := f.topic("orders")
	sub := f.subscription("billing", false, 3, orders)
	var published []model.TopicEvent
	// Inserted out of publication order on purpose.
	for _, offset := range []int{4, 2, 0, 3, 1} {
		published = append(published, f.publish(orders, "", fmt.Sprintf("p%d", offset), at(offset)))
	}
	byOffset := map[int]int64{4: published[0].ID, 2: published[1].ID, 0: published[2].ID, 3: published[3].ID, 1: published[4].ID}

	first := f.claim(sub, 3, at(10))
	assert.Equal(t, []int64{byOffset[0], byOffset[1], byOffset[2]}, ids(first))

	rest := f.claim(sub, 3, at(10))
	assert.Equal(t, []int64{byOffset[3], byOffset[4]}, ids(rest))

	assert.Empty(t, f.claim(sub, 3, at(10)))
}

func testVisibilityTimeout(t *testing.T, f *fixture) {
	orders := f.topic("orders")
	sub := f.subscription("billing", false, 5, orders)
	f.publish(orders, "", "p1", at(0))

	first := f.claim(sub, 1, at(1))
	require.Len(t, first, 1)
	assert.Empty(t, f.claim(sub, 1, at(60)))

	second := f.claim(sub, 1, at(61))
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.Equal(t, 2, second[0].DeliveryCount)
	assert.NotEqual(t, first[0].DeliveryKey, second[0].DeliveryKey)

	delivery, err := f.store.LoadDelivery(f.ctx, sub.ID, first[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 2, delivery.DeliveryCount)
	assert.Equal(t, model.DeliveryStatusClaimed, delivery.Status)
}

func testMaxDeliveries(t *testing.T, f *fixture) {
	orders := f.topic("orders")
	sub := f.subscription("billing", false, 2, orders)
	event := f.publish(orders, "", "p1", at(0))

	first := f.claim(sub, 1, at(1))
	require.Len(t, first, 1)
	assert.Equal(t, 1, first[0].DeliveryCount)
	res, err := f.fail(first[0], "x", at(2))
	require.NoError(t, err)
	assert.Equal(t, model.AckOutcomeReleased, res.Outcome)

	delivery, err := f.store.LoadDelivery(f.ctx, sub.ID, event.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryStatusReleased, delivery.Status)
	assert.Equal(t, "other: x", delivery.Reason)

	// Released immediately, no need to wait for the visibility timeout.
	second := f.claim(sub, 1, at(3))
	require.Len(t, second, 1)
	assert.Equal(t, 2, second[0].DeliveryCount)
	res, err = f.fail(second[0], "x", at(4))
	require.NoError(t, err)
	assert.Equal(t, model.AckOutcomeDeadLettered, res.Outcome)
	assert.Equal(t, 2, res.DeliveryCount)

	assert.Empty(t, f.claim(sub, 1, at(5)))
	assert.Empty(t, f.claim(sub, 1, at(3600)))

	delivery, err = f.store.LoadDelivery(f.ctx, sub.ID, event.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryStatusDead, delivery.Status)
	assert.Equal(t, "max-deliveries-exceeded", delivery.Reason)
	assert.Equal(t, 2, delivery.DeliveryCount)
}

func testAckTwice(t *testing.T, f *fixture) {
	orders := f.topic("orders")
	sub := f.subscription("billing", false, 3, orders)
	f.publish(orders, "", "p1", at(0))
	claimed := f.claim(sub, 1, at(1))
	require.Len(t, claimed, 1)

	_, err := f.ack(claimed[0], at(2))
	require.NoError(t, err)

	_, err = f.ack(claimed[0], at(3))
	assert.True(t, resonance.IsStaleClaim(err) || resonance.IsNotFound(err), "got %v", err)
	_, err = f.fail(claimed[0], "late", at(3))
	assert.True(t, resonance.IsStaleClaim(err) || resonance.IsNotFound(err), "got %v", err)
}

func testAckAfterTimeoutBeforeReclaim(t *testing.T, f *fixture) {
	orders := f.topic("orders")
	sub := f.subscription("billing", false, 3, orders)
	f.publish(orders, "", "p1", at(0))
	claimed := f.claim(sub, 1, at(1))
	require.Len(t, claimed, 1)

	res, err := f.ack(claimed[0], at(120))
	require.NoError(t, err)
	assert.Equal(t, model.AckOutcomeConsumed, res.Outcome)
	assert.Empty(t, f.claim(sub, 1, at(121)))
}

func testAckStaleAfterReclaim(t *testing.T, f *fixture) {
	orders := f.topic("orders")
	sub := f.subscription("billing", false, 3, orders)
	f.publish(orders, "", "p1", at(0))
	first := f.claim(sub, 1, at(1))
	require.Len(t, first, 1)
	second := f.claim(sub, 1, at(62))
	require.Len(t, second, 1)

	_, err := f.ack(first[0], at(63))
	assert.True(t, resonance.IsStaleClaim(err), "got %v", err)

	_, err = f.ack(second[0], at(63))
	require.NoError(t, err)
}

func testAckUnknown(t *testing.T, f *fixture) {
	orders := f.topic("orders")
	sub := f.subscription("billing", false, 3, orders)
	event := f.publish(orders, "", "p1", at(0))

	_, err := f.ack(model.ConsumableEvent{ID: event.ID + 1000, DeliveryKey: "nope"}, at(1))
	assert.True(t, resonance.IsNotFound(err), "got %v", err)

	_, err = f.ack(model.ConsumableEvent{ID: event.ID, DeliveryKey: "never-claimed"}, at(1))
	assert.True(t, resonance.IsNotFound(err), "got %v", err)

	claimed := f.claim(sub, 1, at(1))
	require.Len(t, claimed, 1)
	_, err = f.store.Acknowledge(f.ctx, model.Acknowledgement{
		EventID:          claimed[0].ID,
		SubscriptionName: "other",
		DeliveryKey:      claimed[0].DeliveryKey,
		Verdict:          model.VerdictSucceeded,
	}, at(2))
	assert.True(t, resonance.IsNotFound(err), "got %v", err)

	_, err = f.store.Acknowledge(f.ctx, model.Acknowledgement{
		EventID:          claimed[0].ID,
		SubscriptionName: "billing",
		DeliveryKey:      claimed[0].DeliveryKey,
		Verdict:          model.VerdictSucceeded,
	}, at(2))
	require.NoError(t, err)
}

func testOrderedFunctionalKey(t *testing.T, f *fixture) {
	orders := f.topic("orders")
	sub := f.subscription("billing", true, 3, orders)
	e1 := f.publish(orders, "fk1", "e1", at(0))
	e2 := f.publish(orders, "fk1", "e2", at(1))
	other := f.publish(orders, "fk2", "other", at(2))

	first := f.claim(sub, 10, at(5))
	assert.Equal(t, []int64{e1.ID, other.ID}, ids(first))

	// e1 still claimed: fk1 is held.
	assert.Empty(t, f.claim(sub, 10, at(6)))

	_, err := f.ack(first[0], at(7))
	require.NoError(t, err)

	next := f.claim(sub, 10, at(8))
	assert.Equal(t, []int64{e2.ID}, ids(next))
}

func testOrderedPoisonEventReleasesKey(t *testing.T, f *fixture) {
	orders := f.topic("orders")
	sub := f.subscription("billing", true, 1, orders)
	f.publish(orders, "fk1", "poison", at(0))
	e2 := f.publish(orders, "fk1", "e2", at(1))

	claimed := f.claim(sub, 10, at(2))
	require.Len(t, claimed, 1)
	res, err := f.fail(claimed[0], "cannot parse", at(3))
	require.NoError(t, err)
	assert.Equal(t, model.AckOutcomeDeadLettered, res.Outcome)

	assert.Equal(t, []int64{e2.ID}, ids(f.claim(sub, 10, at(4))))
}

func testOrderedTimeoutReoffersHead(t *testing.T, f *fixture) {
	orders := f.topic("orders")
	sub := f.subscription("billing", true, 2, orders)
	e1 := f.publish(orders, "fk1", "e1", at(0))
	e2 := f.publish(orders, "fk1", "e2", at(1))

	assert.Equal(t, []int64{e1.ID}, ids(f.claim(sub, 10, at(2))))
	// Timed out: e1 is offered again, e2 still waits.
	assert.Equal(t, []int64{e1.ID}, ids(f.claim(sub, 10, at(63))))
	// Timed out at its budget: e1 is settled and e2 moves up.
	assert.Equal(t, []int64{e2.ID}, ids(f.claim(sub, 10, at(124))))
}

func testUnorderedIgnoresKey(t *testing.T, f *fixture) {
	orders := f.topic("orders")
	sub := f.subscription("billing", false, 3, orders)
	e1 := f.publish(orders, "fk1", "e1", at(0))
	e2 := f.publish(orders, "fk1", "e2", at(1))

	assert.Equal(t, []int64{e1.ID, e2.ID}, ids(f.claim(sub, 10, at(2))))
}

func testSubscriptionsIndependent(t *testing.T, f *fixture) {
	orders := f.topic("orders")
	billing := f.subscription("billing", false, 3, orders)
	shipping := f.subscription("shipping", false, 3, orders)
	event := f.publish(orders, "", "p1", at(0))

	b := f.claim(billing, 1, at(1))
	s := f.claim(shipping, 1, at(1))
	require.Len(t, b, 1)
	require.Len(t, s, 1)
	assert.Equal(t, event.ID, b[0].ID)
	assert.Equal(t, event.ID, s[0].ID)
	assert.NotEqual(t, b[0].DeliveryKey, s[0].DeliveryKey)

	_, err := f.ack(b[0], at(2))
	require.NoError(t, err)
	res, err := f.fail(s[0], "later", at(2))
	require.NoError(t, err)
	assert.Equal(t, shipping.ID, res.SubscriptionID)
	assert.Equal(t, model.AckOutcomeReleased, res.Outcome)
}

func testLateSubscriptionSeesHistory(t *testing.T, f *fixture) {
	orders := f.topic("orders")
	event := f.publish(orders, "", "p1", at(0))
	sub := f.subscription("late", false, 3, orders)

	assert.Equal(t, []int64{event.ID}, ids(f.claim(sub, 1, at(10))))
}

func testReleaseExpiredClaims(t *testing.T, f *fixture) {
	orders := f.topic("orders")
	sub := f.subscription("billing", false, 1, orders)
	retryable := f.subscription("retryable", false, 3, orders)
	event := f.publish(orders, "", "p1", at(0))

	require.Len(t, f.claim(sub, 1, at(1)), 1)
	require.Len(t, f.claim(retryable, 1, at(1)), 1)

	n, err := f.store.ReleaseExpiredClaims(f.ctx, at(30))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = f.store.ReleaseExpiredClaims(f.ctx, at(61))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	dead, err := f.store.LoadDelivery(f.ctx, sub.ID, event.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryStatusDead, dead.Status)
	assert.Equal(t, "max-deliveries-exceeded", dead.Reason)

	// Budget left: the claim is left for the next ClaimNext to take over.
	pending, err := f.store.LoadDelivery(f.ctx, retryable.ID, event.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryStatusClaimed, pending.Status)
	assert.Equal(t, 1, pending.DeliveryCount)

	letters, err := f.store.FindDeadLetters(f.ctx, sub.ID, 0)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, event.ID, letters[0].EventID)
}

func testAckAfterHousekeeping(t *testing.T, f *fixture) {
	orders := f.topic("orders")
	sub := f.subscription("billing", true, 3, orders)
	f.publish(orders, "fk1", "e1", at(0))
	e2 := f.publish(orders, "fk1", "e2", at(1))

	claimed := f.claim(sub, 10, at(2))
	require.Len(t, claimed, 1)

	n, err := f.store.ReleaseExpiredClaims(f.ctx, at(70))
	require.NoError(t, err)
	assert.Zero(t, n)

	res, err := f.ack(claimed[0], at(71))
	require.NoError(t, err)
	assert.Equal(t, model.AckOutcomeConsumed, res.Outcome)
	assert.Equal(t, 1, res.DeliveryCount)

	assert.Equal(t, []int64{e2.ID}, ids(f.claim(sub, 10, at(72))))
}

func testDeadLetters(t *testing.T, f *fixture) {
	orders := f.topic("orders")
	sub := f.subscription("billing", false, 1, orders)
	first := f.publish(orders, "fk1", "p1", at(0))
	second := f.publish(orders, "", "p2", at(1))

	claimed := f.claim(sub, 2, at(2))
	require.Len(t, claimed, 2)
	for i, ce := range claimed {
		_, err := f.fail(ce, "boom", at(3+i))
		require.NoError(t, err)
	}

	letters, err := f.store.FindDeadLetters(f.ctx, sub.ID, 0)
	require.NoError(t, err)
	require.Len(t, letters, 2)
	assert.Equal(t, second.ID, letters[0].EventID)
	assert.Equal(t, first.ID, letters[1].EventID)
	assert.Equal(t, "other: boom", letters[1].LastError)
	assert.Equal(t, "max-deliveries-exceeded", letters[1].FailureReason)
	assert.Equal(t, "fk1", letters[1].FunctionalKey)
	assert.Equal(t, "p1", letters[1].Payload)
	assert.Equal(t, 1, letters[1].DeliveryCount)

	limited, err := f.store.FindDeadLetters(f.ctx, sub.ID, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	letter := letters[0]
	letter.Resolve("ops", "replayed", at(100))
	_, err = f.store.SaveDeadLetter(f.ctx, &letter)
	require.NoError(t, err)
	loaded, err := f.store.LoadDeadLetter(f.ctx, letter.ID)
	require.NoError(t, err)
	assert.True(t, loaded.IsResolved)
	assert.Equal(t, "ops", loaded.ResolvedBy)

	stats, err := f.store.GetDeadLetterStats(f.ctx, at(100))
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalItems)
	assert.Equal(t, 1, stats.ResolvedItems)
	assert.Equal(t, 1, stats.UnresolvedItems)
	assert.Equal(t, "max-deliveries-exceeded", stats.TopFailureReason)
}

func testConcurrentClaims(t *testing.T, f *fixture) {
	orders := f.topic("orders")
	unordered := f.subscription("unordered", false, 3, orders)
	ordered := f.subscription("ordered", true, 3, orders)
	const events = 40
	for i := 0; i < events; i++ {
		f.publish(orders, fmt.Sprintf("fk%d", i%4), fmt.Sprintf("p%d", i), at(i))
	}

	claimAll := func(sub model.Subscription) map[int64]int {
		var mu sync.Mutex
		seen := make(map[int64]int)
		var wg sync.WaitGroup
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 10; i++ {
					claimed, err := f.store.ClaimNext(f.ctx, sub.Name, 3, at(events))
					if !assert.NoError(t, err) {
						return
					}
					mu.Lock()
					for _, ce := range claimed {
						seen[ce.ID]++
					}
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		return seen
	}

	seen := claimAll(unordered)
	assert.Len(t, seen, events)
	for id, n := range seen {
		assert.Equal(t, 1, n, "event %d claimed %d times", id, n)
	}

	// Ordered: only the head of each of the four keys may be out at once.
	seen = claimAll(ordered)
	assert.Len(t, seen, 4)
	for id, n := range seen {
		assert.Equal(t, 1, n, "event %d claimed %d times", id, n)
	}
}
