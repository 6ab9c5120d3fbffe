package resonance_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/coregx/resonance"
	"github.com/coregx/resonance/adapters/memory"
	"github.com/coregx/resonance/model"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifications struct {
	resonance.NoOpNotificationService

	mu           sync.Mutex
	deadLettered []model.AckResult
	failures     []string
	created      []string
}

func (n *recordingNotifications) NotifyDeadLettered(_ context.Context, result model.AckResult, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deadLettered = append(n.deadLettered, result)
	return nil
}

func (n *recordingNotifications) NotifyDeliveryFailure(_ context.Context, _ model.AckResult, reason string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures = append(n.failures, reason)
	return nil
}

func (n *recordingNotifications) NotifySubscriptionCreated(_ context.Context, sub model.Subscription) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.created = append(n.created, sub.Name)
	return nil
}

type bus struct {
	store         *memory.Store
	clock         *fakeClock
	notifications *recordingNotifications
	registry      *resonance.Registry
	publisher     *resonance.Publisher
	consumer      *resonance.Consumer
}

func newBus(t *testing.T) *bus {
	t.Helper()

	b := &bus{
		store:         memory.New(),
		clock:         &fakeClock{now: epoch},
		notifications: &recordingNotifications{},
	}

	var err error
	b.registry, err = resonance.NewRegistry(
		resonance.WithRegistryRepositories(b.store, b.store),
		resonance.WithRegistryNotifications(b.notifications),
		resonance.WithRegistryClock(b.clock.Now),
	)
	require.NoError(t, err)

	b.publisher, err = resonance.NewPublisher(
		resonance.WithPublisherRepositories(b.store, b.store),
		resonance.WithPublisherClock(b.clock.Now),
	)
	require.NoError(t, err)

	b.consumer, err = resonance.NewConsumer(
		resonance.WithConsumerStore(b.store),
		resonance.WithConsumerNotifications(b.notifications),
		resonance.WithConsumerClock(b.clock.Now),
	)
	require.NoError(t, err)

	return b
}

func (b *bus) topic(t *testing.T, name string) model.Topic {
	t.Helper()
	topic, err := b.registry.AddOrUpdateTopic(context.Background(), model.Topic{Name: name})
	require.NoError(t, err)
	return topic
}

func (b *bus) subscribe(t *testing.T, name string, ordered bool, maxDeliveries int, topics ...model.Topic) model.Subscription {
	t.Helper()
	sub := model.Subscription{Name: name, Ordered: ordered, MaxDeliveries: maxDeliveries, VisibilityTimeout: time.Minute}
	for _, topic := range topics {
		sub.TopicSubscriptions = append(sub.TopicSubscriptions, model.NewTopicSubscription(topic.ID))
	}
	saved, err := b.registry.AddOrUpdateSubscription(context.Background(), sub)
	require.NoError(t, err)
	return saved
}

func (b *bus) publish(t *testing.T, topic, key, payload string) model.TopicEvent {
	t.Helper()
	event, err := b.publisher.Publish(context.Background(), topic, payload, resonance.PublishOptions{FunctionalKey: key})
	require.NoError(t, err)
	b.clock.Advance(time.Second)
	return event
}

func eventIDs(events []model.ConsumableEvent) []int64 {
	ids := make([]int64, len(events))
	for i, e := range events {
		ids[i] = e.ID
	}
	return ids
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	return testutil.ToFloat64(c)
}
