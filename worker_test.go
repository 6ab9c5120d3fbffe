package resonance_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coregx/resonance"
	"github.com/coregx/resonance/model"
)

const waitFor = 5 * time.Second

func succeedAll(context.Context, model.ConsumableEvent) (resonance.ConsumeResult, error) {
	return resonance.Succeeded(), nil
}

func (b *bus) newWorker(t *testing.T, subscription string, action resonance.ConsumeAction, opts ...resonance.Option) *resonance.ConsumptionWorker {
	t.Helper()
	opts = append([]resonance.Option{
		resonance.WithConsumer(b.consumer),
		resonance.WithSubscription(subscription),
		resonance.WithAction(action),
		resonance.WithIdleInterval(5 * time.Millisecond),
	}, opts...)
	w, err := resonance.NewConsumptionWorker(opts...)
	require.NoError(t, err)
	t.Cleanup(w.Stop)
	return w
}

func (b *bus) delivery(t *testing.T, subscriptionID, eventID int64) model.Delivery {
	t.Helper()
	d, err := b.store.LoadDelivery(context.Background(), subscriptionID, eventID)
	if err != nil {
		return model.Delivery{}
	}
	return d
}

func TestNewConsumptionWorker_Configuration(t *testing.T) {
	b := newBus(t)

	tests := []struct {
		name string
		opts []resonance.Option
	}{
		{"missing consumer", []resonance.Option{
			resonance.WithSubscription("billing"),
			resonance.WithAction(resonance.SingleConsumeAction(succeedAll)),
		}},
		{"missing subscription", []resonance.Option{
			resonance.WithConsumer(b.consumer),
			resonance.WithAction(resonance.SingleConsumeAction(succeedAll)),
		}},
		{"missing action", []resonance.Option{
			resonance.WithConsumer(b.consumer),
			resonance.WithSubscription("billing"),
		}},
		{"nil action", []resonance.Option{
			resonance.WithConsumer(b.consumer),
			resonance.WithSubscription("billing"),
			resonance.WithAction(resonance.SingleConsumeAction(nil)),
		}},
		{"zero batch size", []resonance.Option{
			resonance.WithConsumer(b.consumer),
			resonance.WithSubscription("billing"),
			resonance.WithAction(resonance.SingleConsumeAction(succeedAll)),
			resonance.WithBatchSize(0),
		}},
		{"negative idle interval", []resonance.Option{
			resonance.WithConsumer(b.consumer),
			resonance.WithSubscription("billing"),
			resonance.WithAction(resonance.SingleConsumeAction(succeedAll)),
			resonance.WithIdleInterval(-time.Second),
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := resonance.NewConsumptionWorker(tt.opts...)
			require.Error(t, err)
			assert.Equal(t, resonance.ErrCodeConfiguration, resonance.CodeOf(err))
		})
	}
}

func TestConsumptionWorker_Lifecycle(t *testing.T) {
	b := newBus(t)
	orders := b.topic(t, "orders")
	b.subscribe(t, "billing", false, 3, orders)
	w := b.newWorker(t, "billing", resonance.SingleConsumeAction(succeedAll))

	assert.Equal(t, resonance.WorkerStopped, w.State())
	w.Stop()

	require.NoError(t, w.Start(context.Background()))
	assert.True(t, w.IsRunning())

	err := w.Start(context.Background())
	assert.True(t, resonance.IsInvalidState(err), "got %v", err)

	w.Stop()
	assert.False(t, w.IsRunning())
	assert.Equal(t, resonance.WorkerStopped, w.State())
	w.Stop()

	require.NoError(t, w.Start(context.Background()))
	assert.True(t, w.IsRunning())
	w.Stop()
}

func TestConsumptionWorker_StopsWhenContextCanceled(t *testing.T) {
	b := newBus(t)
	orders := b.topic(t, "orders")
	b.subscribe(t, "billing", false, 3, orders)
	w := b.newWorker(t, "billing", resonance.SingleConsumeAction(succeedAll))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))
	cancel()

	require.Eventually(t, func() bool { return w.State() == resonance.WorkerStopped }, waitFor, time.Millisecond)
}

func TestConsumptionWorker_SingleAction(t *testing.T) {
	b := newBus(t)
	orders := b.topic(t, "orders")
	sub := b.subscribe(t, "billing", false, 3, orders)

	var events []model.TopicEvent
	for i := 0; i < 5; i++ {
		events = append(events, b.publish(t, "orders", "", "E"))
	}

	var mu sync.Mutex
	var seen []int64
	w := b.newWorker(t, "billing", resonance.SingleConsumeAction(func(_ context.Context, e model.ConsumableEvent) (resonance.ConsumeResult, error) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, e.ID)
		return resonance.Succeeded(), nil
	}))
	require.NoError(t, w.Start(context.Background()))

	require.Eventually(t, func() bool {
		for _, e := range events {
			if b.delivery(t, sub.ID, e.ID).Status != model.DeliveryStatusConsumed {
				return false
			}
		}
		return true
	}, waitFor, 5*time.Millisecond)
	w.Stop()

	mu.Lock()
	defer mu.Unlock()
	want := make([]int64, len(events))
	for i, e := range events {
		want[i] = e.ID
	}
	assert.Equal(t, want, seen)
}

func TestConsumptionWorker_ErrorsAndPanicsAreRetried(t *testing.T) {
	tests := []struct {
		name       string
		action     resonance.SingleConsumeAction
		wantReason string
	}{
		{
			name: "panic",
			action: func(_ context.Context, e model.ConsumableEvent) (resonance.ConsumeResult, error) {
				if e.DeliveryCount == 1 {
					panic("boom")
				}
				return resonance.Succeeded(), nil
			},
		},
		{
			name: "error",
			action: func(_ context.Context, e model.ConsumableEvent) (resonance.ConsumeResult, error) {
				if e.DeliveryCount == 1 {
					return resonance.Succeeded(), errors.New("boom")
				}
				return resonance.Succeeded(), nil
			},
		},
		{
			name: "zero result",
			action: func(_ context.Context, e model.ConsumableEvent) (resonance.ConsumeResult, error) {
				if e.DeliveryCount == 1 {
					return resonance.ConsumeResult{}, nil
				}
				return resonance.Succeeded(), nil
			},
		},
		{
			name: "must retry",
			action: func(_ context.Context, e model.ConsumableEvent) (resonance.ConsumeResult, error) {
				if e.DeliveryCount == 1 {
					return resonance.MustRetry("later"), nil
				}
				return resonance.Succeeded(), nil
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBus(t)
			orders := b.topic(t, "orders")
			sub := b.subscribe(t, "billing", false, 3, orders)
			event := b.publish(t, "orders", "", "E")

			w := b.newWorker(t, "billing", tt.action)
			require.NoError(t, w.Start(context.Background()))

			require.Eventually(t, func() bool {
				return b.delivery(t, sub.ID, event.ID).Status == model.DeliveryStatusConsumed
			}, waitFor, 5*time.Millisecond)
			w.Stop()

			assert.Equal(t, 2, b.delivery(t, sub.ID, event.ID).DeliveryCount)
			require.Len(t, b.notifications.failures, 1)
		})
	}
}

func TestConsumptionWorker_FailedResultDeadLetters(t *testing.T) {
	b := newBus(t)
	orders := b.topic(t, "orders")
	sub := b.subscribe(t, "billing", false, 2, orders)
	event := b.publish(t, "orders", "", "E")

	w := b.newWorker(t, "billing", resonance.SingleConsumeAction(func(context.Context, model.ConsumableEvent) (resonance.ConsumeResult, error) {
		return resonance.Failed("cannot parse"), nil
	}))
	require.NoError(t, w.Start(context.Background()))

	require.Eventually(t, func() bool {
		return b.delivery(t, sub.ID, event.ID).Status == model.DeliveryStatusDead
	}, waitFor, 5*time.Millisecond)
	w.Stop()

	letters, err := b.consumer.GetDeadLetters(context.Background(), "billing", 0)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "other: cannot parse", letters[0].LastError)
	assert.Equal(t, 2, letters[0].DeliveryCount)
}

func TestConsumptionWorker_BatchAction(t *testing.T) {
	b := newBus(t)
	orders := b.topic(t, "orders")
	sub := b.subscribe(t, "billing", false, 3, orders)

	var events []model.TopicEvent
	for i := 0; i < 6; i++ {
		events = append(events, b.publish(t, "orders", "", "E"))
	}

	var mu sync.Mutex
	var batches [][]int64
	w := b.newWorker(t, "billing", resonance.BatchConsumeAction(func(_ context.Context, claimed []model.ConsumableEvent) (map[int64]resonance.ConsumeResult, error) {
		mu.Lock()
		defer mu.Unlock()
		batches = append(batches, eventIDs(claimed))

		results := make(map[int64]resonance.ConsumeResult)
		for _, e := range claimed {
			// Events left out of the map on their first delivery are retried.
			if e.DeliveryCount > 1 || e.ID%2 == 0 {
				results[e.ID] = resonance.Succeeded()
			}
		}
		return results, nil
	}))
	require.NoError(t, w.Start(context.Background()))

	require.Eventually(t, func() bool {
		for _, e := range events {
			if b.delivery(t, sub.ID, e.ID).Status != model.DeliveryStatusConsumed {
				return false
			}
		}
		return true
	}, waitFor, 5*time.Millisecond)
	w.Stop()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, batches)
	assert.Len(t, batches[0], len(events))
	for _, e := range events {
		want := 1
		if e.ID%2 != 0 {
			want = 2
		}
		assert.Equal(t, want, b.delivery(t, sub.ID, e.ID).DeliveryCount, "event %d", e.ID)
	}
}

func TestConsumptionWorker_StopFinishesInFlightAcknowledgement(t *testing.T) {
	b := newBus(t)
	orders := b.topic(t, "orders")
	sub := b.subscribe(t, "billing", false, 3, orders)
	event := b.publish(t, "orders", "", "E")

	started := make(chan struct{})
	release := make(chan struct{})
	w := b.newWorker(t, "billing", resonance.SingleConsumeAction(func(context.Context, model.ConsumableEvent) (resonance.ConsumeResult, error) {
		close(started)
		<-release
		return resonance.Succeeded(), nil
	}))
	require.NoError(t, w.Start(context.Background()))
	<-started

	stopped := make(chan struct{})
	go func() {
		w.Stop()
		close(stopped)
	}()

	require.Eventually(t, func() bool { return w.State() == resonance.WorkerStopping }, waitFor, time.Millisecond)
	close(release)
	<-stopped

	assert.Equal(t, resonance.WorkerStopped, w.State())
	assert.Equal(t, model.DeliveryStatusConsumed, b.delivery(t, sub.ID, event.ID).Status)
}

func TestWorkerGroup(t *testing.T) {
	b := newBus(t)
	orders := b.topic(t, "orders")
	sub := b.subscribe(t, "billing", false, 3, orders)

	const total = 40
	var events []model.TopicEvent
	for i := 0; i < total; i++ {
		events = append(events, b.publish(t, "orders", "", "E"))
	}

	var mu sync.Mutex
	counts := make(map[int64]int)
	group, err := resonance.NewWorkerGroup(4,
		resonance.WithConsumer(b.consumer),
		resonance.WithSubscription("billing"),
		resonance.WithBatchSize(3),
		resonance.WithIdleInterval(5*time.Millisecond),
		resonance.WithAction(resonance.SingleConsumeAction(func(_ context.Context, e model.ConsumableEvent) (resonance.ConsumeResult, error) {
			mu.Lock()
			defer mu.Unlock()
			counts[e.ID]++
			return resonance.Succeeded(), nil
		})),
	)
	require.NoError(t, err)
	assert.Equal(t, 4, group.Size())

	require.NoError(t, group.Start(context.Background()))
	assert.True(t, group.IsRunning())
	assert.Error(t, group.Start(context.Background()))

	require.Eventually(t, func() bool {
		for _, e := range events {
			if b.delivery(t, sub.ID, e.ID).Status != model.DeliveryStatusConsumed {
				return false
			}
		}
		return true
	}, waitFor, 5*time.Millisecond)
	group.Stop()
	assert.False(t, group.IsRunning())

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, counts, total)
	for id, n := range counts {
		assert.Equal(t, 1, n, "event %d processed %d times", id, n)
	}

	_, err = resonance.NewWorkerGroup(0)
	assert.Error(t, err)
}

func TestConsumeResult(t *testing.T) {
	tests := []struct {
		name          string
		result        resonance.ConsumeResult
		wantSucceeded bool
		wantReason    string
		wantString    string
	}{
		{"succeeded", resonance.Succeeded(), true, "", "succeeded"},
		{"must retry", resonance.MustRetry("later"), false, "later", "must-retry: later"},
		{"failed", resonance.Failed("bad input"), false, "bad input", "failed: bad input"},
		{"zero value", resonance.ConsumeResult{}, false, "no result returned for event", "must-retry: no result returned for event"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantSucceeded, tt.result.IsSucceeded())
			assert.Equal(t, tt.wantReason, tt.result.Reason())
			assert.Equal(t, tt.wantString, tt.result.String())
		})
	}
}
