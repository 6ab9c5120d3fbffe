package resonance

import (
	"context"
	"fmt"
	"sort"

	"github.com/coregx/resonance/model"
)

// Consumer is the delivery engine: it claims events for subscriptions and settles
// the claims with the verdicts consumers report.
//
// The Consumer holds no delivery state of its own. Every guarantee (one active claim
// per event and subscription, per-key ordering, bounded deliveries) is enforced by the
// store, so any number of Consumers in any number of processes may share one store.
//
// Thread safety: Safe for concurrent use.
type Consumer struct {
	store         Store
	logger        Logger
	metrics       *Metrics
	notifications NotificationService
	clock         Clock
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer) error

// NewConsumer creates a new Consumer with the provided options.
//
// Required options:
//   - WithConsumerStore: the store holding events and delivery state
//
// Optional options:
//   - WithConsumerLogger (default: NoopLogger)
//   - WithConsumerMetrics (default: unregistered collectors)
//   - WithConsumerNotifications (default: NoOpNotificationService)
//   - WithConsumerClock (default: SystemClock)
func NewConsumer(opts ...ConsumerOption) (*Consumer, error) {
	c := &Consumer{
		logger:        &NoopLogger{},
		metrics:       NewMetrics(nil),
		notifications: &NoOpNotificationService{},
		clock:         SystemClock,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, NewErrorWithCause(ErrCodeConfiguration, "failed to apply consumer option", err)
		}
	}

	if c.store == nil {
		return nil, NewError(ErrCodeConfiguration, "Store is required (use WithConsumerStore)")
	}

	return c, nil
}

// WithConsumerStore sets the store the consumer claims from.
func WithConsumerStore(store Store) ConsumerOption {
	return func(c *Consumer) error {
		if store == nil {
			return fmt.Errorf("store cannot be nil")
		}
		c.store = store
		return nil
	}
}

// WithConsumerLogger sets the logger instance.
func WithConsumerLogger(logger Logger) ConsumerOption {
	return func(c *Consumer) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		c.logger = logger
		return nil
	}
}

// WithConsumerMetrics sets the metrics the consumer updates.
func WithConsumerMetrics(metrics *Metrics) ConsumerOption {
	return func(c *Consumer) error {
		if metrics == nil {
			return fmt.Errorf("metrics cannot be nil")
		}
		c.metrics = metrics
		return nil
	}
}

// WithConsumerNotifications sets the notification service told about failures and dead letters.
func WithConsumerNotifications(service NotificationService) ConsumerOption {
	return func(c *Consumer) error {
		if service == nil {
			return fmt.Errorf("notification service cannot be nil")
		}
		c.notifications = service
		return nil
	}
}

// WithConsumerClock overrides the clock claims and acknowledgements are evaluated at.
func WithConsumerClock(clock Clock) ConsumerOption {
	return func(c *Consumer) error {
		if clock == nil {
			return fmt.Errorf("clock cannot be nil")
		}
		c.clock = clock
		return nil
	}
}

// ConsumeNext claims up to maxCount events for the named subscription, oldest first.
//
// Each returned event carries a fresh delivery key that must be passed to MarkConsumed
// or MarkFailed. An empty result means nothing is eligible right now and is not an error.
// An unknown subscription, or one without any topic link, fails with NOT_FOUND; a
// non-positive maxCount fails with INVALID_ARGUMENT. Disabled links only hide events.
func (c *Consumer) ConsumeNext(ctx context.Context, subscriptionName string, maxCount int) ([]model.ConsumableEvent, error) {
	if subscriptionName == "" {
		return nil, NewError(ErrCodeInvalidArgument, "subscription name is required")
	}
	if maxCount <= 0 {
		return nil, NewError(ErrCodeInvalidArgument, fmt.Sprintf("maxCount must be > 0, got %d", maxCount))
	}

	events, err := c.store.ClaimNext(ctx, subscriptionName, maxCount, c.clock())
	if err != nil {
		return nil, wrapStoreError(err, fmt.Sprintf("failed to claim events for %s", subscriptionName))
	}

	if len(events) > 0 {
		c.metrics.EventsClaimed.WithLabelValues(subscriptionName).Add(float64(len(events)))
		c.logger.Debugf("Claimed %d events for subscription %s", len(events), subscriptionName)
	}
	return events, nil
}

// MarkConsumed records the claimed event as processed.
//
// Fails with NOT_FOUND when no claim matches, or STALE_CLAIM when the key no longer
// identifies the current claim (already acknowledged, or claimed again after its
// visibility timeout). Callers are expected to log such failures and move on.
func (c *Consumer) MarkConsumed(ctx context.Context, eventID int64, deliveryKey string) (model.AckResult, error) {
	return c.acknowledge(ctx, model.Acknowledgement{
		EventID:     eventID,
		DeliveryKey: deliveryKey,
		Verdict:     model.VerdictSucceeded,
	})
}

// MarkFailed reports a failed processing attempt.
//
// Below the subscription's delivery budget the event is released and claimable again at
// once. At the budget it is dead-lettered and the result's Outcome is AckOutcomeDeadLettered.
func (c *Consumer) MarkFailed(ctx context.Context, eventID int64, deliveryKey, reason string) (model.AckResult, error) {
	return c.acknowledge(ctx, model.Acknowledgement{
		EventID:     eventID,
		DeliveryKey: deliveryKey,
		Verdict:     model.VerdictFailed,
		Reason:      model.ReasonOther(reason),
	})
}

func (c *Consumer) acknowledge(ctx context.Context, ack model.Acknowledgement) (model.AckResult, error) {
	if ack.EventID <= 0 {
		return model.AckResult{}, NewError(ErrCodeInvalidArgument, "event ID is required")
	}
	if ack.DeliveryKey == "" {
		return model.AckResult{}, NewError(ErrCodeInvalidArgument, "delivery key is required")
	}

	result, err := c.store.Acknowledge(ctx, ack, c.clock())
	if err != nil {
		if IsNotFound(err) || IsStaleClaim(err) {
			c.metrics.StaleAcks.Inc()
			c.logger.Warnf("Acknowledgement rejected: event_id=%d, delivery_key=%s: %v", ack.EventID, ack.DeliveryKey, err)
		}
		return model.AckResult{}, wrapStoreError(err, fmt.Sprintf("failed to acknowledge event %d", ack.EventID))
	}

	c.metrics.Acknowledgements.WithLabelValues(string(result.Outcome)).Inc()

	switch result.Outcome {
	case model.AckOutcomeReleased:
		c.logger.Debugf("Event %d released for subscription %d after delivery %d: %s",
			result.EventID, result.SubscriptionID, result.DeliveryCount, ack.Reason)
		if err := c.notifications.NotifyDeliveryFailure(ctx, result, ack.Reason.String()); err != nil {
			c.logger.Warnf("Failed to send delivery failure notification: %v", err)
		}
	case model.AckOutcomeDeadLettered:
		c.metrics.DeadLettered.WithLabelValues(string(model.ReasonKindMaxDeliveriesExceeded)).Inc()
		c.logger.Warnf("Event %d dead-lettered for subscription %d after %d deliveries: %s",
			result.EventID, result.SubscriptionID, result.DeliveryCount, ack.Reason)
		if err := c.notifications.NotifyDeliveryFailure(ctx, result, ack.Reason.String()); err != nil {
			c.logger.Warnf("Failed to send delivery failure notification: %v", err)
		}
		if err := c.notifications.NotifyDeadLettered(ctx, result, model.ReasonMaxDeliveriesExceeded().String()); err != nil {
			c.logger.Warnf("Failed to send dead letter notification: %v", err)
		}
	}

	return result, nil
}

// AckRequest is one entry of a batch acknowledgement.
type AckRequest struct {
	DeliveryKey string
	Verdict     model.Verdict
	Reason      string // Only used with model.VerdictFailed
}

// AckEntry reports the outcome of one batch acknowledgement entry.
type AckEntry struct {
	Result model.AckResult
	Err    error
}

// Acknowledge applies a verdict per event ID. Entries are settled independently, in
// ascending event ID order: a failing entry never undoes the others.
func (c *Consumer) Acknowledge(ctx context.Context, requests map[int64]AckRequest) map[int64]AckEntry {
	ids := make([]int64, 0, len(requests))
	for id := range requests {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	entries := make(map[int64]AckEntry, len(requests))
	for _, id := range ids {
		req := requests[id]
		var entry AckEntry
		switch req.Verdict {
		case model.VerdictSucceeded:
			entry.Result, entry.Err = c.MarkConsumed(ctx, id, req.DeliveryKey)
		case model.VerdictFailed:
			entry.Result, entry.Err = c.MarkFailed(ctx, id, req.DeliveryKey, req.Reason)
		default:
			entry.Err = NewError(ErrCodeInvalidArgument, fmt.Sprintf("unknown verdict %q", req.Verdict))
		}
		entries[id] = entry
	}
	return entries
}

// MarkConsumedBatch marks every listed claim consumed. See Acknowledge.
func (c *Consumer) MarkConsumedBatch(ctx context.Context, claims []model.ConsumableEventID) map[int64]AckEntry {
	requests := make(map[int64]AckRequest, len(claims))
	for _, claim := range claims {
		requests[claim.ID] = AckRequest{DeliveryKey: claim.DeliveryKey, Verdict: model.VerdictSucceeded}
	}
	return c.Acknowledge(ctx, requests)
}

// ReleaseExpiredClaims dead-letters timed-out claims whose event expired or whose
// delivery budget is used up, and returns how many it settled.
//
// Timed-out claims with budget left are not touched: the next ConsumeNext re-offers them,
// and until then the original delivery key can still acknowledge them. Running this
// periodically keeps dead letters current for subscriptions nobody is polling.
func (c *Consumer) ReleaseExpiredClaims(ctx context.Context) (int, error) {
	settled, err := c.store.ReleaseExpiredClaims(ctx, c.clock())
	if err != nil {
		return 0, wrapStoreError(err, "failed to release expired claims")
	}
	if settled > 0 {
		c.metrics.ClaimsExpired.Add(float64(settled))
		c.logger.Infof("Settled %d expired claims", settled)
	}
	return settled, nil
}

// GetDeadLetters lists the dead letters of a subscription, newest first.
// limit <= 0 returns all of them.
func (c *Consumer) GetDeadLetters(ctx context.Context, subscriptionName string, limit int) ([]model.DeadLetter, error) {
	sub, err := c.store.FindSubscriptionByName(ctx, subscriptionName)
	if err != nil {
		return nil, wrapStoreError(err, fmt.Sprintf("failed to load subscription %s", subscriptionName))
	}

	letters, err := c.store.FindDeadLetters(ctx, sub.ID, limit)
	if err != nil {
		return nil, wrapStoreError(err, "failed to load dead letters")
	}
	return letters, nil
}

// GetDeadLetterStats aggregates the dead letters of every subscription.
func (c *Consumer) GetDeadLetterStats(ctx context.Context) (model.DeadLetterStats, error) {
	stats, err := c.store.GetDeadLetterStats(ctx, c.clock())
	if err != nil {
		return model.DeadLetterStats{}, wrapStoreError(err, "failed to compute dead letter stats")
	}
	return stats, nil
}

// ResolveDeadLetter marks a dead letter as handled by an operator.
func (c *Consumer) ResolveDeadLetter(ctx context.Context, id int64, resolvedBy, note string) (model.DeadLetter, error) {
	if resolvedBy == "" {
		return model.DeadLetter{}, NewError(ErrCodeInvalidArgument, "resolvedBy is required")
	}

	letter, err := c.store.LoadDeadLetter(ctx, id)
	if err != nil {
		return model.DeadLetter{}, wrapStoreError(err, fmt.Sprintf("failed to load dead letter %d", id))
	}
	if letter.IsResolved {
		c.logger.Warnf("Dead letter already resolved: id=%d", id)
		return letter, nil
	}

	letter.Resolve(resolvedBy, note, c.clock())
	if _, err := c.store.SaveDeadLetter(ctx, &letter); err != nil {
		return model.DeadLetter{}, wrapStoreError(err, "failed to save dead letter")
	}

	c.logger.Infof("Dead letter resolved: id=%d, event_id=%d, by=%s", id, letter.EventID, resolvedBy)
	return letter, nil
}
