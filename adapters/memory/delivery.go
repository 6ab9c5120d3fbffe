package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/coregx/resonance"
	"github.com/coregx/resonance/model"
)

// ClaimNext claims up to maxCount eligible events for the named subscription.
func (s *Store) ClaimNext(_ context.Context, subscriptionName string, maxCount int, now time.Time) ([]model.ConsumableEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptionByNameLocked(subscriptionName)
	if !ok {
		return nil, resonance.ErrNotFound
	}
	if len(sub.TopicSubscriptions) == 0 {
		return nil, resonance.NewError(resonance.ErrCodeNotFound,
			fmt.Sprintf("subscription %s has no topic links", sub.Name))
	}
	if maxCount <= 0 {
		return []model.ConsumableEvent{}, nil
	}

	candidates := s.candidatesLocked(sub, maxCount, now)

	claimed := make([]model.ConsumableEvent, 0, len(candidates))
	for _, event := range candidates {
		key := pair{subscriptionID: sub.ID, eventID: event.ID}
		delivery, ok := s.deliveries[key]
		if !ok {
			d := model.NewDelivery(sub.ID, event, now)
			d.ID = s.nextID()
			delivery = &d
			s.deliveries[key] = delivery
		}
		delivery.Claim(s.newDelivery(), now, sub.InvisibleUntil(now))
		claimed = append(claimed, model.NewConsumableEvent(event, *delivery))
	}
	return claimed, nil
}

// candidatesLocked walks the subscription's visible events in delivery order and
// returns the first maxCount that may be claimed at now.
func (s *Store) candidatesLocked(sub model.Subscription, maxCount int, now time.Time) []model.TopicEvent {
	visible := make([]model.TopicEvent, 0)
	cutoff := sub.PublishedBefore(now)
	for _, event := range s.events {
		if sub.Sees(event) && !event.PublicationDate.After(cutoff) {
			visible = append(visible, event)
		}
	}
	sort.Slice(visible, func(i, j int) bool { return visible[i].Precedes(visible[j]) })

	heldKeys := make(map[string]bool)
	candidates := make([]model.TopicEvent, 0, maxCount)
	for _, event := range visible {
		delivery := s.deliveries[pair{subscriptionID: sub.ID, eventID: event.ID}]
		active := delivery != nil && delivery.IsClaimActive(now)

		// Expired events are dropped unless a claim taken before expiry still runs.
		if event.IsExpired(now) && !active {
			continue
		}

		if sub.Ordered && event.HasFunctionalKey() {
			if heldKeys[event.FunctionalKey] {
				continue
			}
			if delivery == nil || !delivery.IsSettled(now, sub.MaxDeliveries) {
				heldKeys[event.FunctionalKey] = true
			}
		}

		if event.IsExpired(now) {
			continue
		}
		if delivery != nil && !delivery.IsClaimable(now, sub.MaxDeliveries) {
			continue
		}

		candidates = append(candidates, event)
		if len(candidates) == maxCount {
			break
		}
	}
	return candidates
}

// Acknowledge settles the claim identified by ack.
func (s *Store) Acknowledge(_ context.Context, ack model.Acknowledgement, now time.Time) (model.AckResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	event, ok := s.events[ack.EventID]
	if !ok {
		return model.AckResult{}, resonance.ErrNotFound
	}

	var restrictTo int64
	if ack.SubscriptionName != "" {
		sub, ok := s.subscriptionByNameLocked(ack.SubscriptionName)
		if !ok {
			return model.AckResult{}, resonance.ErrNotFound
		}
		restrictTo = sub.ID
	}

	var delivery *model.Delivery
	found := false
	for key, d := range s.deliveries {
		if key.eventID != ack.EventID || (restrictTo != 0 && key.subscriptionID != restrictTo) {
			continue
		}
		found = true
		if d.DeliveryKey == ack.DeliveryKey {
			delivery = d
			break
		}
	}
	if delivery == nil {
		if found {
			return model.AckResult{}, resonance.ErrStaleClaim
		}
		return model.AckResult{}, resonance.ErrNotFound
	}
	if err := delivery.CheckKey(ack.DeliveryKey); err != nil {
		return model.AckResult{}, resonance.NewErrorWithCause(resonance.ErrCodeStaleClaim, "claim already settled", err)
	}

	sub := s.subscriptions[delivery.SubscriptionID]
	result := model.AckResult{
		EventID:        delivery.EventID,
		SubscriptionID: delivery.SubscriptionID,
		DeliveryCount:  delivery.DeliveryCount,
	}

	if ack.Verdict == model.VerdictSucceeded {
		delivery.MarkConsumed(now)
		result.Outcome = model.AckOutcomeConsumed
		return result, nil
	}

	if delivery.Fail(ack.Reason, sub.MaxDeliveries, now) {
		s.addDeadLetterLocked(model.NewDeadLetter(*delivery, event, ack.Reason.String(), model.ReasonMaxDeliveriesExceeded(), now))
		result.Outcome = model.AckOutcomeDeadLettered
		return result, nil
	}
	result.Outcome = model.AckOutcomeReleased
	return result, nil
}

// ReleaseExpiredClaims dead-letters timed-out claims that can never be claimed again.
func (s *Store) ReleaseExpiredClaims(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	settled := 0
	for _, delivery := range s.deliveries {
		if delivery.Status != model.DeliveryStatusClaimed || delivery.IsClaimActive(now) {
			continue
		}
		sub := s.subscriptions[delivery.SubscriptionID]
		event := s.events[delivery.EventID]
		reason, dead := delivery.Timeout(event, sub.MaxDeliveries, now)
		if !dead {
			continue
		}
		s.addDeadLetterLocked(model.NewDeadLetter(*delivery, event, "visibility timeout elapsed", reason, now))
		settled++
	}
	return settled, nil
}

// LoadDelivery returns the delivery state of an event for a subscription.
func (s *Store) LoadDelivery(_ context.Context, subscriptionID, eventID int64) (model.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delivery, ok := s.deliveries[pair{subscriptionID: subscriptionID, eventID: eventID}]
	if !ok {
		return model.Delivery{}, resonance.ErrNotFound
	}
	return *delivery, nil
}

func (s *Store) addDeadLetterLocked(letter model.DeadLetter) {
	letter.ID = s.nextID()
	s.deadLetters[letter.ID] = letter
}

// ──────────────────────────────────────────────────
// Dead letters
// ──────────────────────────────────────────────────

// FindDeadLetters lists dead letters of a subscription, newest first.
func (s *Store) FindDeadLetters(_ context.Context, subscriptionID int64, limit int) ([]model.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	letters := make([]model.DeadLetter, 0)
	for _, letter := range s.deadLetters {
		if letter.SubscriptionID == subscriptionID {
			letters = append(letters, letter)
		}
	}
	sort.Slice(letters, func(i, j int) bool {
		if letters[i].DeadLetteredAt.Equal(letters[j].DeadLetteredAt) {
			return letters[i].ID > letters[j].ID
		}
		return letters[i].DeadLetteredAt.After(letters[j].DeadLetteredAt)
	})
	if limit > 0 && len(letters) > limit {
		letters = letters[:limit]
	}
	return letters, nil
}

// LoadDeadLetter returns a dead letter by ID.
func (s *Store) LoadDeadLetter(_ context.Context, id int64) (model.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	letter, ok := s.deadLetters[id]
	if !ok {
		return model.DeadLetter{}, resonance.ErrNotFound
	}
	return letter, nil
}

// SaveDeadLetter inserts or updates a dead letter.
func (s *Store) SaveDeadLetter(_ context.Context, letter *model.DeadLetter) (*model.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if letter.ID == 0 {
		letter.ID = s.nextID()
	} else if _, ok := s.deadLetters[letter.ID]; !ok {
		return letter, resonance.ErrNotFound
	}
	s.deadLetters[letter.ID] = *letter
	return letter, nil
}

// GetDeadLetterStats aggregates all dead letters.
func (s *Store) GetDeadLetterStats(_ context.Context, now time.Time) (model.DeadLetterStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	letters := make([]model.DeadLetter, 0, len(s.deadLetters))
	for _, letter := range s.deadLetters {
		letters = append(letters, letter)
	}
	return model.ComputeDeadLetterStats(letters, now), nil
}
