package relica

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/coregx/resonance"
	"github.com/coregx/resonance/model"
)

// claimRounds bounds how often ClaimNext re-reads candidates after losing races.
const claimRounds = 3

// candidate is an eligible event together with its current delivery state, if any.
type candidate struct {
	event         model.TopicEvent
	deliveryID    sql.NullInt64
	deliveryKey   sql.NullString
	deliveryCount sql.NullInt64
}

// ClaimNext claims up to maxCount eligible events for the named subscription.
//
// Eligibility is evaluated in a single query; each claim is then taken with a conditional
// INSERT (first delivery, guarded by the unique subscription/event index) or UPDATE
// (redelivery, guarded by the previous delivery key). A claim lost to a concurrent worker
// is skipped and the candidates are read again.
func (s *Store) ClaimNext(ctx context.Context, subscriptionName string, maxCount int, now time.Time) ([]model.ConsumableEvent, error) {
	row, err := s.findSubscriptionRow(ctx, subscriptionName)
	if err != nil {
		return nil, err
	}

	var links int64
	if err := s.db.WithContext(ctx).Select("COUNT(*)").From(s.t.link).Where("subscription_id = ?", row.ID).One(&links); err != nil {
		return nil, dbError("failed to count topic links", err)
	}
	if links == 0 {
		return nil, resonance.NewError(resonance.ErrCodeNotFound,
			fmt.Sprintf("subscription %s has no topic links", row.Name))
	}
	if maxCount <= 0 {
		return []model.ConsumableEvent{}, nil
	}
	sub := row.toModel()
	now = now.UTC()

	claimed := make([]model.ConsumableEvent, 0, maxCount)
	for round := 0; round < claimRounds && len(claimed) < maxCount; round++ {
		candidates, err := withRetry(ctx, s, func(ctx context.Context) ([]candidate, error) {
			return s.findCandidates(ctx, sub, maxCount-len(claimed), now)
		})
		if err != nil {
			if len(claimed) > 0 {
				break
			}
			return nil, dbError("failed to find claimable events", err)
		}
		if len(candidates) == 0 {
			break
		}

		lost := 0
		for _, c := range candidates {
			delivery, ok, err := withRetry2(ctx, s, func(ctx context.Context) (model.Delivery, bool, error) {
				return s.claimOne(ctx, sub, c, now)
			})
			if err != nil {
				if len(claimed) > 0 {
					return s.attachHeaders(ctx, claimed)
				}
				return nil, dbError("failed to claim event", err)
			}
			if !ok {
				lost++
				continue
			}
			claimed = append(claimed, model.NewConsumableEvent(c.event, delivery))
		}
		if lost == 0 {
			break
		}
	}

	return s.attachHeaders(ctx, claimed)
}

// findCandidates returns up to limit claimable events in delivery order.
func (s *Store) findCandidates(ctx context.Context, sub model.Subscription, limit int, now time.Time) ([]candidate, error) {
	query, args := s.candidateQuery(sub, limit, now)
	rows, err := s.query(ctx, s.sqlDB, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []candidate
	for rows.Next() {
		var (
			c          candidate
			expiration sql.NullTime
		)
		if err := rows.Scan(
			&c.event.ID, &c.event.TopicID, &c.event.FunctionalKey, &c.event.Payload,
			&c.event.PublicationDate, &expiration,
			&c.deliveryID, &c.deliveryKey, &c.deliveryCount,
		); err != nil {
			return nil, err
		}
		c.event.ExpirationDate = timePtr(expiration)
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

// visibleClause matches events (alias e) the subscription sees through an enabled link
// whose filter they pass. Binds: subscription ID, true.
func (s *Store) visibleClause(e, suffix string) string {
	return fmt.Sprintf(`EXISTS (SELECT 1 FROM %[1]s l%[5]s
		WHERE l%[5]s.subscription_id = ? AND l%[5]s.topic_id = %[4]s.topic_id AND l%[5]s.enabled = ?
		AND (l%[5]s.filter_functional_key = '' OR l%[5]s.filter_functional_key = %[4]s.functional_key)
		AND NOT EXISTS (SELECT 1 FROM %[2]s f%[5]s WHERE f%[5]s.link_id = l%[5]s.id
			AND NOT EXISTS (SELECT 1 FROM %[3]s h%[5]s
				WHERE h%[5]s.event_id = %[4]s.id AND h%[5]s.name = f%[5]s.name AND h%[5]s.value = f%[5]s.value)))`,
		s.t.link, s.t.linkFilter, s.t.eventHeader, e, suffix)
}

// candidateQuery builds the eligibility query.
//
// An event is claimable when the subscription sees it, it is published (after the delivery
// delay) and not expired, and it has no delivery yet or a released/timed-out one with budget
// left. On ordered subscriptions a keyed event additionally needs every earlier event with
// the same key to be settled, skipping expired events nobody holds a claim on.
func (s *Store) candidateQuery(sub model.Subscription, limit int, now time.Time) (string, []interface{}) {
	cutoff := sub.PublishedBefore(now)
	claimed := string(model.DeliveryStatusClaimed)
	released := string(model.DeliveryStatusReleased)

	query := `SELECT e.id, e.topic_id, e.functional_key, e.payload, e.publication_date, e.expiration_date,
		d.id, d.delivery_key, d.delivery_count
	FROM ` + s.t.event + ` e
	LEFT JOIN ` + s.t.delivery + ` d ON d.subscription_id = ? AND d.event_id = e.id
	WHERE ` + s.visibleClause("e", "1") + `
		AND e.publication_date <= ?
		AND (e.expiration_date IS NULL OR e.expiration_date > ?)
		AND (d.id IS NULL OR (d.delivery_count < ? AND (d.status = ? OR (d.status = ? AND d.invisible_until <= ?))))`
	args := []interface{}{
		sub.ID,
		sub.ID, true,
		cutoff,
		now,
		sub.MaxDeliveries, released, claimed, now,
	}

	if sub.Ordered {
		query += `
		AND (e.functional_key = '' OR NOT EXISTS (
			SELECT 1 FROM ` + s.t.event + ` e2
			LEFT JOIN ` + s.t.delivery + ` d2 ON d2.subscription_id = ? AND d2.event_id = e2.id
			WHERE e2.functional_key = e.functional_key
				AND (e2.publication_date < e.publication_date OR (e2.publication_date = e.publication_date AND e2.id < e.id))
				AND ` + s.visibleClause("e2", "2") + `
				AND (e2.expiration_date IS NULL OR e2.expiration_date > ? OR (d2.status = ? AND d2.invisible_until > ?))
				AND (d2.id IS NULL OR NOT (d2.status IN (?, ?) OR (d2.status = ? AND d2.invisible_until <= ? AND d2.delivery_count >= ?)))
		))`
		args = append(args,
			sub.ID,
			sub.ID, true,
			now, claimed, now,
			string(model.DeliveryStatusConsumed), string(model.DeliveryStatusDead), claimed, now, sub.MaxDeliveries,
		)
	}

	query += `
	ORDER BY e.publication_date, e.id
	LIMIT ?`
	args = append(args, limit)
	return query, args
}

// errClaimLost rolls back a claim write that lost a race.
var errClaimLost = errors.New("claim lost")

// claimOne takes the claim on c. It reports false when another worker got there first or,
// on an ordered subscription, when the claim would put two events with the same key in flight.
func (s *Store) claimOne(ctx context.Context, sub model.Subscription, c candidate, now time.Time) (model.Delivery, bool, error) {
	var delivery model.Delivery
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var (
			ok  bool
			err error
		)
		delivery, ok, err = s.writeClaim(ctx, tx, sub, c, now)
		if err != nil {
			return err
		}
		if !ok {
			return errClaimLost
		}
		if !sub.Ordered || !c.event.HasFunctionalKey() {
			return nil
		}
		held, err := s.keyInFlight(ctx, tx, sub, c.event, now)
		if err != nil {
			return err
		}
		if held {
			return errClaimLost
		}
		return nil
	})
	if errors.Is(err, errClaimLost) {
		return model.Delivery{}, false, nil
	}
	if err != nil {
		return model.Delivery{}, false, err
	}
	return delivery, true, nil
}

func (s *Store) writeClaim(ctx context.Context, q querier, sub model.Subscription, c candidate, now time.Time) (model.Delivery, bool, error) {
	key := s.newDeliveryKey()
	invisibleUntil := sub.InvisibleUntil(now)

	if !c.deliveryID.Valid {
		delivery := model.NewDelivery(sub.ID, c.event, now)
		delivery.Claim(key, now, invisibleUntil)
		id, err := s.insert(ctx, q,
			"INSERT INTO "+s.t.delivery+
				" (subscription_id, event_id, functional_key, status, delivery_count, delivery_key, invisible_until, reason, created_at, updated_at)"+
				" VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
			delivery.SubscriptionID, delivery.EventID, delivery.FunctionalKey, string(delivery.Status),
			delivery.DeliveryCount, delivery.DeliveryKey, nullTime(delivery.InvisibleUntil), delivery.Reason,
			now, now)
		if isUniqueViolation(err) {
			return model.Delivery{}, false, nil
		}
		if err != nil {
			return model.Delivery{}, false, err
		}
		delivery.ID = id
		return delivery, true, nil
	}

	res, err := s.exec(ctx, q,
		"UPDATE "+s.t.delivery+
			" SET status = ?, delivery_count = delivery_count + 1, delivery_key = ?, invisible_until = ?, updated_at = ?"+
			" WHERE id = ? AND delivery_key = ? AND delivery_count = ? AND delivery_count < ?"+
			" AND (status = ? OR (status = ? AND invisible_until <= ?))",
		string(model.DeliveryStatusClaimed), key, invisibleUntil, now,
		c.deliveryID.Int64, c.deliveryKey.String, c.deliveryCount.Int64, sub.MaxDeliveries,
		string(model.DeliveryStatusReleased), string(model.DeliveryStatusClaimed), now)
	if err != nil {
		return model.Delivery{}, false, err
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		return model.Delivery{}, false, err
	}

	return model.Delivery{
		ID:             c.deliveryID.Int64,
		SubscriptionID: sub.ID,
		EventID:        c.event.ID,
		FunctionalKey:  c.event.FunctionalKey,
		Status:         model.DeliveryStatusClaimed,
		DeliveryCount:  int(c.deliveryCount.Int64) + 1,
		DeliveryKey:    key,
		InvisibleUntil: &invisibleUntil,
		UpdatedAt:      now,
	}, true, nil
}

// keyInFlight re-checks ordering after a claim write on an ordered subscription. Workers
// read candidates with their own clock, so an expiring event can look skipped to one and
// claimable to another. The claim on e conflicts when an earlier event with the same key
// holds a live claim or, for an expiring e, a later event has already been delivered.
func (s *Store) keyInFlight(ctx context.Context, q querier, sub model.Subscription, e model.TopicEvent, now time.Time) (bool, error) {
	published := utc(e.PublicationDate)
	query := `SELECT COUNT(*) FROM ` + s.t.delivery + ` d
	JOIN ` + s.t.event + ` e ON e.id = d.event_id
	WHERE d.subscription_id = ? AND e.functional_key = ? AND e.id <> ?
		AND (((e.publication_date < ? OR (e.publication_date = ? AND e.id < ?)) AND d.status = ? AND d.invisible_until > ?)`
	args := []interface{}{
		sub.ID, e.FunctionalKey, e.ID,
		published, published, e.ID, string(model.DeliveryStatusClaimed), now,
	}
	if e.ExpirationDate != nil {
		query += `
		OR e.publication_date > ? OR (e.publication_date = ? AND e.id > ?)`
		args = append(args, published, published, e.ID)
	}
	query += `)`

	var n int64
	if err := q.QueryRowContext(ctx, s.rebind(query), args...).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) attachHeaders(ctx context.Context, claimed []model.ConsumableEvent) ([]model.ConsumableEvent, error) {
	ids := make([]int64, len(claimed))
	for i, ce := range claimed {
		ids[i] = ce.ID
	}
	headers, err := s.loadHeaders(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range claimed {
		claimed[i].Headers = headers[claimed[i].ID]
		if claimed[i].Headers == nil {
			claimed[i].Headers = map[string]string{}
		}
	}
	return claimed, nil
}

// Acknowledge settles the claim identified by ack.
func (s *Store) Acknowledge(ctx context.Context, ack model.Acknowledgement, now time.Time) (model.AckResult, error) {
	result, err := withRetry(ctx, s, func(ctx context.Context) (model.AckResult, error) {
		return s.acknowledge(ctx, ack, now.UTC())
	})
	if err != nil {
		return model.AckResult{}, dbError("failed to acknowledge event", err)
	}
	return result, nil
}

func (s *Store) acknowledge(ctx context.Context, ack model.Acknowledgement, now time.Time) (model.AckResult, error) {
	var eventRec eventRow
	if err := s.db.WithContext(ctx).Select("*").From(s.t.event).Where("id = ?", ack.EventID).One(&eventRec); err != nil {
		return model.AckResult{}, dbError("failed to load event", err)
	}

	q := s.db.WithContext(ctx).Select("*").From(s.t.delivery).Where("event_id = ?", ack.EventID)
	if ack.SubscriptionName != "" {
		sub, err := s.findSubscriptionRow(ctx, ack.SubscriptionName)
		if err != nil {
			return model.AckResult{}, err
		}
		q = q.Where("subscription_id = ?", sub.ID)
	}
	var rows []deliveryRow
	if err := q.All(&rows); err != nil {
		return model.AckResult{}, dbError("failed to load deliveries", err)
	}
	if len(rows) == 0 {
		return model.AckResult{}, resonance.ErrNotFound
	}

	var delivery *model.Delivery
	for _, row := range rows {
		if row.DeliveryKey == ack.DeliveryKey {
			d := row.toModel()
			delivery = &d
			break
		}
	}
	if delivery == nil {
		return model.AckResult{}, resonance.ErrStaleClaim
	}
	if err := delivery.CheckKey(ack.DeliveryKey); err != nil {
		return model.AckResult{}, resonance.NewErrorWithCause(resonance.ErrCodeStaleClaim, "claim already settled", err)
	}

	sub, err := s.loadSubscriptionRow(ctx, delivery.SubscriptionID)
	if err != nil {
		return model.AckResult{}, err
	}

	result := model.AckResult{
		EventID:        delivery.EventID,
		SubscriptionID: delivery.SubscriptionID,
		DeliveryCount:  delivery.DeliveryCount,
	}

	if ack.Verdict == model.VerdictSucceeded {
		delivery.MarkConsumed(now)
		result.Outcome = model.AckOutcomeConsumed
	} else if delivery.Fail(ack.Reason, sub.MaxDeliveries, now) {
		result.Outcome = model.AckOutcomeDeadLettered
	} else {
		result.Outcome = model.AckOutcomeReleased
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.settle(ctx, tx, *delivery, ack.DeliveryKey); err != nil {
			return err
		}
		if result.Outcome != model.AckOutcomeDeadLettered {
			return nil
		}
		letter := model.NewDeadLetter(*delivery, eventRec.toModel(nil), ack.Reason.String(), model.ReasonMaxDeliveriesExceeded(), now)
		_, err := s.insertDeadLetter(ctx, tx, letter)
		return err
	})
	if err != nil {
		return model.AckResult{}, err
	}
	return result, nil
}

// settle writes a settled delivery, provided the claim identified by key is still current.
func (s *Store) settle(ctx context.Context, q querier, d model.Delivery, key string) error {
	res, err := s.exec(ctx, q,
		"UPDATE "+s.t.delivery+" SET status = ?, invisible_until = ?, reason = ?, updated_at = ?"+
			" WHERE id = ? AND delivery_key = ? AND status = ?",
		string(d.Status), nullTime(d.InvisibleUntil), d.Reason, utc(d.UpdatedAt),
		d.ID, key, string(model.DeliveryStatusClaimed))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return resonance.NewError(resonance.ErrCodeStaleClaim, "claim was settled or replaced concurrently")
	}
	return nil
}

// ReleaseExpiredClaims dead-letters timed-out claims that can never be claimed again:
// the event expired, or the delivery budget is used up. Other timed-out claims keep their
// key until the next claim replaces it.
func (s *Store) ReleaseExpiredClaims(ctx context.Context, now time.Time) (int, error) {
	now = now.UTC()

	var rows []deliveryRow
	err := s.db.WithContext(ctx).Select("*").
		From(s.t.delivery).
		Where("status = ? AND invisible_until <= ?", string(model.DeliveryStatusClaimed), now).
		OrderBy("id").
		All(&rows)
	if err != nil {
		return 0, dbError("failed to find expired claims", err)
	}

	settled := 0
	for _, row := range rows {
		dead, err := withRetry(ctx, s, func(ctx context.Context) (bool, error) {
			return s.expire(ctx, row, now)
		})
		switch {
		case err == nil:
			if dead {
				settled++
			}
		case resonance.IsStaleClaim(err):
			// Acknowledged or re-claimed in the meantime.
		default:
			return settled, dbError("failed to settle expired claim", err)
		}
	}
	return settled, nil
}

// expire dead-letters a timed-out claim when it can no longer be delivered.
// It reports whether it did.
func (s *Store) expire(ctx context.Context, row deliveryRow, now time.Time) (bool, error) {
	delivery := row.toModel()

	var eventRec eventRow
	if err := s.db.WithContext(ctx).Select("*").From(s.t.event).Where("id = ?", delivery.EventID).One(&eventRec); err != nil {
		return false, dbError("failed to load event", err)
	}
	sub, err := s.loadSubscriptionRow(ctx, delivery.SubscriptionID)
	if err != nil {
		return false, err
	}

	event := eventRec.toModel(nil)
	reason, dead := delivery.Timeout(event, sub.MaxDeliveries, now)
	if !dead {
		return false, nil
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.settle(ctx, tx, delivery, row.DeliveryKey); err != nil {
			return err
		}
		_, err := s.insertDeadLetter(ctx, tx, model.NewDeadLetter(delivery, event, "visibility timeout elapsed", reason, now))
		return err
	})
	return err == nil, err
}

// LoadDelivery returns the delivery state of an event for a subscription.
func (s *Store) LoadDelivery(ctx context.Context, subscriptionID, eventID int64) (model.Delivery, error) {
	var row deliveryRow
	err := s.db.WithContext(ctx).Select("*").
		From(s.t.delivery).
		Where("subscription_id = ? AND event_id = ?", subscriptionID, eventID).
		One(&row)
	if err != nil {
		return model.Delivery{}, dbError("failed to load delivery", err)
	}
	return row.toModel(), nil
}

type pairOf[A, B any] struct {
	a A
	b B
}

// withRetry2 is withRetry for operations returning two values.
func withRetry2[A, B any](ctx context.Context, s *Store, op func(ctx context.Context) (A, B, error)) (A, B, error) {
	p, err := withRetry(ctx, s, func(ctx context.Context) (pairOf[A, B], error) {
		a, b, err := op(ctx)
		return pairOf[A, B]{a: a, b: b}, err
	})
	return p.a, p.b, err
}
