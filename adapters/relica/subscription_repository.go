package relica

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/coregx/resonance"
	"github.com/coregx/resonance/model"
)

// SaveSubscription creates or updates a subscription and replaces its link set.
func (s *Store) SaveSubscription(ctx context.Context, sub *model.Subscription) (*model.Subscription, error) {
	if err := s.checkNameFree(ctx, s.t.subscription, sub.ID, sub.Name); err != nil {
		return sub, err
	}
	for _, link := range sub.TopicSubscriptions {
		if _, err := s.LoadTopic(ctx, link.TopicID); err != nil {
			if resonance.IsNotFound(err) {
				return sub, resonance.NewErrorWithCause(resonance.ErrCodeNotFound,
					fmt.Sprintf("linked topic %d does not exist", link.TopicID), err)
			}
			return sub, err
		}
	}

	var existingLinks map[int64]bool
	if sub.ID != 0 {
		existing, err := s.loadSubscriptionRow(ctx, sub.ID)
		if err != nil {
			return sub, err
		}
		sub.CreatedAt = existing.CreatedAt

		links, err := s.loadLinks(ctx, []int64{sub.ID})
		if err != nil {
			return sub, err
		}
		existingLinks = make(map[int64]bool, len(links))
		for _, link := range links {
			existingLinks[link.ID] = true
		}
	}

	saved, err := withRetry(ctx, s, func(ctx context.Context) (model.Subscription, error) {
		// IDs assigned by a rolled back attempt must not leak into the next one.
		attempt := *sub
		attempt.TopicSubscriptions = append([]model.TopicSubscription(nil), sub.TopicSubscriptions...)
		err := s.inTx(ctx, func(tx *sql.Tx) error {
			return s.saveSubscriptionTx(ctx, tx, &attempt, existingLinks)
		})
		return attempt, err
	})
	if err != nil {
		return sub, dbError("failed to save subscription", err)
	}

	*sub = saved
	return sub, nil
}

func (s *Store) saveSubscriptionTx(ctx context.Context, tx *sql.Tx, sub *model.Subscription, existingLinks map[int64]bool) error {
	vt := sub.VisibilityTimeout.Milliseconds()
	delay := sub.DeliveryDelay.Milliseconds()

	if sub.ID == 0 {
		id, err := s.insert(ctx, tx,
			"INSERT INTO "+s.t.subscription+
				" (name, name_key, is_ordered, max_deliveries, visibility_timeout_ms, delivery_delay_ms, created_at, updated_at)"+
				" VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
			sub.Name, nameKey(sub.Name), sub.Ordered, sub.MaxDeliveries, vt, delay, utc(sub.CreatedAt), utc(sub.UpdatedAt))
		if err != nil {
			return err
		}
		sub.ID = id
	} else {
		_, err := s.exec(ctx, tx,
			"UPDATE "+s.t.subscription+
				" SET name = ?, name_key = ?, is_ordered = ?, max_deliveries = ?, visibility_timeout_ms = ?, delivery_delay_ms = ?, updated_at = ?"+
				" WHERE id = ?",
			sub.Name, nameKey(sub.Name), sub.Ordered, sub.MaxDeliveries, vt, delay, utc(sub.UpdatedAt), sub.ID)
		if err != nil {
			return err
		}
	}

	// Filters are rewritten wholesale; links are kept by ID where possible.
	if _, err := s.exec(ctx, tx,
		"DELETE FROM "+s.t.linkFilter+" WHERE link_id IN (SELECT id FROM "+s.t.link+" WHERE subscription_id = ?)", sub.ID); err != nil {
		return err
	}

	kept := make([]interface{}, 0, len(sub.TopicSubscriptions))
	for _, link := range sub.TopicSubscriptions {
		if existingLinks[link.ID] {
			kept = append(kept, link.ID)
		}
	}
	deleteLinks := "DELETE FROM " + s.t.link + " WHERE subscription_id = ?"
	if len(kept) > 0 {
		deleteLinks += " AND id NOT IN (" + placeholders(len(kept)) + ")"
	}
	if _, err := s.exec(ctx, tx, deleteLinks, append([]interface{}{sub.ID}, kept...)...); err != nil {
		return err
	}

	for i := range sub.TopicSubscriptions {
		link := &sub.TopicSubscriptions[i]
		link.SubscriptionID = sub.ID

		if existingLinks[link.ID] {
			_, err := s.exec(ctx, tx,
				"UPDATE "+s.t.link+" SET topic_id = ?, enabled = ?, filter_functional_key = ? WHERE id = ?",
				link.TopicID, link.Enabled, link.FilterFunctionalKey, link.ID)
			if err != nil {
				return err
			}
		} else {
			id, err := s.insert(ctx, tx,
				"INSERT INTO "+s.t.link+" (topic_id, subscription_id, enabled, filter_functional_key) VALUES (?, ?, ?, ?)",
				link.TopicID, sub.ID, link.Enabled, link.FilterFunctionalKey)
			if err != nil {
				return err
			}
			link.ID = id
		}

		for name, value := range link.FilterHeaders {
			if _, err := s.exec(ctx, tx,
				"INSERT INTO "+s.t.linkFilter+" (link_id, name, value) VALUES (?, ?, ?)",
				link.ID, name, value); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Store) loadSubscriptionRow(ctx context.Context, id int64) (subscriptionRow, error) {
	var row subscriptionRow
	err := s.db.WithContext(ctx).Select("*").From(s.t.subscription).Where("id = ?", id).One(&row)
	if err != nil {
		return row, dbError("failed to load subscription", err)
	}
	return row, nil
}

func (s *Store) findSubscriptionRow(ctx context.Context, name string) (subscriptionRow, error) {
	var row subscriptionRow
	err := s.db.WithContext(ctx).Select("*").From(s.t.subscription).Where("name_key = ?", nameKey(name)).One(&row)
	if err != nil {
		return row, dbError("failed to find subscription by name", err)
	}
	return row, nil
}

// LoadSubscription retrieves a subscription and its links by ID.
func (s *Store) LoadSubscription(ctx context.Context, id int64) (model.Subscription, error) {
	row, err := s.loadSubscriptionRow(ctx, id)
	if err != nil {
		return model.Subscription{}, err
	}
	subs, err := s.withLinks(ctx, []subscriptionRow{row})
	if err != nil {
		return model.Subscription{}, err
	}
	return subs[0], nil
}

// FindSubscriptionByName retrieves a subscription and its links by name, ignoring case.
func (s *Store) FindSubscriptionByName(ctx context.Context, name string) (model.Subscription, error) {
	row, err := s.findSubscriptionRow(ctx, name)
	if err != nil {
		return model.Subscription{}, err
	}
	subs, err := s.withLinks(ctx, []subscriptionRow{row})
	if err != nil {
		return model.Subscription{}, err
	}
	return subs[0], nil
}

// FindSubscriptions lists subscriptions whose name contains partOfName, ordered by name.
func (s *Store) FindSubscriptions(ctx context.Context, partOfName string) ([]model.Subscription, error) {
	var rows []subscriptionRow
	err := s.db.WithContext(ctx).Select("*").
		From(s.t.subscription).
		Where("name_key LIKE ? ESCAPE '!'", likePattern(partOfName)).
		OrderBy("name").
		All(&rows)
	if err != nil {
		return nil, dbError("failed to list subscriptions", err)
	}
	return s.withLinks(ctx, rows)
}

// DeleteSubscription removes a subscription with its links, delivery state and dead letters.
func (s *Store) DeleteSubscription(ctx context.Context, id int64) error {
	if _, err := s.loadSubscriptionRow(ctx, id); err != nil {
		return err
	}

	_, err := withRetry(ctx, s, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.inTx(ctx, func(tx *sql.Tx) error {
			statements := []string{
				"DELETE FROM " + s.t.deadLetter + " WHERE subscription_id = ?",
				"DELETE FROM " + s.t.delivery + " WHERE subscription_id = ?",
				"DELETE FROM " + s.t.linkFilter + " WHERE link_id IN (SELECT id FROM " + s.t.link + " WHERE subscription_id = ?)",
				"DELETE FROM " + s.t.link + " WHERE subscription_id = ?",
				"DELETE FROM " + s.t.subscription + " WHERE id = ?",
			}
			for _, stmt := range statements {
				if _, err := s.exec(ctx, tx, stmt, id); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		return dbError("failed to delete subscription", err)
	}
	return nil
}

// withLinks converts rows to models with their links and link filters attached.
func (s *Store) withLinks(ctx context.Context, rows []subscriptionRow) ([]model.Subscription, error) {
	subs := make([]model.Subscription, len(rows))
	if len(rows) == 0 {
		return subs, nil
	}

	index := make(map[int64]int, len(rows))
	ids := make([]int64, len(rows))
	for i, row := range rows {
		subs[i] = row.toModel()
		index[row.ID] = i
		ids[i] = row.ID
	}

	links, err := s.loadLinks(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, link := range links {
		i := index[link.SubscriptionID]
		subs[i].TopicSubscriptions = append(subs[i].TopicSubscriptions, link)
	}
	return subs, nil
}

// loadLinks returns the links of the given subscriptions ordered by ID, filters included.
func (s *Store) loadLinks(ctx context.Context, subscriptionIDs []int64) ([]model.TopicSubscription, error) {
	var rows []linkRow
	err := s.db.WithContext(ctx).Select("*").
		From(s.t.link).
		Where("subscription_id IN ("+placeholders(len(subscriptionIDs))+")", int64Args(subscriptionIDs)...).
		OrderBy("id").
		All(&rows)
	if err != nil {
		return nil, dbError("failed to load topic links", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	linkIDs := make([]int64, len(rows))
	for i, row := range rows {
		linkIDs[i] = row.ID
	}
	var filters []linkFilterRow
	err = s.db.WithContext(ctx).Select("*").
		From(s.t.linkFilter).
		Where("link_id IN ("+placeholders(len(linkIDs))+")", int64Args(linkIDs)...).
		All(&filters)
	if err != nil {
		return nil, dbError("failed to load link filters", err)
	}
	byLink := make(map[int64]map[string]string)
	for _, f := range filters {
		if byLink[f.LinkID] == nil {
			byLink[f.LinkID] = make(map[string]string)
		}
		byLink[f.LinkID][f.Name] = f.Value
	}

	links := make([]model.TopicSubscription, len(rows))
	for i, row := range rows {
		links[i] = row.toModel()
		links[i].FilterHeaders = byLink[row.ID]
	}
	return links, nil
}
