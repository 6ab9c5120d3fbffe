package relica

import (
	"context"
	"database/sql"
	"time"

	"github.com/coregx/resonance"
	"github.com/coregx/resonance/model"
)

// insertDeadLetter stores a new dead letter and returns its ID.
func (s *Store) insertDeadLetter(ctx context.Context, q querier, letter model.DeadLetter) (int64, error) {
	return s.insert(ctx, q,
		"INSERT INTO "+s.t.deadLetter+
			" (subscription_id, event_id, delivery_count, last_error, failure_reason, functional_key, payload,"+
			" dead_lettered_at, is_resolved, resolved_at, resolved_by, resolution_note)"+
			" VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		letter.SubscriptionID, letter.EventID, letter.DeliveryCount, letter.LastError, letter.FailureReason,
		letter.FunctionalKey, letter.Payload, utc(letter.DeadLetteredAt),
		letter.IsResolved, nullTime(letter.ResolvedAt), letter.ResolvedBy, letter.ResolutionNote)
}

// FindDeadLetters lists dead letters of a subscription, newest first. limit <= 0 means all.
func (s *Store) FindDeadLetters(ctx context.Context, subscriptionID int64, limit int) ([]model.DeadLetter, error) {
	var rows []deadLetterRow
	q := s.db.WithContext(ctx).Select("*").
		From(s.t.deadLetter).
		Where("subscription_id = ?", subscriptionID).
		OrderBy("dead_lettered_at DESC", "id DESC")
	if limit > 0 {
		q = q.Limit(int64(limit))
	}
	if err := q.All(&rows); err != nil {
		return nil, dbError("failed to find dead letters", err)
	}

	letters := make([]model.DeadLetter, len(rows))
	for i, row := range rows {
		letters[i] = row.toModel()
	}
	return letters, nil
}

// LoadDeadLetter retrieves a dead letter by ID.
func (s *Store) LoadDeadLetter(ctx context.Context, id int64) (model.DeadLetter, error) {
	var row deadLetterRow
	err := s.db.WithContext(ctx).Select("*").From(s.t.deadLetter).Where("id = ?", id).One(&row)
	if err != nil {
		return model.DeadLetter{}, dbError("failed to load dead letter", err)
	}
	return row.toModel(), nil
}

// SaveDeadLetter creates a dead letter or updates its resolution.
func (s *Store) SaveDeadLetter(ctx context.Context, letter *model.DeadLetter) (*model.DeadLetter, error) {
	if letter.ID == 0 {
		id, err := s.insertDeadLetter(ctx, s.sqlDB, *letter)
		if err != nil {
			return letter, dbError("failed to insert dead letter", err)
		}
		letter.ID = id
		return letter, nil
	}

	if _, err := s.LoadDeadLetter(ctx, letter.ID); err != nil {
		return letter, err
	}
	_, err := s.db.WithContext(ctx).Update(s.t.deadLetter).
		Set(map[string]interface{}{
			"is_resolved":     letter.IsResolved,
			"resolved_at":     nullTime(letter.ResolvedAt),
			"resolved_by":     letter.ResolvedBy,
			"resolution_note": letter.ResolutionNote,
		}).
		Where("id = ?", letter.ID).
		Execute()
	if err != nil {
		return letter, dbError("failed to update dead letter", err)
	}
	return letter, nil
}

// GetDeadLetterStats aggregates the dead-letter list.
func (s *Store) GetDeadLetterStats(ctx context.Context, now time.Time) (model.DeadLetterStats, error) {
	stats := model.DeadLetterStats{LastUpdated: now}

	var total, unresolved int64
	if err := s.db.WithContext(ctx).Select("COUNT(*)").From(s.t.deadLetter).One(&total); err != nil {
		return stats, dbError("failed to count dead letters", err)
	}
	if err := s.db.WithContext(ctx).Select("COUNT(*)").From(s.t.deadLetter).Where("is_resolved = ?", false).One(&unresolved); err != nil {
		return stats, dbError("failed to count unresolved dead letters", err)
	}
	stats.TotalItems = int(total)
	stats.UnresolvedItems = int(unresolved)
	stats.ResolvedItems = stats.TotalItems - stats.UnresolvedItems

	if unresolved > 0 {
		var oldest deadLetterRow
		err := s.db.WithContext(ctx).Select("*").
			From(s.t.deadLetter).
			Where("is_resolved = ?", false).
			OrderBy("dead_lettered_at").
			Limit(1).
			One(&oldest)
		if err != nil {
			return stats, dbError("failed to find oldest dead letter", err)
		}
		if age := int64(oldest.toModel().GetAge(now).Seconds()); age > 0 {
			stats.OldestItemAge = age
		}
	}

	if total > 0 {
		top, err := s.topFailureReason(ctx)
		if err != nil {
			return stats, err
		}
		stats.TopFailureReason = top
	}
	return stats, nil
}

func (s *Store) topFailureReason(ctx context.Context) (string, error) {
	var reason string
	var count int64
	err := s.sqlDB.QueryRowContext(ctx, s.rebind(
		"SELECT failure_reason, COUNT(*) AS n FROM "+s.t.deadLetter+
			" GROUP BY failure_reason ORDER BY n DESC, failure_reason ASC LIMIT 1")).Scan(&reason, &count)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", resonance.NewErrorWithCause(resonance.ErrCodeDatabase, "failed to rank failure reasons", err)
	}
	return reason, nil
}
