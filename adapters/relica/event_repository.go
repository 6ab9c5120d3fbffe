package relica

import (
	"context"
	"database/sql"

	"github.com/coregx/resonance/model"
)

// InsertEvent stores an event with its headers.
func (s *Store) InsertEvent(ctx context.Context, event *model.TopicEvent) (*model.TopicEvent, error) {
	if _, err := s.LoadTopic(ctx, event.TopicID); err != nil {
		return event, err
	}

	id, err := withRetry(ctx, s, func(ctx context.Context) (int64, error) {
		var id int64
		err := s.inTx(ctx, func(tx *sql.Tx) error {
			var err error
			id, err = s.insert(ctx, tx,
				"INSERT INTO "+s.t.event+
					" (topic_id, functional_key, payload, publication_date, expiration_date, created_at) VALUES (?, ?, ?, ?, ?, ?)",
				event.TopicID, event.FunctionalKey, event.Payload,
				utc(event.PublicationDate), nullTime(event.ExpirationDate), utc(event.CreatedAt))
			if err != nil {
				return err
			}
			for name, value := range event.Headers {
				if _, err := s.exec(ctx, tx,
					"INSERT INTO "+s.t.eventHeader+" (event_id, name, value) VALUES (?, ?, ?)",
					id, name, value); err != nil {
					return err
				}
			}
			return nil
		})
		return id, err
	})
	if err != nil {
		return event, dbError("failed to insert event", err)
	}

	event.ID = id
	return event, nil
}

// LoadEvent retrieves an event with its headers.
func (s *Store) LoadEvent(ctx context.Context, id int64) (model.TopicEvent, error) {
	var row eventRow
	err := s.db.WithContext(ctx).Select("*").From(s.t.event).Where("id = ?", id).One(&row)
	if err != nil {
		return model.TopicEvent{}, dbError("failed to load event", err)
	}

	headers, err := s.loadHeaders(ctx, []int64{id})
	if err != nil {
		return model.TopicEvent{}, err
	}
	return row.toModel(headers[id]), nil
}

// loadHeaders returns the headers of the given events keyed by event ID.
func (s *Store) loadHeaders(ctx context.Context, eventIDs []int64) (map[int64]map[string]string, error) {
	headers := make(map[int64]map[string]string, len(eventIDs))
	if len(eventIDs) == 0 {
		return headers, nil
	}

	var rows []eventHeaderRow
	err := s.db.WithContext(ctx).Select("*").
		From(s.t.eventHeader).
		Where("event_id IN ("+placeholders(len(eventIDs))+")", int64Args(eventIDs)...).
		All(&rows)
	if err != nil {
		return nil, dbError("failed to load event headers", err)
	}

	for _, row := range rows {
		if headers[row.EventID] == nil {
			headers[row.EventID] = make(map[string]string)
		}
		headers[row.EventID][row.Name] = row.Value
	}
	return headers, nil
}
