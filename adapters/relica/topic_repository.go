package relica

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/coregx/resonance"
	"github.com/coregx/resonance/model"
)

// SaveTopic creates or updates a topic.
func (s *Store) SaveTopic(ctx context.Context, topic *model.Topic) (*model.Topic, error) {
	if err := s.checkNameFree(ctx, s.t.topic, topic.ID, topic.Name); err != nil {
		return topic, err
	}

	if topic.ID == 0 {
		id, err := s.insert(ctx, s.sqlDB,
			"INSERT INTO "+s.t.topic+" (name, name_key, notes, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
			topic.Name, nameKey(topic.Name), topic.Notes, utc(topic.CreatedAt), utc(topic.UpdatedAt))
		if err != nil {
			return topic, dbError("failed to insert topic", err)
		}
		topic.ID = id
		return topic, nil
	}

	if _, err := s.LoadTopic(ctx, topic.ID); err != nil {
		return topic, err
	}
	_, err := s.db.WithContext(ctx).Update(s.t.topic).
		Set(map[string]interface{}{
			"name":       topic.Name,
			"name_key":   nameKey(topic.Name),
			"notes":      topic.Notes,
			"updated_at": utc(topic.UpdatedAt),
		}).
		Where("id = ?", topic.ID).
		Execute()
	if err != nil {
		return topic, dbError("failed to update topic", err)
	}

	saved, err := s.LoadTopic(ctx, topic.ID)
	if err != nil {
		return topic, err
	}
	*topic = saved
	return topic, nil
}

// checkNameFree fails with CONFLICT when another row of table already uses name.
func (s *Store) checkNameFree(ctx context.Context, table string, id int64, name string) error {
	var count int64
	err := s.db.WithContext(ctx).Select("COUNT(*)").
		From(table).
		Where("name_key = ? AND id <> ?", nameKey(name), id).
		One(&count)
	if err != nil {
		return dbError("failed to check name", err)
	}
	if count > 0 {
		return resonance.NewError(resonance.ErrCodeConflict, fmt.Sprintf("name already in use: %s", name))
	}
	return nil
}

// LoadTopic retrieves a topic by ID.
func (s *Store) LoadTopic(ctx context.Context, id int64) (model.Topic, error) {
	var row topicRow
	err := s.db.WithContext(ctx).Select("*").From(s.t.topic).Where("id = ?", id).One(&row)
	if err != nil {
		return model.Topic{}, dbError("failed to load topic", err)
	}
	return row.toModel(), nil
}

// FindTopicByName retrieves a topic by name, ignoring case.
func (s *Store) FindTopicByName(ctx context.Context, name string) (model.Topic, error) {
	var row topicRow
	err := s.db.WithContext(ctx).Select("*").From(s.t.topic).Where("name_key = ?", nameKey(name)).One(&row)
	if err != nil {
		return model.Topic{}, dbError("failed to find topic by name", err)
	}
	return row.toModel(), nil
}

// FindTopics lists topics whose name contains partOfName, ordered by name.
func (s *Store) FindTopics(ctx context.Context, partOfName string) ([]model.Topic, error) {
	var rows []topicRow
	err := s.db.WithContext(ctx).Select("*").
		From(s.t.topic).
		Where("name_key LIKE ? ESCAPE '!'", likePattern(partOfName)).
		OrderBy("name").
		All(&rows)
	if err != nil {
		return nil, dbError("failed to list topics", err)
	}

	topics := make([]model.Topic, len(rows))
	for i, row := range rows {
		topics[i] = row.toModel()
	}
	return topics, nil
}

// DeleteTopic removes a topic. Without cascade, events or links referencing it make
// the call fail with CONFLICT.
func (s *Store) DeleteTopic(ctx context.Context, id int64, cascade bool) error {
	if _, err := s.LoadTopic(ctx, id); err != nil {
		return err
	}

	if !cascade {
		var events, links int64
		if err := s.db.WithContext(ctx).Select("COUNT(*)").From(s.t.event).Where("topic_id = ?", id).One(&events); err != nil {
			return dbError("failed to count topic events", err)
		}
		if err := s.db.WithContext(ctx).Select("COUNT(*)").From(s.t.link).Where("topic_id = ?", id).One(&links); err != nil {
			return dbError("failed to count topic links", err)
		}
		if events > 0 || links > 0 {
			return resonance.NewError(resonance.ErrCodeConflict,
				fmt.Sprintf("topic %d is referenced by %d events and %d subscription links", id, events, links))
		}
	}

	_, err := withRetry(ctx, s, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.inTx(ctx, func(tx *sql.Tx) error {
			events := "SELECT id FROM " + s.t.event + " WHERE topic_id = ?"
			links := "SELECT id FROM " + s.t.link + " WHERE topic_id = ?"
			statements := []string{
				"DELETE FROM " + s.t.deadLetter + " WHERE event_id IN (" + events + ")",
				"DELETE FROM " + s.t.delivery + " WHERE event_id IN (" + events + ")",
				"DELETE FROM " + s.t.eventHeader + " WHERE event_id IN (" + events + ")",
				"DELETE FROM " + s.t.event + " WHERE topic_id = ?",
				"DELETE FROM " + s.t.linkFilter + " WHERE link_id IN (" + links + ")",
				"DELETE FROM " + s.t.link + " WHERE topic_id = ?",
				"DELETE FROM " + s.t.topic + " WHERE id = ?",
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
		return dbError("failed to delete topic", err)
	}
	return nil
}
