// Package memory provides an in-process implementation of resonance.Store.
//
// All state lives in maps guarded by a single mutex, which makes every primitive
// trivially atomic. It coordinates workers inside one process only and keeps nothing
// across restarts; use the relica adapter to share a bus between processes.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/coregx/resonance"
	"github.com/coregx/resonance/model"
)

var _ resonance.Store = (*Store)(nil)

type pair struct {
	subscriptionID int64
	eventID        int64
}

// Store is a fully in-memory implementation of resonance.Store.
// Safe for concurrent access. Intended for tests, demos and single-process deployments.
type Store struct {
	mu sync.Mutex

	topics        map[int64]model.Topic
	subscriptions map[int64]model.Subscription
	events        map[int64]model.TopicEvent
	deliveries    map[pair]*model.Delivery
	deadLetters   map[int64]model.DeadLetter

	lastID      int64
	newDelivery func() string
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		topics:        make(map[int64]model.Topic),
		subscriptions: make(map[int64]model.Subscription),
		events:        make(map[int64]model.TopicEvent),
		deliveries:    make(map[pair]*model.Delivery),
		deadLetters:   make(map[int64]model.DeadLetter),
		newDelivery:   uuid.NewString,
	}
}

func (s *Store) nextID() int64 {
	s.lastID++
	return s.lastID
}

// ──────────────────────────────────────────────────
// Topics
// ──────────────────────────────────────────────────

// SaveTopic inserts or updates a topic.
func (s *Store) SaveTopic(_ context.Context, topic *model.Topic) (*model.Topic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, existing := range s.topics {
		if id != topic.ID && existing.HasName(topic.Name) {
			return topic, resonance.NewError(resonance.ErrCodeConflict, fmt.Sprintf("topic name already in use: %s", topic.Name))
		}
	}

	if topic.ID == 0 {
		topic.ID = s.nextID()
		s.topics[topic.ID] = *topic
		return topic, nil
	}

	existing, ok := s.topics[topic.ID]
	if !ok {
		return topic, resonance.ErrNotFound
	}
	existing.Name = topic.Name
	existing.Notes = topic.Notes
	existing.UpdatedAt = topic.UpdatedAt
	s.topics[topic.ID] = existing
	*topic = existing
	return topic, nil
}

// LoadTopic returns a topic by ID.
func (s *Store) LoadTopic(_ context.Context, id int64) (model.Topic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	topic, ok := s.topics[id]
	if !ok {
		return model.Topic{}, resonance.ErrNotFound
	}
	return topic, nil
}

// FindTopicByName returns a topic by name, ignoring case.
func (s *Store) FindTopicByName(_ context.Context, name string) (model.Topic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, topic := range s.topics {
		if topic.HasName(name) {
			return topic, nil
		}
	}
	return model.Topic{}, resonance.ErrNotFound
}

// FindTopics lists topics whose name contains partOfName.
func (s *Store) FindTopics(_ context.Context, partOfName string) ([]model.Topic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	topics := make([]model.Topic, 0, len(s.topics))
	for _, topic := range s.topics {
		if topic.NameContains(partOfName) {
			topics = append(topics, topic)
		}
	}
	sort.Slice(topics, func(i, j int) bool { return topics[i].Name < topics[j].Name })
	return topics, nil
}

// DeleteTopic removes a topic, optionally with everything referencing it.
func (s *Store) DeleteTopic(_ context.Context, id int64, cascade bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.topics[id]; !ok {
		return resonance.ErrNotFound
	}

	var eventIDs []int64
	for eventID, event := range s.events {
		if event.TopicID == id {
			eventIDs = append(eventIDs, eventID)
		}
	}
	linked := false
	for _, sub := range s.subscriptions {
		if _, ok := sub.LinkFor(id); ok {
			linked = true
		}
	}

	if !cascade && (len(eventIDs) > 0 || linked) {
		return resonance.NewError(resonance.ErrCodeConflict,
			fmt.Sprintf("topic %d is referenced by %d events or subscription links", id, len(eventIDs)))
	}

	for _, eventID := range eventIDs {
		s.deleteEventLocked(eventID)
	}
	for subID, sub := range s.subscriptions {
		links := sub.TopicSubscriptions[:0:0]
		for _, link := range sub.TopicSubscriptions {
			if link.TopicID != id {
				links = append(links, link)
			}
		}
		sub.TopicSubscriptions = links
		s.subscriptions[subID] = sub
	}
	delete(s.topics, id)
	return nil
}

func (s *Store) deleteEventLocked(eventID int64) {
	delete(s.events, eventID)
	for key := range s.deliveries {
		if key.eventID == eventID {
			delete(s.deliveries, key)
		}
	}
	for id, letter := range s.deadLetters {
		if letter.EventID == eventID {
			delete(s.deadLetters, id)
		}
	}
}

// ──────────────────────────────────────────────────
// Subscriptions
// ──────────────────────────────────────────────────

func cloneSubscription(sub model.Subscription) model.Subscription {
	links := make([]model.TopicSubscription, len(sub.TopicSubscriptions))
	for i, link := range sub.TopicSubscriptions {
		if link.FilterHeaders != nil {
			headers := make(map[string]string, len(link.FilterHeaders))
			for k, v := range link.FilterHeaders {
				headers[k] = v
			}
			link.FilterHeaders = headers
		}
		links[i] = link
	}
	sub.TopicSubscriptions = links
	return sub
}

// SaveSubscription inserts or updates a subscription and replaces its links.
func (s *Store) SaveSubscription(_ context.Context, sub *model.Subscription) (*model.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, existing := range s.subscriptions {
		if id != sub.ID && existing.HasName(sub.Name) {
			return sub, resonance.NewError(resonance.ErrCodeConflict, fmt.Sprintf("subscription name already in use: %s", sub.Name))
		}
	}
	for _, link := range sub.TopicSubscriptions {
		if _, ok := s.topics[link.TopicID]; !ok {
			return sub, resonance.NewErrorWithCause(resonance.ErrCodeNotFound,
				fmt.Sprintf("linked topic %d does not exist", link.TopicID), resonance.ErrNotFound)
		}
	}

	if sub.ID == 0 {
		sub.ID = s.nextID()
	} else if existing, ok := s.subscriptions[sub.ID]; !ok {
		return sub, resonance.ErrNotFound
	} else {
		sub.CreatedAt = existing.CreatedAt
	}

	for i := range sub.TopicSubscriptions {
		link := &sub.TopicSubscriptions[i]
		link.SubscriptionID = sub.ID
		if link.ID == 0 {
			link.ID = s.nextID()
		}
	}

	s.subscriptions[sub.ID] = cloneSubscription(*sub)
	return sub, nil
}

// LoadSubscription returns a subscription by ID.
func (s *Store) LoadSubscription(_ context.Context, id int64) (model.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptions[id]
	if !ok {
		return model.Subscription{}, resonance.ErrNotFound
	}
	return cloneSubscription(sub), nil
}

// FindSubscriptionByName returns a subscription by name, ignoring case.
func (s *Store) FindSubscriptionByName(_ context.Context, name string) (model.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptionByNameLocked(name)
	if !ok {
		return model.Subscription{}, resonance.ErrNotFound
	}
	return cloneSubscription(sub), nil
}

func (s *Store) subscriptionByNameLocked(name string) (model.Subscription, bool) {
	for _, sub := range s.subscriptions {
		if sub.HasName(name) {
			return sub, true
		}
	}
	return model.Subscription{}, false
}

// FindSubscriptions lists subscriptions whose name contains partOfName.
func (s *Store) FindSubscriptions(_ context.Context, partOfName string) ([]model.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := make([]model.Subscription, 0, len(s.subscriptions))
	for _, sub := range s.subscriptions {
		if sub.NameContains(partOfName) {
			subs = append(subs, cloneSubscription(sub))
		}
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].Name < subs[j].Name })
	return subs, nil
}

// DeleteSubscription removes a subscription and its delivery state.
func (s *Store) DeleteSubscription(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subscriptions[id]; !ok {
		return resonance.ErrNotFound
	}
	for key := range s.deliveries {
		if key.subscriptionID == id {
			delete(s.deliveries, key)
		}
	}
	for letterID, letter := range s.deadLetters {
		if letter.SubscriptionID == id {
			delete(s.deadLetters, letterID)
		}
	}
	delete(s.subscriptions, id)
	return nil
}

// ──────────────────────────────────────────────────
// Events
// ──────────────────────────────────────────────────

// InsertEvent stores a new event.
func (s *Store) InsertEvent(_ context.Context, event *model.TopicEvent) (*model.TopicEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.topics[event.TopicID]; !ok {
		return event, resonance.ErrNotFound
	}
	event.ID = s.nextID()
	stored := *event
	stored.Headers = event.CloneHeaders()
	s.events[event.ID] = stored
	return event, nil
}

// LoadEvent returns an event by ID.
func (s *Store) LoadEvent(_ context.Context, id int64) (model.TopicEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	event, ok := s.events[id]
	if !ok {
		return model.TopicEvent{}, resonance.ErrNotFound
	}
	event.Headers = event.CloneHeaders()
	return event, nil
}
