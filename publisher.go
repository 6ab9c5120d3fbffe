package resonance

import (
	"context"
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/goccy/go-json"

	"github.com/coregx/resonance/model"
)

// Publisher validates and inserts events into topics.
//
// Publishing creates no delivery state: which subscriptions see an event is decided at
// claim time from the links that exist then, so a subscription created later still
// receives events published before it.
type Publisher struct {
	topicRepo TopicRepository
	eventRepo EventRepository
	logger    Logger
	metrics   *Metrics
	clock     Clock
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher) error

// NewPublisher creates a new Publisher with the provided options.
//
// Required options:
//   - WithPublisherRepositories: topic and event repositories
//
// Example:
//
//	publisher, err := resonance.NewPublisher(
//	    resonance.WithPublisherRepositories(store, store),
//	    resonance.WithPublisherLogger(logger),
//	)
func NewPublisher(opts ...PublisherOption) (*Publisher, error) {
	p := &Publisher{
		logger:  &NoopLogger{},
		metrics: NewMetrics(nil),
		clock:   SystemClock,
	}

	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, NewErrorWithCause(ErrCodeConfiguration, "failed to apply publisher option", err)
		}
	}

	if p.topicRepo == nil {
		return nil, NewError(ErrCodeConfiguration, "TopicRepository is required (use WithPublisherRepositories)")
	}
	if p.eventRepo == nil {
		return nil, NewError(ErrCodeConfiguration, "EventRepository is required (use WithPublisherRepositories)")
	}

	return p, nil
}

// WithPublisherRepositories sets the required repository dependencies.
func WithPublisherRepositories(topicRepo TopicRepository, eventRepo EventRepository) PublisherOption {
	return func(p *Publisher) error {
		if topicRepo == nil {
			return fmt.Errorf("topicRepo cannot be nil")
		}
		if eventRepo == nil {
			return fmt.Errorf("eventRepo cannot be nil")
		}
		p.topicRepo = topicRepo
		p.eventRepo = eventRepo
		return nil
	}
}

// WithPublisherLogger sets the logger instance.
func WithPublisherLogger(logger Logger) PublisherOption {
	return func(p *Publisher) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		p.logger = logger
		return nil
	}
}

// WithPublisherMetrics sets the metrics the publisher updates.
func WithPublisherMetrics(metrics *Metrics) PublisherOption {
	return func(p *Publisher) error {
		if metrics == nil {
			return fmt.Errorf("metrics cannot be nil")
		}
		p.metrics = metrics
		return nil
	}
}

// WithPublisherClock overrides the clock used for default publication times.
func WithPublisherClock(clock Clock) PublisherOption {
	return func(p *Publisher) error {
		if clock == nil {
			return fmt.Errorf("clock cannot be nil")
		}
		p.clock = clock
		return nil
	}
}

// PublishOptions holds the optional attributes of a published event.
type PublishOptions struct {
	FunctionalKey   string            // Groups events delivered in order on ordered subscriptions. Default: none
	Headers         map[string]string // Free-form metadata, also used by link filters. Default: empty
	PublicationTime *time.Time        // When the event becomes deliverable. Default: now
	ExpirationTime  *time.Time        // When the event stops being deliverable. Default: never
}

// validate checks the options against the effective publication time.
func (o PublishOptions) validate(publication time.Time) error {
	return validation.ValidateStruct(&o,
		validation.Field(&o.FunctionalKey, validation.Length(0, 255)),
		validation.Field(&o.ExpirationTime, validation.By(func(value interface{}) error {
			expiration, _ := value.(*time.Time)
			if expiration != nil && expiration.Before(publication) {
				return validation.NewError("validation_expiration_before_publication",
					"must not be earlier than the publication time")
			}
			return nil
		})),
	)
}

// Publish inserts an event into the named topic.
// An unknown topic fails with NOT_FOUND; invalid options fail with INVALID_ARGUMENT.
func (p *Publisher) Publish(ctx context.Context, topicName, payload string, opts PublishOptions) (model.TopicEvent, error) {
	if topicName == "" {
		return model.TopicEvent{}, NewError(ErrCodeInvalidArgument, "topic name is required")
	}

	topic, err := p.topicRepo.FindTopicByName(ctx, topicName)
	if err != nil {
		if IsNotFound(err) {
			return model.TopicEvent{}, NewErrorWithCause(ErrCodeNotFound, fmt.Sprintf("topic not found: %s", topicName), err)
		}
		return model.TopicEvent{}, wrapStoreError(err, "failed to load topic")
	}

	return p.PublishToTopic(ctx, topic, payload, opts)
}

// PublishToTopic inserts an event into an already loaded topic.
func (p *Publisher) PublishToTopic(ctx context.Context, topic model.Topic, payload string, opts PublishOptions) (model.TopicEvent, error) {
	if topic.ID <= 0 {
		return model.TopicEvent{}, NewError(ErrCodeInvalidArgument, "topic ID is required")
	}

	now := p.clock()
	publication := now
	if opts.PublicationTime != nil {
		publication = opts.PublicationTime.UTC().Truncate(time.Microsecond)
	}
	if opts.ExpirationTime != nil {
		expiration := opts.ExpirationTime.UTC().Truncate(time.Microsecond)
		opts.ExpirationTime = &expiration
	}
	if err := opts.validate(publication); err != nil {
		return model.TopicEvent{}, invalidArgument("invalid publish options", err)
	}

	event := model.TopicEvent{
		TopicID:         topic.ID,
		FunctionalKey:   opts.FunctionalKey,
		Payload:         payload,
		Headers:         model.TopicEvent{Headers: opts.Headers}.CloneHeaders(),
		PublicationDate: publication,
		ExpirationDate:  opts.ExpirationTime,
		CreatedAt:       now,
	}

	saved, err := p.eventRepo.InsertEvent(ctx, &event)
	if err != nil {
		return model.TopicEvent{}, wrapStoreError(err, fmt.Sprintf("failed to insert event into topic %s", topic.Name))
	}

	p.metrics.EventsPublished.WithLabelValues(topic.Name).Inc()
	p.logger.Debugf("Event published: id=%d, topic=%s, functional_key=%q", saved.ID, topic.Name, saved.FunctionalKey)

	return *saved, nil
}

// PublishJSON serializes value as JSON and publishes it as the payload.
func (p *Publisher) PublishJSON(ctx context.Context, topicName string, value interface{}, opts PublishOptions) (model.TopicEvent, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return model.TopicEvent{}, invalidArgument("failed to encode payload", err)
	}
	return p.Publish(ctx, topicName, string(payload), opts)
}

// PublishRequest is one entry of PublishBatch.
type PublishRequest struct {
	TopicName string
	Payload   string
	Options   PublishOptions
}

// PublishResult reports the outcome of one PublishBatch entry.
type PublishResult struct {
	Event model.TopicEvent
	Err   error
}

// PublishBatch publishes every request independently. A failing entry does not stop
// the others; results are returned in request order.
func (p *Publisher) PublishBatch(ctx context.Context, requests []PublishRequest) []PublishResult {
	results := make([]PublishResult, len(requests))
	failed := 0
	for i, req := range requests {
		results[i].Event, results[i].Err = p.Publish(ctx, req.TopicName, req.Payload, req.Options)
		if results[i].Err != nil {
			failed++
		}
	}
	if failed > 0 {
		p.logger.Warnf("Batch publish finished with %d of %d failures", failed, len(requests))
	}
	return results
}
