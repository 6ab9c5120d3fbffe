// Package resonance is a durable, SQL-backed publish/subscribe event bus for Go.
//
// Events are published to named topics and fanned out to every subscription linked to the
// topic. Consumers pull events with ConsumeNext, which claims them under a visibility
// timeout and hands out a delivery key per claim. A claim is settled with MarkConsumed or
// MarkFailed using that key; an expired claim becomes visible again and its key goes stale
// once another consumer claims the event.
//
// # Features
//
//   - At-least-once delivery with claim/acknowledge and visibility timeouts
//   - Per functional key ordering on ordered subscriptions
//   - Batch consumption and batch acknowledgement
//   - Dead-lettering after a subscription's maximum number of deliveries
//   - Link filters on functional key and headers
//   - MySQL, PostgreSQL and SQLite through the Relica adapter, plus an in-memory store
//   - Embedded migrations with a configurable table prefix
//   - Prometheus metrics and pluggable Logger and NotificationService
//
// # Quick Start
//
// Apply the migrations and build the services on top of a store:
//
//	db, _ := sql.Open("sqlite3", "bus.db")
//	if err := migrations.Apply(db, migrations.DriverSQLite3, relica.DefaultTablePrefix); err != nil {
//	    log.Fatal(err)
//	}
//	store, _ := relica.NewStore(db, relica.DefaultConfig(relica.DriverSQLite3))
//
//	registry, _ := resonance.NewRegistry(resonance.WithRegistryRepositories(store, store))
//	publisher, _ := resonance.NewPublisher(resonance.WithPublisherRepositories(store, store))
//	consumer, _ := resonance.NewConsumer(resonance.WithConsumerStore(store))
//
// Register a topic and a subscription linked to it:
//
//	topic, _ := registry.AddOrUpdateTopic(ctx, model.Topic{Name: "orders"})
//	_, _ = registry.AddOrUpdateSubscription(ctx, model.Subscription{
//	    Name:               "billing",
//	    Ordered:            true,
//	    TopicSubscriptions: []model.TopicSubscription{model.NewTopicSubscription(topic.ID)},
//	})
//
// Publish and consume:
//
//	_, _ = publisher.Publish(ctx, "orders", `{"id":42}`, resonance.PublishOptions{FunctionalKey: "customer-7"})
//
//	events, _ := consumer.ConsumeNext(ctx, "billing", 10)
//	for _, e := range events {
//	    _, _ = consumer.MarkConsumed(ctx, e.ID, e.DeliveryKey)
//	}
//
// # Workers
//
// ConsumptionWorker and WorkerGroup poll a subscription and run a ConsumeAction for each
// claimed event or batch. The action reports Succeeded, MustRetry or Failed; retries
// leave the event for redelivery and failures past the delivery limit land in the dead
// letter table. Housekeeper dead-letters timed-out claims that can never be redelivered.
//
//	group, _ := resonance.NewWorkerGroup(4,
//	    resonance.WithConsumer(consumer),
//	    resonance.WithSubscription("billing"),
//	    resonance.WithAction(resonance.SingleConsumeAction(handle)),
//	)
//	_ = group.Start(ctx)
//	defer group.Stop()
//
// # Database Schema
//
// The migrations create the following tables (shown with the default prefix):
//
//	resonance_topic                      - Topics
//	resonance_subscription               - Subscriptions and their delivery settings
//	resonance_topic_subscription         - Links between topics and subscriptions
//	resonance_topic_subscription_filter  - Header filters of a link
//	resonance_topic_event                - Published events
//	resonance_event_header               - Event headers
//	resonance_delivery                   - Per subscription delivery state
//	resonance_dead_letter                - Dead-lettered deliveries
//
// The standalone server lives in cmd/resonance-server and exposes the same operations
// over HTTP.
package resonance
