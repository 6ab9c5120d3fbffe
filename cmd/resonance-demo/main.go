// Package main runs a self-contained demonstration of the bus: a rate-limited publisher
// feeds faker-generated orders into a topic while a group of workers consumes them,
// randomly succeeding, retrying or failing.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jaswdr/faker"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/coregx/resonance"
	"github.com/coregx/resonance/adapters/memory"
	"github.com/coregx/resonance/adapters/relica"
	"github.com/coregx/resonance/adapters/zaplog"
	"github.com/coregx/resonance/migrations"
	"github.com/coregx/resonance/model"
)

const (
	topicName        = "demo.orders"
	subscriptionName = "demo-fulfilment"
)

var (
	eventCount  = flag.Int("events", 500, "Number of events to publish")
	publishRate = flag.Float64("rate", 200, "Events published per second")
	publishers  = flag.Int("publishers", 4, "Concurrent publishers")
	workers     = flag.Int("workers", 20, "Parallel consumption workers")
	keys        = flag.Int("keys", 25, "Distinct functional keys (customers)")
	batchMode   = flag.Bool("batch", false, "Consume in batches of 50 on an unordered subscription")
	sqlitePath  = flag.String("sqlite", "", "SQLite database file; empty uses the in-memory store")
	logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	timeout     = flag.Duration("timeout", 2*time.Minute, "Give up waiting for the workers after this long")
)

// order is the payload of every demo event.
type order struct {
	OrderID  string  `json:"orderId"`
	Customer string  `json:"customer"`
	Email    string  `json:"email"`
	City     string  `json:"city"`
	Amount   float64 `json:"amount"`
}

// tally counts what the workers did.
type tally struct {
	succeeded atomic.Int64
	retried   atomic.Int64
	failed    atomic.Int64
}

func (t *tally) verdict() resonance.ConsumeResult {
	switch n := rand.IntN(100); {
	case n < 80:
		t.succeeded.Add(1)
		return resonance.Succeeded()
	case n < 95:
		t.retried.Add(1)
		return resonance.MustRetry("downstream busy")
	default:
		t.failed.Add(1)
		return resonance.Failed("invalid order")
	}
}

func main() {
	flag.Parse()
	if *keys < 1 || *publishers < 1 || *workers < 1 {
		fmt.Fprintln(os.Stderr, "-keys, -publishers and -workers must be at least 1")
		os.Exit(2)
	}

	logger, zl, err := zaplog.NewLogger(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = zl.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, zl); err != nil {
		zl.Fatal("Demo failed", zap.Error(err))
	}
}

func run(ctx context.Context, logger *zaplog.Logger, zl *zap.Logger) error {
	store, closeStore, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()

	registry, err := resonance.NewRegistry(resonance.WithRegistryRepositories(store, store), resonance.WithRegistryLogger(logger))
	if err != nil {
		return err
	}
	publisher, err := resonance.NewPublisher(resonance.WithPublisherRepositories(store, store), resonance.WithPublisherLogger(logger))
	if err != nil {
		return err
	}
	consumer, err := resonance.NewConsumer(resonance.WithConsumerStore(store), resonance.WithConsumerLogger(logger))
	if err != nil {
		return err
	}

	topic, err := registry.AddOrUpdateTopic(ctx, model.Topic{Name: topicName, Notes: "demo orders"})
	if err != nil {
		return err
	}
	sub := model.Subscription{
		Name:               subscriptionName,
		Ordered:            !*batchMode,
		MaxDeliveries:      2,
		VisibilityTimeout:  30 * time.Second,
		TopicSubscriptions: []model.TopicSubscription{model.NewTopicSubscription(topic.ID)},
	}
	if _, err := registry.AddOrUpdateSubscription(ctx, sub); err != nil {
		return err
	}

	var counts tally
	opts := []resonance.Option{
		resonance.WithConsumer(consumer),
		resonance.WithSubscription(subscriptionName),
		resonance.WithIdleInterval(100 * time.Millisecond),
		resonance.WithLogger(logger),
	}
	if *batchMode {
		opts = append(opts, resonance.WithBatchSize(50), resonance.WithAction(resonance.BatchConsumeAction(
			func(_ context.Context, events []model.ConsumableEvent) (map[int64]resonance.ConsumeResult, error) {
				results := make(map[int64]resonance.ConsumeResult, len(events))
				for _, event := range events {
					results[event.ID] = counts.verdict()
				}
				return results, nil
			})))
	} else {
		opts = append(opts, resonance.WithAction(resonance.SingleConsumeAction(
			func(_ context.Context, _ model.ConsumableEvent) (resonance.ConsumeResult, error) {
				return counts.verdict(), nil
			})))
	}

	group, err := resonance.NewWorkerGroup(*workers, opts...)
	if err != nil {
		return err
	}
	if err := group.Start(ctx); err != nil {
		return err
	}
	defer group.Stop()

	start := time.Now()
	published := publish(ctx, publisher, zl)
	zl.Info("Publishing finished", zap.Int64("published", published), zap.Duration("elapsed", time.Since(start)))

	dead, err := waitForDrain(ctx, consumer, &counts, published)
	if err != nil {
		zl.Warn("Stopped waiting for workers", zap.Error(err))
	}

	fmt.Printf("\nmode=%s workers=%d published=%d\n", mode(), *workers, published)
	fmt.Printf("succeeded=%d retried=%d failed=%d dead-lettered=%d elapsed=%s\n",
		counts.succeeded.Load(), counts.retried.Load(), counts.failed.Load(), dead, time.Since(start).Round(time.Millisecond))
	return nil
}

// publish spreads eventCount events over the publishers, throttled to publishRate.
func publish(ctx context.Context, publisher *resonance.Publisher, zl *zap.Logger) int64 {
	limiter := rate.NewLimiter(rate.Limit(*publishRate), *publishers)
	var (
		next      atomic.Int64
		published atomic.Int64
		wg        conc.WaitGroup
	)

	for i := 0; i < *publishers; i++ {
		wg.Go(func() {
			fake := faker.New()
			for next.Add(1) <= int64(*eventCount) {
				if err := limiter.Wait(ctx); err != nil {
					return
				}
				customer := fake.IntBetween(0, *keys-1)
				payload := order{
					OrderID:  uuid.NewString(),
					Customer: fake.Person().Name(),
					Email:    fake.Internet().Email(),
					City:     fake.Address().City(),
					Amount:   float64(fake.IntBetween(500, 50000)) / 100,
				}
				_, err := publisher.PublishJSON(ctx, topicName, payload, resonance.PublishOptions{
					FunctionalKey: fmt.Sprintf("customer-%d", customer),
					Headers:       map[string]string{"source": "demo"},
				})
				if err != nil {
					zl.Error("Failed to publish event", zap.Error(err))
					continue
				}
				published.Add(1)
			}
		})
	}
	wg.Wait()
	return published.Load()
}

// waitForDrain waits until every published event was consumed or dead-lettered.
func waitForDrain(ctx context.Context, consumer *resonance.Consumer, counts *tally, published int64) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	var dead int64
	for {
		stats, err := consumer.GetDeadLetterStats(ctx)
		if err == nil {
			dead = int64(stats.TotalItems)
		}
		if counts.succeeded.Load()+dead >= published {
			return dead, nil
		}

		select {
		case <-ctx.Done():
			return dead, ctx.Err()
		case <-ticker.C:
		}
	}
}

func openStore() (resonance.Store, func() error, error) {
	if *sqlitePath == "" {
		return memory.New(), func() error { return nil }, nil
	}

	db, err := sql.Open(relica.DriverSQLite3, *sqlitePath)
	if err != nil {
		return nil, nil, err
	}
	db.SetMaxOpenConns(1)
	if err := migrations.Apply(db, migrations.DriverSQLite3, relica.DefaultTablePrefix); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	store, err := relica.NewStore(db, relica.DefaultConfig(relica.DriverSQLite3))
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return store, db.Close, nil
}

func mode() string {
	if *batchMode {
		return "batch"
	}
	return "ordered"
}
