package resonance

import (
	"fmt"
	"time"

	"github.com/coregx/resonance/retry"
)

// Option is a function that configures a ConsumptionWorker.
//
// Example:
//
//	worker, err := resonance.NewConsumptionWorker(
//	    resonance.WithConsumer(consumer),
//	    resonance.WithSubscription("billing"),
//	    resonance.WithAction(resonance.BatchConsumeAction(handleAll)),
//	    resonance.WithBatchSize(200), // optional
//	)
type Option func(*ConsumptionWorker) error

// WithConsumer sets the consumer the worker claims from and acknowledges through.
// This is a required option for NewConsumptionWorker.
func WithConsumer(consumer *Consumer) Option {
	return func(w *ConsumptionWorker) error {
		if consumer == nil {
			return fmt.Errorf("consumer cannot be nil")
		}
		w.consumer = consumer
		return nil
	}
}

// WithSubscription sets the name of the subscription the worker polls.
// This is a required option for NewConsumptionWorker.
func WithSubscription(name string) Option {
	return func(w *ConsumptionWorker) error {
		if name == "" {
			return fmt.Errorf("subscription name cannot be empty")
		}
		w.subscription = name
		return nil
	}
}

// WithAction sets the processing callback.
// This is a required option for NewConsumptionWorker.
//
// A SingleConsumeAction is invoked once per claimed event; a BatchConsumeAction once
// per poll with every claimed event.
func WithAction(action ConsumeAction) Option {
	return func(w *ConsumptionWorker) error {
		switch a := action.(type) {
		case SingleConsumeAction:
			if a == nil {
				return fmt.Errorf("consume action cannot be nil")
			}
		case BatchConsumeAction:
			if a == nil {
				return fmt.Errorf("consume action cannot be nil")
			}
		default:
			return fmt.Errorf("unsupported consume action %T", action)
		}
		w.action = action
		return nil
	}
}

// WithBatchSize sets how many events one poll claims at most.
// Default is 1 for single actions and 50 for batch actions.
//
// Must be > 0. A single action still processes the claimed events one by one; every one
// of them stays invisible to other workers until acknowledged, so keep the batch small
// enough to finish within the subscription's visibility timeout.
func WithBatchSize(size int) Option {
	return func(w *ConsumptionWorker) error {
		if size <= 0 {
			return fmt.Errorf("batch size must be > 0, got %d", size)
		}
		w.batchSize = size
		return nil
	}
}

// WithIdleInterval sets how long the worker sleeps after a poll found nothing. Default is 1s.
func WithIdleInterval(interval time.Duration) Option {
	return func(w *ConsumptionWorker) error {
		if interval <= 0 {
			return fmt.Errorf("idle interval must be > 0, got %s", interval)
		}
		w.idleInterval = interval
		return nil
	}
}

// WithErrorPolicy sets the backoff applied after consecutive failed polls.
// Default is retry.DefaultPolicy().
func WithErrorPolicy(policy retry.Policy) Option {
	return func(w *ConsumptionWorker) error {
		if policy.BaseDelay <= 0 || policy.MaxDelay < policy.BaseDelay {
			return fmt.Errorf("invalid error policy: base delay %s, max delay %s", policy.BaseDelay, policy.MaxDelay)
		}
		w.errorPolicy = policy
		return nil
	}
}

// WithLogger sets the logger instance for the worker.
//
// Use NoopLogger for silent operation or the adapters/zaplog package for zap.
func WithLogger(logger Logger) Option {
	return func(w *ConsumptionWorker) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		w.logger = logger
		return nil
	}
}

// WithMetrics sets the metrics the worker updates.
func WithMetrics(metrics *Metrics) Option {
	return func(w *ConsumptionWorker) error {
		if metrics == nil {
			return fmt.Errorf("metrics cannot be nil")
		}
		w.metrics = metrics
		return nil
	}
}
