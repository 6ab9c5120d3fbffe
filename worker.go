package resonance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coregx/resonance/model"
	"github.com/coregx/resonance/retry"
)

// ConsumeResult is the verdict a consume action reports for one event. The zero value
// counts as MustRetry.
type ConsumeResult struct {
	kind   resultKind
	reason string
}

type resultKind int

const (
	resultSucceeded resultKind = iota + 1
	resultMustRetry
	resultFailed
)

const noResultReason = "no result returned for event"

// Succeeded reports that the event was processed; it is marked consumed.
func Succeeded() ConsumeResult {
	return ConsumeResult{kind: resultSucceeded}
}

// MustRetry reports a transient failure; the event is released for another attempt
// while the subscription's delivery budget lasts.
func MustRetry(reason string) ConsumeResult {
	return ConsumeResult{kind: resultMustRetry, reason: reason}
}

// Failed reports a failure the consumer does not expect to recover from. It is
// acknowledged like MustRetry; the delivery budget decides when the event is dead.
func Failed(reason string) ConsumeResult {
	return ConsumeResult{kind: resultFailed, reason: reason}
}

// IsSucceeded reports whether the result is Succeeded.
func (r ConsumeResult) IsSucceeded() bool {
	return r.kind == resultSucceeded
}

// Reason returns the failure reason, empty for Succeeded.
func (r ConsumeResult) Reason() string {
	if r.kind == 0 {
		return noResultReason
	}
	return r.reason
}

func (r ConsumeResult) String() string {
	switch r.kind {
	case resultSucceeded:
		return "succeeded"
	case resultFailed:
		return "failed: " + r.reason
	default:
		return "must-retry: " + r.Reason()
	}
}

// ConsumeAction is the processing callback of a ConsumptionWorker: either a
// SingleConsumeAction or a BatchConsumeAction.
type ConsumeAction interface {
	mode() string
}

// SingleConsumeAction processes one event at a time.
// A returned error or a panic counts as MustRetry.
type SingleConsumeAction func(ctx context.Context, event model.ConsumableEvent) (ConsumeResult, error)

func (SingleConsumeAction) mode() string { return "single" }

// BatchConsumeAction processes every event claimed by one poll and returns a result per
// event ID. Events missing from the map, a returned error, or a panic count as MustRetry.
type BatchConsumeAction func(ctx context.Context, events []model.ConsumableEvent) (map[int64]ConsumeResult, error)

func (BatchConsumeAction) mode() string { return "batch" }

// WorkerState is the lifecycle state of a ConsumptionWorker.
type WorkerState int

// Worker states. A worker goes Stopped → Running → Stopping → Stopped.
const (
	WorkerStopped WorkerState = iota
	WorkerRunning
	WorkerStopping
)

func (s WorkerState) String() string {
	switch s {
	case WorkerRunning:
		return "running"
	case WorkerStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// Default worker settings.
const (
	DefaultSingleBatchSize = 1
	DefaultBatchSize       = 50
	DefaultIdleInterval    = time.Second
)

// ConsumptionWorker polls one subscription, hands claimed events to a ConsumeAction and
// acknowledges the verdicts.
//
// Workers coordinate only through the store: any number of them, in any number of
// processes, may poll the same subscription. Each iteration claims up to the batch size,
// runs the action and acknowledges every claimed event before the next poll. When nothing
// is eligible the worker sleeps for the idle interval. Consumer errors (storage down,
// retry budget exhausted) back off following the error policy.
//
// The visibility timeout of the subscription must comfortably exceed the time the action
// needs; otherwise events are claimed again by other workers while still being processed.
type ConsumptionWorker struct {
	consumer     *Consumer
	subscription string
	action       ConsumeAction
	batchSize    int
	idleInterval time.Duration
	errorPolicy  retry.Policy
	logger       Logger
	metrics      *Metrics

	mu    sync.Mutex
	state WorkerState
	run   *workerRun
}

type workerRun struct {
	stop chan struct{}
	wg   conc.WaitGroup
}

// NewConsumptionWorker creates a worker with the provided options.
//
// Required options:
//   - WithConsumer: the consumer to claim from
//   - WithSubscription: the subscription to poll
//   - WithAction: a SingleConsumeAction or BatchConsumeAction
//
// Optional options:
//   - WithBatchSize (default: 1 for single actions, 50 for batch actions)
//   - WithIdleInterval (default: 1s)
//   - WithErrorPolicy (default: retry.DefaultPolicy())
//   - WithLogger, WithMetrics
//
// Example:
//
//	worker, err := resonance.NewConsumptionWorker(
//	    resonance.WithConsumer(consumer),
//	    resonance.WithSubscription("billing"),
//	    resonance.WithAction(resonance.SingleConsumeAction(handle)),
//	)
func NewConsumptionWorker(opts ...Option) (*ConsumptionWorker, error) {
	w := &ConsumptionWorker{
		idleInterval: DefaultIdleInterval,
		errorPolicy:  retry.DefaultPolicy(),
		logger:       &NoopLogger{},
		metrics:      NewMetrics(nil),
	}

	for _, opt := range opts {
		if err := opt(w); err != nil {
			return nil, NewErrorWithCause(ErrCodeConfiguration, "failed to apply option", err)
		}
	}

	if w.consumer == nil {
		return nil, NewError(ErrCodeConfiguration, "Consumer is required (use WithConsumer)")
	}
	if w.subscription == "" {
		return nil, NewError(ErrCodeConfiguration, "subscription name is required (use WithSubscription)")
	}
	if w.action == nil {
		return nil, NewError(ErrCodeConfiguration, "ConsumeAction is required (use WithAction)")
	}
	if w.batchSize == 0 {
		w.batchSize = DefaultSingleBatchSize
		if _, ok := w.action.(BatchConsumeAction); ok {
			w.batchSize = DefaultBatchSize
		}
	}

	return w, nil
}

// Start launches the polling loop. It fails with INVALID_STATE unless the worker is stopped.
//
// The loop runs until Stop is called or ctx is canceled. Actions and acknowledgements
// receive ctx, so canceling it also interrupts in-flight work; Stop does not.
func (w *ConsumptionWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != WorkerStopped {
		return NewError(ErrCodeInvalidState, fmt.Sprintf("worker for %s is %s", w.subscription, w.state))
	}

	r := &workerRun{stop: make(chan struct{})}
	w.run = r
	w.state = WorkerRunning
	r.wg.Go(func() { w.loop(ctx, r) })

	w.logger.Infof("Consumption worker started: subscription=%s, mode=%s, batch_size=%d",
		w.subscription, w.action.mode(), w.batchSize)
	return nil
}

// Stop asks the loop to exit after its current iteration and waits until it has.
// Events claimed by that iteration are still processed and acknowledged.
// Stopping a stopped worker does nothing.
func (w *ConsumptionWorker) Stop() {
	w.mu.Lock()
	r := w.run
	if r == nil {
		w.mu.Unlock()
		return
	}
	if w.state == WorkerRunning {
		w.state = WorkerStopping
		close(r.stop)
	}
	w.mu.Unlock()

	r.wg.Wait()
}

// IsRunning reports whether the loop is running and has not been asked to stop.
func (w *ConsumptionWorker) IsRunning() bool {
	return w.State() == WorkerRunning
}

// State returns the current lifecycle state.
func (w *ConsumptionWorker) State() WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *ConsumptionWorker) loop(ctx context.Context, r *workerRun) {
	defer func() {
		w.mu.Lock()
		if w.run == r {
			w.run = nil
			w.state = WorkerStopped
		}
		w.mu.Unlock()
		w.logger.Infof("Consumption worker stopped: subscription=%s", w.subscription)
	}()

	failures := 0
	for {
		select {
		case <-r.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		claimed, err := w.poll(ctx)

		var wait time.Duration
		switch {
		case err != nil:
			failures++
			wait = w.errorPolicy.CalculateRetryDelay(failures)
			w.logger.Errorf("Consumption worker for %s failed to claim (attempt %d, retrying in %s): %v",
				w.subscription, failures, wait, err)
		case claimed == 0:
			failures = 0
			wait = w.idleInterval
			w.metrics.IdlePolls.WithLabelValues(w.subscription).Inc()
		default:
			failures = 0
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-r.stop:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// poll runs one iteration and returns the number of events claimed.
func (w *ConsumptionWorker) poll(ctx context.Context) (int, error) {
	events, err := w.consumer.ConsumeNext(ctx, w.subscription, w.batchSize)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	started := time.Now()
	var results map[int64]ConsumeResult
	switch action := w.action.(type) {
	case SingleConsumeAction:
		results = make(map[int64]ConsumeResult, len(events))
		for _, event := range events {
			results[event.ID] = w.invokeSingle(ctx, action, event)
		}
	case BatchConsumeAction:
		results = w.invokeBatch(ctx, action, events)
	}
	w.metrics.CallbackDuration.WithLabelValues(w.subscription, w.action.mode()).Observe(time.Since(started).Seconds())

	w.acknowledge(ctx, events, results)
	return len(events), nil
}

func (w *ConsumptionWorker) invokeSingle(ctx context.Context, action SingleConsumeAction, event model.ConsumableEvent) (result ConsumeResult) {
	defer func() {
		if p := recover(); p != nil {
			w.logger.Errorf("Consume action panicked on event %d: %v", event.ID, p)
			result = MustRetry(fmt.Sprintf("consume action panicked: %v", p))
		}
	}()

	result, err := action(ctx, event)
	if err != nil {
		w.logger.Warnf("Consume action failed on event %d: %v", event.ID, err)
		return MustRetry(err.Error())
	}
	return result
}

func (w *ConsumptionWorker) invokeBatch(ctx context.Context, action BatchConsumeAction, events []model.ConsumableEvent) (results map[int64]ConsumeResult) {
	retryAll := func(reason string) map[int64]ConsumeResult {
		all := make(map[int64]ConsumeResult, len(events))
		for _, event := range events {
			all[event.ID] = MustRetry(reason)
		}
		return all
	}

	defer func() {
		if p := recover(); p != nil {
			w.logger.Errorf("Batch consume action panicked on %d events: %v", len(events), p)
			results = retryAll(fmt.Sprintf("consume action panicked: %v", p))
		}
	}()

	results, err := action(ctx, events)
	if err != nil {
		w.logger.Warnf("Batch consume action failed on %d events: %v", len(events), err)
		return retryAll(err.Error())
	}
	return results
}

// acknowledge reports every verdict. Claims the action did not answer for are retried.
func (w *ConsumptionWorker) acknowledge(ctx context.Context, events []model.ConsumableEvent, results map[int64]ConsumeResult) {
	requests := make(map[int64]AckRequest, len(events))
	for _, event := range events {
		result, ok := results[event.ID]
		if !ok {
			result = MustRetry(noResultReason)
		}
		req := AckRequest{DeliveryKey: event.DeliveryKey, Verdict: model.VerdictSucceeded}
		if !result.IsSucceeded() {
			req.Verdict = model.VerdictFailed
			req.Reason = result.Reason()
		}
		requests[event.ID] = req
	}

	for id, entry := range w.consumer.Acknowledge(ctx, requests) {
		switch {
		case entry.Err == nil:
		case IsStaleClaim(entry.Err) || IsNotFound(entry.Err):
			// The visibility timeout elapsed and another worker took over.
			w.logger.Warnf("Acknowledgement of event %d on %s was stale: %v", id, w.subscription, entry.Err)
		default:
			w.logger.Errorf("Failed to acknowledge event %d on %s: %v", id, w.subscription, entry.Err)
		}
	}
}
