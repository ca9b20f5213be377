// Package worker drives the polling execution loop that fetches a
// batch of jobs for one queue and hands each to a registered handler.
// Grounded on the teacher's internal/worker/processor.go (Processor
// struct, Run loop, RegisterHandler, backoff-on-failure shape),
// reshaped around spec.md §4.2/§4.3: batch fetch instead of
// single-job dequeue, a tagged-union CallbackResult instead of a bare
// error, and abortable polling delay instead of a fixed ticker.
package worker

import (
	"context"
	"sync"
	"time"

	"swiftq/swiftq"
	"swiftq/swiftq/driver/postgres"
	"swiftq/swiftq/telemetry"
)

// State is the lifecycle a Worker passes through (spec.md §4.3).
type State string

const (
	StateCreated  State = "created"
	StateActive   State = "active"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// Fetcher is the subset of the postgres manager a Worker needs.
type Fetcher interface {
	Fetch(ctx context.Context, queue string, opts swiftq.WorkOptions) ([]swiftq.Job, error)
	Complete(ctx context.Context, ids []string, output []byte) error
	Fail(ctx context.Context, ids []string, output []byte) error
	Retry(ctx context.Context, ids []string, retryDelaySeconds int) ([]postgres.RetryOutcome, error)
	RouteDeadLetter(ctx context.Context, job swiftq.Job, output []byte) error
}

// Handler executes one job and returns the outcome the job's final
// state is computed from.
type Handler func(ctx context.Context, job swiftq.Job) swiftq.CallbackResult

// Worker polls one queue on an interval, claiming a batch at a time
// and dispatching each claimed job to handler.
type Worker struct {
	id       string
	queue    string
	store    Fetcher
	handler  Handler
	opts     swiftq.WorkOptions
	interval time.Duration
	bus      *swiftq.Bus

	mu    sync.Mutex
	state State

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

// New constructs a Worker bound to one queue. bus may be nil.
func New(id, queue string, store Fetcher, handler Handler, opts swiftq.WorkOptions, pollInterval time.Duration, bus *swiftq.Bus) *Worker {
	return &Worker{
		id:       id,
		queue:    queue,
		store:    store,
		handler:  handler,
		opts:     opts,
		interval: pollInterval,
		bus:      bus,
		state:    StateCreated,
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// State reports the worker's current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// ID returns the worker's instance-local identifier.
func (w *Worker) ID() string { return w.id }

// Queue returns the name of the queue this worker polls.
func (w *Worker) Queue() string { return w.queue }

// Notify wakes an idle worker immediately instead of waiting out its
// remaining poll delay, used after a Send targets this worker's queue.
func (w *Worker) Notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run drives the poll loop until ctx is cancelled or Stop is called.
// A batch already claimed when shutdown begins is always allowed to
// finish; swiftq never preempts an in-flight batch (spec.md §4.3).
func (w *Worker) Run(ctx context.Context) {
	w.mu.Lock()
	w.state = StateActive
	w.mu.Unlock()
	defer close(w.done)

	for {
		select {
		case <-ctx.Done():
			w.transitionToStopped()
			return
		case <-w.stop:
			w.transitionToStopped()
			return
		default:
		}

		jobs, err := w.store.Fetch(ctx, w.queue, w.opts)
		if err != nil {
			w.emitError("fetch", err)
			if !w.sleep(ctx) {
				w.transitionToStopped()
				return
			}
			continue
		}

		if len(jobs) == 0 {
			if !w.sleep(ctx) {
				w.transitionToStopped()
				return
			}
			continue
		}

		w.emitWork(len(jobs))
		w.runBatch(ctx, jobs)
	}
}

// runBatch executes every job in the batch against a shared deadline
// equal to the longest expire_in_seconds in the batch (spec.md §4.3's
// "batch timeout" rule), then applies each outcome.
func (w *Worker) runBatch(ctx context.Context, jobs []swiftq.Job) {
	batchCtx, cancel := context.WithTimeout(ctx, batchTimeout(jobs))
	defer cancel()

	for _, job := range jobs {
		result := w.invoke(batchCtx, job)
		w.emitJobState(job, result)

		if result.IsOk() {
			output := result.Output()
			if output == nil {
				output = okOutput()
			}
			if err := w.store.Complete(ctx, []string{job.ID}, output); err != nil {
				w.emitError("complete", err)
			}
			telemetry.JobsCompleted.WithLabelValues(w.queue).Inc()
			continue
		}

		w.routeFailure(ctx, job, result.Reason())
	}
}

// routeFailure decides what a failed callback does to job, per spec.md
// §4.1's dead-letter edge case: retry while the job still has budget
// (nextCount is the retry_count it would carry after this retry, so
// the check mirrors the retry SQL's own post-increment gate), else
// route a reset copy to the queue's dead letter queue and fail the
// source, else fail the source outright.
func (w *Worker) routeFailure(ctx context.Context, job swiftq.Job, reason string) {
	nextCount := job.RetryCount + 1
	if !swiftq.ExceedsRetryLimit(nextCount, job.RetryLimit) {
		delay := swiftq.NextRetryDelay(job.RetryDelay, job.RetryCount, job.RetryBackoff)
		if _, err := w.store.Retry(ctx, []string{job.ID}, int(delay/time.Second)); err != nil {
			w.emitError("retry", err)
		}
		telemetry.JobsRetried.WithLabelValues(w.queue).Inc()
		return
	}

	output := failOutput(reason)
	if job.DeadLetter != nil && *job.DeadLetter != "" {
		if err := w.store.RouteDeadLetter(ctx, job, output); err != nil {
			w.emitError("dead-letter", err)
		} else {
			telemetry.JobsDeadLettered.WithLabelValues(w.queue).Inc()
		}
	} else if err := w.store.Fail(ctx, []string{job.ID}, output); err != nil {
		w.emitError("fail", err)
	}
	telemetry.JobsFailed.WithLabelValues(w.queue).Inc()
}

func (w *Worker) invoke(ctx context.Context, job swiftq.Job) (result swiftq.CallbackResult) {
	defer func() {
		if r := recover(); r != nil {
			result = swiftq.Fail("handler panicked")
		}
	}()
	return w.handler(ctx, job)
}

func batchTimeout(jobs []swiftq.Job) time.Duration {
	max := 0
	for _, j := range jobs {
		if j.ExpireInSeconds > max {
			max = j.ExpireInSeconds
		}
	}
	if max <= 0 {
		max = 900
	}
	return time.Duration(max) * time.Second
}

// sleep waits the poll interval or until woken/stopped, returning
// false if the worker should exit.
func (w *Worker) sleep(ctx context.Context) bool {
	timer := time.NewTimer(w.interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-w.stop:
		return false
	case <-w.wake:
		return true
	case <-timer.C:
		return true
	}
}

// Stop requests shutdown and blocks until the in-flight batch (if
// any) finishes and Run returns.
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.state == StateStopped || w.state == StateStopping {
		w.mu.Unlock()
		return
	}
	w.state = StateStopping
	w.mu.Unlock()

	close(w.stop)
	<-w.done
}

func (w *Worker) transitionToStopped() {
	w.mu.Lock()
	w.state = StateStopped
	w.mu.Unlock()
	if w.bus != nil {
		w.bus.Emit(swiftq.EventStop, swiftq.StopEvent{WorkerID: w.id, Queue: w.queue})
	}
}

func (w *Worker) emitError(op string, err error) {
	if w.bus != nil {
		w.bus.Emit(swiftq.EventError, swiftq.ErrorEvent{Op: op, Err: err})
	}
}

func (w *Worker) emitWork(count int) {
	if w.bus != nil {
		w.bus.Emit(swiftq.EventWork, swiftq.WorkEvent{Queue: w.queue, Count: count})
	}
	telemetry.JobsFetched.WithLabelValues(w.queue).Add(float64(count))
}

func (w *Worker) emitJobState(job swiftq.Job, result swiftq.CallbackResult) {
	state := swiftq.StateCompleted
	if !result.IsOk() {
		state = swiftq.StateFailed
	}
	if w.bus != nil {
		w.bus.Emit(swiftq.EventJob, swiftq.JobEvent{Queue: w.queue, ID: job.ID, State: state})
	}
}

func okOutput() []byte { return []byte(`{}`) }

func failOutput(reason string) []byte {
	if reason == "" {
		reason = "handler reported failure"
	}
	b, err := swiftq.EncodeData(map[string]string{"error": reason})
	if err != nil {
		return []byte(`{"error":"handler reported failure"}`)
	}
	return b
}
