// Package worker drains the job queue through a Generator.
//
// The worker claims pending jobs in queue order, runs up to its concurrency
// limit at once and reports progress, results and failures back to the
// queue. It never retries on its own; retry is an owner decision.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"studio/internal/jobs/events"
	"studio/internal/jobs/metrics"
	"studio/internal/jobs/models"
	id "studio/pkg/domain"
	"studio/pkg/platform/circuit"
)

var (
	errJobCancelled = errors.New("job cancelled")
	errJobRemoved   = errors.New("job removed")
)

// Generator produces the result for one job. progress may be called any
// number of times with values in [0,100]. Returning a *models.JobError
// selects the recorded error code.
type Generator interface {
	Generate(ctx context.Context, job models.Job, progress func(int)) (*models.Result, error)
}

// Queue is the subset of the job queue the worker drives.
type Queue interface {
	Claim() (models.Job, bool)
	UpdateProgress(jobID id.JobID, progress int) error
	Complete(jobID id.JobID, result *models.Result) error
	Fail(jobID id.JobID, jobErr models.JobError) error
	On(event models.EventType, listener events.Listener) (unsubscribe func())
}

// Gate pauses claiming new work while Paused reports true.
type Gate interface {
	Paused() bool
}

type Option func(*Worker)

func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Worker) {
		w.metrics = m
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(w *Worker) {
		if t != nil {
			w.tracer = t
		}
	}
}

func WithGate(g Gate) Option {
	return func(w *Worker) {
		w.gate = g
	}
}

// WithBreaker holds back claiming while the provider circuit is open.
// Provider errors and timeouts count as failures; results and JobErrors
// count as successes.
func WithBreaker(b *circuit.Breaker) Option {
	return func(w *Worker) {
		w.breaker = b
	}
}

// WithConcurrency bounds the number of jobs generated at once.
func WithConcurrency(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithPollInterval sets how often the worker looks for work when no queue
// event woke it.
func WithPollInterval(interval time.Duration) Option {
	return func(w *Worker) {
		if interval > 0 {
			w.pollInterval = interval
		}
	}
}

// WithJobTimeout bounds a single Generate call. Zero disables the bound.
func WithJobTimeout(timeout time.Duration) Option {
	return func(w *Worker) {
		if timeout >= 0 {
			w.jobTimeout = timeout
		}
	}
}

// attempt is one claim of a job by the worker.
type attempt struct {
	cancel context.CancelCauseFunc
}

type Worker struct {
	queue     Queue
	generator Generator
	gate      Gate
	breaker   *circuit.Breaker
	logger    *slog.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer

	concurrency  int
	pollInterval time.Duration
	jobTimeout   time.Duration

	wake        chan struct{}
	unsubscribe func()

	mu      sync.Mutex
	running map[id.JobID]*attempt
	active  int
	wg      sync.WaitGroup
}

// New subscribes the worker to queue events so in-flight jobs are aborted
// when they are cancelled or deleted. Call Close to unsubscribe.
func New(queue Queue, generator Generator, opts ...Option) *Worker {
	w := &Worker{
		queue:        queue,
		generator:    generator,
		logger:       slog.Default(),
		tracer:       otel.Tracer("studio/jobs/worker"),
		concurrency:  1,
		pollInterval: 2 * time.Second,
		jobTimeout:   5 * time.Minute,
		wake:         make(chan struct{}, 1),
		running:      make(map[id.JobID]*attempt),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.unsubscribe = queue.On(models.EventAll, w.onEvent)
	return w
}

func (w *Worker) Close() {
	w.unsubscribe()
}

// Wake asks a running worker to look for work now.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Start dispatches jobs until ctx is cancelled, then waits for in-flight
// jobs to finish reporting.
func (w *Worker) Start(ctx context.Context) error {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.logger.Info("job worker started",
		"concurrency", w.concurrency,
		"poll_interval", w.pollInterval.String(),
	)
	for {
		w.dispatch(ctx)

		select {
		case <-ctx.Done():
			w.wg.Wait()
			w.logger.Info("job worker stopping", "reason", ctx.Err())
			return ctx.Err()
		case <-w.wake:
		case <-ticker.C:
		}
	}
}

// RunOnce claims and processes a single job on the calling goroutine. It
// reports false when the worker is paused or nothing is pending.
func (w *Worker) RunOnce(ctx context.Context) bool {
	if w.paused() {
		return false
	}
	job, ok := w.queue.Claim()
	if !ok {
		return false
	}
	jobCtx, a := w.track(ctx, job.ID)
	defer w.untrack(job.ID, a)
	w.process(jobCtx, job)
	return true
}

func (w *Worker) dispatch(ctx context.Context) {
	for ctx.Err() == nil && w.inFlight() < w.concurrency && !w.paused() {
		job, ok := w.queue.Claim()
		if !ok {
			return
		}
		jobCtx, a := w.track(ctx, job.ID)
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer w.Wake()
			defer w.untrack(job.ID, a)
			w.process(jobCtx, job)
		}()
	}
}

func (w *Worker) process(ctx context.Context, job models.Job) {
	ctx, span := w.tracer.Start(ctx, "jobs.generate", trace.WithAttributes(
		attribute.String("job.id", job.ID.String()),
		attribute.String("job.type", string(job.Type)),
		attribute.Int("job.priority", job.Priority),
		attribute.Int("job.retry_count", job.RetryCount),
	))
	defer span.End()

	genCtx := ctx
	if w.jobTimeout > 0 {
		var cancel context.CancelFunc
		genCtx, cancel = context.WithTimeout(ctx, w.jobTimeout)
		defer cancel()
	}

	w.logger.InfoContext(ctx, "job_generation_started",
		"job_id", job.ID.String(),
		"type", job.Type,
		"retry_count", job.RetryCount,
	)
	start := time.Now()
	result, err := w.generator.Generate(genCtx, job, func(p int) {
		if perr := w.queue.UpdateProgress(job.ID, p); perr != nil {
			w.logger.DebugContext(ctx, "job progress dropped", "job_id", job.ID.String(), "error", perr)
		}
	})
	duration := time.Since(start)

	outcome := w.report(ctx, job, result, err, genCtx.Err())
	w.recordProvider(ctx, outcome, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("job.outcome", outcome))
	if w.metrics != nil {
		w.metrics.ObserveProcessing(job.Type, outcome, duration)
	}
}

// report records the generation outcome on the queue and returns the
// metrics outcome label.
func (w *Worker) report(ctx context.Context, job models.Job, result *models.Result, err, genErr error) string {
	if cause := context.Cause(ctx); errors.Is(cause, errJobCancelled) || errors.Is(cause, errJobRemoved) {
		w.logger.InfoContext(ctx, "job_generation_aborted",
			"job_id", job.ID.String(),
			"reason", cause.Error(),
		)
		return metrics.OutcomeCancelled
	}

	if err == nil {
		if cerr := w.queue.Complete(job.ID, result); cerr != nil {
			w.logger.WarnContext(ctx, "job result rejected", "job_id", job.ID.String(), "error", cerr)
			return metrics.OutcomeFailed
		}
		w.logger.InfoContext(ctx, "job_generation_completed", "job_id", job.ID.String())
		return metrics.OutcomeCompleted
	}

	jobErr := w.toJobError(ctx, err, genErr)
	if ferr := w.queue.Fail(job.ID, jobErr); ferr != nil {
		w.logger.WarnContext(ctx, "job failure rejected", "job_id", job.ID.String(), "error", ferr)
	}
	w.logger.WarnContext(ctx, "job_generation_failed",
		"job_id", job.ID.String(),
		"code", jobErr.Code,
		"error", err,
	)
	return metrics.OutcomeFailed
}

func (w *Worker) toJobError(ctx context.Context, err, genErr error) models.JobError {
	var jobErr *models.JobError
	switch {
	case errors.As(err, &jobErr):
		return *jobErr
	case ctx.Err() != nil:
		return models.JobError{
			Message: "generation interrupted: worker shutting down",
			Code:    models.ErrorCodeGenerationFailed,
		}
	case errors.Is(genErr, context.DeadlineExceeded):
		return models.JobError{
			Message: fmt.Sprintf("generation timed out after %s", w.jobTimeout),
			Code:    models.ErrorCodeGenerationFailed,
		}
	default:
		return models.JobError{Message: err.Error(), Code: models.ErrorCodeGenerationFailed}
	}
}

func (w *Worker) recordProvider(ctx context.Context, outcome string, err error) {
	if w.breaker == nil || outcome == metrics.OutcomeCancelled || ctx.Err() != nil {
		return
	}
	var jobErr *models.JobError
	if err == nil || errors.As(err, &jobErr) {
		if w.breaker.RecordSuccess().Closed {
			w.logger.Info("generation_circuit_closed", "breaker", w.breaker.Name())
		}
		return
	}
	if w.breaker.RecordFailure().Opened {
		w.logger.Warn("generation_circuit_opened", "breaker", w.breaker.Name(), "error", err)
	}
}

// onEvent runs on the queue's emitting goroutine and must not block.
func (w *Worker) onEvent(ev models.Event) {
	switch {
	case ev.Type == models.EventJobRemoved:
		w.abort(ev.Job.ID, errJobRemoved)
	case ev.Job.Status == models.StatusFailed && ev.Job.Error != nil && ev.Job.Error.Code == models.ErrorCodeCancelled:
		w.abort(ev.Job.ID, errJobCancelled)
	case ev.Job.Status == models.StatusPending:
		w.Wake()
	}
}

func (w *Worker) abort(jobID id.JobID, cause error) {
	w.mu.Lock()
	a, ok := w.running[jobID]
	w.mu.Unlock()
	if ok {
		a.cancel(cause)
	}
}

// track registers a new attempt for jobID. A retried job can be claimed
// again while its aborted attempt is still unwinding, so the map holds the
// latest attempt and active counts every attempt still running.
func (w *Worker) track(ctx context.Context, jobID id.JobID) (context.Context, *attempt) {
	jobCtx, cancel := context.WithCancelCause(ctx)
	a := &attempt{cancel: cancel}
	w.mu.Lock()
	w.running[jobID] = a
	w.active++
	w.mu.Unlock()
	return jobCtx, a
}

// untrack releases a. The map entry is only removed while it still points
// at a, leaving a newer attempt for the same job untouched.
func (w *Worker) untrack(jobID id.JobID, a *attempt) {
	w.mu.Lock()
	if w.running[jobID] == a {
		delete(w.running, jobID)
	}
	w.active--
	w.mu.Unlock()
	a.cancel(nil)
}

func (w *Worker) inFlight() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active
}

func (w *Worker) paused() bool {
	if w.gate != nil && w.gate.Paused() {
		return true
	}
	return w.breaker != nil && !w.breaker.Allow()
}
