// Package queue holds the in-process collection of generation jobs.
//
// Every mutation is atomic and emits its event after the lock is released
// but before the call returns. Invalid targets (unknown ids, illegal state
// transitions, out-of-range indices) leave state untouched and are reported
// as domain errors so callers can treat them as no-ops.
package queue

import (
	"cmp"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"studio/internal/jobs/events"
	"studio/internal/jobs/models"
	id "studio/pkg/domain"
	dErrors "studio/pkg/domain-errors"
)

type entry struct {
	job *models.Job
	seq uint64 // insertion order, breaks CreatedAt ties
}

// Queue is safe for concurrent use.
type Queue struct {
	mu                sync.Mutex
	jobs              map[id.JobID]*entry
	insertSeq         uint64
	eventSeq          uint64
	defaultPriority   int
	defaultMaxRetries int

	emitter *events.Emitter
	logger  *slog.Logger
	now     func() time.Time
}

type Option func(*Queue)

func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// WithClock overrides time.Now for tests.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// WithDefaults sets the priority and retry budget applied when Enqueue is
// called without explicit values.
func WithDefaults(priority, maxRetries int) Option {
	return func(q *Queue) {
		q.defaultPriority = models.ClampPriority(priority)
		if maxRetries >= 0 {
			q.defaultMaxRetries = maxRetries
		}
	}
}

func New(opts ...Option) *Queue {
	q := &Queue{
		jobs:              make(map[id.JobID]*entry),
		defaultPriority:   models.DefaultPriority,
		defaultMaxRetries: models.DefaultMaxRetries,
		logger:            slog.Default(),
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.emitter = events.New(q.logger)
	return q
}

// On subscribes listener to event or models.EventAll.
func (q *Queue) On(event models.EventType, listener events.Listener) (unsubscribe func()) {
	return q.emitter.On(event, listener)
}

// =============================================================================
// Owner operations
// =============================================================================

// EnqueueOptions overrides the queue defaults for one job.
type EnqueueOptions struct {
	Priority   *int
	MaxRetries *int
}

type EnqueueOption func(*EnqueueOptions)

// WithPriority sets the job priority; values outside [1,10] are clamped.
func WithPriority(p int) EnqueueOption {
	return func(o *EnqueueOptions) { o.Priority = &p }
}

func WithMaxRetries(n int) EnqueueOption {
	return func(o *EnqueueOptions) { o.MaxRetries = &n }
}

// ApplyEnqueueOptions folds opts into an EnqueueOptions value.
func ApplyEnqueueOptions(opts ...EnqueueOption) EnqueueOptions {
	var o EnqueueOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Enqueue validates a copy of params and appends a pending job. The
// caller's params are left untouched.
func (q *Queue) Enqueue(params models.Params, opts ...EnqueueOption) (models.Job, error) {
	params = models.CloneParams(params)
	if err := models.Prepare(params); err != nil {
		return models.Job{}, err
	}
	o := ApplyEnqueueOptions(opts...)
	if o.MaxRetries != nil && *o.MaxRetries < 0 {
		return models.Job{}, dErrors.New(dErrors.CodeValidation, "max_retries must be at least 0")
	}

	q.mu.Lock()
	job := &models.Job{
		ID:         id.NewJobID(),
		Type:       params.JobType(),
		Status:     models.StatusPending,
		Priority:   q.defaultPriority,
		CreatedAt:  q.now(),
		MaxRetries: q.defaultMaxRetries,
		Params:     params,
	}
	if o.Priority != nil {
		job.Priority = models.ClampPriority(*o.Priority)
	}
	if o.MaxRetries != nil {
		job.MaxRetries = *o.MaxRetries
	}
	q.insertSeq++
	q.jobs[job.ID] = &entry{job: job, seq: q.insertSeq}
	ev := q.eventLocked(models.EventJobCreated, job)
	q.mu.Unlock()

	q.emitter.Emit(ev)
	return ev.Job, nil
}

// Jobs returns a snapshot ordered by priority (desc), CreatedAt (asc), then
// insertion order.
func (q *Queue) Jobs() []models.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	ordered := q.orderedLocked()
	out := make([]models.Job, len(ordered))
	for i, e := range ordered {
		out[i] = e.job.Clone()
	}
	return out
}

func (q *Queue) Get(jobID id.JobID) (models.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.jobs[jobID]
	if !ok {
		return models.Job{}, false
	}
	return e.job.Clone(), true
}

// Retry moves a failed job with retry budget left back to pending.
func (q *Queue) Retry(jobID id.JobID) error {
	return q.update(jobID, func(job *models.Job) error {
		if job.Status != models.StatusFailed {
			return invalidState(job, "only failed jobs can be retried")
		}
		if job.RetryCount >= job.MaxRetries {
			return dErrors.New(dErrors.CodeRetriesExhausted,
				fmt.Sprintf("job %s has used %d of %d retries", job.ID, job.RetryCount, job.MaxRetries))
		}
		job.Status = models.StatusPending
		job.RetryCount++
		job.Progress = 0
		job.Error = nil
		job.StartedAt = nil
		job.CompletedAt = nil
		return nil
	})
}

// Cancel fails a pending or processing job with code CANCELLED. It only
// records the status; aborting in-flight work is the worker's concern.
func (q *Queue) Cancel(jobID id.JobID) error {
	return q.update(jobID, func(job *models.Job) error {
		if job.Status != models.StatusPending && job.Status != models.StatusProcessing {
			return invalidState(job, "only pending or processing jobs can be cancelled")
		}
		now := q.now()
		job.Status = models.StatusFailed
		job.Error = &models.JobError{Message: "Job cancelled", Code: models.ErrorCodeCancelled}
		job.CompletedAt = &now
		return nil
	})
}

// Delete removes the job whatever its status.
func (q *Queue) Delete(jobID id.JobID) error {
	q.mu.Lock()
	e, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return notFound(jobID)
	}
	delete(q.jobs, jobID)
	ev := q.eventLocked(models.EventJobRemoved, e.job)
	q.mu.Unlock()

	q.emitter.Emit(ev)
	return nil
}

// ClearCompleted removes every completed job and returns how many went.
func (q *Queue) ClearCompleted() int {
	return q.removeWhere(models.StatusCompleted)
}

// ClearFailed removes every failed job and returns how many went.
func (q *Queue) ClearFailed() int {
	return q.removeWhere(models.StatusFailed)
}

// Reorder moves the job at index from of the Jobs() view towards index to.
// Priority is the only ordering key, so the job is given the priority in
// [1,10] that lands it closest to to; ties keep it nearest its current
// priority. Indices outside the view are rejected without changes.
func (q *Queue) Reorder(from, to int) error {
	q.mu.Lock()
	ordered := q.orderedLocked()
	n := len(ordered)
	if from < 0 || from >= n || to < 0 || to >= n {
		q.mu.Unlock()
		return dErrors.New(dErrors.CodeOutOfRange,
			fmt.Sprintf("reorder indices %d -> %d outside [0,%d)", from, to, n))
	}
	if from == to {
		q.mu.Unlock()
		return nil
	}

	moving := ordered[from]
	others := slices.Delete(slices.Clone(ordered), from, from+1)
	best := bestPriority(moving, others, to, to < from)
	if best == moving.job.Priority {
		q.mu.Unlock()
		return nil
	}
	moving.job.Priority = best
	ev := q.eventLocked(models.EventJobUpdated, moving.job)
	q.mu.Unlock()

	q.emitter.Emit(ev)
	return nil
}

// SetPriority clamps p to [1,10].
func (q *Queue) SetPriority(jobID id.JobID, p int) error {
	return q.update(jobID, func(job *models.Job) error {
		job.Priority = models.ClampPriority(p)
		return nil
	})
}

// =============================================================================
// Worker reporting
// =============================================================================

// Claim atomically moves the first pending job in queue order to processing.
func (q *Queue) Claim() (models.Job, bool) {
	q.mu.Lock()
	var next *entry
	for _, e := range q.orderedLocked() {
		if e.job.Status == models.StatusPending {
			next = e
			break
		}
	}
	if next == nil {
		q.mu.Unlock()
		return models.Job{}, false
	}
	q.startLocked(next.job)
	ev := q.eventLocked(models.EventJobUpdated, next.job)
	q.mu.Unlock()

	q.emitter.Emit(ev)
	return ev.Job, true
}

// Start moves a specific pending job to processing.
func (q *Queue) Start(jobID id.JobID) error {
	return q.update(jobID, func(job *models.Job) error {
		if job.Status != models.StatusPending {
			return invalidState(job, "only pending jobs can be started")
		}
		q.startLocked(job)
		return nil
	})
}

// UpdateProgress records progress for a processing job. Values are clamped to
// [0,100] and never move progress backwards; a non-advancing update is
// accepted silently without an event.
func (q *Queue) UpdateProgress(jobID id.JobID, progress int) error {
	progress = min(max(progress, 0), models.MaxProgress)

	q.mu.Lock()
	e, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return notFound(jobID)
	}
	if e.job.Status != models.StatusProcessing {
		err := invalidState(e.job, "progress is only tracked while processing")
		q.mu.Unlock()
		return err
	}
	if progress <= e.job.Progress {
		q.mu.Unlock()
		return nil
	}
	e.job.Progress = progress
	ev := q.eventLocked(models.EventJobUpdated, e.job)
	q.mu.Unlock()

	q.emitter.Emit(ev)
	return nil
}

// Complete records the result of a processing job.
func (q *Queue) Complete(jobID id.JobID, result *models.Result) error {
	return q.update(jobID, func(job *models.Job) error {
		if job.Status != models.StatusProcessing {
			return invalidState(job, "only processing jobs can complete")
		}
		if result == nil {
			result = &models.Result{}
		}
		now := q.now()
		job.Status = models.StatusCompleted
		job.Progress = models.MaxProgress
		job.Result = result
		job.Error = nil
		job.CompletedAt = &now
		return nil
	})
}

// Fail records a processing failure. Missing code or message get defaults.
func (q *Queue) Fail(jobID id.JobID, jobErr models.JobError) error {
	if jobErr.Code == "" {
		jobErr.Code = models.ErrorCodeGenerationFailed
	}
	if jobErr.Message == "" {
		jobErr.Message = "generation failed"
	}
	return q.update(jobID, func(job *models.Job) error {
		if job.Status != models.StatusProcessing {
			return invalidState(job, "only processing jobs can fail")
		}
		now := q.now()
		job.Status = models.StatusFailed
		job.Error = &jobErr
		job.Result = nil
		job.CompletedAt = &now
		return nil
	})
}

// Stats counts jobs per status; every status is present.
func (q *Queue) Stats() map[models.Status]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := make(map[models.Status]int, len(models.Statuses))
	for _, s := range models.Statuses {
		stats[s] = 0
	}
	for _, e := range q.jobs {
		stats[e.job.Status]++
	}
	return stats
}

// SetDefaults changes the values applied to future Enqueue calls.
func (q *Queue) SetDefaults(priority, maxRetries int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.defaultPriority = models.ClampPriority(priority)
	if maxRetries >= 0 {
		q.defaultMaxRetries = maxRetries
	}
}

func (q *Queue) Defaults() (priority, maxRetries int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.defaultPriority, q.defaultMaxRetries
}

// =============================================================================
// Internals
// =============================================================================

func (q *Queue) update(jobID id.JobID, mutate func(*models.Job) error) error {
	q.mu.Lock()
	e, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return notFound(jobID)
	}
	// Mutate a copy so a rejected transition leaves no partial change.
	draft := e.job.Clone()
	if err := mutate(&draft); err != nil {
		q.mu.Unlock()
		return err
	}
	*e.job = draft
	ev := q.eventLocked(models.EventJobUpdated, e.job)
	q.mu.Unlock()

	q.emitter.Emit(ev)
	return nil
}

func (q *Queue) removeWhere(status models.Status) int {
	q.mu.Lock()
	var evs []models.Event
	for _, e := range q.orderedLocked() {
		if e.job.Status == status {
			delete(q.jobs, e.job.ID)
			evs = append(evs, q.eventLocked(models.EventJobRemoved, e.job))
		}
	}
	q.mu.Unlock()

	for _, ev := range evs {
		q.emitter.Emit(ev)
	}
	return len(evs)
}

func (q *Queue) startLocked(job *models.Job) {
	now := q.now()
	job.Status = models.StatusProcessing
	job.StartedAt = &now
	job.CompletedAt = nil
	job.Progress = 0
}

func (q *Queue) eventLocked(t models.EventType, job *models.Job) models.Event {
	q.eventSeq++
	return models.Event{Type: t, Seq: q.eventSeq, At: q.now(), Job: job.Clone()}
}

func (q *Queue) orderedLocked() []*entry {
	ordered := make([]*entry, 0, len(q.jobs))
	for _, e := range q.jobs {
		ordered = append(ordered, e)
	}
	slices.SortFunc(ordered, compareEntries)
	return ordered
}

func compareEntries(a, b *entry) int {
	return compareAt(a, a.job.Priority, b)
}

// compareAt orders a (as if it had priority p) against b.
func compareAt(a *entry, p int, b *entry) int {
	if c := cmp.Compare(b.job.Priority, p); c != 0 {
		return c
	}
	if c := a.job.CreatedAt.Compare(b.job.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.seq, b.seq)
}

// bestPriority picks the priority placing moving closest to index to among
// others. Ties prefer the priority nearest the current one, then the
// direction of travel.
func bestPriority(moving *entry, others []*entry, to int, upward bool) int {
	current := moving.job.Priority
	best, bestDist, bestDelta := current, -1, 0
	for p := models.MinPriority; p <= models.MaxPriority; p++ {
		pos := 0
		for _, o := range others {
			if compareAt(moving, p, o) > 0 {
				pos++
			}
		}
		dist := abs(pos - to)
		delta := abs(p - current)
		better := bestDist < 0 || dist < bestDist ||
			(dist == bestDist && delta < bestDelta) ||
			(dist == bestDist && delta == bestDelta && (p > best) == upward)
		if better {
			best, bestDist, bestDelta = p, dist, delta
		}
	}
	return best
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func notFound(jobID id.JobID) error {
	return dErrors.New(dErrors.CodeNotFound, "job "+jobID.String()+" not found")
}

func invalidState(job *models.Job, reason string) error {
	return dErrors.New(dErrors.CodeInvalidState,
		fmt.Sprintf("job %s is %s: %s", job.ID, job.Status, reason))
}
