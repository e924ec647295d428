package queue

import (
	"bytes"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"studio/internal/jobs/models"
	id "studio/pkg/domain"
	dErrors "studio/pkg/domain-errors"
	"studio/pkg/testutil"
)

// =============================================================================
// Queue Test Suite
// =============================================================================
// Justification: the queue is the only owner of job state. These tests pin
// the legal transition graph, ordering and event delivery directly, since
// the HTTP layer only forwards to these operations.

type QueueSuite struct {
	suite.Suite
	q      *Queue
	clock  time.Time
	events []models.Event
	mu     sync.Mutex
}

func TestQueueSuite(t *testing.T) {
	suite.Run(t, new(QueueSuite))
}

func (s *QueueSuite) SetupTest() {
	s.clock = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	s.events = nil
	s.q = New(WithClock(s.tick))
	s.q.On(models.EventAll, func(ev models.Event) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.events = append(s.events, ev)
	})
}

// tick advances the clock one millisecond per reading so CreatedAt is distinct.
func (s *QueueSuite) tick() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = s.clock.Add(time.Millisecond)
	return s.clock
}

func (s *QueueSuite) enqueue(prompt string, opts ...EnqueueOption) models.Job {
	job, err := s.q.Enqueue(&models.ImageGenerationParams{Prompt: prompt}, opts...)
	s.Require().NoError(err)
	return job
}

func (s *QueueSuite) eventTypes() []models.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.EventType, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Type
	}
	return out
}

func (s *QueueSuite) resetEvents() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
}

func (s *QueueSuite) prompts() []string {
	var out []string
	for _, j := range s.q.Jobs() {
		out = append(out, j.Params.(*models.ImageGenerationParams).Prompt)
	}
	return out
}

// failProcessing claims the job (it must be next in line) and fails it.
func (s *QueueSuite) failProcessing(jobID id.JobID) {
	s.Require().NoError(s.q.Start(jobID))
	s.Require().NoError(s.q.Fail(jobID, models.JobError{Message: "provider timeout"}))
}

// =============================================================================
// Enqueue
// =============================================================================

func (s *QueueSuite) TestEnqueue() {
	s.Run("creates a pending job with defaults", func() {
		job := s.enqueue("a red fox")

		s.False(job.ID.IsNil())
		s.Equal(models.TypeImageGeneration, job.Type)
		s.Equal(models.StatusPending, job.Status)
		s.Equal(models.DefaultPriority, job.Priority)
		s.Equal(models.DefaultMaxRetries, job.MaxRetries)
		s.Zero(job.RetryCount)
		s.Nil(job.Error)
		s.Nil(job.Result)
		s.Equal([]models.EventType{models.EventJobCreated}, s.eventTypes())
	})

	s.Run("clamps priority", func() {
		s.Equal(10, s.enqueue("hi", WithPriority(99)).Priority)
		s.Equal(1, s.enqueue("lo", WithPriority(-1)).Priority)
	})

	s.Run("rejects invalid params without creating a job", func() {
		before := len(s.q.Jobs())
		_, err := s.q.Enqueue(&models.ImageGenerationParams{Prompt: " "})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))

		_, err = s.q.Enqueue(nil)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))

		_, err = s.q.Enqueue(&models.ImageGenerationParams{Prompt: "ok"}, WithMaxRetries(-1))
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))

		s.Len(s.q.Jobs(), before)
	})

	s.Run("uses queue defaults", func() {
		s.q.SetDefaults(8, 1)
		job := s.enqueue("defaults")
		s.Equal(8, job.Priority)
		s.Equal(1, job.MaxRetries)
	})

	s.Run("stored params are isolated from the caller", func() {
		params := &models.ImageGenerationParams{Prompt: "original"}
		job, err := s.q.Enqueue(params)
		s.Require().NoError(err)

		params.Prompt = "mutated"
		got, ok := s.q.Get(job.ID)
		s.Require().True(ok)
		s.Equal("original", got.Params.(*models.ImageGenerationParams).Prompt)
	})

	s.Run("caller params are not normalized in place", func() {
		params := &models.ImageGenerationParams{Prompt: "  padded  "}
		job, err := s.q.Enqueue(params)
		s.Require().NoError(err)

		s.Equal(models.ImageGenerationParams{Prompt: "  padded  "}, *params)
		stored := job.Params.(*models.ImageGenerationParams)
		s.Equal("padded", stored.Prompt)
		s.Equal("1:1", stored.AspectRatio)
		s.Equal(1, stored.NumberOfImages)
	})
}

// =============================================================================
// Ordering
// =============================================================================

func (s *QueueSuite) TestOrderingByPriorityThenCreation() {
	s.enqueue("first-5", WithPriority(5))
	s.enqueue("eight", WithPriority(8))
	s.enqueue("second-5", WithPriority(5))

	s.Equal([]string{"eight", "first-5", "second-5"}, s.prompts())
	s.Equal(s.prompts(), s.prompts(), "repeated reads are stable")
}

func (s *QueueSuite) TestOrderingStableWithIdenticalTimestamps() {
	fixed := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	q := New(WithClock(func() time.Time { return fixed }))
	for _, p := range []string{"a", "b", "c"} {
		_, err := q.Enqueue(&models.ImageGenerationParams{Prompt: p})
		s.Require().NoError(err)
	}

	var got []string
	for _, j := range q.Jobs() {
		got = append(got, j.Params.(*models.ImageGenerationParams).Prompt)
	}
	s.Equal([]string{"a", "b", "c"}, got)
}

func (s *QueueSuite) TestSnapshotsAreReadOnly() {
	job := s.enqueue("fox")
	jobs := s.q.Jobs()
	jobs[0].Status = models.StatusCompleted
	jobs[0].Params.(*models.ImageGenerationParams).Prompt = "changed"

	got, _ := s.q.Get(job.ID)
	s.Equal(models.StatusPending, got.Status)
	s.Equal("fox", got.Params.(*models.ImageGenerationParams).Prompt)
}

// =============================================================================
// State machine
// =============================================================================

func (s *QueueSuite) TestLifecycleToCompleted() {
	job := s.enqueue("fox")

	claimed, ok := s.q.Claim()
	s.Require().True(ok)
	s.Equal(job.ID, claimed.ID)
	s.Equal(models.StatusProcessing, claimed.Status)
	s.NotNil(claimed.StartedAt)

	s.Require().NoError(s.q.UpdateProgress(job.ID, 40))
	s.Require().NoError(s.q.UpdateProgress(job.ID, 20), "backwards progress is ignored")
	got, _ := s.q.Get(job.ID)
	s.Equal(40, got.Progress)

	s.Require().NoError(s.q.UpdateProgress(job.ID, 250))
	got, _ = s.q.Get(job.ID)
	s.Equal(100, got.Progress, "progress is clamped")

	result := &models.Result{Images: []models.GeneratedImage{{MIMEType: "image/png", Data: "aGk="}}}
	s.Require().NoError(s.q.Complete(job.ID, result))

	got, _ = s.q.Get(job.ID)
	s.Equal(models.StatusCompleted, got.Status)
	s.Equal(100, got.Progress)
	s.NotNil(got.Result)
	s.Nil(got.Error)
	s.NotNil(got.CompletedAt)

	_, ok = s.q.Claim()
	s.False(ok, "nothing left to claim")
}

func (s *QueueSuite) TestFailRecordsStructuredError() {
	job := s.enqueue("fox")
	s.Require().NoError(s.q.Start(job.ID))
	s.Require().NoError(s.q.Fail(job.ID, models.JobError{}))

	got, _ := s.q.Get(job.ID)
	s.Equal(models.StatusFailed, got.Status)
	s.Nil(got.Result)
	s.Require().NotNil(got.Error)
	s.Equal(models.ErrorCodeGenerationFailed, got.Error.Code)
	s.Equal("generation failed", got.Error.Message)
}

func (s *QueueSuite) TestIllegalTransitionsAreRejectedWithoutChange() {
	job := s.enqueue("fox")
	s.resetEvents()

	cases := []struct {
		name string
		op   func() error
	}{
		{"retry pending", func() error { return s.q.Retry(job.ID) }},
		{"complete pending", func() error { return s.q.Complete(job.ID, &models.Result{}) }},
		{"fail pending", func() error { return s.q.Fail(job.ID, models.JobError{Message: "x"}) }},
		{"progress pending", func() error { return s.q.UpdateProgress(job.ID, 10) }},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			err := tc.op()
			s.True(dErrors.HasCode(err, dErrors.CodeInvalidState), "got %v", err)
			got, _ := s.q.Get(job.ID)
			s.Equal(job, got)
		})
	}
	s.Empty(s.eventTypes(), "rejected operations emit nothing")

	s.Run("start twice", func() {
		s.Require().NoError(s.q.Start(job.ID))
		s.True(dErrors.HasCode(s.q.Start(job.ID), dErrors.CodeInvalidState))
	})

	s.Run("cancel completed", func() {
		s.Require().NoError(s.q.Complete(job.ID, nil))
		s.True(dErrors.HasCode(s.q.Cancel(job.ID), dErrors.CodeInvalidState))
		got, _ := s.q.Get(job.ID)
		s.Equal(models.StatusCompleted, got.Status)
		s.NotNil(got.Result, "nil result is recorded as empty result")
	})
}

func (s *QueueSuite) TestUnknownIDsReportNotFound() {
	missing := id.NewJobID()
	for name, op := range map[string]func() error{
		"retry":    func() error { return s.q.Retry(missing) },
		"cancel":   func() error { return s.q.Cancel(missing) },
		"delete":   func() error { return s.q.Delete(missing) },
		"priority": func() error { return s.q.SetPriority(missing, 3) },
		"start":    func() error { return s.q.Start(missing) },
		"progress": func() error { return s.q.UpdateProgress(missing, 3) },
		"complete": func() error { return s.q.Complete(missing, nil) },
		"fail":     func() error { return s.q.Fail(missing, models.JobError{}) },
	} {
		s.True(dErrors.HasCode(op(), dErrors.CodeNotFound), name)
	}
	_, ok := s.q.Get(missing)
	s.False(ok)
	s.Empty(s.eventTypes())
}

// =============================================================================
// Retry
// =============================================================================

func (s *QueueSuite) TestRetryBudget() {
	job := s.enqueue("fox", WithMaxRetries(2))

	s.failProcessing(job.ID)
	s.Require().NoError(s.q.Retry(job.ID))
	got, _ := s.q.Get(job.ID)
	s.Equal(models.StatusPending, got.Status)
	s.Equal(1, got.RetryCount)
	s.Nil(got.Error)
	s.Zero(got.Progress)

	s.failProcessing(job.ID)
	s.Require().NoError(s.q.Retry(job.ID), "retry count 1 < 2")

	s.failProcessing(job.ID)
	s.resetEvents()
	err := s.q.Retry(job.ID)
	s.True(dErrors.HasCode(err, dErrors.CodeRetriesExhausted))

	got, _ = s.q.Get(job.ID)
	s.Equal(models.StatusFailed, got.Status)
	s.Equal(2, got.RetryCount)
	s.False(got.CanRetry())
	s.Empty(s.eventTypes())
}

func (s *QueueSuite) TestRetryWithZeroBudget() {
	job := s.enqueue("fox", WithMaxRetries(0))
	s.failProcessing(job.ID)
	s.True(dErrors.HasCode(s.q.Retry(job.ID), dErrors.CodeRetriesExhausted))
}

// =============================================================================
// Cancel and removal
// =============================================================================

func (s *QueueSuite) TestCancel() {
	pending := s.enqueue("pending")
	processing := s.enqueue("processing", WithPriority(9))
	_, ok := s.q.Claim()
	s.Require().True(ok)

	for _, jobID := range []id.JobID{pending.ID, processing.ID} {
		s.Require().NoError(s.q.Cancel(jobID))
		got, _ := s.q.Get(jobID)
		s.Equal(models.StatusFailed, got.Status)
		s.Equal(models.ErrorCodeCancelled, got.Error.Code)
	}

	s.True(dErrors.HasCode(s.q.Cancel(pending.ID), dErrors.CodeInvalidState), "already terminal")
	s.True(dErrors.HasCode(s.q.Complete(processing.ID, nil), dErrors.CodeInvalidState),
		"late worker report after cancel is rejected")
}

func (s *QueueSuite) TestCancelledJobCanBeRetried() {
	job := s.enqueue("fox")
	s.Require().NoError(s.q.Cancel(job.ID))
	s.Require().NoError(s.q.Retry(job.ID))
	got, _ := s.q.Get(job.ID)
	s.Equal(models.StatusPending, got.Status)
}

func (s *QueueSuite) TestDelete() {
	keep := s.enqueue("keep")
	gone := s.enqueue("gone")
	s.resetEvents()

	s.Require().NoError(s.q.Delete(gone.ID))

	for _, j := range s.q.Jobs() {
		s.NotEqual(gone.ID, j.ID)
	}
	s.Len(s.q.Jobs(), 1)
	s.Equal(keep.ID, s.q.Jobs()[0].ID)
	s.Equal([]models.EventType{models.EventJobRemoved}, s.eventTypes())
	s.Equal(gone.ID, s.events[0].Job.ID, "removed event carries the last snapshot")

	s.True(dErrors.HasCode(s.q.Delete(gone.ID), dErrors.CodeNotFound))
}

func (s *QueueSuite) TestDeleteProcessingJob() {
	job := s.enqueue("fox")
	_, _ = s.q.Claim()
	s.Require().NoError(s.q.Delete(job.ID))
	s.True(dErrors.HasCode(s.q.Complete(job.ID, nil), dErrors.CodeNotFound))
}

func (s *QueueSuite) TestClearCompletedAndFailed() {
	done1 := s.enqueue("done1", WithPriority(10))
	done2 := s.enqueue("done2", WithPriority(9))
	failed := s.enqueue("failed", WithPriority(8))
	s.enqueue("pending", WithPriority(1))

	for _, jobID := range []id.JobID{done1.ID, done2.ID} {
		s.Require().NoError(s.q.Start(jobID))
		s.Require().NoError(s.q.Complete(jobID, &models.Result{}))
	}
	s.failProcessing(failed.ID)
	s.resetEvents()

	s.Equal(2, s.q.ClearCompleted())
	s.Equal([]models.EventType{models.EventJobRemoved, models.EventJobRemoved}, s.eventTypes())
	s.Equal([]string{"failed", "pending"}, s.prompts())

	s.Equal(1, s.q.ClearFailed())
	s.Equal([]string{"pending"}, s.prompts())

	s.Equal(0, s.q.ClearCompleted())
}

// =============================================================================
// Priority and reorder
// =============================================================================

func (s *QueueSuite) TestSetPriority() {
	low := s.enqueue("low", WithPriority(2))
	s.enqueue("high", WithPriority(7))

	s.Require().NoError(s.q.SetPriority(low.ID, 42))
	got, _ := s.q.Get(low.ID)
	s.Equal(10, got.Priority)
	s.Equal([]string{"low", "high"}, s.prompts())

	s.Require().NoError(s.q.SetPriority(low.ID, 0))
	got, _ = s.q.Get(low.ID)
	s.Equal(1, got.Priority)
}

func (s *QueueSuite) TestReorder() {
	s.Run("moves a job to the front", func() {
		s.SetupTest()
		s.enqueue("a", WithPriority(8))
		s.enqueue("b", WithPriority(5))
		s.enqueue("c", WithPriority(3))

		s.Require().NoError(s.q.Reorder(2, 0))
		s.Equal([]string{"c", "a", "b"}, s.prompts())
		s.Equal(9, s.q.Jobs()[0].Priority, "smallest adjustment that reaches the target")
	})

	s.Run("moves a job to the back", func() {
		s.SetupTest()
		s.enqueue("a", WithPriority(8))
		s.enqueue("b", WithPriority(5))
		s.enqueue("c", WithPriority(3))

		s.Require().NoError(s.q.Reorder(0, 2))
		s.Equal([]string{"b", "c", "a"}, s.prompts())
	})

	s.Run("moves between equal priorities", func() {
		s.SetupTest()
		s.enqueue("a", WithPriority(5))
		s.enqueue("b", WithPriority(5))

		s.Require().NoError(s.q.Reorder(1, 0))
		s.Equal([]string{"b", "a"}, s.prompts())
		s.Equal(6, s.q.Jobs()[0].Priority)
	})

	s.Run("gets as close as the priority range allows", func() {
		s.SetupTest()
		s.enqueue("a", WithPriority(10))
		s.enqueue("b", WithPriority(10))
		s.resetEvents()

		s.Require().NoError(s.q.Reorder(1, 0))
		s.Equal([]string{"a", "b"}, s.prompts(), "already at maximum priority")
		s.Empty(s.eventTypes())
	})

	s.Run("out of range indices are rejected", func() {
		s.SetupTest()
		s.enqueue("a")
		s.enqueue("b")
		s.resetEvents()

		for _, idx := range [][2]int{{-1, 0}, {0, 2}, {5, 0}} {
			err := s.q.Reorder(idx[0], idx[1])
			s.True(dErrors.HasCode(err, dErrors.CodeOutOfRange), "%v", idx)
		}
		s.Equal([]string{"a", "b"}, s.prompts())
		s.Empty(s.eventTypes())
	})

	s.Run("same index is a no-op", func() {
		s.SetupTest()
		s.enqueue("a")
		s.resetEvents()
		s.Require().NoError(s.q.Reorder(0, 0))
		s.Empty(s.eventTypes())
	})
}

// =============================================================================
// Events
// =============================================================================

func (s *QueueSuite) TestEventsCarrySequenceAndSnapshot() {
	job := s.enqueue("fox")
	s.Require().NoError(s.q.SetPriority(job.ID, 9))
	s.Require().NoError(s.q.Delete(job.ID))

	s.Require().Len(s.events, 3)
	for i, ev := range s.events {
		s.Equal(uint64(i+1), ev.Seq)
		s.Equal(job.ID, ev.Job.ID)
		s.False(ev.At.IsZero())
	}
	s.Equal(9, s.events[1].Job.Priority)
}

func (s *QueueSuite) TestEventsDeliveredBeforeReturn() {
	var seen models.Status
	s.q.On(models.EventJobUpdated, func(ev models.Event) { seen = ev.Job.Status })

	job := s.enqueue("fox")
	s.Require().NoError(s.q.Cancel(job.ID))
	s.Equal(models.StatusFailed, seen)
}

func (s *QueueSuite) TestListenersMayReadTheQueue() {
	var stats map[models.Status]int
	s.q.On(models.EventJobCreated, func(models.Event) { stats = s.q.Stats() })

	s.enqueue("fox")
	s.Equal(1, stats[models.StatusPending])
}

func (s *QueueSuite) TestPanickingListenerDoesNotCorruptState() {
	var logs bytes.Buffer
	q := New(WithLogger(slog.New(slog.NewJSONHandler(&logs, nil))))
	q.On(models.EventJobCreated, func(models.Event) { panic("ui store exploded") })
	delivered := 0
	q.On(models.EventAll, func(models.Event) { delivered++ })

	job, err := q.Enqueue(&models.ImageGenerationParams{Prompt: "fox"})
	s.Require().NoError(err)

	s.Equal(1, delivered)
	_, ok := q.Get(job.ID)
	s.True(ok)
	s.Contains(logs.String(), "job_listener_panic")
}

func (s *QueueSuite) TestUnsubscribe() {
	count := 0
	unsubscribe := s.q.On(models.EventJobCreated, func(models.Event) { count++ })
	s.enqueue("one")
	unsubscribe()
	s.enqueue("two")
	s.Equal(1, count)
}

// =============================================================================
// Concurrency
// =============================================================================

func (s *QueueSuite) TestConcurrentClaimsHandOutEachJobOnce() {
	const jobs = 20
	for range jobs {
		s.enqueue("fox")
	}

	var mu sync.Mutex
	claimed := make(map[id.JobID]int)
	res := testutil.RunConcurrent(jobs*2, func(int) error {
		job, ok := s.q.Claim()
		if !ok {
			return dErrors.New(dErrors.CodeNotFound, "queue drained")
		}
		mu.Lock()
		claimed[job.ID]++
		mu.Unlock()
		return nil
	})

	s.Equal(int32(jobs), res.Successes)
	s.Equal(int32(jobs), res.NotFounds)
	s.Len(claimed, jobs)
	for jobID, n := range claimed {
		s.Equal(1, n, jobID.String())
	}
	s.Equal(jobs, s.q.Stats()[models.StatusProcessing])
}

func (s *QueueSuite) TestConcurrentRetriesRespectBudget() {
	job := s.enqueue("fox", WithMaxRetries(1))
	s.failProcessing(job.ID)

	res := testutil.RunConcurrent(10, func(int) error { return s.q.Retry(job.ID) })

	s.Equal(int32(1), res.Successes)
	s.Equal(int32(9), res.InvalidStates)
}

func (s *QueueSuite) TestEventSequenceIsGapFreeUnderConcurrency() {
	testutil.RunConcurrent(25, func(int) error {
		_, err := s.q.Enqueue(&models.ImageGenerationParams{Prompt: "fox"})
		return err
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	s.Require().Len(s.events, 25)
	seen := make(map[uint64]bool)
	for _, ev := range s.events {
		seen[ev.Seq] = true
	}
	for i := uint64(1); i <= 25; i++ {
		s.True(seen[i], "seq %d", i)
	}
}
