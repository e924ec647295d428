package models

import (
	"maps"
	"slices"
	"time"

	id "studio/pkg/domain"
)

// Type discriminates job variants.
type Type string

const (
	TypeImageGeneration Type = "image-generation"
	TypeImageEdit       Type = "image-edit"
	TypeImageCompose    Type = "image-compose"
	TypeStyleTransfer   Type = "style-transfer"
)

func (t Type) IsValid() bool {
	switch t {
	case TypeImageGeneration, TypeImageEdit, TypeImageCompose, TypeStyleTransfer:
		return true
	}
	return false
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed}

func (s Status) IsValid() bool {
	return slices.Contains(Statuses, s)
}

// IsTerminal reports whether no automatic transition leaves s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

const (
	MinPriority       = 1
	MaxPriority       = 10
	DefaultPriority   = 5
	DefaultMaxRetries = 3
	MaxProgress       = 100
)

// Error codes recorded on failed jobs.
const (
	ErrorCodeCancelled        = "CANCELLED"
	ErrorCodeGenerationFailed = "GENERATION_FAILED"
	ErrorCodeNoImage          = "NO_IMAGE"
)

// ClampPriority bounds p to [MinPriority, MaxPriority].
func ClampPriority(p int) int {
	return min(max(p, MinPriority), MaxPriority)
}

// JobError is the structured failure recorded on a failed job.
type JobError struct {
	Message string            `json:"message"`
	Code    string            `json:"code,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// Error lets generators return a JobError to choose the recorded code.
func (e *JobError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

func (e *JobError) clone() *JobError {
	if e == nil {
		return nil
	}
	c := *e
	c.Details = maps.Clone(e.Details)
	return &c
}

// GeneratedImage is one image returned by the provider.
type GeneratedImage struct {
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"` // base64
}

// Result is the output of a completed job.
type Result struct {
	Images   []GeneratedImage  `json:"images,omitempty"`
	Text     string            `json:"text,omitempty"`
	Model    string            `json:"model,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (r *Result) clone() *Result {
	if r == nil {
		return nil
	}
	c := *r
	c.Images = slices.Clone(r.Images)
	c.Metadata = maps.Clone(r.Metadata)
	return &c
}

// Job is one unit of asynchronous generation work. The queue owns the live
// value; everything handed out is a Clone.
type Job struct {
	ID          id.JobID   `json:"id"`
	Type        Type       `json:"type"`
	Status      Status     `json:"status"`
	Progress    int        `json:"progress"`
	Priority    int        `json:"priority"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       *JobError  `json:"error,omitempty"`
	RetryCount  int        `json:"retry_count"`
	MaxRetries  int        `json:"max_retries"`
	Params      Params     `json:"params"`
	Result      *Result    `json:"result,omitempty"`
}

// CanRetry reports whether Retry would accept the job.
func (j *Job) CanRetry() bool {
	return j.Status == StatusFailed && j.RetryCount < j.MaxRetries
}

// Clone returns a deep copy safe to hand to observers.
func (j *Job) Clone() Job {
	c := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	c.Error = j.Error.clone()
	c.Result = j.Result.clone()
	if j.Params != nil {
		c.Params = j.Params.clone()
	}
	return c
}

// EventType names a queue notification.
type EventType string

const (
	EventJobCreated EventType = "job-created"
	EventJobUpdated EventType = "job-updated"
	EventJobRemoved EventType = "job-removed"
	// EventAll subscribes to every event type.
	EventAll EventType = "*"
)

func (t EventType) IsValid() bool {
	switch t {
	case EventJobCreated, EventJobUpdated, EventJobRemoved, EventAll:
		return true
	}
	return false
}

// Event is emitted after every committed mutation. Seq increases by one per
// event within a queue so observers can order concurrent deliveries.
type Event struct {
	Type EventType `json:"type"`
	Seq  uint64    `json:"seq"`
	At   time.Time `json:"at"`
	Job  Job       `json:"job"`
}
