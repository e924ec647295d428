// Package publisher forwards queue events to Kafka.
package publisher

import (
	"encoding/json"
	"log/slog"
	"time"

	"studio/internal/jobs/models"
	"studio/internal/platform/kafka/producer"
)

const DefaultTopic = "studio.job-events"

// Producer is satisfied by *producer.Producer.
type Producer interface {
	ProduceAsync(msg *producer.Message) error
}

// Payload is the published record value. Params and result images are left
// out so records stay small; consumers fetch full jobs over HTTP.
type Payload struct {
	EventType   models.EventType `json:"event_type"`
	Seq         uint64           `json:"seq"`
	At          time.Time        `json:"at"`
	JobID       string           `json:"job_id"`
	JobType     models.Type      `json:"job_type"`
	Status      models.Status    `json:"status"`
	Progress    int              `json:"progress"`
	Priority    int              `json:"priority"`
	RetryCount  int              `json:"retry_count"`
	MaxRetries  int              `json:"max_retries"`
	Error       *models.JobError `json:"error,omitempty"`
	ImageCount  int              `json:"image_count,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

func NewPayload(ev models.Event) Payload {
	job := ev.Job
	p := Payload{
		EventType:   ev.Type,
		Seq:         ev.Seq,
		At:          ev.At,
		JobID:       job.ID.String(),
		JobType:     job.Type,
		Status:      job.Status,
		Progress:    job.Progress,
		Priority:    job.Priority,
		RetryCount:  job.RetryCount,
		MaxRetries:  job.MaxRetries,
		Error:       job.Error,
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
	}
	if job.Result != nil {
		p.ImageCount = len(job.Result.Images)
	}
	return p
}

type Publisher struct {
	producer Producer
	topic    string
	logger   *slog.Logger
}

func New(p Producer, topic string, logger *slog.Logger) *Publisher {
	if topic == "" {
		topic = DefaultTopic
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{producer: p, topic: topic, logger: logger}
}

// Listener returns the queue listener to register for models.EventAll.
// Records are keyed by job id so each job's events stay ordered within a
// partition. Failures are logged; the queue is never blocked.
func (p *Publisher) Listener() func(models.Event) {
	return func(ev models.Event) {
		if err := p.Publish(ev); err != nil {
			p.logger.Warn("job event publish failed",
				"error", err,
				"event", ev.Type,
				"job_id", ev.Job.ID.String(),
				"seq", ev.Seq,
			)
		}
	}
}

func (p *Publisher) Publish(ev models.Event) error {
	value, err := json.Marshal(NewPayload(ev))
	if err != nil {
		return err
	}
	return p.producer.ProduceAsync(&producer.Message{
		Topic: p.topic,
		Key:   []byte(ev.Job.ID.String()),
		Value: value,
		Headers: map[string]string{
			"event_type":   string(ev.Type),
			"content_type": "application/json",
		},
	})
}
