package publisher

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studio/internal/jobs/models"
	"studio/internal/jobs/queue"
	"studio/internal/platform/kafka/producer"
)

type fakeProducer struct {
	mu       sync.Mutex
	messages []*producer.Message
	err      error
}

func (f *fakeProducer) ProduceAsync(msg *producer.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, msg)
	return nil
}

func TestPublishesEveryQueueEvent(t *testing.T) {
	fp := &fakeProducer{}
	q := queue.New()
	q.On(models.EventAll, New(fp, "", nil).Listener())

	job, err := q.Enqueue(&models.ImageGenerationParams{Prompt: "a lighthouse"})
	require.NoError(t, err)
	claimed, ok := q.Claim()
	require.True(t, ok)
	require.NoError(t, q.Complete(claimed.ID, &models.Result{
		Images: []models.GeneratedImage{{MIMEType: "image/png", Data: "aGk="}},
	}))

	require.Len(t, fp.messages, 3)
	for _, msg := range fp.messages {
		assert.Equal(t, DefaultTopic, msg.Topic)
		assert.Equal(t, job.ID.String(), string(msg.Key))
		assert.Equal(t, "application/json", msg.Headers["content_type"])
	}
	assert.Equal(t, "job-created", fp.messages[0].Headers["event_type"])

	var last map[string]any
	require.NoError(t, json.Unmarshal(fp.messages[2].Value, &last))
	assert.Equal(t, "completed", last["status"])
	assert.EqualValues(t, 3, last["seq"])
	assert.EqualValues(t, 1, last["image_count"])
	assert.NotContains(t, last, "params")
	assert.NotContains(t, string(fp.messages[2].Value), "aGk=", "image data is not published")
}

func TestPublishFailureIsLoggedNotPropagated(t *testing.T) {
	var logs bytes.Buffer
	fp := &fakeProducer{err: errors.New("producer is closed")}
	q := queue.New()
	q.On(models.EventAll, New(fp, "custom.topic", slog.New(slog.NewJSONHandler(&logs, nil))).Listener())

	_, err := q.Enqueue(&models.ImageGenerationParams{Prompt: "a lighthouse"})

	require.NoError(t, err)
	assert.Contains(t, logs.String(), "job event publish failed")
	assert.Contains(t, logs.String(), "producer is closed")
}

func TestPayloadCarriesFailure(t *testing.T) {
	q := queue.New()
	job, err := q.Enqueue(&models.ImageGenerationParams{Prompt: "a lighthouse"})
	require.NoError(t, err)
	var captured models.Event
	q.On(models.EventJobUpdated, func(ev models.Event) { captured = ev })
	require.NoError(t, q.Cancel(job.ID))

	p := NewPayload(captured)

	assert.Equal(t, models.EventJobUpdated, p.EventType)
	assert.Equal(t, models.StatusFailed, p.Status)
	require.NotNil(t, p.Error)
	assert.Equal(t, models.ErrorCodeCancelled, p.Error.Code)
	assert.NotNil(t, p.CompletedAt)
}
