package handler

import (
	"encoding/json"

	"studio/internal/jobs/models"
	"studio/internal/jobs/queue"
	dErrors "studio/pkg/domain-errors"
)

// HTTP Request DTOs. Params stay raw until Validate decodes them for the
// declared job type.

type EnqueueRequest struct {
	Type       models.Type     `json:"type"`
	Priority   *int            `json:"priority,omitempty"`
	MaxRetries *int            `json:"max_retries,omitempty"`
	Params     json.RawMessage `json:"params"`

	decoded models.Params
}

func (r *EnqueueRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request is required")
	}
	if r.Type == "" {
		return dErrors.New(dErrors.CodeValidation, "type is required")
	}
	if r.MaxRetries != nil && (*r.MaxRetries < 0 || *r.MaxRetries > 10) {
		return dErrors.New(dErrors.CodeValidation, "max_retries must be between 0 and 10")
	}
	params, err := models.DecodeParams(r.Type, r.Params)
	if err != nil {
		return err
	}
	r.decoded = params
	return nil
}

// Options converts the optional overrides; priority is clamped by the queue.
func (r *EnqueueRequest) Options() []queue.EnqueueOption {
	var opts []queue.EnqueueOption
	if r.Priority != nil {
		opts = append(opts, queue.WithPriority(*r.Priority))
	}
	if r.MaxRetries != nil {
		opts = append(opts, queue.WithMaxRetries(*r.MaxRetries))
	}
	return opts
}

type SetPriorityRequest struct {
	Priority *int `json:"priority"`
}

func (r *SetPriorityRequest) Validate() error {
	if r == nil || r.Priority == nil {
		return dErrors.New(dErrors.CodeValidation, "priority is required")
	}
	return nil
}

type ReorderRequest struct {
	From *int `json:"from"`
	To   *int `json:"to"`
}

func (r *ReorderRequest) Validate() error {
	if r == nil || r.From == nil || r.To == nil {
		return dErrors.New(dErrors.CodeValidation, "from and to are required")
	}
	return nil
}
