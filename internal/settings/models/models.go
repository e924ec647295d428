package models

import (
	"studio/pkg/validation"
)

// Settings are the runtime-tunable knobs of the service.
type Settings struct {
	DefaultPriority   int  `json:"default_priority"`
	DefaultMaxRetries int  `json:"default_max_retries"`
	Paused            bool `json:"paused"`
}

// Update is a partial change; nil fields are left as they are.
type Update struct {
	DefaultPriority   *int  `json:"default_priority,omitempty" validate:"omitempty,min=1,max=10"`
	DefaultMaxRetries *int  `json:"default_max_retries,omitempty" validate:"omitempty,min=0,max=10"`
	Paused            *bool `json:"paused,omitempty"`
}

func (u *Update) Validate() error {
	return validation.Validate(u)
}

// IsEmpty reports whether the update changes nothing.
func (u *Update) IsEmpty() bool {
	return u.DefaultPriority == nil && u.DefaultMaxRetries == nil && u.Paused == nil
}

// Apply returns s with u's fields applied.
func (u *Update) Apply(s Settings) Settings {
	if u.DefaultPriority != nil {
		s.DefaultPriority = *u.DefaultPriority
	}
	if u.DefaultMaxRetries != nil {
		s.DefaultMaxRetries = *u.DefaultMaxRetries
	}
	if u.Paused != nil {
		s.Paused = *u.Paused
	}
	return s
}
