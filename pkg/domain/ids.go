// Package domain provides type-safe identifiers to prevent mixing up IDs at compile time.
package domain

import (
	"github.com/google/uuid"

	dErrors "studio/pkg/domain-errors"
)

// JobID identifies a generation job.
type JobID uuid.UUID

// NewJobID returns a random (v4) job id.
func NewJobID() JobID {
	return JobID(uuid.New())
}

// ParseJobID is used at trust boundaries (handlers, API inputs).
func ParseJobID(s string) (JobID, error) {
	id, err := parseUUID(s, "job ID")
	return JobID(id), err
}

func (id JobID) String() string { return uuid.UUID(id).String() }

func (id JobID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }

func (id JobID) MarshalText() ([]byte, error) {
	return uuid.UUID(id).MarshalText()
}

func (id *JobID) UnmarshalText(b []byte) error {
	parsed, err := ParseJobID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// parseUUID is the shared validation logic.
// Nil UUIDs parse successfully so store lookups can answer "not found".
func parseUUID(s, label string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, label+" cannot be empty")
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "invalid "+label+" format")
	}
	return id, nil
}
