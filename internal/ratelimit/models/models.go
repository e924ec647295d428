package models

import (
	"math"
	"net/http"
	"strings"
	"time"

	dErrors "studio/pkg/domain-errors"
)

// ResetLayout renders reset instants as ISO-8601 UTC with millisecond precision.
const ResetLayout = "2006-01-02T15:04:05.000Z"

const DefaultMessage = "Too many requests, please try again later."

// KeyFunc derives the bucket key for a request.
type KeyFunc func(r *http.Request) string

// SkipFunc exempts a request from counting.
type SkipFunc func(r *http.Request) bool

// Policy is one named fixed-window limit. Construct it with NewPolicy.
type Policy struct {
	Name        string
	Window      time.Duration
	MaxRequests int
	KeyFunc     KeyFunc
	Message     string
	Skip        SkipFunc
}

type PolicyOption func(*Policy)

func WithKeyFunc(fn KeyFunc) PolicyOption {
	return func(p *Policy) {
		if fn != nil {
			p.KeyFunc = fn
		}
	}
}

func WithSkip(fn SkipFunc) PolicyOption {
	return func(p *Policy) {
		if fn != nil {
			p.Skip = fn
		}
	}
}

func WithMessage(msg string) PolicyOption {
	return func(p *Policy) {
		if strings.TrimSpace(msg) != "" {
			p.Message = msg
		}
	}
}

// NewPolicy validates a policy. Windows are truncated to whole milliseconds.
// KeyFunc is left nil when not supplied; the limiter fills in the client IP default.
func NewPolicy(name string, window time.Duration, maxRequests int, opts ...PolicyOption) (Policy, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Policy{}, dErrors.New(dErrors.CodeInvalidInput, "policy name is required")
	}
	window = window.Truncate(time.Millisecond)
	if window <= 0 {
		return Policy{}, dErrors.New(dErrors.CodeInvalidInput, "policy "+name+": window must be at least 1ms")
	}
	if maxRequests <= 0 {
		return Policy{}, dErrors.New(dErrors.CodeInvalidInput, "policy "+name+": max requests must be positive")
	}

	p := Policy{
		Name:        name,
		Window:      window,
		MaxRequests: maxRequests,
		Message:     DefaultMessage,
	}
	for _, opt := range opts {
		opt(&p)
	}
	return p, nil
}

// Entry is the counter state of one key within its current window.
type Entry struct {
	Count   int
	ResetAt time.Time
}

// Expired reports whether the window has closed; the reset instant itself
// already belongs to the next window.
func (e Entry) Expired(now time.Time) bool {
	return !now.Before(e.ResetAt)
}

// Result is the outcome of a single check.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter int // seconds, rounded up
}

// NewResult derives the caller-visible result from a counted entry.
func NewResult(limit int, entry Entry, now time.Time) Result {
	return Result{
		Allowed:    entry.Count <= limit,
		Limit:      limit,
		Remaining:  max(0, limit-entry.Count),
		ResetAt:    entry.ResetAt,
		RetryAfter: RetryAfterSeconds(entry.ResetAt, now),
	}
}

// RetryAfterSeconds returns the ceiling of the seconds left until resetAt.
func RetryAfterSeconds(resetAt, now time.Time) int {
	d := resetAt.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}

// FormatReset formats t with ResetLayout.
func FormatReset(t time.Time) string {
	return t.UTC().Format(ResetLayout)
}

// ExceededResponse is the 429 body.
type ExceededResponse struct {
	Error     string `json:"error"`
	Limit     int    `json:"limit"`
	Remaining int    `json:"remaining"`
	Reset     string `json:"reset"`
}
