// Package limiter enforces one fixed-window policy against a counter store.
//
// Usage:
//
//	l, _ := limiter.New(policy, memory.New(), limiter.WithLogger(log))
//	if res := l.Check(r); !res.Allowed {
//	    // Return 429 Too Many Requests
//	}
//
// Check never fails: when the store is unavailable the request is allowed
// with a full quota and the failure is logged and counted.
package limiter

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"studio/internal/platform/privacy"
	"studio/internal/ratelimit/keys"
	"studio/internal/ratelimit/metrics"
	"studio/internal/ratelimit/models"
	"studio/pkg/requestcontext"
)

// Store counts hits per key in fixed windows.
type Store interface {
	Hit(ctx context.Context, key string, window time.Duration, now time.Time) (models.Entry, error)
	Reset(ctx context.Context, key string) error
}

// Limiter applies a single immutable policy. Safe for concurrent use.
type Limiter struct {
	policy  models.Policy
	store   Store
	logger  *slog.Logger
	metrics *metrics.Metrics
}

type Option func(*Limiter)

func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Limiter) {
		l.metrics = m
	}
}

// New copies policy and fills in the default key function (client IP).
func New(policy models.Policy, store Store, opts ...Option) (*Limiter, error) {
	if store == nil {
		return nil, errors.New("rate limit store is required")
	}
	if policy.Name == "" || policy.Window <= 0 || policy.MaxRequests <= 0 {
		return nil, errors.New("policy must be built with models.NewPolicy")
	}
	if policy.KeyFunc == nil {
		policy.KeyFunc = keys.ClientIP
	}

	l := &Limiter{
		policy: policy,
		store:  store,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Policy returns a copy of the enforced policy.
func (l *Limiter) Policy() models.Policy {
	return l.policy
}

// Check counts r against its key and reports whether it may proceed.
func (l *Limiter) Check(r *http.Request) models.Result {
	ctx := r.Context()
	now := requestcontext.Now(ctx)

	if l.policy.Skip != nil && l.policy.Skip(r) {
		l.record(metrics.OutcomeSkipped)
		return l.fullQuota(now)
	}

	key := l.policy.KeyFunc(r)
	if key == "" {
		key = keys.Unknown
	}

	entry, err := l.store.Hit(ctx, l.storeKey(key), l.policy.Window, now)
	if err != nil {
		l.logger.WarnContext(ctx, "ratelimit_store_unavailable",
			"policy", l.policy.Name,
			"key_prefix", anonymizeKey(key),
			"error", err,
			"request_id", requestcontext.RequestID(ctx),
		)
		l.record(metrics.OutcomeError)
		return l.fullQuota(now)
	}

	result := models.NewResult(l.policy.MaxRequests, entry, now)
	if result.Allowed {
		l.record(metrics.OutcomeAllowed)
	} else {
		l.record(metrics.OutcomeRejected)
		l.logger.InfoContext(ctx, "ratelimit_exceeded",
			"policy", l.policy.Name,
			"key_prefix", anonymizeKey(key),
			"count", entry.Count,
			"retry_after_s", result.RetryAfter,
			"request_id", requestcontext.RequestID(ctx),
		)
	}
	return result
}

// Reset clears the counter for key so its next request opens a new window.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.store.Reset(ctx, l.storeKey(key))
}

// storeKey namespaces keys so policies sharing a store never collide.
func (l *Limiter) storeKey(key string) string {
	return l.policy.Name + ":" + key
}

func (l *Limiter) fullQuota(now time.Time) models.Result {
	return models.Result{
		Allowed:   true,
		Limit:     l.policy.MaxRequests,
		Remaining: l.policy.MaxRequests,
		ResetAt:   now.Add(l.policy.Window),
	}
}

func (l *Limiter) record(outcome string) {
	if l.metrics != nil {
		l.metrics.IncrementCheck(l.policy.Name, outcome)
	}
}

// anonymizeKey keeps subject keys as-is and truncates IP keys.
func anonymizeKey(key string) string {
	if strings.HasPrefix(key, "user:") || key == keys.Unknown {
		return key
	}
	return privacy.AnonymizeIP(key)
}
