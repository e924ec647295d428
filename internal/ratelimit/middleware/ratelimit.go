package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"studio/internal/ratelimit/models"
	"studio/pkg/platform/httputil"
)

// Limiter checks a request against one policy.
type Limiter interface {
	Check(r *http.Request) models.Result
	Policy() models.Policy
}

type Middleware struct {
	limiters map[string]Limiter
	logger   *slog.Logger
}

func New(logger *slog.Logger, limiters ...Limiter) *Middleware {
	m := &Middleware{
		limiters: make(map[string]Limiter, len(limiters)),
		logger:   logger,
	}
	for _, l := range limiters {
		m.limiters[l.Policy().Name] = l
	}
	return m
}

// RateLimit returns middleware enforcing the named policy. Routes are wired at
// startup, so an unknown name panics instead of silently disabling the limit.
func (m *Middleware) RateLimit(policy string) func(http.Handler) http.Handler {
	limiter, ok := m.limiters[policy]
	if !ok {
		panic(fmt.Sprintf("ratelimit: no limiter registered for policy %q", policy))
	}
	message := limiter.Policy().Message

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			result := limiter.Check(r)

			// Add headers regardless of outcome
			addRateLimitHeaders(w, result)

			if !result.Allowed {
				m.logger.DebugContext(r.Context(), "request rejected by rate limit",
					"policy", policy,
					"path", r.URL.Path,
				)
				writeRateLimitExceeded(w, result, message)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func addRateLimitHeaders(w http.ResponseWriter, result models.Result) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	w.Header().Set("X-RateLimit-Reset", models.FormatReset(result.ResetAt))
}

func writeRateLimitExceeded(w http.ResponseWriter, result models.Result, message string) {
	w.Header().Set("Retry-After", strconv.Itoa(result.RetryAfter))
	httputil.WriteJSON(w, http.StatusTooManyRequests, &models.ExceededResponse{
		Error:     message,
		Limit:     result.Limit,
		Remaining: result.Remaining,
		Reset:     models.FormatReset(result.ResetAt),
	})
}
