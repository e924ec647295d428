package cleanup

import (
	"context"
	"log/slog"
	"time"

	"studio/internal/ratelimit/metrics"
)

// CleanupResult contains the results of a cleanup run.
type CleanupResult struct {
	Removed   int           // Number of expired entries deleted
	Remaining int           // Entries still tracked, -1 when the store cannot tell
	Duration  time.Duration // Time taken for cleanup run
}

// ExpiringStore drops entries whose window closed before now.
type ExpiringStore interface {
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

type sizer interface {
	Len() int
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithInterval(interval time.Duration) Option {
	return func(s *Service) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithClock overrides time.Now for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// Service periodically evicts expired rate limit entries.
type Service struct {
	store    ExpiringStore
	logger   *slog.Logger
	interval time.Duration
	metrics  *metrics.Metrics
	now      func() time.Time
}

func New(store ExpiringStore, opts ...Option) *Service {
	service := &Service{
		store:    store,
		logger:   slog.Default(),
		interval: time.Minute,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(service)
	}
	return service
}

func (s *Service) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			startTime := time.Now()
			res, err := s.RunOnce(ctx)
			duration := time.Since(startTime)

			if err != nil {
				s.logger.Error("ratelimit_cleanup_failed",
					"error", err,
					"duration_ms", duration.Milliseconds(),
				)
				if s.metrics != nil {
					s.metrics.IncrementCleanupRuns("error")
					s.metrics.ObserveCleanupDuration(duration.Seconds())
				}
				continue
			}

			res.Duration = duration
			s.logger.Info("ratelimit_cleanup_completed",
				"removed", res.Removed,
				"remaining", res.Remaining,
				"duration_ms", duration.Milliseconds(),
			)

			if s.metrics != nil {
				s.metrics.IncrementCleanupRemoved(res.Removed)
				s.metrics.IncrementCleanupRuns("success")
				s.metrics.ObserveCleanupDuration(duration.Seconds())
				if res.Remaining >= 0 {
					s.metrics.SetActiveKeys(res.Remaining)
				}
			}

		case <-ctx.Done():
			s.logger.Info("ratelimit cleanup worker stopping", "reason", ctx.Err())
			return ctx.Err()
		}
	}
}

// RunOnce executes a single cleanup run. Logging is handled by the caller (Start).
func (s *Service) RunOnce(ctx context.Context) (*CleanupResult, error) {
	removed, err := s.store.DeleteExpired(ctx, s.now())
	if err != nil {
		return nil, err
	}
	remaining := -1
	if sz, ok := s.store.(sizer); ok {
		remaining = sz.Len()
	}
	return &CleanupResult{Removed: removed, Remaining: remaining}, nil
}
