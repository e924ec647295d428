package service

import (
	"log/slog"
	"sync"

	"studio/internal/settings/models"
	dErrors "studio/pkg/domain-errors"
)

// Listener observes committed settings changes.
type Listener func(models.Settings)

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithListener registers fn to run after every successful update.
func WithListener(fn Listener) Option {
	return func(s *Service) {
		if fn != nil {
			s.listeners = append(s.listeners, fn)
		}
	}
}

// Service holds the current settings in memory. Safe for concurrent use.
type Service struct {
	mu        sync.RWMutex
	current   models.Settings
	listeners []Listener
	logger    *slog.Logger
}

func New(initial models.Settings, opts ...Option) *Service {
	s := &Service{current: initial, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Get() models.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Paused gates the generation worker.
func (s *Service) Paused() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Paused
}

// Update validates and applies u, then notifies listeners outside the lock.
func (s *Service) Update(u models.Update) (models.Settings, error) {
	if u.IsEmpty() {
		return models.Settings{}, dErrors.New(dErrors.CodeValidation, "at least one setting is required")
	}
	if err := u.Validate(); err != nil {
		return models.Settings{}, err
	}

	s.mu.Lock()
	previous := s.current
	s.current = u.Apply(s.current)
	updated := s.current
	listeners := s.listeners
	s.mu.Unlock()

	s.logger.Info("settings updated",
		"default_priority", updated.DefaultPriority,
		"default_max_retries", updated.DefaultMaxRetries,
		"paused", updated.Paused,
		"was_paused", previous.Paused,
	)
	for _, fn := range listeners {
		fn(updated)
	}
	return updated, nil
}
