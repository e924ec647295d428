package config

import (
	"bytes"
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"studio/internal/ratelimit/models"
)

// Policy names.
const (
	PolicyAPI        = "api"
	PolicyGeneration = "generation"
	PolicySettings   = "settings"
)

// Limit defines the fixed-window parameters of one policy.
type Limit struct {
	Window      time.Duration
	MaxRequests int
	Message     string
}

// Config holds rate limiting configuration keyed by policy name.
type Config struct {
	Limits map[string]Limit
}

// DefaultConfig returns the built-in policies.
func DefaultConfig() *Config {
	return &Config{
		Limits: map[string]Limit{
			PolicyAPI: {
				Window:      time.Minute,
				MaxRequests: 10,
				Message:     "Too many requests, please try again later.",
			},
			PolicyGeneration: {
				Window:      time.Minute,
				MaxRequests: 3,
				Message:     "Generation rate limit exceeded. Please wait before generating more content.",
			},
			PolicySettings: {
				Window:      time.Minute,
				MaxRequests: 5,
				Message:     "Too many settings updates. Please try again later.",
			},
		},
	}
}

type fileLimit struct {
	Window      *time.Duration `yaml:"window"`
	MaxRequests *int           `yaml:"max_requests"`
	Message     *string        `yaml:"message"`
}

type file struct {
	Policies map[string]fileLimit `yaml:"policies"`
}

// Load returns the defaults merged with overrides from the YAML file at path.
// An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rate limit policy file: %w", err)
	}
	if err := cfg.apply(data); err != nil {
		return nil, fmt.Errorf("rate limit policy file %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) apply(data []byte) error {
	var f file
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return fmt.Errorf("decode: %w", err)
	}

	for name, override := range f.Policies {
		limit, ok := c.Limits[name]
		if !ok {
			return fmt.Errorf("unknown policy %q", name)
		}
		if override.Window != nil {
			limit.Window = *override.Window
		}
		if override.MaxRequests != nil {
			limit.MaxRequests = *override.MaxRequests
		}
		if override.Message != nil {
			limit.Message = *override.Message
		}
		// Validate eagerly so a bad file fails at startup.
		if _, err := models.NewPolicy(name, limit.Window, limit.MaxRequests); err != nil {
			return err
		}
		c.Limits[name] = limit
	}
	return nil
}

// Policy builds the validated policy for name.
func (c *Config) Policy(name string, opts ...models.PolicyOption) (models.Policy, error) {
	limit, ok := c.Limits[name]
	if !ok {
		return models.Policy{}, fmt.Errorf("unknown policy %q", name)
	}
	opts = append([]models.PolicyOption{models.WithMessage(limit.Message)}, opts...)
	return models.NewPolicy(name, limit.Window, limit.MaxRequests, opts...)
}

// Names returns the configured policy names in sorted order.
func (c *Config) Names() []string {
	names := make([]string, 0, len(c.Limits))
	for name := range c.Limits {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// MinWindow is the shortest configured window; the cleanup worker ticks at this rate.
func (c *Config) MinWindow() time.Duration {
	var minWindow time.Duration
	for _, l := range c.Limits {
		if minWindow == 0 || l.Window < minWindow {
			minWindow = l.Window
		}
	}
	return minWindow
}
