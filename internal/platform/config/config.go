package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Server captures process level configuration.
type Server struct {
	Addr            string
	Environment     string
	LogLevel        string
	ShutdownTimeout time.Duration
	JWTSigningKey   string

	RateLimit RateLimit
	Jobs      Jobs
	Worker    Worker
	Gemini    Gemini
	Kafka     Kafka
	RedisURL  string
}

// RateLimit selects the limiter backing store and optional policy overrides.
type RateLimit struct {
	Store      string // "memory" or "redis"
	PolicyFile string
}

// Jobs holds queue defaults applied when a request leaves them unset.
type Jobs struct {
	DefaultPriority   int
	DefaultMaxRetries int
}

type Worker struct {
	Concurrency  int
	PollInterval time.Duration
}

type Gemini struct {
	APIKey     string
	ImageModel string
}

type Kafka struct {
	Brokers        string
	JobEventsTopic string
}

const (
	DefaultAddr              = ":8080"
	DefaultShutdownTimeout   = 15 * time.Second
	DefaultWorkerPoll        = 2 * time.Second
	DefaultGeminiImageModel  = "gemini-2.5-flash-image"
	DefaultJobEventsTopic    = "studio.job-events"
	DefaultJobPriority       = 5
	DefaultJobMaxRetries     = 3
	DefaultWorkerConcurrency = 1
)

// FromEnv builds a Server config from environment variables so main stays lean.
// Invalid values fall back to defaults.
func FromEnv() Server {
	jwtSigningKey := os.Getenv("JWT_SIGNING_KEY")
	if jwtSigningKey == "" {
		// Use a default for development - should be overridden in production
		jwtSigningKey = "dev-secret-key-change-in-production"
	}

	store := strings.ToLower(envString("RATE_LIMIT_STORE", "memory"))
	if store != "memory" && store != "redis" {
		store = "memory"
	}

	return Server{
		Addr:            envString("STUDIO_ADDR", DefaultAddr),
		Environment:     envString("ENVIRONMENT", "local"),
		LogLevel:        envString("LOG_LEVEL", "info"),
		ShutdownTimeout: envDuration("SHUTDOWN_TIMEOUT", DefaultShutdownTimeout),
		JWTSigningKey:   jwtSigningKey,
		RateLimit: RateLimit{
			Store:      store,
			PolicyFile: os.Getenv("RATE_LIMIT_POLICY_FILE"),
		},
		Jobs: Jobs{
			DefaultPriority:   envIntRange("JOB_DEFAULT_PRIORITY", DefaultJobPriority, 1, 10),
			DefaultMaxRetries: envIntRange("JOB_DEFAULT_MAX_RETRIES", DefaultJobMaxRetries, 0, 10),
		},
		Worker: Worker{
			Concurrency:  envIntRange("WORKER_CONCURRENCY", DefaultWorkerConcurrency, 1, 64),
			PollInterval: envDuration("WORKER_POLL_INTERVAL", DefaultWorkerPoll),
		},
		Gemini: Gemini{
			APIKey:     os.Getenv("GEMINI_API_KEY"),
			ImageModel: envString("GEMINI_IMAGE_MODEL", DefaultGeminiImageModel),
		},
		Kafka: Kafka{
			Brokers:        os.Getenv("KAFKA_BROKERS"),
			JobEventsTopic: envString("KAFKA_JOB_EVENTS_TOPIC", DefaultJobEventsTopic),
		},
		RedisURL: os.Getenv("REDIS_URL"),
	}
}

// IsProduction reports whether the service runs in a production environment.
func (s Server) IsProduction() bool {
	return s.Environment == "production"
}

func envString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func envIntRange(key string, fallback, lo, hi int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < lo || n > hi {
		return fallback
	}
	return n
}
