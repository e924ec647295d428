package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"studio/internal/jobs/generator/gemini"
	jobshandler "studio/internal/jobs/handler"
	jobsmetrics "studio/internal/jobs/metrics"
	jobsmodels "studio/internal/jobs/models"
	"studio/internal/jobs/publisher"
	"studio/internal/jobs/queue"
	"studio/internal/jobs/stream"
	"studio/internal/jobs/worker"
	"studio/internal/platform/config"
	"studio/internal/platform/health"
	"studio/internal/platform/kafka/producer"
	"studio/internal/platform/logger"
	redisclient "studio/internal/platform/redis"
	ratelimitconfig "studio/internal/ratelimit/config"
	"studio/internal/ratelimit/keys"
	ratelimitmetrics "studio/internal/ratelimit/metrics"
	ratelimitmw "studio/internal/ratelimit/middleware"
	"studio/internal/ratelimit/models"
	"studio/internal/ratelimit/service/limiter"
	"studio/internal/ratelimit/store/memory"
	redisstore "studio/internal/ratelimit/store/redis"
	"studio/internal/ratelimit/workers/cleanup"
	settingshandler "studio/internal/settings/handler"
	settingsmodels "studio/internal/settings/models"
	settingsservice "studio/internal/settings/service"
	"studio/pkg/platform/circuit"
	"studio/pkg/platform/httputil"
	"studio/pkg/platform/middleware/request"
	"studio/pkg/requestcontext"
)

const (
	readHeaderTimeout = 10 * time.Second
	poolStatsInterval = 15 * time.Second
	producerFlushWait = 5 * time.Second
	providerCooldown  = 30 * time.Second
)

// infra holds optional infrastructure clients; nil fields are disabled.
type infra struct {
	redis    *redisclient.Client
	producer *producer.Producer
}

// jobsModule bundles the job pipeline owned by main.
type jobsModule struct {
	queue    *queue.Queue
	worker   *worker.Worker
	stream   *stream.Handler
	handler  *jobshandler.Handler
	settings *settingshandler.Handler
}

// main wires high-level dependencies, exposes the HTTP router, and keeps the
// server lifecycle small. Business logic lives in internal services packages.
func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}
	cfg := config.FromEnv()
	log := logger.New(cfg.LogLevel)

	if err := run(cfg, log); err != nil {
		log.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}

func run(cfg config.Server, log *slog.Logger) error {
	log.Info("initializing studio",
		"addr", cfg.Addr,
		"environment", cfg.Environment,
		"ratelimit_store", cfg.RateLimit.Store,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	deps, err := buildInfra(ctx, cfg, reg, log)
	if err != nil {
		return err
	}
	defer deps.close(log)

	policies, err := ratelimitconfig.Load(cfg.RateLimit.PolicyFile)
	if err != nil {
		return fmt.Errorf("load rate limit policies: %w", err)
	}
	rlMetrics := ratelimitmetrics.New(reg)
	rl, store, err := buildRateLimiter(cfg, policies, deps, rlMetrics, log)
	if err != nil {
		return err
	}
	sweeper := cleanup.New(store,
		cleanup.WithLogger(log),
		cleanup.WithMetrics(rlMetrics),
		cleanup.WithInterval(policies.MinWindow()),
	)

	jobs, err := buildJobs(ctx, cfg, deps, rl, jobsmetrics.New(reg), log)
	if err != nil {
		return err
	}

	healthHandler := health.New(cfg.Environment)
	if deps.redis != nil {
		healthHandler.RegisterCheck("redis", deps.redis.Health)
	}
	if deps.producer != nil {
		healthHandler.RegisterCheck("kafka", deps.producer.Ping)
	}

	router := newRouter(log, request.NewMetrics(reg), reg, healthHandler, jobs)

	// No WriteTimeout: the job event stream holds connections open.
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       2 * time.Minute,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting http server", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server gracefully")
		jobs.stream.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return ignoreCanceled(sweeper.Start(gctx))
	})
	if jobs.worker != nil {
		g.Go(func() error {
			defer jobs.worker.Close()
			return ignoreCanceled(jobs.worker.Start(gctx))
		})
	}
	if deps.redis != nil {
		g.Go(func() error {
			deps.redis.RunPoolStats(gctx, poolStatsInterval)
			return nil
		})
	}

	return g.Wait()
}

func buildInfra(ctx context.Context, cfg config.Server, reg prometheus.Registerer, log *slog.Logger) (*infra, error) {
	deps := &infra{}

	if cfg.RedisURL != "" {
		client, err := redisclient.New(ctx, cfg.RedisURL, reg)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		deps.redis = client
		log.Info("redis connected")
	}

	if cfg.Kafka.Brokers != "" {
		p, err := producer.New(producer.DefaultConfig(cfg.Kafka.Brokers), log)
		if err != nil {
			deps.close(log)
			return nil, fmt.Errorf("create kafka producer: %w", err)
		}
		deps.producer = p
		log.Info("kafka producer ready", "topic", cfg.Kafka.JobEventsTopic)
	} else {
		log.Info("kafka disabled, job events stay in process")
	}
	return deps, nil
}

func (d *infra) close(log *slog.Logger) {
	if d.producer != nil {
		if err := d.producer.Close(producerFlushWait); err != nil {
			log.Warn("kafka producer close failed", "error", err)
		}
	}
	if d.redis != nil {
		if err := d.redis.Close(); err != nil {
			log.Warn("redis close failed", "error", err)
		}
	}
}

// buildRateLimiter creates one limiter per configured policy over a shared store.
func buildRateLimiter(cfg config.Server, policies *ratelimitconfig.Config, deps *infra, m *ratelimitmetrics.Metrics, log *slog.Logger) (*ratelimitmw.Middleware, cleanup.ExpiringStore, error) {
	var store interface {
		limiter.Store
		cleanup.ExpiringStore
	}
	switch cfg.RateLimit.Store {
	case "redis":
		if deps.redis == nil {
			return nil, nil, errors.New("RATE_LIMIT_STORE=redis requires REDIS_URL")
		}
		store = redisstore.New(redisstore.NewClientAdapter(deps.redis.Client))
	default:
		store = memory.New()
	}

	keyFn := keys.BearerSubject(keys.NewVerifier(cfg.JWTSigningKey), keys.ClientIP)
	limiters := make([]ratelimitmw.Limiter, 0, len(policies.Names()))
	for _, name := range policies.Names() {
		policy, err := policies.Policy(name, models.WithKeyFunc(keyFn))
		if err != nil {
			return nil, nil, fmt.Errorf("rate limit policy %s: %w", name, err)
		}
		l, err := limiter.New(policy, store, limiter.WithLogger(log), limiter.WithMetrics(m))
		if err != nil {
			return nil, nil, fmt.Errorf("rate limiter %s: %w", name, err)
		}
		limiters = append(limiters, l)
		log.Info("rate limit policy loaded",
			"policy", name,
			"window", policy.Window.String(),
			"max_requests", policy.MaxRequests,
		)
	}
	return ratelimitmw.New(log, limiters...), store, nil
}

func buildJobs(ctx context.Context, cfg config.Server, deps *infra, rl *ratelimitmw.Middleware, m *jobsmetrics.Metrics, log *slog.Logger) (*jobsModule, error) {
	q := queue.New(
		queue.WithLogger(log),
		queue.WithDefaults(cfg.Jobs.DefaultPriority, cfg.Jobs.DefaultMaxRetries),
	)
	q.On(jobsmodels.EventAll, m.Observe(q))

	if deps.producer != nil {
		pub := publisher.New(deps.producer, cfg.Kafka.JobEventsTopic, log)
		q.On(jobsmodels.EventAll, pub.Listener())
	}

	mod := &jobsModule{
		queue:   q,
		stream:  stream.New(q, stream.WithLogger(log), stream.WithMetrics(m)),
		handler: jobshandler.New(q, rl, log),
	}

	settings := settingsservice.New(settingsmodels.Settings{
		DefaultPriority:   cfg.Jobs.DefaultPriority,
		DefaultMaxRetries: cfg.Jobs.DefaultMaxRetries,
	},
		settingsservice.WithLogger(log),
		settingsservice.WithListener(func(s settingsmodels.Settings) {
			q.SetDefaults(s.DefaultPriority, s.DefaultMaxRetries)
			if mod.worker != nil && !s.Paused {
				mod.worker.Wake()
			}
		}),
	)
	mod.settings = settingshandler.New(settings, rl, log)

	if cfg.Gemini.APIKey == "" {
		log.Warn("GEMINI_API_KEY not set, generation worker disabled; jobs stay pending")
		return mod, nil
	}
	gen, err := gemini.New(ctx, gemini.Config{APIKey: cfg.Gemini.APIKey, Model: cfg.Gemini.ImageModel}, gemini.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("create gemini generator: %w", err)
	}
	mod.worker = worker.New(q, gen,
		worker.WithLogger(log),
		worker.WithMetrics(m),
		worker.WithGate(settings),
		worker.WithBreaker(circuit.New("gemini", circuit.WithCooldown(providerCooldown))),
		worker.WithConcurrency(cfg.Worker.Concurrency),
		worker.WithPollInterval(cfg.Worker.PollInterval),
	)
	return mod, nil
}

func newRouter(log *slog.Logger, latency *request.Metrics, reg *prometheus.Registry, healthHandler *health.Handler, jobs *jobsModule) chi.Router {
	r := chi.NewRouter()
	r.Use(request.Recovery(log))
	r.Use(request.RequestID)
	r.Use(request.ClientMetadata)
	r.Use(requestcontext.TimeMiddleware)
	r.Use(request.Logger(log))
	r.Use(request.LatencyMiddleware(latency))

	healthHandler.Register(r)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	jobs.stream.Register(r)

	body := []func(http.Handler) http.Handler{
		request.ContentTypeJSON,
		request.BodyLimit(httputil.MaxBodyBytes),
	}
	jobs.handler.Register(r, body...)
	jobs.settings.Register(r, body...)
	return r
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
