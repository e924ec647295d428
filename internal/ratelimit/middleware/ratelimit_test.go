package middleware

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/suite"

	"studio/internal/ratelimit/config"
	"studio/internal/ratelimit/models"
	"studio/internal/ratelimit/service/limiter"
	"studio/internal/ratelimit/store/memory"
	"studio/pkg/requestcontext"
)

// =============================================================================
// Rate Limit Middleware Test Suite
// =============================================================================
// Justification: the 429 contract (status, headers, body) is what clients
// depend on; these tests pin it against the real limiter and memory store.

type MiddlewareSuite struct {
	suite.Suite
	router  chi.Router
	now     time.Time
	handled int
}

func TestMiddlewareSuite(t *testing.T) {
	suite.Run(t, new(MiddlewareSuite))
}

func (s *MiddlewareSuite) SetupTest() {
	s.now = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	s.handled = 0

	cfg := config.DefaultConfig()
	store := memory.New()
	var limiters []Limiter
	for _, name := range cfg.Names() {
		policy, err := cfg.Policy(name)
		s.Require().NoError(err)
		l, err := limiter.New(policy, store)
		s.Require().NoError(err)
		limiters = append(limiters, l)
	}
	mw := New(slog.New(slog.NewTextHandler(io.Discard, nil)), limiters...)

	s.router = chi.NewRouter()
	s.router.With(mw.RateLimit(config.PolicyGeneration)).Post("/api/jobs", func(w http.ResponseWriter, r *http.Request) {
		s.handled++
		w.WriteHeader(http.StatusCreated)
	})
	s.router.With(mw.RateLimit(config.PolicyAPI)).Get("/api/jobs", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func (s *MiddlewareSuite) do(method, path string, at time.Time) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("X-Forwarded-For", "198.51.100.20")
	req = req.WithContext(requestcontext.WithTime(req.Context(), at))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *MiddlewareSuite) TestAcceptedRequestsCarryHeaders() {
	w := s.do(http.MethodPost, "/api/jobs", s.now)

	s.Equal(http.StatusCreated, w.Code)
	s.Equal("3", w.Header().Get("X-RateLimit-Limit"))
	s.Equal("2", w.Header().Get("X-RateLimit-Remaining"))
	s.Equal("2026-05-01T09:01:00.000Z", w.Header().Get("X-RateLimit-Reset"))
	s.Empty(w.Header().Get("Retry-After"))
}

func (s *MiddlewareSuite) TestRejectionContract() {
	for range 3 {
		s.Require().Equal(http.StatusCreated, s.do(http.MethodPost, "/api/jobs", s.now).Code)
	}

	w := s.do(http.MethodPost, "/api/jobs", s.now.Add(15*time.Second))

	s.Equal(http.StatusTooManyRequests, w.Code)
	s.Equal(3, s.handled, "rejected request never reaches the handler")
	s.Equal("application/json", w.Header().Get("Content-Type"))
	s.Equal("3", w.Header().Get("X-RateLimit-Limit"))
	s.Equal("0", w.Header().Get("X-RateLimit-Remaining"))
	s.Equal("2026-05-01T09:01:00.000Z", w.Header().Get("X-RateLimit-Reset"))
	s.Equal("45", w.Header().Get("Retry-After"))

	var body models.ExceededResponse
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &body))
	s.Equal(models.ExceededResponse{
		Error:     "Generation rate limit exceeded. Please wait before generating more content.",
		Limit:     3,
		Remaining: 0,
		Reset:     "2026-05-01T09:01:00.000Z",
	}, body)
}

func (s *MiddlewareSuite) TestPoliciesAreIndependentPerRoute() {
	for range 4 {
		s.do(http.MethodPost, "/api/jobs", s.now)
	}
	w := s.do(http.MethodGet, "/api/jobs", s.now)
	s.Equal(http.StatusOK, w.Code)
	s.Equal("10", w.Header().Get("X-RateLimit-Limit"))
	s.Equal("9", w.Header().Get("X-RateLimit-Remaining"))
}

func (s *MiddlewareSuite) TestUnknownPolicyPanicsAtWiring() {
	mw := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.Panics(func() { mw.RateLimit("uploads") })
}
