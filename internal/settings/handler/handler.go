package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	ratelimitconfig "studio/internal/ratelimit/config"
	"studio/internal/settings/models"
	"studio/pkg/platform/httputil"
	"studio/pkg/requestcontext"
)

type Service interface {
	Get() models.Settings
	Update(u models.Update) (models.Settings, error)
}

// RateLimiter resolves a policy name to middleware.
type RateLimiter interface {
	RateLimit(policy string) func(http.Handler) http.Handler
}

type Handler struct {
	service Service
	limiter RateLimiter
	logger  *slog.Logger
}

// New builds the handler; a nil limiter leaves routes unlimited.
func New(service Service, limiter RateLimiter, logger *slog.Logger) *Handler {
	return &Handler{service: service, limiter: limiter, logger: logger}
}

// Register mounts the routes. inner middleware runs after the rate limit,
// so requests it rejects still count against the policy.
func (h *Handler) Register(r chi.Router, inner ...func(http.Handler) http.Handler) {
	r.Group(func(r chi.Router) {
		if h.limiter != nil {
			r.Use(h.limiter.RateLimit(ratelimitconfig.PolicySettings))
		}
		r.Use(inner...)
		r.Get("/api/settings", h.HandleGet)
		r.Put("/api/settings", h.HandleUpdate)
	})
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.service.Get())
}

func (h *Handler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeJSON[models.Update](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	updated, err := h.service.Update(*req)
	if err != nil {
		h.logger.WarnContext(ctx, "update settings failed", "error", err, "request_id", requestID)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, updated)
}
