package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling-core/internal/appointment"
	"github.com/hackgods/clinic-scheduling-core/internal/broadcast"
	"github.com/hackgods/clinic-scheduling-core/internal/metrics"
)

type RouterConfig struct {
	Service       *appointment.Service
	Hub           *broadcast.Hub
	Notifications FailedJobLister
	Checks        map[string]Checker
	Metrics       *metrics.Metrics
	Logger        zerolog.Logger
	Env           string
	Version       string

	RateLimitRPS   float64
	RateLimitBurst int
	IdempotencyTTL time.Duration
}

func NewRouter(cfg RouterConfig) http.Handler {
	log := cfg.Logger.With().Str("component", "http").Logger()

	r := chi.NewRouter()

	r.Use(chimw.StripSlashes)
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(log))
	r.Use(chimw.Recoverer)

	// Health and metrics stay outside the rate limit
	subscribers := func() int { return 0 }
	if cfg.Hub != nil {
		subscribers = cfg.Hub.Count
	}
	health := NewHealthHandler(cfg.Checks, subscribers, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())

	if cfg.Hub != nil {
		r.Get("/ws", liveUpdatesHandler(cfg.Hub, log))
	}

	h := &appointmentHandler{svc: cfg.Service, log: log}
	ttl := cfg.IdempotencyTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	idempotent := IdempotencyMiddleware(ttl)

	r.Group(func(r chi.Router) {
		if cfg.RateLimitRPS > 0 {
			r.Use(RateLimitMiddleware(cfg.RateLimitRPS, cfg.RateLimitBurst))
		}

		// Appointment endpoints
		r.With(idempotent).Post("/appointments", h.book)
		r.Post("/appointments/cancel", h.cancel)
		r.Get("/appointments", h.list)
		r.Get("/appointments/{id}", h.get)

		// Voice agent endpoints
		r.With(idempotent).Post("/schedule_appointments", h.bookLegacy)
		r.Post("/cancel_appointments", h.cancel)
		r.Get("/list_appointments", h.listLegacy)

		if cfg.Notifications != nil {
			r.Get("/notifications/failed", failedNotificationsHandler(cfg.Notifications, log))
		}
	})

	return r
}
