// Package api exposes the WhatsApp webhook, the public self-scheduling
// endpoints and a small admin surface over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling-assistant/internal/appointment"
	"github.com/hackgods/clinic-scheduling-assistant/internal/availability"
	"github.com/hackgods/clinic-scheduling-assistant/internal/conversation"
	"github.com/hackgods/clinic-scheduling-assistant/internal/secretary"
	"github.com/hackgods/clinic-scheduling-assistant/internal/whatsapp"
	"github.com/hackgods/clinic-scheduling-assistant/pkg/logging"
)

type TurnProcessor interface {
	ProcessTurn(ctx context.Context, conversationID uuid.UUID, text string) (secretary.Outcome, error)
}

type PublicBooking interface {
	Availability(ctx context.Context, token, date string) ([]availability.Slot, error)
	AvailableDates(ctx context.Context, token string) ([]availability.DaySlots, error)
	CommitPublicBooking(ctx context.Context, token, date, clock string) (*appointment.Appointment, error)
}

type RouterConfig struct {
	PracticeID     uuid.UUID
	Location       *time.Location
	Appointments   *appointment.Service
	Conversations  conversation.Store
	Secretary      TurnProcessor
	Booking        PublicBooking
	Echoes         whatsapp.EchoRegistry // optional
	Checks         []DependencyCheck
	Metrics        http.Handler // optional, served at /metrics
	AdminJWTSecret string
	Logger         *logging.Logger
	Env            string
	Version        string
}

func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}

	r := chi.NewRouter()

	// Apply middleware
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))

	// Health endpoints
	health := NewHealthHandler(cfg.Checks, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	// WhatsApp inbound
	r.Post("/webhooks/whatsapp", whatsappWebhookHandler(cfg))

	// Public self-scheduling, authorized by the token alone
	r.Get("/book/{token}/availability", availabilityHandler(cfg))
	r.Get("/book/{token}/dates", availableDatesHandler(cfg))
	r.Post("/book/{token}", bookHandler(cfg))

	r.Route("/admin", func(r chi.Router) {
		r.Use(AdminAuthMiddleware(cfg.AdminJWTSecret))
		r.Post("/appointments/{id}/confirm", confirmAppointmentHandler(cfg))
		r.Post("/conversations/{id}/status", conversationStatusHandler(cfg))
	})

	return r
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}
