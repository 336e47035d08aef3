// Package handlers exposes the funnel engine over JSON HTTP.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/md-rashed-zaman/funnelscope/libs/httpx"
	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/behavior"
	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/consent"
	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/dsr"
	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/emitter"
	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/funnel"
	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/model"
	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/sessions"
	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/tracker"
)

// Sessions is the live-session surface, implemented by sessions.Registry.
type Sessions interface {
	Start(ctx context.Context, req sessions.StartRequest) (tracker.Session, emitter.Result, error)
	Tracker(sessionID string) (*tracker.Tracker, error)
	Bus(ctx context.Context, visitorID string) (*behavior.Bus, error)
	Gate(ctx context.Context, visitorID string) (*consent.Gate, error)
}

// Privacy is implemented by dsr.Service.
type Privacy interface {
	RequestAccess(ctx context.Context, sessionID string) (model.DataRequest, error)
	RequestDeletion(ctx context.Context, sessionID string) (model.DataRequest, error)
	Get(ctx context.Context, id string) (model.DataRequest, error)
}

// JourneySource reads reconstructed behavioral journeys.
type JourneySource interface {
	ListUserJourneys(ctx context.Context, from, to time.Time) ([]model.UserJourney, error)
}

type Handler struct {
	sessions Sessions
	reports  funnel.Reporter
	journeys JourneySource
	privacy  Privacy
	logger   *slog.Logger
}

func New(s Sessions, reports funnel.Reporter, journeys JourneySource, privacy Privacy, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{sessions: s, reports: reports, journeys: journeys, privacy: privacy, logger: logger}
}

// Register mounts every route on mux. stripe may be nil when webhooks are disabled.
func (h *Handler) Register(mux *http.ServeMux, stripe http.Handler) {
	mux.HandleFunc("POST /api/v1/funnel/sessions", h.StartSession)
	mux.HandleFunc("GET /api/v1/funnel/sessions/{id}", h.GetSession)
	mux.HandleFunc("POST /api/v1/funnel/sessions/{id}/service", h.SelectService)
	mux.HandleFunc("POST /api/v1/funnel/sessions/{id}/time", h.SelectTime)
	mux.HandleFunc("POST /api/v1/funnel/sessions/{id}/customer", h.EnterCustomerInfo)
	mux.HandleFunc("POST /api/v1/funnel/sessions/{id}/complete", h.Complete)
	mux.HandleFunc("POST /api/v1/funnel/sessions/{id}/abandon", h.Abandon)
	mux.HandleFunc("POST /api/v1/funnel/sessions/{id}/unload", h.Unload)
	mux.HandleFunc("POST /api/v1/funnel/sessions/{id}/errors", h.RecordError)

	mux.HandleFunc("POST /api/v1/behavior/events", h.TrackBehavior)
	mux.HandleFunc("POST /api/v1/behavior/sessions/{id}/close", h.CloseBehaviorSession)
	mux.HandleFunc("POST /api/v1/behavior/unload", h.UnloadBehavior)

	mux.HandleFunc("GET /api/v1/consent/{visitor}", h.GetConsent)
	mux.HandleFunc("POST /api/v1/consent/{visitor}/grant", h.GrantConsent)
	mux.HandleFunc("POST /api/v1/consent/{visitor}/decline", h.DeclineConsent)
	mux.HandleFunc("POST /api/v1/consent/{visitor}/withdraw", h.WithdrawConsent)

	mux.HandleFunc("POST /api/v1/privacy/requests", h.CreateDataRequest)
	mux.HandleFunc("GET /api/v1/privacy/requests/{id}", h.GetDataRequest)

	mux.HandleFunc("GET /api/v1/reports/funnel", h.FunnelReport)
	mux.HandleFunc("GET /api/v1/reports/journeys", h.JourneyReport)

	if stripe != nil {
		mux.Handle("POST /api/v1/webhooks/stripe", stripe)
	}
}

// writeDomainError maps engine errors onto HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sessions.ErrUnknownSession), errors.Is(err, model.ErrNotFound):
		httpx.WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, tracker.ErrNotStarted),
		errors.Is(err, tracker.ErrStepOutOfOrder),
		errors.Is(err, tracker.ErrSessionClosed),
		errors.Is(err, consent.ErrInvalidTransition):
		httpx.WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, funnel.ErrInvalidRange), errors.Is(err, dsr.ErrEmptySubject):
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("request failed", "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "internal error")
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := httpx.DecodeJSON(r, v); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}
