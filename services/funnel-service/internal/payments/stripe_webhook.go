// Package payments turns payment provider callbacks into funnel completions.
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/md-rashed-zaman/funnelscope/libs/httpx"
	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/emitter"
	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/sessions"
	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/tracker"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

// Metadata keys the checkout sets on the payment intent.
const (
	MetaSessionID = "funnel_session_id"
	MetaBookingID = "booking_id"
)

const (
	EventPaymentSucceeded = "payment_intent.succeeded"
	EventPaymentFailed    = "payment_intent.payment_failed"
)

// Completer applies a payment outcome to a live booking session.
type Completer interface {
	Complete(ctx context.Context, sessionID, bookingID string, status tracker.PaymentStatus) (emitter.Result, error)
}

// StripeWebhook handles Stripe webhooks. Signature verification is the only authentication.
type StripeWebhook struct {
	secret    string
	tolerance time.Duration
	completer Completer
	logger    *slog.Logger
}

func NewStripeWebhook(secret string, tolerance time.Duration, completer Completer, logger *slog.Logger) *StripeWebhook {
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeWebhook{secret: secret, tolerance: tolerance, completer: completer, logger: logger}
}

func (h *StripeWebhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.TrimSpace(h.secret) == "" {
		httpx.WriteError(w, http.StatusServiceUnavailable, "stripe webhook not configured")
		return
	}
	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		httpx.WriteError(w, http.StatusBadRequest, "missing Stripe-Signature header")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	evt, err := webhook.ConstructEventWithOptions(body, sigHeader, h.secret, webhook.ConstructEventOptions{
		Tolerance:                h.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid signature")
		return
	}

	evtType := string(evt.Type)
	h.logger.Info("payment provider event received",
		"provider", "stripe",
		"provider_event_id", evt.ID,
		"event_type", evtType,
		"occurred_at", time.Unix(evt.Created, 0).UTC().Format(time.RFC3339),
	)

	var status tracker.PaymentStatus
	switch evtType {
	case EventPaymentSucceeded:
		status = tracker.PaymentSuccess
	case EventPaymentFailed:
		status = tracker.PaymentFailed
	default:
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": "ignored"})
		return
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(evt.Data.Raw, &pi); err != nil {
		h.logger.Error("stripe: invalid payment intent payload", "err", err)
		httpx.WriteError(w, http.StatusBadRequest, "invalid payment intent payload")
		return
	}
	sessionID := strings.TrimSpace(pi.Metadata[MetaSessionID])
	if sessionID == "" {
		h.logger.Warn("stripe: missing metadata on payment intent", "payment_intent", pi.ID)
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": "ignored"})
		return
	}
	bookingID := strings.TrimSpace(pi.Metadata[MetaBookingID])
	if bookingID == "" {
		bookingID = pi.ID
	}

	// Stripe retries non-2xx responses; sessions that are gone or closed will never accept
	// the event, so they are acknowledged.
	_, err = h.completer.Complete(r.Context(), sessionID, bookingID, status)
	switch {
	case err == nil:
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	case errors.Is(err, sessions.ErrUnknownSession):
		h.logger.Warn("stripe: payment for unknown session", "session_id", sessionID, "payment_intent", pi.ID)
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": "unknown_session"})
	case errors.Is(err, tracker.ErrSessionClosed):
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": "duplicate"})
	case errors.Is(err, tracker.ErrStepOutOfOrder):
		h.logger.Warn("stripe: payment before checkout step", "session_id", sessionID, "err", err)
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": "out_of_order"})
	default:
		h.logger.Error("stripe: apply payment failed", "session_id", sessionID, "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "failed to apply payment")
	}
}
