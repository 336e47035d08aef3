package handlers

import (
	"net/http"
	"strings"

	"github.com/md-rashed-zaman/funnelscope/libs/httpx"
	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/emitter"
	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/model"
	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/sessions"
	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/tracker"
)

type stepResponse struct {
	Session tracker.Session `json:"session"`
	Result  emitter.Result  `json:"result"`
}

func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req sessions.StartRequest
	if !decode(w, r, &req) {
		return
	}
	req.VisitorID = strings.TrimSpace(req.VisitorID)
	if req.VisitorID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "visitor_id is required")
		return
	}
	s, res, err := h.sessions.Start(r.Context(), req)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, stepResponse{Session: s, Result: res})
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	t, err := h.sessions.Tracker(r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	s, _ := t.Snapshot()
	httpx.WriteJSON(w, http.StatusOK, s)
}

// step runs one tracker transition and writes the session snapshot with its outcomes.
func (h *Handler) step(w http.ResponseWriter, r *http.Request, fn func(t *tracker.Tracker) (emitter.Result, error)) {
	t, err := h.sessions.Tracker(r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	res, err := fn(t)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	s, _ := t.Snapshot()
	httpx.WriteJSON(w, http.StatusOK, stepResponse{Session: s, Result: res})
}

func (h *Handler) SelectService(w http.ResponseWriter, r *http.Request) {
	var req model.ServiceSelection
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ID) == "" || req.Price < 0 {
		httpx.WriteError(w, http.StatusBadRequest, "invalid service")
		return
	}
	h.step(w, r, func(t *tracker.Tracker) (emitter.Result, error) {
		return t.SelectService(r.Context(), req)
	})
}

func (h *Handler) SelectTime(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TimeSlot     string `json:"time_slot"`
		Availability string `json:"availability"`
	}
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.TimeSlot) == "" {
		httpx.WriteError(w, http.StatusBadRequest, "time_slot is required")
		return
	}
	h.step(w, r, func(t *tracker.Tracker) (emitter.Result, error) {
		return t.SelectTime(r.Context(), req.TimeSlot, req.Availability)
	})
}

func (h *Handler) EnterCustomerInfo(w http.ResponseWriter, r *http.Request) {
	var req model.CustomerInfo
	if !decode(w, r, &req) {
		return
	}
	h.step(w, r, func(t *tracker.Tracker) (emitter.Result, error) {
		return t.EnterCustomerInfo(r.Context(), req)
	})
}

func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BookingID     string `json:"booking_id"`
		PaymentStatus string `json:"payment_status"`
	}
	if !decode(w, r, &req) {
		return
	}
	status := tracker.PaymentStatus(strings.ToLower(strings.TrimSpace(req.PaymentStatus)))
	if status != tracker.PaymentSuccess && status != tracker.PaymentFailed {
		httpx.WriteError(w, http.StatusBadRequest, "payment_status must be success or failed")
		return
	}
	h.step(w, r, func(t *tracker.Tracker) (emitter.Result, error) {
		return t.Complete(r.Context(), req.BookingID, status)
	})
}

func (h *Handler) Abandon(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
		Step   int    `json:"step"`
	}
	if !decode(w, r, &req) {
		return
	}
	h.step(w, r, func(t *tracker.Tracker) (emitter.Result, error) {
		return t.Abandon(r.Context(), req.Reason, model.Step(req.Step))
	})
}

// Unload is called from the page-unload beacon. Nothing to close is not an error.
func (h *Handler) Unload(w http.ResponseWriter, r *http.Request) {
	t, err := h.sessions.Tracker(r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	res, closed := t.Unload(r.Context())
	if !closed {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s, _ := t.Snapshot()
	httpx.WriteJSON(w, http.StatusOK, stepResponse{Session: s, Result: res})
}

func (h *Handler) RecordError(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string `json:"message"`
		Step    int    `json:"step"`
		Code    string `json:"code"`
	}
	if !decode(w, r, &req) {
		return
	}
	h.step(w, r, func(t *tracker.Tracker) (emitter.Result, error) {
		return t.Error(r.Context(), req.Message, model.Step(req.Step), req.Code)
	})
}
