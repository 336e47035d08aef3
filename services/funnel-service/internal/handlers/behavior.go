package handlers

import (
	"net/http"
	"strings"

	"github.com/md-rashed-zaman/funnelscope/libs/httpx"
	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/emitter"
	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/model"
)

const maxBehaviorBatch = 500

type visitorRequest struct {
	VisitorID string `json:"visitor_id"`
}

func (h *Handler) TrackBehavior(w http.ResponseWriter, r *http.Request) {
	var req struct {
		VisitorID string                `json:"visitor_id"`
		Events    []model.BehaviorEvent `json:"events"`
	}
	if !decode(w, r, &req) {
		return
	}
	req.VisitorID = strings.TrimSpace(req.VisitorID)
	if req.VisitorID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "visitor_id is required")
		return
	}
	if len(req.Events) > maxBehaviorBatch {
		httpx.WriteError(w, http.StatusRequestEntityTooLarge, "too many events")
		return
	}
	bus, err := h.sessions.Bus(r.Context(), req.VisitorID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	accepted, dropped := 0, map[string]int{}
	for _, ev := range req.Events {
		if ev.SessionID == "" || ev.Type == "" {
			dropped["invalid"]++
			continue
		}
		ev.VisitorID = req.VisitorID
		out := bus.Track(r.Context(), ev)
		if out.Reason == emitter.ReasonClosed {
			// the idle sweeper evicted the bus mid-request
			if bus, err = h.sessions.Bus(r.Context(), req.VisitorID); err != nil {
				h.writeDomainError(w, err)
				return
			}
			out = bus.Track(r.Context(), ev)
		}
		if out.IsRecorded() {
			accepted++
		} else {
			dropped[out.Reason]++
		}
	}
	httpx.WriteJSON(w, http.StatusAccepted, map[string]any{
		"accepted": accepted,
		"dropped":  dropped,
		"pending":  bus.Pending(),
	})
}

func (h *Handler) CloseBehaviorSession(w http.ResponseWriter, r *http.Request) {
	var req visitorRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.VisitorID) == "" {
		httpx.WriteError(w, http.StatusBadRequest, "visitor_id is required")
		return
	}
	bus, err := h.sessions.Bus(r.Context(), req.VisitorID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	j, err := bus.CloseSession(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, j)
}

func (h *Handler) UnloadBehavior(w http.ResponseWriter, r *http.Request) {
	var req visitorRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.VisitorID) == "" {
		httpx.WriteError(w, http.StatusBadRequest, "visitor_id is required")
		return
	}
	bus, err := h.sessions.Bus(r.Context(), req.VisitorID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if err := bus.Unload(r.Context()); err != nil {
		// events stay queued for the next flush
		httpx.WriteJSON(w, http.StatusAccepted, map[string]any{"pending": bus.Pending()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
