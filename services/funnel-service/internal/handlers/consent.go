package handlers

import (
	"net/http"

	"github.com/md-rashed-zaman/funnelscope/libs/httpx"
	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/consent"
	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/model"
)

type consentResponse struct {
	VisitorID   string               `json:"visitor_id"`
	State       consent.State        `json:"state"`
	NeedsPrompt bool                 `json:"needs_prompt"`
	Granted     []model.ConsentType  `json:"granted"`
	Record      *model.ConsentRecord `json:"record,omitempty"`
}

func consentView(g *consent.Gate) consentResponse {
	resp := consentResponse{
		VisitorID:   g.VisitorID(),
		State:       g.State(),
		NeedsPrompt: g.NeedsPrompt(),
		Granted:     g.Granted(),
	}
	if rec, ok := g.Record(); ok {
		resp.Record = &rec
	}
	return resp
}

func (h *Handler) GetConsent(w http.ResponseWriter, r *http.Request) {
	g, err := h.sessions.Gate(r.Context(), r.PathValue("visitor"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, consentView(g))
}

func (h *Handler) GrantConsent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Types []model.ConsentType `json:"consent_types"`
	}
	if !decode(w, r, &req) {
		return
	}
	for _, t := range req.Types {
		if !t.Valid() {
			httpx.WriteError(w, http.StatusBadRequest, "unknown consent type "+string(t))
			return
		}
	}
	g, err := h.sessions.Gate(r.Context(), r.PathValue("visitor"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if err := g.Grant(r.Context(), req.Types); err != nil {
		h.writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, consentView(g))
}

func (h *Handler) DeclineConsent(w http.ResponseWriter, r *http.Request) {
	g, err := h.sessions.Gate(r.Context(), r.PathValue("visitor"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if err := g.Decline(r.Context()); err != nil {
		h.writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, consentView(g))
}

func (h *Handler) WithdrawConsent(w http.ResponseWriter, r *http.Request) {
	g, err := h.sessions.Gate(r.Context(), r.PathValue("visitor"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if err := g.Withdraw(r.Context()); err != nil {
		h.writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, consentView(g))
}
