package handlers

import (
	"net/http"

	"github.com/md-rashed-zaman/funnelscope/libs/httpx"
	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/model"
)

// CreateDataRequest accepts an access or deletion request. The workflow runs in the
// background; poll GetDataRequest for the outcome.
func (h *Handler) CreateDataRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind      model.DataRequestKind `json:"kind"`
		SessionID string                `json:"session_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	var (
		out model.DataRequest
		err error
	)
	switch req.Kind {
	case model.DataRequestAccess:
		out, err = h.privacy.RequestAccess(r.Context(), req.SessionID)
	case model.DataRequestDeletion:
		out, err = h.privacy.RequestDeletion(r.Context(), req.SessionID)
	default:
		httpx.WriteError(w, http.StatusBadRequest, "kind must be access or deletion")
		return
	}
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, out)
}

func (h *Handler) GetDataRequest(w http.ResponseWriter, r *http.Request) {
	out, err := h.privacy.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}
