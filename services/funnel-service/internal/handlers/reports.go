package handlers

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/md-rashed-zaman/funnelscope/libs/httpx"
	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/behavior"
	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/funnel"
)

// parseQuery reads from, to (RFC3339 or YYYY-MM-DD), the segment filters and tz.
func parseQuery(v url.Values) (funnel.Query, error) {
	var q funnel.Query
	var err error
	if q.From, err = parseTime(v.Get("from")); err != nil {
		return q, fmt.Errorf("%w: from: %v", funnel.ErrInvalidRange, err)
	}
	if q.To, err = parseTime(v.Get("to")); err != nil {
		return q, fmt.Errorf("%w: to: %v", funnel.ErrInvalidRange, err)
	}
	q.Category = strings.TrimSpace(v.Get("category"))
	q.DeviceType = strings.TrimSpace(v.Get("device_type"))
	q.Language = strings.TrimSpace(v.Get("language"))
	if tz := strings.TrimSpace(v.Get("tz")); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return q, fmt.Errorf("%w: unknown tz %q", funnel.ErrInvalidRange, tz)
		}
		q.Location = loc
	}
	return q, q.Validate()
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	return time.Parse(time.DateOnly, s)
}

func (h *Handler) FunnelReport(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r.URL.Query())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	rep, err := h.reports.Compute(r.Context(), q)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, rep)
}

type journeyReport struct {
	From    time.Time        `json:"from"`
	To      time.Time        `json:"to"`
	Summary behavior.Summary `json:"summary"`
}

func (h *Handler) JourneyReport(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r.URL.Query())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	journeys, err := h.journeys.ListUserJourneys(r.Context(), q.From, q.To)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, journeyReport{From: q.From, To: q.To, Summary: behavior.Summarize(journeys)})
}
