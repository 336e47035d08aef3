package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/behavior"
	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/consent"
	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/funnel"
	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/model"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Client talks to the funnel-service JSON API.
type Client struct {
	base string
	http *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if json.Unmarshal(raw, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(raw))
		}
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type ReportParams struct {
	From, To   string
	Category   string
	DeviceType string
	Language   string
	TZ         string
}

func (p ReportParams) values() url.Values {
	v := url.Values{}
	set := func(k, val string) {
		if val != "" {
			v.Set(k, val)
		}
	}
	set("from", p.From)
	set("to", p.To)
	set("category", p.Category)
	set("device_type", p.DeviceType)
	set("language", p.Language)
	set("tz", p.TZ)
	return v
}

func (c *Client) FunnelReport(ctx context.Context, p ReportParams) (funnel.Report, error) {
	var rep funnel.Report
	err := c.do(ctx, http.MethodGet, "/api/v1/reports/funnel?"+p.values().Encode(), nil, &rep)
	return rep, err
}

type JourneyReport struct {
	From    time.Time        `json:"from"`
	To      time.Time        `json:"to"`
	Summary behavior.Summary `json:"summary"`
}

func (c *Client) JourneyReport(ctx context.Context, p ReportParams) (JourneyReport, error) {
	var rep JourneyReport
	err := c.do(ctx, http.MethodGet, "/api/v1/reports/journeys?"+p.values().Encode(), nil, &rep)
	return rep, err
}

func (c *Client) CreateDataRequest(ctx context.Context, kind model.DataRequestKind, sessionID string) (model.DataRequest, error) {
	var out model.DataRequest
	err := c.do(ctx, http.MethodPost, "/api/v1/privacy/requests", map[string]any{"kind": kind, "session_id": sessionID}, &out)
	return out, err
}

func (c *Client) DataRequest(ctx context.Context, id string) (model.DataRequest, error) {
	var out model.DataRequest
	err := c.do(ctx, http.MethodGet, "/api/v1/privacy/requests/"+url.PathEscape(id), nil, &out)
	return out, err
}

// ConsentView mirrors the consent endpoint payload.
type ConsentView struct {
	VisitorID   string               `json:"visitor_id"`
	State       consent.State        `json:"state"`
	NeedsPrompt bool                 `json:"needs_prompt"`
	Granted     []model.ConsentType  `json:"granted"`
	Record      *model.ConsentRecord `json:"record,omitempty"`
}

func (c *Client) Consent(ctx context.Context, visitorID string) (ConsentView, error) {
	var out ConsentView
	err := c.do(ctx, http.MethodGet, "/api/v1/consent/"+url.PathEscape(visitorID), nil, &out)
	return out, err
}

func (c *Client) GrantConsent(ctx context.Context, visitorID string, types []model.ConsentType) (ConsentView, error) {
	var out ConsentView
	err := c.do(ctx, http.MethodPost, "/api/v1/consent/"+url.PathEscape(visitorID)+"/grant", map[string]any{"consent_types": types}, &out)
	return out, err
}

func (c *Client) DeclineConsent(ctx context.Context, visitorID string) (ConsentView, error) {
	var out ConsentView
	err := c.do(ctx, http.MethodPost, "/api/v1/consent/"+url.PathEscape(visitorID)+"/decline", nil, &out)
	return out, err
}
