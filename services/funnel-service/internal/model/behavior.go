package model

import "time"

// Behavioral interaction types.
const (
	InteractionPageView        = "page_view"
	InteractionClick           = "click"
	InteractionScroll          = "scroll"
	InteractionFormSubmit      = "form_submit"
	InteractionSearch          = "search"
	InteractionHover           = "hover"
	InteractionBookingComplete = "booking_complete"
	InteractionPurchase        = "purchase"
)

// IsConversion reports whether the interaction type counts as a journey conversion.
func IsConversion(interaction string) bool {
	return interaction == InteractionBookingComplete || interaction == InteractionPurchase
}

type BehaviorEvent struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"session_id"`
	VisitorID  string         `json:"visitor_id,omitempty"`
	Type       string         `json:"type"`
	Page       string         `json:"page"`
	Target     string         `json:"target,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	DeviceType string         `json:"device_type,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// UserJourney is the reconstructed page/interaction path of one session.
type UserJourney struct {
	SessionID       string    `json:"session_id"`
	EntryPage       string    `json:"entry_page"`
	ExitPage        string    `json:"exit_page"`
	Pages           []string  `json:"pages"`
	DistinctPages   int       `json:"distinct_pages"`
	Interactions    int       `json:"interactions"`
	DurationSeconds float64   `json:"duration_seconds"`
	Bounced         bool      `json:"bounced"`
	Converted       bool      `json:"converted"`
	StartedAt       time.Time `json:"started_at"`
	EndedAt         time.Time `json:"ended_at"`
}
