package model

import "time"

type ConsentType string

const (
	ConsentEssential       ConsentType = "essential"
	ConsentAnalytics       ConsentType = "analytics"
	ConsentMarketing       ConsentType = "marketing"
	ConsentPersonalization ConsentType = "personalization"
)

var ConsentTypes = []ConsentType{ConsentEssential, ConsentAnalytics, ConsentMarketing, ConsentPersonalization}

func (t ConsentType) Valid() bool {
	switch t {
	case ConsentEssential, ConsentAnalytics, ConsentMarketing, ConsentPersonalization:
		return true
	}
	return false
}

// ConsentRecord is one version of a visitor's consent. Updates produce a new version with the
// same ID rather than mutating a stored one.
type ConsentRecord struct {
	ID          string               `json:"id"`
	VisitorID   string               `json:"visitor_id"`
	Version     int                  `json:"version"`
	Types       map[ConsentType]bool `json:"consent_types"`
	Declined    bool                 `json:"declined"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
	ExpiryDate  time.Time            `json:"expiry_date"`
	WithdrawnAt *time.Time           `json:"withdrawn_at,omitempty"`
}

// ConsentActivity is an append-only audit row for every consent change.
type ConsentActivity struct {
	ConsentID string               `json:"consent_id"`
	VisitorID string               `json:"visitor_id"`
	Action    string               `json:"action"`
	Types     map[ConsentType]bool `json:"consent_types"`
	At        time.Time            `json:"at"`
}
