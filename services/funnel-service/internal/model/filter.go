package model

import "time"

// EventFilter selects step events in [From, To). Empty string fields match everything.
type EventFilter struct {
	From       time.Time
	To         time.Time
	Category   string
	DeviceType string
	Language   string
	SessionID  string
}

// Match applies the filter in memory, for stores that cannot push it down.
func (f EventFilter) Match(ev TelemetryEvent) bool {
	if !f.From.IsZero() && ev.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !ev.Timestamp.Before(f.To) {
		return false
	}
	if f.Category != "" && ev.Category() != f.Category {
		return false
	}
	if f.DeviceType != "" && ev.DeviceType != f.DeviceType {
		return false
	}
	if f.Language != "" && ev.Language() != f.Language {
		return false
	}
	if f.SessionID != "" && ev.SessionID != f.SessionID {
		return false
	}
	return true
}
