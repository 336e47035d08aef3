package model

import (
	"strconv"
	"time"
)

// Well-known AdditionalData keys.
const (
	DataServiceCategory   = "service_category"
	DataServiceID         = "service_id"
	DataServiceName       = "service_name"
	DataServicePrice      = "service_price"
	DataLanguage          = "language"
	DataCurrency          = "currency"
	DataAbandonmentReason = "abandonment_reason"
	DataStepsCompleted    = "steps_completed"
	DataBookingID         = "booking_id"
	DataPaymentStatus     = "payment_status"
	DataCompletionRate    = "completion_rate"
	DataTotalTimeSpent    = "total_time_spent"
	DataTimeSlot          = "time_slot"
	DataAvailability      = "availability"
	DataErrorMessage      = "error_message"
	DataSeverity          = "severity"
	DataEventKind         = "event_kind"
)

// Event kinds recorded under DataEventKind.
const (
	KindStepEntered = "step_entered"
	KindCompleted   = "booking_completed"
	KindPaymentFail = "payment_failed"
	KindAbandoned   = "abandoned"
	KindError       = "error"
)

// TelemetryEvent is an immutable row of the booking step event log.
type TelemetryEvent struct {
	ID               string         `json:"id"`
	SessionID        string         `json:"session_id"`
	Step             Step           `json:"step"`
	Timestamp        time.Time      `json:"timestamp"`
	Success          bool           `json:"success"`
	ErrorCode        string         `json:"error_code,omitempty"`
	TimeSpentSeconds *float64       `json:"time_spent_seconds,omitempty"`
	DeviceType       string         `json:"device_type"`
	AdditionalData   map[string]any `json:"additional_data,omitempty"`
}

// Category returns the service category stamped on the event, if any.
func (e TelemetryEvent) Category() string {
	return e.stringData(DataServiceCategory)
}

func (e TelemetryEvent) Language() string {
	return e.stringData(DataLanguage)
}

func (e TelemetryEvent) AbandonmentReason() string {
	return e.stringData(DataAbandonmentReason)
}

// ServicePrice returns the price stamped on the event. Stores that round-trip JSON hand back
// float64 or json.Number; both are accepted.
func (e TelemetryEvent) ServicePrice() (float64, bool) {
	if e.AdditionalData == nil {
		return 0, false
	}
	return toFloat(e.AdditionalData[DataServicePrice])
}

func (e TelemetryEvent) stringData(key string) string {
	if e.AdditionalData == nil {
		return ""
	}
	s, _ := e.AdditionalData[key].(string)
	return s
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case interface{ Float64() (float64, error) }:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Seconds is a helper for the optional TimeSpentSeconds field.
func Seconds(d time.Duration) *float64 {
	s := d.Seconds()
	return &s
}
