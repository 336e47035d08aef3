package funnel

import (
	"time"

	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/model"
)

type CodeCount struct {
	Code       string  `json:"code"`
	Count      int     `json:"count"`
	Percentage float64 `json:"percentage"`
}

type StepMetrics struct {
	Step               model.Step  `json:"step"`
	Name               string      `json:"name"`
	SessionsReached    int         `json:"sessions_reached"`
	SessionsCompleted  int         `json:"sessions_completed"`
	CompletionRate     float64     `json:"completion_rate"`
	AverageTimeSeconds float64     `json:"average_time_seconds"`
	CommonErrors       []CodeCount `json:"common_errors"`
}

type DropOff struct {
	Step    model.Step  `json:"step"`
	Count   int         `json:"count"`
	Reasons []CodeCount `json:"reasons"`
}

// Revenue splits sessions into completed and abandoned buckets. Every session with an
// observed price lands in exactly one of them.
type Revenue struct {
	Total             float64 `json:"total"`
	Average           float64 `json:"average"`
	AbandonedValue    float64 `json:"abandoned_value"`
	CompletedSessions int     `json:"completed_sessions"`
	AbandonedSessions int     `json:"abandoned_sessions"`
}

type HourMetrics struct {
	Hour           int     `json:"hour"`
	Sessions       int     `json:"sessions"`
	Conversions    int     `json:"conversions"`
	ConversionRate float64 `json:"conversion_rate"`
}

type Segment struct {
	Key            string  `json:"key"`
	Sessions       int     `json:"sessions"`
	Conversions    int     `json:"conversions"`
	ConversionRate float64 `json:"conversion_rate"`
}

type Report struct {
	From              time.Time     `json:"from"`
	To                time.Time     `json:"to"`
	Category          string        `json:"category,omitempty"`
	DeviceType        string        `json:"device_type,omitempty"`
	Language          string        `json:"language,omitempty"`
	GeneratedAt       time.Time     `json:"generated_at"`
	TotalEvents       int           `json:"total_events"`
	TotalSessions     int           `json:"total_sessions"`
	CompletedSessions int           `json:"completed_sessions"`
	ConversionRate    float64       `json:"conversion_rate"`
	Steps             []StepMetrics `json:"steps"`
	DropOff           DropOff       `json:"drop_off"`
	Revenue           Revenue       `json:"revenue"`
	TimeOfDay         []HourMetrics `json:"time_of_day"`
	ByCategory        []Segment     `json:"by_category"`
	ByDevice          []Segment     `json:"by_device"`
	ByLanguage        []Segment     `json:"by_language"`
}
