package model

import "time"

type ServiceSelection struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Type     string  `json:"type"`
	Price    float64 `json:"price"`
	Category string  `json:"category"`
}

type CustomerInfo struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

// BookingJourney is the consolidated record written once per completed session. It carries
// presence flags and a pseudonymous reference instead of customer PII.
type BookingJourney struct {
	SessionID        string             `json:"session_id"`
	BookingID        string             `json:"booking_id"`
	ServiceID        string             `json:"service_id"`
	ServiceName      string             `json:"service_name"`
	ServiceCategory  string             `json:"service_category"`
	ServicePrice     float64            `json:"service_price"`
	Currency         string             `json:"currency"`
	TimeSlot         string             `json:"time_slot"`
	HasCustomerName  bool               `json:"has_customer_name"`
	HasCustomerEmail bool               `json:"has_customer_email"`
	HasCustomerPhone bool               `json:"has_customer_phone"`
	CustomerRef      string             `json:"customer_ref,omitempty"`
	DeviceType       string             `json:"device_type"`
	Language         string             `json:"language"`
	TotalTimeSeconds float64            `json:"total_time_seconds"`
	StepTimestamps   map[Step]time.Time `json:"step_timestamps"`
	CompletedAt      time.Time          `json:"completed_at"`
}

// Abandonment is written once when a session ends without completion.
type Abandonment struct {
	SessionID        string    `json:"session_id"`
	Step             Step      `json:"abandonment_step"`
	StepsCompleted   int       `json:"steps_completed"`
	Reason           string    `json:"reason"`
	ServiceCategory  string    `json:"service_category,omitempty"`
	ServicePrice     float64   `json:"service_price,omitempty"`
	TotalTimeSeconds float64   `json:"total_time_seconds"`
	DeviceType       string    `json:"device_type"`
	AbandonedAt      time.Time `json:"abandoned_at"`
}
