package tracker

import "strings"

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

var highCodes = codeSet(
	"payment_failed", "payment_cancelled", "payment_declined", "insufficient_funds",
	"card_declined", "card_declined_temporary", "invalid_card", "expired_card", "incorrect_cvc",
	"processing_error", "fraud_detected", "payment_gateway_error", "payment_timeout",
	"payment_method_invalid", "currency_not_supported", "amount_too_small", "amount_too_large",
	"refund_failed", "refund_expired", "polish_payment_failed", "blik_error", "przelewy24_error",
	"installment_declined", "temporary_system_error", "configuration_error", "external_service_error",
)

var mediumCodes = codeSet(
	"slot_unavailable", "slot_already_booked", "slot_temporarily_unavailable", "service_unavailable",
	"service_not_found", "capacity_exceeded", "group_size_exceeded", "min_group_size_not_met",
	"booking_window_closed", "advance_booking_required", "past_date_not_allowed", "invalid_time_slot",
	"concurrent_booking_attempt", "booking_not_found", "booking_already_confirmed",
	"booking_already_cancelled", "booking_already_completed", "cancellation_period_expired",
	"reschedule_period_expired", "waitlist_full", "waitlist_entry_expired", "validation_error",
)

var (
	highKeywords   = []string{"payment", "credit card", "card", "stripe", "system", "server"}
	mediumKeywords = []string{"validation", "invalid", "format", "required", "availability", "unavailable", "slot"}
)

// ClassifySeverity triages an error. A known code decides; otherwise the message is matched
// against keyword lists.
func ClassifySeverity(code, message string) Severity {
	c := strings.ToLower(strings.TrimSpace(code))
	if highCodes[c] {
		return SeverityHigh
	}
	if mediumCodes[c] {
		return SeverityMedium
	}
	m := strings.ToLower(message)
	for _, k := range highKeywords {
		if strings.Contains(m, k) {
			return SeverityHigh
		}
	}
	for _, k := range mediumKeywords {
		if strings.Contains(m, k) {
			return SeverityMedium
		}
	}
	return SeverityLow
}

func codeSet(codes ...string) map[string]bool {
	out := make(map[string]bool, len(codes))
	for _, c := range codes {
		out[c] = true
	}
	return out
}
