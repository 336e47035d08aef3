package outbox

import (
	"encoding/json"

	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/model"
)

// Topics; the Kafka topic equals the event type.
const (
	EventJourneyCompleted = "funnel.journey.completed.v1"
	EventSessionAbandoned = "funnel.session.abandoned.v1"

	AggregateSession = "booking_session"
)

// Event is the envelope written to the outbox table in the same transaction as the row it
// announces.
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

func JourneyCompleted(j model.BookingJourney) (Event, error) {
	payload, err := json.Marshal(j)
	if err != nil {
		return Event{}, err
	}
	return Event{AggregateType: AggregateSession, AggregateID: j.SessionID, EventType: EventJourneyCompleted, Payload: payload}, nil
}

func SessionAbandoned(a model.Abandonment) (Event, error) {
	payload, err := json.Marshal(a)
	if err != nil {
		return Event{}, err
	}
	return Event{AggregateType: AggregateSession, AggregateID: a.SessionID, EventType: EventSessionAbandoned, Payload: payload}, nil
}
