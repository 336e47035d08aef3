// Package storage persists the funnel tables: step events, journeys, abandonments, behavioral
// events, consent records and data-subject requests.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/model"
)

var ErrNotFound = model.ErrNotFound

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// Store is the full persistence surface of the service. Postgres and SQLite implement it.
type Store interface {
	InsertStepEvent(ctx context.Context, ev model.TelemetryEvent) error
	InsertJourney(ctx context.Context, j model.BookingJourney) error
	InsertAbandonment(ctx context.Context, a model.Abandonment) error
	ListStepEvents(ctx context.Context, f model.EventFilter) ([]model.TelemetryEvent, error)

	BehaviorStore

	SaveConsent(ctx context.Context, rec model.ConsentRecord) error
	LatestConsent(ctx context.Context, visitorID string) (model.ConsentRecord, error)
	InsertConsentActivity(ctx context.Context, act model.ConsentActivity) error

	CreateDataRequest(ctx context.Context, r model.DataRequest) error
	UpdateDataRequest(ctx context.Context, r model.DataRequest) error
	GetDataRequest(ctx context.Context, id string) (model.DataRequest, error)

	Ping(ctx context.Context) error
	Close() error
}

// BehaviorStore holds behavioral events and reconstructed journeys. ClickHouseBehavior
// implements it on its own for high-volume deployments.
type BehaviorStore interface {
	InsertBehaviorEvents(ctx context.Context, events []model.BehaviorEvent) error
	InsertUserJourney(ctx context.Context, j model.UserJourney) error
	ListBehaviorEvents(ctx context.Context, from, to time.Time) ([]model.BehaviorEvent, error)
	ListUserJourneys(ctx context.Context, from, to time.Time) ([]model.UserJourney, error)
	Subject
}

// Subject is a store that can export and erase everything keyed by a session id. Erasing an
// already erased session removes nothing and is not an error.
type Subject interface {
	ExportSession(ctx context.Context, sessionID string) (model.SubjectExport, error)
	EraseSession(ctx context.Context, sessionID string) (int64, error)
}

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func unmarshalData(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}
