package model

import "time"

type DataRequestKind string

const (
	DataRequestAccess   DataRequestKind = "access"
	DataRequestDeletion DataRequestKind = "deletion"
)

type DataRequestStatus string

const (
	DataRequestPending   DataRequestStatus = "pending"
	DataRequestCompleted DataRequestStatus = "completed"
	DataRequestRejected  DataRequestStatus = "rejected"
)

// DataRequest is a data-subject access or deletion request and its outcome.
type DataRequest struct {
	ID           string            `json:"id"`
	Kind         DataRequestKind   `json:"kind"`
	SubjectID    string            `json:"subject_id"`
	Status       DataRequestStatus `json:"status"`
	RowsAffected int64             `json:"rows_affected"`
	Reason       string            `json:"reason,omitempty"`
	Export       *SubjectExport    `json:"export,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
}

// SubjectExport gathers every stored row keyed by one session id.
type SubjectExport struct {
	StepEvents     []TelemetryEvent `json:"step_events"`
	Journeys       []BookingJourney `json:"journeys"`
	Abandonments   []Abandonment    `json:"abandonments"`
	BehaviorEvents []BehaviorEvent  `json:"behavior_events"`
	UserJourneys   []UserJourney    `json:"user_journeys"`
}

// Rows is the total number of rows in the export.
func (e SubjectExport) Rows() int64 {
	return int64(len(e.StepEvents) + len(e.Journeys) + len(e.Abandonments) + len(e.BehaviorEvents) + len(e.UserJourneys))
}

// Merge appends other's rows into e.
func (e *SubjectExport) Merge(other SubjectExport) {
	e.StepEvents = append(e.StepEvents, other.StepEvents...)
	e.Journeys = append(e.Journeys, other.Journeys...)
	e.Abandonments = append(e.Abandonments, other.Abandonments...)
	e.BehaviorEvents = append(e.BehaviorEvents, other.BehaviorEvents...)
	e.UserJourneys = append(e.UserJourneys, other.UserJourneys...)
}
