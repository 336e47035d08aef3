package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/model"
	_ "modernc.org/sqlite"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

// SQLite is the single-node store used for local runs and tests. Timestamps are stored as
// unix nanoseconds and JSON columns as TEXT.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens path (":memory:" works) and applies the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one connection: writes are serialized and an in-memory database stays shared
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", "PRAGMA foreign_keys=ON"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func nanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func (s *SQLite) InsertStepEvent(ctx context.Context, ev model.TelemetryEvent) error {
	data, err := marshalJSON(ev.AdditionalData)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO booking_step_events (id, session_id, step, occurred_at, success, error_code, time_spent_seconds, device_type, additional_data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`, ev.ID, ev.SessionID, int(ev.Step), nanos(ev.Timestamp), ev.Success, ev.ErrorCode, ev.TimeSpentSeconds, ev.DeviceType, data)
	return err
}

func (s *SQLite) ListStepEvents(ctx context.Context, f model.EventFilter) ([]model.TelemetryEvent, error) {
	var where []string
	var args []any
	if !f.From.IsZero() {
		where = append(where, "occurred_at >= ?")
		args = append(args, nanos(f.From))
	}
	if !f.To.IsZero() {
		where = append(where, "occurred_at < ?")
		args = append(args, nanos(f.To))
	}
	if f.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.DeviceType != "" {
		where = append(where, "device_type = ?")
		args = append(args, f.DeviceType)
	}
	if f.Category != "" {
		where = append(where, "json_extract(additional_data, '$.service_category') = ?")
		args = append(args, f.Category)
	}
	if f.Language != "" {
		where = append(where, "json_extract(additional_data, '$.language') = ?")
		args = append(args, f.Language)
	}
	query := `SELECT id, session_id, step, occurred_at, success, error_code, time_spent_seconds, device_type, additional_data
		FROM booking_step_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY occurred_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.TelemetryEvent
	for rows.Next() {
		var ev model.TelemetryEvent
		var step int
		var at int64
		var spent sql.NullFloat64
		var data string
		if err := rows.Scan(&ev.ID, &ev.SessionID, &step, &at, &ev.Success, &ev.ErrorCode, &spent, &ev.DeviceType, &data); err != nil {
			return nil, err
		}
		ev.Step = model.Step(step)
		ev.Timestamp = fromNanos(at)
		if spent.Valid {
			v := spent.Float64
			ev.TimeSpentSeconds = &v
		}
		if ev.AdditionalData, err = unmarshalData([]byte(data)); err != nil {
			return nil, fmt.Errorf("step event %s: %w", ev.ID, err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLite) InsertJourney(ctx context.Context, j model.BookingJourney) error {
	steps, err := marshalJSON(j.StepTimestamps)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO booking_journeys (session_id, booking_id, service_id, service_name, service_category, service_price, currency, time_slot,
		                              has_customer_name, has_customer_email, has_customer_phone, customer_ref, device_type, language,
		                              total_time_seconds, step_timestamps, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id) DO NOTHING
	`, j.SessionID, j.BookingID, j.ServiceID, j.ServiceName, j.ServiceCategory, j.ServicePrice, j.Currency, j.TimeSlot,
		j.HasCustomerName, j.HasCustomerEmail, j.HasCustomerPhone, j.CustomerRef, j.DeviceType, j.Language,
		j.TotalTimeSeconds, steps, nanos(j.CompletedAt))
	return err
}

func (s *SQLite) InsertAbandonment(ctx context.Context, a model.Abandonment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO booking_abandonments (session_id, abandonment_step, steps_completed, reason, service_category, service_price,
		                                  total_time_seconds, device_type, abandoned_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id) DO NOTHING
	`, a.SessionID, int(a.Step), a.StepsCompleted, a.Reason, a.ServiceCategory, a.ServicePrice, a.TotalTimeSeconds, a.DeviceType, nanos(a.AbandonedAt))
	return err
}

func (s *SQLite) InsertBehaviorEvents(ctx context.Context, events []model.BehaviorEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO behavior_events (id, session_id, visitor_id, type, page, target, occurred_at, device_type, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, ev := range events {
		data, err := marshalJSON(ev.Data)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, ev.ID, ev.SessionID, ev.VisitorID, ev.Type, ev.Page, ev.Target, nanos(ev.Timestamp), ev.DeviceType, data); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLite) InsertUserJourney(ctx context.Context, j model.UserJourney) error {
	pages, err := json.Marshal(j.Pages)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_journeys (session_id, entry_page, exit_page, pages, distinct_pages, interactions, duration_seconds, bounced, converted, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET
			exit_page = excluded.exit_page,
			pages = excluded.pages,
			distinct_pages = excluded.distinct_pages,
			interactions = excluded.interactions,
			duration_seconds = excluded.duration_seconds,
			bounced = excluded.bounced,
			converted = excluded.converted,
			ended_at = excluded.ended_at
	`, j.SessionID, j.EntryPage, j.ExitPage, string(pages), j.DistinctPages, j.Interactions, j.DurationSeconds, j.Bounced, j.Converted, nanos(j.StartedAt), nanos(j.EndedAt))
	return err
}

func (s *SQLite) ListBehaviorEvents(ctx context.Context, from, to time.Time) ([]model.BehaviorEvent, error) {
	return s.queryBehaviorEvents(ctx, `WHERE occurred_at >= ? AND occurred_at < ?`, nanos(from), nanos(to))
}

func (s *SQLite) queryBehaviorEvents(ctx context.Context, where string, args ...any) ([]model.BehaviorEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, visitor_id, type, page, target, occurred_at, device_type, data
		FROM behavior_events `+where+`
		ORDER BY occurred_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.BehaviorEvent
	for rows.Next() {
		var ev model.BehaviorEvent
		var at int64
		var data string
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.VisitorID, &ev.Type, &ev.Page, &ev.Target, &at, &ev.DeviceType, &data); err != nil {
			return nil, err
		}
		ev.Timestamp = fromNanos(at)
		if ev.Data, err = unmarshalData([]byte(data)); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLite) ListUserJourneys(ctx context.Context, from, to time.Time) ([]model.UserJourney, error) {
	return s.queryUserJourneys(ctx, `WHERE started_at >= ? AND started_at < ?`, nanos(from), nanos(to))
}

func (s *SQLite) queryUserJourneys(ctx context.Context, where string, args ...any) ([]model.UserJourney, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, entry_page, exit_page, pages, distinct_pages, interactions, duration_seconds, bounced, converted, started_at, ended_at
		FROM user_journeys `+where+`
		ORDER BY started_at, session_id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.UserJourney
	for rows.Next() {
		var j model.UserJourney
		var pages string
		var started, ended int64
		if err := rows.Scan(&j.SessionID, &j.EntryPage, &j.ExitPage, &pages, &j.DistinctPages, &j.Interactions, &j.DurationSeconds, &j.Bounced, &j.Converted, &started, &ended); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(pages), &j.Pages); err != nil {
			return nil, err
		}
		j.StartedAt, j.EndedAt = fromNanos(started), fromNanos(ended)
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *SQLite) SaveConsent(ctx context.Context, rec model.ConsentRecord) error {
	types, err := marshalJSON(rec.Types)
	if err != nil {
		return err
	}
	var withdrawn *int64
	if rec.WithdrawnAt != nil {
		n := nanos(*rec.WithdrawnAt)
		withdrawn = &n
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO consent_records (id, version, visitor_id, consent_types, declined, created_at, updated_at, expiry_date, withdrawn_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Version, rec.VisitorID, types, rec.Declined, nanos(rec.CreatedAt), nanos(rec.UpdatedAt), nanos(rec.ExpiryDate), withdrawn)
	return err
}

func (s *SQLite) LatestConsent(ctx context.Context, visitorID string) (model.ConsentRecord, error) {
	var rec model.ConsentRecord
	var types string
	var created, updated, expiry int64
	var withdrawn sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, version, visitor_id, consent_types, declined, created_at, updated_at, expiry_date, withdrawn_at
		FROM consent_records
		WHERE visitor_id = ?
		ORDER BY updated_at DESC, version DESC
		LIMIT 1
	`, visitorID).Scan(&rec.ID, &rec.Version, &rec.VisitorID, &types, &rec.Declined, &created, &updated, &expiry, &withdrawn)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ConsentRecord{}, ErrNotFound
	}
	if err != nil {
		return model.ConsentRecord{}, err
	}
	if err := json.Unmarshal([]byte(types), &rec.Types); err != nil {
		return model.ConsentRecord{}, err
	}
	rec.CreatedAt, rec.UpdatedAt, rec.ExpiryDate = fromNanos(created), fromNanos(updated), fromNanos(expiry)
	if withdrawn.Valid {
		w := fromNanos(withdrawn.Int64)
		rec.WithdrawnAt = &w
	}
	return rec, nil
}

func (s *SQLite) InsertConsentActivity(ctx context.Context, act model.ConsentActivity) error {
	types, err := marshalJSON(act.Types)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO consent_activity_log (consent_id, visitor_id, action, consent_types, at)
		VALUES (?, ?, ?, ?, ?)
	`, act.ConsentID, act.VisitorID, act.Action, types, nanos(act.At))
	return err
}

func (s *SQLite) CreateDataRequest(ctx context.Context, r model.DataRequest) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_data_requests (id, kind, subject_id, status, rows_affected, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.ID, string(r.Kind), r.SubjectID, string(r.Status), r.RowsAffected, r.Reason, nanos(r.CreatedAt))
	return err
}

func (s *SQLite) UpdateDataRequest(ctx context.Context, r model.DataRequest) error {
	var export *string
	if r.Export != nil {
		raw, err := json.Marshal(r.Export)
		if err != nil {
			return err
		}
		str := string(raw)
		export = &str
	}
	var completed *int64
	if r.CompletedAt != nil {
		n := nanos(*r.CompletedAt)
		completed = &n
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE user_data_requests
		SET status = ?, rows_affected = ?, reason = ?, export = ?, completed_at = ?
		WHERE id = ?
	`, string(r.Status), r.RowsAffected, r.Reason, export, completed, r.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) GetDataRequest(ctx context.Context, id string) (model.DataRequest, error) {
	var r model.DataRequest
	var kind, status string
	var export sql.NullString
	var created int64
	var completed sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, kind, subject_id, status, rows_affected, reason, export, created_at, completed_at
		FROM user_data_requests
		WHERE id = ?
	`, id).Scan(&r.ID, &kind, &r.SubjectID, &status, &r.RowsAffected, &r.Reason, &export, &created, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DataRequest{}, ErrNotFound
	}
	if err != nil {
		return model.DataRequest{}, err
	}
	r.Kind, r.Status = model.DataRequestKind(kind), model.DataRequestStatus(status)
	r.CreatedAt = fromNanos(created)
	if completed.Valid {
		c := fromNanos(completed.Int64)
		r.CompletedAt = &c
	}
	if export.Valid {
		var e model.SubjectExport
		if err := json.Unmarshal([]byte(export.String), &e); err != nil {
			return model.DataRequest{}, err
		}
		r.Export = &e
	}
	return r, nil
}

func (s *SQLite) ExportSession(ctx context.Context, sessionID string) (model.SubjectExport, error) {
	var out model.SubjectExport
	var err error
	if out.StepEvents, err = s.ListStepEvents(ctx, model.EventFilter{SessionID: sessionID}); err != nil {
		return out, err
	}
	if out.Journeys, err = s.journeysBySession(ctx, sessionID); err != nil {
		return out, err
	}
	if out.Abandonments, err = s.abandonmentsBySession(ctx, sessionID); err != nil {
		return out, err
	}
	if out.BehaviorEvents, err = s.queryBehaviorEvents(ctx, `WHERE session_id = ?`, sessionID); err != nil {
		return out, err
	}
	if out.UserJourneys, err = s.queryUserJourneys(ctx, `WHERE session_id = ?`, sessionID); err != nil {
		return out, err
	}
	return out, nil
}

var sessionTables = []string{"booking_step_events", "booking_journeys", "booking_abandonments", "behavior_events", "user_journeys"}

func (s *SQLite) EraseSession(ctx context.Context, sessionID string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()
	var total int64
	for _, table := range sessionTables {
		res, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE session_id = ?`, sessionID)
		if err != nil {
			return 0, fmt.Errorf("erase %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return total, nil
}

func (s *SQLite) journeysBySession(ctx context.Context, sessionID string) ([]model.BookingJourney, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, booking_id, service_id, service_name, service_category, service_price, currency, time_slot,
		       has_customer_name, has_customer_email, has_customer_phone, customer_ref, device_type, language,
		       total_time_seconds, step_timestamps, completed_at
		FROM booking_journeys
		WHERE session_id = ?
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.BookingJourney
	for rows.Next() {
		var j model.BookingJourney
		var steps string
		var completed int64
		if err := rows.Scan(&j.SessionID, &j.BookingID, &j.ServiceID, &j.ServiceName, &j.ServiceCategory, &j.ServicePrice, &j.Currency, &j.TimeSlot,
			&j.HasCustomerName, &j.HasCustomerEmail, &j.HasCustomerPhone, &j.CustomerRef, &j.DeviceType, &j.Language,
			&j.TotalTimeSeconds, &steps, &completed); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(steps), &j.StepTimestamps); err != nil {
			return nil, err
		}
		j.CompletedAt = fromNanos(completed)
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *SQLite) abandonmentsBySession(ctx context.Context, sessionID string) ([]model.Abandonment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, abandonment_step, steps_completed, reason, service_category, service_price, total_time_seconds, device_type, abandoned_at
		FROM booking_abandonments
		WHERE session_id = ?
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Abandonment
	for rows.Next() {
		var a model.Abandonment
		var step int
		var at int64
		if err := rows.Scan(&a.SessionID, &step, &a.StepsCompleted, &a.Reason, &a.ServiceCategory, &a.ServicePrice, &a.TotalTimeSeconds, &a.DeviceType, &at); err != nil {
			return nil, err
		}
		a.Step = model.Step(step)
		a.AbandonedAt = fromNanos(at)
		out = append(out, a)
	}
	return out, rows.Err()
}
