package storage

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/funnelscope/libs/db"
	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/model"
	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/outbox"
)

//go:embed schema_postgres.sql
var postgresSchema string

// Postgres is the production store. Journey and abandonment rows are announced through the
// transactional outbox.
type Postgres struct {
	pool   *db.Pool
	outbox *outbox.Repository
}

func NewPostgres(pool *db.Pool, ob *outbox.Repository) *Postgres {
	if ob == nil {
		ob = outbox.NewRepository()
	}
	return &Postgres{pool: pool, outbox: ob}
}

// EnsureSchema creates missing tables and indexes.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, postgresSchema)
	return err
}

func (p *Postgres) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) InsertStepEvent(ctx context.Context, ev model.TelemetryEvent) error {
	data, err := marshalJSON(ev.AdditionalData)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO booking_step_events (id, session_id, step, occurred_at, success, error_code, time_spent_seconds, device_type, additional_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`, ev.ID, ev.SessionID, int16(ev.Step), ev.Timestamp.UTC(), ev.Success, ev.ErrorCode, ev.TimeSpentSeconds, ev.DeviceType, data)
	return err
}

func (p *Postgres) ListStepEvents(ctx context.Context, f model.EventFilter) ([]model.TelemetryEvent, error) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if !f.From.IsZero() {
		add("occurred_at >= $%d", f.From.UTC())
	}
	if !f.To.IsZero() {
		add("occurred_at < $%d", f.To.UTC())
	}
	if f.SessionID != "" {
		add("session_id = $%d", f.SessionID)
	}
	if f.DeviceType != "" {
		add("device_type = $%d", f.DeviceType)
	}
	if f.Category != "" {
		add("additional_data->>'service_category' = $%d", f.Category)
	}
	if f.Language != "" {
		add("additional_data->>'language' = $%d", f.Language)
	}
	query := `SELECT id, session_id, step, occurred_at, success, error_code, time_spent_seconds, device_type, additional_data
		FROM booking_step_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY occurred_at, id"

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.TelemetryEvent
	for rows.Next() {
		var ev model.TelemetryEvent
		var step int16
		var data []byte
		if err := rows.Scan(&ev.ID, &ev.SessionID, &step, &ev.Timestamp, &ev.Success, &ev.ErrorCode, &ev.TimeSpentSeconds, &ev.DeviceType, &data); err != nil {
			return nil, err
		}
		ev.Step = model.Step(step)
		if ev.AdditionalData, err = unmarshalData(data); err != nil {
			return nil, fmt.Errorf("step event %s: %w", ev.ID, err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (p *Postgres) InsertJourney(ctx context.Context, j model.BookingJourney) error {
	steps, err := marshalJSON(j.StepTimestamps)
	if err != nil {
		return err
	}
	evt, err := outbox.JourneyCompleted(j)
	if err != nil {
		return err
	}
	return p.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO booking_journeys (session_id, booking_id, service_id, service_name, service_category, service_price, currency, time_slot,
			                              has_customer_name, has_customer_email, has_customer_phone, customer_ref, device_type, language,
			                              total_time_seconds, step_timestamps, completed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
			ON CONFLICT (session_id) DO NOTHING
		`, j.SessionID, j.BookingID, j.ServiceID, j.ServiceName, j.ServiceCategory, j.ServicePrice, j.Currency, j.TimeSlot,
			j.HasCustomerName, j.HasCustomerEmail, j.HasCustomerPhone, j.CustomerRef, j.DeviceType, j.Language,
			j.TotalTimeSeconds, steps, j.CompletedAt.UTC())
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		return p.outbox.Insert(ctx, tx, evt)
	})
}

func (p *Postgres) InsertAbandonment(ctx context.Context, a model.Abandonment) error {
	evt, err := outbox.SessionAbandoned(a)
	if err != nil {
		return err
	}
	return p.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO booking_abandonments (session_id, abandonment_step, steps_completed, reason, service_category, service_price,
			                                  total_time_seconds, device_type, abandoned_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (session_id) DO NOTHING
		`, a.SessionID, int16(a.Step), int16(a.StepsCompleted), a.Reason, a.ServiceCategory, a.ServicePrice, a.TotalTimeSeconds, a.DeviceType, a.AbandonedAt.UTC())
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		return p.outbox.Insert(ctx, tx, evt)
	})
}

func (p *Postgres) InsertBehaviorEvents(ctx context.Context, events []model.BehaviorEvent) error {
	if len(events) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, ev := range events {
		data, err := marshalJSON(ev.Data)
		if err != nil {
			return err
		}
		batch.Queue(`
			INSERT INTO behavior_events (id, session_id, visitor_id, type, page, target, occurred_at, device_type, data)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO NOTHING
		`, ev.ID, ev.SessionID, ev.VisitorID, ev.Type, ev.Page, ev.Target, ev.Timestamp.UTC(), ev.DeviceType, data)
	}
	return p.pool.SendBatch(ctx, batch).Close()
}

func (p *Postgres) InsertUserJourney(ctx context.Context, j model.UserJourney) error {
	pages, err := json.Marshal(j.Pages)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO user_journeys (session_id, entry_page, exit_page, pages, distinct_pages, interactions, duration_seconds, bounced, converted, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (session_id) DO UPDATE SET
			exit_page = EXCLUDED.exit_page,
			pages = EXCLUDED.pages,
			distinct_pages = EXCLUDED.distinct_pages,
			interactions = EXCLUDED.interactions,
			duration_seconds = EXCLUDED.duration_seconds,
			bounced = EXCLUDED.bounced,
			converted = EXCLUDED.converted,
			ended_at = EXCLUDED.ended_at
	`, j.SessionID, j.EntryPage, j.ExitPage, string(pages), j.DistinctPages, j.Interactions, j.DurationSeconds, j.Bounced, j.Converted, j.StartedAt.UTC(), j.EndedAt.UTC())
	return err
}

func (p *Postgres) ListBehaviorEvents(ctx context.Context, from, to time.Time) ([]model.BehaviorEvent, error) {
	return p.queryBehaviorEvents(ctx, `WHERE occurred_at >= $1 AND occurred_at < $2`, from.UTC(), to.UTC())
}

func (p *Postgres) queryBehaviorEvents(ctx context.Context, where string, args ...any) ([]model.BehaviorEvent, error) {
	rows, err := p.pool.Query(ctx, `
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
		var data []byte
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.VisitorID, &ev.Type, &ev.Page, &ev.Target, &ev.Timestamp, &ev.DeviceType, &data); err != nil {
			return nil, err
		}
		if ev.Data, err = unmarshalData(data); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (p *Postgres) ListUserJourneys(ctx context.Context, from, to time.Time) ([]model.UserJourney, error) {
	return p.queryUserJourneys(ctx, `WHERE started_at >= $1 AND started_at < $2`, from.UTC(), to.UTC())
}

func (p *Postgres) queryUserJourneys(ctx context.Context, where string, args ...any) ([]model.UserJourney, error) {
	rows, err := p.pool.Query(ctx, `
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
		var pages []byte
		if err := rows.Scan(&j.SessionID, &j.EntryPage, &j.ExitPage, &pages, &j.DistinctPages, &j.Interactions, &j.DurationSeconds, &j.Bounced, &j.Converted, &j.StartedAt, &j.EndedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(pages, &j.Pages); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (p *Postgres) SaveConsent(ctx context.Context, rec model.ConsentRecord) error {
	types, err := marshalJSON(rec.Types)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO consent_records (id, version, visitor_id, consent_types, declined, created_at, updated_at, expiry_date, withdrawn_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, rec.ID, rec.Version, rec.VisitorID, types, rec.Declined, rec.CreatedAt.UTC(), rec.UpdatedAt.UTC(), rec.ExpiryDate.UTC(), rec.WithdrawnAt)
	return err
}

func (p *Postgres) LatestConsent(ctx context.Context, visitorID string) (model.ConsentRecord, error) {
	var rec model.ConsentRecord
	var types []byte
	err := p.pool.QueryRow(ctx, `
		SELECT id, version, visitor_id, consent_types, declined, created_at, updated_at, expiry_date, withdrawn_at
		FROM consent_records
		WHERE visitor_id = $1
		ORDER BY updated_at DESC, version DESC
		LIMIT 1
	`, visitorID).Scan(&rec.ID, &rec.Version, &rec.VisitorID, &types, &rec.Declined, &rec.CreatedAt, &rec.UpdatedAt, &rec.ExpiryDate, &rec.WithdrawnAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ConsentRecord{}, ErrNotFound
	}
	if err != nil {
		return model.ConsentRecord{}, err
	}
	if err := json.Unmarshal(types, &rec.Types); err != nil {
		return model.ConsentRecord{}, err
	}
	return rec, nil
}

func (p *Postgres) InsertConsentActivity(ctx context.Context, act model.ConsentActivity) error {
	types, err := marshalJSON(act.Types)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO consent_activity_log (consent_id, visitor_id, action, consent_types, at)
		VALUES ($1, $2, $3, $4, $5)
	`, act.ConsentID, act.VisitorID, act.Action, types, act.At.UTC())
	return err
}

func (p *Postgres) CreateDataRequest(ctx context.Context, r model.DataRequest) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO user_data_requests (id, kind, subject_id, status, rows_affected, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, r.ID, string(r.Kind), r.SubjectID, string(r.Status), r.RowsAffected, r.Reason, r.CreatedAt.UTC())
	return err
}

func (p *Postgres) UpdateDataRequest(ctx context.Context, r model.DataRequest) error {
	var export *string
	if r.Export != nil {
		raw, err := json.Marshal(r.Export)
		if err != nil {
			return err
		}
		s := string(raw)
		export = &s
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE user_data_requests
		SET status = $2, rows_affected = $3, reason = $4, export = $5, completed_at = $6
		WHERE id = $1
	`, r.ID, string(r.Status), r.RowsAffected, r.Reason, export, r.CompletedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) GetDataRequest(ctx context.Context, id string) (model.DataRequest, error) {
	var r model.DataRequest
	var kind, status string
	var export []byte
	err := p.pool.QueryRow(ctx, `
		SELECT id, kind, subject_id, status, rows_affected, reason, export, created_at, completed_at
		FROM user_data_requests
		WHERE id = $1
	`, id).Scan(&r.ID, &kind, &r.SubjectID, &status, &r.RowsAffected, &r.Reason, &export, &r.CreatedAt, &r.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.DataRequest{}, ErrNotFound
	}
	if err != nil {
		return model.DataRequest{}, err
	}
	r.Kind, r.Status = model.DataRequestKind(kind), model.DataRequestStatus(status)
	if len(export) > 0 {
		var e model.SubjectExport
		if err := json.Unmarshal(export, &e); err != nil {
			return model.DataRequest{}, err
		}
		r.Export = &e
	}
	return r, nil
}

func (p *Postgres) ExportSession(ctx context.Context, sessionID string) (model.SubjectExport, error) {
	var out model.SubjectExport
	var err error
	if out.StepEvents, err = p.ListStepEvents(ctx, model.EventFilter{SessionID: sessionID}); err != nil {
		return out, err
	}
	if out.Journeys, err = p.journeysBySession(ctx, sessionID); err != nil {
		return out, err
	}
	if out.Abandonments, err = p.abandonmentsBySession(ctx, sessionID); err != nil {
		return out, err
	}
	if out.BehaviorEvents, err = p.queryBehaviorEvents(ctx, `WHERE session_id = $1`, sessionID); err != nil {
		return out, err
	}
	if out.UserJourneys, err = p.queryUserJourneys(ctx, `WHERE session_id = $1`, sessionID); err != nil {
		return out, err
	}
	return out, nil
}

// EraseSession deletes the session from every table, outbox rows included, in one transaction.
func (p *Postgres) EraseSession(ctx context.Context, sessionID string) (int64, error) {
	var total int64
	err := p.inTx(ctx, func(tx pgx.Tx) error {
		for _, table := range sessionTables {
			tag, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE session_id = $1`, sessionID)
			if err != nil {
				return fmt.Errorf("erase %s: %w", table, err)
			}
			total += tag.RowsAffected()
		}
		n, err := p.outbox.DeleteByAggregate(ctx, tx, sessionID)
		if err != nil {
			return fmt.Errorf("erase outbox: %w", err)
		}
		total += n
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

func (p *Postgres) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (p *Postgres) journeysBySession(ctx context.Context, sessionID string) ([]model.BookingJourney, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT session_id, booking_id, service_id, service_name, service_category, service_price, currency, time_slot,
		       has_customer_name, has_customer_email, has_customer_phone, customer_ref, device_type, language,
		       total_time_seconds, step_timestamps, completed_at
		FROM booking_journeys
		WHERE session_id = $1
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.BookingJourney
	for rows.Next() {
		var j model.BookingJourney
		var steps []byte
		if err := rows.Scan(&j.SessionID, &j.BookingID, &j.ServiceID, &j.ServiceName, &j.ServiceCategory, &j.ServicePrice, &j.Currency, &j.TimeSlot,
			&j.HasCustomerName, &j.HasCustomerEmail, &j.HasCustomerPhone, &j.CustomerRef, &j.DeviceType, &j.Language,
			&j.TotalTimeSeconds, &steps, &j.CompletedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(steps, &j.StepTimestamps); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (p *Postgres) abandonmentsBySession(ctx context.Context, sessionID string) ([]model.Abandonment, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT session_id, abandonment_step, steps_completed, reason, service_category, service_price, total_time_seconds, device_type, abandoned_at
		FROM booking_abandonments
		WHERE session_id = $1
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Abandonment
	for rows.Next() {
		var a model.Abandonment
		var step, completed int16
		if err := rows.Scan(&a.SessionID, &step, &completed, &a.Reason, &a.ServiceCategory, &a.ServicePrice, &a.TotalTimeSeconds, &a.DeviceType, &a.AbandonedAt); err != nil {
			return nil, err
		}
		a.Step, a.StepsCompleted = model.Step(step), int(completed)
		out = append(out, a)
	}
	return out, rows.Err()
}
