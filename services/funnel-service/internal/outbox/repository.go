package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	otelx "github.com/md-rashed-zaman/funnelscope/libs/otel"
)

// DBTX is the part of pgx.Tx the repository needs. Every method runs inside the caller's
// transaction so outbox rows commit or roll back with the data they announce.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Repository reads and writes outbox_events. It holds no state.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// Record is an outbox row as the publisher sees it.
type Record struct {
	ID            int64
	EventID       string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	Traceparent   string
	Tracestate    string
	CreatedAt     time.Time
}

const (
	insertSQL = `INSERT INTO outbox_events
		(event_id, aggregate_type, aggregate_id, event_type, payload, traceparent, tracestate)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	// SKIP LOCKED lets several replicas drain the table without double-sending.
	fetchSQL = `SELECT id, event_id::text, aggregate_type, aggregate_id, event_type, payload,
		traceparent, tracestate, created_at
		FROM outbox_events
		WHERE published_at IS NULL
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED`

	markSQL = `UPDATE outbox_events SET published_at = now() WHERE id = ANY($1)`
)

// Insert stores evt with a fresh event id and the trace context of ctx, so the Kafka message
// continues the span that produced it.
func (r *Repository) Insert(ctx context.Context, tx DBTX, evt Event) error {
	traceparent, tracestate := otelx.TraceContextStrings(ctx)
	_, err := tx.Exec(ctx, insertSQL,
		uuid.NewString(), evt.AggregateType, evt.AggregateID, evt.EventType, string(evt.Payload),
		traceparent, tracestate)
	return err
}

func (r *Repository) FetchUnpublished(ctx context.Context, tx DBTX, limit int) ([]Record, error) {
	rows, err := tx.Query(ctx, fetchSQL, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		err := rows.Scan(&rec.ID, &rec.EventID, &rec.AggregateType, &rec.AggregateID, &rec.EventType,
			&rec.Payload, &rec.Traceparent, &rec.Tracestate, &rec.CreatedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *Repository) MarkPublished(ctx context.Context, tx DBTX, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := tx.Exec(ctx, markSQL, ids)
	return err
}

// DeleteByAggregate removes every outbox row of one aggregate, published or not. Used when a
// session is erased.
func (r *Repository) DeleteByAggregate(ctx context.Context, tx DBTX, aggregateID string) (int64, error) {
	tag, err := tx.Exec(ctx, `DELETE FROM outbox_events WHERE aggregate_id = $1`, aggregateID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
