package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/model"
)

// ClickHouseConfig selects the native-protocol endpoint for behavioral data.
type ClickHouseConfig struct {
	Addr        []string
	Database    string
	Username    string
	Password    string
	DialTimeout time.Duration
}

var clickhouseSchema = []string{
	`CREATE TABLE IF NOT EXISTS behavior_events (
		id          String,
		session_id  String,
		visitor_id  String,
		type        LowCardinality(String),
		page        String,
		target      String,
		occurred_at DateTime64(9, 'UTC'),
		device_type LowCardinality(String),
		data        String
	) ENGINE = ReplacingMergeTree
	ORDER BY (session_id, occurred_at, id)`,
	`CREATE TABLE IF NOT EXISTS user_journeys (
		session_id       String,
		entry_page       String,
		exit_page        String,
		pages            Array(String),
		distinct_pages   UInt32,
		interactions     UInt32,
		duration_seconds Float64,
		bounced          Bool,
		converted        Bool,
		started_at       DateTime64(9, 'UTC'),
		ended_at         DateTime64(9, 'UTC')
	) ENGINE = ReplacingMergeTree(ended_at)
	ORDER BY session_id`,
}

// ClickHouseBehavior stores the high-volume behavioral stream. Journeys are deduplicated by
// ReplacingMergeTree and read with FINAL.
type ClickHouseBehavior struct {
	conn clickhouse.Conn
}

func OpenClickHouse(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseBehavior, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: cfg.Addr,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		ClientInfo: clickhouse.ClientInfo{
			Products: []struct {
				Name    string
				Version string
			}{{Name: "funnel-service", Version: "1.0.0"}},
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}
	for _, ddl := range clickhouseSchema {
		if err := conn.Exec(ctx, ddl); err != nil {
			conn.Close()
			return nil, fmt.Errorf("apply clickhouse schema: %w", err)
		}
	}
	return &ClickHouseBehavior{conn: conn}, nil
}

func (c *ClickHouseBehavior) Ping(ctx context.Context) error { return c.conn.Ping(ctx) }

func (c *ClickHouseBehavior) Close() error { return c.conn.Close() }

func (c *ClickHouseBehavior) InsertBehaviorEvents(ctx context.Context, events []model.BehaviorEvent) error {
	if len(events) == 0 {
		return nil
	}
	batch, err := c.conn.PrepareBatch(ctx, `
		INSERT INTO behavior_events (id, session_id, visitor_id, type, page, target, occurred_at, device_type, data)
	`)
	if err != nil {
		return fmt.Errorf("prepare behavior batch: %w", err)
	}
	for _, ev := range events {
		data, err := marshalJSON(ev.Data)
		if err != nil {
			return err
		}
		if err := batch.Append(ev.ID, ev.SessionID, ev.VisitorID, ev.Type, ev.Page, ev.Target, ev.Timestamp.UTC(), ev.DeviceType, data); err != nil {
			return fmt.Errorf("append behavior event %s: %w", ev.ID, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send behavior batch: %w", err)
	}
	return nil
}

func (c *ClickHouseBehavior) InsertUserJourney(ctx context.Context, j model.UserJourney) error {
	pages := j.Pages
	if pages == nil {
		pages = []string{}
	}
	return c.conn.Exec(ctx, `
		INSERT INTO user_journeys (session_id, entry_page, exit_page, pages, distinct_pages, interactions, duration_seconds, bounced, converted, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, j.SessionID, j.EntryPage, j.ExitPage, pages, uint32(j.DistinctPages), uint32(j.Interactions), j.DurationSeconds, j.Bounced, j.Converted, j.StartedAt.UTC(), j.EndedAt.UTC())
}

func (c *ClickHouseBehavior) ListBehaviorEvents(ctx context.Context, from, to time.Time) ([]model.BehaviorEvent, error) {
	return c.queryBehaviorEvents(ctx, `WHERE occurred_at >= ? AND occurred_at < ?`, from.UTC(), to.UTC())
}

func (c *ClickHouseBehavior) queryBehaviorEvents(ctx context.Context, where string, args ...any) ([]model.BehaviorEvent, error) {
	rows, err := c.conn.Query(ctx, `
		SELECT id, session_id, visitor_id, type, page, target, occurred_at, device_type, data
		FROM behavior_events FINAL `+where+`
		ORDER BY occurred_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("query behavior events: %w", err)
	}
	defer rows.Close()
	var out []model.BehaviorEvent
	for rows.Next() {
		var ev model.BehaviorEvent
		var data string
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.VisitorID, &ev.Type, &ev.Page, &ev.Target, &ev.Timestamp, &ev.DeviceType, &data); err != nil {
			return nil, err
		}
		if ev.Data, err = unmarshalData([]byte(data)); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (c *ClickHouseBehavior) ListUserJourneys(ctx context.Context, from, to time.Time) ([]model.UserJourney, error) {
	return c.queryUserJourneys(ctx, `WHERE started_at >= ? AND started_at < ?`, from.UTC(), to.UTC())
}

func (c *ClickHouseBehavior) queryUserJourneys(ctx context.Context, where string, args ...any) ([]model.UserJourney, error) {
	rows, err := c.conn.Query(ctx, `
		SELECT session_id, entry_page, exit_page, pages, distinct_pages, interactions, duration_seconds, bounced, converted, started_at, ended_at
		FROM user_journeys FINAL `+where+`
		ORDER BY started_at, session_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("query user journeys: %w", err)
	}
	defer rows.Close()
	var out []model.UserJourney
	for rows.Next() {
		var j model.UserJourney
		var distinct, interactions uint32
		if err := rows.Scan(&j.SessionID, &j.EntryPage, &j.ExitPage, &j.Pages, &distinct, &interactions, &j.DurationSeconds, &j.Bounced, &j.Converted, &j.StartedAt, &j.EndedAt); err != nil {
			return nil, err
		}
		j.DistinctPages, j.Interactions = int(distinct), int(interactions)
		out = append(out, j)
	}
	return out, rows.Err()
}

func (c *ClickHouseBehavior) ExportSession(ctx context.Context, sessionID string) (model.SubjectExport, error) {
	var out model.SubjectExport
	var err error
	if out.BehaviorEvents, err = c.queryBehaviorEvents(ctx, `WHERE session_id = ?`, sessionID); err != nil {
		return out, err
	}
	if out.UserJourneys, err = c.queryUserJourneys(ctx, `WHERE session_id = ?`, sessionID); err != nil {
		return out, err
	}
	return out, nil
}

// EraseSession counts the rows first because lightweight deletes report no affected rows.
func (c *ClickHouseBehavior) EraseSession(ctx context.Context, sessionID string) (int64, error) {
	var total int64
	for _, table := range []string{"behavior_events", "user_journeys"} {
		var n uint64
		if err := c.conn.QueryRow(ctx, `SELECT count() FROM `+table+` FINAL WHERE session_id = ?`, sessionID).Scan(&n); err != nil {
			return total, fmt.Errorf("count %s: %w", table, err)
		}
		if n == 0 {
			continue
		}
		if err := c.conn.Exec(ctx, `DELETE FROM `+table+` WHERE session_id = ?`, sessionID); err != nil {
			return total, fmt.Errorf("erase %s: %w", table, err)
		}
		total += int64(n)
	}
	return total, nil
}
