// Tagstream - RFID Asset Tracking and Event Processing
// Copyright 2026 Ferrum Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ferrum-labs/tagstream

// Package store implements the external persistence collaborators: the
// Postgres-backed object/batch/alert/custody stores and the Badger-backed
// dead-letter store. Pipeline stages depend on small consumer-side
// interfaces; this package satisfies all of them from one Postgres pool.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ferrum-labs/tagstream/internal/alert"
	"github.com/ferrum-labs/tagstream/internal/collision"
	"github.com/ferrum-labs/tagstream/internal/location"
	"github.com/ferrum-labs/tagstream/internal/protocol"
)

// ErrUnknownTag reports a read from a tag with no registered object.
// Non-fatal: the caller logs it and raises a medium alert.
var ErrUnknownTag = errors.New("store: unknown tag")

// BatchRecord is the persisted summary of one event batch.
type BatchRecord struct {
	ID          string
	EventCount  int
	Processed   int
	Failed      int
	Status      string // open, sealed, persisting, committed, failed
	StartedAt   time.Time
	CompletedAt time.Time
	Duration    time.Duration
}

// CustodyEntry is one immutable chain-of-custody record.
type CustodyEntry struct {
	TagID    string
	ItemCode string
	FromZone string
	ToZone   string
	At       time.Time
}

// Correction is a misplaced-item entry for the operations correction queue.
type Correction struct {
	TagID        string
	ExpectedZone string
	ActualZone   string
	Confidence   int
	At           time.Time
}

// Postgres is the relational store. One instance serves the whole
// pipeline; pgxpool handles connection concurrency.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects and ensures the schema exists.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	p := &Postgres{pool: pool}
	if err := p.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

// Close releases the pool.
func (p *Postgres) Close() { p.pool.Close() }

var schema = []string{
	`CREATE TABLE IF NOT EXISTS objects (
		tag_id        TEXT PRIMARY KEY,
		item_code     TEXT,
		current_zone  TEXT,
		confidence    INT,
		expected_zone TEXT,
		last_seen_at  TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS object_zone_authorizations (
		tag_id TEXT NOT NULL,
		zone   TEXT NOT NULL,
		PRIMARY KEY (tag_id, zone)
	)`,
	`CREATE TABLE IF NOT EXISTS event_batches (
		id            TEXT PRIMARY KEY,
		event_count   INT NOT NULL,
		processed     INT NOT NULL DEFAULT 0,
		failed        INT NOT NULL DEFAULT 0,
		status        TEXT NOT NULL,
		started_at    TIMESTAMPTZ NOT NULL,
		completed_at  TIMESTAMPTZ,
		duration_ms   BIGINT
	)`,
	`CREATE TABLE IF NOT EXISTS read_events (
		id        BIGSERIAL PRIMARY KEY,
		batch_id  TEXT NOT NULL REFERENCES event_batches(id),
		tag_id    TEXT NOT NULL,
		item_code TEXT,
		reader_id TEXT NOT NULL,
		antenna   INT,
		rssi      DOUBLE PRECISION,
		phase     DOUBLE PRECISION,
		frequency DOUBLE PRECISION,
		read_at   TIMESTAMPTZ NOT NULL,
		metadata  JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS read_events_tag_idx ON read_events (tag_id, read_at)`,
	`CREATE TABLE IF NOT EXISTS movements (
		id        BIGSERIAL PRIMARY KEY,
		tag_id    TEXT NOT NULL,
		from_zone TEXT,
		to_zone   TEXT NOT NULL,
		direction TEXT NOT NULL,
		speed     DOUBLE PRECISION,
		duration_ms BIGINT,
		moved_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS collision_events (
		id           TEXT PRIMARY KEY,
		reader_id    TEXT NOT NULL,
		antenna      INT,
		tag_ids      JSONB NOT NULL,
		samples      JSONB,
		window_start TIMESTAMPTZ,
		window_end   TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS alerts (
		id              TEXT PRIMARY KEY,
		type            TEXT NOT NULL,
		severity        TEXT NOT NULL,
		title           TEXT,
		message         TEXT,
		source          TEXT,
		source_id       TEXT,
		reader_id       TEXT,
		tag_id          TEXT,
		zone            TEXT,
		actions         JSONB,
		acknowledged    BOOLEAN NOT NULL DEFAULT FALSE,
		acknowledged_by TEXT,
		acknowledged_at TIMESTAMPTZ,
		metadata        JSONB,
		created_at      TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS custody_log (
		id        BIGSERIAL PRIMARY KEY,
		tag_id    TEXT NOT NULL,
		item_code TEXT,
		from_zone TEXT,
		to_zone   TEXT NOT NULL,
		moved_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS correction_queue (
		id            BIGSERIAL PRIMARY KEY,
		tag_id        TEXT NOT NULL,
		expected_zone TEXT NOT NULL,
		actual_zone   TEXT NOT NULL,
		confidence    INT,
		created_at    TIMESTAMPTZ NOT NULL,
		resolved      BOOLEAN NOT NULL DEFAULT FALSE
	)`,
}

func (p *Postgres) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store: apply schema: %w", err)
		}
	}
	return nil
}

// PersistBatch writes the batch record and all of its events in one
// transaction. Either everything commits or nothing does.
func (p *Postgres) PersistBatch(ctx context.Context, rec *BatchRecord, events []*protocol.TagRead) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin batch tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO event_batches (id, event_count, status, started_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status`,
		rec.ID, rec.EventCount, rec.Status, rec.StartedAt)
	if err != nil {
		return fmt.Errorf("store: insert batch: %w", err)
	}

	for _, ev := range events {
		var metadata []byte
		if len(ev.Metadata) > 0 {
			metadata, _ = json.Marshal(ev.Metadata)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO read_events (batch_id, tag_id, item_code, reader_id, antenna, rssi, phase, frequency, read_at, metadata)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			rec.ID, ev.TagID, nullable(ev.ItemCode), ev.ReaderID, ev.Antenna,
			ev.RSSI, ev.Phase, ev.Frequency, ev.Timestamp, metadata)
		if err != nil {
			return fmt.Errorf("store: insert event: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// CompleteBatch finalizes the batch record after fan-out processing.
func (p *Postgres) CompleteBatch(ctx context.Context, id string, processed, failed int, completedAt time.Time, duration time.Duration) error {
	status := "committed"
	if failed > 0 && processed == 0 {
		status = "failed"
	}
	_, err := p.pool.Exec(ctx,
		`UPDATE event_batches SET processed = $2, failed = $3, status = $4, completed_at = $5, duration_ms = $6 WHERE id = $1`,
		id, processed, failed, status, completedAt, duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("store: complete batch %s: %w", id, err)
	}
	return nil
}

// UpdateObjectLocation implements the authoritative location contract:
// set the current zone, stamp last-seen, store confidence. An unknown
// tag yields ErrUnknownTag.
func (p *Postgres) UpdateObjectLocation(ctx context.Context, tagID, zone string, confidence int, ts time.Time) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE objects SET current_zone = $2, confidence = $3, last_seen_at = $4 WHERE tag_id = $1`,
		tagID, zone, confidence, ts)
	if err != nil {
		return fmt.Errorf("store: update object location: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownTag, tagID)
	}
	return nil
}

// GetAuthorizedZones returns the set of zones the tag may enter.
func (p *Postgres) GetAuthorizedZones(ctx context.Context, tagID string) (map[string]bool, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT zone FROM object_zone_authorizations WHERE tag_id = $1`, tagID)
	if err != nil {
		return nil, fmt.Errorf("store: authorized zones: %w", err)
	}
	defer rows.Close()

	zones := make(map[string]bool)
	for rows.Next() {
		var zone string
		if err := rows.Scan(&zone); err != nil {
			return nil, err
		}
		zones[zone] = true
	}
	return zones, rows.Err()
}

// GetExpectedZone returns the tag's expected zone, or ok=false when the
// object has none configured.
func (p *Postgres) GetExpectedZone(ctx context.Context, tagID string) (string, bool, error) {
	var zone *string
	err := p.pool.QueryRow(ctx,
		`SELECT expected_zone FROM objects WHERE tag_id = $1`, tagID).Scan(&zone)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, fmt.Errorf("%w: %s", ErrUnknownTag, tagID)
	}
	if err != nil {
		return "", false, fmt.Errorf("store: expected zone: %w", err)
	}
	if zone == nil || *zone == "" {
		return "", false, nil
	}
	return *zone, true, nil
}

// SaveMovement appends a movement record.
func (p *Postgres) SaveMovement(ctx context.Context, mv *location.Movement) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO movements (tag_id, from_zone, to_zone, direction, speed, duration_ms, moved_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		mv.TagID, nullable(mv.FromZone), mv.ToZone, string(mv.Direction), mv.Speed,
		mv.Duration.Milliseconds(), mv.At)
	if err != nil {
		return fmt.Errorf("store: save movement: %w", err)
	}
	return nil
}

// SaveCollision records a collision event.
func (p *Postgres) SaveCollision(ctx context.Context, ev *collision.Event) error {
	tagIDs, _ := json.Marshal(ev.TagIDs)
	samples, _ := json.Marshal(ev.Samples)
	_, err := p.pool.Exec(ctx,
		`INSERT INTO collision_events (id, reader_id, antenna, tag_ids, samples, window_start, window_end)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.ID, ev.ReaderID, ev.Antenna, tagIDs, samples, ev.WindowStart, ev.WindowEnd)
	if err != nil {
		return fmt.Errorf("store: save collision: %w", err)
	}
	return nil
}

// SaveAlert persists an alert record.
func (p *Postgres) SaveAlert(ctx context.Context, a *alert.Alert) error {
	actions, _ := json.Marshal(a.Actions)
	_, err := p.pool.Exec(ctx,
		`INSERT INTO alerts (id, type, severity, title, message, source, source_id, reader_id, tag_id, zone, actions, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		a.ID, string(a.Type), string(a.Severity), a.Title, a.Message, string(a.Source),
		a.SourceID, nullable(a.ReaderID), nullable(a.TagID), nullable(a.Zone),
		actions, []byte(a.Metadata), a.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: save alert: %w", err)
	}
	return nil
}

// AcknowledgeAlert marks an alert acknowledged.
func (p *Postgres) AcknowledgeAlert(ctx context.Context, id, by string) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE alerts SET acknowledged = TRUE, acknowledged_by = $2, acknowledged_at = NOW() WHERE id = $1`,
		id, by)
	if err != nil {
		return fmt.Errorf("store: acknowledge alert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: alert %s not found", id)
	}
	return nil
}

// AppendCustody writes one immutable custody entry.
func (p *Postgres) AppendCustody(ctx context.Context, e *CustodyEntry) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO custody_log (tag_id, item_code, from_zone, to_zone, moved_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		e.TagID, nullable(e.ItemCode), nullable(e.FromZone), e.ToZone, e.At)
	if err != nil {
		return fmt.Errorf("store: append custody: %w", err)
	}
	return nil
}

// EnqueueCorrection adds a misplaced-item entry to the correction queue.
func (p *Postgres) EnqueueCorrection(ctx context.Context, c *Correction) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO correction_queue (tag_id, expected_zone, actual_zone, confidence, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		c.TagID, c.ExpectedZone, c.ActualZone, c.Confidence, c.At)
	if err != nil {
		return fmt.Errorf("store: enqueue correction: %w", err)
	}
	return nil
}

// nullable maps "" to SQL NULL for optional text columns.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
