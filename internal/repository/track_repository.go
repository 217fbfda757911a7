package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"skyguard-telemetry/internal/models"
	"skyguard-telemetry/internal/sink"
)

const createTrackEventsTable = `
	CREATE TABLE IF NOT EXISTS drone_track_events (
		id          BIGSERIAL PRIMARY KEY,
		entity_id   TEXT             NOT NULL,
		channel     TEXT             NOT NULL,
		source_id   TEXT,
		event       TEXT,
		latitude    DOUBLE PRECISION NOT NULL,
		longitude   DOUBLE PRECISION NOT NULL,
		altitude    DOUBLE PRECISION NOT NULL DEFAULT 0,
		image_refs  TEXT[],
		observed_at TIMESTAMPTZ      NOT NULL,
		received_at TIMESTAMPTZ      NOT NULL DEFAULT now()
	)`

const insertTrackEvent = `
	INSERT INTO drone_track_events (
		entity_id, channel, source_id, event,
		latitude, longitude, altitude, image_refs,
		observed_at, received_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

// TrackRepository archives applied track events in Postgres.
type TrackRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewTrackRepository creates the repository.
func NewTrackRepository(db *sql.DB, logger *zap.Logger) *TrackRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TrackRepository{db: db, logger: logger}
}

var _ sink.Sink = (*TrackRepository)(nil)

func (r *TrackRepository) Name() string { return "postgres" }

// EnsureSchema creates the archive table when missing.
func (r *TrackRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createTrackEventsTable); err != nil {
		return fmt.Errorf("failed to create drone_track_events: %w", err)
	}
	return nil
}

// Write inserts the events of records in one transaction.
func (r *TrackRepository) Write(ctx context.Context, records []sink.Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertTrackEvent)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		ev := rec.Event
		receivedAt := rec.State.LastSeen
		if receivedAt.IsZero() {
			receivedAt = ev.Timestamp
		}
		if _, err := stmt.ExecContext(ctx,
			ev.EntityID,
			string(ev.Channel),
			nullString(ev.SourceID),
			nullString(ev.Event),
			ev.Latitude,
			ev.Longitude,
			ev.Altitude,
			pq.Array(ev.ImageRefs),
			ev.Timestamp,
			receivedAt,
		); err != nil {
			return fmt.Errorf("failed to insert track event %s: %w", ev.EntityID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit track events: %w", err)
	}
	r.logger.Debug("Archived track events", zap.Int("count", len(records)))
	return nil
}

// Evict is a no-op: the archive keeps history after an entity goes stale.
func (r *TrackRepository) Evict(context.Context, models.Channel, []string) error {
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
