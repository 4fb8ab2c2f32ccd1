package repository

import (
	"bishop_service/internal/domain/model"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

const schema = `
	CREATE TABLE IF NOT EXISTS location_samples (
		id          UUID PRIMARY KEY,
		recorded_at TIMESTAMPTZ NOT NULL,
		latitude    DOUBLE PRECISION NOT NULL,
		longitude   DOUBLE PRECISION NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS location_samples_recorded_at_idx
		ON location_samples (recorded_at DESC);

	CREATE TABLE IF NOT EXISTS model_artifacts (
		id              BIGSERIAL PRIMARY KEY,
		sequence_length INTEGER NOT NULL,
		weights         BYTEA NOT NULL,
		feature_scaler  JSONB NOT NULL,
		target_scaler   JSONB NOT NULL,
		metrics         JSONB NOT NULL,
		trained_at      TIMESTAMPTZ NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS training_runs (
		run_id        UUID PRIMARY KEY,
		started_at    TIMESTAMPTZ NOT NULL,
		finished_at   TIMESTAMPTZ NOT NULL,
		samples       INTEGER NOT NULL,
		windows       INTEGER NOT NULL,
		train_windows INTEGER NOT NULL,
		test_windows  INTEGER NOT NULL,
		padded_rows   INTEGER NOT NULL,
		split_mode    TEXT NOT NULL,
		best_epoch    INTEGER NOT NULL,
		epochs        INTEGER NOT NULL,
		stopped_early BOOLEAN NOT NULL,
		metrics       JSONB NOT NULL,
		history       JSONB NOT NULL,
		recorded_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);`

type PostgresRepository struct {
	db *sqlx.DB
}

func NewPostgresRepository(ctx context.Context, connStr string) (*PostgresRepository, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return &PostgresRepository{db: db}, nil
}

func NewPostgresRepositoryFromDB(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) DB() *sqlx.DB {
	return r.db
}

func (r *PostgresRepository) Close() error {
	return r.db.Close()
}

// EnsureSchema creates the tables used by the service if they are missing.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (r *PostgresRepository) InsertSample(ctx context.Context, sample model.LocationSample) error {
	const query = `
		INSERT INTO location_samples (id, recorded_at, latitude, longitude)
		VALUES (:id, :recorded_at, :latitude, :longitude)`

	if _, err := r.db.NamedExecContext(ctx, query, sample); err != nil {
		return fmt.Errorf("failed to insert sample: %w", err)
	}
	return nil
}

func (r *PostgresRepository) FetchRecent(ctx context.Context, limit int) ([]model.LocationSample, error) {
	const query = `
		SELECT id, recorded_at, latitude, longitude
		FROM location_samples
		ORDER BY recorded_at DESC
		LIMIT $1`

	var samples []model.LocationSample
	if err := r.db.SelectContext(ctx, &samples, query, limit); err != nil {
		return nil, fmt.Errorf("failed to query recent samples: %w", err)
	}
	return samples, nil
}

func (r *PostgresRepository) LastUpdate(ctx context.Context, since time.Time) (time.Time, error) {
	const query = `
		SELECT MAX(recorded_at)
		FROM location_samples
		WHERE recorded_at >= $1`

	var last sql.NullTime
	if err := r.db.GetContext(ctx, &last, query, since); err != nil {
		return time.Time{}, fmt.Errorf("failed to query last update: %w", err)
	}
	if !last.Valid {
		return time.Time{}, ErrNotFound
	}
	return last.Time, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
