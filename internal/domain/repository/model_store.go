package repository

import (
	"bishop_service/internal/domain/model"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
)

// PostgresModelStore keeps every saved artifact in one row each; the newest
// row is the current model.
type PostgresModelStore struct {
	db *sqlx.DB
}

func NewPostgresModelStore(db *sqlx.DB) *PostgresModelStore {
	return &PostgresModelStore{db: db}
}

type artifactRow struct {
	SequenceLength int       `db:"sequence_length"`
	Weights        []byte    `db:"weights"`
	FeatureScaler  []byte    `db:"feature_scaler"`
	TargetScaler   []byte    `db:"target_scaler"`
	Metrics        []byte    `db:"metrics"`
	TrainedAt      time.Time `db:"trained_at"`
}

func (s *PostgresModelStore) SaveModel(ctx context.Context, artifact model.ModelArtifact) error {
	const query = `
		INSERT INTO model_artifacts (
			sequence_length, weights, feature_scaler, target_scaler, metrics, trained_at
		) VALUES (
			$1, $2, $3, $4, $5, $6
		)`

	featureJSON, err := json.Marshal(artifact.FeatureScaler)
	if err != nil {
		return fmt.Errorf("failed to marshal feature scaler: %w", err)
	}
	targetJSON, err := json.Marshal(artifact.TargetScaler)
	if err != nil {
		return fmt.Errorf("failed to marshal target scaler: %w", err)
	}
	metricsJSON, err := json.Marshal(artifact.Metrics)
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}

	// a single INSERT writes weights and both scalers together
	_, err = s.db.ExecContext(ctx, query,
		artifact.SequenceLength,
		artifact.Weights,
		featureJSON,
		targetJSON,
		metricsJSON,
		artifact.TrainedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save model: %w", err)
	}
	return nil
}

func (s *PostgresModelStore) LatestModel(ctx context.Context) (model.ModelArtifact, error) {
	const query = `
		SELECT sequence_length, weights, feature_scaler, target_scaler, metrics, trained_at
		FROM model_artifacts
		ORDER BY id DESC
		LIMIT 1`

	var row artifactRow
	if err := s.db.GetContext(ctx, &row, query); err != nil {
		if isNoRows(err) {
			return model.ModelArtifact{}, ErrNotFound
		}
		return model.ModelArtifact{}, fmt.Errorf("failed to load model: %w", err)
	}

	var artifact = model.ModelArtifact{
		SequenceLength: row.SequenceLength,
		Weights:        row.Weights,
		TrainedAt:      row.TrainedAt,
	}
	if err := json.Unmarshal(row.FeatureScaler, &artifact.FeatureScaler); err != nil {
		return model.ModelArtifact{}, fmt.Errorf("failed to decode feature scaler: %w", err)
	}
	if err := json.Unmarshal(row.TargetScaler, &artifact.TargetScaler); err != nil {
		return model.ModelArtifact{}, fmt.Errorf("failed to decode target scaler: %w", err)
	}
	if err := json.Unmarshal(row.Metrics, &artifact.Metrics); err != nil {
		return model.ModelArtifact{}, fmt.Errorf("failed to decode metrics: %w", err)
	}
	return artifact, nil
}

// FileModelStore keeps the current artifact as one JSON file. Saves go
// through a temporary file and a rename so readers never see a partial model.
type FileModelStore struct {
	path string
	mu   sync.Mutex
}

func NewFileModelStore(path string) *FileModelStore {
	return &FileModelStore{path: path}
}

func (s *FileModelStore) SaveModel(ctx context.Context, artifact model.ModelArtifact) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(artifact)
	if err != nil {
		return fmt.Errorf("failed to marshal model: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var dir = filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create model directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write model: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync model: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close model file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace model file: %w", err)
	}
	return nil
}

func (s *FileModelStore) LatestModel(ctx context.Context) (model.ModelArtifact, error) {
	if err := ctx.Err(); err != nil {
		return model.ModelArtifact{}, err
	}
	s.mu.Lock()
	data, err := os.ReadFile(s.path)
	s.mu.Unlock()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return model.ModelArtifact{}, ErrNotFound
		}
		return model.ModelArtifact{}, fmt.Errorf("failed to read model: %w", err)
	}

	var artifact model.ModelArtifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return model.ModelArtifact{}, fmt.Errorf("failed to decode model: %w", err)
	}
	return artifact, nil
}
