package repository

import (
	"bishop_service/internal/domain/model"
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
)

type TrainingDataRecorder interface {
	SaveTrainingRun(ctx context.Context, result model.TrainingResult) error
}

type PostgresTrainingRecorder struct {
	db *sqlx.DB
}

func NewPostgresTrainingRecorder(db *sqlx.DB) *PostgresTrainingRecorder {
	return &PostgresTrainingRecorder{db: db}
}

func (r *PostgresTrainingRecorder) SaveTrainingRun(ctx context.Context, result model.TrainingResult) error {
	const query = `
		INSERT INTO training_runs (
			run_id, started_at, finished_at,
			samples, windows, train_windows, test_windows, padded_rows,
			split_mode, best_epoch, epochs, stopped_early,
			metrics, history
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
		)`

	metricsJSON, err := json.Marshal(result.HeldOut)
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}
	historyJSON, err := json.Marshal(result.History)
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}

	_, err = r.db.ExecContext(ctx, query,
		result.RunID, result.StartedAt, result.FinishedAt,
		result.Samples, result.Windows, result.TrainWindows, result.TestWindows, result.PaddedRows,
		result.SplitMode, result.History.BestEpoch, len(result.History.Epochs), result.History.StoppedEarly,
		metricsJSON, historyJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to record training run: %w", err)
	}
	return nil
}
