package model

import (
	"time"

	"github.com/google/uuid"
)

// LocationSample is one recorded position of the tracked entity.
type LocationSample struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Timestamp time.Time `json:"timestamp" db:"recorded_at"`
	Latitude  float64   `json:"latitude" db:"latitude"`
	Longitude float64   `json:"longitude" db:"longitude"`
}

// FeatureRow is a LocationSample enriched with calendar features.
type FeatureRow struct {
	Sample      LocationSample
	MinuteOfDay int
	DayOfWeek   int // Monday=0 .. Sunday=6
	Hour        int
	IsWeekend   bool
}

// ScalerState is the fitted per-column range of a min-max scaler.
type ScalerState struct {
	Min []float64 `json:"min"`
	Max []float64 `json:"max"`
}

// PredictionRequest carries the current position at a point in time.
type PredictionRequest struct {
	Timestamp   string   `json:"timestamp"`
	CurrentLat  *float64 `json:"current_lat"`
	CurrentLong *float64 `json:"current_long"`
}

type Prediction struct {
	Timestamp     time.Time `json:"timestamp"`
	PredictedLat  float64   `json:"predicted_lat"`
	PredictedLong float64   `json:"predicted_long"`
	Places        []Place   `json:"places,omitempty"`
}

// EvaluationMetrics describe a model on held-out windows.
type EvaluationMetrics struct {
	Samples     int     `json:"samples"`
	Loss        float64 `json:"loss"`
	MAEScaled   float64 `json:"mae_scaled"`
	MAEDegrees  float64 `json:"mae_degrees"`
	RMSEDegrees float64 `json:"rmse_degrees"`
	MAEKm       float64 `json:"mae_km"`
	RMSEKm      float64 `json:"rmse_km"`
}

type EpochHistory struct {
	Epoch        int     `json:"epoch"`
	Loss         float64 `json:"loss"`
	MAE          float64 `json:"mae"`
	ValLoss      float64 `json:"val_loss"`
	ValMAE       float64 `json:"val_mae"`
	LearningRate float64 `json:"learning_rate"`
}

type TrainingHistory struct {
	Epochs       []EpochHistory `json:"epochs"`
	Monitor      string         `json:"monitor"`
	BestEpoch    int            `json:"best_epoch"`
	BestLoss     float64        `json:"best_loss"`
	StoppedEarly bool           `json:"stopped_early"`
}

// TrainingResult is what one successful training run reports.
type TrainingResult struct {
	RunID        uuid.UUID         `json:"run_id"`
	HeldOut      EvaluationMetrics `json:"held_out"`
	History      TrainingHistory   `json:"history"`
	Windows      int               `json:"windows"`
	TrainWindows int               `json:"train_windows"`
	TestWindows  int               `json:"test_windows"`
	Samples      int               `json:"samples"`
	PaddedRows   int               `json:"padded_rows"`
	SplitMode    string            `json:"split_mode"`
	StartedAt    time.Time         `json:"started_at"`
	FinishedAt   time.Time         `json:"finished_at"`
}

// ModelArtifact is the persisted form of a trained model. Weights and both
// scalers are always stored and restored together.
type ModelArtifact struct {
	SequenceLength int               `json:"sequence_length"`
	Weights        []byte            `json:"weights"`
	FeatureScaler  ScalerState       `json:"feature_scaler"`
	TargetScaler   ScalerState       `json:"target_scaler"`
	TrainedAt      time.Time         `json:"trained_at"`
	Metrics        EvaluationMetrics `json:"metrics"`
}

type ModelStatus struct {
	Trained        bool               `json:"trained"`
	TrainedAt      *time.Time         `json:"trained_at,omitempty"`
	SequenceLength int                `json:"sequence_length"`
	Metrics        *EvaluationMetrics `json:"metrics,omitempty"`
	Training       bool               `json:"training"`
}
