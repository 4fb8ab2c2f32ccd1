package core

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"bishop_service/internal/domain/model"
	"bishop_service/internal/forecast"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type ForecasterConfig struct {
	SequenceLength int
	TestSplit      float64
	SplitMode      SplitMode
	PadPolicy      PadPolicy
	Seed           int64
	Location       *time.Location
	Topology       forecast.Topology
	Train          forecast.TrainConfig
}

func DefaultForecasterConfig() ForecasterConfig {
	return ForecasterConfig{
		SequenceLength: 144,
		TestSplit:      0.2,
		SplitMode:      SplitChronological,
		PadPolicy:      PadReplicate,
		Seed:           42,
		Location:       time.UTC,
		Topology:       forecast.DefaultTopology(),
		Train:          forecast.DefaultTrainConfig(),
	}
}

// TrainedModel is an immutable network plus the scalers it was trained
// with. It is only ever replaced as a whole.
type TrainedModel struct {
	network        *forecast.Network
	featureScaler  *MinMaxScaler
	targetScaler   *MinMaxScaler
	sequenceLength int
	trainedAt      time.Time
	metrics        model.EvaluationMetrics
}

func (m *TrainedModel) SequenceLength() int              { return m.sequenceLength }
func (m *TrainedModel) TrainedAt() time.Time             { return m.trainedAt }
func (m *TrainedModel) Metrics() model.EvaluationMetrics { return m.metrics }

// Artifact serializes the model for persistence.
func (m *TrainedModel) Artifact() (model.ModelArtifact, error) {
	weights, err := m.network.MarshalBinary()
	if err != nil {
		return model.ModelArtifact{}, fmt.Errorf("failed to encode network: %w", err)
	}
	return model.ModelArtifact{
		SequenceLength: m.sequenceLength,
		Weights:        weights,
		FeatureScaler:  m.featureScaler.State(),
		TargetScaler:   m.targetScaler.State(),
		TrainedAt:      m.trainedAt,
		Metrics:        m.metrics,
	}, nil
}

// NewTrainedModelFromArtifact rebuilds a model. Either every part decodes
// and matches or an error is returned.
func NewTrainedModelFromArtifact(a model.ModelArtifact) (*TrainedModel, error) {
	if a.SequenceLength <= 0 {
		return nil, fmt.Errorf("invalid sequence length %d", a.SequenceLength)
	}
	network, err := forecast.UnmarshalNetwork(a.Weights)
	if err != nil {
		return nil, fmt.Errorf("failed to decode network: %w", err)
	}
	featureScaler, err := NewMinMaxScalerFromState(a.FeatureScaler)
	if err != nil {
		return nil, fmt.Errorf("feature scaler: %w", err)
	}
	targetScaler, err := NewMinMaxScalerFromState(a.TargetScaler)
	if err != nil {
		return nil, fmt.Errorf("target scaler: %w", err)
	}
	if featureScaler.Columns() != network.Topology.Inputs {
		return nil, fmt.Errorf("feature scaler has %d columns, network expects %d", featureScaler.Columns(), network.Topology.Inputs)
	}
	if targetScaler.Columns() != network.Topology.Outputs {
		return nil, fmt.Errorf("target scaler has %d columns, network produces %d", targetScaler.Columns(), network.Topology.Outputs)
	}
	return &TrainedModel{
		network:        network,
		featureScaler:  featureScaler,
		targetScaler:   targetScaler,
		sequenceLength: a.SequenceLength,
		trainedAt:      a.TrainedAt,
		metrics:        a.Metrics,
	}, nil
}

// Forecaster owns the current model. Training runs are serialized and
// publish a new model only when they succeed; predictions read whichever
// model is current when they start.
type Forecaster struct {
	cfg      ForecasterConfig
	features *TimeFeatureEngineer
	windower *SequenceWindower
	trainer  *forecast.Trainer
	logger   *zap.Logger
	now      func() time.Time

	current  atomic.Pointer[TrainedModel]
	trainMu  sync.Mutex
	training atomic.Bool
}

func NewForecaster(cfg ForecasterConfig, logger *zap.Logger) (*Forecaster, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TestSplit < 0 || cfg.TestSplit >= 1 {
		return nil, fmt.Errorf("test split must be in [0,1), got %v", cfg.TestSplit)
	}
	if err := cfg.Topology.Validate(); err != nil {
		return nil, fmt.Errorf("invalid topology: %w", err)
	}
	if cfg.Topology.Inputs != FeatureColumns || cfg.Topology.Outputs != TargetColumns {
		return nil, fmt.Errorf("topology must map %d inputs to %d outputs", FeatureColumns, TargetColumns)
	}
	if cfg.SplitMode != SplitChronological && cfg.SplitMode != SplitRandom {
		return nil, fmt.Errorf("unknown split mode %q", cfg.SplitMode)
	}
	windower, err := NewSequenceWindower(cfg.SequenceLength, cfg.PadPolicy, logger)
	if err != nil {
		return nil, err
	}
	return &Forecaster{
		cfg:      cfg,
		features: NewTimeFeatureEngineer(cfg.Location),
		windower: windower,
		trainer:  forecast.NewTrainer(cfg.Train, logger.Named("trainer")),
		logger:   logger,
		now:      time.Now,
	}, nil
}

func (f *Forecaster) Features() *TimeFeatureEngineer {
	return f.features
}

func (f *Forecaster) SequenceLength() int {
	return f.cfg.SequenceLength
}

func (f *Forecaster) IsTrained() bool {
	return f.current.Load() != nil
}

// Training reports whether a training run is in flight.
func (f *Forecaster) Training() bool {
	return f.training.Load()
}

// Current returns the published model or nil.
func (f *Forecaster) Current() *TrainedModel {
	return f.current.Load()
}

// Restore publishes a persisted model, typically at start-up.
func (f *Forecaster) Restore(a model.ModelArtifact) error {
	m, err := NewTrainedModelFromArtifact(a)
	if err != nil {
		return err
	}
	f.current.Store(m)
	f.logger.Info("model restored",
		zap.Time("trained_at", m.trainedAt),
		zap.Int("sequence_length", m.sequenceLength))
	return nil
}

// ProcessAndTrain trains a fresh model on chronologically ordered samples
// and publishes it. It waits for any run already in flight.
func (f *Forecaster) ProcessAndTrain(ctx context.Context, samples []model.LocationSample) (*model.TrainingResult, error) {
	result, _, err := f.train(ctx, samples)
	return result, err
}

// TryProcessAndTrain is ProcessAndTrain that gives up with
// ErrTrainingInProgress instead of waiting.
func (f *Forecaster) TryProcessAndTrain(ctx context.Context, samples []model.LocationSample) (*model.TrainingResult, error) {
	result, _, err := f.tryTrain(ctx, samples)
	return result, err
}

// train and tryTrain also return the model the run published, which may
// already have been replaced by the time the caller looks at Current.
func (f *Forecaster) train(ctx context.Context, samples []model.LocationSample) (*model.TrainingResult, *TrainedModel, error) {
	f.trainMu.Lock()
	defer f.trainMu.Unlock()
	return f.processAndTrain(ctx, samples)
}

func (f *Forecaster) tryTrain(ctx context.Context, samples []model.LocationSample) (*model.TrainingResult, *TrainedModel, error) {
	if !f.trainMu.TryLock() {
		return nil, nil, ErrTrainingInProgress
	}
	defer f.trainMu.Unlock()
	return f.processAndTrain(ctx, samples)
}

func (f *Forecaster) processAndTrain(ctx context.Context, samples []model.LocationSample) (*model.TrainingResult, *TrainedModel, error) {
	f.training.Store(true)
	defer f.training.Store(false)

	var result = &model.TrainingResult{
		RunID:     uuid.New(),
		Samples:   len(samples),
		SplitMode: string(f.cfg.SplitMode),
		StartedAt: f.now(),
	}
	var logger = f.logger.With(zap.String("run_id", result.RunID.String()))

	if len(samples) == 0 {
		return nil, nil, &InsufficientDataError{Have: 0, Need: f.cfg.SequenceLength + 1}
	}
	for i, s := range samples {
		if s.Timestamp.IsZero() {
			return nil, nil, validationError("sample %d has no timestamp", i)
		}
		if err := validateCoordinates(s.Latitude, s.Longitude); err != nil {
			return nil, nil, fmt.Errorf("sample %d: %w", i, err)
		}
	}

	var rows = f.features.Transform(samples)
	var rawFeatures, rawTargets = FeatureMatrix(rows), TargetMatrix(rows)

	// the only scaler fit of the run; everything below uses these two
	var featureScaler, targetScaler = NewMinMaxScaler(), NewMinMaxScaler()
	if err := featureScaler.Fit(rawFeatures); err != nil {
		return nil, nil, fmt.Errorf("%w: fit feature scaler: %w", ErrTrainingFailed, err)
	}
	if err := targetScaler.Fit(rawTargets); err != nil {
		return nil, nil, fmt.Errorf("%w: fit target scaler: %w", ErrTrainingFailed, err)
	}
	scaledFeatures, err := featureScaler.Transform(rawFeatures)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrTrainingFailed, err)
	}
	scaledTargets, err := targetScaler.Transform(rawTargets)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrTrainingFailed, err)
	}

	windows, padded, err := f.windower.Windows(scaledFeatures, scaledTargets)
	if err != nil {
		return nil, nil, err
	}
	train, test := SplitWindows(windows, f.cfg.TestSplit, f.cfg.SplitMode, f.cfg.Seed)
	result.Windows, result.TrainWindows, result.TestWindows = len(windows), len(train), len(test)
	result.PaddedRows = padded

	logger.Info("training run started",
		zap.Int("samples", len(samples)),
		zap.Int("windows", len(windows)),
		zap.Int("train_windows", len(train)),
		zap.Int("test_windows", len(test)),
		zap.Int("padded_rows", padded),
		zap.String("split_mode", string(f.cfg.SplitMode)))

	network, err := forecast.NewNetwork(f.cfg.Topology, rand.New(rand.NewSource(f.cfg.Seed)))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrTrainingFailed, err)
	}
	history, err := f.trainer.Fit(ctx, network, toSamples(train))
	result.History = history
	if err != nil {
		logger.Error("training run failed, keeping previous model", zap.Error(err))
		return nil, nil, fmt.Errorf("%w: %w", ErrTrainingFailed, err)
	}

	metrics, err := f.evaluate(ctx, network, targetScaler, test)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: evaluate: %w", ErrTrainingFailed, err)
	}
	result.HeldOut = metrics
	result.FinishedAt = f.now()

	var trained = &TrainedModel{
		network:        network,
		featureScaler:  featureScaler,
		targetScaler:   targetScaler,
		sequenceLength: f.cfg.SequenceLength,
		trainedAt:      result.FinishedAt,
		metrics:        metrics,
	}
	f.current.Store(trained)

	logger.Info("training run finished, model published",
		zap.Int("epochs", len(history.Epochs)),
		zap.Int("best_epoch", history.BestEpoch),
		zap.Float64("test_loss", metrics.Loss),
		zap.Float64("test_mae_km", metrics.MAEKm),
		zap.Duration("took", result.FinishedAt.Sub(result.StartedAt)))
	return result, trained, nil
}

func (f *Forecaster) evaluate(ctx context.Context, network *forecast.Network, targetScaler *MinMaxScaler, test []Window) (model.EvaluationMetrics, error) {
	if len(test) == 0 {
		return model.EvaluationMetrics{}, nil
	}
	var samples = toSamples(test)
	loss, mae, err := f.trainer.Evaluate(ctx, network, samples)
	if err != nil {
		return model.EvaluationMetrics{}, err
	}

	var predicted = make([][]float64, len(test))
	var actual = make([][]float64, len(test))
	for i, w := range test {
		predicted[i] = network.Predict(w.Inputs)
		actual[i] = w.Target
	}
	if predicted, err = targetScaler.InverseTransform(predicted); err != nil {
		return model.EvaluationMetrics{}, err
	}
	if actual, err = targetScaler.InverseTransform(actual); err != nil {
		return model.EvaluationMetrics{}, err
	}

	var metrics = DistanceErrors(predicted, actual)
	metrics.Loss, metrics.MAEScaled = loss, mae
	if math.IsNaN(metrics.Loss) || math.IsNaN(metrics.MAEKm) {
		return model.EvaluationMetrics{}, errors.New("held-out metrics are not finite")
	}
	return metrics, nil
}

// Predict forecasts the position following the supplied sequence. Fewer
// rows than the sequence length are zero-padded at the front; more are cut
// to the most recent ones. Exactly one prediction is returned, stamped with
// the last supplied timestamp.
func (f *Forecaster) Predict(ctx context.Context, requests []model.PredictionRequest) ([]model.Prediction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var m = f.current.Load()
	if m == nil {
		return nil, ErrModelNotTrained
	}
	if len(requests) == 0 {
		return nil, validationError("at least one request is required")
	}

	var samples = make([]model.LocationSample, len(requests))
	for i, r := range requests {
		ts, err := f.features.ParseTimestamp(r.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("request %d: %w", i, err)
		}
		if r.CurrentLat == nil || r.CurrentLong == nil {
			return nil, validationError("request %d: current_lat and current_long are required", i)
		}
		if err := validateCoordinates(*r.CurrentLat, *r.CurrentLong); err != nil {
			return nil, fmt.Errorf("request %d: %w", i, err)
		}
		samples[i] = model.LocationSample{Timestamp: ts, Latitude: *r.CurrentLat, Longitude: *r.CurrentLong}
	}

	scaled, err := m.featureScaler.Transform(FeatureMatrix(f.features.Transform(samples)))
	if err != nil {
		return nil, err
	}

	var inputs = scaled
	if len(scaled) < m.sequenceLength {
		inputs = make([][]float64, 0, m.sequenceLength)
		for i := len(scaled); i < m.sequenceLength; i++ {
			inputs = append(inputs, make([]float64, FeatureColumns))
		}
		inputs = append(inputs, scaled...)
	} else {
		inputs = scaled[len(scaled)-m.sequenceLength:]
	}

	out, err := m.targetScaler.InverseTransform([][]float64{m.network.Predict(inputs)})
	if err != nil {
		return nil, err
	}
	return []model.Prediction{{
		Timestamp:     samples[len(samples)-1].Timestamp,
		PredictedLat:  out[0][0],
		PredictedLong: out[0][1],
	}}, nil
}

func toSamples(windows []Window) []forecast.Sample {
	var result = make([]forecast.Sample, len(windows))
	for i, w := range windows {
		result[i] = forecast.Sample{Inputs: w.Inputs, Target: w.Target}
	}
	return result
}
