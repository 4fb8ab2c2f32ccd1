package core

import (
	"bishop_service/internal/domain/model"
	"bishop_service/internal/domain/repository"
	"bishop_service/internal/metrics"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

type ServiceConfig struct {
	// FetchLimit caps how many recent samples feed one training run.
	FetchLimit int
	// MinSamples rejects a retrain before any work when fewer samples exist.
	MinSamples   int
	TrainTimeout time.Duration
	// RecentWindow bounds LastUpdate; zero means all history.
	RecentWindow      time.Duration
	PlaceRadiusMeters float64
	PlaceLimit        int
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		FetchLimit:        10000,
		MinSamples:        1,
		TrainTimeout:      30 * time.Minute,
		RecentWindow:      time.Hour,
		PlaceRadiusMeters: 250,
		PlaceLimit:        5,
	}
}

type PredictionService struct {
	forecaster *Forecaster
	samples    repository.SampleRepository
	models     repository.ModelStore
	recorder   repository.TrainingDataRecorder
	places     repository.PlaceLookup
	cfg        ServiceConfig
	logger     *zap.Logger
	now        func() time.Time

	retrains singleflight.Group
}

// NewPredictionService wires the forecaster to its collaborators. models,
// recorder and places may be nil; the matching features are then skipped.
func NewPredictionService(
	forecaster *Forecaster,
	samples repository.SampleRepository,
	models repository.ModelStore,
	recorder repository.TrainingDataRecorder,
	places repository.PlaceLookup,
	cfg ServiceConfig,
	logger *zap.Logger,
) *PredictionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PredictionService{
		forecaster: forecaster,
		samples:    samples,
		models:     models,
		recorder:   recorder,
		places:     places,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

func (s *PredictionService) Forecaster() *Forecaster {
	return s.forecaster
}

// IngestSample validates and stores one position. An empty timestamp means now.
func (s *PredictionService) IngestSample(ctx context.Context, lat, lon float64, timestamp string) (model.LocationSample, error) {
	if err := validateCoordinates(lat, lon); err != nil {
		return model.LocationSample{}, err
	}
	var ts = s.now().UTC()
	if timestamp != "" {
		parsed, err := s.forecaster.Features().ParseTimestamp(timestamp)
		if err != nil {
			return model.LocationSample{}, err
		}
		ts = parsed
	}

	var sample = model.LocationSample{
		ID:        uuid.New(),
		Timestamp: ts,
		Latitude:  lat,
		Longitude: lon,
	}
	if err := s.samples.InsertSample(ctx, sample); err != nil {
		return model.LocationSample{}, fmt.Errorf("failed to store sample: %w", err)
	}
	metrics.SamplesIngested.Inc()
	s.logger.Debug("sample stored",
		zap.String("id", sample.ID.String()),
		zap.Time("timestamp", sample.Timestamp))
	return sample, nil
}

// LastUpdate returns the newest sample time inside the recent window or
// repository.ErrNotFound.
func (s *PredictionService) LastUpdate(ctx context.Context) (time.Time, error) {
	var since time.Time
	if s.cfg.RecentWindow > 0 {
		since = s.now().Add(-s.cfg.RecentWindow)
	}
	return s.samples.LastUpdate(ctx, since)
}

// Retrain trains on the most recent samples and persists the result.
// Concurrent callers share one run and its outcome.
func (s *PredictionService) Retrain(ctx context.Context) (*model.TrainingResult, error) {
	ch := s.retrains.DoChan("retrain", func() (any, error) {
		// the run outlives any single caller; it is bounded by TrainTimeout
		runCtx, cancel := s.trainContext(context.WithoutCancel(ctx))
		defer cancel()
		return s.retrain(runCtx, s.forecaster.train)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*model.TrainingResult), nil
	}
}

// TryRetrain is Retrain for background callers: it returns
// ErrTrainingInProgress instead of waiting for or joining a running run.
func (s *PredictionService) TryRetrain(ctx context.Context) (*model.TrainingResult, error) {
	if s.forecaster.Training() {
		metrics.TrainingRuns.WithLabelValues("skipped").Inc()
		return nil, ErrTrainingInProgress
	}
	runCtx, cancel := s.trainContext(ctx)
	defer cancel()
	return s.retrain(runCtx, s.forecaster.tryTrain)
}

func (s *PredictionService) trainContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.TrainTimeout > 0 {
		return context.WithTimeout(ctx, s.cfg.TrainTimeout)
	}
	return context.WithCancel(ctx)
}

type trainFunc func(context.Context, []model.LocationSample) (*model.TrainingResult, *TrainedModel, error)

func (s *PredictionService) retrain(ctx context.Context, train trainFunc) (*model.TrainingResult, error) {
	samples, err := s.samples.FetchRecent(ctx, s.cfg.FetchLimit)
	if err != nil {
		metrics.TrainingRuns.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("failed to fetch samples: %w", err)
	}
	if len(samples) < s.cfg.MinSamples {
		metrics.TrainingRuns.WithLabelValues("failed").Inc()
		return nil, &InsufficientDataError{Have: len(samples), Need: s.cfg.MinSamples}
	}

	// the repository returns newest first
	sort.SliceStable(samples, func(i, j int) bool {
		return samples[i].Timestamp.Before(samples[j].Timestamp)
	})

	result, trained, err := train(ctx, samples)
	if err != nil {
		if errors.Is(err, ErrTrainingInProgress) {
			metrics.TrainingRuns.WithLabelValues("skipped").Inc()
		} else {
			metrics.TrainingRuns.WithLabelValues("failed").Inc()
		}
		return nil, err
	}

	metrics.TrainingRuns.WithLabelValues("succeeded").Inc()
	metrics.TrainingDuration.Observe(result.FinishedAt.Sub(result.StartedAt).Seconds())
	metrics.LastTrained.Set(float64(result.FinishedAt.Unix()))
	metrics.HeldOutMAEKm.Set(result.HeldOut.MAEKm)

	// the new model is already serving; persistence problems only cost a
	// reload after restart
	s.persist(ctx, result, trained)
	return result, nil
}

func (s *PredictionService) persist(ctx context.Context, result *model.TrainingResult, trained *TrainedModel) {
	var logger = s.logger.With(zap.String("run_id", result.RunID.String()))

	// save the model this run produced; Current may already belong to a later run
	if s.models != nil && trained != nil {
		artifact, err := trained.Artifact()
		if err == nil {
			err = s.models.SaveModel(ctx, artifact)
		}
		if err != nil {
			logger.Error("failed to persist model", zap.Error(err))
		} else {
			logger.Info("model persisted", zap.Int("weights_bytes", len(artifact.Weights)))
		}
	}

	if s.recorder != nil {
		if err := s.recorder.SaveTrainingRun(ctx, *result); err != nil {
			logger.Warn("failed to record training run", zap.Error(err))
		}
	}
}

// Predict forecasts the next position. With withPlaces set each forecast is
// annotated with named places around it; lookup failures leave it bare.
func (s *PredictionService) Predict(ctx context.Context, requests []model.PredictionRequest, withPlaces bool) ([]model.Prediction, error) {
	predictions, err := s.forecaster.Predict(ctx, requests)
	if err != nil {
		metrics.Predictions.WithLabelValues(predictionStatus(err)).Inc()
		return nil, err
	}
	metrics.Predictions.WithLabelValues("ok").Inc()

	if withPlaces && s.places != nil {
		for i := range predictions {
			p := &predictions[i]
			places, err := s.places.NearbyPlaces(ctx, p.PredictedLat, p.PredictedLong, s.cfg.PlaceRadiusMeters)
			if err != nil {
				s.logger.Warn("nearby places lookup failed",
					zap.Float64("lat", p.PredictedLat),
					zap.Float64("lon", p.PredictedLong),
					zap.Error(err))
				continue
			}
			p.Places = nearestPlaces(places, p.PredictedLat, p.PredictedLong, s.cfg.PlaceLimit)
		}
	}
	return predictions, nil
}

func predictionStatus(err error) string {
	switch {
	case errors.Is(err, ErrModelNotTrained):
		return "not_trained"
	case errors.Is(err, ErrValidation):
		return "invalid"
	default:
		return "failed"
	}
}

// LoadModel restores the latest persisted model. Having none is not an error.
func (s *PredictionService) LoadModel(ctx context.Context) error {
	if s.models == nil {
		return nil
	}
	artifact, err := s.models.LatestModel(ctx)
	if errors.Is(err, repository.ErrNotFound) {
		s.logger.Info("no persisted model, waiting for first training run")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load model: %w", err)
	}
	if err := s.forecaster.Restore(artifact); err != nil {
		return fmt.Errorf("failed to restore model: %w", err)
	}
	metrics.LastTrained.Set(float64(artifact.TrainedAt.Unix()))
	metrics.HeldOutMAEKm.Set(artifact.Metrics.MAEKm)
	return nil
}

func (s *PredictionService) Status() model.ModelStatus {
	var status = model.ModelStatus{
		SequenceLength: s.forecaster.SequenceLength(),
		Training:       s.forecaster.Training(),
	}
	if m := s.forecaster.Current(); m != nil {
		trainedAt, evaluation := m.TrainedAt(), m.Metrics()
		status.Trained = true
		status.TrainedAt = &trainedAt
		status.SequenceLength = m.SequenceLength()
		status.Metrics = &evaluation
	}
	return status
}
