package core

import (
	"bishop_service/internal/domain/model"
	"bishop_service/internal/domain/repository"
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type memSamples struct {
	mu      sync.Mutex
	samples []model.LocationSample
	fetches atomic.Int32
	// gate, when set, blocks FetchRecent until it is closed
	gate    chan struct{}
	entered chan struct{}
}

func (m *memSamples) InsertSample(_ context.Context, s model.LocationSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, s)
	return nil
}

func (m *memSamples) FetchRecent(ctx context.Context, limit int) ([]model.LocationSample, error) {
	m.fetches.Add(1)
	if m.gate != nil {
		if m.entered != nil {
			m.entered <- struct{}{}
		}
		select {
		case <-m.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var result = append([]model.LocationSample(nil), m.samples...)
	sort.Slice(result, func(i, j int) bool { return result[i].Timestamp.After(result[j].Timestamp) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *memSamples) LastUpdate(_ context.Context, since time.Time) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var last time.Time
	for _, s := range m.samples {
		if !s.Timestamp.Before(since) && s.Timestamp.After(last) {
			last = s.Timestamp
		}
	}
	if last.IsZero() {
		return time.Time{}, repository.ErrNotFound
	}
	return last, nil
}

type memModels struct {
	mu    sync.Mutex
	saved []model.ModelArtifact
	err   error
}

func (m *memModels) SaveModel(_ context.Context, a model.ModelArtifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.saved = append(m.saved, a)
	return nil
}

func (m *memModels) LatestModel(context.Context) (model.ModelArtifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.saved) == 0 {
		return model.ModelArtifact{}, repository.ErrNotFound
	}
	return m.saved[len(m.saved)-1], nil
}

type memRecorder struct {
	mu   sync.Mutex
	runs []model.TrainingResult
}

func (r *memRecorder) SaveTrainingRun(_ context.Context, result model.TrainingResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, result)
	return nil
}

type stubPlaces struct {
	places []model.Place
	err    error
}

func (p stubPlaces) NearbyPlaces(context.Context, float64, float64, float64) ([]model.Place, error) {
	return append([]model.Place(nil), p.places...), p.err
}

type serviceFixture struct {
	service  *PredictionService
	samples  *memSamples
	models   *memModels
	recorder *memRecorder
}

func newServiceFixture(t *testing.T, places repository.PlaceLookup) *serviceFixture {
	t.Helper()
	fx := &serviceFixture{
		samples:  &memSamples{},
		models:   &memModels{},
		recorder: &memRecorder{},
	}
	cfg := DefaultServiceConfig()
	cfg.FetchLimit = 60
	fx.service = NewPredictionService(
		newTestForecaster(t, smallForecasterConfig()),
		fx.samples, fx.models, fx.recorder, places,
		cfg, zaptest.NewLogger(t))
	fx.service.now = func() time.Time { return trackEnd }
	return fx
}

func (fx *serviceFixture) seed(n int) []model.LocationSample {
	samples := syntheticSamples(n)
	fx.samples.samples = append(fx.samples.samples, samples...)
	return samples
}

func TestPredictionService_IngestSample(t *testing.T) {
	fx := newServiceFixture(t, nil)
	ctx := context.Background()

	sample, err := fx.service.IngestSample(ctx, 40.1, 105.2, "2024-05-01T11:30:00Z")
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, sample.ID)
	assert.True(t, sample.Timestamp.Equal(time.Date(2024, 5, 1, 11, 30, 0, 0, time.UTC)))

	noTime, err := fx.service.IngestSample(ctx, 40.1, 105.2, "")
	require.NoError(t, err)
	assert.True(t, noTime.Timestamp.Equal(trackEnd))
	assert.Len(t, fx.samples.samples, 2)

	_, err = fx.service.IngestSample(ctx, 100, 0, "")
	assert.ErrorIs(t, err, ErrValidation)
	_, err = fx.service.IngestSample(ctx, 1, 1, "later")
	assert.ErrorIs(t, err, ErrValidation)
	assert.Len(t, fx.samples.samples, 2)
}

func TestPredictionService_LastUpdate(t *testing.T) {
	fx := newServiceFixture(t, nil)
	ctx := context.Background()

	_, err := fx.service.LastUpdate(ctx)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	samples := fx.seed(5)
	last, err := fx.service.LastUpdate(ctx)
	require.NoError(t, err)
	assert.True(t, samples[4].Timestamp.Equal(last))

	// everything older than the recent window is ignored
	fx.service.now = func() time.Time { return trackEnd.Add(48 * time.Hour) }
	_, err = fx.service.LastUpdate(ctx)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestPredictionService_Retrain(t *testing.T) {
	fx := newServiceFixture(t, nil)
	fx.seed(80)

	result, err := fx.service.Retrain(context.Background())
	require.NoError(t, err)
	// FetchLimit keeps the newest 60 samples
	assert.Equal(t, 60, result.Samples)
	assert.True(t, fx.service.Status().Trained)

	require.Len(t, fx.models.saved, 1)
	assert.Equal(t, 4, fx.models.saved[0].SequenceLength)
	require.Len(t, fx.recorder.runs, 1)
	assert.Equal(t, result.RunID, fx.recorder.runs[0].RunID)
}

func TestPredictionService_PersistsModelOfItsOwnRun(t *testing.T) {
	fx := newServiceFixture(t, nil)
	fx.seed(30)
	f := fx.service.forecaster

	var published *TrainedModel
	train := func(ctx context.Context, samples []model.LocationSample) (*model.TrainingResult, *TrainedModel, error) {
		result, trained, err := f.train(ctx, samples)
		published = trained
		// another run publishes between this run's unlock and persistence
		later := *trained
		later.trainedAt = trained.trainedAt.Add(time.Hour)
		f.current.Store(&later)
		return result, trained, err
	}

	result, err := fx.service.retrain(context.Background(), train)
	require.NoError(t, err)
	require.NotNil(t, published)
	require.Len(t, fx.models.saved, 1)
	assert.True(t, fx.models.saved[0].TrainedAt.Equal(result.FinishedAt))
	assert.True(t, fx.models.saved[0].TrainedAt.Equal(published.TrainedAt()))
	assert.False(t, fx.models.saved[0].TrainedAt.Equal(f.Current().TrainedAt()))
}

func TestPredictionService_RetrainInsufficient(t *testing.T) {
	fx := newServiceFixture(t, nil)

	_, err := fx.service.Retrain(context.Background())
	assert.ErrorIs(t, err, ErrInsufficientData)
	assert.Empty(t, fx.models.saved)
}

func TestPredictionService_RetrainPersistFailureIsNotFatal(t *testing.T) {
	fx := newServiceFixture(t, nil)
	fx.seed(30)
	fx.models.err = errors.New("disk full")

	_, err := fx.service.Retrain(context.Background())
	require.NoError(t, err)
	assert.True(t, fx.service.Status().Trained)
	assert.Len(t, fx.recorder.runs, 1)
}

func TestPredictionService_RetrainCoalesces(t *testing.T) {
	fx := newServiceFixture(t, nil)
	fx.seed(30)
	fx.samples.gate = make(chan struct{})
	fx.samples.entered = make(chan struct{}, 2)

	type outcome struct {
		result *model.TrainingResult
		err    error
	}
	results := make(chan outcome, 2)
	retrain := func() {
		r, err := fx.service.Retrain(context.Background())
		results <- outcome{r, err}
	}

	go retrain()
	<-fx.samples.entered
	go retrain()
	// give the second caller time to join the in-flight run
	time.Sleep(50 * time.Millisecond)
	close(fx.samples.gate)

	first, second := <-results, <-results
	require.NoError(t, first.err)
	require.NoError(t, second.err)
	assert.Same(t, first.result, second.result)
	assert.Equal(t, int32(1), fx.samples.fetches.Load())
	assert.Len(t, fx.recorder.runs, 1)
}

func TestPredictionService_RetrainCallerCancel(t *testing.T) {
	fx := newServiceFixture(t, nil)
	fx.seed(30)
	fx.samples.gate = make(chan struct{})
	fx.samples.entered = make(chan struct{}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := fx.service.Retrain(ctx)
		done <- err
	}()
	<-fx.samples.entered
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	// the run itself carries on, publishes and records
	close(fx.samples.gate)
	assert.Eventually(t, func() bool {
		fx.recorder.mu.Lock()
		defer fx.recorder.mu.Unlock()
		return len(fx.recorder.runs) == 1
	}, 10*time.Second, 10*time.Millisecond)
	assert.True(t, fx.service.Status().Trained)
}

func TestPredictionService_TryRetrainBusy(t *testing.T) {
	fx := newServiceFixture(t, nil)
	fx.seed(30)

	fx.service.forecaster.trainMu.Lock()
	_, err := fx.service.TryRetrain(context.Background())
	fx.service.forecaster.trainMu.Unlock()
	assert.ErrorIs(t, err, ErrTrainingInProgress)
	assert.Empty(t, fx.models.saved)

	_, err = fx.service.TryRetrain(context.Background())
	assert.NoError(t, err)
}

func TestPredictionService_PredictWithPlaces(t *testing.T) {
	places := stubPlaces{places: []model.Place{
		{ID: 1, Name: "Cafe", Lat: 40.02, Lon: 105.27},
		{ID: 2, Name: "Library", Lat: 40.05, Lon: 105.30},
	}}
	fx := newServiceFixture(t, places)
	samples := fx.seed(30)
	_, err := fx.service.Retrain(context.Background())
	require.NoError(t, err)

	requests := predictionRequests(samples[len(samples)-4:])
	bare, err := fx.service.Predict(context.Background(), requests, false)
	require.NoError(t, err)
	require.Len(t, bare, 1)
	assert.Empty(t, bare[0].Places)

	annotated, err := fx.service.Predict(context.Background(), requests, true)
	require.NoError(t, err)
	require.Len(t, annotated, 1)
	require.Len(t, annotated[0].Places, 2)
	assert.LessOrEqual(t, annotated[0].Places[0].DistanceKm, annotated[0].Places[1].DistanceKm)
	assert.Equal(t, bare[0].PredictedLat, annotated[0].PredictedLat)
}

func TestPredictionService_PlacesFailureIsNotFatal(t *testing.T) {
	fx := newServiceFixture(t, stubPlaces{err: errors.New("overpass down")})
	samples := fx.seed(30)
	_, err := fx.service.Retrain(context.Background())
	require.NoError(t, err)

	predictions, err := fx.service.Predict(context.Background(), predictionRequests(samples[26:]), true)
	require.NoError(t, err)
	require.Len(t, predictions, 1)
	assert.Empty(t, predictions[0].Places)
}

func TestPredictionService_PredictUntrained(t *testing.T) {
	fx := newServiceFixture(t, nil)

	_, err := fx.service.Predict(context.Background(), predictionRequests(syntheticSamples(2)), true)
	assert.ErrorIs(t, err, ErrModelNotTrained)
}

func TestPredictionService_LoadModel(t *testing.T) {
	fx := newServiceFixture(t, nil)
	require.NoError(t, fx.service.LoadModel(context.Background()))
	assert.False(t, fx.service.Status().Trained)

	fx.seed(30)
	_, err := fx.service.Retrain(context.Background())
	require.NoError(t, err)

	fresh := NewPredictionService(
		newTestForecaster(t, smallForecasterConfig()),
		fx.samples, fx.models, nil, nil,
		DefaultServiceConfig(), zaptest.NewLogger(t))
	require.NoError(t, fresh.LoadModel(context.Background()))

	status := fresh.Status()
	assert.True(t, status.Trained)
	require.NotNil(t, status.TrainedAt)
	require.NotNil(t, status.Metrics)
	assert.Equal(t, 4, status.SequenceLength)
	assert.False(t, status.Training)
}

func TestPredictionService_LoadModelCorrupt(t *testing.T) {
	fx := newServiceFixture(t, nil)
	fx.models.saved = []model.ModelArtifact{{SequenceLength: 4, Weights: []byte("junk")}}

	assert.Error(t, fx.service.LoadModel(context.Background()))
	assert.False(t, fx.service.Status().Trained)
}
