package api

import (
	"bishop_service/internal/core"
	"bishop_service/internal/domain/model"
	"bishop_service/internal/domain/repository"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeService struct {
	ingested   []model.LocationSample
	ingestErr  error
	lastUpdate time.Time
	lastErr    error
	trainErr   error
	predictErr error
	gotPlaces  bool
	gotReqs    []model.PredictionRequest
}

func (f *fakeService) IngestSample(_ context.Context, lat, lon float64, ts string) (model.LocationSample, error) {
	if f.ingestErr != nil {
		return model.LocationSample{}, f.ingestErr
	}
	s := model.LocationSample{ID: uuid.New(), Latitude: lat, Longitude: lon}
	f.ingested = append(f.ingested, s)
	return s, nil
}

func (f *fakeService) LastUpdate(context.Context) (time.Time, error) {
	return f.lastUpdate, f.lastErr
}

func (f *fakeService) Retrain(context.Context) (*model.TrainingResult, error) {
	if f.trainErr != nil {
		return nil, f.trainErr
	}
	return &model.TrainingResult{Windows: 10, TrainWindows: 8, TestWindows: 2}, nil
}

func (f *fakeService) Predict(_ context.Context, reqs []model.PredictionRequest, withPlaces bool) ([]model.Prediction, error) {
	f.gotReqs, f.gotPlaces = reqs, withPlaces
	if f.predictErr != nil {
		return nil, f.predictErr
	}
	return []model.Prediction{{PredictedLat: 40.02, PredictedLong: 105.27}}, nil
}

func (f *fakeService) Status() model.ModelStatus {
	return model.ModelStatus{Trained: true, SequenceLength: 144}
}

func serve(t *testing.T, svc ForecastService, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	router := NewRouter(NewHandler(svc, zaptest.NewLogger(t)))
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func TestHealthAndHello(t *testing.T) {
	w := serve(t, &fakeService{}, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	w = serve(t, &fakeService{}, http.MethodGet, "/model/hello", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"message":"Hello World"}`, w.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	w := serve(t, &fakeService{}, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestAddCoordinates(t *testing.T) {
	svc := &fakeService{}
	w := serve(t, svc, http.MethodPost, "/model/coordinates", `{"latitude": 40.0190, "longitude": 105.2747}`)

	assert.Equal(t, http.StatusCreated, w.Code)
	resp := decode[model.CoordinatesResponse](t, w)
	require.Len(t, svc.ingested, 1)
	assert.Equal(t, svc.ingested[0].ID.String(), resp.ID)
	assert.Equal(t, 40.0190, svc.ingested[0].Latitude)
}

func TestAddCoordinates_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing longitude", `{"latitude": 1}`},
		{"not json", `latitude=1`},
		{"wrong type", `{"latitude": "north", "longitude": 1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{}
			w := serve(t, svc, http.MethodPost, "/model/coordinates", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.NotEmpty(t, decode[model.ErrorResponse](t, w).Error)
			assert.Empty(t, svc.ingested)
		})
	}

	// zero is a valid coordinate
	svc := &fakeService{}
	w := serve(t, svc, http.MethodPost, "/model/coordinates", `{"latitude": 0, "longitude": 0}`)
	assert.Equal(t, http.StatusCreated, w.Code)

	svc = &fakeService{ingestErr: fmt.Errorf("%w: latitude out of range", core.ErrValidation)}
	w = serve(t, svc, http.MethodPost, "/model/coordinates", `{"latitude": 95, "longitude": 0}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLastUpdate(t *testing.T) {
	last := time.Date(2024, 5, 1, 11, 50, 0, 0, time.UTC)
	w := serve(t, &fakeService{lastUpdate: last}, http.MethodGet, "/model/coordinates", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "2024-05-01T11:50:00Z", decode[model.LastUpdateResponse](t, w).LastUpdate)

	w = serve(t, &fakeService{lastErr: repository.ErrNotFound}, http.MethodGet, "/model/coordinates", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTrain(t *testing.T) {
	w := serve(t, &fakeService{}, http.MethodPost, "/model/train", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 10, decode[model.TrainingResult](t, w).Windows)
}

func TestPredict(t *testing.T) {
	svc := &fakeService{}
	body := `{"requests": [{"timestamp": "2024-05-01T12:00:00Z", "current_lat": 40.01, "current_long": 105.27}], "places": true}`
	w := serve(t, svc, http.MethodPost, "/model/predict", body)

	assert.Equal(t, http.StatusOK, w.Code)
	resp := decode[model.PredictResponse](t, w)
	require.Len(t, resp.Predictions, 1)
	assert.Equal(t, 40.02, resp.Predictions[0].PredictedLat)
	assert.True(t, svc.gotPlaces)
	require.Len(t, svc.gotReqs, 1)
	require.NotNil(t, svc.gotReqs[0].CurrentLong)
	assert.Equal(t, 105.27, *svc.gotReqs[0].CurrentLong)
}

func TestPredict_BareArray(t *testing.T) {
	svc := &fakeService{}
	body := ` [{"timestamp": "1714564800", "current_lat": 1, "current_long": 2}, {"timestamp": "1714565400", "current_lat": 1, "current_long": 2}]`
	w := serve(t, svc, http.MethodPost, "/model/predict", body)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, svc.gotReqs, 2)
	assert.False(t, svc.gotPlaces)
}

func TestPredict_MissingCoordinates(t *testing.T) {
	svc := &fakeService{predictErr: fmt.Errorf("%w: request 0: current_lat and current_long are required", core.ErrValidation)}
	w := serve(t, svc, http.MethodPost, "/model/predict", `[{"timestamp": "2024-05-01T12:00:00Z"}]`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	require.Len(t, svc.gotReqs, 1)
	assert.Nil(t, svc.gotReqs[0].CurrentLat)
	assert.Nil(t, svc.gotReqs[0].CurrentLong)
}

func TestPredict_BadBody(t *testing.T) {
	w := serve(t, &fakeService{}, http.MethodPost, "/model/predict", `{"requests": "many"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", fmt.Errorf("request 0: %w", core.ErrValidation), http.StatusBadRequest},
		{"insufficient", &core.InsufficientDataError{Have: 3, Need: 145}, http.StatusUnprocessableEntity},
		{"not trained", core.ErrModelNotTrained, http.StatusConflict},
		{"in progress", core.ErrTrainingInProgress, http.StatusConflict},
		{"failed", fmt.Errorf("%w: diverged", core.ErrTrainingFailed), http.StatusInternalServerError},
		{"failed on timeout", fmt.Errorf("%w: %w", core.ErrTrainingFailed, context.DeadlineExceeded), http.StatusInternalServerError},
		{"not found", repository.ErrNotFound, http.StatusNotFound},
		{"timeout", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}

	w := serve(t, &fakeService{trainErr: &core.InsufficientDataError{Have: 0, Need: 1}}, http.MethodPost, "/model/train", "")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = serve(t, &fakeService{predictErr: core.ErrModelNotTrained}, http.MethodPost, "/model/predict", `[]`)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestStatus(t *testing.T) {
	w := serve(t, &fakeService{}, http.MethodGet, "/model/status", "")
	assert.Equal(t, http.StatusOK, w.Code)
	status := decode[model.ModelStatus](t, w)
	assert.True(t, status.Trained)
	assert.Equal(t, 144, status.SequenceLength)
}
