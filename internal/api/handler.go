package api

import (
	"bishop_service/internal/core"
	"bishop_service/internal/domain/model"
	"bishop_service/internal/domain/repository"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ForecastService is what the HTTP layer needs from core.PredictionService.
type ForecastService interface {
	IngestSample(ctx context.Context, lat, lon float64, timestamp string) (model.LocationSample, error)
	LastUpdate(ctx context.Context) (time.Time, error)
	Retrain(ctx context.Context) (*model.TrainingResult, error)
	Predict(ctx context.Context, requests []model.PredictionRequest, withPlaces bool) ([]model.Prediction, error)
	Status() model.ModelStatus
}

type Handler struct {
	service ForecastService
	logger  *zap.Logger
}

func NewHandler(service ForecastService, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{service: service, logger: logger}
}

func NewRouter(h *Handler) *gin.Engine {
	router := gin.New()
	router.Use(ginzap.Ginzap(h.logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(h.logger, true))

	router.GET("/health", h.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	m := router.Group("/model")
	m.POST("/coordinates", h.AddCoordinates)
	m.GET("/coordinates", h.LastUpdate)
	m.POST("/train", h.Train)
	m.POST("/predict", h.Predict)
	m.GET("/status", h.Status)
	m.GET("/hello", h.Hello)

	return router
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) Hello(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "Hello World"})
}

func (h *Handler) AddCoordinates(c *gin.Context) {
	var req model.CoordinatesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{Error: "invalid input"})
		return
	}
	if req.Latitude == nil || req.Longitude == nil {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{Error: "latitude and longitude are required"})
		return
	}

	sample, err := h.service.IngestSample(c.Request.Context(), *req.Latitude, *req.Longitude, req.Timestamp)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, model.CoordinatesResponse{
		Message: "coordinates added successfully",
		ID:      sample.ID.String(),
	})
}

func (h *Handler) LastUpdate(c *gin.Context) {
	last, err := h.service.LastUpdate(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, model.LastUpdateResponse{LastUpdate: last.UTC().Format(time.RFC3339Nano)})
}

func (h *Handler) Train(c *gin.Context) {
	result, err := h.service.Retrain(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Predict accepts either {"requests": [...], "places": bool} or a bare
// JSON array of requests.
func (h *Handler) Predict(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{Error: "invalid input"})
		return
	}

	var req model.PredictRequest
	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '[' {
		err = json.Unmarshal(trimmed, &req.Requests)
	} else {
		err = json.Unmarshal(body, &req)
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{Error: "invalid input"})
		return
	}

	predictions, err := h.service.Predict(c.Request.Context(), req.Requests, req.Places)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, model.PredictResponse{Predictions: predictions})
}

func (h *Handler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.Status())
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("handler error", zap.String("path", c.FullPath()), zap.Error(err))
	} else {
		h.logger.Debug("request rejected", zap.String("path", c.FullPath()), zap.Int("status", status), zap.Error(err))
	}
	c.JSON(status, model.ErrorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrInsufficientData):
		return http.StatusUnprocessableEntity
	case errors.Is(err, core.ErrModelNotTrained), errors.Is(err, core.ErrTrainingInProgress):
		return http.StatusConflict
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrTrainingFailed):
		return http.StatusInternalServerError
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
