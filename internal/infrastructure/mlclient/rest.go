package mlclient

import (
	"bishop_service/internal/domain/model"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// StatusError is returned for any non-2xx answer from the service.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("forecast service returned status: %d", e.StatusCode)
	}
	return fmt.Sprintf("forecast service returned status %d: %s", e.StatusCode, e.Message)
}

// Client talks to the forecast service over its JSON API.
type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return NewClientWithHTTP(baseURL, &http.Client{Timeout: timeout})
}

func NewClientWithHTTP(baseURL string, httpClient *http.Client) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  httpClient,
	}
}

// SendCoordinates stores one position and returns its id. A zero ts lets
// the service stamp the sample on arrival.
func (c *Client) SendCoordinates(ctx context.Context, lat, lon float64, ts time.Time) (string, error) {
	req := model.CoordinatesRequest{Latitude: &lat, Longitude: &lon}
	if !ts.IsZero() {
		req.Timestamp = ts.UTC().Format(time.RFC3339Nano)
	}
	var resp model.CoordinatesResponse
	if err := c.do(ctx, http.MethodPost, "/model/coordinates", req, &resp); err != nil {
		return "", fmt.Errorf("failed to send coordinates: %w", err)
	}
	return resp.ID, nil
}

func (c *Client) LastUpdate(ctx context.Context) (time.Time, error) {
	var resp model.LastUpdateResponse
	if err := c.do(ctx, http.MethodGet, "/model/coordinates", nil, &resp); err != nil {
		return time.Time{}, fmt.Errorf("failed to get last update: %w", err)
	}
	last, err := time.Parse(time.RFC3339Nano, resp.LastUpdate)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse last update %q: %w", resp.LastUpdate, err)
	}
	return last, nil
}

func (c *Client) Train(ctx context.Context) (*model.TrainingResult, error) {
	var resp model.TrainingResult
	if err := c.do(ctx, http.MethodPost, "/model/train", nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to train: %w", err)
	}
	return &resp, nil
}

func (c *Client) Predict(ctx context.Context, requests []model.PredictionRequest, withPlaces bool) ([]model.Prediction, error) {
	var resp model.PredictResponse
	req := model.PredictRequest{Requests: requests, Places: withPlaces}
	if err := c.do(ctx, http.MethodPost, "/model/predict", req, &resp); err != nil {
		return nil, fmt.Errorf("failed to predict: %w", err)
	}
	return resp.Predictions, nil
}

func (c *Client) Status(ctx context.Context) (model.ModelStatus, error) {
	var resp model.ModelStatus
	if err := c.do(ctx, http.MethodGet, "/model/status", nil, &resp); err != nil {
		return model.ModelStatus{}, fmt.Errorf("failed to get status: %w", err)
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr model.ErrorResponse
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&apiErr)
		return &StatusError{StatusCode: resp.StatusCode, Message: apiErr.Error}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
