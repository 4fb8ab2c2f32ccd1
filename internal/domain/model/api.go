package model

// Wire types of the forecasting HTTP API, shared by the handlers and the
// HTTP client.

type CoordinatesRequest struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Timestamp string   `json:"timestamp,omitempty"`
}

type CoordinatesResponse struct {
	Message string `json:"message"`
	ID      string `json:"id"`
}

type LastUpdateResponse struct {
	LastUpdate string `json:"last_update"`
}

type PredictRequest struct {
	Requests []PredictionRequest `json:"requests"`
	Places   bool                `json:"places,omitempty"`
}

type PredictResponse struct {
	Predictions []Prediction `json:"predictions"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
