package repository

import (
	"context"
	"errors"
	"time"

	"bishop_service/internal/domain/model"
)

var ErrNotFound = errors.New("not found")

type SampleRepository interface {
	InsertSample(ctx context.Context, sample model.LocationSample) error
	// FetchRecent returns at most limit samples, most recent first.
	FetchRecent(ctx context.Context, limit int) ([]model.LocationSample, error)
	// LastUpdate returns the newest sample time not before since, or ErrNotFound.
	LastUpdate(ctx context.Context, since time.Time) (time.Time, error)
}

// ModelStore persists model artifacts as a unit.
type ModelStore interface {
	SaveModel(ctx context.Context, artifact model.ModelArtifact) error
	// LatestModel returns ErrNotFound when nothing was saved yet.
	LatestModel(ctx context.Context) (model.ModelArtifact, error)
}

type PlaceLookup interface {
	NearbyPlaces(ctx context.Context, lat, lon, radiusMeters float64) ([]model.Place, error)
}
