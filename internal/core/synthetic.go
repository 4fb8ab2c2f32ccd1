package core

import (
	"math/rand"
	"time"

	"bishop_service/internal/domain/model"

	"github.com/google/uuid"
)

// SyntheticTrack describes a noisy stationary track used for demos and
// smoke tests.
type SyntheticTrack struct {
	Count    int
	End      time.Time
	Spacing  time.Duration
	BaseLat  float64
	BaseLon  float64
	NoiseDeg float64
	Seed     int64
}

func DefaultSyntheticTrack(end time.Time) SyntheticTrack {
	return SyntheticTrack{
		Count:    1000,
		End:      end,
		Spacing:  10 * time.Minute,
		BaseLat:  40.0190,
		BaseLon:  105.2747,
		NoiseDeg: 0.01,
		Seed:     42,
	}
}

// GenerateSyntheticSamples returns Count chronological samples spaced
// Spacing apart, the first one Count*Spacing before End, with gaussian
// noise around the base point.
func GenerateSyntheticSamples(track SyntheticTrack) []model.LocationSample {
	var rnd = rand.New(rand.NewSource(track.Seed))
	var start = track.End.Add(-time.Duration(track.Count) * track.Spacing)
	var samples = make([]model.LocationSample, track.Count)
	for i := range samples {
		samples[i] = model.LocationSample{
			ID:        uuid.New(),
			Timestamp: start.Add(time.Duration(i) * track.Spacing),
			Latitude:  clamp(track.BaseLat+rnd.NormFloat64()*track.NoiseDeg, -90, 90),
			Longitude: clamp(track.BaseLon+rnd.NormFloat64()*track.NoiseDeg, -180, 180),
		}
	}
	return samples
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
