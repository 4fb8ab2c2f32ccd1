package core

import (
	"bishop_service/internal/domain/model"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

const EarthRadiusKm = 6371

// Haversine returns the great-circle distance in kilometers.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	// rounding can push a past 1 for antipodal points
	a = math.Min(1, math.Max(0, a))
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusKm * c
}

// DistanceErrors compares predicted and actual (lat, lon) rows in degrees
// and in kilometers. Loss and MAEScaled are left for the caller.
func DistanceErrors(predicted, actual [][]float64) model.EvaluationMetrics {
	var metrics = model.EvaluationMetrics{Samples: len(actual)}
	if len(actual) == 0 {
		return metrics
	}

	var absDeg = make([]float64, 0, 2*len(actual))
	var sqDeg = make([]float64, 0, 2*len(actual))
	var km = make([]float64, len(actual))
	var sqKm = make([]float64, len(actual))
	for i := range actual {
		for c := 0; c < 2; c++ {
			var d = predicted[i][c] - actual[i][c]
			absDeg = append(absDeg, math.Abs(d))
			sqDeg = append(sqDeg, d*d)
		}
		km[i] = Haversine(actual[i][0], actual[i][1], predicted[i][0], predicted[i][1])
		sqKm[i] = km[i] * km[i]
	}

	metrics.MAEDegrees = stat.Mean(absDeg, nil)
	metrics.RMSEDegrees = math.Sqrt(stat.Mean(sqDeg, nil))
	metrics.MAEKm = stat.Mean(km, nil)
	metrics.RMSEKm = math.Sqrt(stat.Mean(sqKm, nil))
	return metrics
}

// nearestPlaces fills DistanceKm, orders places from the point outwards and
// keeps at most limit of them.
func nearestPlaces(places []model.Place, lat, lon float64, limit int) []model.Place {
	for i := range places {
		places[i].DistanceKm = Haversine(lat, lon, places[i].Lat, places[i].Lon)
	}
	sort.SliceStable(places, func(i, j int) bool {
		return places[i].DistanceKm < places[j].DistanceKm
	})
	if limit > 0 && len(places) > limit {
		places = places[:limit]
	}
	return places
}
