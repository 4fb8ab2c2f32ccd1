package model

// Place is a named OSM element close to a forecast point.
type Place struct {
	ID         int64             `json:"id"`
	Type       string            `json:"type"`
	Name       string            `json:"name"`
	Kind       string            `json:"kind"`
	Lat        float64           `json:"lat"`
	Lon        float64           `json:"lon"`
	DistanceKm float64           `json:"distance_km"`
	Tags       map[string]string `json:"tags,omitempty"`
}
