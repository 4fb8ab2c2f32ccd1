package repository

import (
	"bishop_service/internal/domain/model"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/serjvanilla/go-overpass"
)

// placeKeys are the OSM tags that make an element worth showing next to a
// forecast, in priority order for Place.Kind.
var placeKeys = []string{"amenity", "shop", "tourism", "leisure", "building"}

type OverpassRepository struct {
	client  *overpass.Client
	timeout time.Duration
}

func NewOverpassRepository(endpoint string, timeout time.Duration) *OverpassRepository {
	httpClient := &http.Client{
		Timeout: timeout,
	}
	client := overpass.NewWithSettings(endpoint, 2, httpClient)
	return &OverpassRepository{
		client:  &client,
		timeout: timeout,
	}
}

// NearbyPlaces returns named elements within radiusMeters of the point.
func (r *OverpassRepository) NearbyPlaces(ctx context.Context, lat, lon, radiusMeters float64) ([]model.Place, error) {
	var around = fmt.Sprintf("around:%.0f,%.6f,%.6f", radiusMeters, lat, lon)
	query := fmt.Sprintf(`
		[out:json][timeout:%d];
		(
			node["name"]["amenity"](%[2]s);
			way["name"]["amenity"](%[2]s);
			node["name"]["shop"](%[2]s);
			way["name"]["shop"](%[2]s);
			node["name"]["tourism"](%[2]s);
			way["name"]["tourism"](%[2]s);
			node["name"]["leisure"](%[2]s);
			way["name"]["leisure"](%[2]s);
			way["name"]["building"](%[2]s);
		);
		out body;
		>;
		out skel qt;
	`, int(r.timeout.Seconds()), around)

	result, err := r.executeQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to execute nearby places query: %w", err)
	}

	return convertToPlaces(result), nil
}

func (r *OverpassRepository) executeQuery(ctx context.Context, query string) (*overpass.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type response struct {
		result overpass.Result
		err    error
	}
	// the client has no context support, so the call is raced against ctx
	done := make(chan response, 1)
	go func() {
		result, err := r.client.Query(query)
		done <- response{result: result, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("overpass query aborted: %w", ctx.Err())
	case resp := <-done:
		if resp.err != nil {
			return nil, fmt.Errorf("overpass query failed: %w", resp.err)
		}
		return &resp.result, nil
	}
}

func convertToPlaces(result *overpass.Result) []model.Place {
	var places []model.Place

	for _, node := range result.Nodes {
		// skeleton nodes pulled in by ways carry no tags
		if node.Tags["name"] == "" {
			continue
		}
		places = append(places, model.Place{
			ID:   node.ID,
			Type: string(overpass.ElementTypeNode),
			Name: node.Tags["name"],
			Kind: placeKind(node.Tags),
			Lat:  node.Lat,
			Lon:  node.Lon,
			Tags: node.Tags,
		})
	}

	for _, way := range result.Ways {
		if way.Tags["name"] == "" {
			continue
		}
		var lat, lon float64
		count := 0
		for _, node := range way.Nodes {
			if node == nil {
				continue
			}
			lat += node.Lat
			lon += node.Lon
			count++
		}
		switch {
		case count > 0:
			lat /= float64(count)
			lon /= float64(count)
		case way.Bounds != nil:
			lat = (way.Bounds.Min.Lat + way.Bounds.Max.Lat) / 2
			lon = (way.Bounds.Min.Lon + way.Bounds.Max.Lon) / 2
		default:
			continue
		}

		places = append(places, model.Place{
			ID:   way.ID,
			Type: string(overpass.ElementTypeWay),
			Name: way.Tags["name"],
			Kind: placeKind(way.Tags),
			Lat:  lat,
			Lon:  lon,
			Tags: way.Tags,
		})
	}

	return places
}

func placeKind(tags map[string]string) string {
	for _, key := range placeKeys {
		if v := tags[key]; v != "" {
			return key + ":" + v
		}
	}
	return ""
}
