package core

import (
	"bishop_service/internal/domain/model"
	"math"
	"strconv"
	"strings"
	"time"
)

// Number of model input columns: latitude, longitude, minute of day, day of week.
const (
	FeatureColumns = 4
	TargetColumns  = 2
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

// TimeFeatureEngineer derives calendar features from samples. Calendar
// fields are read in a fixed location so results do not depend on the host.
type TimeFeatureEngineer struct {
	location *time.Location
}

func NewTimeFeatureEngineer(location *time.Location) *TimeFeatureEngineer {
	if location == nil {
		location = time.UTC
	}
	return &TimeFeatureEngineer{location: location}
}

func (e *TimeFeatureEngineer) Location() *time.Location {
	return e.location
}

func (e *TimeFeatureEngineer) Row(sample model.LocationSample) model.FeatureRow {
	var ts = sample.Timestamp.In(e.location)
	// time.Weekday is Sunday=0; shift to Monday=0
	var dayOfWeek = (int(ts.Weekday()) + 6) % 7
	return model.FeatureRow{
		Sample:      sample,
		MinuteOfDay: ts.Hour()*60 + ts.Minute(),
		DayOfWeek:   dayOfWeek,
		Hour:        ts.Hour(),
		IsWeekend:   dayOfWeek >= 5,
	}
}

func (e *TimeFeatureEngineer) Transform(samples []model.LocationSample) []model.FeatureRow {
	var rows = make([]model.FeatureRow, len(samples))
	for i, s := range samples {
		rows[i] = e.Row(s)
	}
	return rows
}

// ParseTimestamp accepts RFC 3339, ISO-like layouts without an offset
// (read in the engineer's location) and unix seconds or milliseconds.
func (e *TimeFeatureEngineer) ParseTimestamp(value string) (time.Time, error) {
	return ParseTimestamp(value, e.location)
}

func ParseTimestamp(value string, location *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, validationError("timestamp is required")
	}
	if location == nil {
		location = time.UTC
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.ParseInLocation(layout, value, location); err == nil {
			return ts, nil
		}
	}
	if number, err := strconv.ParseFloat(value, 64); err == nil && !math.IsNaN(number) && !math.IsInf(number, 0) {
		return unixTimestamp(number), nil
	}
	return time.Time{}, validationError("unparsable timestamp %q", value)
}

// unixTimestamp treats values beyond year 5138 in seconds as milliseconds.
func unixTimestamp(number float64) time.Time {
	if math.Abs(number) >= 1e11 {
		return time.UnixMilli(int64(number)).UTC()
	}
	var sec, frac = math.Modf(number)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

// FeatureMatrix lays rows out in model input column order.
func FeatureMatrix(rows []model.FeatureRow) [][]float64 {
	var result = make([][]float64, len(rows))
	for i, r := range rows {
		result[i] = []float64{
			r.Sample.Latitude,
			r.Sample.Longitude,
			float64(r.MinuteOfDay),
			float64(r.DayOfWeek),
		}
	}
	return result
}

func TargetMatrix(rows []model.FeatureRow) [][]float64 {
	var result = make([][]float64, len(rows))
	for i, r := range rows {
		result[i] = []float64{r.Sample.Latitude, r.Sample.Longitude}
	}
	return result
}
