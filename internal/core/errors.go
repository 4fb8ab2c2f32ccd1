package core

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed or missing input. Never retried.
	ErrValidation = errors.New("validation error")
	// ErrInsufficientData is matched by every *InsufficientDataError.
	ErrInsufficientData   = errors.New("insufficient data")
	ErrModelNotTrained    = errors.New("model not trained")
	ErrTrainingFailed     = errors.New("training failed")
	ErrTrainingInProgress = errors.New("training already in progress")
)

// InsufficientDataError reports how many rows a run had and how many it
// needed for a single window.
type InsufficientDataError struct {
	Have int
	Need int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data: have %d rows, need at least %d (short by %d)", e.Have, e.Need, e.Need-e.Have)
}

func (e *InsufficientDataError) Is(target error) bool {
	return target == ErrInsufficientData
}

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func validateCoordinates(lat, lon float64) error {
	if !(lat >= -90 && lat <= 90) {
		return validationError("latitude %v out of range [-90, 90]", lat)
	}
	if !(lon >= -180 && lon <= 180) {
		return validationError("longitude %v out of range [-180, 180]", lon)
	}
	return nil
}
