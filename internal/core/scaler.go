package core

import (
	"errors"
	"fmt"
	"math"

	"bishop_service/internal/domain/model"

	"gonum.org/v1/gonum/floats"
)

var ErrScalerNotFitted = fmt.Errorf("scaler not fitted: %w", ErrModelNotTrained)

// MinMaxScaler maps every column to [0,1] using the range seen by Fit.
// A column whose range is zero transforms to 0 and inverts to its constant.
type MinMaxScaler struct {
	min []float64
	max []float64
}

func NewMinMaxScaler() *MinMaxScaler {
	return &MinMaxScaler{}
}

func NewMinMaxScalerFromState(state model.ScalerState) (*MinMaxScaler, error) {
	if len(state.Min) == 0 || len(state.Min) != len(state.Max) {
		return nil, fmt.Errorf("invalid scaler state: %d minimums, %d maximums", len(state.Min), len(state.Max))
	}
	for i := range state.Min {
		if !isFinite(state.Min[i]) || !isFinite(state.Max[i]) || state.Min[i] > state.Max[i] {
			return nil, fmt.Errorf("invalid scaler state: column %d range [%v, %v]", i, state.Min[i], state.Max[i])
		}
	}
	return &MinMaxScaler{
		min: append([]float64(nil), state.Min...),
		max: append([]float64(nil), state.Max...),
	}, nil
}

func (s *MinMaxScaler) Fit(data [][]float64) error {
	if len(data) == 0 {
		return errors.New("cannot fit scaler on empty data")
	}
	var cols = len(data[0])
	if cols == 0 {
		return errors.New("cannot fit scaler on rows without columns")
	}
	var column = make([]float64, len(data))
	var mins = make([]float64, cols)
	var maxs = make([]float64, cols)
	for c := 0; c < cols; c++ {
		for r, row := range data {
			if len(row) != cols {
				return fmt.Errorf("row %d has %d columns, expected %d", r, len(row), cols)
			}
			if !isFinite(row[c]) {
				return fmt.Errorf("row %d column %d is not finite", r, c)
			}
			column[r] = row[c]
		}
		mins[c] = floats.Min(column)
		maxs[c] = floats.Max(column)
	}
	s.min, s.max = mins, maxs
	return nil
}

func (s *MinMaxScaler) Fitted() bool {
	return len(s.min) > 0
}

func (s *MinMaxScaler) Columns() int {
	return len(s.min)
}

func (s *MinMaxScaler) State() model.ScalerState {
	return model.ScalerState{
		Min: append([]float64(nil), s.min...),
		Max: append([]float64(nil), s.max...),
	}
}

func (s *MinMaxScaler) Transform(data [][]float64) ([][]float64, error) {
	return s.apply(data, func(c int, x float64) float64 {
		var span = s.max[c] - s.min[c]
		if span == 0 {
			return 0
		}
		return (x - s.min[c]) / span
	})
}

func (s *MinMaxScaler) InverseTransform(data [][]float64) ([][]float64, error) {
	return s.apply(data, func(c int, x float64) float64 {
		return x*(s.max[c]-s.min[c]) + s.min[c]
	})
}

func (s *MinMaxScaler) apply(data [][]float64, fn func(c int, x float64) float64) ([][]float64, error) {
	if !s.Fitted() {
		return nil, ErrScalerNotFitted
	}
	var result = make([][]float64, len(data))
	for r, row := range data {
		if len(row) != len(s.min) {
			return nil, fmt.Errorf("row %d has %d columns, scaler was fitted on %d", r, len(row), len(s.min))
		}
		var out = make([]float64, len(row))
		for c, x := range row {
			out[c] = fn(c, x)
		}
		result[r] = out
	}
	return result, nil
}

func isFinite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}
