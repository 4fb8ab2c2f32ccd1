package core

import (
	"fmt"

	"go.uber.org/zap"
)

type PadPolicy string

const (
	// PadReplicate prepends copies of the first row until one window fits.
	PadReplicate PadPolicy = "replicate"
	// PadFail rejects runs shorter than one window.
	PadFail PadPolicy = "fail"
)

func ParsePadPolicy(value string) (PadPolicy, error) {
	switch PadPolicy(value) {
	case PadReplicate, "":
		return PadReplicate, nil
	case PadFail:
		return PadFail, nil
	}
	return "", fmt.Errorf("unknown pad policy %q", value)
}

// Window is one model input of Length consecutive rows and the target row
// that immediately follows it.
type Window struct {
	Start  int
	Inputs [][]float64
	Target []float64
}

// SequenceWindower cuts already scaled feature and target rows into windows.
// It never fits or applies a scaler itself.
type SequenceWindower struct {
	length int
	policy PadPolicy
	logger *zap.Logger
}

func NewSequenceWindower(length int, policy PadPolicy, logger *zap.Logger) (*SequenceWindower, error) {
	if length <= 0 {
		return nil, fmt.Errorf("sequence length must be positive, got %d", length)
	}
	if policy != PadReplicate && policy != PadFail {
		return nil, fmt.Errorf("unknown pad policy %q", policy)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SequenceWindower{length: length, policy: policy, logger: logger}, nil
}

func (w *SequenceWindower) Length() int {
	return w.length
}

// Windows returns max(0, N-L) windows, where window i spans rows i..i+L-1
// and targets row i+L. Short inputs are handled by the pad policy; the
// number of replicated rows is returned.
func (w *SequenceWindower) Windows(features, targets [][]float64) ([]Window, int, error) {
	if len(features) != len(targets) {
		return nil, 0, fmt.Errorf("%d feature rows but %d target rows", len(features), len(targets))
	}
	var have, need = len(features), w.length + 1
	if have == 0 {
		return nil, 0, &InsufficientDataError{Have: 0, Need: need}
	}

	var padded int
	if have < need {
		if w.policy == PadFail {
			return nil, 0, &InsufficientDataError{Have: have, Need: need}
		}
		padded = need - have
		features = replicateFirst(features, padded)
		targets = replicateFirst(targets, padded)
		w.logger.Warn("replicating first row to fill one window; windows near the start have artificially low variance",
			zap.Int("rows", have),
			zap.Int("replicated", padded),
			zap.Int("sequence_length", w.length))
	}

	var windows = make([]Window, 0, len(features)-w.length)
	for start := 0; start+w.length < len(features); start++ {
		windows = append(windows, Window{
			Start:  start,
			Inputs: features[start : start+w.length],
			Target: targets[start+w.length],
		})
	}
	return windows, padded, nil
}

func replicateFirst(rows [][]float64, count int) [][]float64 {
	var result = make([][]float64, 0, len(rows)+count)
	for i := 0; i < count; i++ {
		result = append(result, rows[0])
	}
	return append(result, rows...)
}
